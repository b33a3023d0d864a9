package im

import (
	"context"
	log "log/slog"
	"time"

	"github.com/shopmesh/shopmesh"
)

// OfflineWriter consumes the offline bus and persists messages for later retrieval.
// Partitions are keyed by recipient, so one user's messages land FIFO. The bus is
// at-least-once: a dedup gate on (msg_id, recipient) drops redelivered copies before
// the durable write, and an error return aborts the whole batch so nothing is acked
// until the write committed.
type OfflineWriter struct {
	repo  OfflineMessageRepository
	cache shopmesh.Cache
	cfg   Config
}

// NewOfflineWriter wires the writer.
func NewOfflineWriter(repo OfflineMessageRepository, cache shopmesh.Cache, cfg Config) *OfflineWriter {
	return &OfflineWriter{repo: repo, cache: cache, cfg: cfg}
}

// HandleBatch is the bus batch handler.
func (w *OfflineWriter) HandleBatch(ctx context.Context, msgs []shopmesh.BusMessage) error {
	batch := make([]OfflineMessage, 0, len(msgs))
	var marked []string
	for _, m := range msgs {
		var event OfflineMessageEvent
		if err := shopmesh.DefaultMarshaler.Unmarshal(m.Value, &event); err != nil {
			// A poison message would wedge the partition; log and skip it.
			log.Error("dropping undecodable offline event", "error", err)
			continue
		}
		key := dedupKey(event.MsgID, event.Recipient, "store")
		fresh, err := w.cache.SetNX(ctx, key, "1", w.cfg.DedupTTL)
		if err != nil {
			return shopmesh.Error{Code: shopmesh.Transient, Err: err}
		}
		if !fresh {
			log.Debug("offline message already stored", "msg", event.MsgID, "user", event.Recipient)
			continue
		}
		marked = append(marked, key)
		now := shopmesh.Now()
		batch = append(batch, OfflineMessage{
			MsgID:     event.MsgID,
			UserID:    event.Recipient,
			SenderID:  event.Sender,
			ConvID:    event.ConvID,
			ConvType:  event.ConvType,
			Content:   event.Content,
			Seq:       event.Seq,
			Ts:        event.Ts,
			CreatedAt: now,
			ExpiresAt: now.Add(w.cfg.MessageTTL),
		})
	}
	if len(batch) == 0 {
		return nil
	}
	if err := w.repo.AddBatch(ctx, batch); err != nil {
		// Release the claims so the bus redelivery is not dropped by the dedup gate.
		if _, derr := w.cache.Delete(ctx, marked); derr != nil {
			log.Warn("dedup release failed after write error", "error", derr)
		}
		return shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	log.Debug("offline batch stored", "messages", len(batch))
	return nil
}

// GetUnread pages the user's stored messages in ascending seq, starting after the
// cursor. Each message is visited exactly once across pages.
func (w *OfflineWriter) GetUnread(ctx context.Context, userID string, afterSeq int64, limit int) ([]OfflineMessage, error) {
	if userID == "" {
		return nil, shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}
	if limit <= 0 {
		limit = w.cfg.OfflineBatchSize
	}
	msgs, err := w.repo.GetUnread(ctx, userID, afterSeq, limit)
	if err != nil {
		return nil, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	return msgs, nil
}

// AckDelivered deletes the user's rows up to and including upToSeq after the client
// confirmed delivery.
func (w *OfflineWriter) AckDelivered(ctx context.Context, userID string, upToSeq int64) error {
	if userID == "" {
		return shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}
	if err := w.repo.AckDelivered(ctx, userID, upToSeq); err != nil {
		return shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	return nil
}

// OfflineSweeper prunes expired offline messages in bounded batches, one expiry hour
// bucket at a time. An hour lock in the fast store keeps concurrent instances from
// sweeping the same bucket.
type OfflineSweeper struct {
	repo  OfflineMessageRepository
	cache shopmesh.Cache
	cfg   Config
}

// NewOfflineSweeper wires the TTL sweeper.
func NewOfflineSweeper(repo OfflineMessageRepository, cache shopmesh.Cache, cfg Config) *OfflineSweeper {
	return &OfflineSweeper{repo: repo, cache: cache, cfg: cfg}
}

// Run ticks every OfflineSweepInterval until the context is done.
func (s *OfflineSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.OfflineSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				log.Warn("offline sweep tick failed", "error", err)
			} else if n > 0 {
				log.Info("offline sweep tick done", "deleted", n)
			}
		}
	}
}

// SweepOnce visits the lookback window's hour buckets and deletes expired rows, up to
// the batch budget per bucket.
func (s *OfflineSweeper) SweepOnce(ctx context.Context) (int, error) {
	now := shopmesh.Now().UTC()
	var deleted int
	for h := 0; h <= s.cfg.OfflineSweepLookbackHours; h++ {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		hour := now.Add(-time.Duration(h) * time.Hour).Truncate(time.Hour)
		lockKeys := s.cache.CreateLockKeys([]string{"offline_sweep_" + hour.Format("2006010215")})
		locked, _, err := s.cache.Lock(ctx, s.cfg.OfflineSweepInterval, lockKeys)
		if err != nil || !locked {
			// Another instance owns this bucket for the tick.
			continue
		}
		n, err := s.repo.DeleteExpired(ctx, hour, shopmesh.Now(), s.cfg.OfflineSweepBatchSize)
		if uerr := s.cache.Unlock(ctx, lockKeys); uerr != nil {
			log.Warn("offline sweep unlock failed", "hour", hour, "error", uerr)
		}
		if err != nil {
			return deleted, shopmesh.Error{Code: shopmesh.Transient, Err: err}
		}
		deleted += n
	}
	return deleted, nil
}
