package im

import (
	"context"
	log "log/slog"
	"strconv"

	"github.com/shopmesh/shopmesh"
)

// Sequencer issues strictly increasing integers per (scope, conv_id) with a single
// atomic increment on the fast store. Every SnapshotEvery increments it checkpoints
// the counter durably; recovery after a fast-store loss seeds from the latest
// checkpoint plus a safety margin. Up to SnapshotEvery duplicate sequence numbers may
// be issued after such a loss; the msg_id dedup gate keeps duplicates from displaying.
type Sequencer struct {
	cache     shopmesh.Cache
	snapshots SnapshotRepository
	cfg       Config
}

// NewSequencer wires the sequencer. A non-positive SnapshotEvery falls back to the
// documented default so Next's modulus never divides by zero.
func NewSequencer(cache shopmesh.Cache, snapshots SnapshotRepository, cfg Config) *Sequencer {
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = DefaultConfig().SnapshotEvery
	}
	return &Sequencer{cache: cache, snapshots: snapshots, cfg: cfg}
}

// Next returns the next sequence number for (scope, convID).
func (s *Sequencer) Next(ctx context.Context, scope Scope, convID string) (int64, error) {
	if convID == "" {
		return 0, shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}
	seq, err := s.cache.IncrBy(ctx, seqKey(scope, convID), 1)
	if err != nil {
		return 0, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	if seq%s.cfg.SnapshotEvery == 0 {
		// Checkpoint off the hot path; a lost snapshot only widens the recovery
		// margin by one interval.
		go s.snapshot(scope, convID, seq)
	}
	return seq, nil
}

// NextPrivate returns the next sequence number of the canonical private conversation
// between the two users.
func (s *Sequencer) NextPrivate(ctx context.Context, userA, userB string) (int64, error) {
	convID, err := PrivateConvID(userA, userB)
	if err != nil {
		return 0, shopmesh.Error{Code: shopmesh.Validation, Err: err}
	}
	return s.Next(ctx, ScopePrivate, convID)
}

func (s *Sequencer) snapshot(scope Scope, convID string, seq int64) {
	// Detached from the request context on purpose: the checkpoint should land even
	// when the triggering request is cancelled.
	ctx := context.Background()
	err := s.snapshots.Save(ctx, CounterSnapshot{
		Scope:      scope,
		ConvID:     convID,
		Seq:        seq,
		SnapshotTs: shopmesh.Now(),
	})
	if err != nil {
		log.Warn("counter snapshot failed", "scope", scope, "conv", convID, "seq", seq, "error", err)
		return
	}
	log.Debug("counter snapshotted", "scope", scope, "conv", convID, "seq", seq)
}

// Recover seeds the counter from the latest durable snapshot plus a safety margin of
// one snapshot interval, covering increments issued after the checkpoint. It never
// lowers a live counter. Call on startup after a fast-store loss.
func (s *Sequencer) Recover(ctx context.Context, scope Scope, convID string) (int64, error) {
	if convID == "" {
		return 0, shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}
	snap, found, err := s.snapshots.Latest(ctx, scope, convID)
	if err != nil {
		return 0, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	if !found {
		// Nothing checkpointed; the counter restarts from zero on first use.
		return 0, nil
	}
	seed := snap.Seq + s.cfg.SnapshotEvery

	key := seqKey(scope, convID)
	found, cur, err := s.cache.Get(ctx, key)
	if err != nil {
		return 0, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	if found {
		n, err := strconv.ParseInt(cur, 10, 64)
		if err == nil && n >= seed {
			// The live counter is already ahead of the seed.
			return n, nil
		}
	}
	if err := s.cache.Set(ctx, key, strconv.FormatInt(seed, 10), 0); err != nil {
		return 0, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	log.Info("counter recovered from snapshot", "scope", scope, "conv", convID, "seed", seed)
	return seed, nil
}
