package im

import (
	"context"
	log "log/slog"

	"github.com/shopmesh/shopmesh"
)

// ReceiptTracker records read receipts and notifies the sender's gateways. A receipt
// is idempotent on (msg_id, reader, device): the durable write is an UPSERT, so
// repeats converge and the notification is at-least-once like everything else on the
// bus.
type ReceiptTracker struct {
	receipts ReadReceiptRepository
	registry Registry
	bus      shopmesh.BusProducer
	cfg      Config
}

// NewReceiptTracker wires the tracker.
func NewReceiptTracker(receipts ReadReceiptRepository, registry Registry, bus shopmesh.BusProducer, cfg Config) *ReceiptTracker {
	return &ReceiptTracker{receipts: receipts, registry: registry, bus: bus, cfg: cfg}
}

// MarkRead stores the receipt, then publishes a ReadReceiptEvent toward the sender's
// gateways. An offline sender gets the receipt through the offline pipeline instead,
// delivered on reconnect.
func (t *ReceiptTracker) MarkRead(ctx context.Context, r ReadReceipt) error {
	if r.MsgID == "" || r.ReaderID == "" || r.DeviceID == "" || r.SenderID == "" {
		return shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}
	if r.ReadAt.IsZero() {
		r.ReadAt = shopmesh.Now()
	}
	if err := t.receipts.Add(ctx, r); err != nil {
		return shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}

	event := ReadReceiptEvent{
		MsgID:    r.MsgID,
		ReaderID: r.ReaderID,
		DeviceID: r.DeviceID,
		SenderID: r.SenderID,
		ConvID:   r.ConvID,
		ReadAt:   r.ReadAt,
	}
	ba, err := shopmesh.DefaultMarshaler.Marshal(event)
	if err != nil {
		return err
	}

	bindings, err := t.registry.Lookup(ctx, r.SenderID)
	if err != nil {
		// Treat a registry outage as offline; the receipt still reaches the sender.
		log.Warn("sender presence lookup failed, storing receipt offline", "msg", r.MsgID, "error", err)
		bindings = nil
	}
	if len(bindings) == 0 {
		offline, err := shopmesh.DefaultMarshaler.Marshal(OfflineMessageEvent{
			MsgID:     "receipt:" + r.MsgID + ":" + r.ReaderID + ":" + r.DeviceID,
			Recipient: r.SenderID,
			Sender:    r.ReaderID,
			ConvID:    r.ConvID,
			ConvType:  ScopeReceipt,
			Content:   string(ba),
			Seq:       r.ReadAt.UnixMilli(),
			Ts:        r.ReadAt,
		})
		if err != nil {
			return err
		}
		if err := t.bus.Publish(ctx, shopmesh.TopicOfflineMsg, r.SenderID, offline); err != nil {
			return shopmesh.Error{Code: shopmesh.Transient, Err: err}
		}
		return nil
	}
	if err := t.bus.Publish(ctx, shopmesh.TopicReadReceipts, r.SenderID, ba); err != nil {
		return shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	return nil
}
