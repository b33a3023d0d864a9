package im

import (
	"context"
	"time"
)

// Registry is the TTL-leased presence store with a watch stream. Lookup is eventually
// consistent, bounded by watch lag; the router treats an empty lookup as offline and a
// false online as a retry-then-offline fallback.
type Registry interface {
	// Register stores the binding under a lease of PresenceTTL.
	Register(ctx context.Context, b Binding) error
	// Renew extends the lease by PresenceTTL. NotFound when the lease already
	// expired; the caller must re-register.
	Renew(ctx context.Context, userID, deviceID string) error
	// Deregister deletes the binding immediately (clean disconnect).
	Deregister(ctx context.Context, userID, deviceID string) error
	// Lookup returns the user's live bindings; empty means offline.
	Lookup(ctx context.Context, userID string) ([]Binding, error)
	// Watch yields {Put, Delete} events for keys under prefix until ctx is done.
	Watch(ctx context.Context, prefix string) (<-chan RegistryEvent, error)
}

// SnapshotRepository is the durable store face for conversation counter checkpoints.
type SnapshotRepository interface {
	Save(ctx context.Context, s CounterSnapshot) error
	Latest(ctx context.Context, scope Scope, convID string) (CounterSnapshot, bool, error)
}

// OfflineMessageRepository is the durable store face for offline messages, partitioned
// by user and clustered by seq ascending.
type OfflineMessageRepository interface {
	// AddBatch inserts the batch in one partitioned write.
	AddBatch(ctx context.Context, msgs []OfflineMessage) error
	// GetUnread pages the user's messages with seq > afterSeq, ascending, up to limit.
	GetUnread(ctx context.Context, userID string, afterSeq int64, limit int) ([]OfflineMessage, error)
	// AckDelivered deletes the user's rows with seq <= upToSeq.
	AckDelivered(ctx context.Context, userID string, upToSeq int64) error
	// DeleteExpired deletes up to limit rows in the given expiry hour bucket whose
	// expires_at is before now, returning how many were removed.
	DeleteExpired(ctx context.Context, hour time.Time, now time.Time, limit int) (int, error)
}

// ReadReceiptRepository is the durable store face for read receipts. Add is an UPSERT
// on (msg_id, reader, device), so repeats are natural no-ops.
type ReadReceiptRepository interface {
	Add(ctx context.Context, r ReadReceipt) error
	Get(ctx context.Context, msgID, readerID, deviceID string) (ReadReceipt, bool, error)
}

// GatewayClient pushes a payload to one gateway for one device connection. A push is
// bounded by the ctx deadline; the router retries with exponential backoff.
type GatewayClient interface {
	Push(ctx context.Context, gatewayID string, b Binding, payload []byte) error
}
