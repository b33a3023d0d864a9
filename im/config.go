package im

import "time"

// Config holds every tunable of the IM routing core. Each field has a documented
// default; service mains populate it from their environment.
type Config struct {
	// PresenceTTL is the lease duration of a presence binding. Clients renew every
	// PresenceTTL/3; a missed renewal lets the lease expire.
	PresenceTTL time.Duration
	// LookupCacheTTL bounds staleness of the router's local presence cache when the
	// watch stream lags.
	LookupCacheTTL time.Duration
	// SnapshotEvery M: the sequencer snapshots (scope, conv_id, seq) to the durable
	// store every M increments.
	SnapshotEvery int64
	// MaxContentLength is the maximum message content size in bytes.
	MaxContentLength int
	// MaxRetries is the gateway push attempt budget on the fast path (exponential
	// backoff, 1s base).
	MaxRetries uint64
	// GatewayTimeout is the per-attempt deadline of one gateway push.
	GatewayTimeout time.Duration
	// MessageTTL is how long an offline message stays retrievable; expires_at is
	// created_at + MessageTTL.
	MessageTTL time.Duration
	// DedupTTL is the dedup window during which a (msg, recipient, device) is
	// considered already processed.
	DedupTTL time.Duration
	// OfflineBatchSize is the max bus messages per offline-writer batch (B).
	OfflineBatchSize int
	// OfflineBatchTimeout is the max batch age before commit (T).
	OfflineBatchTimeout time.Duration
	// OfflineSweepInterval is the expired-message sweeper timer period.
	OfflineSweepInterval time.Duration
	// OfflineSweepBatchSize bounds the rows one sweep tick deletes per hour bucket.
	OfflineSweepBatchSize int
	// OfflineSweepLookbackHours bounds how many expiry hour buckets one sweep visits.
	OfflineSweepLookbackHours int
}

// DefaultConfig returns the documented defaults for every tunable.
func DefaultConfig() Config {
	return Config{
		PresenceTTL:               90 * time.Second,
		LookupCacheTTL:            30 * time.Second,
		SnapshotEvery:             10000,
		MaxContentLength:          4096,
		MaxRetries:                3,
		GatewayTimeout:            2 * time.Second,
		MessageTTL:                7 * 24 * time.Hour,
		DedupTTL:                  7 * 24 * time.Hour,
		OfflineBatchSize:          100,
		OfflineBatchTimeout:       200 * time.Millisecond,
		OfflineSweepInterval:      time.Minute,
		OfflineSweepBatchSize:     500,
		OfflineSweepLookbackHours: 4,
	}
}
