package flashsale

import "time"

// Config holds every tunable of the flash-sale core. Each field has a documented
// default; service mains populate it from their environment.
type Config struct {
	// TokenRate is the default token bucket refill rate in tokens/second, used when
	// an activity does not carry its own rate.
	TokenRate float64
	// TokenCapacity is the default token bucket capacity.
	TokenCapacity int64
	// QueueDepthFactor K bounds the admission queue depth: negative tokens are
	// clamped at -K*capacity. See the admission gate notes.
	QueueDepthFactor int64
	// QueueRetryETA is the fixed retry hint returned when the fast store is
	// unreachable and the gate degrades to Queuing.
	QueueRetryETA time.Duration
	// PaymentWindow is how long a pending order may remain unpaid before the
	// sweeper cancels it and restores its stock.
	PaymentWindow time.Duration
	// SweepInterval is the sweeper timer period.
	SweepInterval time.Duration
	// SweepBatchSize bounds the number of orders one sweep tick processes.
	SweepBatchSize int
	// SweepLookbackHours bounds how far back the sweeper scans for stale orders.
	SweepLookbackHours int
	// ReconcileInterval is the reconciler timer period.
	ReconcileInterval time.Duration
	// ReconcileLockTTL is the advisory per-SKU lock TTL held over the repair window.
	ReconcileLockTTL time.Duration
	// ReconcileWorkers bounds how many SKUs one reconcile pass checks concurrently.
	ReconcileWorkers int
	// MaterializerBatchSize is the max bus messages per materializer batch (B).
	MaterializerBatchSize int
	// MaterializerBatchTimeout is the max batch age before commit (T).
	MaterializerBatchTimeout time.Duration
	// OrderStatusTTL is the fast-store TTL of the order_status:<order_id> entry.
	OrderStatusTTL time.Duration
}

// DefaultConfig returns the documented defaults for every tunable.
func DefaultConfig() Config {
	return Config{
		TokenRate:                100,
		TokenCapacity:            200,
		QueueDepthFactor:         4,
		QueueRetryETA:            2 * time.Second,
		PaymentWindow:            15 * time.Minute,
		SweepInterval:            30 * time.Second,
		SweepBatchSize:           500,
		SweepLookbackHours:       24,
		ReconcileInterval:        time.Minute,
		ReconcileLockTTL:         30 * time.Second,
		ReconcileWorkers:         4,
		MaterializerBatchSize:    200,
		MaterializerBatchTimeout: 200 * time.Millisecond,
		OrderStatusTTL:           24 * time.Hour,
	}
}
