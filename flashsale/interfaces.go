package flashsale

import (
	"context"
	"time"
)

// deductCode is the status portion of the atomic deduct script result.
type deductCode int

const (
	deductOK deductCode = iota
	deductSoldOut
	deductInsufficient
	deductNotWarmed
)

// StockCache is the fast-store face of the inventory engine. Every mutation is a
// single server-side script, so concurrent deducts can never partially apply.
type StockCache interface {
	// Warmup initializes stock:<sku>=total and sold:<sku>=0 atomically. Returns
	// false when the SKU is already warmed and force was not set.
	Warmup(ctx context.Context, sku string, total int64, force bool) (bool, error)
	// Deduct atomically takes qty from the SKU's stock cell. On insufficiency it
	// reports the reason and mutates nothing (other than flagging sold-out at zero).
	Deduct(ctx context.Context, sku string, qty int64) (code deductCode, remaining int64, sold int64, err error)
	// Rollback atomically restores qty, clamping sold at zero and clearing the
	// sold-out flag. Idempotency is enforced durably by the stock log, not here.
	Rollback(ctx context.Context, sku string, qty int64) (remaining int64, sold int64, err error)
	// Stock reads the SKU's cell. warmed is false when no cell exists.
	Stock(ctx context.Context, sku string) (remaining int64, sold int64, warmed bool, err error)
	// MarkSoldOut sets the sold-out flag.
	MarkSoldOut(ctx context.Context, sku string) error
	// Teardown deletes the SKU's stock cell and flags.
	Teardown(ctx context.Context, sku string) error
	// ForceSet overwrites remaining/sold. Reserved for the reconciler's repair
	// window; never called on the hot path.
	ForceSet(ctx context.Context, sku string, remaining int64, sold int64) error
}

// AdmissionCache is the fast-store face of the admission gate's token bucket.
type AdmissionCache interface {
	// TryAcquire refills the SKU's bucket then takes one token, all server-side.
	// soldOut short-circuits before any bucket mutation.
	TryAcquire(ctx context.Context, sku string, rate float64, capacity int64, floor int64) (granted bool, tokens int64, soldOut bool, err error)
	// ConfigureBucket stores the per-SKU rate/capacity overrides consulted by
	// TryAcquire.
	ConfigureBucket(ctx context.Context, sku string, rate float64, capacity int64) error
	// DropBucket removes the SKU's bucket keys so no further acquires succeed.
	DropBucket(ctx context.Context, sku string) error
}

// OrderRepository is the durable store face for orders. Implemented by the cassandra
// subpackage; an in-memory mock lives next to the tests.
type OrderRepository interface {
	// Add inserts the order if absent. Returns false when the order already exists
	// (idempotent materialization).
	Add(ctx context.Context, o Order) (bool, error)
	Get(ctx context.Context, orderID string) (Order, bool, error)
	// UpdateStatus transitions from->to with an optimistic predicate; false means
	// the order was not in the expected state.
	UpdateStatus(ctx context.Context, orderID string, from, to OrderStatus, at time.Time) (bool, error)
	// CountBySKU counts orders for the SKU in the given statuses.
	CountBySKU(ctx context.Context, sku string, statuses []OrderStatus) (int64, error)
	// CountByUser counts orders for (user, sku) in the given statuses; enforces the
	// per-user limit.
	CountByUser(ctx context.Context, userID, sku string, statuses []OrderStatus) (int64, error)
	// PendingBefore returns up to limit orders still PendingPayment and created
	// before cutoff, scanning at most lookbackHours back.
	PendingBefore(ctx context.Context, cutoff time.Time, lookbackHours int, limit int) ([]Order, error)
	// PendingBySKU returns the SKU's orders currently in a valid status, for the
	// reconciler's over-limit scan.
	PendingBySKU(ctx context.Context, sku string) ([]Order, error)
}

// StockLogRepository is the durable store face for the append-only stock log.
type StockLogRepository interface {
	// Add appends the row if (order_id, op) is absent. Returns false when the pair
	// already exists; rollback idempotency hangs off this.
	Add(ctx context.Context, l StockLog) (bool, error)
	Get(ctx context.Context, orderID string, op StockOp) (StockLog, bool, error)
}

// ActivityRepository is the durable store face for activity definitions.
type ActivityRepository interface {
	Add(ctx context.Context, a Activity) error
	Get(ctx context.Context, activityID string) (Activity, bool, error)
	// GetBySKU resolves the activity currently owning the SKU.
	GetBySKU(ctx context.Context, sku string) (Activity, bool, error)
	// UpdateStatus transitions from->to with an optimistic predicate.
	UpdateStatus(ctx context.Context, activityID string, from, to ActivityStatus) (bool, error)
	ListByStatus(ctx context.Context, status ActivityStatus) ([]Activity, error)
}

// ReconciliationLogRepository is the durable store face for reconciler run records.
type ReconciliationLogRepository interface {
	Add(ctx context.Context, l ReconciliationLog) error
	// MarkFixed flips a Discrepancy row to Fixed; the only permitted mutation.
	MarkFixed(ctx context.Context, sku string, id string) error
	ListBySKU(ctx context.Context, sku string, limit int) ([]ReconciliationLog, error)
}
