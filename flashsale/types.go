package flashsale

import (
	"errors"
	"fmt"
	"time"
)

var errEmptyID = errors.New("id can't be empty string")

func errStatusConflict(s OrderStatus) error {
	return fmt.Errorf("order is in status %s", s)
}

// ActivityStatus is the lifecycle state of a flash-sale activity.
type ActivityStatus string

const (
	ActivityNotStarted ActivityStatus = "NotStarted"
	ActivityInProgress ActivityStatus = "InProgress"
	ActivityEnded      ActivityStatus = "Ended"
)

// Activity is a scheduled flash sale with a total stock and a time window.
type Activity struct {
	ActivityID   string         `json:"activity_id"`
	SkuID        string         `json:"sku_id"`
	Name         string         `json:"name"`
	TotalStock   int64          `json:"total_stock"`
	StartTime    time.Time      `json:"start_ts"`
	EndTime      time.Time      `json:"end_ts"`
	PerUserLimit int64          `json:"per_user_limit"`
	Status       ActivityStatus `json:"status"`
}

// OrderStatus is the durable order lifecycle state.
type OrderStatus string

const (
	OrderPendingPayment OrderStatus = "PendingPayment"
	OrderPaid           OrderStatus = "Paid"
	OrderCancelled      OrderStatus = "Cancelled"
	OrderTimeout        OrderStatus = "Timeout"
)

// ValidStatuses are the order statuses counted toward sold stock and per-user limits.
var ValidStatuses = []OrderStatus{OrderPendingPayment, OrderPaid}

// Order is a durable purchase record materialized from the order bus.
type Order struct {
	OrderID     string      `json:"order_id"`
	UserID      string      `json:"user_id"`
	SkuID       string      `json:"sku_id"`
	ActivityID  string      `json:"activity_id"`
	Qty         int64       `json:"qty"`
	Status      OrderStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	PaidAt      time.Time   `json:"paid_at,omitempty"`
	CancelledAt time.Time   `json:"cancelled_at,omitempty"`
}

// StockOp tags a stock-log row as a deduction or a restoration.
type StockOp string

const (
	OpDeduct   StockOp = "Deduct"
	OpRollback StockOp = "Rollback"
)

// StockLog is an append-only audit row of one inventory mutation. (order_id, op)
// is unique; a matching Rollback row short-circuits repeated rollbacks.
type StockLog struct {
	SkuID   string    `json:"sku_id"`
	OrderID string    `json:"order_id"`
	Op      StockOp   `json:"op"`
	Qty     int64     `json:"qty"`
	Before  int64     `json:"before"`
	After   int64     `json:"after"`
	Ts      time.Time `json:"ts"`
}

// ReconciliationStatus is the outcome of one reconciler run on a SKU.
type ReconciliationStatus string

const (
	ReconNormal      ReconciliationStatus = "Normal"
	ReconDiscrepancy ReconciliationStatus = "Discrepancy"
	ReconFixed       ReconciliationStatus = "Fixed"
)

// ReconciliationLog records one reconciler run. Append-only, except flipping
// Discrepancy to Fixed after a successful repair.
type ReconciliationLog struct {
	ID                string               `json:"id"`
	SkuID             string               `json:"sku_id"`
	RedisStock        int64                `json:"redis_stock"`
	RedisSold         int64                `json:"redis_sold"`
	DurableOrderCount int64                `json:"durable_order_count"`
	Discrepancies     []Discrepancy        `json:"discrepancies,omitempty"`
	Status            ReconciliationStatus `json:"status"`
	Ts                time.Time            `json:"ts"`
}

// DiscrepancyKind classifies what the reconciler found off between the stores.
type DiscrepancyKind string

const (
	OrderCountMismatch DiscrepancyKind = "OrderCountMismatch"
	TotalStockMismatch DiscrepancyKind = "TotalStockMismatch"
	StockMismatch      DiscrepancyKind = "StockMismatch"
)

// Discrepancy is one detected inconsistency between fast and durable store.
type Discrepancy struct {
	Kind     DiscrepancyKind `json:"kind"`
	Expected int64           `json:"expected"`
	Actual   int64           `json:"actual"`
}

// AdmissionStatus is the admission gate's answer to one acquire attempt.
type AdmissionStatus int

const (
	AdmissionGranted AdmissionStatus = iota
	AdmissionQueuing
	AdmissionSoldOut
)

// AdmissionResult carries the gate's decision. Queuing includes a retry hint; a fast
// store failure always degrades to Queuing, never Granted.
type AdmissionResult struct {
	Status AdmissionStatus
	Token  string
	// ETA is the suggested client retry delay when Status is Queuing.
	ETA time.Duration
}

// DeductStatus is the inventory engine's answer to one deduct attempt.
type DeductStatus int

const (
	DeductSuccess DeductStatus = iota
	DeductOutOfStock
	DeductOverLimit
	DeductSystemError
)

// DeductResult carries the engine's decision and, on success, the generated order ID
// linking the stock log row and the bus message.
type DeductResult struct {
	Status    DeductStatus
	Remaining int64
	OrderID   string
}

// StockInfo is a point-in-time read of a SKU's fast-store stock cell.
type StockInfo struct {
	Total     int64 `json:"total"`
	Remaining int64 `json:"remaining"`
	Sold      int64 `json:"sold"`
}

// OrderEvent is the order bus payload. The inventory engine publishes it keyed by
// user_id; the materializer turns it into a durable Order(PendingPayment).
type OrderEvent struct {
	OrderID    string    `json:"order_id"`
	UserID     string    `json:"user_id"`
	SkuID      string    `json:"sku_id"`
	ActivityID string    `json:"activity_id"`
	Qty        int64     `json:"qty"`
	Before     int64     `json:"before"`
	After      int64     `json:"after"`
	CreatedAt  time.Time `json:"created_at"`
}

// Fast store key schemas. These exact strings are shared with operational tooling.
func stockKey(sku string) string       { return fmt.Sprintf("stock:sku_%s", sku) }
func soldKey(sku string) string        { return fmt.Sprintf("sold:sku_%s", sku) }
func soldOutKey(sku string) string     { return fmt.Sprintf("sold_out:%s", sku) }
func bucketKey(sku string) string      { return fmt.Sprintf("token_bucket:%s", sku) }
func bucketRateKey(sku string) string  { return fmt.Sprintf("token_bucket_rate:%s", sku) }
func bucketLastKey(sku string) string  { return fmt.Sprintf("token_bucket_last:%s", sku) }
func bucketCapKey(sku string) string   { return fmt.Sprintf("token_bucket_capacity:%s", sku) }
func orderStatusKey(id string) string  { return fmt.Sprintf("order_status:%s", id) }
