package flashsale

import (
	"context"
	"fmt"
	log "log/slog"

	"github.com/shopmesh/shopmesh"
)

// InventoryEngine owns every stock mutation. Deduct is a single atomic script on the
// fast store; the stock log append and the order bus publish are linked to it by a
// generated order ID, and the bus publish is the commit point. A publish failure after
// a successful deduct is undone synchronously so remaining+sold==total always holds
// outside an in-flight mutation.
type InventoryEngine struct {
	stock      StockCache
	orders     OrderRepository
	stockLog   StockLogRepository
	activities ActivityRepository
	bus        shopmesh.BusProducer
	gate       *AdmissionGate
	cfg        Config
}

// NewInventoryEngine wires the engine. gate may be nil when admission runs in a
// separate process; sold-out notification is then carried by the sold_out flag alone.
func NewInventoryEngine(stock StockCache, orders OrderRepository, stockLog StockLogRepository,
	activities ActivityRepository, bus shopmesh.BusProducer, gate *AdmissionGate, cfg Config) *InventoryEngine {
	return &InventoryEngine{
		stock:      stock,
		orders:     orders,
		stockLog:   stockLog,
		activities: activities,
		bus:        bus,
		gate:       gate,
		cfg:        cfg,
	}
}

// Warmup initializes the SKU's stock cell. Fails when already warmed unless forced.
func (e *InventoryEngine) Warmup(ctx context.Context, skuID string, total int64, force bool) error {
	if skuID == "" {
		return shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}
	if total < 0 {
		return shopmesh.Error{Code: shopmesh.Validation, Err: fmt.Errorf("total stock %d is negative", total)}
	}
	warmed, err := e.stock.Warmup(ctx, skuID, total, force)
	if err != nil {
		return shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	if !warmed {
		return shopmesh.Error{Code: shopmesh.Conflict, Err: fmt.Errorf("sku %s is already warmed", skuID)}
	}
	log.Info("stock warmed", "sku", skuID, "total", total, "force", force)
	return nil
}

// Deduct atomically takes qty for (user, sku) and, on success, appends the
// StockLog(Deduct) row and publishes the pending order on the order bus. No partial
// effect survives an error return.
func (e *InventoryEngine) Deduct(ctx context.Context, skuID, userID string, qty int64) (DeductResult, error) {
	if skuID == "" || userID == "" {
		return DeductResult{}, shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}
	if qty <= 0 {
		return DeductResult{}, shopmesh.Error{Code: shopmesh.Validation, Err: fmt.Errorf("qty %d must be positive", qty)}
	}

	// Deducts outside an InProgress activity never touch the fast store.
	activity, found, err := e.activities.GetBySKU(ctx, skuID)
	if err != nil {
		return DeductResult{Status: DeductSystemError}, err
	}
	if !found || activity.Status != ActivityInProgress {
		return DeductResult{Status: DeductOutOfStock}, nil
	}

	// Per-user limit consults the durable order count. A race may admit up to the
	// caller's concurrency over the limit; the reconciler rolls those back and the
	// user's next call lands here and sees OverLimit.
	if activity.PerUserLimit > 0 {
		count, err := e.orders.CountByUser(ctx, userID, skuID, ValidStatuses)
		if err != nil {
			return DeductResult{Status: DeductSystemError}, err
		}
		if count+qty > activity.PerUserLimit {
			return DeductResult{Status: DeductOverLimit}, nil
		}
	}

	code, remaining, _, err := e.stock.Deduct(ctx, skuID, qty)
	if err != nil {
		return DeductResult{Status: DeductSystemError}, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	switch code {
	case deductSoldOut, deductInsufficient:
		if e.gate != nil {
			// Bucket is useless once the flag is up; drop it.
			_ = e.gate.NotifySoldOut(ctx, skuID)
		}
		return DeductResult{Status: DeductOutOfStock, Remaining: remaining}, nil
	case deductNotWarmed:
		return DeductResult{Status: DeductOutOfStock}, shopmesh.Error{Code: shopmesh.NotFound, Err: fmt.Errorf("sku %s has no warmed stock cell", skuID)}
	}

	orderID := shopmesh.NewUUID().String()
	now := shopmesh.Now()
	logRow := StockLog{
		SkuID:   skuID,
		OrderID: orderID,
		Op:      OpDeduct,
		Qty:     qty,
		Before:  remaining + qty,
		After:   remaining,
		Ts:      now,
	}
	if _, err := e.stockLog.Add(ctx, logRow); err != nil {
		e.undoDeduct(ctx, skuID, orderID, qty, "stock log append failed")
		return DeductResult{Status: DeductSystemError}, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}

	event := OrderEvent{
		OrderID:    orderID,
		UserID:     userID,
		SkuID:      skuID,
		ActivityID: activity.ActivityID,
		Qty:        qty,
		Before:     remaining + qty,
		After:      remaining,
		CreatedAt:  now,
	}
	ba, err := shopmesh.DefaultMarshaler.Marshal(event)
	if err != nil {
		e.undoDeduct(ctx, skuID, orderID, qty, "order event marshal failed")
		return DeductResult{Status: DeductSystemError}, err
	}
	// The bus publish is the commit point: a failure here rolls the fast-store
	// decrement back synchronously so remaining+sold stays equal to total.
	if err := e.bus.Publish(ctx, shopmesh.TopicOrderEvents, userID, ba); err != nil {
		e.undoDeduct(ctx, skuID, orderID, qty, "order bus publish failed")
		return DeductResult{Status: DeductSystemError}, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}

	if remaining == 0 && e.gate != nil {
		_ = e.gate.NotifySoldOut(ctx, skuID)
	}
	return DeductResult{Status: DeductSuccess, Remaining: remaining, OrderID: orderID}, nil
}

// undoDeduct restores the fast store after a post-deduct step failed, balancing the
// audit trail with a Rollback row for the same order ID.
func (e *InventoryEngine) undoDeduct(ctx context.Context, skuID, orderID string, qty int64, reason string) {
	log.Warn("undoing deduct", "sku", skuID, "order", orderID, "reason", reason)
	remaining, _, err := e.stock.Rollback(ctx, skuID, qty)
	if err != nil {
		// The reconciler repairs what we could not undo here.
		log.Error("deduct undo failed, deferring to reconciler", "sku", skuID, "order", orderID, "error", err)
		return
	}
	_, _ = e.stockLog.Add(ctx, StockLog{
		SkuID:   skuID,
		OrderID: orderID,
		Op:      OpRollback,
		Qty:     qty,
		Before:  remaining - qty,
		After:   remaining,
		Ts:      shopmesh.Now(),
	})
}

// Rollback restores qty for an order. Idempotent on (order_id, Rollback): the durable
// stock-log insert short-circuits repeats, so the fast store is restored exactly once
// no matter how many times the sweeper or a retry calls this.
func (e *InventoryEngine) Rollback(ctx context.Context, skuID, orderID string, qty int64) (int64, error) {
	if skuID == "" || orderID == "" {
		return 0, shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}
	remaining, _, warmed, err := e.stock.Stock(ctx, skuID)
	if err != nil {
		return 0, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	applied, err := e.stockLog.Add(ctx, StockLog{
		SkuID:   skuID,
		OrderID: orderID,
		Op:      OpRollback,
		Qty:     qty,
		Before:  remaining,
		After:   remaining + qty,
		Ts:      shopmesh.Now(),
	})
	if err != nil {
		return 0, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	if !applied {
		// Already rolled back; report the current remaining unchanged.
		log.Debug("rollback short-circuited", "sku", skuID, "order", orderID)
		return remaining, nil
	}
	if !warmed {
		// Cell was torn down (activity ended); the durable log row still records the
		// restoration for the audit trail.
		return 0, nil
	}
	newRemaining, _, err := e.stock.Rollback(ctx, skuID, qty)
	if err != nil {
		return 0, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	log.Info("stock rolled back", "sku", skuID, "order", orderID, "qty", qty, "remaining", newRemaining)
	return newRemaining, nil
}

// Stock reads the SKU's fast-store cell as StockInfo.
func (e *InventoryEngine) Stock(ctx context.Context, skuID string) (StockInfo, error) {
	if skuID == "" {
		return StockInfo{}, shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}
	remaining, sold, warmed, err := e.stock.Stock(ctx, skuID)
	if err != nil {
		return StockInfo{}, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	if !warmed {
		return StockInfo{}, shopmesh.Error{Code: shopmesh.NotFound, Err: fmt.Errorf("sku %s has no warmed stock cell", skuID)}
	}
	return StockInfo{Total: remaining + sold, Remaining: remaining, Sold: sold}, nil
}
