package flashsale

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/shopmesh/shopmesh"
)

// Reconciler periodically checks each active SKU's fast-store cell against the durable
// order counts and repairs drift. The durable store is the source of truth.
//
// Repair is the only path allowed to write sold:<sku> outside the atomic scripts; it
// holds a per-SKU advisory lock for the repair window so it never races live traffic's
// deduct/rollback scripts mid-correction.
type Reconciler struct {
	stock      StockCache
	orders     OrderRepository
	activities ActivityRepository
	recons     ReconciliationLogRepository
	engine     *InventoryEngine
	cache      shopmesh.Cache
	cfg        Config
}

// NewReconciler wires the reconciler.
func NewReconciler(stock StockCache, orders OrderRepository, activities ActivityRepository,
	recons ReconciliationLogRepository, engine *InventoryEngine, cache shopmesh.Cache, cfg Config) *Reconciler {
	return &Reconciler{
		stock:      stock,
		orders:     orders,
		activities: activities,
		recons:     recons,
		engine:     engine,
		cache:      cache,
		cfg:        cfg,
	}
}

// Run ticks every ReconcileInterval until the context is done, reconciling every
// in-progress activity's SKU.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.ReconcileAll(ctx)
		}
	}
}

// ReconcileAll checks every in-progress activity's SKU once, fanning the per-SKU
// checks out over ReconcileWorkers. One slow or failing SKU never starves the rest
// of the pass; errors are logged per SKU and the pass continues.
func (r *Reconciler) ReconcileAll(ctx context.Context) {
	active, err := r.activities.ListByStatus(ctx, ActivityInProgress)
	if err != nil {
		log.Warn("reconcile scan failed", "error", err)
		return
	}
	workers := r.cfg.ReconcileWorkers
	if workers <= 0 {
		workers = 1
	}
	runner := shopmesh.NewTaskRunner(ctx, workers)
	for _, a := range active {
		a := a
		runner.Go(func() error {
			if _, err := r.ReconcileSKU(runner.GetContext(), a.SkuID, a.TotalStock, a.PerUserLimit); err != nil {
				log.Warn("reconcile failed", "sku", a.SkuID, "error", err)
			}
			return nil
		})
	}
	if err := runner.Wait(); err != nil {
		log.Warn("reconcile pass aborted", "error", err)
	}
}

// ReconcileSKU runs one consistency check over a SKU and repairs any drift. Every run
// writes a ReconciliationLog row; a repaired Discrepancy row is flipped to Fixed.
func (r *Reconciler) ReconcileSKU(ctx context.Context, skuID string, totalStock, perUserLimit int64) (ReconciliationLog, error) {
	if skuID == "" {
		return ReconciliationLog{}, shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}

	lockKeys := r.cache.CreateLockKeys([]string{"reconcile_" + skuID})
	locked, _, err := r.cache.Lock(ctx, r.cfg.ReconcileLockTTL, lockKeys)
	if err != nil {
		return ReconciliationLog{}, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	if !locked {
		// Another instance owns the repair window; skip this tick.
		log.Debug("reconcile lock busy", "sku", skuID)
		return ReconciliationLog{}, nil
	}
	defer func() {
		if err := r.cache.Unlock(ctx, lockKeys); err != nil {
			log.Warn("reconcile unlock failed", "sku", skuID, "error", err)
		}
	}()

	remaining, sold, warmed, err := r.stock.Stock(ctx, skuID)
	if err != nil {
		return ReconciliationLog{}, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	durableCount, err := r.orders.CountBySKU(ctx, skuID, ValidStatuses)
	if err != nil {
		return ReconciliationLog{}, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}

	entry := ReconciliationLog{
		ID:                shopmesh.NewUUID().String(),
		SkuID:             skuID,
		RedisStock:        remaining,
		RedisSold:         sold,
		DurableOrderCount: durableCount,
		Status:            ReconNormal,
		Ts:                shopmesh.Now(),
	}

	if warmed {
		if sold != durableCount {
			entry.Discrepancies = append(entry.Discrepancies, Discrepancy{
				Kind: OrderCountMismatch, Expected: durableCount, Actual: sold,
			})
		}
		if remaining+sold != totalStock {
			entry.Discrepancies = append(entry.Discrepancies, Discrepancy{
				Kind: TotalStockMismatch, Expected: totalStock, Actual: remaining + sold,
			})
		}
		if expected := totalStock - durableCount; remaining != expected {
			entry.Discrepancies = append(entry.Discrepancies, Discrepancy{
				Kind: StockMismatch, Expected: expected, Actual: remaining,
			})
		}
	}

	if len(entry.Discrepancies) == 0 {
		if err := r.recons.Add(ctx, entry); err != nil {
			return entry, shopmesh.Error{Code: shopmesh.Transient, Err: err}
		}
		if perUserLimit > 0 {
			r.rollbackOverLimit(ctx, skuID, perUserLimit)
		}
		return entry, nil
	}

	entry.Status = ReconDiscrepancy
	if err := r.recons.Add(ctx, entry); err != nil {
		return entry, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}

	// Durable store is the source of truth. A repair may never create saleable stock
	// out of thin air: reject when the recomputation would go negative and leave the
	// Discrepancy row for human intervention.
	correctSold := durableCount
	correctRemaining := totalStock - correctSold
	if correctRemaining < 0 {
		log.Error("repair rejected, would drive remaining negative",
			"sku", skuID, "durable_order_count", durableCount, "total_stock", totalStock)
		return entry, shopmesh.Error{Code: shopmesh.Corruption,
			Err: fmt.Errorf("sku %s durable order count %d exceeds total stock %d", skuID, durableCount, totalStock)}
	}
	if err := r.stock.ForceSet(ctx, skuID, correctRemaining, correctSold); err != nil {
		return entry, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	if err := r.recons.MarkFixed(ctx, skuID, entry.ID); err != nil {
		return entry, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	entry.Status = ReconFixed
	log.Info("reconciled", "sku", skuID, "remaining", correctRemaining, "sold", correctSold,
		"discrepancies", len(entry.Discrepancies))

	if perUserLimit > 0 {
		r.rollbackOverLimit(ctx, skuID, perUserLimit)
	}
	return entry, nil
}

// rollbackOverLimit cancels the newest pending orders of any user that raced past the
// per-user limit. The user's next deduct then reports OverLimit synchronously.
func (r *Reconciler) rollbackOverLimit(ctx context.Context, skuID string, limit int64) {
	orders, err := r.orders.PendingBySKU(ctx, skuID)
	if err != nil {
		log.Warn("over-limit scan failed", "sku", skuID, "error", err)
		return
	}
	perUser := make(map[string][]Order)
	for _, o := range orders {
		perUser[o.UserID] = append(perUser[o.UserID], o)
	}
	for user, list := range perUser {
		var held int64
		for _, o := range list {
			held += o.Qty
		}
		if held <= limit {
			continue
		}
		// Newest first, so the earliest admitted orders survive.
		for i := len(list) - 1; i >= 0 && held > limit; i-- {
			o := list[i]
			if o.Status != OrderPendingPayment {
				continue
			}
			applied, err := r.orders.UpdateStatus(ctx, o.OrderID, OrderPendingPayment, OrderCancelled, shopmesh.Now())
			if err != nil || !applied {
				continue
			}
			if _, err := r.engine.Rollback(ctx, skuID, o.OrderID, o.Qty); err != nil {
				log.Error("over-limit rollback failed", "order", o.OrderID, "error", err)
			}
			if err := r.cache.Set(ctx, orderStatusKey(o.OrderID), string(OrderCancelled), r.cfg.OrderStatusTTL); err != nil {
				log.Warn("order status cache set failed", "order", o.OrderID, "error", err)
			}
			held -= o.Qty
			log.Info("over-limit order cancelled", "sku", skuID, "user", user, "order", o.OrderID)
		}
	}
}
