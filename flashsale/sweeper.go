package flashsale

import (
	"context"
	log "log/slog"
	"time"

	"github.com/shopmesh/shopmesh"
)

// Sweeper cancels stale pending orders and restores their inventory. It runs on its
// own timer with a bounded work budget per tick.
type Sweeper struct {
	orders OrderRepository
	engine *InventoryEngine
	cache  shopmesh.Cache
	cfg    Config
}

// NewSweeper wires the timeout & rollback sweeper.
func NewSweeper(orders OrderRepository, engine *InventoryEngine, cache shopmesh.Cache, cfg Config) *Sweeper {
	return &Sweeper{
		orders: orders,
		engine: engine,
		cache:  cache,
		cfg:    cfg,
	}
}

// Run ticks every SweepInterval until the context is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				log.Warn("sweep tick failed", "error", err)
			} else if n > 0 {
				log.Info("sweep tick done", "timed_out_orders", n)
			}
		}
	}
}

// SweepOnce processes one bounded batch of expired pending orders and returns how many
// were transitioned to Timeout.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := shopmesh.Now().Add(-s.cfg.PaymentWindow)
	stale, err := s.orders.PendingBefore(ctx, cutoff, s.cfg.SweepLookbackHours, s.cfg.SweepBatchSize)
	if err != nil {
		return 0, err
	}
	var swept int
	for _, o := range stale {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		// Optimistic predicate: lose the race to a concurrent payment gracefully.
		applied, err := s.orders.UpdateStatus(ctx, o.OrderID, OrderPendingPayment, OrderTimeout, shopmesh.Now())
		if err != nil {
			log.Warn("timeout transition failed", "order", o.OrderID, "error", err)
			continue
		}
		if !applied {
			continue
		}
		// Restoration is idempotent: a matching StockLog(Rollback) row short-circuits.
		if _, err := s.engine.Rollback(ctx, o.SkuID, o.OrderID, o.Qty); err != nil {
			log.Error("rollback of timed out order failed, reconciler will repair", "order", o.OrderID, "error", err)
		}
		if err := s.cache.Set(ctx, orderStatusKey(o.OrderID), string(OrderTimeout), s.cfg.OrderStatusTTL); err != nil {
			log.Warn("order status cache set failed", "order", o.OrderID, "error", err)
		}
		swept++
	}
	return swept, nil
}
