package flashsale

import (
	"context"
	"fmt"
	log "log/slog"
	"time"

	"github.com/shopmesh/shopmesh"
)

// LifecycleManager drives the activity state machine:
//
//	NotStarted -> InProgress on start_ts (auto) or manual start; warmup runs here.
//	InProgress -> Ended on end_ts, manual end, or stock exhaustion.
//	Ended is terminal for stock operations; the sweeper and reconciler keep running
//	until the retention window elapses.
//
// Manual end does not fence or drain: new deducts are rejected by the status check,
// in-flight deducts complete or roll back naturally.
type LifecycleManager struct {
	activities ActivityRepository
	engine     *InventoryEngine
	gate       *AdmissionGate
	cfg        Config
	// TickInterval drives the auto start/end scan.
	TickInterval time.Duration
}

// NewLifecycleManager wires the lifecycle manager.
func NewLifecycleManager(activities ActivityRepository, engine *InventoryEngine, gate *AdmissionGate, cfg Config) *LifecycleManager {
	return &LifecycleManager{
		activities:   activities,
		engine:       engine,
		gate:         gate,
		cfg:          cfg,
		TickInterval: time.Second,
	}
}

// Create registers a new activity in NotStarted.
func (m *LifecycleManager) Create(ctx context.Context, a Activity) error {
	if a.ActivityID == "" || a.SkuID == "" {
		return shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}
	if a.TotalStock <= 0 {
		return shopmesh.Error{Code: shopmesh.Validation, Err: fmt.Errorf("total stock %d must be positive", a.TotalStock)}
	}
	if !a.EndTime.After(a.StartTime) {
		return shopmesh.Error{Code: shopmesh.Validation, Err: fmt.Errorf("end time must be after start time")}
	}
	a.Status = ActivityNotStarted
	return m.activities.Add(ctx, a)
}

// Start transitions NotStarted -> InProgress and warms the stock cell and admission
// bucket. Manual starts and the auto scan share this path.
func (m *LifecycleManager) Start(ctx context.Context, activityID string) error {
	a, found, err := m.activities.Get(ctx, activityID)
	if err != nil {
		return shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	if !found {
		return shopmesh.Error{Code: shopmesh.NotFound, Err: fmt.Errorf("activity %s not found", activityID)}
	}
	applied, err := m.activities.UpdateStatus(ctx, activityID, ActivityNotStarted, ActivityInProgress)
	if err != nil {
		return shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	if !applied {
		return shopmesh.Error{Code: shopmesh.Conflict, Err: fmt.Errorf("activity %s is not in NotStarted", activityID)}
	}
	if err := m.engine.Warmup(ctx, a.SkuID, a.TotalStock, false); err != nil {
		// Already-warmed is tolerable on a restart replay; anything else reverts the
		// transition so the activity is retried.
		if shopmesh.CodeOf(err) != shopmesh.Conflict {
			_, _ = m.activities.UpdateStatus(ctx, activityID, ActivityInProgress, ActivityNotStarted)
			return err
		}
	}
	if m.gate != nil {
		if err := m.gate.ConfigureSKU(ctx, a.SkuID, 0, 0); err != nil {
			log.Warn("admission bucket configure failed", "sku", a.SkuID, "error", err)
		}
	}
	log.Info("activity started", "activity", activityID, "sku", a.SkuID, "total", a.TotalStock)
	return nil
}

// End transitions InProgress -> Ended and tears the fast-store cells down. New deducts
// are rejected by the status check; in-flight ones finish or roll back naturally.
func (m *LifecycleManager) End(ctx context.Context, activityID string) error {
	a, found, err := m.activities.Get(ctx, activityID)
	if err != nil {
		return shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	if !found {
		return shopmesh.Error{Code: shopmesh.NotFound, Err: fmt.Errorf("activity %s not found", activityID)}
	}
	applied, err := m.activities.UpdateStatus(ctx, activityID, ActivityInProgress, ActivityEnded)
	if err != nil {
		return shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	if !applied {
		return shopmesh.Error{Code: shopmesh.Conflict, Err: fmt.Errorf("activity %s is not in InProgress", activityID)}
	}
	if m.gate != nil {
		_ = m.gate.NotifySoldOut(ctx, a.SkuID)
	}
	// Drop the stock/sold/sold_out keys. The reconciler and the sweeper's rollback
	// path both tolerate a torn-down cell, so a leftover in-flight order only leaves
	// its durable audit row.
	if err := m.engine.stock.Teardown(ctx, a.SkuID); err != nil {
		log.Warn("stock teardown failed", "sku", a.SkuID, "error", err)
	}
	log.Info("activity ended", "activity", activityID, "sku", a.SkuID)
	return nil
}

// Run scans for due transitions every TickInterval until the context is done.
func (m *LifecycleManager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *LifecycleManager) tick(ctx context.Context) {
	now := shopmesh.Now()
	notStarted, err := m.activities.ListByStatus(ctx, ActivityNotStarted)
	if err != nil {
		log.Warn("lifecycle scan failed", "status", ActivityNotStarted, "error", err)
	} else {
		for _, a := range notStarted {
			if !now.Before(a.StartTime) {
				if err := m.Start(ctx, a.ActivityID); err != nil && shopmesh.CodeOf(err) != shopmesh.Conflict {
					log.Warn("auto start failed", "activity", a.ActivityID, "error", err)
				}
			}
		}
	}
	inProgress, err := m.activities.ListByStatus(ctx, ActivityInProgress)
	if err != nil {
		log.Warn("lifecycle scan failed", "status", ActivityInProgress, "error", err)
		return
	}
	for _, a := range inProgress {
		end := !now.Before(a.EndTime)
		if !end {
			// Stock exhaustion also ends the activity.
			remaining, _, warmed, err := m.engine.stock.Stock(ctx, a.SkuID)
			end = err == nil && warmed && remaining == 0
		}
		if end {
			if err := m.End(ctx, a.ActivityID); err != nil && shopmesh.CodeOf(err) != shopmesh.Conflict {
				log.Warn("auto end failed", "activity", a.ActivityID, "error", err)
			}
		}
	}
}
