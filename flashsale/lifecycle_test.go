package flashsale

import (
	"context"
	"testing"
	"time"

	"github.com/shopmesh/shopmesh"
)

type lifecycleFixture struct {
	*engineFixture
	manager *LifecycleManager
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	f := &lifecycleFixture{
		engineFixture: &engineFixture{
			stock:      newMockStockCache(),
			orders:     newMockOrderRepo(),
			stockLog:   newMockStockLogRepo(),
			activities: newMockActivityRepo(),
			bus:        newMockBus(),
		},
	}
	cfg := DefaultConfig()
	gate := NewAdmissionGate(f.stock, cfg)
	f.engine = NewInventoryEngine(f.stock, f.orders, f.stockLog, f.activities, f.bus, gate, cfg)
	f.manager = NewLifecycleManager(f.activities, f.engine, gate, cfg)
	return f
}

func TestLifecycleCreateValidation(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)
	now := shopmesh.Now()

	tests := []struct {
		name string
		a    Activity
	}{
		{name: "empty ids", a: Activity{TotalStock: 1, StartTime: now, EndTime: now.Add(time.Hour)}},
		{name: "zero stock", a: Activity{ActivityID: "a", SkuID: "s", TotalStock: 0, StartTime: now, EndTime: now.Add(time.Hour)}},
		{name: "inverted window", a: Activity{ActivityID: "a", SkuID: "s", TotalStock: 1, StartTime: now.Add(time.Hour), EndTime: now}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.manager.Create(ctx, tt.a)
			if shopmesh.CodeOf(err) != shopmesh.Validation {
				t.Fatalf("got %v, want a Validation error", err)
			}
		})
	}
}

func TestLifecycleStartWarmsStock(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)
	now := shopmesh.Now()

	if err := f.manager.Create(ctx, Activity{
		ActivityID: "act1", SkuID: "sku1", TotalStock: 10,
		StartTime: now, EndTime: now.Add(time.Hour),
	}); err != nil {
		t.Fatal(err.Error())
	}
	if err := f.manager.Start(ctx, "act1"); err != nil {
		t.Fatal(err.Error())
	}

	a, _, _ := f.activities.Get(ctx, "act1")
	if a.Status != ActivityInProgress {
		t.Fatalf("got status %v after start, want InProgress", a.Status)
	}
	remaining, sold, warmed, err := f.stock.Stock(ctx, "sku1")
	if err != nil {
		t.Fatal(err.Error())
	}
	if !warmed || remaining != 10 || sold != 0 {
		t.Fatalf("cell not warmed correctly: warmed=%v remaining=%d sold=%d", warmed, remaining, sold)
	}

	// A second start conflicts.
	if err := f.manager.Start(ctx, "act1"); shopmesh.CodeOf(err) != shopmesh.Conflict {
		t.Fatalf("got %v for a double start, want a Conflict error", err)
	}
	// Starting an unknown activity is NotFound.
	if err := f.manager.Start(ctx, "nope"); shopmesh.CodeOf(err) != shopmesh.NotFound {
		t.Fatalf("got %v for an unknown activity, want a NotFound error", err)
	}
}

func TestLifecycleEndRejectsNewDeducts(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)
	now := shopmesh.Now()

	if err := f.manager.Create(ctx, Activity{
		ActivityID: "act1", SkuID: "sku1", TotalStock: 10,
		StartTime: now, EndTime: now.Add(time.Hour),
	}); err != nil {
		t.Fatal(err.Error())
	}
	if err := f.manager.Start(ctx, "act1"); err != nil {
		t.Fatal(err.Error())
	}
	if err := f.manager.End(ctx, "act1"); err != nil {
		t.Fatal(err.Error())
	}

	r, err := f.engine.Deduct(ctx, "sku1", "u1", 1)
	if err != nil {
		t.Fatal(err.Error())
	}
	if r.Status != DeductOutOfStock {
		t.Fatalf("got status %v after end, want OutOfStock", r.Status)
	}
	// Ending twice conflicts.
	if err := f.manager.End(ctx, "act1"); shopmesh.CodeOf(err) != shopmesh.Conflict {
		t.Fatalf("got %v for a double end, want a Conflict error", err)
	}
}

func TestLifecycleEndTearsDownStockCell(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)
	now := shopmesh.Now()

	if err := f.manager.Create(ctx, Activity{
		ActivityID: "act1", SkuID: "sku1", TotalStock: 10,
		StartTime: now, EndTime: now.Add(time.Hour),
	}); err != nil {
		t.Fatal(err.Error())
	}
	if err := f.manager.Start(ctx, "act1"); err != nil {
		t.Fatal(err.Error())
	}
	if _, _, warmed, _ := f.stock.Stock(ctx, "sku1"); !warmed {
		t.Fatal("cell was not warmed by start")
	}

	if err := f.manager.End(ctx, "act1"); err != nil {
		t.Fatal(err.Error())
	}
	// End releases the fast-store keys; the cell must be gone, not just flagged.
	if _, _, warmed, err := f.stock.Stock(ctx, "sku1"); err != nil || warmed {
		t.Fatalf("cell survived end: warmed=%v err=%v", warmed, err)
	}
}

func TestLifecycleAutoTransitions(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)
	frozen := time.Now()
	shopmesh.Now = func() time.Time { return frozen }
	defer func() { shopmesh.Now = time.Now }()

	if err := f.manager.Create(ctx, Activity{
		ActivityID: "act1", SkuID: "sku1", TotalStock: 10,
		StartTime: frozen.Add(time.Minute), EndTime: frozen.Add(time.Hour),
	}); err != nil {
		t.Fatal(err.Error())
	}

	// Before start_ts nothing moves.
	f.manager.tick(ctx)
	a, _, _ := f.activities.Get(ctx, "act1")
	if a.Status != ActivityNotStarted {
		t.Fatalf("got status %v before start_ts, want NotStarted", a.Status)
	}

	// Past start_ts the tick starts it.
	frozen = frozen.Add(2 * time.Minute)
	f.manager.tick(ctx)
	a, _, _ = f.activities.Get(ctx, "act1")
	if a.Status != ActivityInProgress {
		t.Fatalf("got status %v past start_ts, want InProgress", a.Status)
	}

	// Past end_ts the tick ends it.
	frozen = frozen.Add(2 * time.Hour)
	f.manager.tick(ctx)
	a, _, _ = f.activities.Get(ctx, "act1")
	if a.Status != ActivityEnded {
		t.Fatalf("got status %v past end_ts, want Ended", a.Status)
	}
}

func TestLifecycleEndsOnExhaustion(t *testing.T) {
	ctx := context.Background()
	f := newLifecycleFixture(t)
	now := shopmesh.Now()

	if err := f.manager.Create(ctx, Activity{
		ActivityID: "act1", SkuID: "sku1", TotalStock: 1,
		StartTime: now.Add(-time.Minute), EndTime: now.Add(time.Hour),
	}); err != nil {
		t.Fatal(err.Error())
	}
	if err := f.manager.Start(ctx, "act1"); err != nil {
		t.Fatal(err.Error())
	}
	if r, err := f.engine.Deduct(ctx, "sku1", "u1", 1); err != nil || r.Status != DeductSuccess {
		t.Fatalf("got status=%v err=%v, want a clean success", r.Status, err)
	}

	// remaining hit zero; the next tick ends the activity early.
	f.manager.tick(ctx)
	a, _, _ := f.activities.Get(ctx, "act1")
	if a.Status != ActivityEnded {
		t.Fatalf("got status %v after exhaustion, want Ended", a.Status)
	}
}
