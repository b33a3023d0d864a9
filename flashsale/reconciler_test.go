package flashsale

import (
	"context"
	"testing"
	"time"

	"github.com/shopmesh/shopmesh"
	"github.com/shopmesh/shopmesh/redis"
)

type reconcilerFixture struct {
	*engineFixture
	recons     *mockReconRepo
	cache      shopmesh.Cache
	reconciler *Reconciler
}

func newReconcilerFixture(t *testing.T, total, perUserLimit int64) *reconcilerFixture {
	t.Helper()
	f := &reconcilerFixture{
		engineFixture: newEngineFixture(t, total, perUserLimit),
		recons:        newMockReconRepo(),
		cache:         redis.NewMockClient(),
	}
	f.reconciler = NewReconciler(f.stock, f.orders, f.activities, f.recons, f.engine, f.cache, DefaultConfig())
	return f
}

func TestReconcileCleanRun(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, 10, 0)

	r, err := f.engine.Deduct(ctx, "sku1", "u1", 2)
	if err != nil {
		t.Fatal(err.Error())
	}
	// Materialize the order so the durable count matches the fast store.
	if _, err := f.orders.Add(ctx, Order{
		OrderID: r.OrderID, UserID: "u1", SkuID: "sku1", Qty: 2,
		Status: OrderPendingPayment, CreatedAt: shopmesh.Now(),
	}); err != nil {
		t.Fatal(err.Error())
	}

	entry, err := f.reconciler.ReconcileSKU(ctx, "sku1", 10, 0)
	if err != nil {
		t.Fatal(err.Error())
	}
	if entry.Status != ReconNormal {
		t.Fatalf("got status %v, want Normal", entry.Status)
	}
	if len(entry.Discrepancies) != 0 {
		t.Fatalf("clean run reported discrepancies: %+v", entry.Discrepancies)
	}
	logs, err := f.recons.ListBySKU(ctx, "sku1", 10)
	if err != nil {
		t.Fatal(err.Error())
	}
	if len(logs) != 1 {
		t.Fatalf("got %d log rows, want 1 per run", len(logs))
	}
}

func TestReconcileAllFansOutOverActiveSKUs(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, 10, 0)

	// Two more in-progress activities alongside the fixture's sku1.
	for _, sku := range []string{"sku2", "sku3"} {
		if err := f.activities.Add(ctx, Activity{
			ActivityID: "act_" + sku, SkuID: sku, TotalStock: 10,
			StartTime: shopmesh.Now().Add(-time.Hour), EndTime: shopmesh.Now().Add(time.Hour),
			Status: ActivityInProgress,
		}); err != nil {
			t.Fatal(err.Error())
		}
		if err := f.engine.Warmup(ctx, sku, 10, false); err != nil {
			t.Fatal(err.Error())
		}
	}
	// sku2 drifted; one pass must repair it while still covering the others.
	if err := f.stock.ForceSet(ctx, "sku2", 5, 5); err != nil {
		t.Fatal(err.Error())
	}

	f.reconciler.ReconcileAll(ctx)

	for _, sku := range []string{"sku1", "sku2", "sku3"} {
		logs, err := f.recons.ListBySKU(ctx, sku, 10)
		if err != nil {
			t.Fatal(err.Error())
		}
		if len(logs) != 1 {
			t.Fatalf("sku %s got %d log rows from one pass, want 1", sku, len(logs))
		}
	}
	remaining, sold, _, err := f.stock.Stock(ctx, "sku2")
	if err != nil {
		t.Fatal(err.Error())
	}
	if remaining != 10 || sold != 0 {
		t.Fatalf("got remaining=%d sold=%d after repair, want 10/0 from the durable truth", remaining, sold)
	}
}

func TestReconcileRepairsDrift(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, 10, 0)

	// 3 durable units sold, but the fast store drifted to 5 sold (e.g. a lost undo).
	if _, err := f.orders.Add(ctx, Order{
		OrderID: "o1", UserID: "u1", SkuID: "sku1", Qty: 3,
		Status: OrderPendingPayment, CreatedAt: shopmesh.Now(),
	}); err != nil {
		t.Fatal(err.Error())
	}
	if err := f.stock.ForceSet(ctx, "sku1", 5, 5); err != nil {
		t.Fatal(err.Error())
	}

	entry, err := f.reconciler.ReconcileSKU(ctx, "sku1", 10, 0)
	if err != nil {
		t.Fatal(err.Error())
	}
	if entry.Status != ReconFixed {
		t.Fatalf("got status %v, want Fixed", entry.Status)
	}
	if len(entry.Discrepancies) == 0 {
		t.Fatal("repair run reported no discrepancies")
	}

	remaining, sold, _, err := f.stock.Stock(ctx, "sku1")
	if err != nil {
		t.Fatal(err.Error())
	}
	if remaining != 7 || sold != 3 {
		t.Fatalf("got remaining=%d sold=%d after repair, want 7/3 from the durable truth", remaining, sold)
	}
	logs, err := f.recons.ListBySKU(ctx, "sku1", 1)
	if err != nil {
		t.Fatal(err.Error())
	}
	if len(logs) != 1 || logs[0].Status != ReconFixed {
		t.Fatalf("log row was not flipped to Fixed: %+v", logs)
	}
}

func TestReconcileRejectsNegativeRepair(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, 2, 0)

	// Durable orders exceed total stock; a repair would drive remaining negative.
	for _, id := range []string{"o1", "o2", "o3"} {
		if _, err := f.orders.Add(ctx, Order{
			OrderID: id, UserID: "u_" + id, SkuID: "sku1", Qty: 1,
			Status: OrderPendingPayment, CreatedAt: shopmesh.Now(),
		}); err != nil {
			t.Fatal(err.Error())
		}
	}

	entry, err := f.reconciler.ReconcileSKU(ctx, "sku1", 2, 0)
	if shopmesh.CodeOf(err) != shopmesh.Corruption {
		t.Fatalf("got %v, want a Corruption error", err)
	}
	if entry.Status != ReconDiscrepancy {
		t.Fatalf("got status %v, want the Discrepancy row left for intervention", entry.Status)
	}
	// The fast store must not have been force-set.
	remaining, sold, _, _ := f.stock.Stock(ctx, "sku1")
	if remaining != 2 || sold != 0 {
		t.Fatalf("rejected repair still mutated the store, remaining=%d sold=%d", remaining, sold)
	}
}

func TestReconcileSkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, 10, 0)

	// Another instance holds the per-SKU repair lock.
	other := f.cache.CreateLockKeys([]string{"reconcile_sku1"})
	if ok, _, err := f.cache.Lock(ctx, time.Minute, other); err != nil || !ok {
		t.Fatalf("could not pre-acquire the lock, ok=%v err=%v", ok, err)
	}

	entry, err := f.reconciler.ReconcileSKU(ctx, "sku1", 10, 0)
	if err != nil {
		t.Fatal(err.Error())
	}
	if entry.ID != "" {
		t.Fatal("run proceeded despite a held lock")
	}
	logs, _ := f.recons.ListBySKU(ctx, "sku1", 10)
	if len(logs) != 0 {
		t.Fatalf("got %d log rows from a skipped run, want 0", len(logs))
	}
}

func TestReconcileRollsBackOverLimitOrders(t *testing.T) {
	ctx := context.Background()
	f := newReconcilerFixture(t, 10, 2)

	// Three racing deducts for one user pass the limit check before any of their
	// orders materialize, so all three slip past the limit of 2.
	base := shopmesh.Now()
	ids := make([]string, 3)
	for i := range ids {
		r, err := f.engine.Deduct(ctx, "sku1", "racer", 1)
		if err != nil || r.Status != DeductSuccess {
			t.Fatalf("deduct %d got status=%v err=%v", i, r.Status, err)
		}
		ids[i] = r.OrderID
	}
	for i, id := range ids {
		if _, err := f.orders.Add(ctx, Order{
			OrderID: id, UserID: "racer", SkuID: "sku1", Qty: 1,
			Status: OrderPendingPayment, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err.Error())
		}
	}

	if _, err := f.reconciler.ReconcileSKU(ctx, "sku1", 10, 2); err != nil {
		t.Fatal(err.Error())
	}

	// The newest order was cancelled; the two earliest survive.
	newest, _, _ := f.orders.Get(ctx, ids[2])
	if newest.Status != OrderCancelled {
		t.Fatalf("newest over-limit order got status %v, want Cancelled", newest.Status)
	}
	for _, id := range ids[:2] {
		o, _, _ := f.orders.Get(ctx, id)
		if o.Status != OrderPendingPayment {
			t.Fatalf("order %s got status %v, want PendingPayment", id, o.Status)
		}
	}
	count, err := f.orders.CountByUser(ctx, "racer", "sku1", ValidStatuses)
	if err != nil {
		t.Fatal(err.Error())
	}
	if count != 2 {
		t.Fatalf("got %d held units after reconcile, want the limit of 2", count)
	}
}
