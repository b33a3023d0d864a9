package flashsale

import (
	"context"
	"testing"
	"time"

	"github.com/shopmesh/shopmesh"
	"github.com/shopmesh/shopmesh/redis"
)

func TestSweepTimesOutStaleOrders(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, 10, 0)
	cfg := DefaultConfig()
	cache := redis.NewMockClient()
	sweeper := NewSweeper(f.orders, f.engine, cache, cfg)

	// Two deducts; age one past the payment window.
	r1, err := f.engine.Deduct(ctx, "sku1", "u1", 2)
	if err != nil {
		t.Fatal(err.Error())
	}
	r2, err := f.engine.Deduct(ctx, "sku1", "u2", 1)
	if err != nil {
		t.Fatal(err.Error())
	}
	stale := shopmesh.Now().Add(-cfg.PaymentWindow - time.Minute)
	for _, ev := range []struct {
		id  string
		at  time.Time
		qty int64
		u   string
	}{
		{id: r1.OrderID, at: stale, qty: 2, u: "u1"},
		{id: r2.OrderID, at: shopmesh.Now(), qty: 1, u: "u2"},
	} {
		if _, err := f.orders.Add(ctx, Order{
			OrderID: ev.id, UserID: ev.u, SkuID: "sku1", Qty: ev.qty,
			Status: OrderPendingPayment, CreatedAt: ev.at,
		}); err != nil {
			t.Fatal(err.Error())
		}
	}

	swept, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatal(err.Error())
	}
	if swept != 1 {
		t.Fatalf("got %d swept orders, want 1", swept)
	}

	o1, _, _ := f.orders.Get(ctx, r1.OrderID)
	if o1.Status != OrderTimeout {
		t.Fatalf("stale order got status %v, want Timeout", o1.Status)
	}
	o2, _, _ := f.orders.Get(ctx, r2.OrderID)
	if o2.Status != OrderPendingPayment {
		t.Fatalf("fresh order got status %v, want PendingPayment", o2.Status)
	}

	// The stale order's 2 units are back; the fresh order's unit stays deducted.
	remaining, sold, _, err := f.stock.Stock(ctx, "sku1")
	if err != nil {
		t.Fatal(err.Error())
	}
	if remaining != 9 || sold != 1 {
		t.Fatalf("got remaining=%d sold=%d after sweep, want 9/1", remaining, sold)
	}

	found, s, err := cache.Get(ctx, orderStatusKey(r1.OrderID))
	if err != nil || !found {
		t.Fatalf("status cache not refreshed, found=%v err=%v", found, err)
	}
	if OrderStatus(s) != OrderTimeout {
		t.Fatalf("status cache got %q, want Timeout", s)
	}
}

func TestSweepLosesRaceToPaymentGracefully(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, 10, 0)
	cfg := DefaultConfig()
	sweeper := NewSweeper(f.orders, f.engine, redis.NewMockClient(), cfg)

	r, err := f.engine.Deduct(ctx, "sku1", "u1", 1)
	if err != nil {
		t.Fatal(err.Error())
	}
	if _, err := f.orders.Add(ctx, Order{
		OrderID: r.OrderID, UserID: "u1", SkuID: "sku1", Qty: 1,
		Status: OrderPendingPayment, CreatedAt: shopmesh.Now().Add(-cfg.PaymentWindow - time.Minute),
	}); err != nil {
		t.Fatal(err.Error())
	}
	// Payment lands between the scan and the transition.
	if _, err := f.orders.UpdateStatus(ctx, r.OrderID, OrderPendingPayment, OrderPaid, shopmesh.Now()); err != nil {
		t.Fatal(err.Error())
	}

	swept, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatal(err.Error())
	}
	if swept != 0 {
		t.Fatalf("got %d swept orders, want 0", swept)
	}
	o, _, _ := f.orders.Get(ctx, r.OrderID)
	if o.Status != OrderPaid {
		t.Fatalf("paid order got status %v, want Paid", o.Status)
	}
	remaining, _, _, _ := f.stock.Stock(ctx, "sku1")
	if remaining != 9 {
		t.Fatalf("paid order's stock was restored, remaining=%d", remaining)
	}
}

func TestSweepIsIdempotentAcrossTicks(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, 10, 0)
	cfg := DefaultConfig()
	sweeper := NewSweeper(f.orders, f.engine, redis.NewMockClient(), cfg)

	r, err := f.engine.Deduct(ctx, "sku1", "u1", 3)
	if err != nil {
		t.Fatal(err.Error())
	}
	if _, err := f.orders.Add(ctx, Order{
		OrderID: r.OrderID, UserID: "u1", SkuID: "sku1", Qty: 3,
		Status: OrderPendingPayment, CreatedAt: shopmesh.Now().Add(-cfg.PaymentWindow - time.Minute),
	}); err != nil {
		t.Fatal(err.Error())
	}

	for i := 0; i < 3; i++ {
		if _, err := sweeper.SweepOnce(ctx); err != nil {
			t.Fatal(err.Error())
		}
	}
	remaining, _, _, err := f.stock.Stock(ctx, "sku1")
	if err != nil {
		t.Fatal(err.Error())
	}
	if remaining != 10 {
		t.Fatalf("got remaining %d after repeated sweeps, want 10 restored exactly once", remaining)
	}
	if got := f.stockLog.count(OpRollback); got != 1 {
		t.Fatalf("got %d rollback log rows, want 1", got)
	}
}
