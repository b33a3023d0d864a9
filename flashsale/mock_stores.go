package flashsale

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopmesh/shopmesh"
)

// In-memory stand-ins for the fast store, the durable repositories and the order bus.
// The stock and admission mocks implement the scripts' atomicity with a mutex so the
// concurrency tests exercise the same all-or-nothing semantics the Lua scripts give.

type mockStockCell struct {
	remaining int64
	sold      int64
	soldOut   bool
}

type mockBucket struct {
	tokens   float64
	rate     float64
	capacity int64
	last     time.Time
}

type mockStockCache struct {
	mu      sync.Mutex
	cells   map[string]*mockStockCell
	buckets map[string]*mockBucket
	// failNext, when set, fails the next mutating call and clears itself.
	failNext error
}

func newMockStockCache() *mockStockCache {
	return &mockStockCache{
		cells:   make(map[string]*mockStockCell),
		buckets: make(map[string]*mockBucket),
	}
}

func (m *mockStockCache) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *mockStockCache) Warmup(ctx context.Context, sku string, total int64, force bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return false, err
	}
	if _, ok := m.cells[sku]; ok && !force {
		return false, nil
	}
	m.cells[sku] = &mockStockCell{remaining: total}
	return true, nil
}

func (m *mockStockCache) Deduct(ctx context.Context, sku string, qty int64) (deductCode, int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return deductNotWarmed, 0, 0, err
	}
	c, ok := m.cells[sku]
	if !ok {
		return deductNotWarmed, 0, 0, nil
	}
	if c.soldOut {
		return deductSoldOut, c.remaining, c.sold, nil
	}
	if c.remaining < qty {
		return deductInsufficient, c.remaining, c.sold, nil
	}
	c.remaining -= qty
	c.sold += qty
	if c.remaining == 0 {
		c.soldOut = true
	}
	return deductOK, c.remaining, c.sold, nil
}

func (m *mockStockCache) Rollback(ctx context.Context, sku string, qty int64) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return 0, 0, err
	}
	c, ok := m.cells[sku]
	if !ok {
		return 0, 0, fmt.Errorf("sku %s has no stock cell", sku)
	}
	c.remaining += qty
	c.sold -= qty
	if c.sold < 0 {
		c.sold = 0
	}
	c.soldOut = false
	return c.remaining, c.sold, nil
}

func (m *mockStockCache) Stock(ctx context.Context, sku string) (int64, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cells[sku]
	if !ok {
		return 0, 0, false, nil
	}
	return c.remaining, c.sold, true, nil
}

func (m *mockStockCache) MarkSoldOut(ctx context.Context, sku string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cells[sku]; ok {
		c.soldOut = true
	}
	return nil
}

func (m *mockStockCache) Teardown(ctx context.Context, sku string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cells, sku)
	return nil
}

func (m *mockStockCache) ForceSet(ctx context.Context, sku string, remaining int64, sold int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.cells[sku] = &mockStockCell{remaining: remaining, sold: sold, soldOut: remaining == 0}
	return nil
}

func (m *mockStockCache) TryAcquire(ctx context.Context, sku string, rate float64, capacity int64, floor int64) (bool, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return false, 0, false, err
	}
	if c, ok := m.cells[sku]; ok && c.soldOut {
		return false, 0, true, nil
	}
	b, ok := m.buckets[sku]
	if !ok {
		b = &mockBucket{tokens: float64(capacity), rate: rate, capacity: capacity, last: shopmesh.Now()}
		m.buckets[sku] = b
	}
	now := shopmesh.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.last = now
	b.tokens--
	if b.tokens < float64(floor) {
		b.tokens = float64(floor)
	}
	if b.tokens >= 0 {
		return true, int64(b.tokens), false, nil
	}
	return false, int64(b.tokens), false, nil
}

func (m *mockStockCache) ConfigureBucket(ctx context.Context, sku string, rate float64, capacity int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[sku] = &mockBucket{tokens: float64(capacity), rate: rate, capacity: capacity, last: shopmesh.Now()}
	return nil
}

func (m *mockStockCache) DropBucket(ctx context.Context, sku string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, sku)
	if c, ok := m.cells[sku]; ok {
		c.soldOut = true
	}
	return nil
}

type mockOrderRepo struct {
	mu     sync.Mutex
	orders map[string]Order
	// failUpdate, when set, fails the next UpdateStatus and clears itself.
	failUpdate error
}

func newMockOrderRepo() *mockOrderRepo {
	return &mockOrderRepo{orders: make(map[string]Order)}
}

func (r *mockOrderRepo) Add(ctx context.Context, o Order) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.orders[o.OrderID]; ok {
		return false, nil
	}
	r.orders[o.OrderID] = o
	return true, nil
}

func (r *mockOrderRepo) Get(ctx context.Context, orderID string) (Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	return o, ok, nil
}

func (r *mockOrderRepo) UpdateStatus(ctx context.Context, orderID string, from, to OrderStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpdate != nil {
		err := r.failUpdate
		r.failUpdate = nil
		return false, err
	}
	o, ok := r.orders[orderID]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	switch to {
	case OrderPaid:
		o.PaidAt = at
	case OrderCancelled, OrderTimeout:
		o.CancelledAt = at
	}
	r.orders[orderID] = o
	return true, nil
}

func (r *mockOrderRepo) CountBySKU(ctx context.Context, sku string, statuses []OrderStatus) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, o := range r.orders {
		if o.SkuID == sku && statusIn(o.Status, statuses) {
			n += o.Qty
		}
	}
	return n, nil
}

func (r *mockOrderRepo) CountByUser(ctx context.Context, userID, sku string, statuses []OrderStatus) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, o := range r.orders {
		if o.UserID == userID && o.SkuID == sku && statusIn(o.Status, statuses) {
			n += o.Qty
		}
	}
	return n, nil
}

func (r *mockOrderRepo) PendingBefore(ctx context.Context, cutoff time.Time, lookbackHours int, limit int) ([]Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Order
	for _, o := range r.orders {
		if o.Status == OrderPendingPayment && o.CreatedAt.Before(cutoff) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *mockOrderRepo) PendingBySKU(ctx context.Context, sku string) ([]Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Order
	for _, o := range r.orders {
		if o.SkuID == sku && statusIn(o.Status, ValidStatuses) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func statusIn(s OrderStatus, list []OrderStatus) bool {
	for _, x := range list {
		if s == x {
			return true
		}
	}
	return false
}

type mockStockLogRepo struct {
	mu   sync.Mutex
	rows map[string]StockLog
	// failNext, when set, fails the next Add and clears itself.
	failNext error
}

func newMockStockLogRepo() *mockStockLogRepo {
	return &mockStockLogRepo{rows: make(map[string]StockLog)}
}

func stockLogKey(orderID string, op StockOp) string {
	return orderID + "|" + string(op)
}

func (r *mockStockLogRepo) Add(ctx context.Context, l StockLog) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return false, err
	}
	k := stockLogKey(l.OrderID, l.Op)
	if _, ok := r.rows[k]; ok {
		return false, nil
	}
	r.rows[k] = l
	return true, nil
}

func (r *mockStockLogRepo) Get(ctx context.Context, orderID string, op StockOp) (StockLog, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.rows[stockLogKey(orderID, op)]
	return l, ok, nil
}

func (r *mockStockLogRepo) count(op StockOp) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int
	for _, l := range r.rows {
		if l.Op == op {
			n++
		}
	}
	return n
}

type mockActivityRepo struct {
	mu         sync.Mutex
	activities map[string]Activity
}

func newMockActivityRepo() *mockActivityRepo {
	return &mockActivityRepo{activities: make(map[string]Activity)}
}

func (r *mockActivityRepo) Add(ctx context.Context, a Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities[a.ActivityID] = a
	return nil
}

func (r *mockActivityRepo) Get(ctx context.Context, activityID string) (Activity, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.activities[activityID]
	return a, ok, nil
}

func (r *mockActivityRepo) GetBySKU(ctx context.Context, sku string) (Activity, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.activities {
		if a.SkuID == sku {
			return a, true, nil
		}
	}
	return Activity{}, false, nil
}

func (r *mockActivityRepo) UpdateStatus(ctx context.Context, activityID string, from, to ActivityStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.activities[activityID]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	r.activities[activityID] = a
	return true, nil
}

func (r *mockActivityRepo) ListByStatus(ctx context.Context, status ActivityStatus) ([]Activity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Activity
	for _, a := range r.activities {
		if a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActivityID < out[j].ActivityID })
	return out, nil
}

type mockReconRepo struct {
	mu   sync.Mutex
	rows []ReconciliationLog
}

func newMockReconRepo() *mockReconRepo {
	return &mockReconRepo{}
}

func (r *mockReconRepo) Add(ctx context.Context, l ReconciliationLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, l)
	return nil
}

func (r *mockReconRepo) MarkFixed(ctx context.Context, sku string, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rows {
		if r.rows[i].SkuID == sku && r.rows[i].ID == id {
			r.rows[i].Status = ReconFixed
			return nil
		}
	}
	return fmt.Errorf("reconciliation log %s not found", id)
}

func (r *mockReconRepo) ListBySKU(ctx context.Context, sku string, limit int) ([]ReconciliationLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ReconciliationLog
	for i := len(r.rows) - 1; i >= 0; i-- {
		if r.rows[i].SkuID == sku {
			out = append(out, r.rows[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type mockBus struct {
	mu       sync.Mutex
	messages []shopmesh.BusMessage
	// failNext, when set, fails the next Publish and clears itself.
	failNext error
}

func newMockBus() *mockBus {
	return &mockBus{}
}

func (b *mockBus) Publish(ctx context.Context, topic, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		return err
	}
	b.messages = append(b.messages, shopmesh.BusMessage{Topic: topic, Key: key, Value: value})
	return nil
}

func (b *mockBus) published(topic string) []shopmesh.BusMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []shopmesh.BusMessage
	for _, m := range b.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
