package flashsale

import (
	"context"
	log "log/slog"

	"github.com/shopmesh/shopmesh"
)

// OrderMaterializer consumes the order bus and turns pending-order events into durable
// rows. Consumers are grouped by partition; the partition key is user_id, so each
// user's orders materialize FIFO.
//
// The bus is at-least-once: every step is idempotent (insert-if-absent) so a
// redelivered batch converges to the same durable state.
type OrderMaterializer struct {
	orders   OrderRepository
	stockLog StockLogRepository
	cache    shopmesh.Cache
	cfg      Config
}

// NewOrderMaterializer wires the materializer.
func NewOrderMaterializer(orders OrderRepository, stockLog StockLogRepository, cache shopmesh.Cache, cfg Config) *OrderMaterializer {
	return &OrderMaterializer{
		orders:   orders,
		stockLog: stockLog,
		cache:    cache,
		cfg:      cfg,
	}
}

// HandleBatch is the bus batch handler. An error return aborts the whole batch so the
// bus redelivers it; nothing is acked until every message landed durably.
func (m *OrderMaterializer) HandleBatch(ctx context.Context, msgs []shopmesh.BusMessage) error {
	for _, msg := range msgs {
		if err := m.materialize(ctx, msg.Value); err != nil {
			log.Error("order batch aborted, relying on bus redelivery", "error", err)
			return err
		}
	}
	return nil
}

func (m *OrderMaterializer) materialize(ctx context.Context, payload []byte) error {
	var event OrderEvent
	if err := shopmesh.DefaultMarshaler.Unmarshal(payload, &event); err != nil {
		// A poison message would wedge the partition; log and skip it.
		log.Error("dropping undecodable order event", "error", err)
		return nil
	}

	order := Order{
		OrderID:    event.OrderID,
		UserID:     event.UserID,
		SkuID:      event.SkuID,
		ActivityID: event.ActivityID,
		Qty:        event.Qty,
		Status:     OrderPendingPayment,
		CreatedAt:  event.CreatedAt,
	}
	added, err := m.orders.Add(ctx, order)
	if err != nil {
		return err
	}
	if !added {
		// Redelivery; the order already exists. Treated as success.
		log.Debug("order already materialized", "order", event.OrderID)
		return nil
	}

	// The engine appends the Deduct row on the hot path; ensure it is present in case
	// that write raced a crash.
	if _, err := m.stockLog.Add(ctx, StockLog{
		SkuID:   event.SkuID,
		OrderID: event.OrderID,
		Op:      OpDeduct,
		Qty:     event.Qty,
		Before:  event.Before,
		After:   event.After,
		Ts:      event.CreatedAt,
	}); err != nil {
		return err
	}

	if err := m.cache.Set(ctx, orderStatusKey(event.OrderID), string(OrderPendingPayment), m.cfg.OrderStatusTTL); err != nil {
		// Status cache is best effort; GetStatus falls back to the durable row.
		log.Warn("order status cache set failed", "order", event.OrderID, "error", err)
	}
	log.Debug("order materialized", "order", event.OrderID, "user", event.UserID, "sku", event.SkuID)
	return nil
}

// GetStatus reads the order status cache first and falls back to the durable row.
func (m *OrderMaterializer) GetStatus(ctx context.Context, orderID string) (OrderStatus, error) {
	if orderID == "" {
		return "", shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}
	found, s, err := m.cache.Get(ctx, orderStatusKey(orderID))
	if err == nil && found {
		return OrderStatus(s), nil
	}
	order, ok, err := m.orders.Get(ctx, orderID)
	if err != nil {
		return "", shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	if !ok {
		return "", shopmesh.Error{Code: shopmesh.NotFound, Err: errEmptyID}
	}
	return order.Status, nil
}

// MarkPaid transitions PendingPayment -> Paid with an optimistic predicate and
// refreshes the status cache. The payment collaborator calls this on callback.
func (m *OrderMaterializer) MarkPaid(ctx context.Context, orderID string) error {
	if orderID == "" {
		return shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}
	applied, err := m.orders.UpdateStatus(ctx, orderID, OrderPendingPayment, OrderPaid, shopmesh.Now())
	if err != nil {
		return shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	if !applied {
		order, ok, err := m.orders.Get(ctx, orderID)
		if err != nil {
			return shopmesh.Error{Code: shopmesh.Transient, Err: err}
		}
		if !ok {
			return shopmesh.Error{Code: shopmesh.NotFound, Err: errEmptyID}
		}
		if order.Status == OrderPaid {
			// Duplicate callback; idempotent success.
			return nil
		}
		return shopmesh.Error{Code: shopmesh.Conflict, Err: errStatusConflict(order.Status)}
	}
	if err := m.cache.Set(ctx, orderStatusKey(orderID), string(OrderPaid), m.cfg.OrderStatusTTL); err != nil {
		log.Warn("order status cache set failed", "order", orderID, "error", err)
	}
	return nil
}
