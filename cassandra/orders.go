package cassandra

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"

	"github.com/shopmesh/shopmesh/flashsale"
)

// DateHourLayout format mask string for hour-bucketed partition keys.
const DateHourLayout = "2006-01-02T15"

type orderRepository struct{}

// NewOrderRepository returns a Cassandra-backed implementation of
// flashsale.OrderRepository. The orders table is the source of truth; orders_by_sku,
// orders_by_user and orders_by_status are query projections maintained on every write.
func NewOrderRepository() flashsale.OrderRepository {
	return &orderRepository{}
}

func createdHour(t time.Time) string {
	return t.UTC().Format(DateHourLayout)
}

// Add inserts the order if absent. The LWT on the base table is the idempotency gate;
// projections are only written when the insert applied.
func (r *orderRepository) Add(ctx context.Context, o flashsale.Order) (bool, error) {
	if connection == nil {
		return false, errNotOpen
	}
	insertStatement := fmt.Sprintf(
		"INSERT INTO %s.orders (order_id, user_id, sku_id, activity_id, qty, status, created_at) VALUES(?,?,?,?,?,?,?) IF NOT EXISTS;",
		connection.Config.Keyspace)
	qry := connection.Session.Query(insertStatement, o.OrderID, o.UserID, o.SkuID, o.ActivityID, o.Qty,
		string(o.Status), o.CreatedAt).WithContext(ctx).Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.OrderAdd))
	applied, err := qry.MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	if err := r.addProjections(ctx, o); err != nil {
		return true, err
	}
	return true, nil
}

func (r *orderRepository) addProjections(ctx context.Context, o flashsale.Order) error {
	batch := connection.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.SetConsistency(consistencyOrDefault(connection.Config.ConsistencyBook.OrderAdd))
	batch.Query(fmt.Sprintf(
		"INSERT INTO %s.orders_by_sku (sku_id, status, order_id, user_id, qty, created_at) VALUES(?,?,?,?,?,?);",
		connection.Config.Keyspace), o.SkuID, string(o.Status), o.OrderID, o.UserID, o.Qty, o.CreatedAt)
	batch.Query(fmt.Sprintf(
		"INSERT INTO %s.orders_by_user (user_id, sku_id, status, order_id, qty) VALUES(?,?,?,?,?);",
		connection.Config.Keyspace), o.UserID, o.SkuID, string(o.Status), o.OrderID, o.Qty)
	batch.Query(fmt.Sprintf(
		"INSERT INTO %s.orders_by_status (status, created_hour, created_at, order_id, sku_id, user_id, qty) VALUES(?,?,?,?,?,?,?);",
		connection.Config.Keyspace), string(o.Status), createdHour(o.CreatedAt), o.CreatedAt, o.OrderID, o.SkuID, o.UserID, o.Qty)
	return connection.Session.ExecuteBatch(batch)
}

func (r *orderRepository) removeProjections(ctx context.Context, o flashsale.Order, status flashsale.OrderStatus) error {
	batch := connection.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.SetConsistency(consistencyOrDefault(connection.Config.ConsistencyBook.OrderUpdate))
	batch.Query(fmt.Sprintf("DELETE FROM %s.orders_by_sku WHERE sku_id = ? AND status = ? AND order_id = ?;",
		connection.Config.Keyspace), o.SkuID, string(status), o.OrderID)
	batch.Query(fmt.Sprintf("DELETE FROM %s.orders_by_user WHERE user_id = ? AND sku_id = ? AND order_id = ?;",
		connection.Config.Keyspace), o.UserID, o.SkuID, o.OrderID)
	batch.Query(fmt.Sprintf("DELETE FROM %s.orders_by_status WHERE status = ? AND created_hour = ? AND created_at = ? AND order_id = ?;",
		connection.Config.Keyspace), string(status), createdHour(o.CreatedAt), o.CreatedAt, o.OrderID)
	return connection.Session.ExecuteBatch(batch)
}

// Get reads one order by id.
func (r *orderRepository) Get(ctx context.Context, orderID string) (flashsale.Order, bool, error) {
	if connection == nil {
		return flashsale.Order{}, false, errNotOpen
	}
	selectStatement := fmt.Sprintf(
		"SELECT order_id, user_id, sku_id, activity_id, qty, status, created_at, paid_at, cancelled_at FROM %s.orders WHERE order_id = ?;",
		connection.Config.Keyspace)
	qry := connection.Session.Query(selectStatement, orderID).WithContext(ctx).
		Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.OrderGet))
	var o flashsale.Order
	var status string
	if err := qry.Scan(&o.OrderID, &o.UserID, &o.SkuID, &o.ActivityID, &o.Qty, &status,
		&o.CreatedAt, &o.PaidAt, &o.CancelledAt); err != nil {
		if err == gocql.ErrNotFound {
			return flashsale.Order{}, false, nil
		}
		return flashsale.Order{}, false, err
	}
	o.Status = flashsale.OrderStatus(status)
	return o, true, nil
}

// UpdateStatus transitions from -> to with an LWT predicate on the current status.
// false means the order was not in the expected state.
func (r *orderRepository) UpdateStatus(ctx context.Context, orderID string, from, to flashsale.OrderStatus, at time.Time) (bool, error) {
	if connection == nil {
		return false, errNotOpen
	}
	o, found, err := r.Get(ctx, orderID)
	if err != nil {
		return false, err
	}
	if !found || o.Status != from {
		return false, nil
	}

	tsColumn := ""
	switch to {
	case flashsale.OrderPaid:
		tsColumn = ", paid_at = ?"
	case flashsale.OrderCancelled, flashsale.OrderTimeout:
		tsColumn = ", cancelled_at = ?"
	}
	updateStatement := fmt.Sprintf("UPDATE %s.orders SET status = ?%s WHERE order_id = ? IF status = ?;",
		connection.Config.Keyspace, tsColumn)
	var qry *gocql.Query
	if tsColumn != "" {
		qry = connection.Session.Query(updateStatement, string(to), at, orderID, string(from))
	} else {
		qry = connection.Session.Query(updateStatement, string(to), orderID, string(from))
	}
	applied, err := qry.WithContext(ctx).
		Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.OrderUpdate)).
		MapScanCAS(map[string]interface{}{})
	if err != nil || !applied {
		return false, err
	}

	// Move the projections to the new status. A crash between the LWT and here leaves
	// a stale projection row; the reconciler reads statuses off the base table rows,
	// so stale projections only cost an extra lookup.
	if err := r.removeProjections(ctx, o, from); err != nil {
		return true, err
	}
	o.Status = to
	if err := r.addProjections(ctx, o); err != nil {
		return true, err
	}
	return true, nil
}

// CountBySKU sums order quantities for the SKU in the given statuses.
func (r *orderRepository) CountBySKU(ctx context.Context, sku string, statuses []flashsale.OrderStatus) (int64, error) {
	if connection == nil {
		return 0, errNotOpen
	}
	selectStatement := fmt.Sprintf("SELECT qty FROM %s.orders_by_sku WHERE sku_id = ? AND status = ?;",
		connection.Config.Keyspace)
	var total int64
	for _, status := range statuses {
		iter := connection.Session.Query(selectStatement, sku, string(status)).WithContext(ctx).
			Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.OrderGet)).Iter()
		var qty int64
		for iter.Scan(&qty) {
			total += qty
		}
		if err := iter.Close(); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// CountByUser sums order quantities for (user, sku) in the given statuses.
func (r *orderRepository) CountByUser(ctx context.Context, userID, sku string, statuses []flashsale.OrderStatus) (int64, error) {
	if connection == nil {
		return 0, errNotOpen
	}
	selectStatement := fmt.Sprintf("SELECT status, qty FROM %s.orders_by_user WHERE user_id = ? AND sku_id = ?;",
		connection.Config.Keyspace)
	iter := connection.Session.Query(selectStatement, userID, sku).WithContext(ctx).
		Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.OrderGet)).Iter()
	var total int64
	var status string
	var qty int64
	for iter.Scan(&status, &qty) {
		for _, s := range statuses {
			if status == string(s) {
				total += qty
				break
			}
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	return total, nil
}

// PendingBefore returns up to limit orders still PendingPayment and created before
// cutoff, scanning the hour buckets from cutoff back lookbackHours hours.
func (r *orderRepository) PendingBefore(ctx context.Context, cutoff time.Time, lookbackHours int, limit int) ([]flashsale.Order, error) {
	if connection == nil {
		return nil, errNotOpen
	}
	selectStatement := fmt.Sprintf(
		"SELECT order_id, sku_id, user_id, qty, created_at FROM %s.orders_by_status WHERE status = ? AND created_hour = ? AND created_at < ? LIMIT ?;",
		connection.Config.Keyspace)
	var out []flashsale.Order
	for h := 0; h <= lookbackHours && len(out) < limit; h++ {
		hour := createdHour(cutoff.Add(-time.Duration(h) * time.Hour))
		iter := connection.Session.Query(selectStatement, string(flashsale.OrderPendingPayment), hour, cutoff, limit-len(out)).
			WithContext(ctx).Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.OrderGet)).Iter()
		var o flashsale.Order
		for iter.Scan(&o.OrderID, &o.SkuID, &o.UserID, &o.Qty, &o.CreatedAt) {
			o.Status = flashsale.OrderPendingPayment
			out = append(out, o)
		}
		if err := iter.Close(); err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// PendingBySKU returns the SKU's orders currently in a valid status, oldest first.
func (r *orderRepository) PendingBySKU(ctx context.Context, sku string) ([]flashsale.Order, error) {
	if connection == nil {
		return nil, errNotOpen
	}
	selectStatement := fmt.Sprintf(
		"SELECT order_id, user_id, qty, created_at FROM %s.orders_by_sku WHERE sku_id = ? AND status = ?;",
		connection.Config.Keyspace)
	var out []flashsale.Order
	for _, status := range flashsale.ValidStatuses {
		iter := connection.Session.Query(selectStatement, sku, string(status)).WithContext(ctx).
			Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.OrderGet)).Iter()
		var o flashsale.Order
		for iter.Scan(&o.OrderID, &o.UserID, &o.Qty, &o.CreatedAt) {
			o.SkuID = sku
			o.Status = status
			out = append(out, o)
		}
		if err := iter.Close(); err != nil {
			return nil, err
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
