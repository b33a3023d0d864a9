package cassandra

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"

	"github.com/shopmesh/shopmesh/flashsale"
)

type stockLogRepository struct{}

// NewStockLogRepository returns a Cassandra-backed implementation of
// flashsale.StockLogRepository. The (order_id, op) primary key makes Add the durable
// idempotency gate for rollbacks.
func NewStockLogRepository() flashsale.StockLogRepository {
	return &stockLogRepository{}
}

func (r *stockLogRepository) Add(ctx context.Context, l flashsale.StockLog) (bool, error) {
	if connection == nil {
		return false, errNotOpen
	}
	insertStatement := fmt.Sprintf(
		"INSERT INTO %s.stock_log (order_id, op, sku_id, qty, before, after, ts) VALUES(?,?,?,?,?,?,?) IF NOT EXISTS;",
		connection.Config.Keyspace)
	applied, err := connection.Session.Query(insertStatement, l.OrderID, string(l.Op), l.SkuID, l.Qty,
		l.Before, l.After, l.Ts).WithContext(ctx).
		Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.StockLogAdd)).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	auditStatement := fmt.Sprintf(
		"INSERT INTO %s.stock_log_by_sku (sku_id, ts, order_id, op, qty, before, after) VALUES(?,?,?,?,?,?,?);",
		connection.Config.Keyspace)
	err = connection.Session.Query(auditStatement, l.SkuID, l.Ts, l.OrderID, string(l.Op), l.Qty,
		l.Before, l.After).WithContext(ctx).
		Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.StockLogAdd)).Exec()
	return true, err
}

func (r *stockLogRepository) Get(ctx context.Context, orderID string, op flashsale.StockOp) (flashsale.StockLog, bool, error) {
	if connection == nil {
		return flashsale.StockLog{}, false, errNotOpen
	}
	selectStatement := fmt.Sprintf(
		"SELECT order_id, op, sku_id, qty, before, after, ts FROM %s.stock_log WHERE order_id = ? AND op = ?;",
		connection.Config.Keyspace)
	var l flashsale.StockLog
	var opCol string
	err := connection.Session.Query(selectStatement, orderID, string(op)).WithContext(ctx).
		Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.AuditGet)).
		Scan(&l.OrderID, &opCol, &l.SkuID, &l.Qty, &l.Before, &l.After, &l.Ts)
	if err != nil {
		if err == gocql.ErrNotFound {
			return flashsale.StockLog{}, false, nil
		}
		return flashsale.StockLog{}, false, err
	}
	l.Op = flashsale.StockOp(opCol)
	return l, true, nil
}
