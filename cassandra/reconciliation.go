package cassandra

import (
	"context"
	"fmt"

	"github.com/shopmesh/shopmesh"
	"github.com/shopmesh/shopmesh/flashsale"
)

type reconciliationLogRepository struct{}

// NewReconciliationLogRepository returns a Cassandra-backed implementation of
// flashsale.ReconciliationLogRepository. Discrepancy details are stored as a JSON
// text column; the table is append-only apart from MarkFixed.
func NewReconciliationLogRepository() flashsale.ReconciliationLogRepository {
	return &reconciliationLogRepository{}
}

func (r *reconciliationLogRepository) Add(ctx context.Context, l flashsale.ReconciliationLog) error {
	if connection == nil {
		return errNotOpen
	}
	var discrepancies []byte
	if len(l.Discrepancies) > 0 {
		ba, err := shopmesh.DefaultMarshaler.Marshal(l.Discrepancies)
		if err != nil {
			return err
		}
		discrepancies = ba
	}
	insertStatement := fmt.Sprintf(
		"INSERT INTO %s.reconciliation_log (sku_id, ts, id, redis_stock, redis_sold, durable_order_count, discrepancies, status) VALUES(?,?,?,?,?,?,?,?);",
		connection.Config.Keyspace)
	return connection.Session.Query(insertStatement, l.SkuID, l.Ts, l.ID, l.RedisStock, l.RedisSold,
		l.DurableOrderCount, string(discrepancies), string(l.Status)).WithContext(ctx).
		Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.StockLogAdd)).Exec()
}

// MarkFixed flips a Discrepancy row to Fixed. The clustering timestamp is looked up
// by id within the SKU partition, newest rows first.
func (r *reconciliationLogRepository) MarkFixed(ctx context.Context, sku string, id string) error {
	if connection == nil {
		return errNotOpen
	}
	rows, err := r.ListBySKU(ctx, sku, 100)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.ID != id {
			continue
		}
		updateStatement := fmt.Sprintf(
			"UPDATE %s.reconciliation_log SET status = ? WHERE sku_id = ? AND ts = ? AND id = ?;",
			connection.Config.Keyspace)
		return connection.Session.Query(updateStatement, string(flashsale.ReconFixed), sku, row.Ts, id).
			WithContext(ctx).Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.StockLogAdd)).Exec()
	}
	return &shopmesh.Error{Code: shopmesh.NotFound, Err: fmt.Errorf("no reconciliation row %s for sku %s", id, sku)}
}

// ListBySKU returns up to limit run records for the SKU, newest first.
func (r *reconciliationLogRepository) ListBySKU(ctx context.Context, sku string, limit int) ([]flashsale.ReconciliationLog, error) {
	if connection == nil {
		return nil, errNotOpen
	}
	selectStatement := fmt.Sprintf(
		"SELECT sku_id, ts, id, redis_stock, redis_sold, durable_order_count, discrepancies, status FROM %s.reconciliation_log WHERE sku_id = ? LIMIT ?;",
		connection.Config.Keyspace)
	iter := connection.Session.Query(selectStatement, sku, limit).WithContext(ctx).
		Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.AuditGet)).Iter()
	var out []flashsale.ReconciliationLog
	var l flashsale.ReconciliationLog
	var discrepancies, status string
	for iter.Scan(&l.SkuID, &l.Ts, &l.ID, &l.RedisStock, &l.RedisSold, &l.DurableOrderCount, &discrepancies, &status) {
		l.Status = flashsale.ReconciliationStatus(status)
		l.Discrepancies = nil
		if discrepancies != "" {
			if err := shopmesh.DefaultMarshaler.Unmarshal([]byte(discrepancies), &l.Discrepancies); err != nil {
				return nil, err
			}
		}
		out = append(out, l)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}
