package cassandra

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"

	"github.com/shopmesh/shopmesh/flashsale"
)

type activityRepository struct{}

// NewActivityRepository returns a Cassandra-backed implementation of
// flashsale.ActivityRepository.
func NewActivityRepository() flashsale.ActivityRepository {
	return &activityRepository{}
}

func (r *activityRepository) Add(ctx context.Context, a flashsale.Activity) error {
	if connection == nil {
		return errNotOpen
	}
	batch := connection.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.SetConsistency(consistencyOrDefault(connection.Config.ConsistencyBook.OrderAdd))
	batch.Query(fmt.Sprintf(
		"INSERT INTO %s.activities (activity_id, sku_id, name, total_stock, start_ts, end_ts, per_user_limit, status) VALUES(?,?,?,?,?,?,?,?);",
		connection.Config.Keyspace), a.ActivityID, a.SkuID, a.Name, a.TotalStock, a.StartTime, a.EndTime,
		a.PerUserLimit, string(a.Status))
	batch.Query(fmt.Sprintf("INSERT INTO %s.activities_by_sku (sku_id, activity_id) VALUES(?,?);",
		connection.Config.Keyspace), a.SkuID, a.ActivityID)
	batch.Query(fmt.Sprintf("INSERT INTO %s.activities_by_status (status, activity_id) VALUES(?,?);",
		connection.Config.Keyspace), string(a.Status), a.ActivityID)
	return connection.Session.ExecuteBatch(batch)
}

func (r *activityRepository) Get(ctx context.Context, activityID string) (flashsale.Activity, bool, error) {
	if connection == nil {
		return flashsale.Activity{}, false, errNotOpen
	}
	selectStatement := fmt.Sprintf(
		"SELECT activity_id, sku_id, name, total_stock, start_ts, end_ts, per_user_limit, status FROM %s.activities WHERE activity_id = ?;",
		connection.Config.Keyspace)
	var a flashsale.Activity
	var status string
	err := connection.Session.Query(selectStatement, activityID).WithContext(ctx).
		Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.OrderGet)).
		Scan(&a.ActivityID, &a.SkuID, &a.Name, &a.TotalStock, &a.StartTime, &a.EndTime, &a.PerUserLimit, &status)
	if err != nil {
		if err == gocql.ErrNotFound {
			return flashsale.Activity{}, false, nil
		}
		return flashsale.Activity{}, false, err
	}
	a.Status = flashsale.ActivityStatus(status)
	return a, true, nil
}

func (r *activityRepository) GetBySKU(ctx context.Context, sku string) (flashsale.Activity, bool, error) {
	if connection == nil {
		return flashsale.Activity{}, false, errNotOpen
	}
	selectStatement := fmt.Sprintf("SELECT activity_id FROM %s.activities_by_sku WHERE sku_id = ?;",
		connection.Config.Keyspace)
	var activityID string
	err := connection.Session.Query(selectStatement, sku).WithContext(ctx).
		Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.OrderGet)).
		Scan(&activityID)
	if err != nil {
		if err == gocql.ErrNotFound {
			return flashsale.Activity{}, false, nil
		}
		return flashsale.Activity{}, false, err
	}
	return r.Get(ctx, activityID)
}

// UpdateStatus transitions from -> to with an LWT predicate on the current status and
// moves the status projection row when the transition applied.
func (r *activityRepository) UpdateStatus(ctx context.Context, activityID string, from, to flashsale.ActivityStatus) (bool, error) {
	if connection == nil {
		return false, errNotOpen
	}
	updateStatement := fmt.Sprintf("UPDATE %s.activities SET status = ? WHERE activity_id = ? IF status = ?;",
		connection.Config.Keyspace)
	applied, err := connection.Session.Query(updateStatement, string(to), activityID, string(from)).
		WithContext(ctx).Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.OrderUpdate)).
		MapScanCAS(map[string]interface{}{})
	if err != nil || !applied {
		return false, err
	}
	batch := connection.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.SetConsistency(consistencyOrDefault(connection.Config.ConsistencyBook.OrderUpdate))
	batch.Query(fmt.Sprintf("DELETE FROM %s.activities_by_status WHERE status = ? AND activity_id = ?;",
		connection.Config.Keyspace), string(from), activityID)
	batch.Query(fmt.Sprintf("INSERT INTO %s.activities_by_status (status, activity_id) VALUES(?,?);",
		connection.Config.Keyspace), string(to), activityID)
	return true, connection.Session.ExecuteBatch(batch)
}

func (r *activityRepository) ListByStatus(ctx context.Context, status flashsale.ActivityStatus) ([]flashsale.Activity, error) {
	if connection == nil {
		return nil, errNotOpen
	}
	selectStatement := fmt.Sprintf("SELECT activity_id FROM %s.activities_by_status WHERE status = ?;",
		connection.Config.Keyspace)
	iter := connection.Session.Query(selectStatement, string(status)).WithContext(ctx).
		Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.OrderGet)).Iter()
	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	var out []flashsale.Activity
	for _, activityID := range ids {
		a, found, err := r.Get(ctx, activityID)
		if err != nil {
			return nil, err
		}
		// A stale projection row can point at an activity that already moved on.
		if found && a.Status == status {
			out = append(out, a)
		}
	}
	return out, nil
}
