package cassandra

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"

	"github.com/shopmesh/shopmesh/im"
)

type snapshotRepository struct{}

// NewSnapshotRepository returns a Cassandra-backed implementation of
// im.SnapshotRepository. Snapshots cluster seq-descending, so Latest is the first row
// of the partition.
func NewSnapshotRepository() im.SnapshotRepository {
	return &snapshotRepository{}
}

func (r *snapshotRepository) Save(ctx context.Context, snap im.CounterSnapshot) error {
	if connection == nil {
		return errNotOpen
	}
	insertStatement := fmt.Sprintf(
		"INSERT INTO %s.counter_snapshots (scope, conv_id, seq, snapshot_ts) VALUES(?,?,?,?);",
		connection.Config.Keyspace)
	return connection.Session.Query(insertStatement, string(snap.Scope), snap.ConvID, snap.Seq, snap.SnapshotTs).
		WithContext(ctx).Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.OfflineAdd)).Exec()
}

func (r *snapshotRepository) Latest(ctx context.Context, scope im.Scope, convID string) (im.CounterSnapshot, bool, error) {
	if connection == nil {
		return im.CounterSnapshot{}, false, errNotOpen
	}
	selectStatement := fmt.Sprintf(
		"SELECT seq, snapshot_ts FROM %s.counter_snapshots WHERE scope = ? AND conv_id = ? LIMIT 1;",
		connection.Config.Keyspace)
	snap := im.CounterSnapshot{Scope: scope, ConvID: convID}
	err := connection.Session.Query(selectStatement, string(scope), convID).WithContext(ctx).
		Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.OfflineGet)).
		Scan(&snap.Seq, &snap.SnapshotTs)
	if err != nil {
		if err == gocql.ErrNotFound {
			return im.CounterSnapshot{}, false, nil
		}
		return im.CounterSnapshot{}, false, err
	}
	return snap, true, nil
}
