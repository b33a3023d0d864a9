package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"github.com/shopmesh/shopmesh/im"
)

type offlineMessageRepository struct{}

// NewOfflineMessageRepository returns a Cassandra-backed implementation of
// im.OfflineMessageRepository. Rows live in offline_messages keyed by recipient and
// clustered by seq; offline_msg_expiry is the hour-bucketed index the TTL sweeper
// scans.
func NewOfflineMessageRepository() im.OfflineMessageRepository {
	return &offlineMessageRepository{}
}

func expiryHour(t time.Time) string {
	return t.UTC().Format(DateHourLayout)
}

// AddBatch writes the messages and their expiry index rows in one logged batch, so a
// message is never retrievable without being sweepable.
func (r *offlineMessageRepository) AddBatch(ctx context.Context, msgs []im.OfflineMessage) error {
	if connection == nil {
		return errNotOpen
	}
	if len(msgs) == 0 {
		return nil
	}
	batch := connection.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.SetConsistency(consistencyOrDefault(connection.Config.ConsistencyBook.OfflineAdd))
	insertStatement := fmt.Sprintf(
		"INSERT INTO %s.offline_messages (user_id, seq, msg_id, sender_id, conv_id, conv_type, content, ts, created_at, expires_at) VALUES(?,?,?,?,?,?,?,?,?,?);",
		connection.Config.Keyspace)
	expiryStatement := fmt.Sprintf(
		"INSERT INTO %s.offline_msg_expiry (expiry_hour, expires_at, user_id, seq) VALUES(?,?,?,?);",
		connection.Config.Keyspace)
	for _, m := range msgs {
		batch.Query(insertStatement, m.UserID, m.Seq, m.MsgID, m.SenderID, m.ConvID, string(m.ConvType),
			m.Content, m.Ts, m.CreatedAt, m.ExpiresAt)
		batch.Query(expiryStatement, expiryHour(m.ExpiresAt), m.ExpiresAt, m.UserID, m.Seq)
	}
	return connection.Session.ExecuteBatch(batch)
}

// GetUnread returns up to limit messages with seq greater than afterSeq, ascending.
func (r *offlineMessageRepository) GetUnread(ctx context.Context, userID string, afterSeq int64, limit int) ([]im.OfflineMessage, error) {
	if connection == nil {
		return nil, errNotOpen
	}
	selectStatement := fmt.Sprintf(
		"SELECT user_id, seq, msg_id, sender_id, conv_id, conv_type, content, ts, created_at, expires_at FROM %s.offline_messages WHERE user_id = ? AND seq > ? LIMIT ?;",
		connection.Config.Keyspace)
	iter := connection.Session.Query(selectStatement, userID, afterSeq, limit).WithContext(ctx).
		Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.OfflineGet)).Iter()
	var out []im.OfflineMessage
	var m im.OfflineMessage
	var convType string
	for iter.Scan(&m.UserID, &m.Seq, &m.MsgID, &m.SenderID, &m.ConvID, &convType, &m.Content,
		&m.Ts, &m.CreatedAt, &m.ExpiresAt) {
		m.ConvType = im.Scope(convType)
		out = append(out, m)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

// AckDelivered range-deletes the recipient's rows up to and including upToSeq. The
// expiry index rows go stale; the sweeper's delete of a missing message row is a
// no-op.
func (r *offlineMessageRepository) AckDelivered(ctx context.Context, userID string, upToSeq int64) error {
	if connection == nil {
		return errNotOpen
	}
	deleteStatement := fmt.Sprintf("DELETE FROM %s.offline_messages WHERE user_id = ? AND seq <= ?;",
		connection.Config.Keyspace)
	return connection.Session.Query(deleteStatement, userID, upToSeq).WithContext(ctx).
		Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.OfflineAdd)).Exec()
}

// DeleteExpired removes up to limit messages in the given expiry hour bucket whose
// expires_at has passed, returning how many were deleted.
func (r *offlineMessageRepository) DeleteExpired(ctx context.Context, hour time.Time, now time.Time, limit int) (int, error) {
	if connection == nil {
		return 0, errNotOpen
	}
	selectStatement := fmt.Sprintf(
		"SELECT expires_at, user_id, seq FROM %s.offline_msg_expiry WHERE expiry_hour = ? AND expires_at < ? LIMIT ?;",
		connection.Config.Keyspace)
	iter := connection.Session.Query(selectStatement, expiryHour(hour), now, limit).WithContext(ctx).
		Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.OfflineGet)).Iter()
	type expiredRow struct {
		expiresAt time.Time
		userID    string
		seq       int64
	}
	var rows []expiredRow
	var row expiredRow
	for iter.Scan(&row.expiresAt, &row.userID, &row.seq) {
		rows = append(rows, row)
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	deleteMsg := fmt.Sprintf("DELETE FROM %s.offline_messages WHERE user_id = ? AND seq = ?;",
		connection.Config.Keyspace)
	deleteIdx := fmt.Sprintf(
		"DELETE FROM %s.offline_msg_expiry WHERE expiry_hour = ? AND expires_at = ? AND user_id = ? AND seq = ?;",
		connection.Config.Keyspace)
	deleted := 0
	for _, row := range rows {
		batch := connection.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
		batch.SetConsistency(consistencyOrDefault(connection.Config.ConsistencyBook.OfflineAdd))
		batch.Query(deleteMsg, row.userID, row.seq)
		batch.Query(deleteIdx, expiryHour(hour), row.expiresAt, row.userID, row.seq)
		if err := connection.Session.ExecuteBatch(batch); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, nil
}
