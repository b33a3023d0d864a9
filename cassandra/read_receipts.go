package cassandra

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"

	"github.com/shopmesh/shopmesh/im"
)

type readReceiptRepository struct{}

// NewReadReceiptRepository returns a Cassandra-backed implementation of
// im.ReadReceiptRepository. The primary key (msg_id, reader_id, device_id) makes Add
// a natural upsert, so repeated marks converge on one row.
func NewReadReceiptRepository() im.ReadReceiptRepository {
	return &readReceiptRepository{}
}

func (r *readReceiptRepository) Add(ctx context.Context, receipt im.ReadReceipt) error {
	if connection == nil {
		return errNotOpen
	}
	insertStatement := fmt.Sprintf(
		"INSERT INTO %s.read_receipts (msg_id, reader_id, device_id, sender_id, conv_id, conv_type, read_at) VALUES(?,?,?,?,?,?,?);",
		connection.Config.Keyspace)
	return connection.Session.Query(insertStatement, receipt.MsgID, receipt.ReaderID, receipt.DeviceID,
		receipt.SenderID, receipt.ConvID, string(receipt.ConvType), receipt.ReadAt).WithContext(ctx).
		Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.OfflineAdd)).Exec()
}

func (r *readReceiptRepository) Get(ctx context.Context, msgID, readerID, deviceID string) (im.ReadReceipt, bool, error) {
	if connection == nil {
		return im.ReadReceipt{}, false, errNotOpen
	}
	selectStatement := fmt.Sprintf(
		"SELECT msg_id, reader_id, device_id, sender_id, conv_id, conv_type, read_at FROM %s.read_receipts WHERE msg_id = ? AND reader_id = ? AND device_id = ?;",
		connection.Config.Keyspace)
	var receipt im.ReadReceipt
	var convType string
	err := connection.Session.Query(selectStatement, msgID, readerID, deviceID).WithContext(ctx).
		Consistency(consistencyOrDefault(connection.Config.ConsistencyBook.OfflineGet)).
		Scan(&receipt.MsgID, &receipt.ReaderID, &receipt.DeviceID, &receipt.SenderID, &receipt.ConvID,
			&convType, &receipt.ReadAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return im.ReadReceipt{}, false, nil
		}
		return im.ReadReceipt{}, false, err
	}
	receipt.ConvType = im.Scope(convType)
	return receipt, true, nil
}
