package shopmesh

import "context"

// Topics of the partitioned bus. Producers choose the partition key per topic so
// partition-local FIFO gives the ordering each consumer relies on.
const (
	// TopicOrderEvents carries pending orders from the inventory engine to the
	// order materializer. Key = user_id, so a user's orders materialize FIFO.
	TopicOrderEvents = "order_events"
	// TopicGroupMsg carries group messages to the (external) fan-out service.
	// Key = group_id.
	TopicGroupMsg = "group_msg"
	// TopicOfflineMsg carries messages for offline recipients to the offline
	// writer. Key = recipient user_id.
	TopicOfflineMsg = "offline_msg"
	// TopicMembershipChange carries group membership changes. Key = group_id.
	TopicMembershipChange = "membership_change"
	// TopicReadReceipts carries read-receipt events toward the sender's gateways.
	// Key = sender user_id.
	TopicReadReceipts = "read_receipt_events"
)

// BusMessage is one message as seen by a bus consumer.
type BusMessage struct {
	Topic     string
	Key       string
	Value     []byte
	Partition int32
	Offset    int64
}

// BusProducer publishes messages on a partitioned, at-least-once bus. The key selects
// the partition; messages sharing a key are totally ordered.
type BusProducer interface {
	Publish(ctx context.Context, topic string, key string, value []byte) error
}

// BatchHandler processes one consumer batch. Returning an error aborts the batch;
// offsets are only committed after a nil return, so the bus redelivers on failure
// (at-least-once).
type BatchHandler func(ctx context.Context, msgs []BusMessage) error
