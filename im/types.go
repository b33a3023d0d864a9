package im

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var errEmptyID = errors.New("id can't be empty string")

// errSensitiveContent is returned when the content filter blocks a message.
var errSensitiveContent = errors.New("content blocked by filter")

// Scope distinguishes private and group conversations.
type Scope string

const (
	ScopePrivate Scope = "private"
	ScopeGroup   Scope = "group"
	// ScopeReceipt tags offline rows carrying read receipts toward a sender that was
	// offline when the receipt arrived.
	ScopeReceipt Scope = "receipt"
)

// Message is one inbound routing request.
type Message struct {
	MsgID     string            `json:"msg_id"`
	Sender    string            `json:"sender"`
	Recipient string            `json:"recipient,omitempty"`
	GroupID   string            `json:"group_id,omitempty"`
	Scope     Scope             `json:"scope"`
	Content   string            `json:"content"`
	Ts        time.Time         `json:"ts"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// DeliveryStatus is the router's answer for one message.
type DeliveryStatus string

const (
	// DeliveryDelivered means at least one of the recipient's gateways accepted the
	// push on the fast path.
	DeliveryDelivered DeliveryStatus = "Delivered"
	// DeliveryOffline means the message was handed to the offline bus.
	DeliveryOffline DeliveryStatus = "Offline"
	// DeliveryPending means the message was handed to the group fan-out bus.
	DeliveryPending DeliveryStatus = "Pending"
)

// RouteResult carries the assigned sequence and the delivery outcome.
type RouteResult struct {
	Sequence int64          `json:"sequence"`
	Status   DeliveryStatus `json:"delivery_status"`
}

// Binding is one live presence lease: this user's device is reachable through this
// gateway until the lease expires.
type Binding struct {
	UserID         string    `json:"user_id"`
	DeviceID       string    `json:"device_id"`
	GatewayID      string    `json:"gateway_id"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// RegistryEventType tags watch events.
type RegistryEventType int

const (
	RegistryPut RegistryEventType = iota
	RegistryDelete
)

// RegistryEvent is one {Put, Delete} watch notification.
type RegistryEvent struct {
	Type    RegistryEventType `json:"type"`
	Key     string            `json:"key"`
	Binding Binding           `json:"binding"`
}

// CounterSnapshot is a durable checkpoint of one conversation counter, used to seed
// recovery after a fast-store loss.
type CounterSnapshot struct {
	Scope      Scope     `json:"scope"`
	ConvID     string    `json:"conv_id"`
	Seq        int64     `json:"seq"`
	SnapshotTs time.Time `json:"snapshot_ts"`
}

// OfflineMessage is one durable row awaiting retrieval by its recipient.
type OfflineMessage struct {
	MsgID     string    `json:"msg_id"`
	UserID    string    `json:"user_id"`
	SenderID  string    `json:"sender_id"`
	ConvID    string    `json:"conv_id"`
	ConvType  Scope     `json:"conv_type"`
	Content   string    `json:"content"`
	Seq       int64     `json:"seq"`
	Ts        time.Time `json:"ts"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// OfflineMessageEvent is the offline bus payload, partitioned by recipient.
type OfflineMessageEvent struct {
	MsgID     string    `json:"msg_id"`
	Recipient string    `json:"recipient"`
	Sender    string    `json:"sender"`
	ConvID    string    `json:"conv_id"`
	ConvType  Scope     `json:"conv_type"`
	Content   string    `json:"content"`
	Seq       int64     `json:"seq"`
	Ts        time.Time `json:"ts"`
}

// GroupMessageEvent is the group bus payload, partitioned by group; a separate fan-out
// service resolves members.
type GroupMessageEvent struct {
	MsgID   string    `json:"msg_id"`
	GroupID string    `json:"group_id"`
	Sender  string    `json:"sender"`
	Content string    `json:"content"`
	Seq     int64     `json:"seq"`
	Ts      time.Time `json:"ts"`
}

// ReadReceipt is one durable read marker, unique on (msg_id, reader, device).
type ReadReceipt struct {
	MsgID    string    `json:"msg_id"`
	ReaderID string    `json:"reader_id"`
	DeviceID string    `json:"device_id"`
	SenderID string    `json:"sender_id"`
	ConvID   string    `json:"conv_id"`
	ConvType Scope     `json:"conv_type"`
	ReadAt   time.Time `json:"read_at"`
}

// ReadReceiptEvent is the read-receipt bus payload, partitioned by sender.
type ReadReceiptEvent struct {
	MsgID    string    `json:"msg_id"`
	ReaderID string    `json:"reader_id"`
	DeviceID string    `json:"device_id"`
	SenderID string    `json:"sender_id"`
	ConvID   string    `json:"conv_id"`
	ReadAt   time.Time `json:"read_at"`
}

// routeReceipt is the dedup entry value cached for an already-processed msg_id so
// replays return the original outcome.
type routeReceipt struct {
	Sequence int64          `json:"sequence"`
	Status   DeliveryStatus `json:"status"`
}

// PrivateConvID returns the canonical private conversation id: the two user ids
// lexicographically sorted and joined with ':'. sequence(a,b) and sequence(b,a) then
// share one counter.
func PrivateConvID(a, b string) (string, error) {
	if a == "" || b == "" {
		return "", errEmptyID
	}
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1], nil
}

// Fast store key schemas. These exact strings are shared with operational tooling.
func seqKey(scope Scope, convID string) string {
	return fmt.Sprintf("seq:%s:%s", scope, convID)
}

func dedupKey(msgID, recipient, device string) string {
	return fmt.Sprintf("dedup:%s:%s:%s", msgID, recipient, device)
}

func presenceKey(userID, deviceID string) string {
	return fmt.Sprintf("presence:%s:%s", userID, deviceID)
}

func presenceUserPrefix(userID string) string {
	return fmt.Sprintf("presence:%s:", userID)
}
