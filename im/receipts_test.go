package im

import (
	"context"
	"testing"

	"github.com/shopmesh/shopmesh"
)

func TestMarkReadNotifiesOnlineSender(t *testing.T) {
	ctx := context.Background()
	receipts := newMockReceiptRepo()
	registry := newMockRegistry()
	bus := newMockBus()
	tracker := NewReceiptTracker(receipts, registry, bus, DefaultConfig())

	if err := registry.Register(ctx, Binding{UserID: "a", DeviceID: "d1", GatewayID: "gw1"}); err != nil {
		t.Fatal(err.Error())
	}
	if err := tracker.MarkRead(ctx, ReadReceipt{
		MsgID: "m1", ReaderID: "b", DeviceID: "bd1", SenderID: "a", ConvID: "a:b", ConvType: ScopePrivate,
	}); err != nil {
		t.Fatal(err.Error())
	}

	if _, found, _ := receipts.Get(ctx, "m1", "b", "bd1"); !found {
		t.Fatal("receipt was not stored")
	}
	msgs := bus.published(shopmesh.TopicReadReceipts)
	if len(msgs) != 1 || msgs[0].Key != "a" {
		t.Fatalf("got %d receipt events with key %q, want 1 keyed by sender", len(msgs), msgs[0].Key)
	}
	var event ReadReceiptEvent
	if err := shopmesh.DefaultMarshaler.Unmarshal(msgs[0].Value, &event); err != nil {
		t.Fatal(err.Error())
	}
	if event.MsgID != "m1" || event.ReaderID != "b" {
		t.Fatalf("receipt event %+v does not match the mark", event)
	}
}

func TestMarkReadStoresOfflineForOfflineSender(t *testing.T) {
	ctx := context.Background()
	receipts := newMockReceiptRepo()
	bus := newMockBus()
	tracker := NewReceiptTracker(receipts, newMockRegistry(), bus, DefaultConfig())

	if err := tracker.MarkRead(ctx, ReadReceipt{
		MsgID: "m1", ReaderID: "b", DeviceID: "bd1", SenderID: "a", ConvID: "a:b", ConvType: ScopePrivate,
	}); err != nil {
		t.Fatal(err.Error())
	}

	if got := len(bus.published(shopmesh.TopicReadReceipts)); got != 0 {
		t.Fatalf("got %d direct receipt events for an offline sender, want 0", got)
	}
	msgs := bus.published(shopmesh.TopicOfflineMsg)
	if len(msgs) != 1 || msgs[0].Key != "a" {
		t.Fatalf("got %d offline events with key %q, want 1 keyed by sender", len(msgs), msgs[0].Key)
	}
	var event OfflineMessageEvent
	if err := shopmesh.DefaultMarshaler.Unmarshal(msgs[0].Value, &event); err != nil {
		t.Fatal(err.Error())
	}
	if event.ConvType != ScopeReceipt || event.Recipient != "a" {
		t.Fatalf("offline receipt event %+v is not receipt-typed toward the sender", event)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	receipts := newMockReceiptRepo()
	tracker := NewReceiptTracker(receipts, newMockRegistry(), newMockBus(), DefaultConfig())

	r := ReadReceipt{MsgID: "m1", ReaderID: "b", DeviceID: "bd1", SenderID: "a", ConvID: "a:b", ConvType: ScopePrivate}
	for i := 0; i < 3; i++ {
		if err := tracker.MarkRead(ctx, r); err != nil {
			t.Fatalf("mark %d failed: %v", i, err)
		}
	}
	if got := receipts.size(); got != 1 {
		t.Fatalf("got %d stored receipts after repeats, want 1", got)
	}
}

func TestMarkReadValidation(t *testing.T) {
	ctx := context.Background()
	tracker := NewReceiptTracker(newMockReceiptRepo(), newMockRegistry(), newMockBus(), DefaultConfig())

	tests := []struct {
		name string
		r    ReadReceipt
	}{
		{name: "empty msg", r: ReadReceipt{ReaderID: "b", DeviceID: "d", SenderID: "a"}},
		{name: "empty reader", r: ReadReceipt{MsgID: "m", DeviceID: "d", SenderID: "a"}},
		{name: "empty device", r: ReadReceipt{MsgID: "m", ReaderID: "b", SenderID: "a"}},
		{name: "empty sender", r: ReadReceipt{MsgID: "m", ReaderID: "b", DeviceID: "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tracker.MarkRead(ctx, tt.r)
			if shopmesh.CodeOf(err) != shopmesh.Validation {
				t.Fatalf("got %v, want a Validation error", err)
			}
		})
	}
}
