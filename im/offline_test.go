package im

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopmesh/shopmesh"
	"github.com/shopmesh/shopmesh/redis"
)

func offlineEventMessage(t *testing.T, event OfflineMessageEvent) shopmesh.BusMessage {
	t.Helper()
	ba, err := shopmesh.DefaultMarshaler.Marshal(event)
	if err != nil {
		t.Fatal(err.Error())
	}
	return shopmesh.BusMessage{Topic: shopmesh.TopicOfflineMsg, Key: event.Recipient, Value: ba}
}

func TestOfflineWriterStoresBatch(t *testing.T) {
	ctx := context.Background()
	frozen := time.Now()
	shopmesh.Now = func() time.Time { return frozen }
	defer func() { shopmesh.Now = time.Now }()

	cfg := DefaultConfig()
	repo := newMockOfflineRepo()
	w := NewOfflineWriter(repo, redis.NewMockClient(), cfg)

	batch := []shopmesh.BusMessage{
		offlineEventMessage(t, OfflineMessageEvent{MsgID: "m1", Recipient: "b", Sender: "a", ConvID: "a:b", ConvType: ScopePrivate, Content: "one", Seq: 1, Ts: frozen}),
		offlineEventMessage(t, OfflineMessageEvent{MsgID: "m2", Recipient: "b", Sender: "a", ConvID: "a:b", ConvType: ScopePrivate, Content: "two", Seq: 2, Ts: frozen}),
	}
	if err := w.HandleBatch(ctx, batch); err != nil {
		t.Fatal(err.Error())
	}

	msgs, err := w.GetUnread(ctx, "b", 0, 10)
	if err != nil {
		t.Fatal(err.Error())
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d stored messages, want 2", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Fatalf("message %d has seq %d, want ascending from 1", i, m.Seq)
		}
		if !m.ExpiresAt.Equal(frozen.Add(cfg.MessageTTL)) {
			t.Fatalf("message %s expires at %v, want created_at+%v", m.MsgID, m.ExpiresAt, cfg.MessageTTL)
		}
	}
}

func TestOfflineWriterSkipsRedelivery(t *testing.T) {
	ctx := context.Background()
	repo := newMockOfflineRepo()
	w := NewOfflineWriter(repo, redis.NewMockClient(), DefaultConfig())

	batch := []shopmesh.BusMessage{
		offlineEventMessage(t, OfflineMessageEvent{MsgID: "m1", Recipient: "b", Sender: "a", Content: "one", Seq: 1}),
	}
	if err := w.HandleBatch(ctx, batch); err != nil {
		t.Fatal(err.Error())
	}
	// Bus redelivery of the same batch is dropped by the dedup gate.
	if err := w.HandleBatch(ctx, batch); err != nil {
		t.Fatal(err.Error())
	}
	if got := repo.count("b"); got != 1 {
		t.Fatalf("got %d stored rows after redelivery, want 1", got)
	}
}

func TestOfflineWriterReleasesDedupOnWriteFailure(t *testing.T) {
	ctx := context.Background()
	repo := newMockOfflineRepo()
	w := NewOfflineWriter(repo, redis.NewMockClient(), DefaultConfig())

	batch := []shopmesh.BusMessage{
		offlineEventMessage(t, OfflineMessageEvent{MsgID: "m1", Recipient: "b", Sender: "a", Content: "one", Seq: 1}),
	}
	repo.failNext = fmt.Errorf("write timeout")
	if err := w.HandleBatch(ctx, batch); err == nil {
		t.Fatal("got nil error, want the write failure surfaced for bus redelivery")
	}
	// The redelivered batch must not be dropped by a stale dedup claim.
	if err := w.HandleBatch(ctx, batch); err != nil {
		t.Fatal(err.Error())
	}
	if got := repo.count("b"); got != 1 {
		t.Fatalf("got %d stored rows after redelivery, want 1", got)
	}
}

func TestOfflineWriterSkipsPoisonMessage(t *testing.T) {
	ctx := context.Background()
	repo := newMockOfflineRepo()
	w := NewOfflineWriter(repo, redis.NewMockClient(), DefaultConfig())

	batch := []shopmesh.BusMessage{
		{Topic: shopmesh.TopicOfflineMsg, Key: "b", Value: []byte("not json")},
		offlineEventMessage(t, OfflineMessageEvent{MsgID: "m1", Recipient: "b", Sender: "a", Content: "one", Seq: 1}),
	}
	if err := w.HandleBatch(ctx, batch); err != nil {
		t.Fatal(err.Error())
	}
	if got := repo.count("b"); got != 1 {
		t.Fatalf("message after the poison one was not stored, rows=%d", got)
	}
}

func TestGetUnreadPaginatesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	repo := newMockOfflineRepo()
	w := NewOfflineWriter(repo, redis.NewMockClient(), DefaultConfig())

	var batch []shopmesh.BusMessage
	for i := 1; i <= 7; i++ {
		batch = append(batch, offlineEventMessage(t, OfflineMessageEvent{
			MsgID: fmt.Sprintf("m%d", i), Recipient: "b", Sender: "a", Seq: int64(i),
		}))
	}
	if err := w.HandleBatch(ctx, batch); err != nil {
		t.Fatal(err.Error())
	}

	// Cursor pagination, page size 3: every message exactly once, ascending.
	var seen []int64
	var cursor int64
	for {
		page, err := w.GetUnread(ctx, "b", cursor, 3)
		if err != nil {
			t.Fatal(err.Error())
		}
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			seen = append(seen, m.Seq)
		}
		cursor = page[len(page)-1].Seq
	}
	if len(seen) != 7 {
		t.Fatalf("pagination visited %d messages, want 7", len(seen))
	}
	for i, s := range seen {
		if s != int64(i+1) {
			t.Fatalf("position %d has seq %d, want %d", i, s, i+1)
		}
	}
}

func TestAckDeliveredDeletesUpToSeq(t *testing.T) {
	ctx := context.Background()
	repo := newMockOfflineRepo()
	w := NewOfflineWriter(repo, redis.NewMockClient(), DefaultConfig())

	var batch []shopmesh.BusMessage
	for i := 1; i <= 5; i++ {
		batch = append(batch, offlineEventMessage(t, OfflineMessageEvent{
			MsgID: fmt.Sprintf("m%d", i), Recipient: "b", Sender: "a", Seq: int64(i),
		}))
	}
	if err := w.HandleBatch(ctx, batch); err != nil {
		t.Fatal(err.Error())
	}
	if err := w.AckDelivered(ctx, "b", 3); err != nil {
		t.Fatal(err.Error())
	}
	msgs, err := w.GetUnread(ctx, "b", 0, 10)
	if err != nil {
		t.Fatal(err.Error())
	}
	if len(msgs) != 2 || msgs[0].Seq != 4 {
		t.Fatalf("got %d rows starting at seq %d after ack, want 2 from seq 4", len(msgs), msgs[0].Seq)
	}
}

func TestOfflineSweeperDeletesExpired(t *testing.T) {
	ctx := context.Background()
	frozen := time.Now().UTC()
	shopmesh.Now = func() time.Time { return frozen }
	defer func() { shopmesh.Now = time.Now }()

	repo := newMockOfflineRepo()
	sweeper := NewOfflineSweeper(repo, redis.NewMockClient(), DefaultConfig())

	if err := repo.AddBatch(ctx, []OfflineMessage{
		{MsgID: "m1", UserID: "b", Seq: 1, ExpiresAt: frozen.Add(-30 * time.Minute)},
		{MsgID: "m2", UserID: "b", Seq: 2, ExpiresAt: frozen.Add(time.Hour)},
	}); err != nil {
		t.Fatal(err.Error())
	}

	deleted, err := sweeper.SweepOnce(ctx)
	if err != nil {
		t.Fatal(err.Error())
	}
	if deleted != 1 {
		t.Fatalf("got %d deleted rows, want 1", deleted)
	}
	msgs, err := repo.GetUnread(ctx, "b", 0, 10)
	if err != nil {
		t.Fatal(err.Error())
	}
	if len(msgs) != 1 || msgs[0].MsgID != "m2" {
		t.Fatalf("got %+v after sweep, want only the unexpired row", msgs)
	}
}
