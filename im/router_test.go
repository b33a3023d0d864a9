package im

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/shopmesh/shopmesh"
	"github.com/shopmesh/shopmesh/redis"
)

type routerFixture struct {
	registry *mockRegistry
	gateway  *mockGateway
	bus      *mockBus
	cache    shopmesh.Cache
	router   *Router
}

func newRouterFixture(t *testing.T, filter *ContentFilter) *routerFixture {
	t.Helper()
	cfg := DefaultConfig()
	// One attempt per push keeps the retry backoff out of test time.
	cfg.MaxRetries = 0
	f := &routerFixture{
		registry: newMockRegistry(),
		gateway:  newMockGateway(),
		bus:      newMockBus(),
		cache:    redis.NewMockClient(),
	}
	seq := NewSequencer(f.cache, newMockSnapshotRepo(), cfg)
	f.router = NewRouter(f.registry, seq, filter, f.cache, f.bus, f.gateway, cfg)
	return f
}

func privateMsg(id, sender, recipient, content string) Message {
	return Message{
		MsgID:     id,
		Sender:    sender,
		Recipient: recipient,
		Scope:     ScopePrivate,
		Content:   content,
		Ts:        shopmesh.Now(),
	}
}

func TestRouteFastPathTwoDevices(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t, nil)

	if err := f.registry.Register(ctx, Binding{UserID: "b", DeviceID: "d1", GatewayID: "gw1"}); err != nil {
		t.Fatal(err.Error())
	}
	if err := f.registry.Register(ctx, Binding{UserID: "b", DeviceID: "d2", GatewayID: "gw2"}); err != nil {
		t.Fatal(err.Error())
	}

	r1, err := f.router.Route(ctx, privateMsg("m1", "a", "b", "first"))
	if err != nil {
		t.Fatal(err.Error())
	}
	r2, err := f.router.Route(ctx, privateMsg("m2", "a", "b", "second"))
	if err != nil {
		t.Fatal(err.Error())
	}

	if r1.Status != DeliveryDelivered || r2.Status != DeliveryDelivered {
		t.Fatalf("got statuses %v/%v, want Delivered for both", r1.Status, r2.Status)
	}
	if r1.Sequence != 1 || r2.Sequence != 2 {
		t.Fatalf("got sequences %d/%d, want 1/2", r1.Sequence, r2.Sequence)
	}
	// Both devices got each message exactly once.
	for _, k := range []struct{ gw, dev string }{{"gw1", "d1"}, {"gw2", "d2"}} {
		if got := f.gateway.pushCount(k.gw, k.dev); got != 2 {
			t.Fatalf("device %s got %d pushes, want 2", k.dev, got)
		}
	}
}

func TestRouteReplayReturnsCachedOutcome(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t, nil)
	if err := f.registry.Register(ctx, Binding{UserID: "b", DeviceID: "d1", GatewayID: "gw1"}); err != nil {
		t.Fatal(err.Error())
	}

	first, err := f.router.Route(ctx, privateMsg("m1", "a", "b", "hello"))
	if err != nil {
		t.Fatal(err.Error())
	}
	replay, err := f.router.Route(ctx, privateMsg("m1", "a", "b", "hello"))
	if err != nil {
		t.Fatal(err.Error())
	}
	if replay.Sequence != first.Sequence || replay.Status != first.Status {
		t.Fatalf("replay got %+v, want the original %+v", replay, first)
	}
	// No extra side effects past the first completed delivery.
	if got := f.gateway.pushCount("gw1", "d1"); got != 1 {
		t.Fatalf("device got %d pushes after replay, want 1", got)
	}
}

func TestRouteOfflinePath(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t, nil)

	r, err := f.router.Route(ctx, privateMsg("m1", "a", "b", "are you there"))
	if err != nil {
		t.Fatal(err.Error())
	}
	if r.Status != DeliveryOffline {
		t.Fatalf("got status %v for an offline recipient, want Offline", r.Status)
	}
	msgs := f.bus.published(shopmesh.TopicOfflineMsg)
	if len(msgs) != 1 {
		t.Fatalf("got %d offline bus messages, want 1", len(msgs))
	}
	if msgs[0].Key != "b" {
		t.Fatalf("got partition key %q, want the recipient", msgs[0].Key)
	}
	var event OfflineMessageEvent
	if err := shopmesh.DefaultMarshaler.Unmarshal(msgs[0].Value, &event); err != nil {
		t.Fatal(err.Error())
	}
	if event.Seq != r.Sequence || event.ConvID != "a:b" {
		t.Fatalf("offline event %+v does not match the route result", event)
	}
}

func TestRouteFallsBackToOfflineOnGatewayFailure(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t, nil)

	// A stale "online" binding whose gateway rejects every push.
	if err := f.registry.Register(ctx, Binding{UserID: "b", DeviceID: "d1", GatewayID: "gw1"}); err != nil {
		t.Fatal(err.Error())
	}
	f.gateway.failing["gw1"] = fmt.Errorf("connection reset")

	r, err := f.router.Route(ctx, privateMsg("m1", "a", "b", "hello"))
	if err != nil {
		t.Fatal(err.Error())
	}
	if r.Status != DeliveryOffline {
		t.Fatalf("got status %v after fast-path exhaustion, want Offline", r.Status)
	}
	if got := len(f.bus.published(shopmesh.TopicOfflineMsg)); got != 1 {
		t.Fatalf("got %d offline bus messages, want 1", got)
	}
}

func TestRoutePartialGatewayFailureStoresOffline(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t, nil)

	// Two devices online; one gateway rejects every push.
	if err := f.registry.Register(ctx, Binding{UserID: "b", DeviceID: "d1", GatewayID: "gw1"}); err != nil {
		t.Fatal(err.Error())
	}
	if err := f.registry.Register(ctx, Binding{UserID: "b", DeviceID: "d2", GatewayID: "gw2"}); err != nil {
		t.Fatal(err.Error())
	}
	f.gateway.failing["gw2"] = fmt.Errorf("connection reset")

	r, err := f.router.Route(ctx, privateMsg("m1", "a", "b", "hello"))
	if err != nil {
		t.Fatal(err.Error())
	}
	if r.Status != DeliveryDelivered {
		t.Fatalf("got status %v with one healthy device, want Delivered", r.Status)
	}
	if got := f.gateway.pushCount("gw1", "d1"); got != 1 {
		t.Fatalf("healthy device got %d pushes, want 1", got)
	}
	// The failed device's copy lands in the offline store.
	msgs := f.bus.published(shopmesh.TopicOfflineMsg)
	if len(msgs) != 1 {
		t.Fatalf("got %d offline bus messages for the failed device, want 1", len(msgs))
	}
	var event OfflineMessageEvent
	if err := shopmesh.DefaultMarshaler.Unmarshal(msgs[0].Value, &event); err != nil {
		t.Fatal(err.Error())
	}
	if event.Seq != r.Sequence || event.MsgID != "m1" {
		t.Fatalf("offline event %+v does not match the route result", event)
	}
}

func TestRouteBlocksSensitiveContent(t *testing.T) {
	ctx := context.Background()
	filter := NewContentFilter(map[string]FilterAction{"forbidden": ActionBlock}, nil)
	f := newRouterFixture(t, filter)

	_, err := f.router.Route(ctx, privateMsg("m1", "a", "b", "forbidden words"))
	if shopmesh.CodeOf(err) != shopmesh.Validation {
		t.Fatalf("got %v, want a Validation error", err)
	}
	// Nothing left the router.
	if got := len(f.bus.published(shopmesh.TopicOfflineMsg)); got != 0 {
		t.Fatalf("blocked message reached the bus, %d messages", got)
	}
}

func TestRouteGroupPublishes(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t, nil)

	r, err := f.router.Route(ctx, Message{
		MsgID: "m1", Sender: "a", GroupID: "g1", Scope: ScopeGroup,
		Content: "hello group", Ts: shopmesh.Now(),
	})
	if err != nil {
		t.Fatal(err.Error())
	}
	if r.Status != DeliveryPending {
		t.Fatalf("got status %v for a group message, want Pending", r.Status)
	}
	msgs := f.bus.published(shopmesh.TopicGroupMsg)
	if len(msgs) != 1 || msgs[0].Key != "g1" {
		t.Fatalf("got %d group bus messages with key %q, want 1 keyed by group", len(msgs), msgs[0].Key)
	}
}

func TestRouteValidation(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t, nil)

	tests := []struct {
		name string
		msg  Message
	}{
		{name: "empty msg id", msg: Message{Sender: "a", Recipient: "b", Scope: ScopePrivate}},
		{name: "empty sender", msg: Message{MsgID: "m", Recipient: "b", Scope: ScopePrivate}},
		{name: "private without recipient", msg: Message{MsgID: "m", Sender: "a", Scope: ScopePrivate}},
		{name: "group without group id", msg: Message{MsgID: "m", Sender: "a", Scope: ScopeGroup}},
		{name: "unknown scope", msg: Message{MsgID: "m", Sender: "a", Recipient: "b", Scope: "broadcast"}},
		{name: "oversized content", msg: Message{MsgID: "m", Sender: "a", Recipient: "b", Scope: ScopePrivate,
			Content: strings.Repeat("x", DefaultConfig().MaxContentLength+1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.router.Route(ctx, tt.msg)
			if shopmesh.CodeOf(err) != shopmesh.Validation {
				t.Fatalf("got %v, want a Validation error", err)
			}
		})
	}
}

func TestRouteOrderingAcrossPaths(t *testing.T) {
	ctx := context.Background()
	f := newRouterFixture(t, nil)

	// First message lands offline; then the recipient connects and the second goes
	// fast path. Sequences still order the two across paths.
	r1, err := f.router.Route(ctx, privateMsg("m1", "a", "b", "offline one"))
	if err != nil {
		t.Fatal(err.Error())
	}
	if err := f.registry.Register(ctx, Binding{UserID: "b", DeviceID: "d1", GatewayID: "gw1"}); err != nil {
		t.Fatal(err.Error())
	}
	r2, err := f.router.Route(ctx, privateMsg("m2", "a", "b", "online two"))
	if err != nil {
		t.Fatal(err.Error())
	}
	if r1.Status != DeliveryOffline || r2.Status != DeliveryDelivered {
		t.Fatalf("got statuses %v/%v, want Offline then Delivered", r1.Status, r2.Status)
	}
	if r2.Sequence <= r1.Sequence {
		t.Fatalf("sequences %d then %d are not increasing", r1.Sequence, r2.Sequence)
	}
}
