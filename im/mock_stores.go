package im

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopmesh/shopmesh"
)

// In-memory stand-ins for the registry, the durable repositories, the gateways and the
// bus. The registry mock honors lease TTLs through the shopmesh.Now lambda so presence
// expiry is testable with injected time.

type mockRegistry struct {
	mu       sync.Mutex
	bindings map[string]Binding
	watchers []chan RegistryEvent
	// failLookup, when set, fails the next Lookup and clears itself.
	failLookup error
}

func newMockRegistry() *mockRegistry {
	return &mockRegistry{bindings: make(map[string]Binding)}
}

func (r *mockRegistry) notify(event RegistryEvent) {
	for _, w := range r.watchers {
		select {
		case w <- event:
		default:
		}
	}
}

func (r *mockRegistry) Register(ctx context.Context, b Binding) error {
	if b.UserID == "" || b.DeviceID == "" || b.GatewayID == "" {
		return shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	b.LeaseExpiresAt = shopmesh.Now().Add(90 * time.Second)
	key := presenceKey(b.UserID, b.DeviceID)
	r.bindings[key] = b
	r.notify(RegistryEvent{Type: RegistryPut, Key: key, Binding: b})
	return nil
}

func (r *mockRegistry) registerWithTTL(b Binding, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b.LeaseExpiresAt = shopmesh.Now().Add(ttl)
	key := presenceKey(b.UserID, b.DeviceID)
	r.bindings[key] = b
	r.notify(RegistryEvent{Type: RegistryPut, Key: key, Binding: b})
}

func (r *mockRegistry) Renew(ctx context.Context, userID, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := presenceKey(userID, deviceID)
	b, ok := r.bindings[key]
	if !ok || !b.LeaseExpiresAt.After(shopmesh.Now()) {
		delete(r.bindings, key)
		return shopmesh.Error{Code: shopmesh.NotFound,
			Err: fmt.Errorf("lease of %s/%s already expired", userID, deviceID)}
	}
	b.LeaseExpiresAt = shopmesh.Now().Add(90 * time.Second)
	r.bindings[key] = b
	return nil
}

func (r *mockRegistry) Deregister(ctx context.Context, userID, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := presenceKey(userID, deviceID)
	delete(r.bindings, key)
	r.notify(RegistryEvent{Type: RegistryDelete, Key: key, Binding: Binding{UserID: userID, DeviceID: deviceID}})
	return nil
}

func (r *mockRegistry) Lookup(ctx context.Context, userID string) ([]Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failLookup != nil {
		err := r.failLookup
		r.failLookup = nil
		return nil, err
	}
	now := shopmesh.Now()
	var out []Binding
	for key, b := range r.bindings {
		if !strings.HasPrefix(key, presenceUserPrefix(userID)) {
			continue
		}
		if !b.LeaseExpiresAt.After(now) {
			delete(r.bindings, key)
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

func (r *mockRegistry) Watch(ctx context.Context, prefix string) (<-chan RegistryEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan RegistryEvent, 64)
	r.watchers = append(r.watchers, ch)
	return ch, nil
}

type mockSnapshotRepo struct {
	mu    sync.Mutex
	rows  map[string]CounterSnapshot
	saves int
}

func newMockSnapshotRepo() *mockSnapshotRepo {
	return &mockSnapshotRepo{rows: make(map[string]CounterSnapshot)}
}

func (r *mockSnapshotRepo) Save(ctx context.Context, s CounterSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(s.Scope) + ":" + s.ConvID
	if cur, ok := r.rows[key]; !ok || s.Seq > cur.Seq {
		r.rows[key] = s
	}
	r.saves++
	return nil
}

func (r *mockSnapshotRepo) Latest(ctx context.Context, scope Scope, convID string) (CounterSnapshot, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.rows[string(scope)+":"+convID]
	return s, ok, nil
}

func (r *mockSnapshotRepo) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

type mockOfflineRepo struct {
	mu   sync.Mutex
	rows map[string][]OfflineMessage
	// failNext, when set, fails the next AddBatch and clears itself.
	failNext error
}

func newMockOfflineRepo() *mockOfflineRepo {
	return &mockOfflineRepo{rows: make(map[string][]OfflineMessage)}
}

func (r *mockOfflineRepo) AddBatch(ctx context.Context, msgs []OfflineMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return err
	}
	for _, m := range msgs {
		r.rows[m.UserID] = append(r.rows[m.UserID], m)
		sort.Slice(r.rows[m.UserID], func(i, j int) bool {
			return r.rows[m.UserID][i].Seq < r.rows[m.UserID][j].Seq
		})
	}
	return nil
}

func (r *mockOfflineRepo) GetUnread(ctx context.Context, userID string, afterSeq int64, limit int) ([]OfflineMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []OfflineMessage
	for _, m := range r.rows[userID] {
		if m.Seq > afterSeq {
			out = append(out, m)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (r *mockOfflineRepo) AckDelivered(ctx context.Context, userID string, upToSeq int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kept []OfflineMessage
	for _, m := range r.rows[userID] {
		if m.Seq > upToSeq {
			kept = append(kept, m)
		}
	}
	r.rows[userID] = kept
	return nil
}

func (r *mockOfflineRepo) DeleteExpired(ctx context.Context, hour time.Time, now time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int
	for user, msgs := range r.rows {
		var kept []OfflineMessage
		for _, m := range msgs {
			bucket := m.ExpiresAt.UTC().Truncate(time.Hour)
			if bucket.Equal(hour) && m.ExpiresAt.Before(now) && deleted < limit {
				deleted++
				continue
			}
			kept = append(kept, m)
		}
		r.rows[user] = kept
	}
	return deleted, nil
}

func (r *mockOfflineRepo) count(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows[userID])
}

type mockReceiptRepo struct {
	mu   sync.Mutex
	rows map[string]ReadReceipt
}

func newMockReceiptRepo() *mockReceiptRepo {
	return &mockReceiptRepo{rows: make(map[string]ReadReceipt)}
}

func receiptKey(msgID, readerID, deviceID string) string {
	return msgID + "|" + readerID + "|" + deviceID
}

func (r *mockReceiptRepo) Add(ctx context.Context, rr ReadReceipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[receiptKey(rr.MsgID, rr.ReaderID, rr.DeviceID)] = rr
	return nil
}

func (r *mockReceiptRepo) Get(ctx context.Context, msgID, readerID, deviceID string) (ReadReceipt, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rr, ok := r.rows[receiptKey(msgID, readerID, deviceID)]
	return rr, ok, nil
}

func (r *mockReceiptRepo) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type mockGateway struct {
	mu     sync.Mutex
	pushes map[string][][]byte
	// failing gateways error on every push.
	failing map[string]error
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		pushes:  make(map[string][][]byte),
		failing: make(map[string]error),
	}
}

func (g *mockGateway) Push(ctx context.Context, gatewayID string, b Binding, payload []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failing[gatewayID]; err != nil {
		return err
	}
	key := gatewayID + "/" + b.DeviceID
	g.pushes[key] = append(g.pushes[key], payload)
	return nil
}

func (g *mockGateway) pushCount(gatewayID, deviceID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pushes[gatewayID+"/"+deviceID])
}

type mockBus struct {
	mu       sync.Mutex
	messages []shopmesh.BusMessage
	// failNext, when set, fails the next Publish and clears itself.
	failNext error
}

func newMockBus() *mockBus {
	return &mockBus{}
}

func (b *mockBus) Publish(ctx context.Context, topic, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		return err
	}
	b.messages = append(b.messages, shopmesh.BusMessage{Topic: topic, Key: key, Value: value})
	return nil
}

func (b *mockBus) published(topic string) []shopmesh.BusMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []shopmesh.BusMessage
	for _, m := range b.messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
