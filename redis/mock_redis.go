package redis

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopmesh/shopmesh"
)

// mockRedis is a TTL-aware in-memory stand-in for the Redis client, for unit tests.
// Atomic script (Eval) semantics are not emulated here; components owning Lua scripts
// expose semantic cache interfaces with their own mocks instead.
type mockRedis struct {
	mu     sync.Mutex
	lookup map[string]mockEntry
}

type mockEntry struct {
	value     string
	expiresAt time.Time
}

// NewMockClient returns a new in-memory mock cache client.
func NewMockClient() shopmesh.Cache {
	return &mockRedis{
		lookup: make(map[string]mockEntry),
	}
}

func (m *mockRedis) get(key string) (string, bool) {
	e, ok := m.lookup[key]
	if !ok {
		return "", false
	}
	if !e.expiresAt.IsZero() && shopmesh.Now().After(e.expiresAt) {
		delete(m.lookup, key)
		return "", false
	}
	return e.value, true
}

func (m *mockRedis) set(key, value string, expiration time.Duration) {
	var exp time.Time
	if expiration > 0 {
		exp = shopmesh.Now().Add(expiration)
	}
	m.lookup[key] = mockEntry{value: value, expiresAt: exp}
}

func (m *mockRedis) Ping(ctx context.Context) error { return nil }

func (m *mockRedis) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if expiration < 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.set(key, value, expiration)
	return nil
}

func (m *mockRedis) Get(ctx context.Context, key string) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.get(key)
	return ok, v, nil
}

func (m *mockRedis) GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.get(key)
	if ok {
		m.set(key, v, expiration)
	}
	return ok, v, nil
}

func (m *mockRedis) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.get(key); ok {
		return false, nil
	}
	m.set(key, value, expiration)
	return true, nil
}

func (m *mockRedis) SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	ba, err := shopmesh.DefaultMarshaler.Marshal(value)
	if err != nil {
		return err
	}
	return m.Set(ctx, key, string(ba), expiration)
}

func (m *mockRedis) GetStruct(ctx context.Context, key string, target interface{}) (bool, error) {
	found, v, _ := m.Get(ctx, key)
	if !found {
		return false, nil
	}
	return true, shopmesh.DefaultMarshaler.Unmarshal([]byte(v), target)
}

func (m *mockRedis) GetStructEx(ctx context.Context, key string, target interface{}, expiration time.Duration) (bool, error) {
	found, v, _ := m.GetEx(ctx, key, expiration)
	if !found {
		return false, nil
	}
	return true, shopmesh.DefaultMarshaler.Unmarshal([]byte(v), target)
}

func (m *mockRedis) Delete(ctx context.Context, keys []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := true
	for _, k := range keys {
		if _, ok := m.get(k); !ok {
			r = false
			continue
		}
		delete(m.lookup, k)
	}
	return r, nil
}

func (m *mockRedis) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur int64
	if v, ok := m.get(key); ok {
		cur, _ = strconv.ParseInt(v, 10, 64)
	}
	cur += delta
	m.set(key, strconv.FormatInt(cur, 10), 0)
	return cur, nil
}

func (m *mockRedis) Expire(ctx context.Context, key string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.get(key); ok {
		m.set(key, v, expiration)
	}
	return nil
}

func (m *mockRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return nil, fmt.Errorf("mock cache does not emulate scripts; use the component's semantic mock")
}

func (m *mockRedis) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.lookup {
		if _, ok := m.get(k); !ok {
			continue
		}
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (m *mockRedis) Lock(ctx context.Context, duration time.Duration, lockKeys []*shopmesh.LockKey) (bool, shopmesh.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lk := range lockKeys {
		if v, ok := m.get(lk.Key); ok {
			if v != lk.LockID.String() {
				id, _ := shopmesh.ParseUUID(v)
				return false, id, nil
			}
			continue
		}
		m.set(lk.Key, lk.LockID.String(), duration)
		lk.IsLockOwner = true
	}
	return true, shopmesh.NilUUID, nil
}

func (m *mockRedis) IsLocked(ctx context.Context, lockKeys []*shopmesh.LockKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := true
	for _, lk := range lockKeys {
		v, ok := m.get(lk.Key)
		if !ok || v != lk.LockID.String() {
			lk.IsLockOwner = false
			r = false
			continue
		}
		lk.IsLockOwner = true
	}
	return r, nil
}

func (m *mockRedis) Unlock(ctx context.Context, lockKeys []*shopmesh.LockKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, lk := range lockKeys {
		if !lk.IsLockOwner {
			continue
		}
		delete(m.lookup, lk.Key)
	}
	return nil
}

func (m *mockRedis) CreateLockKeys(keys []string) []*shopmesh.LockKey {
	lockKeys := make([]*shopmesh.LockKey, len(keys))
	for i := range keys {
		lockKeys[i] = &shopmesh.LockKey{
			Key:    m.FormatLockKey(keys[i]),
			LockID: shopmesh.NewUUID(),
		}
	}
	return lockKeys
}

func (m *mockRedis) FormatLockKey(k string) string {
	return fmt.Sprintf("L%s", k)
}
