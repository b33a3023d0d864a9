package im

import (
	"context"
	"fmt"
	log "log/slog"
	"strings"

	gocache "github.com/patrickmn/go-cache"

	"github.com/shopmesh/shopmesh"
	"github.com/shopmesh/shopmesh/redis"
)

// registryChannel carries the watch stream. Every Put/Delete publishes here; watchers
// filter by key prefix client-side.
const registryChannel = "registry_events"

// renewScript extends a lease only while it still exists. Expired leases return 0 so
// the client knows to re-register instead of silently resurrecting a dead binding.
const renewScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  return 1
end
return 0`

// redisRegistry renders the TTL-leased registry on the fast store: SET with EX as
// put-with-lease, the renew script above, SCAN as range-get by prefix, and a pub/sub
// channel as the watch stream.
type redisRegistry struct {
	conn *redis.Connection
	cfg  Config
}

// NewRegistry returns the fast-store backed presence registry.
func NewRegistry(conn *redis.Connection, cfg Config) Registry {
	return &redisRegistry{conn: conn, cfg: cfg}
}

func (r *redisRegistry) publish(ctx context.Context, event RegistryEvent) {
	ba, err := shopmesh.DefaultMarshaler.Marshal(event)
	if err != nil {
		log.Error("registry event marshal failed", "key", event.Key, "error", err)
		return
	}
	// Watch delivery is best effort; the lookup cache TTL bounds staleness when an
	// event is lost.
	if err := r.conn.Client.Publish(ctx, registryChannel, string(ba)).Err(); err != nil {
		log.Warn("registry event publish failed", "key", event.Key, "error", err)
	}
}

func (r *redisRegistry) Register(ctx context.Context, b Binding) error {
	if b.UserID == "" || b.DeviceID == "" || b.GatewayID == "" {
		return shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}
	b.LeaseExpiresAt = shopmesh.Now().Add(r.cfg.PresenceTTL)
	ba, err := shopmesh.DefaultMarshaler.Marshal(b)
	if err != nil {
		return err
	}
	key := presenceKey(b.UserID, b.DeviceID)
	if err := r.conn.Client.Set(ctx, key, string(ba), r.cfg.PresenceTTL).Err(); err != nil {
		return shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	r.publish(ctx, RegistryEvent{Type: RegistryPut, Key: key, Binding: b})
	return nil
}

func (r *redisRegistry) Renew(ctx context.Context, userID, deviceID string) error {
	if userID == "" || deviceID == "" {
		return shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}
	key := presenceKey(userID, deviceID)
	res, err := r.conn.Client.Eval(ctx, renewScript, []string{key}, r.cfg.PresenceTTL.Milliseconds()).Result()
	if err != nil {
		return shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	if n, ok := res.(int64); !ok || n != 1 {
		return shopmesh.Error{Code: shopmesh.NotFound,
			Err: fmt.Errorf("lease of %s/%s already expired", userID, deviceID)}
	}
	return nil
}

func (r *redisRegistry) Deregister(ctx context.Context, userID, deviceID string) error {
	if userID == "" || deviceID == "" {
		return shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}
	key := presenceKey(userID, deviceID)
	if err := r.conn.Client.Del(ctx, key).Err(); err != nil {
		return shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	r.publish(ctx, RegistryEvent{Type: RegistryDelete, Key: key, Binding: Binding{UserID: userID, DeviceID: deviceID}})
	return nil
}

func (r *redisRegistry) Lookup(ctx context.Context, userID string) ([]Binding, error) {
	if userID == "" {
		return nil, shopmesh.Error{Code: shopmesh.Validation, Err: errEmptyID}
	}
	prefix := presenceUserPrefix(userID)
	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.conn.Client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, shopmesh.Error{Code: shopmesh.Transient, Err: err}
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := r.conn.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	bindings := make([]Binding, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Key expired between SCAN and MGET.
			continue
		}
		var b Binding
		if err := shopmesh.DefaultMarshaler.Unmarshal([]byte(s), &b); err != nil {
			log.Warn("dropping undecodable presence value", "key", keys[i], "error", err)
			continue
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

func (r *redisRegistry) Watch(ctx context.Context, prefix string) (<-chan RegistryEvent, error) {
	sub := r.conn.Client.Subscribe(ctx, registryChannel)
	// Force the subscription before returning so callers never miss events raced
	// against their own writes.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, shopmesh.Error{Code: shopmesh.Transient, Err: err}
	}
	out := make(chan RegistryEvent, 64)
	go func() {
		defer close(out)
		defer func() {
			if err := sub.Close(); err != nil {
				log.Warn("registry watch close failed", "error", err)
			}
		}()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event RegistryEvent
				if err := shopmesh.DefaultMarshaler.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Warn("dropping undecodable registry event", "error", err)
					continue
				}
				if !strings.HasPrefix(event.Key, prefix) {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// CachedRegistry wraps a Registry with a local TTL lookup cache, invalidated by the
// backend's watch stream so stale entries are corrected within one event round trip.
type CachedRegistry struct {
	Registry
	local *gocache.Cache
}

// NewCachedRegistry wraps inner with a lookup cache and starts the invalidation
// watcher; it stops when ctx is done.
func NewCachedRegistry(ctx context.Context, inner Registry, cfg Config) (*CachedRegistry, error) {
	c := &CachedRegistry{
		Registry: inner,
		local:    gocache.New(cfg.LookupCacheTTL, 2*cfg.LookupCacheTTL),
	}
	events, err := inner.Watch(ctx, "presence:")
	if err != nil {
		return nil, err
	}
	go func() {
		for event := range events {
			// Invalidate the whole user entry; the next lookup refreshes it.
			c.local.Delete(event.Binding.UserID)
		}
	}()
	return c, nil
}

func (c *CachedRegistry) Register(ctx context.Context, b Binding) error {
	if err := c.Registry.Register(ctx, b); err != nil {
		return err
	}
	c.local.Delete(b.UserID)
	return nil
}

func (c *CachedRegistry) Deregister(ctx context.Context, userID, deviceID string) error {
	if err := c.Registry.Deregister(ctx, userID, deviceID); err != nil {
		return err
	}
	c.local.Delete(userID)
	return nil
}

func (c *CachedRegistry) Lookup(ctx context.Context, userID string) ([]Binding, error) {
	if cached, found := c.local.Get(userID); found {
		return cached.([]Binding), nil
	}
	bindings, err := c.Registry.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	c.local.SetDefault(userID, bindings)
	return bindings, nil
}
