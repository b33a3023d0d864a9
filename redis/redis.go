package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shopmesh/shopmesh"
)

type client struct {
	conn    *Connection
	isOwner bool
}

// NewClient returns the cache client over the singleton connection.
func NewClient() shopmesh.Cache {
	return &client{
		conn: connection,
	}
}

// NewConnectionClient opens a new Redis connection then returns a client wrapper for it.
// The returned wrapper has a "Close" method you can call when you don't need it anymore.
//
// This ctor was provided for the case of wanting to use another separate Redis cluster,
// e.g. one dedicated to the IM presence registry, apart from the flash-sale stock cells.
func NewConnectionClient(options Options) shopmesh.CloseableCache {
	c := openConnection(options)
	return &client{
		conn:    c,
		isOwner: true,
	}
}

// Close this client's connection.
func (c *client) Close() error {
	if !c.isOwner || c.conn == nil {
		return nil
	}
	err := closeConnection(c.conn)
	c.conn = nil
	return err
}

// keyNotFound will detect whether error signifies key not found by Redis.
func (c client) keyNotFound(err error) bool {
	return err == redis.Nil
}

// Ping tests connectivity for redis (PONG should be returned).
func (c client) Ping(ctx context.Context) error {
	if c.conn == nil {
		return fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	if _, err := c.conn.Client.Ping(ctx).Result(); err != nil {
		return err
	}
	return nil
}

// Set executes the redis Set command.
func (c client) Set(ctx context.Context, key string, value string, expiration time.Duration) error {
	if c.conn == nil {
		return fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	// No caching if expiration < 0.
	if expiration < 0 {
		return nil
	}
	return c.conn.Client.Set(ctx, key, value, expiration).Err()
}

// Get executes the redis Get command.
func (c client) Get(ctx context.Context, key string) (bool, string, error) {
	if c.conn == nil {
		return false, "", fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	s, err := c.conn.Client.Get(ctx, key).Result()
	// Convert key not found into returning false and nil err.
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, s, err
}

// GetEx executes the redis GetEx command.
func (c client) GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error) {
	if c.conn == nil {
		return false, "", fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	s, err := c.conn.Client.GetEx(ctx, key, expiration).Result()
	// Convert key not found into returning false and nil err.
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, s, err
}

// SetNX executes the redis SetNX command.
func (c client) SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error) {
	if c.conn == nil {
		return false, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	return c.conn.Client.SetNX(ctx, key, value, expiration).Result()
}

// SetStruct executes the redis Set command on the marshaled value.
func (c client) SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if c.conn == nil {
		return fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	// No caching if expiration < 0.
	if expiration < 0 {
		return nil
	}
	ba, err := shopmesh.DefaultMarshaler.Marshal(value)
	if err != nil {
		return err
	}
	return c.conn.Client.Set(ctx, key, ba, expiration).Err()
}

// GetStruct executes the redis Get command and unmarshals into target.
func (c client) GetStruct(ctx context.Context, key string, target interface{}) (bool, error) {
	if c.conn == nil {
		return false, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	if target == nil {
		return false, fmt.Errorf("target can't be nil")
	}
	ba, err := c.conn.Client.Get(ctx, key).Bytes()
	if err == nil {
		err = shopmesh.DefaultMarshaler.Unmarshal(ba, target)
	}
	// Convert key not found into returning false and nil err.
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, err
}

// GetStructEx executes the redis GetEx command and unmarshals into target.
func (c client) GetStructEx(ctx context.Context, key string, target interface{}, expiration time.Duration) (bool, error) {
	if c.conn == nil {
		return false, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	if target == nil {
		return false, fmt.Errorf("target can't be nil")
	}
	ba, err := c.conn.Client.GetEx(ctx, key, expiration).Bytes()
	if err == nil {
		err = shopmesh.DefaultMarshaler.Unmarshal(ba, target)
	}
	// Convert key not found into returning false and nil err.
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, err
}

// Delete executes the redis Del command.
func (c client) Delete(ctx context.Context, keys []string) (bool, error) {
	if c.conn == nil {
		return false, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	var rs = c.conn.Client.Del(ctx, keys...)

	err := rs.Err()
	// Convert key not found into returning false and nil err.
	r := err == nil
	if c.keyNotFound(err) {
		err = nil
	}
	return r, err
}

// IncrBy executes the redis IncrBy command.
func (c client) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	if c.conn == nil {
		return 0, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	return c.conn.Client.IncrBy(ctx, key, delta).Result()
}

// Expire executes the redis Expire command.
func (c client) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if c.conn == nil {
		return fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	return c.conn.Client.Expire(ctx, key, expiration).Err()
}

// Eval runs a Lua script server-side. Scripts are the only writers of the stock,
// token-bucket and sequence keys outside the reconciler's repair window.
func (c client) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	return c.conn.Client.Eval(ctx, script, keys, args...).Result()
}

// Keys scans for keys matching prefix. SCAN-based, so safe on live servers, but
// intended for periodic jobs only.
func (c client) Keys(ctx context.Context, prefix string) ([]string, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("Redis connection is not open, 'can't create new client")
	}
	var out []string
	var cursor uint64
	for {
		keys, next, err := c.conn.Client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}
