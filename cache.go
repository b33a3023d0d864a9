package shopmesh

import (
	"context"
	"time"
)

// Cache abstracts the fast store (key/value with server-side scripting). The redis
// subpackage provides the real client; an in-memory mock lives next to it for tests.
//
// Hot paths never issue ad-hoc commands: inventory deduct/rollback, token refill and
// sequencing go through Eval/IncrBy so each mutation stays atomic server-side.
type Cache interface {
	// Set executes the cache Set command with expiration.
	Set(ctx context.Context, key string, value string, expiration time.Duration) error
	// Get returns (found, value, error) for key.
	Get(ctx context.Context, key string) (bool, string, error)
	// GetEx is Get that also (re)sets the key's expiration.
	GetEx(ctx context.Context, key string, expiration time.Duration) (bool, string, error)
	// SetNX sets the key only when absent, returning whether it was set.
	SetNX(ctx context.Context, key string, value string, expiration time.Duration) (bool, error)
	// SetStruct marshals value and stores it under key.
	SetStruct(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	// GetStruct fetches key and unmarshals into target, returning found.
	GetStruct(ctx context.Context, key string, target interface{}) (bool, error)
	// GetStructEx is GetStruct that also (re)sets the key's expiration.
	GetStructEx(ctx context.Context, key string, target interface{}, expiration time.Duration) (bool, error)
	// Delete removes the given keys, returning false when none existed.
	Delete(ctx context.Context, keys []string) (bool, error)
	// IncrBy atomically increments key by delta and returns the new value.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	// Expire (re)sets the TTL on key.
	Expire(ctx context.Context, key string, expiration time.Duration) error
	// Eval runs a server-side script over keys/args and returns its raw result.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	// Keys returns the keys matching the given prefix. Not for hot paths.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Ping tests connectivity.
	Ping(ctx context.Context) error

	// Distributed lock support, used for advisory locks such as the reconciler's
	// per-SKU repair window.
	CreateLockKeys(keys []string) []*LockKey
	Lock(ctx context.Context, duration time.Duration, lockKeys []*LockKey) (bool, UUID, error)
	IsLocked(ctx context.Context, lockKeys []*LockKey) (bool, error)
	Unlock(ctx context.Context, lockKeys []*LockKey) error
	FormatLockKey(k string) string
}

// CloseableCache is a Cache owning its own connection.
type CloseableCache interface {
	Cache
	Close() error
}

// LockKey is a lock name paired with this process' lock ID; IsLockOwner tracks whether
// the lock attempt won.
type LockKey struct {
	Key         string
	LockID      UUID
	IsLockOwner bool
}
