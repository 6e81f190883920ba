// Package throttle provides short-lived distributed locks that keep the same work from
// running twice at once across service instances.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"

	"github.com/dreammarket/go-dreammarket/service/redis"
)

// ErrThrottleLocked is returned when the key is already locked
type ErrThrottleLocked struct {
	Key string
	TTL time.Duration
}

func (e ErrThrottleLocked) Error() string {
	return fmt.Sprintf("throttle lock %s is held (ttl %s)", e.Key, e.TTL)
}

// Locker hands out expiring locks keyed by string
type Locker struct {
	cache  *redis.Cache
	client *redislock.Client
	ttl    time.Duration
	held   sync.Map
}

// NewThrottleLocker returns a locker whose locks expire after ttl
func NewThrottleLocker(cache *redis.Cache, ttl time.Duration) *Locker {
	return &Locker{cache: cache, client: redis.NewLockClient(cache), ttl: ttl}
}

// Lock acquires the lock for key without waiting
func (l *Locker) Lock(ctx context.Context, key string) error {
	lock, err := l.client.Obtain(ctx, l.cache.PrefixedKey(key), l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrThrottleLocked{Key: key, TTL: l.ttl}
	}
	if err != nil {
		return err
	}
	l.held.Store(key, lock)
	return nil
}

// Unlock releases a lock taken by this locker. Releasing an expired lock is not an error.
func (l *Locker) Unlock(ctx context.Context, key string) error {
	v, ok := l.held.LoadAndDelete(key)
	if !ok {
		return nil
	}
	err := v.(*redislock.Lock).Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}
