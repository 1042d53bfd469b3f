/*
Copyright 2024 The Spotalis Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-redis/redis"
	"github.com/google/uuid"
)

// unlockScript releases the lock only if the caller still holds it,
// identified by the random token it set on acquire. This is the
// standard single-instance Redis lock release recipe: a blind DEL would
// release a lock a different holder acquired after ours expired.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

// RedisStore implements Store over a single Redis instance using the
// v6 go-redis client, the driver this corpus already depends on.
type RedisStore struct {
	client     redis.UniversalClient
	defaultTTL time.Duration
	retries    uint
	retryDelay time.Duration
}

// NewRedisStore constructs a RedisStore from a redis:// URL. defaultTTL
// is applied to Set calls that pass a zero TTL.
func NewRedisStore(url string, defaultTTL time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: parsing redis url: %w", err)
	}

	return &RedisStore{
		client:     redis.NewClient(opts),
		defaultTTL: defaultTTL,
		retries:    3,
		retryDelay: 50 * time.Millisecond,
	}, nil
}

// NewRedisStoreFromClient wraps an existing client, used by tests running
// against miniredis.
func NewRedisStoreFromClient(client redis.UniversalClient, defaultTTL time.Duration) *RedisStore {
	return &RedisStore{
		client:     client,
		defaultTTL: defaultTTL,
		retries:    3,
		retryDelay: 50 * time.Millisecond,
	}
}

func (s *RedisStore) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Attempts(s.retries),
		retry.Delay(s.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

// Get returns the value for key, or ErrNotFound if absent.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.withRetry(ctx, func() error {
		val, err := s.client.Get(key).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("store: get %s: %w", key, err)
		}
		out = val
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

// Set stores value under key with the given TTL, falling back to the
// store's default TTL when ttl is zero.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	return s.withRetry(ctx, func() error {
		if err := s.client.Set(key, value, ttl).Err(); err != nil {
			return fmt.Errorf("store: set %s: %w", key, err)
		}
		return nil
	})
}

// Delete removes key. Deleting an absent key is not an error.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.withRetry(ctx, func() error {
		if err := s.client.Del(key).Err(); err != nil {
			return fmt.Errorf("store: delete %s: %w", key, err)
		}
		return nil
	})
}

// Ping round-trips a lightweight request to confirm Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.withRetry(ctx, func() error {
		if err := s.client.Ping().Err(); err != nil {
			return fmt.Errorf("store: ping: %w", err)
		}
		return nil
	})
}

// Keys returns every key currently stored matching "<prefix>*".
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := s.withRetry(ctx, func() error {
		val, err := s.client.Keys(prefix + "*").Result()
		if err != nil {
			return fmt.Errorf("store: keys %s*: %w", prefix, err)
		}
		out = val
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// WithLock acquires a bounded-TTL lock on key, runs fn, and releases the
// lock. Acquisition polls with a short backoff until ctx's deadline
// (recommended <= 2s at the call site, per the admission-handler
// fail-open budget); on timeout it returns ErrLockTimeout without
// running fn.
func (s *RedisStore) WithLock(ctx context.Context, key string, lockTTL time.Duration, fn func(ctx context.Context) error) error {
	lockKey := "lock:" + key
	token := uuid.NewString()

	acquired, err := s.acquireLock(ctx, lockKey, token, lockTTL)
	if err != nil {
		return err
	}
	if !acquired {
		return ErrLockTimeout
	}
	defer s.releaseLock(context.Background(), lockKey, token)

	return fn(ctx)
}

func (s *RedisStore) acquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error) {
	const pollInterval = 20 * time.Millisecond

	for {
		var ok bool
		err := s.withRetry(ctx, func() error {
			res, err := s.client.SetNX(lockKey, token, ttl).Result()
			if err != nil {
				return fmt.Errorf("store: acquire lock %s: %w", lockKey, err)
			}
			ok = res
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, err
		}
		if ok {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(pollInterval):
		}
	}
}

func (s *RedisStore) releaseLock(ctx context.Context, lockKey, token string) {
	// Best-effort: if this fails the lock TTL still bounds the wedge.
	_ = s.client.Eval(unlockScript, []string{lockKey}, token).Err()
}
