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

// Package store provides a thin capability over a remote key-value store
// with atomic read-modify-write on small records and a per-key
// distributed lock, abstracting away the transport.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("store: key not found")

// ErrLockTimeout is returned by WithLock when the lock cannot be acquired
// before the caller's context is done.
var ErrLockTimeout = errors.New("store: lock acquisition timed out")

// Store is the contract every state-store adapter implements. All
// operations may fail with a transport error; a single call is
// idempotent-safe to retry only when wrapped in WithLock.
type Store interface {
	// Get returns the value for key, or ErrNotFound if absent.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with the given TTL. A zero TTL means
	// "use the store's configured default".
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// WithLock executes fn while holding a mutual-exclusion lock keyed
	// by key. The lock has a bounded TTL so a crashed holder cannot
	// wedge the key forever, and acquisition itself respects ctx's
	// deadline, returning ErrLockTimeout if it cannot be acquired in
	// time.
	WithLock(ctx context.Context, key string, lockTTL time.Duration, fn func(ctx context.Context) error) error

	// Ping round-trips a lightweight request to confirm the store is
	// reachable, used by the /healthz endpoint.
	Ping(ctx context.Context) error

	// Keys returns every key currently stored with the given prefix,
	// used by the reconciler to find jobs no longer present in the live
	// pod list so it can consider them for reaping.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
