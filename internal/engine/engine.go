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

// Package engine implements the placement decision: given a job's
// current executor counts and target spot ratio, which capacity type the
// next executor should land on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/keys"
	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/store"
)

// Mode is the placement engine's operating mode.
type Mode int

const (
	// Strict enforces the target ratio and maintains the counter.
	Strict Mode = iota
	// BestEffort never labels capacity type and never mutates the counter.
	BestEffort
)

// CapacityType is the chosen placement for an executor.
type CapacityType string

const (
	Spot      CapacityType = "spot"
	OnDemand  CapacityType = "on_demand"
	Unlabeled CapacityType = "unlabeled"
)

// Decision is the engine's output for one admission.
type Decision struct {
	CapacityType CapacityType
	Counts       keys.ExecutorCount
}

// Decide picks the capacity type for the next executor given the
// current counts, the job's target ratio, and the operating mode. It is
// a pure function: no I/O, no locking, safe to call from any goroutine.
func Decide(counts keys.ExecutorCount, ratio float64, mode Mode) Decision {
	if mode == BestEffort {
		return Decision{CapacityType: Unlabeled, Counts: counts}
	}

	if ratio >= 1.0 {
		counts.Spot++
		return Decision{CapacityType: Spot, Counts: counts}
	}
	if ratio <= 0.0 {
		counts.OnDemand++
		return Decision{CapacityType: OnDemand, Counts: counts}
	}

	total := counts.OnDemand + counts.Spot
	if total == 0 {
		if ratio >= 0.5 {
			counts.Spot++
			return Decision{CapacityType: Spot, Counts: counts}
		}
		counts.OnDemand++
		return Decision{CapacityType: OnDemand, Counts: counts}
	}

	newTotal := float64(total + 1)
	spotRatio := (float64(counts.Spot) + 1) / newTotal
	onDemandRatio := float64(counts.Spot) / newTotal

	spotDelta := absFloat(spotRatio - ratio)
	onDemandDelta := absFloat(onDemandRatio - ratio)

	if spotDelta <= onDemandDelta {
		counts.Spot++
		return Decision{CapacityType: Spot, Counts: counts}
	}
	counts.OnDemand++
	return Decision{CapacityType: OnDemand, Counts: counts}
}

// Decrement removes one executor of capacityType from counts, clamping
// at zero. Unrecognized capacity types leave counts unchanged.
func Decrement(counts keys.ExecutorCount, capacityType CapacityType) keys.ExecutorCount {
	switch capacityType {
	case Spot:
		if counts.Spot > 0 {
			counts.Spot--
		}
	case OnDemand:
		if counts.OnDemand > 0 {
			counts.OnDemand--
		}
	}
	return counts
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// LockTimeoutObserver receives a notification each time lock acquisition
// times out, so the caller can maintain a metric without this package
// importing the metrics package back (it already depends on engine for
// Mode).
type LockTimeoutObserver interface {
	IncLockTimeout()
}

// CriticalSection brackets one read-decide-write cycle on a job's
// executor counter under the store's distributed per-key lock, per the
// state-machine in which "no record" and "record present" model the
// job's UNKNOWN/TRACKED states.
type CriticalSection struct {
	Store   store.Store
	LockTTL int64 // seconds
	Log     logr.Logger
	Metrics LockTimeoutObserver
}

// Admit runs the engine under lock for an admission (pod create). In
// BestEffort the record is never read or written. In Strict the record
// is read, decided, and the incremented counts written back.
func (c *CriticalSection) Admit(ctx context.Context, namespace, jobID string, ratio float64, mode Mode) (Decision, error) {
	if mode == BestEffort {
		return Decide(keys.ExecutorCount{}, ratio, mode), nil
	}

	key := keys.ExecCountKey(namespace, jobID)
	var decision Decision

	err := c.Store.WithLock(ctx, key, secondsToDuration(c.LockTTL), func(ctx context.Context) error {
		current, err := c.readCounts(ctx, key)
		if err != nil {
			return err
		}

		decision = Decide(current, ratio, mode)

		if err := c.Store.Set(ctx, key, decision.Counts.Encode(), 0); err != nil {
			return fmt.Errorf("engine: writing counts: %w", err)
		}
		return nil
	})
	if err != nil {
		c.observeLockTimeout(err)
		return Decision{}, err
	}

	return decision, nil
}

// Release runs the decrement for a pod delete under the same lock
// discipline as Admit. capacityType absent or not spot/on_demand is a
// no-op handled by the caller before invoking Release.
func (c *CriticalSection) Release(ctx context.Context, namespace, jobID string, capacityType CapacityType) error {
	key := keys.ExecCountKey(namespace, jobID)

	err := c.Store.WithLock(ctx, key, secondsToDuration(c.LockTTL), func(ctx context.Context) error {
		current, err := c.readCounts(ctx, key)
		if err != nil {
			return err
		}

		updated := Decrement(current, capacityType)

		if err := c.Store.Set(ctx, key, updated.Encode(), 0); err != nil {
			return fmt.Errorf("engine: writing counts: %w", err)
		}
		return nil
	})
	if err != nil {
		c.observeLockTimeout(err)
	}
	return err
}

func (c *CriticalSection) readCounts(ctx context.Context, key string) (keys.ExecutorCount, error) {
	raw, err := c.Store.Get(ctx, key)
	if err != nil {
		if err == store.ErrNotFound {
			return keys.ExecutorCount{}, nil
		}
		return keys.ExecutorCount{}, fmt.Errorf("engine: reading counts: %w", err)
	}

	counts, decodeErr := keys.DecodeExecutorCount(raw)
	if decodeErr != nil {
		c.Log.Info("malformed stored record, resetting to zero", "key", key)
		return keys.ExecutorCount{}, nil
	}
	return counts, nil
}

func (c *CriticalSection) observeLockTimeout(err error) {
	if c.Metrics != nil && errors.Is(err, store.ErrLockTimeout) {
		c.Metrics.IncLockTimeout()
	}
}

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
