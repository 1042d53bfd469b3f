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

// Package reconciler periodically recomputes each job's executor
// counts from the live pod list, overwriting the stored record so
// drift from missed admission or delete events self-heals.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/engine"
	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/keys"
	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/metrics"
	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/store"
)

// Labels names the pod labels and node-selector key the reconciler
// reads to identify executors, drivers, and their job.
type Labels struct {
	WorkloadRoleLabel string
	CapacityTypeLabel string
	JobIDLabel        string
	DriverRoleValue   string
	ExecutorRoleValue string
}

// jobKey identifies one (namespace, job_id) group.
type jobKey struct {
	namespace string
	jobID     string
}

// Reconciler periodically lists executor pods cluster-wide and
// overwrites each job's stored counter with the observed truth.
type Reconciler struct {
	Pods     kubernetes.Interface
	Store    store.Store
	Metrics  *metrics.Collector
	Labels   Labels
	Interval time.Duration
	LockTTL  int64
	ReapJobs bool
	Log      logr.Logger
}

// Run blocks, reconciling on every tick, until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.runOnce(ctx); err != nil {
				r.Log.Error(err, "reconcile pass failed")
				if r.Metrics != nil {
					r.Metrics.IncReconcileError("pass_failed")
				}
			}
		}
	}
}

// runOnce performs a single list/group/count/overwrite pass.
func (r *Reconciler) runOnce(ctx context.Context) error {
	pods, err := r.Pods.CoreV1().Pods("").List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", r.Labels.WorkloadRoleLabel, r.Labels.ExecutorRoleValue),
	})
	if err != nil {
		return fmt.Errorf("reconciler: list executor pods: %w", err)
	}

	counts := make(map[jobKey]keys.ExecutorCount)
	for _, pod := range pods.Items {
		jobID, ok := pod.Labels[r.Labels.JobIDLabel]
		if !ok || jobID == "" {
			continue
		}
		k := jobKey{namespace: pod.Namespace, jobID: jobID}
		c := counts[k]
		switch pod.Spec.NodeSelector[r.Labels.CapacityTypeLabel] {
		case string(engine.Spot):
			c.Spot++
		case string(engine.OnDemand):
			c.OnDemand++
		}
		counts[k] = c
	}

	for k, c := range counts {
		k, c := k, c
		err := retry.Do(
			func() error { return r.overwrite(ctx, k, c) },
			retry.Attempts(3),
			retry.Delay(100*time.Millisecond),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
			retry.Context(ctx),
		)
		if err != nil {
			r.Log.Error(err, "reconcile job failed", "namespace", k.namespace, "job_id", k.jobID)
			if r.Metrics != nil {
				r.Metrics.IncReconcileError("write_failed")
			}
			continue
		}
	}

	if r.ReapJobs {
		r.reapEmptyJobs(ctx, counts)
	}

	if r.Metrics != nil {
		r.Metrics.ObserveReconcilePass(len(counts))
	}
	return nil
}

// reapCandidates returns every job with zero observed executors this
// pass, whether because its pods disappeared entirely (and so has no
// entry in counts) or because it was observed with a zero count.
func (r *Reconciler) reapCandidates(ctx context.Context, counts map[jobKey]keys.ExecutorCount) []jobKey {
	candidates := make(map[jobKey]struct{})
	for k, c := range counts {
		if c.OnDemand == 0 && c.Spot == 0 {
			candidates[k] = struct{}{}
		}
	}

	trackedKeys, err := r.Store.Keys(ctx, keys.ExecCountPrefix())
	if err != nil {
		r.Log.Error(err, "failed to list tracked job keys, skipping reap for vanished jobs this pass")
	} else {
		for _, rawKey := range trackedKeys {
			namespace, jobID, ok := keys.ParseExecCountKey(rawKey)
			if !ok {
				continue
			}
			k := jobKey{namespace: namespace, jobID: jobID}
			if _, stillPresent := counts[k]; !stillPresent {
				candidates[k] = struct{}{}
			}
		}
	}

	out := make([]jobKey, 0, len(candidates))
	for k := range candidates {
		out = append(out, k)
	}
	return out
}

func (r *Reconciler) overwrite(ctx context.Context, k jobKey, counts keys.ExecutorCount) error {
	key := keys.ExecCountKey(k.namespace, k.jobID)
	lockTTL := secondsToDuration(r.LockTTL)
	return r.Store.WithLock(ctx, key, lockTTL, func(ctx context.Context) error {
		return r.Store.Set(ctx, key, counts.Encode(), 0)
	})
}

// reapEmptyJobs deletes the stored record for any job whose executor
// population is zero this pass — whether observed with zero executors
// or no longer observed at all, per reapCandidates — and whose driver
// pod no longer exists.
func (r *Reconciler) reapEmptyJobs(ctx context.Context, counts map[jobKey]keys.ExecutorCount) {
	for _, k := range r.reapCandidates(ctx, counts) {
		gone, err := r.driverGone(ctx, k.namespace, k.jobID)
		if err != nil || !gone {
			continue
		}
		key := keys.ExecCountKey(k.namespace, k.jobID)
		lockTTL := secondsToDuration(r.LockTTL)
		_ = r.Store.WithLock(ctx, key, lockTTL, func(ctx context.Context) error {
			return r.Store.Delete(ctx, key)
		})
	}
}

func (r *Reconciler) driverGone(ctx context.Context, namespace, jobID string) (bool, error) {
	pods, err := r.Pods.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s,%s=%s", r.Labels.JobIDLabel, jobID, r.Labels.WorkloadRoleLabel, r.Labels.DriverRoleValue),
	})
	if err != nil {
		return false, fmt.Errorf("reconciler: list driver pod: %w", err)
	}
	return len(pods.Items) == 0, nil
}

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
