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

// Package ratio resolves the target spot ratio for a job: the store's
// cached value, then the driver pod's annotation, then the configured
// default.
package ratio

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/keys"
	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/store"
)

// Resolver resolves and caches the target spot ratio for a job.
type Resolver struct {
	store           store.Store
	pods            kubernetes.Interface
	limiter         *rate.Limiter
	jobIDLabel      string
	roleLabel       string
	driverRoleValue string
	ratioAnnotation string
	defaultRatio    float64
	cacheTTLSeconds int64
	Log             logr.Logger
}

// Config carries the label/annotation names and defaults the resolver
// needs, sourced from internal/config.
type Config struct {
	JobIDLabel      string
	RoleLabel       string
	DriverRoleValue string
	RatioAnnotation string
	DefaultRatio    float64
	CacheTTLSeconds int64
	QPS             float64
	Burst           int
}

// NewResolver builds a Resolver. pods may be nil only in tests that never
// exercise the driver-pod-lookup path.
func NewResolver(s store.Store, pods kubernetes.Interface, cfg Config) *Resolver {
	return &Resolver{
		store:           s,
		pods:            pods,
		limiter:         rate.NewLimiter(rate.Limit(cfg.QPS), cfg.Burst),
		jobIDLabel:      cfg.JobIDLabel,
		roleLabel:       cfg.RoleLabel,
		driverRoleValue: cfg.DriverRoleValue,
		ratioAnnotation: cfg.RatioAnnotation,
		defaultRatio:    cfg.DefaultRatio,
		cacheTTLSeconds: cfg.CacheTTLSeconds,
	}
}

// Resolve returns the target spot ratio for (namespace, jobID): the
// cached value if present, else the driver pod's annotation (validated
// and clamped, written back to the cache), else the configured default
// without caching it — a job whose driver has not yet registered its
// ratio should re-resolve on the next executor rather than being pinned
// to the default forever.
func (r *Resolver) Resolve(ctx context.Context, namespace, jobID string) (float64, error) {
	key := keys.RatioKey(namespace, jobID)

	cached, err := r.store.Get(ctx, key)
	if err == nil {
		val, decodeErr := keys.DecodeRatio(cached)
		if decodeErr == nil {
			return val, nil
		}
		// malformed cache entry: fall through and re-resolve from the driver
	} else if err != store.ErrNotFound {
		return 0, fmt.Errorf("ratio: reading cache: %w", err)
	}

	val, found := r.fromDriverPod(ctx, namespace, jobID)
	if !found {
		return r.defaultRatio, nil
	}

	if writeErr := r.store.Set(ctx, key, keys.EncodeRatio(val), secondsToDuration(r.cacheTTLSeconds)); writeErr != nil {
		return 0, fmt.Errorf("ratio: caching resolved value: %w", writeErr)
	}

	return val, nil
}

// fromDriverPod looks up the driver pod's ratio annotation. It reports
// found=false — never an error — for every case that should fall back to
// the configured default: no pods package wired, rate-limit wait aborted,
// orchestrator lookup failure, no driver pod found, or a missing/malformed
// annotation. An orchestrator lookup failure is logged but otherwise
// treated exactly like "driver not found": the caller falls back to
// defaultRatio without caching it, so the next executor retries the
// lookup instead of being pinned to the default forever.
func (r *Resolver) fromDriverPod(ctx context.Context, namespace, jobID string) (float64, bool) {
	if r.pods == nil {
		return 0, false
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return 0, false
	}

	selector := fmt.Sprintf("%s=%s,%s=%s", r.jobIDLabel, jobID, r.roleLabel, r.driverRoleValue)
	list, err := r.pods.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		r.Log.Info("orchestrator lookup for driver pod failed, falling back to default ratio",
			"namespace", namespace, "job_id", jobID, "error", err.Error())
		return 0, false
	}
	if len(list.Items) == 0 {
		return 0, false
	}

	raw, ok := driverAnnotation(list.Items[0], r.ratioAnnotation)
	if !ok {
		return 0, false
	}

	val, err := keys.DecodeRatio([]byte(raw))
	if err != nil {
		return 0, false
	}

	return val, true
}

func driverAnnotation(pod corev1.Pod, name string) (string, bool) {
	if pod.Annotations == nil {
		return "", false
	}
	val, ok := pod.Annotations[name]
	return val, ok
}

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
