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

// Package metrics exposes Prometheus counters and gauges for admission
// decisions, store errors, and reconciliation passes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/engine"
)

// Collector owns the process's Prometheus metrics. It is not itself a
// prometheus.Collector; Register attaches each metric family to a registry.
type Collector struct {
	decisions       *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	lockTimeouts    prometheus.Counter
	reconcilePasses prometheus.Counter
	reconcileJobs   prometheus.Gauge
	reconcileErrors *prometheus.CounterVec
}

// NewCollector builds a Collector with freshly constructed metric
// families. Call Register to attach it to a prometheus.Registerer.
func NewCollector() *Collector {
	return &Collector{
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spot_balancer_decisions_total",
				Help: "Total placement decisions made, by chosen capacity type and mode",
			},
			[]string{"capacity_type", "mode"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spot_balancer_store_errors_total",
				Help: "Total state store errors encountered, by operation",
			},
			[]string{"operation"},
		),
		lockTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "spot_balancer_lock_timeouts_total",
				Help: "Total lock acquisition timeouts",
			},
		),
		reconcilePasses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "spot_balancer_reconcile_passes_total",
				Help: "Total reconciliation passes completed",
			},
		),
		reconcileJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "spot_balancer_reconcile_jobs",
				Help: "Number of jobs observed in the most recent reconciliation pass",
			},
		),
		reconcileErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spot_balancer_reconcile_errors_total",
				Help: "Total reconciliation failures (failed passes and failed job writes), by reason",
			},
			[]string{"reason"},
		),
	}
}

// Register attaches every metric family to reg.
func (c *Collector) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		c.decisions,
		c.storeErrors,
		c.lockTimeouts,
		c.reconcilePasses,
		c.reconcileJobs,
		c.reconcileErrors,
	)
}

// IncDecision records one placement decision.
func (c *Collector) IncDecision(capacityType string, mode engine.Mode) {
	c.decisions.WithLabelValues(capacityType, modeLabel(mode)).Inc()
}

// IncStoreError records one state-store failure for the given operation.
func (c *Collector) IncStoreError(operation string) {
	c.storeErrors.WithLabelValues(operation).Inc()
}

// IncLockTimeout records one lock acquisition timeout.
func (c *Collector) IncLockTimeout() {
	c.lockTimeouts.Inc()
}

// ObserveReconcilePass records a completed reconciliation pass over
// jobCount jobs.
func (c *Collector) ObserveReconcilePass(jobCount int) {
	c.reconcilePasses.Inc()
	c.reconcileJobs.Set(float64(jobCount))
}

// IncReconcileError records one reconciliation failure: a whole pass
// that failed or a single job's write that failed, told apart by reason.
func (c *Collector) IncReconcileError(reason string) {
	c.reconcileErrors.WithLabelValues(reason).Inc()
}

func modeLabel(mode engine.Mode) string {
	if mode == engine.BestEffort {
		return "best_effort"
	}
	return "strict"
}
