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

// Package webhook translates pod admission requests into placement
// engine calls and produces the resulting patch or allow/deny response.
package webhook

import (
	"context"
	"encoding/json"

	"gomodules.xyz/jsonpatch/v2"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/engine"
	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/metrics"
	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/ratio"
)

// LabelConfig carries the pod label/annotation names the handlers read,
// sourced from internal/config.
type LabelConfig struct {
	WorkloadRoleLabel string
	CapacityTypeLabel string
	JobIDLabel        string
	DriverRoleValue   string
	ExecutorRoleValue string
}

// Handlers implements the mutate and validate admission operations.
type Handlers struct {
	Resolver *ratio.Resolver
	Critical *engine.CriticalSection
	Labels   LabelConfig
	Mode     engine.Mode
	Metrics  *metrics.Collector
	decoder  admission.Decoder
}

// NewHandlers builds Handlers with a decoder bound to scheme.
func NewHandlers(resolver *ratio.Resolver, critical *engine.CriticalSection, labels LabelConfig, mode engine.Mode, collector *metrics.Collector, scheme *runtime.Scheme) *Handlers {
	return &Handlers{
		Resolver: resolver,
		Critical: critical,
		Labels:   labels,
		Mode:     mode,
		Metrics:  collector,
		decoder:  *admission.NewDecoder(scheme),
	}
}

// Mutate handles a CREATE admission request for a pod.
func (h *Handlers) Mutate(ctx context.Context, req admission.Request) admission.Response {
	logger := log.FromContext(ctx).WithValues("operation", "mutate", "namespace", req.Namespace, "name", req.Name)

	var pod corev1.Pod
	if err := h.decoder.Decode(req, &pod); err != nil {
		logger.Error(err, "failed to decode pod, allowing unchanged")
		return admission.Allowed("could not decode pod")
	}

	if !h.isExecutor(pod) {
		return admission.Allowed("not an executor pod")
	}

	jobID, ok := h.jobID(pod)
	if !ok {
		return admission.Allowed("no job id label")
	}
	logger = logger.WithValues("job_id", jobID)

	target, err := h.Resolver.Resolve(ctx, req.Namespace, jobID)
	if err != nil {
		logger.Error(err, "failed to resolve target ratio, failing open")
		h.Metrics.IncStoreError("resolve")
		return admission.Allowed("ratio resolution unavailable")
	}

	decision, err := h.Critical.Admit(ctx, req.Namespace, jobID, target, h.Mode)
	if err != nil {
		logger.Error(err, "failed to run placement decision, failing open")
		h.Metrics.IncStoreError("admit")
		return admission.Allowed("placement store unavailable")
	}
	h.Metrics.IncDecision(string(decision.CapacityType), h.Mode)

	patch := h.buildNodeSelectorPatch(pod, decision.CapacityType)
	return admission.Patched("applied placement decision", *patch)
}

// Validate handles a DELETE admission request for a pod.
func (h *Handlers) Validate(ctx context.Context, req admission.Request) admission.Response {
	logger := log.FromContext(ctx).WithValues("operation", "validate", "namespace", req.Namespace, "name", req.Name)

	var pod corev1.Pod
	raw := req.OldObject.Raw
	if len(raw) == 0 {
		raw = req.Object.Raw
	}
	if err := json.Unmarshal(raw, &pod); err != nil {
		logger.Error(err, "failed to decode pod, allowing")
		return admission.Allowed("could not decode pod")
	}

	if !h.isExecutor(pod) {
		return admission.Allowed("not an executor pod")
	}

	capacityType, ok := h.currentCapacityType(pod)
	if !ok {
		return admission.Allowed("no recognized capacity-type selector")
	}

	jobID, ok := h.jobID(pod)
	if !ok {
		return admission.Allowed("no job id label")
	}

	if err := h.Critical.Release(ctx, req.Namespace, jobID, capacityType); err != nil {
		logger.Error(err, "failed to release executor count, allowing delete regardless")
		h.Metrics.IncStoreError("release")
	}

	return admission.Allowed("")
}

func (h *Handlers) isExecutor(pod corev1.Pod) bool {
	if pod.Labels == nil {
		return false
	}
	return pod.Labels[h.Labels.WorkloadRoleLabel] == h.Labels.ExecutorRoleValue
}

func (h *Handlers) jobID(pod corev1.Pod) (string, bool) {
	if pod.Labels == nil {
		return "", false
	}
	id, ok := pod.Labels[h.Labels.JobIDLabel]
	return id, ok && id != ""
}

func (h *Handlers) currentCapacityType(pod corev1.Pod) (engine.CapacityType, bool) {
	if pod.Spec.NodeSelector == nil {
		return "", false
	}
	val, ok := pod.Spec.NodeSelector[h.Labels.CapacityTypeLabel]
	if !ok {
		return "", false
	}
	switch engine.CapacityType(val) {
	case engine.Spot:
		return engine.Spot, true
	case engine.OnDemand:
		return engine.OnDemand, true
	default:
		return "", false
	}
}

// buildNodeSelectorPatch builds the single "add" patch on
// /spec/nodeSelector. STRICT always sets the workload-role selector;
// the capacity-type selector is only added for spot/on_demand, never
// for unlabeled (BEST_EFFORT).
func (h *Handlers) buildNodeSelectorPatch(pod corev1.Pod, capacityType engine.CapacityType) *jsonpatch.Operation {
	selector := map[string]string{}
	for k, v := range pod.Spec.NodeSelector {
		selector[k] = v
	}
	selector[h.Labels.WorkloadRoleLabel] = h.Labels.ExecutorRoleValue

	switch capacityType {
	case engine.Spot:
		selector[h.Labels.CapacityTypeLabel] = string(engine.Spot)
	case engine.OnDemand:
		selector[h.Labels.CapacityTypeLabel] = string(engine.OnDemand)
	}

	return &jsonpatch.Operation{
		Operation: "add",
		Path:      "/spec/nodeSelector",
		Value:     selector,
	}
}

