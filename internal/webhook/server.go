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

package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/serializer"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/webhook/admission"

	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/store"
)

// Server wires Handlers to gin routes, handling admission-envelope
// (de)serialization so Handlers only deals with admission.Request/Response.
type Server struct {
	handlers *Handlers
	scheme   *runtime.Scheme
	store    store.Store
	timeout  time.Duration
}

// NewServer builds a Server. timeout bounds every admission call,
// matching WEBHOOK_TIMEOUT_SECONDS.
func NewServer(handlers *Handlers, scheme *runtime.Scheme, healthStore store.Store, timeout time.Duration) *Server {
	return &Server{handlers: handlers, scheme: scheme, store: healthStore, timeout: timeout}
}

// SetupRoutes registers /mutate, /validate, and /healthz on router.
func (s *Server) SetupRoutes(router *gin.Engine) {
	router.POST("/mutate", s.MutateHandler)
	router.POST("/validate", s.ValidateHandler)
	router.GET("/healthz", s.HealthzHandler)
}

// MutateHandler implements the /mutate endpoint.
func (s *Server) MutateHandler(c *gin.Context) {
	s.serve(c, s.handlers.Mutate)
}

// ValidateHandler implements the /validate endpoint.
func (s *Server) ValidateHandler(c *gin.Context) {
	s.serve(c, s.handlers.Validate)
}

func (s *Server) serve(c *gin.Context, handle func(ctx context.Context, req admission.Request) admission.Response) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	var review admissionv1.AdmissionReview
	if err := s.deserialize(body, &review); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to deserialize admission review", "details": err.Error()})
		return
	}
	if review.Request == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "admission review has no request"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	req := admission.Request{AdmissionRequest: *review.Request}
	resp := handle(ctx, req)
	// Complete encodes resp.Patches into resp.Patch/PatchType; a patch that
	// cannot be encoded fails open.
	if err := resp.Complete(req); err != nil {
		resp = admission.Allowed("could not encode patch")
	}

	s.sendAdmissionResponse(c, review.Request.UID, resp)
}

func (s *Server) sendAdmissionResponse(c *gin.Context, uid types.UID, resp admission.Response) {
	out := admissionv1.AdmissionReview{
		TypeMeta: metav1.TypeMeta{
			APIVersion: "admission.k8s.io/v1",
			Kind:       "AdmissionReview",
		},
		Response: &admissionv1.AdmissionResponse{
			UID:       uid,
			Allowed:   resp.Allowed,
			Result:    resp.Result,
			Patch:     resp.Patch,
			PatchType: resp.PatchType,
		},
	}

	c.Header("Content-Type", "application/json")
	c.JSON(http.StatusOK, out)
}

func (s *Server) deserialize(body []byte, review *admissionv1.AdmissionReview) error {
	codecs := serializer.NewCodecFactory(s.scheme)
	_, _, err := codecs.UniversalDeserializer().Decode(body, nil, review)
	return err
}

// HealthzHandler returns 200 when the state store answers a ping within
// the configured timeout, else 503.
func (s *Server) HealthzHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
