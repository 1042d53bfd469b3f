package webhook

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	admissionv1 "k8s.io/api/admission/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/engine"
	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/keys"
	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/metrics"
	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/ratio"
	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/store"
)

// lockingMemStore is a minimal in-process store.Store used so the HTTP
// suite doesn't need a real Redis instance.
type lockingMemStore struct {
	mu     sync.Mutex
	lockMu sync.Mutex
	data   map[string][]byte
}

func newLockingMemStore() *lockingMemStore {
	return &lockingMemStore{data: make(map[string][]byte)}
}

func (m *lockingMemStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (m *lockingMemStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *lockingMemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *lockingMemStore) Ping(_ context.Context) error { return nil }

func (m *lockingMemStore) WithLock(ctx context.Context, _ string, _ time.Duration, fn func(ctx context.Context) error) error {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	return fn(ctx)
}

func (m *lockingMemStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func testLabels() LabelConfig {
	return LabelConfig{
		WorkloadRoleLabel: "spark-role",
		CapacityTypeLabel: "karpenter.sh/capacity-type",
		JobIDLabel:        "emr-containers.amazonaws.com/job.id",
		DriverRoleValue:   "driver",
		ExecutorRoleValue: "executor",
	}
}

func executorAdmissionReview(namespace, jobID string, existingSelector map[string]string) admissionv1.AdmissionReview {
	pod := corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "executor-1",
			Namespace: namespace,
			Labels: map[string]string{
				"spark-role":                          "executor",
				"emr-containers.amazonaws.com/job.id": jobID,
			},
		},
		Spec: corev1.PodSpec{
			NodeSelector: existingSelector,
		},
	}
	raw, _ := json.Marshal(pod)

	return admissionv1.AdmissionReview{
		Request: &admissionv1.AdmissionRequest{
			UID:       types.UID("req-1"),
			Namespace: namespace,
			Operation: admissionv1.Create,
			Object:    runtime.RawExtension{Raw: raw},
		},
	}
}

func executorDeleteReview(namespace, jobID string, selector map[string]string) admissionv1.AdmissionReview {
	pod := corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "executor-1",
			Namespace: namespace,
			Labels: map[string]string{
				"spark-role":                          "executor",
				"emr-containers.amazonaws.com/job.id": jobID,
			},
		},
		Spec: corev1.PodSpec{NodeSelector: selector},
	}
	raw, _ := json.Marshal(pod)

	return admissionv1.AdmissionReview{
		Request: &admissionv1.AdmissionRequest{
			UID:       types.UID("req-2"),
			Namespace: namespace,
			Operation: admissionv1.Delete,
			OldObject: runtime.RawExtension{Raw: raw},
		},
	}
}

var _ = Describe("Server", func() {
	var (
		engine_ *gin.Engine
		s       *lockingMemStore
	)

	BeforeEach(func() {
		s = newLockingMemStore()

		resolver := ratio.NewResolver(s, fake.NewSimpleClientset(), ratio.Config{
			JobIDLabel:      "emr-containers.amazonaws.com/job.id",
			RoleLabel:       "spark-role",
			DriverRoleValue: "driver",
			RatioAnnotation: "workload/spot-ratio",
			DefaultRatio:    0.7,
			CacheTTLSeconds: 3600,
			QPS:             20,
			Burst:           30,
		})
		critical := &engine.CriticalSection{Store: s, LockTTL: 5}
		collector := metrics.NewCollector()

		scheme := NewScheme()
		handlers := NewHandlers(resolver, critical, testLabels(), engine.Strict, collector, scheme)
		server := NewServer(handlers, scheme, s, 2*time.Second)

		engine_ = createTestEngine()
		server.SetupRoutes(engine_)
	})

	Describe("POST /mutate", func() {
		It("adds capacity-type and workload-role selectors for a fresh job", func() {
			review := executorAdmissionReview("ns", "job-1", nil)
			resp := performRequest(engine_, "POST", "/mutate", review)
			Expect(resp.Code).To(Equal(200))

			var out admissionv1.AdmissionReview
			Expect(parseJSONResponse(resp, &out)).To(Succeed())
			Expect(out.Response.Allowed).To(BeTrue())
			Expect(out.Response.Patch).NotTo(BeEmpty())
		})

		It("allows unchanged when the pod is not an executor", func() {
			pod := corev1.Pod{
				ObjectMeta: metav1.ObjectMeta{Name: "driver-1", Namespace: "ns", Labels: map[string]string{"spark-role": "driver"}},
			}
			raw, _ := json.Marshal(pod)
			review := admissionv1.AdmissionReview{
				Request: &admissionv1.AdmissionRequest{
					UID:       types.UID("req-3"),
					Namespace: "ns",
					Operation: admissionv1.Create,
					Object:    runtime.RawExtension{Raw: raw},
				},
			}

			resp := performRequest(engine_, "POST", "/mutate", review)
			var out admissionv1.AdmissionReview
			Expect(parseJSONResponse(resp, &out)).To(Succeed())
			Expect(out.Response.Allowed).To(BeTrue())
			Expect(out.Response.Patch).To(BeEmpty())
		})
	})

	Describe("POST /validate", func() {
		It("decrements the counter and always allows", func() {
			require := keys.ExecutorCount{OnDemand: 3, Spot: 7}
			Expect(s.Set(context.Background(), keys.ExecCountKey("ns", "job-1"), require.Encode(), time.Hour)).To(Succeed())

			review := executorDeleteReview("ns", "job-1", map[string]string{"karpenter.sh/capacity-type": "spot"})
			resp := performRequest(engine_, "POST", "/validate", review)

			var out admissionv1.AdmissionReview
			Expect(parseJSONResponse(resp, &out)).To(Succeed())
			Expect(out.Response.Allowed).To(BeTrue())

			raw, err := s.Get(context.Background(), keys.ExecCountKey("ns", "job-1"))
			Expect(err).NotTo(HaveOccurred())
			counts, err := keys.DecodeExecutorCount(raw)
			Expect(err).NotTo(HaveOccurred())
			Expect(counts).To(Equal(keys.ExecutorCount{OnDemand: 3, Spot: 6}))
		})

		It("allows with no side effect when the capacity-type selector is absent", func() {
			review := executorDeleteReview("ns", "job-2", nil)
			resp := performRequest(engine_, "POST", "/validate", review)

			var out admissionv1.AdmissionReview
			Expect(parseJSONResponse(resp, &out)).To(Succeed())
			Expect(out.Response.Allowed).To(BeTrue())

			_, err := s.Get(context.Background(), keys.ExecCountKey("ns", "job-2"))
			Expect(err).To(MatchError(store.ErrNotFound))
		})
	})

	Describe("GET /healthz", func() {
		It("returns 200 when the store is reachable", func() {
			resp := performRequest(engine_, "GET", "/healthz", nil)
			Expect(resp.Code).To(Equal(200))
		})
	})
})
