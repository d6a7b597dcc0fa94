package offline

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch outcome sources used as the `source` label.
const (
	sourceCache          = "cache"
	sourceNetwork        = "network"
	sourceFallback       = "fallback"
	sourceOfflinePayload = "offline_payload"
	sourceError          = "error"
)

// Metrics owns a private registry so several proxies (and tests) can coexist
// in one process. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	fetches         *prometheus.CounterVec
	storageFailures *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	gensDeleted     prometheus.Counter
	controlMessages *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_fetch_total",
		Help: "Intercepted requests by class and response source",
	}, []string{"class", "source"})

	storageFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_storage_failures_total",
		Help: "Cache store failures by operation",
	}, []string{"op"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_lifecycle_transitions_total",
		Help: "Worker lifecycle transitions by target state",
	}, []string{"state"})

	gensDeleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "offline_generations_deleted_total",
		Help: "Cache generations deleted by activation or clear",
	})

	controlMessages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_control_messages_total",
		Help: "Control channel messages by type",
	}, []string{"type"})

	registry.MustRegister(fetches, storageFailures, transitions, gensDeleted, controlMessages)

	return &Metrics{
		registry:        registry,
		fetches:         fetches,
		storageFailures: storageFailures,
		transitions:     transitions,
		gensDeleted:     gensDeleted,
		controlMessages: controlMessages,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeFetch(class RequestClass, source string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(class.String(), source).Inc()
}

func (m *Metrics) observeStorageFailure(op string) {
	if m == nil {
		return
	}
	m.storageFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) observeTransition(s State) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) observeGenerationDeleted() {
	if m == nil {
		return
	}
	m.gensDeleted.Inc()
}

func (m *Metrics) observeControl(kind string) {
	if m == nil {
		return
	}
	m.controlMessages.WithLabelValues(kind).Inc()
}
