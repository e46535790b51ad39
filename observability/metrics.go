// Package observability holds the prometheus collectors shared by the client,
// the reader loop and the node endpoint.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	CallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "channel",
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "RPC calls by method and outcome.",
		},
		[]string{"method", "outcome"},
	)
	CallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "channel",
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "RPC call latency from send to matched response.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method"},
	)
	FramesDecoded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "channel",
			Subsystem: "reader",
			Name:      "frames_decoded_total",
			Help:      "Frames decoded from the stream by type.",
		},
		[]string{"type"},
	)
	DispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "channel",
			Subsystem: "dispatch",
			Name:      "packets_total",
			Help:      "Dispatched packets by type and outcome.",
		},
		[]string{"type", "outcome"},
	)
	ReadErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "channel",
			Subsystem: "reader",
			Name:      "read_errors_total",
			Help:      "Failed transport reads absorbed by the reader loop.",
		},
	)
	NodeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "channel",
			Subsystem: "node",
			Name:      "requests_total",
			Help:      "Requests served by the node endpoint by method and result code.",
		},
		[]string{"method", "code"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(CallsTotal, CallDuration, FramesDecoded, DispatchOutcomes, ReadErrors, NodeRequests)
	})
}

func RecordCall(method, outcome string, duration time.Duration) {
	CallsTotal.WithLabelValues(method, outcome).Inc()
	CallDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// AdminHandler serves /metrics and /healthz. healthy may be nil.
func AdminHandler(healthy func() bool) http.Handler {
	RegisterMetrics()
	router := httprouter.New()
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	router.GET("/healthz", func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if healthy != nil && !healthy() {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return router
}
