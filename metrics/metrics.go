// Package metrics holds the service counters and the HTTP server that
// exposes them for scraping.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	scepRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scep_requests_total",
		Help: "SCEP exchanges received, by operation.",
	}, []string{"operation"})

	scepResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scep_responses_total",
		Help: "SCEP replies sent, by PKI status or transport error.",
	}, []string{"status"})

	certificatesIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "certstore_certificates_issued_total",
		Help: "Certificates issued by the certificate store.",
	})

	certstoreQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "certstore_queries_total",
		Help: "Certificate store lookups, by result.",
	}, []string{"result"})
)

func init() {
	registry.MustRegister(
		scepRequests,
		scepResponses,
		certificatesIssued,
		certstoreQueries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func IncSCEPRequest(operation string) {
	scepRequests.WithLabelValues(operation).Inc()
}

func IncSCEPResponse(status string) {
	scepResponses.WithLabelValues(status).Inc()
}

func IncCertificatesIssued() {
	certificatesIssued.Inc()
}

// IncCertstoreQuery records a lookup; result is "hit", "miss" or "error".
func IncCertstoreQuery(result string) {
	certstoreQueries.WithLabelValues(result).Inc()
}

// Registry returns the registry every counter of this package lives in.
func Registry() *prometheus.Registry {
	return registry
}

// MetricsServer serves /metrics on its own listener.
type MetricsServer struct {
	name string
	srv  *http.Server
}

// New creates a metrics server for the service name, listening on addr.
func New(name, addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	return &MetricsServer{
		name: name,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (m *MetricsServer) Name() string {
	return m.name
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
