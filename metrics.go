package absnfs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector exposes server activity as Prometheus metrics:
// per-procedure call and error counters, handling latency, and the
// transport-level connection gauges.
type MetricsCollector struct {
	registry *prometheus.Registry

	operations   *prometheus.CounterVec
	errors       *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	connections  prometheus.Gauge
	totalConns   prometheus.Counter
	rejectedConn prometheus.Counter
	rateLimited  prometheus.Counter
	tlsHandshake *prometheus.CounterVec
	startTime    time.Time
}

// NewMetricsCollector builds a collector with its own registry so
// ServeMetrics never competes with a process-wide default registry a
// host application might also be using.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		registry:  reg,
		startTime: time.Now(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nfs3d",
			Name:      "operations_total",
			Help:      "NFS3/MOUNT3 procedure calls by procedure name.",
		}, []string{"procedure"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nfs3d",
			Name:      "errors_total",
			Help:      "Failed procedure calls by procedure name and nfsstat3 class.",
		}, []string{"procedure", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "nfs3d",
			Name:      "operation_duration_seconds",
			Help:      "Procedure handling latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"procedure"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nfs3d",
			Name:      "active_connections",
			Help:      "Currently open TCP connections.",
		}),
		totalConns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nfs3d",
			Name:      "connections_total",
			Help:      "TCP connections accepted since start.",
		}),
		rejectedConn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nfs3d",
			Name:      "connections_rejected_total",
			Help:      "TCP connections rejected (MaxConnections exceeded).",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nfs3d",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		tlsHandshake: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nfs3d",
			Name:      "tls_handshakes_total",
			Help:      "TLS handshakes by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.operations, m.errors, m.latency, m.connections,
		m.totalConns, m.rejectedConn, m.rateLimited, m.tlsHandshake)

	return m
}

func (m *MetricsCollector) RecordOperation(procedure string, status uint32, duration time.Duration) {
	m.operations.WithLabelValues(procedure).Inc()
	m.latency.WithLabelValues(procedure).Observe(duration.Seconds())
	if status != NFS_OK {
		m.errors.WithLabelValues(procedure, statusLabel(status)).Inc()
	}
}

func (m *MetricsCollector) RecordRateLimitExceeded() {
	m.rateLimited.Inc()
}

func (m *MetricsCollector) RecordConnection() {
	m.totalConns.Inc()
	m.connections.Inc()
}

func (m *MetricsCollector) RecordConnectionClosed() {
	m.connections.Dec()
}

func (m *MetricsCollector) RecordRejectedConnection() {
	m.rejectedConn.Inc()
}

func (m *MetricsCollector) RecordTLSHandshake() {
	m.tlsHandshake.WithLabelValues("success").Inc()
}

func (m *MetricsCollector) RecordTLSHandshakeFailure() {
	m.tlsHandshake.WithLabelValues("failure").Inc()
}

// Handler returns an http.Handler serving this collector's registry in
// the Prometheus text exposition format.
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func statusLabel(status uint32) string {
	switch status {
	case NFSERR_PERM:
		return "perm"
	case NFSERR_NOENT:
		return "noent"
	case NFSERR_IO:
		return "io"
	case NFSERR_ACCES:
		return "acces"
	case NFSERR_EXIST:
		return "exist"
	case NFSERR_NOTDIR:
		return "notdir"
	case NFSERR_ISDIR:
		return "isdir"
	case NFSERR_INVAL:
		return "inval"
	case NFSERR_FBIG:
		return "fbig"
	case NFSERR_NOSPC:
		return "nospc"
	case NFSERR_ROFS:
		return "rofs"
	case NFSERR_NAMETOOLONG:
		return "nametoolong"
	case NFSERR_NOTEMPTY:
		return "notempty"
	case NFSERR_STALE:
		return "stale"
	case NFSERR_BADHANDLE:
		return "badhandle"
	case NFSERR_NOTSUPP:
		return "notsupp"
	case NFSERR_BAD_COOKIE:
		return "bad_cookie"
	case NFSERR_DELAY:
		return "delay"
	default:
		return "other"
	}
}

// RecordOperationStart records the start of an NFS operation and returns
// a function to call with the result once the handler finishes. The NFS
// and MOUNT dispatchers (handleNFSCall, handleMountCall) call it around
// every procedure handler.
func (n *AbsfsNFS) RecordOperationStart(procedure string) func(status uint32) {
	if n.metrics == nil {
		return func(uint32) {}
	}
	start := time.Now()
	return func(status uint32) {
		n.metrics.RecordOperation(procedure, status, time.Since(start))
	}
}

// ServeMetrics starts an HTTP server exposing /metrics and /healthz on
// addr. It runs until the listener fails or the process exits.
func (n *AbsfsNFS) ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", n.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(addr, mux)
}
