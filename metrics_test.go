package absnfs

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecordOperation(t *testing.T) {
	m := NewMetricsCollector()

	m.RecordOperation("GETATTR", NFS_OK, 2*time.Millisecond)
	m.RecordOperation("GETATTR", NFS_OK, 1*time.Millisecond)
	m.RecordOperation("LOOKUP", NFSERR_NOENT, 1*time.Millisecond)

	if got := testutil.ToFloat64(m.operations.WithLabelValues("GETATTR")); got != 2 {
		t.Errorf("GETATTR operations = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.operations.WithLabelValues("LOOKUP")); got != 1 {
		t.Errorf("LOOKUP operations = %v, want 1", got)
	}
	// Successes don't count as errors; the failed LOOKUP does, labelled
	// by status class.
	if got := testutil.ToFloat64(m.errors.WithLabelValues("GETATTR", "noent")); got != 0 {
		t.Errorf("GETATTR noent errors = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("LOOKUP", "noent")); got != 1 {
		t.Errorf("LOOKUP noent errors = %v, want 1", got)
	}
}

func TestMetricsConnectionCounters(t *testing.T) {
	m := NewMetricsCollector()

	m.RecordConnection()
	m.RecordConnection()
	m.RecordConnectionClosed()
	m.RecordRejectedConnection()
	m.RecordRateLimitExceeded()

	if got := testutil.ToFloat64(m.connections); got != 1 {
		t.Errorf("active connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.totalConns); got != 2 {
		t.Errorf("total connections = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.rejectedConn); got != 1 {
		t.Errorf("rejected connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.rateLimited); got != 1 {
		t.Errorf("rate limited = %v, want 1", got)
	}
}

func TestMetricsTLSHandshakeOutcomes(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordTLSHandshake()
	m.RecordTLSHandshake()
	m.RecordTLSHandshakeFailure()

	if got := testutil.ToFloat64(m.tlsHandshake.WithLabelValues("success")); got != 2 {
		t.Errorf("handshake successes = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.tlsHandshake.WithLabelValues("failure")); got != 1 {
		t.Errorf("handshake failures = %v, want 1", got)
	}
}

func TestStatusLabel(t *testing.T) {
	tests := []struct {
		status uint32
		want   string
	}{
		{NFSERR_NOENT, "noent"},
		{NFSERR_STALE, "stale"},
		{NFSERR_ROFS, "rofs"},
		{NFSERR_BAD_COOKIE, "bad_cookie"},
		{NFSERR_NOTSUPP, "notsupp"},
		{12345, "other"},
	}
	for _, tt := range tests {
		if got := statusLabel(tt.status); got != tt.want {
			t.Errorf("statusLabel(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestMetricsHandlerExposition(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordOperation("READ", NFS_OK, time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	text := string(body)
	for _, want := range []string{
		"nfs3d_operations_total",
		`procedure="READ"`,
		"nfs3d_operation_duration_seconds",
		"nfs3d_active_connections",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestMetricsPrivateRegistries(t *testing.T) {
	// Two collectors in one process must not collide, which is the
	// point of using private registries instead of the global default.
	a := NewMetricsCollector()
	b := NewMetricsCollector()
	a.RecordOperation("READ", NFS_OK, time.Millisecond)
	if got := testutil.ToFloat64(b.operations.WithLabelValues("READ")); got != 0 {
		t.Errorf("second collector saw the first collector's samples: %v", got)
	}
}

func TestRecordOperationStart(t *testing.T) {
	n := newTestNFS(t, ExportOptions{})

	stop := n.RecordOperationStart("FSINFO")
	stop(NFS_OK)

	if got := testutil.ToFloat64(n.metrics.operations.WithLabelValues("FSINFO")); got != 1 {
		t.Errorf("FSINFO operations = %v, want 1", got)
	}

	// A server without metrics still hands back a usable no-op.
	n.metrics = nil
	stop = n.RecordOperationStart("FSINFO")
	stop(NFS_OK)
}
