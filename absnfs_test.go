package absnfs

import (
	"testing"
	"time"

	"github.com/absfs/memfs"
)

func TestNewRequiresFilesystem(t *testing.T) {
	if _, err := New(nil, ExportOptions{}); err == nil {
		t.Error("New(nil) succeeded")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	n := newTestNFS(t, ExportOptions{})
	o := n.options

	if o.TransferSize != 65536 {
		t.Errorf("TransferSize = %d, want 65536", o.TransferSize)
	}
	if o.MaxWorkers <= 0 {
		t.Errorf("MaxWorkers = %d, want > 0", o.MaxWorkers)
	}
	if o.MaxConnections != 100 {
		t.Errorf("MaxConnections = %d, want 100", o.MaxConnections)
	}
	if o.IdleTimeout != 5*time.Minute {
		t.Errorf("IdleTimeout = %v, want 5m", o.IdleTimeout)
	}
	if !o.TCPKeepAlive || !o.TCPNoDelay {
		t.Error("TCP keepalive/nodelay not defaulted on")
	}
	if o.SendBufferSize != 262144 || o.ReceiveBufferSize != 262144 {
		t.Errorf("buffers = %d/%d, want 262144", o.SendBufferSize, o.ReceiveBufferSize)
	}
	if o.AnonUID != 65534 || o.AnonGID != 65534 {
		t.Errorf("anon identity = %d/%d, want nobody", o.AnonUID, o.AnonGID)
	}
	// Rate limiting defaults on (secure by default).
	if !o.EnableRateLimiting || n.rateLimiter == nil {
		t.Error("rate limiting not enabled by default")
	}
	if n.exports == nil || n.mounts == nil || n.workerPool == nil || n.metrics == nil {
		t.Error("shared infrastructure not initialized")
	}
	if n.writeVerf == ([8]byte{}) {
		t.Error("write verifier not minted")
	}
}

func TestNewPreservesExplicitOptions(t *testing.T) {
	n := newTestNFS(t, ExportOptions{
		TransferSize:   8192,
		MaxConnections: 7,
		IdleTimeout:    time.Second,
		AnonUID:        40,
		AnonGID:        41,
	})
	o := n.options
	if o.TransferSize != 8192 || o.MaxConnections != 7 || o.IdleTimeout != time.Second {
		t.Errorf("options overridden: %+v", o)
	}
	if o.AnonUID != 40 || o.AnonGID != 41 {
		t.Errorf("anon identity = %d/%d, want 40/41", o.AnonUID, o.AnonGID)
	}
}

func TestNewAcceptsStatableRoot(t *testing.T) {
	// New stats the root up front; a healthy root is accepted.
	fs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("memfs: %v", err)
	}
	if _, err := New(fs, ExportOptions{}); err != nil {
		t.Errorf("healthy root rejected: %v", err)
	}
}

func TestExportUnexportLifecycle(t *testing.T) {
	n := newTestNFS(t, ExportOptions{})

	if err := n.Export("/export/test", 0); err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n.server == nil {
		t.Fatal("Export left no server")
	}
	port := n.server.options.Port
	if port == 0 {
		t.Error("random port not resolved after listen")
	}
	if n.mountPath != "/export/test" {
		t.Errorf("mountPath = %q", n.mountPath)
	}

	if err := n.Unexport(); err != nil {
		t.Fatalf("Unexport: %v", err)
	}
}

func TestCloseStopsWorkerPool(t *testing.T) {
	fs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("memfs: %v", err)
	}
	n, err := New(fs, ExportOptions{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// The pool rejects work after Close; ExecuteWithWorker falls back
	// inline so callers never notice.
	result := n.ExecuteWithWorker(func() interface{} { return 7 })
	if result.(int) != 7 {
		t.Errorf("post-Close task = %v", result)
	}
}

func TestVersionString(t *testing.T) {
	if Version == "" {
		t.Error("Version is empty")
	}
}
