// Package absnfs implements a userspace NFSv3 + MOUNT3 server over an
// absfs filesystem.
//
// A single absfs.FileSystem is wrapped in an export table and served to
// NFSv3 clients using RFC 1813 wire semantics: stateless opaque
// filehandles, weak cache consistency attribute pairs on every mutating
// call, and a content-hash READDIR cookieverf scheme. No client state
// is held across calls beyond the export and mount tables themselves.
//
// Key Features:
//   - NFSv3 procedure set (including MKNOD and a correct LINK) over MOUNT3
//   - TLS-optional TCP transport plus UDP datagram transport
//   - Stateless, self-describing filehandles (no server-side handle table)
//   - Multi-export, multi-host export table with longest-prefix matching
//   - Rate limiting and DoS protection
//   - Prometheus metrics and structured logging
//   - Worker pool for bounded concurrent request handling
//
// Basic Usage:
//
//	fs, _ := memfs.NewFS()
//	server, _ := absnfs.New(fs, absnfs.ExportOptions{})
//	server.Export("/export/test", 2049)
//
// Security Features:
//   - IP-based and per-export access control (read-only, squash options)
//   - Rate limiting to prevent DoS attacks
//   - Optional TLS/SSL encryption
package absnfs

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/absfs/absfs"
)

// Version is the current version of the absnfs package.
const Version = "0.2.0"

// SymlinkFileSystem represents a filesystem that supports symbolic links.
type SymlinkFileSystem interface {
	Symlink(oldname, newname string) error
	Readlink(name string) (string, error)
	Lstat(name string) (os.FileInfo, error)
}

// AbsfsNFS is a running NFSv3 + MOUNT3 server bound to one absfs
// filesystem. It holds no per-client or per-filehandle state: every
// mutable field here is shared infrastructure (export table, mount
// table, worker pool, rate limiter, metrics) rather than a cache of
// client-visible data.
type AbsfsNFS struct {
	backend FSBackend
	fs      absfs.FileSystem
	options ExportOptions

	exports *ExportTable
	mounts  *MountTable

	mountPath   string
	logger      Logger
	workerPool  *WorkerPool
	metrics     *MetricsCollector
	rateLimiter *RateLimiter
	writeVerf   [8]byte
	mediaHashes sync.Map // removable export root -> last observed content hash

	server *Server
}

// ExportOptions configures how a filesystem is exported.
type ExportOptions struct {
	// ReadOnly is the default write policy for this export; it is
	// overridden per-host by ExportHost.ReadOnly entries in an exports
	// file when one is configured.
	ReadOnly bool

	// Secure requires client requests to originate from a privileged
	// (<1024) source port, matching the MOUNT_OPT_SECURE export flag.
	Secure bool

	// AllowedIPs restricts mount/RPC access to the listed IPs/CIDRs when
	// no richer exports-file host list is configured.
	AllowedIPs []string

	// Squash selects the default UID/GID mapping policy applied to
	// incoming AUTH_SYS credentials: "root" (root_squash), "all"
	// (all_squash), or "none" (no_root_squash). Applied purely in user
	// space; the process never calls seteuid/setegid.
	Squash string

	// AnonUID / AnonGID are the credentials substituted for a squashed
	// caller. Default 65534 (nobody/nogroup).
	AnonUID uint32
	AnonGID uint32

	// Removable marks this export as living on media whose contents can
	// change without this process's involvement (recordable/removable
	// storage), which canonicalises it lexically (normpath) instead of
	// through the backend's RealPath, advertises the export's path-derived
	// FSID in fattr3, and makes FSSTAT record a DirectoryHash of the
	// export root (reporting zero sizes while the media is absent).
	Removable bool

	// MaxFileSize caps the size of a single file; writes that would
	// exceed it fail with NFS3ERR_FBIG.
	MaxFileSize int64

	// TransferSize controls the maximum size in bytes of read/write
	// transfers. Default 65536 (64KB).
	TransferSize int

	// MaxWorkers controls the size of the bounded worker pool used to
	// service requests. Default runtime.NumCPU() * 4.
	MaxWorkers int

	// MaxConnections limits simultaneous TCP client connections.
	// Default 100; New replaces 0 or a negative value with that default.
	MaxConnections int

	// IdleTimeout is how long an inactive TCP connection is kept open.
	// Default 5 minutes.
	IdleTimeout time.Duration

	// TCPKeepAlive / TCPNoDelay configure the accepted TCP connections.
	// Default true for both.
	TCPKeepAlive bool
	TCPNoDelay   bool

	hasExplicitTCPSettings bool

	// SendBufferSize / ReceiveBufferSize size the TCP socket buffers.
	// Default 262144 (256KB) each.
	SendBufferSize    int
	ReceiveBufferSize int

	// EnableUDP starts a UDP listener alongside the TCP listener, for
	// clients that still negotiate NFS3/MOUNT3 over UDP.
	EnableUDP bool

	// EnableRateLimiting turns on per-IP/global/per-operation rate
	// limiting. Default true (secure by default).
	EnableRateLimiting bool
	RateLimitConfig    *RateLimiterConfig

	// TLS holds optional transport encryption. Nil disables TLS.
	TLS *TLSConfig

	// ExportsPath, when set, is parsed as an exports(5)-style file and
	// takes precedence over AllowedIPs/Squash for host-level decisions.
	ExportsPath string

	// MetricsAddr, when non-empty, serves Prometheus metrics and a
	// health endpoint at this address (e.g. ":9945").
	MetricsAddr string

	// ReadableExecutables forces the r bit on wherever the matching x
	// bit is set in a regular file's advertised mode, so clients can
	// read+exec a binary served without explicit read permission.
	ReadableExecutables bool

	// SingleUser, when set, disables root_squash regardless of the
	// per-host exports-file setting: every caller's AUTH_SYS identity
	// is honoured unmodified. This is the CLI-level escape hatch for a
	// single-user workstation export where squashing only gets in the
	// way; see DESIGN.md for why this (and BruteForce below) never
	// touches the process's real uid/gid.
	SingleUser bool

	// BruteForce, when set, skips ACCESS3's optimistic-but-still
	// read-only-aware bit computation and advertises full access
	// regardless of export mode, leaving the backing filesystem as the
	// sole authority on the follow-up operation.
	BruteForce bool

	// ClusterMode and ClusterPath are accepted for CLI/config parity
	// with clustered deployments' wrapper scripts; this server has no
	// cluster-membership concept, so they are recorded but do not
	// change request handling.
	ClusterMode bool
	ClusterPath string
}

// New creates a new AbsfsNFS server instance wrapping fs.
func New(fs absfs.FileSystem, options ExportOptions) (*AbsfsNFS, error) {
	if fs == nil {
		return nil, os.ErrInvalid
	}

	if options.TransferSize <= 0 {
		options.TransferSize = 65536
	}
	if options.MaxWorkers <= 0 {
		options.MaxWorkers = runtime.NumCPU() * 4
	}
	if options.MaxConnections <= 0 {
		options.MaxConnections = 100
	}
	if options.IdleTimeout <= 0 {
		options.IdleTimeout = 5 * time.Minute
	}
	if !options.hasExplicitTCPSettings {
		options.TCPKeepAlive = true
		options.TCPNoDelay = true
	}
	if options.SendBufferSize <= 0 {
		options.SendBufferSize = 262144
	}
	if options.ReceiveBufferSize <= 0 {
		options.ReceiveBufferSize = 262144
	}
	if options.AnonUID == 0 && options.AnonGID == 0 && options.Squash != "none" {
		options.AnonUID, options.AnonGID = 65534, 65534
	}
	if options.RateLimitConfig == nil {
		config := DefaultRateLimiterConfig()
		options.RateLimitConfig = &config
		options.EnableRateLimiting = true
	}

	if _, err := fs.Stat("/"); err != nil {
		return nil, err
	}

	backend := newAbsfsBackend(fs)

	server := &AbsfsNFS{
		backend: backend,
		fs:      fs,
		options: options,
		mounts:  NewMountTable(),
		logger:  NewGoKitLogger(&LogConfig{Level: "info"}),
	}
	server.writeVerf = newWriteVerifier()

	exports, err := loadExportTable(options, backend)
	if err != nil {
		return nil, err
	}
	server.exports = exports
	backend.SetAcceptMount(func(clientIP, path string) bool {
		return server.exports.Accept(clientIP, path)
	})

	server.workerPool = NewWorkerPool(options.MaxWorkers, server)
	server.workerPool.Start()

	server.metrics = NewMetricsCollector()

	if options.EnableRateLimiting {
		server.rateLimiter = NewRateLimiter(*options.RateLimitConfig)
		server.logger.Info("rate limiting enabled",
			LogField{Key: "per_ip_rps", Value: options.RateLimitConfig.PerIPRequestsPerSecond},
			LogField{Key: "global_rps", Value: options.RateLimitConfig.GlobalRequestsPerSecond})
	}

	return server, nil
}

// ExecuteWithWorker runs a task in the worker pool, falling back to
// direct execution if the pool is unavailable or saturated.
func (n *AbsfsNFS) ExecuteWithWorker(task func() interface{}) interface{} {
	if n.workerPool == nil {
		return task()
	}
	if result, ok := n.workerPool.SubmitWait(task); ok {
		return result
	}
	return task()
}

// Close releases resources and stops background processes.
func (n *AbsfsNFS) Close() error {
	if n.workerPool != nil {
		n.workerPool.Stop()
	}
	return nil
}
