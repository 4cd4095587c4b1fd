package absnfs

import (
	"sync"
	"time"
)

// RateLimiterConfig defines rate limiting parameters.
type RateLimiterConfig struct {
	// Global limits
	GlobalRequestsPerSecond int // Maximum requests per second across all clients

	// Per-IP limits
	PerIPRequestsPerSecond int // Maximum requests per second per IP
	PerIPBurstSize         int // Burst allowance per IP

	// Per-connection limits
	PerConnectionRequestsPerSecond int // Maximum requests per second per connection
	PerConnectionBurstSize         int // Burst allowance per connection

	// Per-operation type limits
	ReadLargeOpsPerSecond  int // Large reads (>64KB) per second per IP
	WriteLargeOpsPerSecond int // Large writes (>64KB) per second per IP
	ReaddirOpsPerSecond    int // READDIR operations per second per IP

	// Mount operation limits
	MountOpsPerMinute int // MOUNT3 MNT calls per minute per IP

	// Mount table limits. The MOUNT3 mount list is advisory and a
	// crashed client never sends UMNT, so without a cap a hostile
	// client could grow it without bound.
	MountEntriesPerIP  int // Maximum live mount-table entries per IP
	MountEntriesGlobal int // Maximum live mount-table entries overall

	// Cleanup
	CleanupInterval time.Duration // How often to cleanup old entries
}

// DefaultRateLimiterConfig returns sensible defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GlobalRequestsPerSecond:        10000,
		PerIPRequestsPerSecond:         1000,
		PerIPBurstSize:                 500, // NFS clients burst during mount
		PerConnectionRequestsPerSecond: 500,
		PerConnectionBurstSize:         100,
		ReadLargeOpsPerSecond:          100,
		WriteLargeOpsPerSecond:         50,
		ReaddirOpsPerSecond:            50,
		MountOpsPerMinute:              10,
		MountEntriesPerIP:              64,
		MountEntriesGlobal:             8192,
		CleanupInterval:                5 * time.Minute,
	}
}

// TokenBucket implements a token bucket rate limiter.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a bucket holding burst tokens that refills at
// rate tokens per second.
func NewTokenBucket(rate float64, burst int) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

func (tb *TokenBucket) refillLocked(now time.Time) {
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN consumes n tokens if available.
func (tb *TokenBucket) AllowN(n int) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked(time.Now())
	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}
	return false
}

// Tokens returns the current token count (for testing/metrics).
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tokens := tb.tokens + time.Since(tb.lastRefill).Seconds()*tb.refillRate
	if tokens > tb.maxTokens {
		tokens = tb.maxTokens
	}
	return tokens
}

// SlidingWindow implements a sliding window rate limiter.
type SlidingWindow struct {
	mu       sync.Mutex
	window   time.Duration
	maxCount int
	requests []time.Time
}

// NewSlidingWindow creates a limiter allowing maxCount events per
// window.
func NewSlidingWindow(window time.Duration, maxCount int) *SlidingWindow {
	return &SlidingWindow{
		window:   window,
		maxCount: maxCount,
		requests: make([]time.Time, 0, maxCount+1),
	}
}

// Allow records an event if the window has room.
func (sw *SlidingWindow) Allow() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-sw.window)

	valid := sw.requests[:0]
	for _, t := range sw.requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	sw.requests = valid

	if len(sw.requests) < sw.maxCount {
		sw.requests = append(sw.requests, now)
		return true
	}
	return false
}

// Count returns the number of events currently inside the window.
func (sw *SlidingWindow) Count() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	cutoff := time.Now().Add(-sw.window)
	count := 0
	for _, t := range sw.requests {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

// PerIPLimiter manages one token bucket per client IP.
type PerIPLimiter struct {
	mu              sync.RWMutex
	limiters        map[string]*TokenBucket
	rate            float64
	burst           int
	lastCleanup     time.Time
	cleanupInterval time.Duration
}

// NewPerIPLimiter creates a per-IP limiter with the given bucket
// parameters.
func NewPerIPLimiter(rate float64, burst int, cleanupInterval time.Duration) *PerIPLimiter {
	return &PerIPLimiter{
		limiters:        make(map[string]*TokenBucket),
		rate:            rate,
		burst:           burst,
		lastCleanup:     time.Now(),
		cleanupInterval: cleanupInterval,
	}
}

// Allow consumes a token from ip's bucket, creating it on first use.
func (pl *PerIPLimiter) Allow(ip string) bool {
	pl.mu.Lock()

	if time.Since(pl.lastCleanup) > pl.cleanupInterval {
		pl.cleanup()
		pl.lastCleanup = time.Now()
	}

	limiter, exists := pl.limiters[ip]
	if !exists {
		limiter = NewTokenBucket(pl.rate, pl.burst)
		pl.limiters[ip] = limiter
	}
	pl.mu.Unlock()

	return limiter.Allow()
}

// cleanup drops buckets that have fully refilled: a full bucket means
// the IP hasn't sent anything for at least a burst-worth of refill
// time.
func (pl *PerIPLimiter) cleanup() {
	for ip, limiter := range pl.limiters {
		if limiter.Tokens() >= float64(pl.burst) {
			delete(pl.limiters, ip)
		}
	}
}

// GetStats returns the current token count per tracked IP.
func (pl *PerIPLimiter) GetStats() map[string]float64 {
	pl.mu.RLock()
	defer pl.mu.RUnlock()

	stats := make(map[string]float64)
	for ip, limiter := range pl.limiters {
		stats[ip] = limiter.Tokens()
	}
	return stats
}

// OperationType classifies requests for per-operation rate limiting.
type OperationType string

const (
	OpTypeReadLarge  OperationType = "read_large"  // READ >64KB
	OpTypeWriteLarge OperationType = "write_large" // WRITE >64KB
	OpTypeReaddir    OperationType = "readdir"     // READDIR
	OpTypeMount      OperationType = "mount"       // MOUNT3 MNT
)

// PerOperationLimiter manages rate limiters per operation type per IP.
type PerOperationLimiter struct {
	mu              sync.RWMutex
	limiters        map[string]map[OperationType]*TokenBucket
	rates           map[OperationType]float64
	bursts          map[OperationType]int
	lastCleanup     time.Time
	cleanupInterval time.Duration
}

// NewPerOperationLimiter creates a per-operation limiter from config.
func NewPerOperationLimiter(config RateLimiterConfig) *PerOperationLimiter {
	rates := map[OperationType]float64{
		OpTypeReadLarge:  float64(config.ReadLargeOpsPerSecond),
		OpTypeWriteLarge: float64(config.WriteLargeOpsPerSecond),
		OpTypeReaddir:    float64(config.ReaddirOpsPerSecond),
		OpTypeMount:      float64(config.MountOpsPerMinute) / 60.0,
	}

	mountBurst := config.MountOpsPerMinute / 2
	if mountBurst < 2 {
		mountBurst = 2
	}
	bursts := map[OperationType]int{
		OpTypeReadLarge:  10,
		OpTypeWriteLarge: 5,
		OpTypeReaddir:    5,
		OpTypeMount:      mountBurst,
	}

	return &PerOperationLimiter{
		limiters:        make(map[string]map[OperationType]*TokenBucket),
		rates:           rates,
		bursts:          bursts,
		lastCleanup:     time.Now(),
		cleanupInterval: config.CleanupInterval,
	}
}

// Allow consumes a token from ip's bucket for opType.
func (pol *PerOperationLimiter) Allow(ip string, opType OperationType) bool {
	pol.mu.Lock()

	if time.Since(pol.lastCleanup) > pol.cleanupInterval {
		pol.cleanup()
		pol.lastCleanup = time.Now()
	}

	ipLimiters, exists := pol.limiters[ip]
	if !exists {
		ipLimiters = make(map[OperationType]*TokenBucket)
		pol.limiters[ip] = ipLimiters
	}

	limiter, exists := ipLimiters[opType]
	if !exists {
		limiter = NewTokenBucket(pol.rates[opType], pol.bursts[opType])
		ipLimiters[opType] = limiter
	}
	pol.mu.Unlock()

	return limiter.Allow()
}

func (pol *PerOperationLimiter) cleanup() {
	for ip, ipLimiters := range pol.limiters {
		allFull := true
		for opType, limiter := range ipLimiters {
			if limiter.Tokens() < float64(pol.bursts[opType]) {
				allFull = false
				break
			}
		}
		if allFull {
			delete(pol.limiters, ip)
		}
	}
}

// RateLimiter combines the global, per-IP, per-connection and
// per-operation limiters plus the mount-table accounting into the one
// object the transports consult per request.
type RateLimiter struct {
	config               RateLimiterConfig
	globalLimiter        *TokenBucket
	perIPLimiter         *PerIPLimiter
	perConnectionLimiter sync.Map // map[connID]*TokenBucket
	perOperationLimiter  *PerOperationLimiter
	mountEntriesPerIP    sync.Map // map[IP]int
	mountEntriesGlobal   int
	mountEntriesMu       sync.Mutex
}

// NewRateLimiter creates a rate limiter with the given configuration.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		config:              config,
		globalLimiter:       NewTokenBucket(float64(config.GlobalRequestsPerSecond), config.GlobalRequestsPerSecond),
		perIPLimiter:        NewPerIPLimiter(float64(config.PerIPRequestsPerSecond), config.PerIPBurstSize, config.CleanupInterval),
		perOperationLimiter: NewPerOperationLimiter(config),
	}
}

// AllowRequest checks the global, per-IP and per-connection buckets in
// that order; any of them denying denies the request.
func (rl *RateLimiter) AllowRequest(ip string, connID string) bool {
	if !rl.globalLimiter.Allow() {
		return false
	}

	if !rl.perIPLimiter.Allow(ip) {
		return false
	}

	if rl.config.PerConnectionRequestsPerSecond > 0 {
		limiterInterface, exists := rl.perConnectionLimiter.Load(connID)
		var limiter *TokenBucket
		if exists {
			limiter, _ = limiterInterface.(*TokenBucket)
		}
		if limiter == nil {
			limiter = NewTokenBucket(
				float64(rl.config.PerConnectionRequestsPerSecond),
				rl.config.PerConnectionBurstSize,
			)
			rl.perConnectionLimiter.Store(connID, limiter)
		}

		if !limiter.Allow() {
			return false
		}
	}

	return true
}

// AllowOperation checks the per-operation-type bucket for ip.
func (rl *RateLimiter) AllowOperation(ip string, opType OperationType) bool {
	return rl.perOperationLimiter.Allow(ip, opType)
}

// AllocateMountEntry reserves a mount-table slot for ip, failing once
// either the per-IP or global cap is reached. Callers must pair a
// successful allocation with ReleaseMountEntry when the entry is
// removed.
func (rl *RateLimiter) AllocateMountEntry(ip string) bool {
	rl.mountEntriesMu.Lock()
	defer rl.mountEntriesMu.Unlock()

	if rl.config.MountEntriesGlobal > 0 && rl.mountEntriesGlobal >= rl.config.MountEntriesGlobal {
		return false
	}

	if rl.config.MountEntriesPerIP > 0 {
		countInterface, _ := rl.mountEntriesPerIP.LoadOrStore(ip, 0)
		count := countInterface.(int)
		if count >= rl.config.MountEntriesPerIP {
			return false
		}
		rl.mountEntriesPerIP.Store(ip, count+1)
	}

	rl.mountEntriesGlobal++
	return true
}

// ReleaseMountEntry returns n mount-table slots for ip.
func (rl *RateLimiter) ReleaseMountEntry(ip string, n int) {
	rl.mountEntriesMu.Lock()
	defer rl.mountEntriesMu.Unlock()

	for i := 0; i < n; i++ {
		if rl.mountEntriesGlobal > 0 {
			rl.mountEntriesGlobal--
		}
		countInterface, exists := rl.mountEntriesPerIP.Load(ip)
		if exists {
			count := countInterface.(int)
			if count > 0 {
				rl.mountEntriesPerIP.Store(ip, count-1)
			}
		}
	}
}

// CleanupConnection drops the per-connection bucket when a connection
// closes.
func (rl *RateLimiter) CleanupConnection(connID string) {
	rl.perConnectionLimiter.Delete(connID)
}

// GetStats returns rate limiter statistics.
func (rl *RateLimiter) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	stats["global_tokens"] = rl.globalLimiter.Tokens()
	stats["per_ip_stats"] = rl.perIPLimiter.GetStats()

	rl.mountEntriesMu.Lock()
	stats["mount_entries_global"] = rl.mountEntriesGlobal
	rl.mountEntriesMu.Unlock()

	return stats
}
