package absnfs

import (
	"testing"
	"time"
)

func TestTokenBucketConsumesAndRefills(t *testing.T) {
	tb := NewTokenBucket(100, 2)

	if !tb.Allow() || !tb.Allow() {
		t.Fatal("burst tokens not available")
	}
	if tb.Allow() {
		t.Fatal("third request allowed from a two-token bucket")
	}

	time.Sleep(30 * time.Millisecond) // 100/s refills ~3 tokens
	if !tb.Allow() {
		t.Error("bucket did not refill")
	}
}

func TestTokenBucketAllowN(t *testing.T) {
	tb := NewTokenBucket(1, 10)
	if !tb.AllowN(10) {
		t.Fatal("full burst rejected")
	}
	if tb.AllowN(1) {
		t.Error("drained bucket allowed a request")
	}
}

func TestTokenBucketCapsAtBurst(t *testing.T) {
	tb := NewTokenBucket(1000000, 5)
	time.Sleep(10 * time.Millisecond)
	if got := tb.Tokens(); got > 5 {
		t.Errorf("tokens = %v, exceeds burst of 5", got)
	}
}

func TestSlidingWindow(t *testing.T) {
	sw := NewSlidingWindow(50*time.Millisecond, 3)

	for i := 0; i < 3; i++ {
		if !sw.Allow() {
			t.Fatalf("request %d denied under the cap", i)
		}
	}
	if sw.Allow() {
		t.Fatal("fourth request allowed in the window")
	}
	if got := sw.Count(); got != 3 {
		t.Errorf("count = %d, want 3", got)
	}

	time.Sleep(60 * time.Millisecond)
	if !sw.Allow() {
		t.Error("request denied after the window expired")
	}
}

func TestPerIPLimiterIsolatesClients(t *testing.T) {
	pl := NewPerIPLimiter(1, 1, time.Minute)

	if !pl.Allow("10.0.0.1") {
		t.Fatal("first client's first request denied")
	}
	if pl.Allow("10.0.0.1") {
		t.Fatal("first client's second request allowed over burst")
	}
	// A different client has its own bucket.
	if !pl.Allow("10.0.0.2") {
		t.Error("second client throttled by the first client's bucket")
	}
}

func TestRateLimiterAllowRequest(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.PerIPRequestsPerSecond = 1
	config.PerIPBurstSize = 2
	rl := NewRateLimiter(config)

	if !rl.AllowRequest("10.0.0.1", "conn1") {
		t.Fatal("first request denied")
	}
	if !rl.AllowRequest("10.0.0.1", "conn1") {
		t.Fatal("second request denied within burst")
	}
	if rl.AllowRequest("10.0.0.1", "conn1") {
		t.Error("request allowed past the per-IP burst")
	}
}

func TestRateLimiterPerConnection(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.PerConnectionRequestsPerSecond = 1
	config.PerConnectionBurstSize = 1
	rl := NewRateLimiter(config)

	if !rl.AllowRequest("10.0.0.1", "connA") {
		t.Fatal("first request denied")
	}
	if rl.AllowRequest("10.0.0.1", "connA") {
		t.Error("second request on one connection allowed over burst")
	}
	if !rl.AllowRequest("10.0.0.1", "connB") {
		t.Error("fresh connection throttled by another connection's bucket")
	}

	rl.CleanupConnection("connA")
	if !rl.AllowRequest("10.0.0.1", "connA") {
		t.Error("connection bucket survived CleanupConnection")
	}
}

func TestRateLimiterMountOperations(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.MountOpsPerMinute = 4 // burst of 2
	rl := NewRateLimiter(config)

	// The third MNT in quick succession is throttled.
	if !rl.AllowOperation("10.0.0.1", OpTypeMount) {
		t.Fatal("first MNT denied")
	}
	if !rl.AllowOperation("10.0.0.1", OpTypeMount) {
		t.Fatal("second MNT denied")
	}
	if rl.AllowOperation("10.0.0.1", OpTypeMount) {
		t.Error("third MNT allowed over the burst")
	}
}

func TestRateLimiterMountEntryAccounting(t *testing.T) {
	config := DefaultRateLimiterConfig()
	config.MountEntriesPerIP = 2
	config.MountEntriesGlobal = 3
	rl := NewRateLimiter(config)

	if !rl.AllocateMountEntry("10.0.0.1") || !rl.AllocateMountEntry("10.0.0.1") {
		t.Fatal("allocations under the per-IP cap denied")
	}
	if rl.AllocateMountEntry("10.0.0.1") {
		t.Error("allocation over the per-IP cap granted")
	}

	// Another client can still take the remaining global slot...
	if !rl.AllocateMountEntry("10.0.0.2") {
		t.Error("second client denied under its per-IP cap")
	}
	// ...but the global cap then binds.
	if rl.AllocateMountEntry("10.0.0.3") {
		t.Error("allocation over the global cap granted")
	}

	rl.ReleaseMountEntry("10.0.0.1", 2)
	if !rl.AllocateMountEntry("10.0.0.1") {
		t.Error("released slots not reusable")
	}
}

func TestRateLimiterGetStats(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.AllowRequest("10.0.0.1", "c")
	rl.AllocateMountEntry("10.0.0.1")

	stats := rl.GetStats()
	if stats["mount_entries_global"].(int) != 1 {
		t.Errorf("mount_entries_global = %v, want 1", stats["mount_entries_global"])
	}
	if _, ok := stats["global_tokens"].(float64); !ok {
		t.Error("global_tokens missing from stats")
	}
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	config := DefaultRateLimiterConfig()
	if config.GlobalRequestsPerSecond <= 0 ||
		config.PerIPRequestsPerSecond <= 0 ||
		config.MountEntriesPerIP <= 0 ||
		config.CleanupInterval <= 0 {
		t.Errorf("defaults not all positive: %+v", config)
	}
}
