package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/typefold/typeset/job"
)

// ---------------------------------------------------------------------------
// Manager basics
// ---------------------------------------------------------------------------

func TestNewManager_Empty(t *testing.T) {
	m := NewManager()
	// No configs; Acquire/Release should always succeed.
	if !m.Acquire(job.KindFull, "") {
		t.Fatal("expected Acquire to succeed for unconfigured kind")
	}
	m.Release(job.KindFull, "")
}

func TestNewManager_WithConfig(t *testing.T) {
	m := NewManager(Config{
		Kind:           job.KindFull,
		MaxConcurrency: 2,
	})
	if m.ActiveCount(job.KindFull) != 0 {
		t.Fatal("expected 0 active compiles initially")
	}
}

// ---------------------------------------------------------------------------
// Concurrency limits
// ---------------------------------------------------------------------------

func TestManager_MaxConcurrency(t *testing.T) {
	m := NewManager(Config{
		Kind:           job.KindFull,
		MaxConcurrency: 2,
	})

	if !m.Acquire(job.KindFull, "") {
		t.Fatal("first Acquire should succeed")
	}
	if !m.Acquire(job.KindFull, "") {
		t.Fatal("second Acquire should succeed")
	}
	// Third should be blocked.
	if m.Acquire(job.KindFull, "") {
		t.Fatal("third Acquire should fail (max concurrency 2)")
	}

	// Release one slot.
	m.Release(job.KindFull, "")
	if !m.Acquire(job.KindFull, "") {
		t.Fatal("Acquire should succeed after Release")
	}
}

func TestManager_AcquireRelease_ActiveCount(t *testing.T) {
	m := NewManager(Config{
		Kind:           job.KindDraft,
		MaxConcurrency: 5,
	})

	for i := range 3 {
		if !m.Acquire(job.KindDraft, "") {
			t.Fatalf("Acquire %d should succeed", i)
		}
	}
	if m.ActiveCount(job.KindDraft) != 3 {
		t.Fatalf("expected 3 active, got %d", m.ActiveCount(job.KindDraft))
	}

	m.Release(job.KindDraft, "")
	m.Release(job.KindDraft, "")
	if m.ActiveCount(job.KindDraft) != 1 {
		t.Fatalf("expected 1 active, got %d", m.ActiveCount(job.KindDraft))
	}
}

// ---------------------------------------------------------------------------
// Rate limiting
// ---------------------------------------------------------------------------

func TestManager_RateLimit_Throttles(t *testing.T) {
	m := NewManager(Config{
		Kind:      job.KindFull,
		RateLimit: 1.0, // 1 per second
		RateBurst: 1,
	})

	// First should succeed (burst allows it).
	if !m.Acquire(job.KindFull, "") {
		t.Fatal("first Acquire should succeed (within burst)")
	}
	m.Release(job.KindFull, "")

	// Immediately after, token bucket is empty.
	if m.Acquire(job.KindFull, "") {
		t.Fatal("second Acquire should fail (rate limited)")
	}

	// Wait for token refill.
	time.Sleep(1100 * time.Millisecond)
	if !m.Acquire(job.KindFull, "") {
		t.Fatal("Acquire should succeed after token refill")
	}
	m.Release(job.KindFull, "")
}

func TestManager_RateLimit_BurstAllows(t *testing.T) {
	m := NewManager(Config{
		Kind:      job.KindSection,
		RateLimit: 10.0,
		RateBurst: 3,
	})

	// Three immediate acquires should succeed (burst = 3).
	for i := range 3 {
		if !m.Acquire(job.KindSection, "") {
			t.Fatalf("Acquire %d should succeed (within burst)", i)
		}
		m.Release(job.KindSection, "")
	}
}

func TestManager_DeniedAcquireKeepsRateToken(t *testing.T) {
	m := NewManager(Config{
		Kind:      job.KindFull,
		RateLimit: 0.001, // effectively no refill within the test
		RateBurst: 2,
	})
	m.SetOwnerConfig(OwnerConfig{
		Kind:           job.KindFull,
		OwnerKey:       "alice",
		MaxConcurrency: 1,
	})

	if !m.Acquire(job.KindFull, "alice") {
		t.Fatal("alice first Acquire should succeed")
	}
	// Denied by alice's concurrency cap; the kind bucket's remaining
	// token must survive the denial.
	if m.Acquire(job.KindFull, "alice") {
		t.Fatal("alice second Acquire should fail (owner max 1)")
	}
	if !m.Acquire(job.KindFull, "bob") {
		t.Fatal("bob Acquire should succeed with the remaining burst token")
	}

	m.Release(job.KindFull, "alice")
	m.Release(job.KindFull, "bob")
}

// ---------------------------------------------------------------------------
// Per-owner isolation
// ---------------------------------------------------------------------------

func TestManager_OwnerRateLimit(t *testing.T) {
	m := NewManager(Config{
		Kind:           job.KindFull,
		MaxConcurrency: 100, // high kind limit
	})

	m.SetOwnerConfig(OwnerConfig{
		Kind:           job.KindFull,
		OwnerKey:       "alice",
		MaxConcurrency: 1,
	})

	// Owner alice: first compile succeeds.
	if !m.Acquire(job.KindFull, "alice") {
		t.Fatal("alice first Acquire should succeed")
	}
	// Owner alice: second compile blocked.
	if m.Acquire(job.KindFull, "alice") {
		t.Fatal("alice second Acquire should fail (owner max 1)")
	}

	// Owner bob (no config): should still succeed.
	if !m.Acquire(job.KindFull, "bob") {
		t.Fatal("bob Acquire should succeed (no owner limit)")
	}

	m.Release(job.KindFull, "alice")
	m.Release(job.KindFull, "bob")
}

func TestManager_OwnerIsolation(t *testing.T) {
	m := NewManager(Config{
		Kind:           job.KindDraft,
		MaxConcurrency: 100,
	})

	m.SetOwnerConfig(OwnerConfig{
		Kind:           job.KindDraft,
		OwnerKey:       "alice",
		MaxConcurrency: 2,
	})
	m.SetOwnerConfig(OwnerConfig{
		Kind:           job.KindDraft,
		OwnerKey:       "bob",
		MaxConcurrency: 2,
	})

	// Fill alice's slots.
	m.Acquire(job.KindDraft, "alice")
	m.Acquire(job.KindDraft, "alice")

	// alice is maxed.
	if m.Acquire(job.KindDraft, "alice") {
		t.Fatal("alice should be blocked at max concurrency")
	}

	// bob is unaffected.
	if !m.Acquire(job.KindDraft, "bob") {
		t.Fatal("bob should not be affected by alice's limits")
	}

	m.Release(job.KindDraft, "alice")
	m.Release(job.KindDraft, "alice")
	m.Release(job.KindDraft, "bob")
}

func TestManager_OwnerActiveCount(t *testing.T) {
	m := NewManager(Config{Kind: job.KindFull, MaxConcurrency: 10})
	m.SetOwnerConfig(OwnerConfig{
		Kind:           job.KindFull,
		OwnerKey:       "alice",
		MaxConcurrency: 5,
	})

	m.Acquire(job.KindFull, "alice")
	m.Acquire(job.KindFull, "alice")

	if got := m.OwnerActiveCount(job.KindFull, "alice"); got != 2 {
		t.Fatalf("expected owner active 2, got %d", got)
	}

	m.Release(job.KindFull, "alice")
	if got := m.OwnerActiveCount(job.KindFull, "alice"); got != 1 {
		t.Fatalf("expected owner active 1, got %d", got)
	}
}

// ---------------------------------------------------------------------------
// Dynamic reconfiguration
// ---------------------------------------------------------------------------

func TestManager_SetKindConfig(t *testing.T) {
	m := NewManager(Config{
		Kind:           job.KindFull,
		MaxConcurrency: 1,
	})

	m.Acquire(job.KindFull, "")
	if m.Acquire(job.KindFull, "") {
		t.Fatal("should be blocked at concurrency 1")
	}

	// Raise the limit dynamically.
	m.SetKindConfig(Config{
		Kind:           job.KindFull,
		MaxConcurrency: 3,
	})

	// Now should succeed.
	if !m.Acquire(job.KindFull, "") {
		t.Fatal("should succeed after raising concurrency")
	}
	m.Release(job.KindFull, "")
	m.Release(job.KindFull, "")
}

// ---------------------------------------------------------------------------
// Concurrency safety
// ---------------------------------------------------------------------------

func TestManager_ConcurrentAccess(t *testing.T) {
	m := NewManager(Config{
		Kind:           job.KindFull,
		MaxConcurrency: 50,
	})

	var acquired atomic.Int64
	var wg sync.WaitGroup

	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Acquire(job.KindFull, "") {
				acquired.Add(1)
				// Simulate work.
				time.Sleep(time.Millisecond)
				m.Release(job.KindFull, "")
			}
		}()
	}

	wg.Wait()

	// At least some should have succeeded.
	if acquired.Load() == 0 {
		t.Fatal("expected some Acquires to succeed")
	}

	// Active should be back to 0.
	if m.ActiveCount(job.KindFull) != 0 {
		t.Fatalf("expected 0 active after all goroutines, got %d", m.ActiveCount(job.KindFull))
	}
}

func TestManager_UnconfiguredKind_AlwaysSucceeds(t *testing.T) {
	m := NewManager(Config{
		Kind:           job.KindFull,
		MaxConcurrency: 1,
	})

	// Draft compiles have no config, so no limits apply.
	for range 10 {
		if !m.Acquire(job.KindDraft, "") {
			t.Fatal("unconfigured kind should always allow Acquire")
		}
	}
	for range 10 {
		m.Release(job.KindDraft, "")
	}
}

func TestManager_ReleaseUnderflow(t *testing.T) {
	m := NewManager(Config{
		Kind:           job.KindFull,
		MaxConcurrency: 5,
	})

	// Release without Acquire should not go negative.
	m.Release(job.KindFull, "")
	if m.ActiveCount(job.KindFull) != 0 {
		t.Fatal("active count should not go below 0")
	}
}
