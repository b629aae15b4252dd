// Package queue provides admission control for the worker pool. Limits
// are applied per compile kind (full builds are heavier than drafts)
// and optionally per owner, using token-bucket rate limiting and
// concurrency caps. A worker asks the Manager before claiming a job and
// skips claims the Manager rejects, leaving the job queued for a later
// attempt.
package queue

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/typefold/typeset/job"
)

// Config defines per-kind behaviour such as rate limiting and concurrency.
type Config struct {
	// Kind is the compile kind this config applies to.
	Kind job.Kind

	// MaxConcurrency limits how many compiles of this kind may run
	// simultaneously across the local worker pool. Zero means no
	// kind-specific limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained compiles per second that may
	// be started for this kind. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// kindState tracks runtime state for a single compile kind.
type kindState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager controls per-kind and per-owner rate limiting and concurrency.
// It is safe for concurrent use.
type Manager struct {
	mu     sync.Mutex
	kinds  map[job.Kind]*kindState
	owners map[string]*ownerState
}

// NewManager creates a Manager with the given kind configurations.
// Kinds not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		kinds:  make(map[job.Kind]*kindState, len(configs)),
		owners: make(map[string]*ownerState),
	}
	for _, cfg := range configs {
		m.kinds[cfg.Kind] = newKindState(cfg)
	}
	return m
}

func newKindState(cfg Config) *kindState {
	ks := &kindState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ks.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ks
}

// Acquire checks rate limits and concurrency for the given kind and
// owner. If the compile is allowed to proceed it increments the active
// counters and returns true. The caller MUST call Release when the
// compile completes. A denial consumes no rate tokens: the concurrency
// caps are checked first, and a token reserved on one limiter is
// returned when the other limiter denies.
func (m *Manager) Acquire(kind job.Kind, ownerKey string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ks := m.kinds[kind]
	var os *ownerState
	if ownerKey != "" {
		os = m.owners[ownerLimitKey(kind, ownerKey)]
	}

	// Concurrency caps first; they consume nothing.
	if ks != nil && ks.config.MaxConcurrency > 0 && ks.active >= ks.config.MaxConcurrency {
		return false
	}
	if os != nil && os.maxConcurrency > 0 && os.active >= os.maxConcurrency {
		return false
	}

	// Rate limiters last. An immediately-cancelled reservation restores
	// the token, so a partial grant leaves both buckets untouched.
	var kindRes *rate.Reservation
	if ks != nil && ks.limiter != nil {
		kindRes = ks.limiter.Reserve()
		if !kindRes.OK() || kindRes.Delay() > 0 {
			kindRes.Cancel()
			return false
		}
	}
	if os != nil && os.limiter != nil {
		ownerRes := os.limiter.Reserve()
		if !ownerRes.OK() || ownerRes.Delay() > 0 {
			ownerRes.Cancel()
			if kindRes != nil {
				kindRes.Cancel()
			}
			return false
		}
	}

	if ks != nil {
		ks.active++
	}
	if os != nil {
		os.active++
	}

	return true
}

// Release decrements the active compile count for the kind and owner.
func (m *Manager) Release(kind job.Kind, ownerKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ks := m.kinds[kind]; ks != nil && ks.active > 0 {
		ks.active--
	}

	if ownerKey != "" {
		if os := m.owners[ownerLimitKey(kind, ownerKey)]; os != nil && os.active > 0 {
			os.active--
		}
	}
}

// SetKindConfig dynamically updates (or creates) a kind configuration.
func (m *Manager) SetKindConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.kinds[cfg.Kind]
	ks := newKindState(cfg)

	// Preserve current active count if reconfiguring.
	if existing != nil {
		ks.active = existing.active
	}
	m.kinds[cfg.Kind] = ks
}

// ActiveCount returns the current number of active compiles for a kind.
func (m *Manager) ActiveCount(kind job.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ks := m.kinds[kind]; ks != nil {
		return ks.active
	}
	return 0
}
