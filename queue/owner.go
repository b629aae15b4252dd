package queue

import (
	"fmt"

	"golang.org/x/time/rate"

	"github.com/typefold/typeset/job"
)

// OwnerConfig defines rate limits and concurrency for a specific owner
// on a specific compile kind, identified by the job's OwnerKey. The
// store already enforces a single active job per owner; owner limits
// here additionally throttle how often an aggressive owner can start
// new compiles.
type OwnerConfig struct {
	// Kind is the compile kind this config applies to.
	Kind job.Kind

	// OwnerKey is the owner identifier (job.OwnerKey).
	OwnerKey string

	// RateLimit is the sustained compiles per second for this owner.
	RateLimit float64

	// RateBurst is the burst size for the owner's rate limiter.
	RateBurst int

	// MaxConcurrency limits simultaneous compiles for this owner on
	// this kind. Zero means no owner-specific concurrency limit.
	MaxConcurrency int
}

// ownerState tracks runtime state for a single kind+owner pair.
type ownerState struct {
	limiter        *rate.Limiter
	maxConcurrency int
	active         int
}

// ownerLimitKey builds the map key for a kind+owner pair.
func ownerLimitKey(kind job.Kind, ownerKey string) string {
	return fmt.Sprintf("%s:%s", kind, ownerKey)
}

// SetOwnerConfig configures rate limits and concurrency for a specific
// owner on a specific kind. Calling this multiple times for the same
// kind+owner replaces the previous configuration.
func (m *Manager) SetOwnerConfig(cfg OwnerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := ownerLimitKey(cfg.Kind, cfg.OwnerKey)
	existing := m.owners[key]

	os := &ownerState{
		maxConcurrency: cfg.MaxConcurrency,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		os.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	// Preserve current active count if reconfiguring.
	if existing != nil {
		os.active = existing.active
	}
	m.owners[key] = os
}

// OwnerActiveCount returns the current number of active compiles for a
// kind+owner pair.
func (m *Manager) OwnerActiveCount(kind job.Kind, ownerKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if os := m.owners[ownerLimitKey(kind, ownerKey)]; os != nil {
		return os.active
	}
	return 0
}
