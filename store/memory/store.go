// Package memory provides a fully in-memory job store. Safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/typefold/typeset"
	"github.com/typefold/typeset/id"
	"github.com/typefold/typeset/job"
)

// Ensure Store implements the job transition contract at compile time.
var _ job.Store = (*Store)(nil)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

// New returns a new empty Store.
func New() *Store {
	return &Store{jobs: make(map[string]*job.Job)}
}

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// CreateExclusive persists a new Queued job unless the owner already
// has a non-terminal one.
func (m *Store) CreateExclusive(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return typeset.ErrJobAlreadyExists
	}
	for _, existing := range m.jobs {
		if existing.OwnerKey == j.OwnerKey && !existing.State.IsTerminal() {
			return typeset.ErrJobAlreadyActive
		}
	}

	m.jobs[key] = j.Clone()
	return nil
}

// Get retrieves a snapshot of a job by ID.
func (m *Store) Get(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, typeset.ErrJobNotFound
	}
	return j.Clone(), nil
}

// Claim transitions the oldest Queued job to Running and returns it.
func (m *Store) Claim(_ context.Context, workerID id.WorkerID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *job.Job
	for _, j := range m.jobs {
		if j.State != job.StateQueued {
			continue
		}
		if oldest == nil || j.SubmittedAt.Before(oldest.SubmittedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	oldest.State = job.StateRunning
	oldest.StartedAt = &now
	oldest.WorkerID = workerID
	oldest.UpdatedAt = now
	return oldest.Clone(), nil
}

// RequestCancel marks a job for cancellation.
func (m *Store) RequestCancel(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, typeset.ErrJobNotFound
	}
	if j.State.IsTerminal() {
		return nil, typeset.ErrAlreadyTerminal
	}

	now := time.Now().UTC()
	j.CancelRequested = true
	j.UpdatedAt = now

	// Queued work is never dequeued once cancelled.
	if j.State == job.StateQueued {
		j.State = job.StateCancelled
		j.FinishedAt = &now
	}
	return j.Clone(), nil
}

// Finish transitions a Running job into a terminal state.
func (m *Store) Finish(_ context.Context, jobID id.JobID, state job.State, artifactRef string, errDetail *job.ErrorDetail) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return typeset.ErrJobNotFound
	}
	if j.State != job.StateRunning || !j.State.CanTransitionTo(state) {
		return typeset.ErrInvalidTransition
	}

	now := time.Now().UTC()
	j.State = state
	j.FinishedAt = &now
	j.UpdatedAt = now
	j.ArtifactRef = artifactRef
	if errDetail != nil {
		d := *errDetail
		j.ErrorDetail = &d
	}
	return nil
}

// ActiveByOwner returns the owner's non-terminal job.
func (m *Store) ActiveByOwner(_ context.Context, ownerKey string) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, j := range m.jobs {
		if j.OwnerKey == ownerKey && !j.State.IsTerminal() {
			return j.Clone(), nil
		}
	}
	return nil, typeset.ErrJobNotFound
}

// SweepExpired evicts terminal jobs finished before cutoff.
func (m *Store) SweepExpired(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for key, j := range m.jobs {
		if j.State.IsTerminal() && j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
			delete(m.jobs, key)
			evicted++
		}
	}
	return evicted, nil
}

// ResetRunning moves Running jobs back to Queued for crash recovery.
func (m *Store) ResetRunning(_ context.Context) ([]id.JobID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []id.JobID
	for _, j := range m.jobs {
		if j.State != job.StateRunning {
			continue
		}
		j.State = job.StateQueued
		j.StartedAt = nil
		j.WorkerID = id.Nil
		j.UpdatedAt = time.Now().UTC()
		ids = append(ids, j.ID)
	}
	return ids, nil
}

// ListByState returns jobs in the given state ordered by submission time.
func (m *Store) ListByState(_ context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.State != state {
			continue
		}
		if opts.OwnerKey != "" && j.OwnerKey != opts.OwnerKey {
			continue
		}
		matched = append(matched, j.Clone())
	}

	sort.Slice(matched, func(i, k int) bool {
		return matched[i].SubmittedAt.Before(matched[k].SubmittedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// Count returns the number of jobs matching the options.
func (m *Store) Count(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, j := range m.jobs {
		if opts.State != "" && j.State != opts.State {
			continue
		}
		if opts.OwnerKey != "" && j.OwnerKey != opts.OwnerKey {
			continue
		}
		n++
	}
	return n, nil
}
