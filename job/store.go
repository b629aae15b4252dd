package job

import (
	"context"
	"time"

	"github.com/typefold/typeset/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// OwnerKey filters by owner. Empty means all owners.
	OwnerKey string
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// State filters by job state. Empty means all states.
	State State
	// OwnerKey filters by owner. Empty means all owners.
	OwnerKey string
}

// Store defines the persistence contract for compile jobs. Every
// state-changing operation is a single atomic transition so that
// Submit, Cancel, and runner updates never interleave into an
// inconsistent record.
type Store interface {
	// CreateExclusive persists a new Queued job, failing with
	// typeset.ErrJobAlreadyActive if the owner already has a
	// non-terminal job, and typeset.ErrJobAlreadyExists on id reuse.
	CreateExclusive(ctx context.Context, j *Job) error

	// Get retrieves a point-in-time snapshot of a job by ID.
	// Returns typeset.ErrJobNotFound for unknown or evicted ids.
	Get(ctx context.Context, jobID id.JobID) (*Job, error)

	// Claim atomically transitions the oldest eligible Queued job to
	// Running, records the claiming worker and StartedAt, and returns
	// the claimed snapshot. Returns (nil, nil) when nothing is queued.
	Claim(ctx context.Context, workerID id.WorkerID) (*Job, error)

	// RequestCancel marks a job for cancellation. A Queued job
	// transitions to Cancelled immediately (it will never be claimed);
	// a Running job only gets its CancelRequested flag set — the
	// runner performs the terminal transition. Terminal jobs return
	// typeset.ErrAlreadyTerminal. The updated snapshot is returned.
	RequestCancel(ctx context.Context, jobID id.JobID) (*Job, error)

	// Finish transitions a Running job into the given terminal state,
	// setting FinishedAt and exactly one of artifactRef or errDetail.
	// Any other current state returns typeset.ErrInvalidTransition.
	Finish(ctx context.Context, jobID id.JobID, state State, artifactRef string, errDetail *ErrorDetail) error

	// ActiveByOwner returns the owner's non-terminal job, or
	// typeset.ErrJobNotFound when the owner has none.
	ActiveByOwner(ctx context.Context, ownerKey string) (*Job, error)

	// SweepExpired evicts terminal jobs whose FinishedAt is before
	// cutoff and returns how many were removed. Evicted ids are never
	// reused; Get on them reports typeset.ErrJobNotFound.
	SweepExpired(ctx context.Context, cutoff time.Time) (int, error)

	// ResetRunning moves all Running jobs back to Queued and returns
	// their ids. Called once at startup to recover jobs interrupted by
	// a crash; never used during normal operation.
	ResetRunning(ctx context.Context) ([]id.JobID, error)

	// ListByState returns jobs matching the given state, ordered by
	// submission time ascending.
	ListByState(ctx context.Context, state State, opts ListOpts) ([]*Job, error)

	// Count returns the number of jobs matching the given options.
	Count(ctx context.Context, opts CountOpts) (int64, error)
}
