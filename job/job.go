package job

import (
	"errors"
	"time"

	"github.com/typefold/typeset"
	"github.com/typefold/typeset/id"
)

// State represents the lifecycle state of a compile job.
type State string

const (
	// StateQueued means the job is waiting to be picked up by a worker.
	StateQueued State = "queued"
	// StateRunning means a worker is currently compiling the job.
	StateRunning State = "running"
	// StateCompleted means the engine produced an output artifact.
	StateCompleted State = "completed"
	// StateFailed means the engine reported a failure, timed out, or
	// the runner hit an internal error.
	StateFailed State = "failed"
	// StateCancelled means the job was cancelled before or during
	// execution.
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// CanTransitionTo reports whether the state machine has an edge from s
// to next. No edge ever re-enters Queued or Running.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StateQueued:
		return next == StateRunning || next == StateCancelled
	case StateRunning:
		return next == StateCompleted || next == StateFailed || next == StateCancelled
	default:
		return false
	}
}

// Kind is the compilation profile. It affects which inputs the engine
// reads, never the state machine.
type Kind string

const (
	// KindFull compiles the whole document with all passes.
	KindFull Kind = "full"
	// KindSection compiles a single section against the project preamble.
	KindSection Kind = "section"
	// KindDraft is a single fast pass without cross-reference resolution.
	KindDraft Kind = "draft"
)

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindFull, KindSection, KindDraft:
		return Kind(s), nil
	default:
		return "", typeset.ErrInvalidKind
	}
}

// ErrorKind classifies a terminal failure.
type ErrorKind string

const (
	// ErrEngine means the engine ran and reported a compile failure.
	ErrEngine ErrorKind = "engine_error"
	// ErrTimeout means the engine exceeded the configured wall-clock limit.
	ErrTimeout ErrorKind = "timeout"
	// ErrInternal means orchestration or execution hit an unexpected
	// error; the recorded message is deliberately generic.
	ErrInternal ErrorKind = "internal_error"
)

// ErrorDetail is the structured diagnostic recorded on a Failed job.
type ErrorDetail struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	LogExcerpt string    `json:"log_excerpt,omitempty"`
}

func (e *ErrorDetail) Error() string { return string(e.Kind) + ": " + e.Message }

// Job represents one request to compile a document into an output
// artifact, tracked through the fixed state machine.
type Job struct {
	typeset.Entity

	ID        id.JobID `json:"id"`
	OwnerKey  string   `json:"owner_key"`
	Kind      Kind     `json:"kind"`
	SourceRef string   `json:"source_ref"`
	State     State    `json:"state"`

	// ArtifactRef is set only on the transition into Completed.
	ArtifactRef string `json:"artifact_ref,omitempty"`
	// ErrorDetail is set only on the transition into Failed. It is
	// mutually exclusive with ArtifactRef.
	ErrorDetail *ErrorDetail `json:"error_detail,omitempty"`

	// CancelRequested is settable by the owner while the job is Queued
	// or Running. The runner observes it and performs the terminal
	// transition.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	WorkerID id.WorkerID `json:"worker_id,omitempty"`

	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// New creates a Queued job record for the given owner, kind, and
// source reference.
func New(ownerKey string, kind Kind, sourceRef string) *Job {
	return &Job{
		Entity:      typeset.NewEntity(),
		ID:          id.NewJobID(),
		OwnerKey:    ownerKey,
		Kind:        kind,
		SourceRef:   sourceRef,
		State:       StateQueued,
		SubmittedAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy of the job, safe to hand to callers while
// the original keeps mutating under the store's lock.
func (j *Job) Clone() *Job {
	cp := *j
	if j.ErrorDetail != nil {
		d := *j.ErrorDetail
		cp.ErrorDetail = &d
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// Validate checks the record invariants that hold in every state.
func (j *Job) Validate() error {
	if j.ID.IsNil() {
		return errors.New("job: missing id")
	}
	if j.OwnerKey == "" {
		return errors.New("job: missing owner key")
	}
	if _, err := ParseKind(string(j.Kind)); err != nil {
		return err
	}
	if j.ArtifactRef != "" && j.ErrorDetail != nil {
		return errors.New("job: artifact ref and error detail are mutually exclusive")
	}
	if !j.State.IsTerminal() && (j.ArtifactRef != "" || j.ErrorDetail != nil) {
		return errors.New("job: outcome set before a terminal state")
	}
	return nil
}
