package typeset

import "time"

// Policy controls what Submit does when the owner already has a
// non-terminal job.
type Policy string

const (
	// PolicyReject rejects the new submission with ErrJobAlreadyActive.
	PolicyReject Policy = "reject"
	// PolicySupersede cancels the owner's active job and proceeds.
	PolicySupersede Policy = "supersede"
)

// Config holds configuration for the orchestrator and its runner pool.
type Config struct {
	// Concurrency is the number of compile jobs processed in parallel.
	Concurrency int

	// PollInterval is how often idle workers poll the store for
	// queued jobs.
	PollInterval time.Duration

	// EngineTimeout is the hard wall-clock limit for a single engine
	// invocation. A job exceeding it terminates as Failed/Timeout.
	EngineTimeout time.Duration

	// CancelGracePeriod is how long a cooperatively interrupted engine
	// process may keep running before it is forcibly terminated.
	CancelGracePeriod time.Duration

	// CancelCheckInterval is how often a running job's record is
	// checked for a cancel request.
	CancelCheckInterval time.Duration

	// RetentionWindow is how long terminal job records remain
	// retrievable before the sweeper evicts them.
	RetentionWindow time.Duration

	// SweepInterval is how often the sweeper runs.
	SweepInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// ActivePolicy selects the behaviour when an owner submits while a
	// prior job is still non-terminal.
	ActivePolicy Policy
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:         4,
		PollInterval:        1 * time.Second,
		EngineTimeout:       2 * time.Minute,
		CancelGracePeriod:   5 * time.Second,
		CancelCheckInterval: 250 * time.Millisecond,
		RetentionWindow:     30 * time.Minute,
		SweepInterval:       1 * time.Minute,
		ShutdownTimeout:     30 * time.Second,
		ActivePolicy:        PolicyReject,
	}
}
