// Package orchestrator is the central coordinator for compile jobs:
// accepting submissions, answering status polls, relaying cancel
// requests, running the worker pool, and sweeping expired records.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/typefold/typeset"
	"github.com/typefold/typeset/engine"
	"github.com/typefold/typeset/ext"
	"github.com/typefold/typeset/id"
	"github.com/typefold/typeset/job"
	"github.com/typefold/typeset/middleware"
	"github.com/typefold/typeset/project"
	"github.com/typefold/typeset/store"
	"github.com/typefold/typeset/worker"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// Orchestrator owns the full job lifecycle. Create one with New,
// register extensions, then call Start. All methods are safe for
// concurrent use.
type Orchestrator struct {
	config     typeset.Config
	logger     *slog.Logger
	store      store.Store
	projects   project.Store
	engine     engine.Engine
	extensions *ext.Registry

	queueManager worker.QueueManager
	extraMW      []middleware.Middleware

	pool    *worker.Pool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// New creates an Orchestrator over the given store, project store, and
// engine.
func New(s store.Store, projects project.Store, eng engine.Engine, opts ...Option) (*Orchestrator, error) {
	if s == nil {
		return nil, typeset.ErrNoStore
	}
	o := &Orchestrator{
		config:   typeset.DefaultConfig(),
		logger:   slog.Default(),
		store:    s,
		projects: projects,
		engine:   eng,
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	o.extensions = ext.NewRegistry(o.logger)
	return o, nil
}

// WithConfig replaces the default configuration.
func WithConfig(cfg typeset.Config) Option {
	return func(o *Orchestrator) error {
		o.config = cfg
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) error {
		o.logger = l
		return nil
	}
}

// WithQueueManager sets the admission controller for the worker pool.
func WithQueueManager(m worker.QueueManager) Option {
	return func(o *Orchestrator) error {
		o.queueManager = m
		return nil
	}
}

// WithMiddleware appends extra middleware around the engine invocation,
// inside the built-in chain but outside the timeout.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *Orchestrator) error {
		o.extraMW = append(o.extraMW, mws...)
		return nil
	}
}

// Register adds a lifecycle extension. Must be called before Start.
func (o *Orchestrator) Register(e ext.Extension) { o.extensions.Register(e) }

// Config returns a copy of the orchestrator's configuration.
func (o *Orchestrator) Config() typeset.Config { return o.config }

// Logger returns the orchestrator's logger.
func (o *Orchestrator) Logger() *slog.Logger { return o.logger }

// Submit validates and accepts a compile request, returning the Queued
// job snapshot. The owner policy decides what happens when the owner
// already has a non-terminal job: PolicyReject returns
// typeset.ErrJobAlreadyActive, PolicySupersede cancels the active job
// and retries once.
func (o *Orchestrator) Submit(ctx context.Context, ownerKey, kind, sourceRef string) (*job.Job, error) {
	if ownerKey == "" {
		return nil, fmt.Errorf("orchestrator: missing owner key")
	}
	k, err := job.ParseKind(kind)
	if err != nil {
		return nil, err
	}

	// Existence check at submission time. The tree is resolved again
	// when the compile starts.
	if _, err := o.projects.Resolve(ctx, sourceRef); err != nil {
		return nil, err
	}

	j := job.New(ownerKey, k, sourceRef)
	err = o.store.CreateExclusive(ctx, j)
	if errors.Is(err, typeset.ErrJobAlreadyActive) && o.config.ActivePolicy == typeset.PolicySupersede {
		err = o.supersede(ctx, ownerKey, j)
	}
	if err != nil {
		return nil, err
	}

	o.extensions.EmitJobQueued(ctx, j)
	o.logger.Info("job queued",
		slog.String("job_id", j.ID.String()),
		slog.String("owner", ownerKey),
		slog.String("kind", kind),
		slog.String("source_ref", sourceRef),
	)
	return j.Clone(), nil
}

// supersede cancels the owner's active job and retries the create. A
// Running active job only gets its cancel flag set, so the retry can
// still lose; the caller sees ErrJobAlreadyActive and may resubmit
// after the runner winds the old job down.
func (o *Orchestrator) supersede(ctx context.Context, ownerKey string, j *job.Job) error {
	active, err := o.store.ActiveByOwner(ctx, ownerKey)
	if err != nil {
		if errors.Is(err, typeset.ErrJobNotFound) {
			// The active job finished in the meantime; just retry.
			return o.store.CreateExclusive(ctx, j)
		}
		return err
	}

	cancelled, err := o.store.RequestCancel(ctx, active.ID)
	if err != nil && !errors.Is(err, typeset.ErrAlreadyTerminal) {
		return err
	}
	if cancelled != nil && cancelled.State == job.StateCancelled {
		o.extensions.EmitJobCancelled(ctx, cancelled)
	}

	return o.store.CreateExclusive(ctx, j)
}

// Status returns a point-in-time snapshot of a job.
func (o *Orchestrator) Status(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return o.store.Get(ctx, jobID)
}

// Cancel requests cancellation of a job and returns the updated
// snapshot. A Queued job is Cancelled in the same call; a Running job
// is flagged and reaches Cancelled once the runner interrupts the
// engine. Terminal jobs return typeset.ErrAlreadyTerminal.
func (o *Orchestrator) Cancel(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := o.store.RequestCancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.State == job.StateCancelled {
		o.extensions.EmitJobCancelled(ctx, j)
	}
	o.logger.Info("cancel requested",
		slog.String("job_id", jobID.String()),
		slog.String("state", string(j.State)),
	)
	return j, nil
}

// List returns jobs in the given state, ordered by submission time.
func (o *Orchestrator) List(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	return o.store.ListByState(ctx, state, opts)
}

// Count returns the number of jobs matching the options.
func (o *Orchestrator) Count(ctx context.Context, opts job.CountOpts) (int64, error) {
	return o.store.Count(ctx, opts)
}

// Ping reports whether the store is reachable.
func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.store.Ping(ctx)
}

// Start migrates the store, recovers jobs interrupted by a prior crash,
// launches the worker pool, and starts the retention sweeper. It
// returns immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}

	if err := o.store.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: %w", typeset.ErrMigrationFailed, err)
	}

	recovered, err := o.store.ResetRunning(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: recover running jobs: %w", err)
	}
	for _, jobID := range recovered {
		o.logger.Warn("re-queued job interrupted by restart",
			slog.String("job_id", jobID.String()),
		)
	}

	mws := []middleware.Middleware{
		middleware.Recover(o.logger),
		middleware.Logging(o.logger),
		middleware.Tracing(),
		middleware.Metrics(),
	}
	mws = append(mws, o.extraMW...)
	mws = append(mws, middleware.Timeout(o.config.EngineTimeout))

	executor := worker.NewExecutor(
		o.store, o.projects, o.engine, o.extensions,
		o.config.CancelCheckInterval, o.logger, mws...,
	)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(o.config.Concurrency),
		worker.WithPollInterval(o.config.PollInterval),
	}
	if o.queueManager != nil {
		poolOpts = append(poolOpts, worker.WithQueueManager(o.queueManager))
	}
	o.pool = worker.NewPool(o.store, executor, o.extensions, o.logger, poolOpts...)

	if err := o.pool.Start(ctx); err != nil {
		return err
	}

	o.stopCh = make(chan struct{})
	o.wg.Add(1)
	go o.sweepLoop()

	o.started = true
	o.logger.Info("orchestrator started",
		slog.Int("concurrency", o.config.Concurrency),
		slog.Duration("engine_timeout", o.config.EngineTimeout),
		slog.Duration("retention_window", o.config.RetentionWindow),
	)
	return nil
}

// Stop gracefully shuts down: the pool drains within ShutdownTimeout,
// extensions get the shutdown event, and the store is closed.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = false
	o.mu.Unlock()

	close(o.stopCh)

	poolCtx := ctx
	if o.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		poolCtx, cancel = context.WithTimeout(ctx, o.config.ShutdownTimeout)
		defer cancel()
	}
	if err := o.pool.Stop(poolCtx); err != nil {
		o.logger.Error("pool stop error", slog.String("error", err.Error()))
	}

	o.wg.Wait()
	o.extensions.EmitShutdown(ctx)
	return o.store.Close()
}

// sweepLoop periodically evicts terminal records older than the
// retention window.
func (o *Orchestrator) sweepLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-o.config.RetentionWindow)
			n, err := o.store.SweepExpired(context.Background(), cutoff)
			if err != nil {
				o.logger.Error("sweep error", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				o.logger.Info("swept expired job records", slog.Int("evicted", n))
			}
		}
	}
}
