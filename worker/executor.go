// Package worker provides the compile execution engine — an Executor
// that drives one claimed job through middleware and the typesetting
// engine, and a Pool that manages concurrent worker goroutines claiming
// queued jobs from the store.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/typefold/typeset"
	"github.com/typefold/typeset/engine"
	"github.com/typefold/typeset/ext"
	"github.com/typefold/typeset/job"
	"github.com/typefold/typeset/middleware"
	"github.com/typefold/typeset/project"
)

// internalMessage is the generic diagnostic recorded for unexpected
// failures. Internal details stay in the logs, not the job record.
const internalMessage = "internal error during compilation"

// defaultWatchInterval is used when no cancel-watch interval is
// configured. A non-positive interval would panic time.NewTicker.
const defaultWatchInterval = 250 * time.Millisecond

// Executor runs a single claimed job: resolves its source tree, invokes
// the engine through middleware, watches for cancel requests, and
// records exactly one terminal transition.
type Executor struct {
	store         job.Store
	projects      project.Store
	engine        engine.Engine
	extensions    *ext.Registry
	mw            middleware.Middleware
	watchInterval time.Duration
	logger        *slog.Logger
}

// NewExecutor creates an Executor. watchInterval is how often a running
// job's record is checked for a cancel request; middlewares wrap the
// engine invocation outermost-first.
func NewExecutor(
	store job.Store,
	projects project.Store,
	eng engine.Engine,
	extensions *ext.Registry,
	watchInterval time.Duration,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if watchInterval <= 0 {
		watchInterval = defaultWatchInterval
	}
	return &Executor{
		store:         store,
		projects:      projects,
		engine:        eng,
		extensions:    extensions,
		mw:            middleware.Chain(mws...),
		watchInterval: watchInterval,
		logger:        logger,
	}
}

// Execute drives a claimed Running job to its terminal state. The
// returned error reports store failures only; compile failures are
// recorded on the job and are not errors from the runner's view.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	// A cancel may have landed between claim and execute. Honor it
	// before spending any engine time.
	if j.CancelRequested {
		return e.finishCancelled(ctx, j)
	}

	// The source is re-resolved at run time; a tree that vanished after
	// Submit fails the job rather than wedging the worker.
	tree, err := e.projects.Resolve(ctx, j.SourceRef)
	if err != nil {
		if errors.Is(err, typeset.ErrSourceNotFound) {
			return e.finishFailed(ctx, j, &job.ErrorDetail{
				Kind:    job.ErrInternal,
				Message: "source no longer available",
			})
		}
		e.logger.Error("source resolve error",
			slog.String("job_id", j.ID.String()),
			slog.String("source_ref", j.SourceRef),
			slog.String("error", err.Error()),
		)
		return e.finishFailed(ctx, j, &job.ErrorDetail{
			Kind:    job.ErrInternal,
			Message: internalMessage,
		})
	}

	// The engine context is cancelled when the cancel watch observes a
	// request, which the engine treats as the cooperative interrupt.
	engineCtx, cancelEngine := context.WithCancel(ctx)
	defer cancelEngine()

	watchDone := make(chan struct{})
	cancelled := e.watchForCancel(engineCtx, j, cancelEngine, watchDone)

	var result *engine.Result
	start := time.Now()
	runErr := e.mw(engineCtx, j, func(ctx context.Context) error {
		r, err := e.engine.Run(ctx, tree, j.Kind)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	elapsed := time.Since(start)

	cancelEngine()
	<-watchDone

	return e.finish(ctx, j, result, runErr, cancelled(), elapsed)
}

// watchForCancel polls the job record until the engine context ends and
// cancels the engine when a cancel request appears. The returned func
// reports whether a cancel was observed; call it only after watchDone
// is closed.
func (e *Executor) watchForCancel(ctx context.Context, j *job.Job, cancelEngine context.CancelFunc, done chan struct{}) func() bool {
	var observed bool

	go func() {
		defer close(done)

		ticker := time.NewTicker(e.watchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap, err := e.store.Get(context.Background(), j.ID)
				if err != nil {
					e.logger.Warn("cancel watch: job lookup failed",
						slog.String("job_id", j.ID.String()),
						slog.String("error", err.Error()),
					)
					continue
				}
				if snap.CancelRequested {
					observed = true
					cancelEngine()
					return
				}
			}
		}
	}()

	return func() bool { return observed }
}

// finish classifies the run outcome and records the terminal transition.
func (e *Executor) finish(ctx context.Context, j *job.Job, result *engine.Result, runErr error, cancelled bool, elapsed time.Duration) error {
	if cancelled {
		return e.finishCancelled(ctx, j)
	}

	if runErr == nil && result != nil {
		if err := e.store.Finish(ctx, j.ID, job.StateCompleted, result.ArtifactRef, nil); err != nil {
			return e.logFinishError(j, err)
		}
		j.State = job.StateCompleted
		j.ArtifactRef = result.ArtifactRef
		e.extensions.EmitJobCompleted(ctx, j, elapsed)
		return nil
	}

	switch {
	case errors.Is(runErr, context.DeadlineExceeded):
		return e.finishFailed(ctx, j, &job.ErrorDetail{
			Kind:    job.ErrTimeout,
			Message: "compilation exceeded the time limit",
		})

	case errors.Is(runErr, context.Canceled):
		// Shutdown interrupted the engine without an owner cancel. The
		// record stays Running; startup recovery re-queues it.
		e.logger.Warn("compile interrupted by shutdown",
			slog.String("job_id", j.ID.String()),
		)
		return nil

	default:
		var diag *engine.DiagnosticError
		if errors.As(runErr, &diag) {
			return e.finishFailed(ctx, j, &job.ErrorDetail{
				Kind:       job.ErrEngine,
				Message:    diag.Message,
				LogExcerpt: diag.LogExcerpt,
			})
		}

		var pe *middleware.PanicError
		if errors.As(runErr, &pe) {
			// Panic details are already logged by the Recover middleware.
			return e.finishFailed(ctx, j, &job.ErrorDetail{
				Kind:    job.ErrInternal,
				Message: internalMessage,
			})
		}

		e.logger.Error("compile failed with unexpected error",
			slog.String("job_id", j.ID.String()),
			slog.String("error", runErr.Error()),
		)
		return e.finishFailed(ctx, j, &job.ErrorDetail{
			Kind:    job.ErrInternal,
			Message: internalMessage,
		})
	}
}

func (e *Executor) finishCancelled(ctx context.Context, j *job.Job) error {
	if err := e.store.Finish(ctx, j.ID, job.StateCancelled, "", nil); err != nil {
		return e.logFinishError(j, err)
	}
	j.State = job.StateCancelled
	e.extensions.EmitJobCancelled(ctx, j)
	e.logger.Info("compile cancelled",
		slog.String("job_id", j.ID.String()),
		slog.String("owner", j.OwnerKey),
	)
	return nil
}

func (e *Executor) finishFailed(ctx context.Context, j *job.Job, detail *job.ErrorDetail) error {
	if err := e.store.Finish(ctx, j.ID, job.StateFailed, "", detail); err != nil {
		return e.logFinishError(j, err)
	}
	j.State = job.StateFailed
	j.ErrorDetail = detail
	e.extensions.EmitJobFailed(ctx, j, detail)
	return nil
}

func (e *Executor) logFinishError(j *job.Job, err error) error {
	// A lost Cancelled race is benign: the store already recorded the
	// terminal state we were about to write.
	if errors.Is(err, typeset.ErrInvalidTransition) || errors.Is(err, typeset.ErrAlreadyTerminal) {
		return nil
	}
	e.logger.Error("failed to record terminal transition",
		slog.String("job_id", j.ID.String()),
		slog.String("error", err.Error()),
	)
	return err
}
