package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/typefold/typeset/backoff"
	"github.com/typefold/typeset/ext"
	"github.com/typefold/typeset/id"
	"github.com/typefold/typeset/job"
)

// QueueManager controls per-kind and per-owner rate limiting and
// concurrency. The worker pool calls Acquire before executing a claimed
// job and Release after execution completes.
type QueueManager interface {
	// Acquire checks rate limits and concurrency for the kind/owner
	// combination. Returns true if the compile is allowed to proceed.
	Acquire(kind job.Kind, ownerKey string) bool
	// Release decrements the active count for the kind/owner pair.
	Release(kind job.Kind, ownerKey string)
}

// Pool manages a set of concurrent worker goroutines that claim queued
// jobs and execute them through the Executor.
type Pool struct {
	store        job.Store
	executor     *Executor
	extensions   *ext.Registry
	concurrency  int
	pollInterval time.Duration
	claimBackoff backoff.Strategy
	workerID     id.WorkerID
	logger       *slog.Logger

	// Queue manager (optional).
	queueManager QueueManager

	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	activeJobs map[string]context.CancelFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPollInterval sets how often idle workers poll for queued jobs.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithClaimBackoff sets the backoff applied after store claim errors.
func WithClaimBackoff(s backoff.Strategy) PoolOption {
	return func(p *Pool) { p.claimBackoff = s }
}

// WithQueueManager sets the queue manager for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates a worker pool.
func NewPool(
	store job.Store,
	executor *Executor,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:        store,
		executor:     executor,
		extensions:   extensions,
		concurrency:  4,
		pollInterval: time.Second,
		claimBackoff: backoff.DefaultStrategy(),
		workerID:     id.NewWorkerID(),
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active compiles are interrupted when
// time runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	// Signal all workers to stop.
	close(p.stopCh)

	// Wait for completion or context deadline.
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, interrupting active compiles")
		p.cancelActiveJobs()
		p.wg.Wait()
	}

	return nil
}

// claimLoop is run by each worker goroutine. Workers claim one job at a
// time; new submissions during a long compile stay Queued until a
// worker frees up.
func (p *Pool) claimLoop() {
	defer p.wg.Done()

	claimFailures := 0
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		j, err := p.store.Claim(context.Background(), p.workerID)
		if err != nil {
			claimFailures++
			p.logger.Error("claim error", slog.String("error", err.Error()))
			p.sleepFor(p.claimBackoff.Delay(claimFailures))
			continue
		}
		claimFailures = 0

		if j == nil {
			p.sleep()
			continue
		}

		// Admission control. The job is already Running; rejection only
		// delays the engine start, it never re-queues.
		acquired := false
		if p.queueManager != nil {
			acquired = p.waitForSlot(j)
		}

		p.extensions.EmitJobStarted(context.Background(), j)

		ctx, cancel := context.WithCancel(context.Background())
		p.trackJob(j.ID.String(), cancel)

		if execErr := p.executor.Execute(ctx, j); execErr != nil {
			p.logger.Debug("compile execution failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrackJob(j.ID.String())
		cancel()

		if acquired {
			p.queueManager.Release(j.Kind, j.OwnerKey)
		}
	}
}

// waitForSlot blocks until the queue manager admits the job or the pool
// stops, and reports whether a slot was acquired. On stop the compile
// proceeds without a slot; the shutdown path interrupts it, and no
// Release must follow.
func (p *Pool) waitForSlot(j *job.Job) bool {
	for !p.queueManager.Acquire(j.Kind, j.OwnerKey) {
		select {
		case <-time.After(p.pollInterval):
		case <-p.stopCh:
			return false
		}
	}
	return true
}

func (p *Pool) sleep() {
	p.sleepFor(p.pollInterval)
}

func (p *Pool) sleepFor(d time.Duration) {
	select {
	case <-time.After(d):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("interrupting active compile", slog.String("job_id", jobID))
		cancel()
	}
}
