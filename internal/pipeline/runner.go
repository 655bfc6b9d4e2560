package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spigell/cv-screener/internal/jobs"
	"github.com/spigell/cv-screener/internal/logger"
)

// ShutdownMessage is stored on jobs that were still waiting for a slot at shutdown.
const ShutdownMessage = "service shut down before the job started"

// ErrShutdown is returned by Submit and Start once Shutdown has been called.
var ErrShutdown = errors.New("pipeline runner is shutting down")

// JobRunner executes one job to a terminal state.
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

// Handle tracks one in-flight job run.
type Handle struct {
	JobID string

	done chan struct{}
	err  error
}

// Done is closed when the run has finished.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err is the run error once Done is closed, nil before.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

type RunnerOptions struct {
	// JobTimeout bounds a single run. Zero disables the bound.
	JobTimeout time.Duration
	// MaxConcurrent caps simultaneous runs. Zero means unbounded.
	MaxConcurrent int
	Logger        *zap.Logger
}

// Runner spawns one goroutine per job. Runs are detached from the submitting
// request and only end through completion, the job timeout or Shutdown.
type Runner struct {
	store   jobs.Store
	jobs    JobRunner
	timeout time.Duration
	sem     chan struct{}
	logger  *zap.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	live   map[string]*Handle
	closed bool
}

func NewRunner(store jobs.Store, runner JobRunner, opts RunnerOptions) *Runner {
	base, cancel := context.WithCancel(context.Background())
	r := &Runner{
		store:   store,
		jobs:    runner,
		timeout: opts.JobTimeout,
		logger:  logger.OrNop(opts.Logger),
		base:    base,
		cancel:  cancel,
		live:    make(map[string]*Handle),
	}
	if opts.MaxConcurrent > 0 {
		r.sem = make(chan struct{}, opts.MaxConcurrent)
	}
	return r
}

// Submit creates a queued job and starts its run.
func (r *Runner) Submit(ctx context.Context, title, cvID, reportID string) (jobs.Job, *Handle, error) {
	if r.isClosed() {
		return jobs.Job{}, nil, ErrShutdown
	}
	job, err := r.store.Create(ctx, title, cvID, reportID)
	if err != nil {
		return jobs.Job{}, nil, err
	}
	h, err := r.Start(job.ID)
	if err != nil {
		return job, nil, err
	}
	return job, h, nil
}

// Start runs jobID in the background. Starting a job that is already running
// returns the existing handle.
func (r *Runner) Start(jobID string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrShutdown
	}
	if h, ok := r.live[jobID]; ok {
		return h, nil
	}

	h := &Handle{JobID: jobID, done: make(chan struct{})}
	r.live[jobID] = h
	r.wg.Add(1)
	go r.run(h)
	return h, nil
}

func (r *Runner) run(h *Handle) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.live, h.JobID)
		r.mu.Unlock()
		close(h.done)
	}()

	log := logger.ForJob(r.logger, h.JobID)

	if r.sem != nil {
		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-r.base.Done():
		}
		// A slot freed by cancellation must not start new work.
		if err := r.base.Err(); err != nil {
			h.err = err
			log.Warn("job not started before shutdown")
			r.abandon(h.JobID, log)
			return
		}
	}

	ctx := r.base
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	started := time.Now()
	h.err = r.jobs.Run(ctx, h.JobID)
	if h.err != nil {
		log.Error("job run aborted", zap.Error(h.err))
		return
	}
	log.Debug("job run finished", zap.Duration("elapsed", time.Since(started)))
}

// abandon fails a job that never got a slot so it does not stay queued.
func (r *Runner) abandon(jobID string, log *zap.Logger) {
	ctx := context.WithoutCancel(r.base)
	if _, err := r.store.Transition(ctx, jobID, jobs.StatusProcessing, jobs.Update{}); err != nil {
		log.Warn("recording abandoned job failed", zap.Error(err))
		return
	}
	if _, err := r.store.Transition(ctx, jobID, jobs.StatusFailed, jobs.Update{Error: ShutdownMessage}); err != nil {
		log.Warn("recording abandoned job failed", zap.Error(err))
	}
}

func (r *Runner) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Shutdown stops accepting jobs and waits for running ones. When ctx expires
// first the remaining runs are cancelled and ctx.Err() is returned.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); r.wg.Wait() }()

	select {
	case <-done:
		r.cancel()
		r.logger.Info("pipeline drained")
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		r.logger.Warn("pipeline shutdown interrupted, running jobs cancelled")
		return ctx.Err()
	}
}
