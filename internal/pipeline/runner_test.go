package pipeline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/cv-screener/internal/jobs"
)

// blockingRunner holds every run until release is closed or its context ends.
type blockingRunner struct {
	release chan struct{}
	started chan string

	running atomic.Int32
	peak    atomic.Int32
	calls   atomic.Int32
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{release: make(chan struct{}), started: make(chan string, 16)}
}

func (b *blockingRunner) Run(ctx context.Context, jobID string) error {
	b.calls.Add(1)
	n := b.running.Add(1)
	defer b.running.Add(-1)
	for {
		peak := b.peak.Load()
		if n <= peak || b.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	b.started <- jobID

	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func waitStarted(t *testing.T, b *blockingRunner) string {
	t.Helper()
	select {
	case id := <-b.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("run did not start")
		return ""
	}
}

func TestRunnerSubmitRunsJobToCompletion(t *testing.T) {
	h := newHarness(longDocs())
	r := NewRunner(h.store, h.orch, RunnerOptions{JobTimeout: time.Minute})

	job, handle, err := r.Submit(context.Background(), "Backend Engineer", cvDocID, reportDocID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, job.Status)
	assert.Equal(t, job.ID, handle.JobID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, handle.Wait(ctx))
	assert.NoError(t, handle.Err())

	got, err := h.store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, got.Status)

	require.NoError(t, r.Shutdown(ctx))
}

func TestRunnerRunOutlivesSubmittingContext(t *testing.T) {
	store := jobs.NewMemoryStore()
	b := newBlockingRunner()
	r := NewRunner(store, b, RunnerOptions{})

	reqCtx, cancelReq := context.WithCancel(context.Background())
	_, handle, err := r.Submit(reqCtx, "t", "cv", "report")
	require.NoError(t, err)
	waitStarted(t, b)
	cancelReq()

	select {
	case <-handle.Done():
		t.Fatal("run ended with the request context")
	case <-time.After(20 * time.Millisecond):
	}
	assert.NoError(t, handle.Err())

	close(b.release)
	require.NoError(t, handle.Wait(context.Background()))
	require.NoError(t, r.Shutdown(context.Background()))
}

func TestRunnerStartIsIdempotentWhileRunning(t *testing.T) {
	b := newBlockingRunner()
	r := NewRunner(jobs.NewMemoryStore(), b, RunnerOptions{})

	first, err := r.Start("job-1")
	require.NoError(t, err)
	waitStarted(t, b)

	second, err := r.Start("job-1")
	require.NoError(t, err)
	assert.Same(t, first, second)

	close(b.release)
	require.NoError(t, first.Wait(context.Background()))
	assert.Equal(t, int32(1), b.calls.Load())
	require.NoError(t, r.Shutdown(context.Background()))
}

func TestRunnerHonoursConcurrencyLimit(t *testing.T) {
	b := newBlockingRunner()
	r := NewRunner(jobs.NewMemoryStore(), b, RunnerOptions{MaxConcurrent: 1})

	var handles []*Handle
	for _, id := range []string{"a", "b", "c"} {
		h, err := r.Start(id)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	waitStarted(t, b)
	select {
	case id := <-b.started:
		t.Fatalf("job %s started while the slot was taken", id)
	case <-time.After(20 * time.Millisecond):
	}

	close(b.release)
	for _, h := range handles {
		require.NoError(t, h.Wait(context.Background()))
	}
	assert.Equal(t, int32(1), b.peak.Load())
	assert.Equal(t, int32(3), b.calls.Load())
	require.NoError(t, r.Shutdown(context.Background()))
}

func TestRunnerFailsJobsWaitingAtShutdown(t *testing.T) {
	store := jobs.NewMemoryStore()
	b := newBlockingRunner()
	r := NewRunner(store, b, RunnerOptions{MaxConcurrent: 1})

	ctx := context.Background()
	first, err := store.Create(ctx, "t", "cv", "report")
	require.NoError(t, err)
	second, err := store.Create(ctx, "t", "cv", "report")
	require.NoError(t, err)

	handles := map[string]*Handle{}
	for _, job := range []jobs.Job{first, second} {
		h, err := r.Start(job.ID)
		require.NoError(t, err)
		handles[job.ID] = h
	}

	running := waitStarted(t, b)
	waiting := first.ID
	if running == first.ID {
		waiting = second.ID
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Shutdown(shutdownCtx), context.DeadlineExceeded)
	assert.ErrorIs(t, handles[waiting].Err(), context.Canceled)

	got, err := store.Get(ctx, waiting)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusFailed, got.Status)
	assert.Equal(t, ShutdownMessage, got.Error)
	assert.Nil(t, got.Result)
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestRunnerJobTimeout(t *testing.T) {
	b := newBlockingRunner()
	r := NewRunner(jobs.NewMemoryStore(), b, RunnerOptions{JobTimeout: 10 * time.Millisecond})

	h, err := r.Start("slow")
	require.NoError(t, err)

	err = h.Wait(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, r.Shutdown(context.Background()))
}

func TestRunnerShutdown(t *testing.T) {
	t.Run("waits for running jobs", func(t *testing.T) {
		b := newBlockingRunner()
		r := NewRunner(jobs.NewMemoryStore(), b, RunnerOptions{})
		h, err := r.Start("a")
		require.NoError(t, err)
		waitStarted(t, b)

		var wg sync.WaitGroup
		wg.Add(1)
		var shutdownErr error
		go func() {
			defer wg.Done()
			shutdownErr = r.Shutdown(context.Background())
		}()

		time.Sleep(10 * time.Millisecond)
		close(b.release)
		wg.Wait()

		require.NoError(t, shutdownErr)
		assert.NoError(t, h.Err())
	})

	t.Run("cancels runs when the deadline passes", func(t *testing.T) {
		b := newBlockingRunner()
		r := NewRunner(jobs.NewMemoryStore(), b, RunnerOptions{})
		h, err := r.Start("a")
		require.NoError(t, err)
		waitStarted(t, b)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, r.Shutdown(ctx), context.DeadlineExceeded)
		assert.ErrorIs(t, h.Err(), context.Canceled)
	})

	t.Run("rejects new work", func(t *testing.T) {
		r := NewRunner(jobs.NewMemoryStore(), newBlockingRunner(), RunnerOptions{})
		require.NoError(t, r.Shutdown(context.Background()))

		_, err := r.Start("a")
		assert.ErrorIs(t, err, ErrShutdown)
		_, _, err = r.Submit(context.Background(), "t", "cv", "report")
		assert.ErrorIs(t, err, ErrShutdown)
	})
}
