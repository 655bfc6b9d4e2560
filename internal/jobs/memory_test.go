package jobs

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/cv-screener/internal/apperr"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	created, err := store.Create(ctx, "Backend Engineer", "cv-1", "report-1")
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, StatusQueued, created.Status)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)

	_, err = store.Transition(ctx, created.ID, StatusProcessing, Update{})
	require.NoError(t, err)

	done, err := store.Transition(ctx, created.ID, StatusCompleted, Update{Result: fullResult()})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.True(t, done.Result.Complete())

	first, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	second, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second, "terminal snapshots must be stable")

	_, err = store.Transition(ctx, created.ID, StatusFailed, Update{Error: "late"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))
}

func TestMemoryStoreNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "missing")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	_, err = store.Transition(ctx, "missing", StatusProcessing, Update{})
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestMemoryStoreSnapshotsAreIsolated(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	job, err := store.Create(ctx, "t", "a", "b")
	require.NoError(t, err)
	_, err = store.Transition(ctx, job.ID, StatusProcessing, Update{})
	require.NoError(t, err)

	res := fullResult()
	_, err = store.Transition(ctx, job.ID, StatusCompleted, Update{Result: res})
	require.NoError(t, err)

	*res.CVMatchRate = 0
	snap, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	*snap.Result.ProjectScore = 1

	again, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.8, *again.Result.CVMatchRate)
	assert.Equal(t, 4.5, *again.Result.ProjectScore)
}

func TestMemoryStoreSerializesPerJob(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	job, err := store.Create(ctx, "t", "a", "b")
	require.NoError(t, err)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Transition(ctx, job.ID, StatusProcessing, Update{}); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "exactly one queued -> processing transition may win")
}

func TestMemoryStoreIndependentJobs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	ids := make([]string, 32)
	for i := range ids {
		job, err := store.Create(ctx, "t", "a", "b")
		require.NoError(t, err)
		ids[i] = job.ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Transition(ctx, id, StatusProcessing, Update{})
			assert.NoError(t, err)
			_, err = store.Transition(ctx, id, StatusFailed, Update{Error: "validation"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for _, id := range ids {
		job, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusFailed, job.Status)
		assert.Nil(t, job.Result)
		assert.NotEmpty(t, job.Error)
	}
}
