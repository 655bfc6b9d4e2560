package jobs

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/cv-screener/internal/apperr"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	url := os.Getenv("SCREENER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("SCREENER_TEST_DATABASE_URL not set; skipping postgres integration test")
	}

	ctx := context.Background()
	pool, err := Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store := NewPostgresStore(pool)
	require.NoError(t, store.EnsureSchema(ctx))
	return store
}

func TestPostgresStoreLifecycle(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, "Backend Engineer", "cv", "report")
	require.NoError(t, err)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Nil(t, got.Result)

	_, err = store.Transition(ctx, job.ID, StatusProcessing, Update{})
	require.NoError(t, err)

	res := fullResult()
	res.Degraded = []string{"final"}
	_, err = store.Transition(ctx, job.ID, StatusCompleted, Update{Result: res})
	require.NoError(t, err)

	got, err = store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, 0.8, *got.Result.CVMatchRate)
	assert.Equal(t, []string{"final"}, got.Result.Degraded)
	assert.Empty(t, got.Error)

	_, err = store.Transition(ctx, job.ID, StatusFailed, Update{Error: "late"})
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))
}

func TestPostgresStoreFailedAndMissing(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))

	job, err := store.Create(ctx, "t", "a", "b")
	require.NoError(t, err)
	_, err = store.Transition(ctx, job.ID, StatusProcessing, Update{})
	require.NoError(t, err)
	_, err = store.Transition(ctx, job.ID, StatusFailed, Update{Error: "cv document is too short"})
	require.NoError(t, err)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "cv document is too short", got.Error)
	assert.Nil(t, got.Result)
}
