package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spigell/cv-screener/internal/apperr"
)

func ptr[T any](v T) *T { return &v }

func fullResult() *Result {
	return &Result{
		CVMatchRate:     ptr(0.8),
		CVFeedback:      ptr("strong backend profile"),
		ProjectScore:    ptr(4.5),
		ProjectFeedback: ptr("solid error handling"),
		OverallSummary:  ptr("recommend for interview"),
	}
}

func TestStatusTransitions(t *testing.T) {
	t.Parallel()

	allowed := map[Status][]Status{
		StatusQueued:     {StatusProcessing},
		StatusProcessing: {StatusCompleted, StatusFailed},
	}
	all := []Status{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed}

	for _, from := range all {
		for _, to := range all {
			expect := false
			for _, ok := range allowed[from] {
				if ok == to {
					expect = true
				}
			}
			assert.Equalf(t, expect, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}

	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.False(t, Status("paused").Valid())
}

func TestApplyEnforcesFieldInvariants(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	job := Job{ID: "j", Status: StatusProcessing}
	err := apply(&job, StatusCompleted, Update{}, now)
	assert.True(t, apperr.Is(err, apperr.CodeValidation), "completed without result must be rejected")

	err = apply(&job, StatusFailed, Update{Error: "   "}, now)
	assert.True(t, apperr.Is(err, apperr.CodeValidation), "failed without message must be rejected")
	assert.Equal(t, StatusProcessing, job.Status)

	require.NoError(t, apply(&job, StatusFailed, Update{Error: " boom ", Result: fullResult()}, now))
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "boom", job.Error)
	assert.Nil(t, job.Result, "failed jobs never carry result fields")
	assert.Equal(t, now, job.UpdatedAt)

	err = apply(&job, StatusProcessing, Update{}, now)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	original := Job{ID: "j", Result: fullResult()}
	original.Result.Degraded = []string{"cv"}

	copied := original.Clone()
	*copied.Result.CVMatchRate = 0.1
	copied.Result.Degraded[0] = "project"

	assert.Equal(t, 0.8, *original.Result.CVMatchRate)
	assert.Equal(t, "cv", original.Result.Degraded[0])
}

func TestResultComplete(t *testing.T) {
	t.Parallel()

	assert.True(t, fullResult().Complete())

	partial := fullResult()
	partial.CVFeedback = nil
	assert.False(t, partial.Complete())

	var missing *Result
	assert.False(t, missing.Complete())
}
