package ai

import (
	"context"
	"errors"
	"time"

	"github.com/spigell/cv-screener/internal/utils"
)

// wait is swapped in tests.
var wait = utils.WaitFor

// RetryPolicy bounds repeated attempts of a backend call.
type RetryPolicy struct {
	// MaxAttempts is the total number of calls; values below 1 mean a single call.
	MaxAttempts int
	// Backoff is the delay before the second attempt, doubled after each failure.
	Backoff time.Duration
	// Retryable decides whether an error is worth another attempt.
	Retryable func(error) bool
}

// Do runs fn until it succeeds, the policy is exhausted, the error is not
// retryable or ctx is done. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	attempts := max(p.MaxAttempts, 1)
	delay := p.Backoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := fn(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if attempt == attempts || ctx.Err() != nil || p.Retryable == nil || !p.Retryable(err) {
			break
		}

		if werr := wait(ctx, delay); werr != nil {
			return "", errors.Join(lastErr, werr)
		}
		delay *= 2
	}

	return "", lastErr
}
