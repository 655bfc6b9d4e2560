package ai

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTemporary = errors.New("temporary")

func stubWait(t *testing.T) *[]time.Duration {
	t.Helper()
	original := wait
	var delays []time.Duration
	wait = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	t.Cleanup(func() { wait = original })
	return &delays
}

func TestRetryPolicySucceedsAfterTemporaryError(t *testing.T) {
	delays := stubWait(t)

	calls := 0
	policy := RetryPolicy{
		MaxAttempts: 3,
		Backoff:     100 * time.Millisecond,
		Retryable:   func(err error) bool { return errors.Is(err, errTemporary) },
	}

	out, err := policy.Do(context.Background(), func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errTemporary
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "ok" || calls != 3 {
		t.Fatalf("unexpected result %q after %d calls", out, calls)
	}
	if len(*delays) != 2 || (*delays)[0] != 100*time.Millisecond || (*delays)[1] != 200*time.Millisecond {
		t.Fatalf("unexpected backoff delays: %v", *delays)
	}
}

func TestRetryPolicySingleAttemptByDefault(t *testing.T) {
	stubWait(t)

	calls := 0
	policy := RetryPolicy{Retryable: func(error) bool { return true }}

	_, err := policy.Do(context.Background(), func(context.Context) (string, error) {
		calls++
		return "", errTemporary
	})
	if !errors.Is(err, errTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestRetryPolicyStopsOnPermanentError(t *testing.T) {
	stubWait(t)

	calls := 0
	permanent := errors.New("permanent")
	policy := RetryPolicy{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return errors.Is(err, errTemporary) },
	}

	_, err := policy.Do(context.Background(), func(context.Context) (string, error) {
		calls++
		return "", permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected one call with permanent error, got %d calls and %v", calls, err)
	}
}

func TestRetryPolicyStopsWhenContextDone(t *testing.T) {
	stubWait(t)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := RetryPolicy{MaxAttempts: 5, Retryable: func(error) bool { return true }}

	_, err := policy.Do(ctx, func(context.Context) (string, error) {
		calls++
		cancel()
		return "", errTemporary
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected to stop after cancellation, got %d calls and %v", calls, err)
	}
}
