package control

import (
	"context"
	"time"
)

// Policy describes how a failed backend call is retried.
type Policy struct {
	// MaxAttempts counts every call, the first one included.
	MaxAttempts int
	// Delay is the pause before a retry that follows a backend error.
	Delay time.Duration
	// DelayOnTimeout applies Delay after timeouts too. When false a timed-out
	// attempt is retried immediately, since the timeout already waited.
	DelayOnTimeout bool
}

// CompletionPolicy is the policy used for completion requests: two attempts,
// one second between them unless the first attempt timed out.
func CompletionPolicy() Policy {
	return Policy{
		MaxAttempts:    2,
		Delay:          time.Second,
		DelayOnTimeout: false,
	}
}

// ShouldRetry reports whether another attempt is allowed after `attempts`
// calls have failed.
func ShouldRetry(p Policy, attempts int) bool {
	limit := p.MaxAttempts
	if limit <= 0 {
		limit = 1
	}
	return attempts < limit
}

// RetryDelay returns the pause before the next attempt.
func RetryDelay(p Policy, timedOut bool) time.Duration {
	if timedOut && !p.DelayOnTimeout {
		return 0
	}
	if p.Delay < 0 {
		return 0
	}
	return p.Delay
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryBackoffSeconds computes exponential backoff with a fixed cap. It paces
// the update poll loop after consecutive failures.
func RetryBackoffSeconds(attempt int) int {
	if attempt <= 0 {
		return 0
	}
	if attempt > 6 {
		return 30
	}
	seconds := 1 << (attempt - 1)
	if seconds > 30 {
		return 30
	}
	return seconds
}
