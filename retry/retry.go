package retry

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Policy describes how an external call is retried: attempt budget, backoff
// curve, and a predicate deciding which errors are worth retrying. A Policy is
// a plain value and safe to share.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Retryable      func(error) bool
}

// DefaultPolicy retries transient failures up to three times with exponential
// backoff between one and ten seconds.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Retryable:      IsTransient,
	}
}

// NoRetry performs a single attempt.
func NoRetry() Policy {
	return Policy{MaxAttempts: 1}
}

// Do executes fn under the policy. The last error is returned once attempts
// are exhausted or the error is classified non-retryable.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	backoff := p.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * p.Multiplier)
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}

	return fmt.Errorf("%d attempts exhausted: %w", p.MaxAttempts, lastErr)
}

// IsTransient reports whether an error looks like a transient network or
// rate-limit failure worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	transient := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"rate limit",
		"too many requests",
		"429",
		"502",
		"503",
		"504",
		"eof",
		"broken pipe",
	}
	for _, t := range transient {
		if strings.Contains(msg, t) {
			return true
		}
	}
	return false
}
