// Package retry runs an operation under a bounded attempt budget with a linear or exponential delay
// schedule. Both the chunk uploader and the video loader use it, differing only in parameters.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"video-chunk-pipeline/internal/mediaerr"
)

type Schedule int

const (
	// Linear waits attempt*BaseDelay after the attempt-th failure.
	Linear Schedule = iota
	// Exponential waits BaseDelay*2^(attempt-1) after the attempt-th failure.
	Exponential
)

func (s Schedule) String() string {
	if s == Exponential {
		return "exponential"
	}
	return "linear"
}

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Schedule    Schedule
}

// Notify is called before each wait with the error that caused it.
type Notify func(attempt int, err error, wait time.Duration)

// Delay returns the wait after the given 1-based failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	if p.Schedule == Exponential {
		return p.BaseDelay * time.Duration(1<<uint(attempt-1))
	}
	return p.BaseDelay * time.Duration(attempt)
}

// Permanent marks err so Do returns it immediately without spending more attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

type schedule struct {
	policy  Policy
	attempt int
}

func (s *schedule) NextBackOff() time.Duration {
	s.attempt++
	return s.policy.Delay(s.attempt)
}

func (s *schedule) Reset() { s.attempt = 0 }

// Do calls op until it succeeds, returns a Permanent error, the context ends or the budget is spent.
// A spent budget yields a RetryExhausted error carrying the attempt count and the last failure.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error, notify Notify) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempt := 0
	permanent := false
	var b backoff.BackOff = &backoff.StopBackOff{}
	if maxAttempts > 1 {
		// WithMaxRetries treats zero as unlimited, hence the StopBackOff for a single attempt.
		b = backoff.WithMaxRetries(&schedule{policy: p}, uint64(maxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	err := backoff.RetryNotify(func() error {
		attempt++
		err := op(ctx, attempt)
		var pe *backoff.PermanentError
		if errors.As(err, &pe) {
			permanent = true
		}
		return err
	}, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, err, wait)
		}
	})

	switch {
	case err == nil:
		return nil
	case permanent:
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return mediaerr.RetryExhausted(mediaerr.CodeRetryExhausted, attempt, err)
	}
}
