// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fetch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidRetryConfig is returned by RetryConfig.Validate.
var ErrInvalidRetryConfig = errors.New("invalid retry config")

// maxAttemptsLimit bounds MaxAttempts.
const maxAttemptsLimit = 10

// RetryConfig configures the attempt budget and backoff of a Fetcher.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default: 3
	MaxAttempts int `yaml:"max_attempts" validate:"min=1,max=10"`

	// BaseDelay is the wait before the second attempt, excluding jitter.
	// Each later wait doubles it.
	// Default: 1s
	BaseDelay time.Duration `yaml:"base_delay" validate:"gt=0"`

	// MaxDelay caps the doubled component of a wait. It must not bite
	// before the last wait, BaseDelay * 2^(MaxAttempts-2), or later waits
	// would stop growing.
	// Default: 30s
	MaxDelay time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`

	// JitterFactor scales the additive random jitter: each wait gains a
	// uniform amount in [0, BaseDelay*JitterFactor). Values above 1 would
	// let a jittered wait overtake the next one, so the range is [0, 1].
	// Default: 0.5
	JitterFactor float64 `yaml:"jitter_factor" validate:"gte=0,lte=1"`
}

// DefaultRetryConfig returns three attempts with 1s and ~2s waits between them.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.5,
	}
}

// Validate checks the configuration for consistency.
func (c RetryConfig) Validate() error {
	switch {
	case c.MaxAttempts < 1 || c.MaxAttempts > maxAttemptsLimit:
		return fmt.Errorf("%w: max_attempts must be within [1, %d], got %d", ErrInvalidRetryConfig, maxAttemptsLimit, c.MaxAttempts)
	case c.BaseDelay <= 0:
		return fmt.Errorf("%w: base_delay must be positive", ErrInvalidRetryConfig)
	case c.MaxDelay < c.BaseDelay:
		return fmt.Errorf("%w: max_delay %s is below base_delay %s", ErrInvalidRetryConfig, c.MaxDelay, c.BaseDelay)
	case c.JitterFactor < 0 || c.JitterFactor > 1:
		return fmt.Errorf("%w: jitter_factor must be within [0, 1], got %v", ErrInvalidRetryConfig, c.JitterFactor)
	}
	if last := c.lastWaitBase(); c.MaxDelay < last {
		return fmt.Errorf("%w: max_delay %s caps the last wait of %s; it must be at least %s",
			ErrInvalidRetryConfig, c.MaxDelay, last, last)
	}
	return nil
}

// lastWaitBase is the uncapped exponential part of the final wait, the one
// after attempt MaxAttempts-1. With a single attempt there is no wait.
func (c RetryConfig) lastWaitBase() time.Duration {
	if c.MaxAttempts < 2 {
		return 0
	}
	return c.BaseDelay << (c.MaxAttempts - 2)
}

// Backoff returns the wait after the given failed attempt (1-based).
//
// Description:
//
//	wait = min(BaseDelay * 2^(attempt-1), MaxDelay) + sample*BaseDelay*JitterFactor
//
//	sample is expected in [0, 1). With JitterFactor <= 1 the jitter is
//	smaller than BaseDelay, so successive waits strictly increase until
//	the cap is reached.
//
// Inputs:
//
//	attempt - The attempt that just failed, starting at 1.
//	sample  - Uniform random value in [0, 1).
//
// Outputs:
//
//	time.Duration - The wait before the next attempt.
func (c RetryConfig) Backoff(attempt int, sample float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := float64(c.BaseDelay) * math.Pow(2, float64(attempt-1))
	if exp > float64(c.MaxDelay) {
		exp = float64(c.MaxDelay)
	}
	jitter := sample * float64(c.BaseDelay) * c.JitterFactor
	return time.Duration(exp + jitter)
}

// RetryResult describes a completed retry loop.
type RetryResult struct {
	// Attempts is how many times fn was invoked.
	Attempts int

	// Waits holds every backoff actually slept, in order.
	Waits []time.Duration

	// TotalDuration is the wall time of the whole loop.
	TotalDuration time.Duration

	// LastError is the error from the final attempt, nil on success.
	LastError error
}

// attemptFunc performs one attempt. attempt is 1-based.
type attemptFunc func(ctx context.Context, attempt int) error

// sleepFunc waits d or until ctx is done.
type sleepFunc func(ctx context.Context, d time.Duration) error

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

// retry runs fn until it succeeds, returns a permanent error, the caller's
// context ends, or the attempt budget is exhausted. It never sleeps after
// the last attempt.
func retry(ctx context.Context, cfg RetryConfig, sample func() float64, sleep sleepFunc, fn attemptFunc) RetryResult {
	start := time.Now()
	var result RetryResult

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			result.LastError = err
			break
		}

		result.Attempts = attempt
		err := fn(ctx, attempt)
		if err == nil {
			result.LastError = nil
			break
		}
		result.LastError = err

		var perm *permanentError
		if errors.As(err, &perm) || ctx.Err() != nil {
			break
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		wait := cfg.Backoff(attempt, sample())
		if err := sleep(ctx, wait); err != nil {
			result.LastError = fmt.Errorf("%w during backoff (last attempt: %v)", err, result.LastError)
			break
		}
		result.Waits = append(result.Waits, wait)
	}

	result.TotalDuration = time.Since(start)
	return result
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
