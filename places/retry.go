// Copyright 2025 The Doof Authors
// SPDX-License-Identifier: Apache-2.0

package places

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// Defaults for RetryOptions zero values.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 500 * time.Millisecond
)

// RetryOptions configures RetryWithBackoff. Zero values take the defaults.
type RetryOptions struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// BaseDelay is the wait before the first retry; it doubles per attempt.
	BaseDelay time.Duration

	// Jitter adds up to half the current delay of random slack, so that
	// parallel batches don't hammer the API in lockstep.
	Jitter bool
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}

	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}

	return o
}

// RetryWithBackoff runs fn, retrying transient failures with exponentially
// growing delays. Permanent errors (4xx, rejected payloads) return
// immediately without further attempts. After the retry budget is spent the
// last error is returned wrapped, so callers can still classify it.
func RetryWithBackoff(ctx context.Context, opts RetryOptions, fn func(context.Context) error) error {
	opts = opts.withDefaults()

	var lastErr error

	delay := opts.BaseDelay

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := delay
			if opts.Jitter {
				if half := delay / 2; half > 0 {
					wait += rand.N(half)
				}
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}

			delay *= 2
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !IsTransient(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", opts.MaxRetries+1, lastErr)
}
