// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package retry implements a bounded retry policy with a fixed delay between
// attempts.
package retry

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted is returned by [Policy.Do] when every attempt failed and
// the function never returned an error of its own to report.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy describes how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	// Attempts is the total number of attempts, including the first one.
	// Values below 1 mean a single attempt.
	Attempts int
	// Delay is the fixed wait between two attempts.
	Delay time.Duration
	// ShouldRetry reports whether err deserves another attempt. If nil, every
	// error is retried.
	ShouldRetry func(err error) bool
	// Sleep waits for d or until ctx is done, returning ctx.Err() in the
	// latter case. If nil, a timer is used. Tests replace it to avoid waiting.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do calls f until it succeeds, returns an error ShouldRetry rejects, or
// Attempts is reached. f receives the 1-based attempt number. Do returns the
// last error returned by f, or ctx.Err() if the context was canceled while
// waiting.
func (p Policy) Do(ctx context.Context, f func(attempt int) error) error {
	attempts := max(p.Attempts, 1)
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = f(attempt)
		if err == nil {
			return nil
		}
		if p.ShouldRetry != nil && !p.ShouldRetry(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if serr := sleep(ctx, p.Delay); serr != nil {
			return serr
		}
	}
	if err == nil {
		return ErrExhausted
	}
	return err
}

// Sleep pauses the current goroutine for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
