// Package clock abstracts wall-clock time so retry backoff, heartbeats
// and watchdogs can be driven deterministically in tests.
package clock

import (
	"context"
	"time"
)

// Clock is the time source injected into every component that schedules work.
type Clock interface {
	Now() time.Time
	// After returns a channel that delivers the current time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// Sleep blocks for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-c.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Real is the production clock backed by the time package.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }
