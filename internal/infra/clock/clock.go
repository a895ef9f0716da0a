// Package clock provides cancellable timer scheduling.
package clock

import (
	"context"
	"time"
)

// Clock schedules callbacks. Every scheduling call returns a cancel function;
// calling it after the callback ran is a no-op.
type Clock interface {
	Now() time.Time
	// AfterFunc runs fn once after d.
	AfterFunc(d time.Duration, fn func()) (cancel func())
	// Every runs fn repeatedly with period d until cancelled.
	Every(d time.Duration, fn func()) (cancel func())
}

// Real is the wall clock.
type Real struct{}

// New returns the wall clock.
func New() Clock {
	return Real{}
}

// Now returns the current time.
func (Real) Now() time.Time {
	return time.Now()
}

// AfterFunc runs fn in its own goroutine after d.
func (Real) AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Every runs fn on a ticker goroutine until cancelled.
func (Real) Every(d time.Duration, fn func()) func() {
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// The ticker may fire in the same instant as cancel.
				if ctx.Err() != nil {
					return
				}
				fn()
			}
		}
	}()

	return cancel
}
