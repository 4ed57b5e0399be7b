package control

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source the convergence loop ticks against.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx ends.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock uses wall time.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
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

// ManualClock advances only when slept on or advanced explicitly, so a
// multi-second cycle runs instantly and deterministically.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps int
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.Advance(d)
	c.mu.Lock()
	c.sleeps++
	c.mu.Unlock()
	return nil
}

func (c *ManualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Sleeps counts Sleep calls, one per controller tick.
func (c *ManualClock) Sleeps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleeps
}
