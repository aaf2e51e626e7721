// Package timectrl abstracts time for the bring-up sequencer. Hardware settle
// waits (clock lock, link-up, reset propagation) are plain blocking sleeps on
// real boards, but tests drive the sequencer through a manual clock so no test
// ever sleeps for wall-clock settle intervals.
package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source the sequencer and calibration engine depend on.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Sleep blocks for d or until ctx is cancelled, returning ctx.Err() in
	// the cancelled case. Settle waits must stay cancellable: a board with
	// an unlocked clock can otherwise hang a run indefinitely.
	Sleep(ctx context.Context, d time.Duration) error
}

// Real is the wall-clock implementation used against hardware.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manual is a test clock. Sleeps return immediately and are journaled so
// tests can assert on settle behaviour; Now advances by every slept duration,
// which also gives the clock-estimate stage a deterministic window.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewManual creates a manual clock starting at the given instant.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if d > 0 {
		m.now = m.now.Add(d)
		m.sleeps = append(m.sleeps, d)
	}
	return nil
}

// Advance moves the clock forward without recording a sleep.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Sleeps returns a copy of every duration slept so far.
func (m *Manual) Sleeps() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.sleeps))
	copy(out, m.sleeps)
	return out
}

// TotalSlept returns the sum of all recorded sleeps.
func (m *Manual) TotalSlept() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total time.Duration
	for _, d := range m.sleeps {
		total += d
	}
	return total
}
