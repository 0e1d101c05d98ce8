package effects

import (
	"context"
	"sync"
	"time"

	"github.com/thejerf/abtime"
)

// RealTime implements the time effect against the system clock.
type RealTime struct {
	ab abtime.AbstractTime
}

// NewRealTime creates the production time source.
func NewRealTime() *RealTime {
	return &RealTime{ab: abtime.NewRealTime()}
}

func (t *RealTime) Now() time.Time { return t.ab.Now() }

func (t *RealTime) NowMs() uint64 { return uint64(t.ab.Now().UnixMilli()) }

func (t *RealTime) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SimTime implements the time effect over a manually advanced clock.
// Sleep advances the clock instead of blocking, which keeps simulated
// ceremonies single-threaded and reproducible.
type SimTime struct {
	mu sync.Mutex
	ab *abtime.ManualTime
}

// NewSimTime creates a simulated clock starting at the given instant.
func NewSimTime(start time.Time) *SimTime {
	return &SimTime{ab: abtime.NewManualAtTime(start)}
}

func (t *SimTime) Now() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ab.Now()
}

func (t *SimTime) NowMs() uint64 {
	return uint64(t.Now().UnixMilli())
}

func (t *SimTime) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.Advance(d)
	return nil
}

// Advance moves the simulated clock forward.
func (t *SimTime) Advance(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ab.Advance(d)
}
