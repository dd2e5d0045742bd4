package runtime

import (
	"context"
	"time"
)

type VisibilityResult int

const (
	// NotYetVisible means every attempt observed an empty presence state.
	NotYetVisible VisibilityResult = iota
	Visible
)

func (r VisibilityResult) String() string {
	if r == Visible {
		return "VISIBLE"
	}
	return "NOT_YET_VISIBLE"
}

// VisibilityPolicy bounds the self-visibility check run after Track: presence
// propagation is eventually consistent, so our own key may show up late.
type VisibilityPolicy struct {
	Attempts int
	Step     time.Duration
}

func DefaultVisibilityPolicy() VisibilityPolicy {
	return VisibilityPolicy{Attempts: 5, Step: 500 * time.Millisecond}
}

// Await polls count with a backoff of Step × attempt, pushing every observed
// count, and stops at the first non-zero one.
func (p VisibilityPolicy) Await(ctx context.Context, count func() int, push func(int)) VisibilityResult {
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		timer := time.NewTimer(p.Step * time.Duration(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return NotYetVisible
		case <-timer.C:
		}
		n := count()
		push(n)
		if n > 0 {
			return Visible
		}
	}
	return NotYetVisible
}
