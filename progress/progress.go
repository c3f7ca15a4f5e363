// Package progress computes execution-level progress from step state:
// an unweighted mean across steps, a per-execution monotonic clamp, and
// a remaining-time estimate from completed-step durations.
package progress

import (
	"math"
	"sync"
	"time"

	"github.com/xraph/conduct/execution"
)

// Aggregate returns the overall progress percentage for the given steps:
// the arithmetic mean of each step's effective progress, rounded to two
// decimal places. Fan-out siblings each count as one unit; there is no
// depth weighting. Zero steps yields 0.
func Aggregate(steps []*execution.Step) float64 {
	if len(steps) == 0 {
		return 0
	}
	var sum float64
	for _, step := range steps {
		sum += step.EffectiveProgress()
	}
	return math.Round(sum/float64(len(steps))*100) / 100
}

// Tracker keeps a per-execution high-water mark so that reported
// progress never decreases, even when a recomputation would otherwise go
// down (a late-arriving lower update, a conflicting writer's re-read).
// Entries are discarded with Forget once the execution is terminal.
type Tracker struct {
	mu   sync.Mutex
	high map[string]float64
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{high: make(map[string]float64)}
}

// Clamp records value for the execution and returns the running maximum
// of everything observed so far.
func (t *Tracker) Clamp(executionID string, value float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.high[executionID]; ok && prev > value {
		return prev
	}
	t.high[executionID] = value
	return value
}

// Forget drops the execution's high-water mark.
func (t *Tracker) Forget(executionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.high, executionID)
}

// Len returns the number of executions currently tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.high)
}

// EstimateETA estimates the remaining duration for an execution from the
// mean observed duration of its completed steps: pending steps count one
// full mean each, running steps are pro-rated by their remaining
// fraction. The estimate is undefined (ok=false) when no completed step
// carries a timing sample yet, or when nothing remains.
func EstimateETA(steps []*execution.Step) (time.Duration, bool) {
	var (
		sampleSum   time.Duration
		sampleCount int
		remaining   float64
	)
	for _, step := range steps {
		switch step.Status {
		case execution.StatusCompleted:
			if step.StartedAt != nil && step.CompletedAt != nil {
				sampleSum += step.CompletedAt.Sub(*step.StartedAt)
				sampleCount++
			}
		case execution.StatusPending, execution.StatusRetrying:
			remaining++
		case execution.StatusRunning:
			remaining += (100 - step.EffectiveProgress()) / 100
		}
	}
	if sampleCount == 0 || remaining == 0 {
		return 0, false
	}
	mean := float64(sampleSum) / float64(sampleCount)
	return time.Duration(mean * remaining), true
}
