package orchestration

import (
	"fmt"
	"sync"
	"time"
)

// latencyTracker measures the first token and first audio of a turn from the
// moment the turn was created.
type latencyTracker struct {
	mu         sync.Mutex
	start      time.Time
	firstToken time.Duration
	firstAudio time.Duration
	hasToken   bool
	hasAudio   bool
}

func newLatencyTracker(start time.Time) *latencyTracker {
	return &latencyTracker{start: start}
}

// FirstToken records the first token and reports whether this call was it.
func (l *latencyTracker) FirstToken() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hasToken {
		return l.firstToken, false
	}
	l.firstToken, l.hasToken = time.Since(l.start), true
	return l.firstToken, true
}

func (l *latencyTracker) FirstAudio() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hasAudio {
		return l.firstAudio, false
	}
	l.firstAudio, l.hasAudio = time.Since(l.start), true
	return l.firstAudio, true
}

// Milliseconds returns the measured latencies; nil when not reached.
func (l *latencyTracker) Milliseconds() (ttft, ttfa *float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hasToken {
		ttft = ptr(milliseconds(l.firstToken))
	}
	if l.hasAudio {
		ttfa = ptr(milliseconds(l.firstAudio))
	}
	return ttft, ttfa
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func formatLatency(d time.Duration) string {
	return fmt.Sprintf("%.0fms", milliseconds(d))
}

func ptr[T any](v T) *T {
	return &v
}
