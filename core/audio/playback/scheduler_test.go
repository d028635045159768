package playback

import (
	"math"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Duration
}

func (c *fakeClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	c.mu.Unlock()
}

type fakeVoice struct {
	samples []float32
	at      time.Duration
	stopped bool
}

func (v *fakeVoice) Stop() { v.stopped = true }

type recordingOutput struct {
	voices []*fakeVoice
}

func (o *recordingOutput) Play(samples []float32, _ int, at time.Duration) Voice {
	v := &fakeVoice{samples: samples, at: at}
	o.voices = append(o.voices, v)
	return v
}

const testRate = 1000

func constant(n int, value float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = value
	}
	return out
}

func newTestScheduler(opts ...Option) (*Scheduler, *fakeClock, *recordingOutput) {
	clock := &fakeClock{}
	output := &recordingOutput{}
	opts = append([]Option{WithRampDuration(10 * time.Millisecond), WithStallSilence(5 * time.Millisecond)}, opts...)
	return NewScheduler(clock, output, opts...), clock, output
}

func TestSchedulerPlacesBuffersBackToBack(t *testing.T) {
	s, clock, output := newTestScheduler()

	s.Enqueue(Buffer{TurnID: 1, SequenceNo: 0, LastPart: true, Samples: constant(100, 0.2), SampleRate: testRate})
	clock.Advance(30 * time.Millisecond)
	s.Enqueue(Buffer{TurnID: 1, SequenceNo: 1, LastPart: true, Samples: constant(100, 0.2), SampleRate: testRate})

	if len(output.voices) != 2 {
		t.Fatalf("expected 2 voices, got %d", len(output.voices))
	}
	if output.voices[0].at != 5*time.Millisecond {
		t.Fatalf("expected first buffer after the lead silence, got %v", output.voices[0].at)
	}
	if output.voices[1].at != output.voices[0].at+100*time.Millisecond {
		t.Fatalf("expected second buffer to start at end of first (%v), got %v",
			output.voices[0].at+100*time.Millisecond, output.voices[1].at)
	}
	if s.Stalls() != 0 {
		t.Fatalf("expected no stalls, got %d", s.Stalls())
	}
}

func TestSchedulerInsertsSilenceOnStall(t *testing.T) {
	var stalled []uint32
	s, clock, output := newTestScheduler(WithStallCallback(func(_ uint64, seq uint32, _ time.Duration) {
		stalled = append(stalled, seq)
	}))

	s.Enqueue(Buffer{TurnID: 1, SequenceNo: 0, LastPart: true, Samples: constant(50, 0.1), SampleRate: testRate})
	clock.Advance(200 * time.Millisecond)
	s.Enqueue(Buffer{TurnID: 1, SequenceNo: 1, LastPart: true, Samples: constant(50, 0.1), SampleRate: testRate})

	if got := output.voices[1].at; got != 205*time.Millisecond {
		t.Fatalf("expected late buffer to start after silence at 205ms, got %v", got)
	}
	if s.Stalls() != 1 || len(stalled) != 1 || stalled[0] != 1 {
		t.Fatalf("expected one stall reported for sequence 1, got %d %v", s.Stalls(), stalled)
	}
}

func TestSchedulerDoesNotCountGapAfterFinalAsStall(t *testing.T) {
	s, clock, _ := newTestScheduler()

	s.Enqueue(Buffer{TurnID: 1, SequenceNo: 0, LastPart: true, IsFinal: true, Samples: constant(50, 0.1), SampleRate: testRate})
	clock.Advance(time.Second)
	s.Enqueue(Buffer{TurnID: 2, SequenceNo: 0, LastPart: true, Samples: constant(50, 0.1), SampleRate: testRate})

	if s.Stalls() != 0 {
		t.Fatalf("expected no stall between turns, got %d", s.Stalls())
	}
}

func TestSchedulerHoldsOutOfOrderBuffers(t *testing.T) {
	s, _, output := newTestScheduler()

	s.Enqueue(Buffer{TurnID: 1, SequenceNo: 1, LastPart: true, Samples: constant(10, 0.1), SampleRate: testRate})
	if len(output.voices) != 0 {
		t.Fatalf("expected sequence 1 to be held, got %d voices", len(output.voices))
	}
	if s.Pending() != 1 {
		t.Fatalf("expected 1 pending buffer, got %d", s.Pending())
	}

	s.Enqueue(Buffer{TurnID: 1, SequenceNo: 0, LastPart: true, Samples: constant(20, 0.1), SampleRate: testRate})
	if len(output.voices) != 2 {
		t.Fatalf("expected both buffers scheduled, got %d", len(output.voices))
	}
	if len(output.voices[0].samples) != 20 {
		t.Fatalf("expected sequence 0 to be scheduled first")
	}
}

func TestSchedulerOrdersPartsOfOneSequence(t *testing.T) {
	s, _, output := newTestScheduler()

	s.Enqueue(Buffer{TurnID: 1, SequenceNo: 0, Part: 1, LastPart: true, Continuation: true, Samples: constant(5, 0.1), SampleRate: testRate})
	s.Enqueue(Buffer{TurnID: 1, SequenceNo: 0, Part: 0, Samples: constant(7, 0.1), SampleRate: testRate})
	s.Enqueue(Buffer{TurnID: 1, SequenceNo: 1, LastPart: true, Samples: constant(3, 0.1), SampleRate: testRate})

	if len(output.voices) != 3 {
		t.Fatalf("expected 3 voices, got %d", len(output.voices))
	}
	for i, want := range []int{7, 5, 3} {
		if len(output.voices[i].samples) != want {
			t.Fatalf("expected voice %d to have %d samples, got %d", i, want, len(output.voices[i].samples))
		}
	}
}

func TestSchedulerSoftStartsSequentialChunksWithoutContinuation(t *testing.T) {
	s, _, output := newTestScheduler()

	s.Enqueue(Buffer{TurnID: 1, SequenceNo: 0, LastPart: true, Samples: constant(100, 0.5), SampleRate: testRate})
	s.Enqueue(Buffer{TurnID: 1, SequenceNo: 1, LastPart: true, Samples: constant(100, 0.5), SampleRate: testRate})

	for i, v := range output.voices {
		if v.samples[0] != 0 {
			t.Fatalf("expected buffer %d to start from silence, got %f", i, v.samples[0])
		}
		for j := 1; j < 10; j++ {
			if v.samples[j] < v.samples[j-1] {
				t.Fatalf("expected monotonic ramp in buffer %d at %d", i, j)
			}
		}
		if v.samples[10] != 0.5 {
			t.Fatalf("expected ramp to end after 10 samples in buffer %d, got %f", i, v.samples[10])
		}
	}
}

func TestSchedulerContinuationSpliceHasNoClick(t *testing.T) {
	s, _, output := newTestScheduler()

	s.Enqueue(Buffer{TurnID: 1, SequenceNo: 0, Part: 0, Samples: constant(100, 0.5), SampleRate: testRate})
	s.Enqueue(Buffer{TurnID: 1, SequenceNo: 0, Part: 1, LastPart: true, Continuation: true, Samples: constant(100, 0.52), SampleRate: testRate})

	first, second := output.voices[0], output.voices[1]
	if second.samples[0] != 0.52 {
		t.Fatalf("expected matching continuation to be left untouched, got %f", second.samples[0])
	}
	delta := math.Abs(float64(second.samples[0] - first.samples[len(first.samples)-1]))
	if delta > DefaultClickThreshold {
		t.Fatalf("expected splice delta below %f, got %f", DefaultClickThreshold, delta)
	}
}

func TestSchedulerSmoothsMismatchedContinuation(t *testing.T) {
	s, _, output := newTestScheduler()

	s.Enqueue(Buffer{TurnID: 1, SequenceNo: 0, Part: 0, Samples: constant(100, 0.5), SampleRate: testRate})
	s.Enqueue(Buffer{TurnID: 1, SequenceNo: 0, Part: 1, LastPart: true, Continuation: true, Samples: constant(100, -0.5), SampleRate: testRate})

	first, second := output.voices[0], output.voices[1]
	delta := math.Abs(float64(second.samples[0] - first.samples[len(first.samples)-1]))
	if delta > 0.1 {
		t.Fatalf("expected smoothed splice, got delta %f", delta)
	}
	if second.samples[50] != -0.5 {
		t.Fatalf("expected signal to be reached after the ramp, got %f", second.samples[50])
	}
}

func TestSchedulerStopSilencesAndResets(t *testing.T) {
	s, clock, output := newTestScheduler()

	s.Enqueue(Buffer{TurnID: 4, SequenceNo: 0, LastPart: true, Samples: constant(100, 0.5), SampleRate: testRate})
	s.Enqueue(Buffer{TurnID: 4, SequenceNo: 2, LastPart: true, Samples: constant(100, 0.5), SampleRate: testRate})
	s.Enqueue(Buffer{TurnID: 4, SequenceNo: 1, LastPart: true, Samples: constant(100, 0.5), SampleRate: testRate})

	s.Stop(4)

	for i, v := range output.voices {
		if !v.stopped {
			t.Fatalf("expected voice %d to be stopped", i)
		}
	}
	if s.Pending() != 0 {
		t.Fatalf("expected queue to be purged, got %d", s.Pending())
	}
	if s.Enqueue(Buffer{TurnID: 4, SequenceNo: 3, LastPart: true, Samples: constant(10, 0.5), SampleRate: testRate}) {
		t.Fatalf("expected buffers of the stopped turn to be refused")
	}

	clock.Advance(time.Second)
	if !s.Enqueue(Buffer{TurnID: 5, SequenceNo: 0, LastPart: true, Samples: constant(10, 0.5), SampleRate: testRate}) {
		t.Fatalf("expected next turn to be accepted")
	}
	last := output.voices[len(output.voices)-1]
	if last.at != time.Second+5*time.Millisecond {
		t.Fatalf("expected clock to restart from now, got %v", last.at)
	}
	if s.Stalls() != 0 {
		t.Fatalf("expected restart after stop not to count as stall, got %d", s.Stalls())
	}
}

func TestSchedulerDropsStaleTurns(t *testing.T) {
	s, _, _ := newTestScheduler()

	s.Enqueue(Buffer{TurnID: 3, SequenceNo: 0, LastPart: true, Samples: constant(10, 0.5), SampleRate: testRate})
	if s.Enqueue(Buffer{TurnID: 2, SequenceNo: 0, LastPart: true, Samples: constant(10, 0.5), SampleRate: testRate}) {
		t.Fatalf("expected older turn to be dropped")
	}
	if s.Enqueue(Buffer{TurnID: 3, SequenceNo: 0, LastPart: true, Samples: constant(10, 0.5), SampleRate: testRate}) {
		t.Fatalf("expected duplicate to be dropped")
	}
}

func TestSchedulerIgnoresStopOfOlderTurn(t *testing.T) {
	s, _, output := newTestScheduler()

	s.Enqueue(Buffer{TurnID: 6, SequenceNo: 0, LastPart: true, Samples: constant(100, 0.5), SampleRate: testRate})
	s.Stop(5)

	if output.voices[0].stopped {
		t.Fatalf("expected the playing turn to keep playing")
	}
	if !s.Enqueue(Buffer{TurnID: 6, SequenceNo: 1, LastPart: true, Samples: constant(10, 0.5), SampleRate: testRate}) {
		t.Fatalf("expected the playing turn to stay accepted")
	}
}

func TestSchedulerNewerTurnReplacesPlayingTurn(t *testing.T) {
	s, clock, output := newTestScheduler()

	s.Enqueue(Buffer{TurnID: 1, SequenceNo: 0, LastPart: true, Samples: constant(500, 0.5), SampleRate: testRate})
	s.Enqueue(Buffer{TurnID: 1, SequenceNo: 2, LastPart: true, Samples: constant(100, 0.5), SampleRate: testRate})
	clock.Advance(50 * time.Millisecond)

	if !s.Enqueue(Buffer{TurnID: 2, SequenceNo: 0, LastPart: true, Samples: constant(100, 0.5), SampleRate: testRate}) {
		t.Fatalf("expected the newer turn to be accepted")
	}
	if !output.voices[0].stopped {
		t.Fatalf("expected the older turn to be silenced")
	}
	if s.Pending() != 0 {
		t.Fatalf("expected queued buffers of the older turn to be purged, got %d", s.Pending())
	}
	last := output.voices[len(output.voices)-1]
	if last.at != 55*time.Millisecond {
		t.Fatalf("expected the newer turn to start now instead of after the older audio, got %v", last.at)
	}
	if s.Stalls() != 0 {
		t.Fatalf("expected a turn change not to count as a stall, got %d", s.Stalls())
	}
}
