// Package playback schedules decoded speech buffers for gapless, click free
// output.
//
// Buffers are placed on the output's timeline back to back using a logical
// clock: the next buffer starts where the previous one ends, not at the
// moment it arrived. A buffer that arrives too late is started after a short
// silence instead. Every buffer gets a short gain ramp at its start unless it
// explicitly continues the previous one with a matching edge amplitude.
package playback

import (
	"context"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Buffer is one decoded piece of speech.
type Buffer struct {
	TurnID     uint64
	SequenceNo uint32
	// Part orders pieces of a single sequence number; LastPart marks the
	// final piece.
	Part     uint16
	LastPart bool
	// Continuation marks a buffer that directly continues the previous one
	// without a boundary in the underlying audio.
	Continuation bool
	IsFinal      bool

	Samples    []float32
	SampleRate int
}

func (b Buffer) duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(len(b.Samples)) / float64(b.SampleRate) * float64(time.Second))
}

// Clock reports the output's current playback position.
type Clock interface {
	Now() time.Duration
}

// Voice is a buffer handed to the output. Stop must silence it immediately,
// including any part the output already holds.
type Voice interface {
	Stop()
}

type Output interface {
	Play(samples []float32, sampleRate int, at time.Duration) Voice
}

type scheduledVoice struct {
	voice Voice
	end   time.Duration
}

type position struct {
	sequenceNo uint32
	part       uint16
}

func (p position) key() uint64 {
	return uint64(p.sequenceNo)<<16 | uint64(p.part)
}

type Scheduler struct {
	mu sync.Mutex

	clock   Clock
	output  Output
	options Options

	// floor is the lowest turn id still accepted.
	floor  uint64
	turnID uint64
	next   position
	queue  map[uint64]Buffer

	// nextStart is the logical end of the last scheduled buffer.
	nextStart time.Duration
	running   bool

	last struct {
		valid   bool
		turnID  uint64
		sample  float32
		isFinal bool
	}

	voices []scheduledVoice

	stalls      int
	stallsCount metric.Int64Counter
}

func NewScheduler(clock Clock, output Output, opts ...Option) *Scheduler {
	options := Options{
		RampDuration:   DefaultRampDuration,
		StallSilence:   DefaultStallSilence,
		ClickThreshold: DefaultClickThreshold,
	}
	for _, opt := range opts {
		opt(&options)
	}

	stallsCount, _ := meter.Int64Counter("voice.playback.stalls")
	return &Scheduler{
		clock:       clock,
		output:      output,
		options:     options,
		queue:       map[uint64]Buffer{},
		stallsCount: stallsCount,
	}
}

// Enqueue accepts a buffer and schedules every buffer that has become
// playable in order. It reports false when the buffer was discarded because
// it belongs to a stopped or older turn, or was already seen.
func (s *Scheduler) Enqueue(b Buffer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.TurnID < s.floor || b.TurnID < s.turnID {
		return false
	}
	// A newer turn replaces whatever is still playing.
	if b.TurnID > s.turnID {
		s.turnID = b.TurnID
		s.silenceLocked()
	}

	pos := position{sequenceNo: b.SequenceNo, part: b.Part}
	if pos.sequenceNo < s.next.sequenceNo ||
		(pos.sequenceNo == s.next.sequenceNo && pos.part < s.next.part) {
		return false
	}
	if _, ok := s.queue[pos.key()]; ok {
		return false
	}
	s.queue[pos.key()] = b

	for {
		buf, ok := s.queue[s.next.key()]
		if !ok {
			break
		}
		delete(s.queue, s.next.key())
		s.scheduleLocked(buf)
		if buf.LastPart {
			s.next = position{sequenceNo: s.next.sequenceNo + 1}
		} else {
			s.next.part++
		}
	}
	return true
}

func (s *Scheduler) scheduleLocked(b Buffer) {
	now := s.clock.Now()
	s.pruneLocked(now)

	start := s.nextStart
	spliced := s.running && start >= now
	if !spliced {
		if s.running && s.last.valid && s.last.turnID == b.TurnID && !s.last.isFinal {
			s.stalls++
			late := now - start
			s.stallsCount.Add(context.Background(), 1, metric.WithAttributes(attribute.Int64("turn.id", int64(b.TurnID))))
			logger.Warn("playback stalled, inserting silence",
				"turn_id", b.TurnID, "sequence_no", b.SequenceNo, "late", late)
			if s.options.OnStall != nil {
				s.options.OnStall(b.TurnID, b.SequenceNo, late)
			}
		}
		start = now + s.options.StallSilence
	}

	samples := b.Samples
	if len(samples) > 0 {
		continuous := spliced && b.Continuation && s.last.valid && s.last.turnID == b.TurnID
		samples = s.shapeLocked(samples, b.SampleRate, continuous)
		s.last.sample = samples[len(samples)-1]
	}

	if len(samples) > 0 {
		voice := s.output.Play(samples, b.SampleRate, start)
		s.voices = append(s.voices, scheduledVoice{voice: voice, end: start + b.duration()})
	}

	s.nextStart = start + b.duration()
	s.running = true
	s.last.valid = len(b.Samples) > 0 || s.last.valid
	s.last.turnID = b.TurnID
	s.last.isFinal = b.IsFinal
}

// shapeLocked applies the soft start, or smooths a continuation splice whose
// edges do not line up. The input is never modified.
func (s *Scheduler) shapeLocked(samples []float32, sampleRate int, continuous bool) []float32 {
	rampLen := int(float64(sampleRate) * s.options.RampDuration.Seconds())
	if rampLen <= 0 {
		return samples
	}
	rampLen = min(rampLen, len(samples))

	if continuous {
		step := float32(math.Abs(float64(samples[0] - s.last.sample)))
		if step <= s.options.ClickThreshold {
			return samples
		}

		out := make([]float32, len(samples))
		copy(out, samples)
		from := s.last.sample
		for i := 0; i < rampLen; i++ {
			g := float32(i+1) / float32(rampLen+1)
			out[i] = from*(1-g) + samples[i]*g
		}
		return out
	}

	out := make([]float32, len(samples))
	copy(out, samples)
	for i := 0; i < rampLen; i++ {
		out[i] *= float32(i) / float32(rampLen)
	}
	return out
}

func (s *Scheduler) pruneLocked(now time.Duration) {
	kept := s.voices[:0]
	for _, v := range s.voices {
		if v.end > now {
			kept = append(kept, v)
		}
	}
	s.voices = kept
}

// Stop silences everything scheduled so far, purges queued buffers and resets
// the clock. Buffers of turnID and older turns are refused afterwards. A stop
// for a turn older than the one playing leaves the playing turn alone.
func (s *Scheduler) Stop(turnID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turnID < s.turnID {
		s.floor = max(s.floor, turnID+1)
		return
	}

	s.floor = turnID + 1
	s.silenceLocked()
}

func (s *Scheduler) silenceLocked() {
	for _, v := range s.voices {
		v.voice.Stop()
	}
	s.voices = nil
	clear(s.queue)

	s.next = position{}
	s.nextStart = 0
	s.running = false
	s.last.valid = false
	s.last.isFinal = false
}

// Pending reports the number of buffers waiting for a predecessor.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stalls reports how many times silence had to be inserted.
func (s *Scheduler) Stalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalls
}

