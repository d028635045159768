package orchestration

import (
	"fmt"

	"github.com/koscakluka/ema-voice/core/audio"
)

// AudioChunk is the synthesized audio of one synthesis unit.
type AudioChunk struct {
	TurnID       TurnID
	SequenceNo   int
	Audio        []byte
	EncodingInfo audio.EncodingInfo
	// IsFinal marks the last audio of the turn.
	IsFinal bool
	// Text is the unit the audio was synthesized from.
	Text string
}

// audioBuffer reassembles synthesized chunks of one turn into sequence order.
// It is owned by a single goroutine and does no locking.
type audioBuffer struct {
	turnID  TurnID
	pending map[int]AudioChunk
	next    int

	// total is the number of units of the turn, -1 until known.
	total     int
	finalSent bool
	encoding  audio.EncodingInfo
}

func newAudioBuffer(turnID TurnID) *audioBuffer {
	return &audioBuffer{
		turnID:  turnID,
		pending: map[int]AudioChunk{},
		total:   -1,
	}
}

// Put holds chunk until all of its predecessors are released.
func (b *audioBuffer) Put(chunk AudioChunk) error {
	switch {
	case chunk.TurnID != b.turnID:
		return fmt.Errorf("%w: chunk of turn %d in buffer of turn %d", ErrOrderingViolation, chunk.TurnID, b.turnID)
	case chunk.SequenceNo < b.next:
		return fmt.Errorf("%w: sequence %d already released", ErrOrderingViolation, chunk.SequenceNo)
	case b.total >= 0 && chunk.SequenceNo >= b.total:
		return fmt.Errorf("%w: sequence %d beyond last unit %d", ErrOrderingViolation, chunk.SequenceNo, b.total-1)
	}
	if _, ok := b.pending[chunk.SequenceNo]; ok {
		return fmt.Errorf("%w: duplicate sequence %d", ErrOrderingViolation, chunk.SequenceNo)
	}
	b.pending[chunk.SequenceNo] = chunk
	return nil
}

// Release returns every chunk that can be delivered now, in order.
func (b *audioBuffer) Release() []AudioChunk {
	var released []AudioChunk
	for {
		chunk, ok := b.pending[b.next]
		if !ok {
			break
		}
		delete(b.pending, b.next)
		if !chunk.EncodingInfo.IsZero() {
			b.encoding = chunk.EncodingInfo
		}
		if b.total >= 0 && chunk.SequenceNo == b.total-1 {
			chunk.IsFinal = true
			b.finalSent = true
		}
		released = append(released, chunk)
		b.next++
	}

	if b.total >= 0 && b.next >= b.total && !b.finalSent {
		released = append(released, AudioChunk{
			TurnID:       b.turnID,
			SequenceNo:   b.next,
			EncodingInfo: b.encoding,
			IsFinal:      true,
		})
		b.next++
		b.finalSent = true
	}
	return released
}

// Complete records how many units the turn has. If the last one was already
// released, the next Release appends an empty final chunk.
func (b *audioBuffer) Complete(total int) {
	b.total = total
}

// Skip fills seq with an empty chunk so later chunks can be released.
func (b *audioBuffer) Skip(seq int) {
	if seq < b.next {
		return
	}
	if _, ok := b.pending[seq]; ok {
		return
	}
	b.pending[seq] = AudioChunk{TurnID: b.turnID, SequenceNo: seq, EncodingInfo: b.encoding}
}

// Waiting reports whether the next chunk is missing while the turn still
// expects it.
func (b *audioBuffer) Waiting() bool {
	if b.finalSent {
		return false
	}
	if _, ok := b.pending[b.next]; ok {
		return false
	}
	return len(b.pending) > 0 || (b.total >= 0 && b.next < b.total)
}

// Next is the sequence number that will be released next.
func (b *audioBuffer) Next() int {
	return b.next
}

// Done reports whether the final chunk was released.
func (b *audioBuffer) Done() bool {
	return b.finalSent
}
