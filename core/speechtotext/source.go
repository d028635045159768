// Package speechtotext defines how recognized speech is consumed. Concrete
// recognizers live in the sub-packages.
package speechtotext

import (
	"context"
	"iter"
	"sync"
)

// Event is a transcript update. Partial events may be superseded by later
// ones; only the final event is authoritative.
type Event struct {
	Text    string
	IsFinal bool
}

// Source opens one recognition stream per utterance.
type Source interface {
	Open(ctx context.Context, opts ...TranscriptionOption) (Stream, error)
}

type Stream interface {
	// SendAudio forwards raw audio in the encoding the stream was opened
	// with.
	SendAudio(audio []byte) error
	// EndOfUtterance tells the recognizer no more audio follows. The stream
	// then produces its final event and ends.
	EndOfUtterance() error
	// Events yields transcript updates lazily. The sequence ends after the
	// final event, on error, or when the stream is closed.
	Events() iter.Seq2[Event, error]
	Close() error
}

// Queue buffers events between a recognizer's read loop and the consumer of
// Events. It never blocks the producer.
type Queue struct {
	mu     sync.Mutex
	items  []queued
	signal chan struct{}
	done   bool
}

type queued struct {
	event Event
	err   error
}

func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

func (q *Queue) Push(event Event) {
	q.push(queued{event: event})
}

// Fail queues err and ends the queue.
func (q *Queue) Fail(err error) {
	q.push(queued{err: err})
	q.Close()
}

func (q *Queue) push(item queued) {
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.notify()
}

// Close ends the queue. Items already queued are still delivered.
func (q *Queue) Close() {
	q.mu.Lock()
	q.done = true
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// All drains the queue until it is closed and empty. A final event or an
// error ends the sequence.
func (q *Queue) All() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			q.mu.Lock()
			items := q.items
			q.items = nil
			done := q.done
			q.mu.Unlock()

			for _, item := range items {
				if !yield(item.event, item.err) {
					return
				}
				if item.err != nil || item.event.IsFinal {
					return
				}
			}
			if done && len(items) == 0 {
				return
			}
			if len(items) == 0 {
				<-q.signal
			}
		}
	}
}
