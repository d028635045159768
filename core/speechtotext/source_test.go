package speechtotext

import (
	"errors"
	"testing"
	"time"
)

func collect(t *testing.T, q *Queue) ([]Event, error) {
	t.Helper()
	type result struct {
		events []Event
		err    error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		for event, err := range q.All() {
			if err != nil {
				r.err = err
				break
			}
			r.events = append(r.events, event)
		}
		done <- r
	}()

	select {
	case r := <-done:
		return r.events, r.err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out draining queue")
	}
	return nil, nil
}

func TestQueueStopsAfterFinalEvent(t *testing.T) {
	q := NewQueue()
	q.Push(Event{Text: "今天"})
	q.Push(Event{Text: "今天天气", IsFinal: true})
	q.Push(Event{Text: "ignored"})

	events, err := collect(t, q)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(events) != 2 || !events[1].IsFinal || events[1].Text != "今天天气" {
		t.Fatalf("expected partial then final, got %+v", events)
	}
}

func TestQueueDeliversErrorLast(t *testing.T) {
	q := NewQueue()
	q.Push(Event{Text: "hel"})
	wantErr := errors.New("recognizer closed")
	q.Fail(wantErr)

	events, err := collect(t, q)
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
	if len(events) != 1 {
		t.Fatalf("expected one event before the error, got %+v", events)
	}
}

func TestQueueWaitsForLateEvents(t *testing.T) {
	q := NewQueue()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(Event{Text: "late", IsFinal: true})
	}()

	events, _ := collect(t, q)
	if len(events) != 1 || events[0].Text != "late" {
		t.Fatalf("expected the late final event, got %+v", events)
	}
}

func TestQueueEndsWhenClosed(t *testing.T) {
	q := NewQueue()
	q.Close()
	q.Push(Event{Text: "after close"})

	events, err := collect(t, q)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected empty sequence, got %+v, %v", events, err)
	}
}

func TestApplyOptionsDefaults(t *testing.T) {
	options := ApplyOptions()
	if options.EncodingInfo.SampleRate != 16000 || options.Language != "zh-CN" {
		t.Fatalf("expected 16 kHz zh-CN defaults, got %+v", options)
	}
}
