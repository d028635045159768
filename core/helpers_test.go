package orchestration

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/llms"
	"github.com/koscakluka/ema-voice/core/speechtotext"
	"github.com/koscakluka/ema-voice/core/texttospeech"
)

func waitForCondition(t *testing.T, timeout time.Duration, description string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", description)
}

func alwaysLive(TurnID) bool { return true }

type stubPlanner struct {
	mu       sync.Mutex
	plans    []Plan
	err      error
	requests []PlanRequest
}

func (p *stubPlanner) Plan(_ context.Context, request PlanRequest) (Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, request)
	if p.err != nil {
		return Plan{}, p.err
	}
	if len(p.plans) == 0 {
		return Plan{}, nil
	}
	plan := p.plans[0]
	if len(p.plans) > 1 {
		p.plans = p.plans[1:]
	}
	return plan, nil
}

func (p *stubPlanner) Requests() []PlanRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PlanRequest(nil), p.requests...)
}

type stubTalker struct {
	mu       sync.Mutex
	tokens   []string
	err      error
	requests []TalkRequest
	// respond overrides tokens when set.
	respond func(TalkRequest) []string
}

func (t *stubTalker) Talk(_ context.Context, request TalkRequest) iter.Seq2[string, error] {
	t.mu.Lock()
	t.requests = append(t.requests, request)
	tokens := t.tokens
	if t.respond != nil {
		tokens = t.respond(request)
	}
	err := t.err
	t.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, token := range tokens {
			if !yield(token, nil) {
				return
			}
		}
		if err != nil {
			yield("", err)
		}
	}
}

func (t *stubTalker) Requests() []TalkRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TalkRequest(nil), t.requests...)
}

// gatedSynthesizer blocks every call until its text is released.
type gatedSynthesizer struct {
	mu      sync.Mutex
	started []string
	gates   map[string]chan struct{}
}

func newGatedSynthesizer() *gatedSynthesizer {
	return &gatedSynthesizer{gates: map[string]chan struct{}{}}
}

func (s *gatedSynthesizer) gate(text string) chan struct{} {
	gate, ok := s.gates[text]
	if !ok {
		gate = make(chan struct{})
		s.gates[text] = gate
	}
	return gate
}

func (s *gatedSynthesizer) Synthesize(ctx context.Context, text string) (texttospeech.Result, error) {
	s.mu.Lock()
	s.started = append(s.started, text)
	gate := s.gate(text)
	s.mu.Unlock()

	select {
	case <-gate:
		return texttospeech.Result{Audio: []byte(text), EncodingInfo: audio.GetSpeechEncodingInfo()}, nil
	case <-ctx.Done():
		return texttospeech.Result{}, ctx.Err()
	}
}

func (s *gatedSynthesizer) Release(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.gate(text))
}

func (s *gatedSynthesizer) Started() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

func (s *gatedSynthesizer) HasStarted(text string) bool {
	for _, started := range s.Started() {
		if started == text {
			return true
		}
	}
	return false
}

// echoSynthesizer returns the text as audio right away.
var echoSynthesizer = texttospeech.SynthesizerFunc(func(_ context.Context, text string) (texttospeech.Result, error) {
	return texttospeech.Result{Audio: []byte(text), EncodingInfo: audio.GetSpeechEncodingInfo()}, nil
})

type blockingTool struct {
	release chan struct{}
}

func (t *blockingTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{Name: "ask_weather", Description: "weather"}
}

// Call ignores ctx on purpose.
func (t *blockingTool) Call(context.Context, string) (string, error) {
	<-t.release
	return "sunny", nil
}

type recordedChunks struct {
	mu     sync.Mutex
	chunks []AudioChunk
}

func (r *recordedChunks) deliver(chunk AudioChunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
	return nil
}

func (r *recordedChunks) All() []AudioChunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AudioChunk(nil), r.chunks...)
}

var errStub = errors.New("stub failure")

// echoSource recognizes audio bytes as text. Every chunk extends the partial
// transcript and the last partial settles the utterance.
type echoSource struct {
	mu      sync.Mutex
	streams []*echoStream
}

func (s *echoSource) Open(context.Context, ...speechtotext.TranscriptionOption) (speechtotext.Stream, error) {
	stream := &echoStream{queue: speechtotext.NewQueue()}
	s.mu.Lock()
	s.streams = append(s.streams, stream)
	s.mu.Unlock()
	return stream, nil
}

func (s *echoSource) Streams() []*echoStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*echoStream(nil), s.streams...)
}

type echoStream struct {
	mu     sync.Mutex
	text   string
	queue  *speechtotext.Queue
	closed atomic.Int32
}

func (s *echoStream) SendAudio(audio []byte) error {
	s.mu.Lock()
	s.text += string(audio)
	text := s.text
	s.mu.Unlock()
	s.queue.Push(speechtotext.Event{Text: text})
	return nil
}

func (s *echoStream) EndOfUtterance() error {
	s.queue.Close()
	return nil
}

func (s *echoStream) Events() iter.Seq2[speechtotext.Event, error] {
	return s.queue.All()
}

// Close fails so that callers have to cope with it.
func (s *echoStream) Close() error {
	s.closed.Add(1)
	s.queue.Close()
	return errStub
}
