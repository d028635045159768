package orchestration

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voice/core/events"
	"github.com/koscakluka/ema-voice/core/protocol"
	"github.com/koscakluka/ema-voice/core/speechtotext"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

type SessionState int

const (
	StateIdle SessionState = iota
	StateListening
	StateResolving
	StateSpeaking
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateResolving:
		return "resolving"
	case StateSpeaking:
		return "speaking"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

const outboundQueueCapacity = 64

// outbound is a message or audio chunk waiting for the writer. Items bound
// to a turn are only written while that turn is live; control items are
// always written.
type outbound struct {
	turnID  TurnID
	control bool
	message *protocol.Message
	chunk   *AudioChunk
}

// Session coordinates one connected client: it forwards audio to
// recognition, runs a turn per accepted utterance and streams the turn's
// output back, dropping everything of a turn once it is interrupted.
type Session struct {
	id        string
	transport *transport
	registry  *turnRegistry

	conversation *conversation
	workflow     *workflow
	pipeline     *responsePipeline
	instruments  instruments

	source               speechtotext.Source
	transcriptionOptions []speechtotext.TranscriptionOption
	greeting             string

	outbound chan outbound

	// turnMu serializes turn transitions so that the turn being replaced
	// and the new one are known together.
	turnMu sync.Mutex

	mu     sync.Mutex
	state  SessionState
	stream speechtotext.Stream
	// ended is the last turn that already sent its turn_end.
	ended TurnID

	tasks sync.WaitGroup
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	previous := s.state
	s.state = state
	s.mu.Unlock()
	if previous != state {
		logger.Debug("session state changed", "session_id", s.id, "from", previous, "to", state)
	}
}

// Run serves the session until the client disconnects or the transport
// fails. A transport failure is returned; a regular close is not.
func (s *Session) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "run session")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", s.id))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	stopClose := context.AfterFunc(ctx, func() { _ = s.transport.Close() })
	defer stopClose()

	g.Go(func() error {
		defer cancel()
		return s.read(ctx)
	})
	g.Go(func() error {
		return s.write(ctx)
	})

	if s.greeting != "" {
		turn := s.beginTurn(ctx)
		s.startTurn(ctx, turn, "", scriptedEvents(turn.ID, s.greeting))
	}

	err := g.Wait()
	s.registry.CancelActive()
	s.closeStream()
	s.tasks.Wait()

	if err != nil && !errors.Is(err, errClientClosed) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (s *Session) read(ctx context.Context) error {
	for {
		messageType, data, err := s.transport.Read()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, errClientClosed) {
				return nil
			}
			return err
		}

		switch messageType {
		case websocket.TextMessage:
			msg, err := protocol.Decode(data)
			if err != nil {
				logger.Warn("ignoring malformed client message", "session_id", s.id, "error", err)
				s.enqueue(ctx, outbound{control: true, message: &protocol.Message{Type: protocol.TypeError, Error: err.Error()}})
				continue
			}
			s.handle(ctx, msg)

		case websocket.BinaryMessage:
			s.forwardAudio(data)
		}
	}
}

func (s *Session) write(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-s.outbound:
			send := func() error {
				if item.chunk != nil {
					return s.transport.SendAudio(*item.chunk)
				}
				if err := s.transport.SendMessage(*item.message); err != nil {
					return err
				}
				// A gated turn_end is sent while its turn is still live, so
				// an interrupt that follows sees the turn as ended.
				if item.message.Type == protocol.TypeTurnEnd {
					s.mu.Lock()
					s.ended = TurnID(item.message.TurnID)
					s.mu.Unlock()
				}
				return nil
			}

			if item.control || item.turnID == 0 {
				if err := send(); err != nil {
					return err
				}
				continue
			}
			if _, err := s.registry.Publish(item.turnID, send); err != nil {
				return err
			}
		}
	}
}

func (s *Session) enqueue(ctx context.Context, item outbound) bool {
	if item.message != nil && item.message.TurnID == 0 {
		item.message.TurnID = uint64(item.turnID)
	}
	select {
	case s.outbound <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Session) send(ctx context.Context, turnID TurnID, msg protocol.Message) bool {
	msg.TurnID = uint64(turnID)
	return s.enqueue(ctx, outbound{turnID: turnID, message: &msg})
}

// sendStatus reports the coordinator state. A status of a turn is dropped
// with the rest of the turn once it is interrupted.
func (s *Session) sendStatus(ctx context.Context, turnID TurnID, state string) {
	msg := protocol.Message{Type: protocol.TypeStatus, State: state}
	if turnID != 0 {
		s.send(ctx, turnID, msg)
		return
	}
	s.enqueue(ctx, outbound{control: true, message: &msg})
}

func (s *Session) handle(ctx context.Context, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeStartRecording:
		s.interrupt(ctx)
		s.startRecording(ctx)

	case protocol.TypeStopRecording:
		s.stopRecording(ctx)

	case protocol.TypeTextInput:
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			return
		}
		s.closeStream()
		s.acceptTranscript(ctx, text)

	case protocol.TypeInterrupt:
		s.closeStream()
		s.interrupt(ctx)
		s.setState(StateIdle)
		s.sendStatus(ctx, 0, protocol.StatusIdle)

	default:
		logger.Warn("ignoring unknown client message", "session_id", s.id, "type", msg.Type)
	}
}

// interrupt cancels the active turn, if any, and tells the client to stop
// playing it.
func (s *Session) interrupt(ctx context.Context) {
	s.turnMu.Lock()
	cancelled, ok := s.registry.CancelActive()
	s.turnMu.Unlock()
	if ok {
		s.stopPlayback(ctx, cancelled)
	}
}

// beginTurn starts a new turn, interrupting the active one.
func (s *Session) beginTurn(ctx context.Context) Turn {
	s.turnMu.Lock()
	previous, hadPrevious := s.registry.Active()
	turn := s.registry.BeginTurn()
	s.turnMu.Unlock()

	if hadPrevious {
		s.stopPlayback(ctx, previous.ID)
	}
	return turn
}

func (s *Session) stopPlayback(ctx context.Context, turnID TurnID) {
	logger.Debug("turn interrupted", "session_id", s.id, "turn_id", turnID)
	s.enqueue(ctx, outbound{control: true, message: &protocol.Message{Type: protocol.TypeStopPlayback, TurnID: uint64(turnID)}})

	s.mu.Lock()
	ended := s.ended == turnID
	s.mu.Unlock()
	if ended {
		return
	}
	s.enqueue(ctx, outbound{control: true, message: &protocol.Message{
		Type:   protocol.TypeTurnEnd,
		TurnID: uint64(turnID),
		Reason: protocol.EndReasonInterrupted,
	}})
}

func (s *Session) startRecording(ctx context.Context) {
	s.closeStream()
	if s.source == nil {
		s.enqueue(ctx, outbound{control: true, message: &protocol.Message{Type: protocol.TypeError, Error: "speech recognition is not configured"}})
		return
	}

	stream, err := s.source.Open(ctx, s.transcriptionOptions...)
	if err != nil {
		err = classifyUpstream(fmt.Errorf("failed to open transcript stream: %w", err))
		logger.Warn("could not start recognition", "session_id", s.id, "error", err)
		s.enqueue(ctx, outbound{control: true, message: &protocol.Message{Type: protocol.TypeError, Error: err.Error()}})
		s.sendStatus(ctx, 0, protocol.StatusIdle)
		return
	}

	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
	s.setState(StateListening)
	s.sendStatus(ctx, 0, protocol.StatusListening)

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.consumeTranscripts(ctx, stream)
	}()
}

func (s *Session) stopRecording(ctx context.Context) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return
	}

	if err := stream.EndOfUtterance(); err != nil {
		logger.Warn("failed to end utterance", "session_id", s.id, "error", err)
	}
	s.sendStatus(ctx, 0, protocol.StatusRecognizing)
}

func (s *Session) forwardAudio(data []byte) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return
	}
	if err := stream.SendAudio(data); err != nil {
		logger.Warn("failed to forward audio", "session_id", s.id, "error", err)
	}
}

// isCurrentStream reports whether stream is still the one audio goes to.
func (s *Session) isCurrentStream(stream speechtotext.Stream) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream == stream
}

func (s *Session) closeStream() {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()
	if stream != nil {
		if err := stream.Close(); err != nil {
			logger.Debug("failed to close transcript stream", "session_id", s.id, "error", err)
		}
	}
}

// consumeTranscripts surfaces partial transcripts and accepts the final one.
// A stream that ends without a final event is settled with its last partial.
func (s *Session) consumeTranscripts(ctx context.Context, stream speechtotext.Stream) {
	last := ""
	final := false
	for event, err := range stream.Events() {
		if !s.isCurrentStream(stream) {
			return
		}
		if err != nil {
			logger.Warn("transcript stream failed", "session_id", s.id, "error", classifyUpstream(err))
			break
		}

		last = event.Text
		if event.IsFinal {
			final = true
			break
		}
		if event.Text != "" {
			s.enqueue(ctx, outbound{control: true, message: &protocol.Message{
				Type:   protocol.TypeUserPartial,
				TurnID: uint64(s.registry.NextID()),
				Text:   event.Text,
			}})
		}
	}

	s.mu.Lock()
	if s.stream != stream {
		s.mu.Unlock()
		return
	}
	s.stream = nil
	s.mu.Unlock()
	if err := stream.Close(); err != nil {
		logger.Debug("failed to close transcript stream", "session_id", s.id, "error", err)
	}

	if !final {
		logger.Debug("transcript stream ended without a final result", "session_id", s.id, "text", last)
	}
	text := strings.TrimSpace(last)
	if text == "" {
		s.setState(StateIdle)
		s.sendStatus(ctx, 0, protocol.StatusIdle)
		return
	}
	s.acceptTranscript(ctx, text)
}

// acceptTranscript begins a turn for text and runs the agent on it.
func (s *Session) acceptTranscript(ctx context.Context, text string) {
	turn := s.beginTurn(ctx)
	s.send(ctx, turn.ID, protocol.Message{Type: protocol.TypeUserFinal, Text: text})
	s.startTurn(ctx, turn, text, s.workflow.Run(ctx, turn.ID, text, s.conversation.Recent()))
}

func (s *Session) startTurn(ctx context.Context, turn Turn, transcript string, agentEvents iter.Seq[events.AgentEvent]) {
	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		s.runTurn(ctx, turn, transcript, agentEvents)
	}()
}

// scriptedEvents speaks text as a complete answer.
func scriptedEvents(turnID TurnID, text string) iter.Seq[events.AgentEvent] {
	return func(yield func(events.AgentEvent) bool) {
		yield(events.NewFinalToken(turnID, text, nil))
	}
}

// runTurn forwards the agent's events to the client and pipes the speakable
// text through synthesis. It ends the turn with metrics and turn_end unless
// the turn was interrupted.
func (s *Session) runTurn(ctx context.Context, turn Turn, transcript string, agentEvents iter.Seq[events.AgentEvent]) {
	ctx, span := tracer.Start(ctx, "run turn")
	defer span.End()
	span.SetAttributes(attribute.Int64("turn.id", int64(turn.ID)))
	turnAttributes := metric.WithAttributes(attribute.String("session.id", s.id))

	latency := newLatencyTracker(turn.CreatedAt)
	s.setState(StateResolving)
	s.sendStatus(ctx, turn.ID, protocol.StatusThinking)

	tokens := newTextBuffer()
	pipelineDone := make(chan error, 1)
	go func() {
		pipelineDone <- s.pipeline.Run(ctx, turn.ID, tokens, func(chunk AudioChunk) error {
			if !s.registry.IsLive(turn.ID) {
				return errTurnNotLive
			}
			if len(chunk.Audio) > 0 {
				if ttfa, first := latency.FirstAudio(); first {
					s.instruments.timeToFirstAudio.Record(ctx, milliseconds(ttfa), turnAttributes)
				}
			}
			if !s.enqueue(ctx, outbound{turnID: turn.ID, chunk: &chunk}) {
				return errTurnNotLive
			}
			return nil
		})
	}()

	var answer strings.Builder
	var turnErr error
	completed := false
	for event := range agentEvents {
		switch event.Kind() {
		case events.KindThought:
			s.send(ctx, turn.ID, protocol.Message{Type: protocol.TypeThought, Name: event.Name, Content: event.Payload})

		case events.KindToolCall:
			s.send(ctx, turn.ID, protocol.Message{Type: protocol.TypeThought, Name: "tool:" + event.Name, Content: event.Payload})

		case events.KindToolResult:
			s.send(ctx, turn.ID, protocol.Message{Type: protocol.TypeThought, Name: "tool_result:" + event.Name, Content: event.Payload})

		case events.KindSpeakableToken:
			if event.Payload != "" {
				if ttft, first := latency.FirstToken(); first {
					s.instruments.timeToFirstToken.Record(ctx, milliseconds(ttft), turnAttributes)
					start := protocol.Message{Type: protocol.TypeAgentStart, Latency: formatLatency(ttft), LatencyMs: ptr(milliseconds(ttft))}
					if event.IsFinal && event.Err != nil {
						start.Latency = "Error"
					}
					s.send(ctx, turn.ID, start)
					s.setState(StateSpeaking)
					s.sendStatus(ctx, turn.ID, protocol.StatusSpeaking)
				}
				s.send(ctx, turn.ID, protocol.Message{Type: protocol.TypeAgentStream, Text: event.Payload})
				tokens.AddToken(event.Payload)
				answer.WriteString(event.Payload)
			}
			if event.IsFinal {
				completed = true
				turnErr = event.Err
			}
		}
	}

	if completed {
		tokens.TextComplete()
	} else {
		tokens.Clear()
	}
	if err := <-pipelineDone; err != nil {
		logger.Error("response pipeline failed", "session_id", s.id, "turn_id", turn.ID, "error", err)
		turnErr = errors.Join(turnErr, err)
	}

	s.conversation.Record(transcript, answer.String())

	if !completed || !s.registry.IsLive(turn.ID) {
		span.SetAttributes(attribute.Bool("turn.interrupted", true))
		return
	}
	if turnErr != nil {
		span.RecordError(turnErr)
		span.SetStatus(codes.Error, turnErr.Error())
	}

	ttft, ttfa := latency.Milliseconds()
	s.send(ctx, turn.ID, protocol.Message{Type: protocol.TypeMetrics, TTFTMs: ttft, TTFAMs: ttfa})
	end := protocol.Message{Type: protocol.TypeTurnEnd, Reason: endReason(turnErr)}
	if turnErr != nil {
		end.Error = turnErr.Error()
	}
	s.send(ctx, turn.ID, end)

	if s.registry.IsLive(turn.ID) {
		s.setState(StateIdle)
		s.sendStatus(ctx, turn.ID, protocol.StatusIdle)
	}
}

func newSessionID() string {
	return uuid.NewString()
}
