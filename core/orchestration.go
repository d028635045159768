// Package orchestration coordinates real-time voice conversations.
//
// A Server accepts websocket clients and runs a Session for each. A session
// turns every accepted utterance into a turn: the agent workflow plans, calls
// tools and talks, and the response pipeline synthesizes the speakable text
// unit by unit while it is still being generated. Everything a turn produces
// is tagged with its id and dropped once a newer turn or an interrupt
// replaces it.
package orchestration

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voice/core/llms"
	"github.com/koscakluka/ema-voice/core/speechtotext"
	"github.com/koscakluka/ema-voice/core/texttospeech"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultGreeting is spoken as the first turn of every session.
const DefaultGreeting = "你好！我是你的智能行程规划助理。请告诉我你想去哪里，或者查天气。"

type Server struct {
	upgrader websocket.Upgrader

	source               speechtotext.Source
	transcriptionOptions []speechtotext.TranscriptionOption
	synthesizer          texttospeech.Synthesizer
	planner              Planner
	talker               Talker
	tools                []llms.Tool

	greeting      string
	pipeline      pipelineConfig
	toolTimeout   time.Duration
	maxToolRounds int
	historyWindow int

	writeTimeout   time.Duration
	audioFrameSize int

	instruments instruments
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		greeting:       DefaultGreeting,
		pipeline:       defaultPipelineConfig(),
		toolTimeout:    defaultToolTimeout,
		maxToolRounds:  defaultMaxToolRounds,
		historyWindow:  defaultHistoryWindow,
		writeTimeout:   defaultWriteTimeout,
		audioFrameSize: defaultAudioFrameSize,
		instruments:    newInstruments(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) validate() error {
	switch {
	case s.planner == nil:
		return fmt.Errorf("planner is required")
	case s.talker == nil:
		return fmt.Errorf("talker is required")
	case s.synthesizer == nil:
		return fmt.Errorf("synthesizer is required")
	}
	return nil
}

// Handler wraps the server with HTTP tracing.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s, "voice session")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "serve session")
	defer span.End()

	if err := s.validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		err = fmt.Errorf("failed to upgrade connection: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	session := s.newSession(conn)
	span.SetAttributes(attribute.String("session.id", session.ID()))
	logger.Info("session started", "session_id", session.ID(), "remote_addr", r.RemoteAddr)

	if err := session.Run(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("session ended with error", "session_id", session.ID(), "error", err)
		return
	}
	logger.Info("session ended", "session_id", session.ID())
}

func (s *Server) newSession(conn *websocket.Conn) *Session {
	registry := newTurnRegistry()

	workflow := newWorkflow(s.planner, s.talker, s.tools, registry.IsLive)
	workflow.toolTimeout = s.toolTimeout
	workflow.maxToolRounds = s.maxToolRounds

	return &Session{
		id:                   newSessionID(),
		transport:            newTransport(conn, s.writeTimeout, s.audioFrameSize),
		registry:             registry,
		conversation:         newConversation(s.historyWindow),
		workflow:             workflow,
		pipeline:             newResponsePipeline(s.synthesizer, registry.IsLive, s.pipeline, s.instruments),
		instruments:          s.instruments,
		source:               s.source,
		transcriptionOptions: s.transcriptionOptions,
		greeting:             s.greeting,
		outbound:             make(chan outbound, outboundQueueCapacity),
	}
}
