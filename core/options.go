package orchestration

import (
	"net/http"
	"time"

	"github.com/koscakluka/ema-voice/core/llms"
	"github.com/koscakluka/ema-voice/core/speechtotext"
	"github.com/koscakluka/ema-voice/core/texttospeech"
)

type ServerOption func(*Server)

// WithTranscriptSource sets the recognizer utterances are streamed to. opts
// are applied to every stream it opens.
func WithTranscriptSource(source speechtotext.Source, opts ...speechtotext.TranscriptionOption) ServerOption {
	return func(s *Server) {
		s.source = source
		s.transcriptionOptions = opts
	}
}

func WithSynthesizer(synthesizer texttospeech.Synthesizer) ServerOption {
	return func(s *Server) { s.synthesizer = synthesizer }
}

func WithPlanner(planner Planner) ServerOption {
	return func(s *Server) { s.planner = planner }
}

func WithTalker(talker Talker) ServerOption {
	return func(s *Server) { s.talker = talker }
}

// WithChatModel runs both the planner and the talker on model.
func WithChatModel(model ChatModel) ServerOption {
	return func(s *Server) {
		s.planner = NewLLMPlanner(model)
		s.talker = NewLLMTalker(model)
	}
}

func WithTools(tools ...llms.Tool) ServerOption {
	return func(s *Server) { s.tools = append(s.tools, tools...) }
}

// WithGreeting replaces the greeting spoken when a client connects. An empty
// greeting disables it.
func WithGreeting(greeting string) ServerOption {
	return func(s *Server) { s.greeting = greeting }
}

// WithSynthesisConcurrency bounds the synthesis calls in flight per turn.
func WithSynthesisConcurrency(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.pipeline.concurrency = int64(n)
		}
	}
}

func WithSynthesisTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.pipeline.synthesisTimeout = timeout
		}
	}
}

func WithToolTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.toolTimeout = timeout
		}
	}
}

func WithMaxToolRounds(rounds int) ServerOption {
	return func(s *Server) {
		if rounds > 0 {
			s.maxToolRounds = rounds
		}
	}
}

// WithSegmentLimits sets the soft limit of the first unit of a turn, the
// soft limit of the following units and the hard limit of every unit, in
// runes.
func WithSegmentLimits(firstUnitSoft, unitSoft, unitHard int) ServerOption {
	return func(s *Server) {
		if firstUnitSoft > 0 {
			s.pipeline.firstUnitSoft = firstUnitSoft
		}
		if unitSoft > 0 {
			s.pipeline.unitSoft = unitSoft
		}
		if unitHard > 0 {
			s.pipeline.unitHard = unitHard
		}
	}
}

// WithStrictOrdering fails a turn on an audio ordering violation instead of
// discarding the offending chunk.
func WithStrictOrdering(strict bool) ServerOption {
	return func(s *Server) { s.pipeline.strict = strict }
}

func WithHistoryWindow(exchanges int) ServerOption {
	return func(s *Server) {
		if exchanges > 0 {
			s.historyWindow = exchanges
		}
	}
}

func WithCheckOrigin(checkOrigin func(r *http.Request) bool) ServerOption {
	return func(s *Server) { s.upgrader.CheckOrigin = checkOrigin }
}

func WithWriteTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		if timeout > 0 {
			s.writeTimeout = timeout
		}
	}
}

// WithAudioFrameSize bounds the audio payload of one binary frame. Larger
// chunks are split.
func WithAudioFrameSize(size int) ServerOption {
	return func(s *Server) {
		if size > 0 {
			s.audioFrameSize = size
		}
	}
}
