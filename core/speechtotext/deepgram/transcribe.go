// Package deepgram recognizes speech with Deepgram live transcription.
package deepgram

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voice/core/speechtotext"
	"go.opentelemetry.io/otel/codes"
)

const defaultURL = "wss://api.deepgram.com/v1/listen"

type TranscriptionClient struct {
	apiKey string
	url    string
	model  string
}

type Option func(*TranscriptionClient)

func WithURL(url string) Option {
	return func(c *TranscriptionClient) {
		c.url = url
	}
}

func WithModel(model string) Option {
	return func(c *TranscriptionClient) {
		c.model = model
	}
}

func NewTranscriptionClient(apiKey string, opts ...Option) *TranscriptionClient {
	c := &TranscriptionClient{apiKey: apiKey, url: defaultURL, model: "nova-3"}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *TranscriptionClient) Open(ctx context.Context, opts ...speechtotext.TranscriptionOption) (speechtotext.Stream, error) {
	ctx, span := tracer.Start(ctx, "open transcription stream")
	defer span.End()

	options := speechtotext.ApplyOptions(opts...)
	encoding, err := listenEncoding(options.EncodingInfo)
	if err != nil {
		err = fmt.Errorf("invalid encoding: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	listenURL, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("invalid listen url: %w", err)
	}
	query := listenURL.Query()
	query.Set("encoding", encoding)
	query.Set("sample_rate", strconv.Itoa(options.EncodingInfo.SampleRate))
	query.Set("channels", "1")
	query.Set("model", c.model)
	query.Set("language", options.Language)
	query.Set("smart_format", "true")
	query.Set("interim_results", "true")
	query.Set("endpointing", "300")
	listenURL.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, listenURL.String(),
		http.Header{"Authorization": {"Token " + c.apiKey}})
	if err != nil {
		err = fmt.Errorf("failed to open socket connection to deepgram: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s := &stream{conn: conn, queue: speechtotext.NewQueue()}
	go s.readLoop()
	return s, nil
}

type stream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	ended   bool

	queue *speechtotext.Queue

	// accumulated holds finalized segments. Only the read loop touches it.
	accumulated []string
	closeOnce   sync.Once
}

func (s *stream) SendAudio(audio []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to write to deepgram client: %w", err)
	}
	return nil
}

// EndOfUtterance asks Deepgram to flush its remaining results and close the
// stream.
func (s *stream) EndOfUtterance() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.ended {
		return nil
	}
	s.ended = true
	if err := s.conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: string(api.TypeCloseStreamResponse)}); err != nil {
		return fmt.Errorf("failed to close deepgram stream: %w", err)
	}
	return nil
}

func (s *stream) hasEnded() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ended
}

func (s *stream) Events() iter.Seq2[speechtotext.Event, error] {
	return s.queue.All()
}

func (s *stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.queue.Close()
		err = s.conn.Close()
	})
	return err
}

func (s *stream) readLoop() {
	for {
		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if s.hasEnded() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.queue.Push(speechtotext.Event{Text: s.transcript(""), IsFinal: true})
				s.queue.Close()
				return
			}
			s.queue.Fail(fmt.Errorf("failed to read deepgram message: %w", err))
			return
		}
		if msgType == websocket.BinaryMessage {
			continue
		}
		s.processMessage(msg)
	}
}

func (s *stream) processMessage(msg []byte) {
	var parsed struct {
		Type string `json:"type"`
	}
	if err := sonic.Unmarshal(msg, &parsed); err != nil {
		logger.Warn("failed to unmarshal deepgram message", "error", err)
		return
	}

	switch api.TypeResponse(parsed.Type) {
	case api.TypeMessageResponse:
		var resp api.MessageResponse
		if err := sonic.Unmarshal(msg, &resp); err != nil {
			logger.Warn("failed to unmarshal deepgram message", "error", err)
			return
		}
		if len(resp.Channel.Alternatives) == 0 {
			return
		}
		segment := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		if segment == "" {
			return
		}
		if resp.IsFinal {
			s.accumulated = append(s.accumulated, segment)
			s.queue.Push(speechtotext.Event{Text: s.transcript("")})
		} else {
			s.queue.Push(speechtotext.Event{Text: s.transcript(segment)})
		}

	case api.TypeSpeechStartedResponse, api.TypeUtteranceEndResponse:
		logger.Debug("deepgram speech boundary", "type", parsed.Type)
	}
}

// transcript joins the finalized segments with an optional interim tail.
func (s *stream) transcript(interim string) string {
	parts := s.accumulated
	if interim != "" {
		parts = append(parts[:len(parts):len(parts)], interim)
	}
	return strings.Join(parts, " ")
}
