// Package doubao recognizes speech with the Volcengine bigmodel streaming ASR.
package doubao

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/speechtotext"
	"github.com/koscakluka/ema-voice/internal/volc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultURL        = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_async"
	defaultResourceID = "volc.bigasr.sauc.duration"
)

type Recognizer struct {
	appID       string
	accessToken string
	resourceID  string
	url         string
	userID      string
	dialer      *websocket.Dialer
}

type Option func(*Recognizer)

func WithResourceID(resourceID string) Option {
	return func(r *Recognizer) {
		if resourceID != "" {
			r.resourceID = resourceID
		}
	}
}

// WithURL overrides the recognition endpoint.
func WithURL(url string) Option {
	return func(r *Recognizer) {
		r.url = url
	}
}

func WithUserID(userID string) Option {
	return func(r *Recognizer) {
		r.userID = userID
	}
}

func NewRecognizer(appID, accessToken string, opts ...Option) *Recognizer {
	r := &Recognizer{
		appID:       appID,
		accessToken: accessToken,
		resourceID:  defaultResourceID,
		url:         defaultURL,
		userID:      "ema-voice",
		dialer:      websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type requestPayload struct {
	User    requestUser    `json:"user"`
	Audio   requestAudio   `json:"audio"`
	Request requestOptions `json:"request"`
}

type requestUser struct {
	UID string `json:"uid"`
}

type requestAudio struct {
	Format   string `json:"format"`
	Codec    string `json:"codec"`
	Rate     int    `json:"rate"`
	Bits     int    `json:"bits"`
	Channel  int    `json:"channel"`
	Language string `json:"language,omitempty"`
}

type requestOptions struct {
	ReqID          string `json:"reqid"`
	ModelName      string `json:"model_name"`
	EnableITN      bool   `json:"enable_itn"`
	EnablePunc     bool   `json:"enable_punc"`
	ShowUtterances bool   `json:"show_utterances"`
	ResultType     string `json:"result_type"`
	Sequence       int32  `json:"sequence"`
}

type responsePayload struct {
	Result struct {
		Text string `json:"text"`
	} `json:"result"`
}

// Open dials the recognizer and sends the session request. Audio must be
// 16 bit mono PCM.
func (r *Recognizer) Open(ctx context.Context, opts ...speechtotext.TranscriptionOption) (speechtotext.Stream, error) {
	ctx, span := tracer.Start(ctx, "open recognition stream")
	defer span.End()

	options := speechtotext.ApplyOptions(opts...)
	if options.EncodingInfo.Format != audio.EncodingLinear16 {
		err := fmt.Errorf("unsupported encoding %q, only linear16 is accepted", options.EncodingInfo.Format.Name())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	connectID := uuid.NewString()
	span.SetAttributes(attribute.String("asr.connect_id", connectID))
	header := http.Header{
		"X-Api-App-Key":     {r.appID},
		"X-Api-Access-Key":  {r.accessToken},
		"X-Api-Resource-Id": {r.resourceID},
		"X-Api-Connect-Id":  {connectID},
	}
	conn, _, err := r.dialer.DialContext(ctx, r.url, header)
	if err != nil {
		err = fmt.Errorf("failed to open socket connection to recognizer: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s := &stream{conn: conn, queue: speechtotext.NewQueue(), sequence: 1}
	payload, err := sonic.Marshal(requestPayload{
		User: requestUser{UID: r.userID},
		Audio: requestAudio{
			Format:   "pcm",
			Codec:    "raw",
			Rate:     options.EncodingInfo.SampleRate,
			Bits:     16,
			Channel:  1,
			Language: options.Language,
		},
		Request: requestOptions{
			ReqID:          uuid.NewString(),
			ModelName:      "bigmodel",
			EnableITN:      true,
			EnablePunc:     true,
			ShowUtterances: true,
			ResultType:     "full",
			Sequence:       1,
		},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to marshal session request: %w", err)
	}
	if err := s.write(volc.Frame{
		Type:          volc.MessageFullClient,
		Flags:         volc.FlagPosSequence,
		Serialization: volc.SerializationJSON,
		Compression:   volc.CompressionGzip,
		Sequence:      1,
		Payload:       payload,
	}); err != nil {
		conn.Close()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	go s.readLoop()
	return s, nil
}

type stream struct {
	conn *websocket.Conn

	writeMu  sync.Mutex
	sequence int32
	ended    bool

	queue *speechtotext.Queue

	// lastText is only touched by the read loop.
	lastText  string
	closeOnce sync.Once
}

func (s *stream) write(frame volc.Frame) error {
	data, err := frame.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("failed to write to recognizer: %w", err)
	}
	return nil
}

func (s *stream) SendAudio(audio []byte) error {
	if len(audio) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.ended {
		return errors.New("utterance already ended")
	}
	s.sequence++
	return s.write(volc.Frame{
		Type:        volc.MessageAudioOnlyClient,
		Flags:       volc.FlagPosSequence,
		Compression: volc.CompressionGzip,
		Sequence:    s.sequence,
		Payload:     audio,
	})
}

func (s *stream) EndOfUtterance() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.ended {
		return nil
	}
	s.ended = true
	s.sequence++
	return s.write(volc.Frame{
		Type:        volc.MessageAudioOnlyClient,
		Flags:       volc.FlagLastWithSequence,
		Compression: volc.CompressionGzip,
		Sequence:    -s.sequence,
	})
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
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.hasEnded() {
				// The recognizer may hang up without flagging its last
				// response; the last cumulative text is then final.
				s.finish()
				return
			}
			s.queue.Fail(fmt.Errorf("failed to read recognizer message: %w", err))
			return
		}

		frame, err := volc.Unmarshal(data)
		if err != nil {
			logger.Warn("dropping malformed recognizer frame", "error", err)
			continue
		}

		switch frame.Type {
		case volc.MessageFullServer:
			var resp responsePayload
			if err := sonic.Unmarshal(frame.Payload, &resp); err != nil {
				logger.Warn("dropping malformed recognizer result", "error", err)
				continue
			}
			text := strings.TrimSpace(resp.Result.Text)
			if frame.IsLast() {
				if text != "" {
					s.lastText = text
				}
				s.finish()
				return
			}
			if text != "" && text != s.lastText {
				s.lastText = text
				s.queue.Push(speechtotext.Event{Text: text})
			}

		case volc.MessageError:
			s.queue.Fail(fmt.Errorf("recognizer error %d: %s", frame.ErrorCode, frame.Payload))
			return
		}
	}
}

func (s *stream) finish() {
	s.queue.Push(speechtotext.Event{Text: s.lastText, IsFinal: true})
	s.queue.Close()
}
