// Package doubao synthesizes speech with the Volcengine v1 binary websocket
// API. Every call opens its own connection, so calls can overlap freely.
package doubao

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/texttospeech"
	"github.com/koscakluka/ema-voice/internal/volc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	defaultURL     = "wss://openspeech.bytedance.com/api/v1/tts/ws_binary"
	defaultCluster = "volcano_tts"
	DefaultVoice   = "zh_female_cancan_mars_bigtts"
)

type Synthesizer struct {
	appID       string
	accessToken string
	cluster     string
	url         string
	userID      string
	options     texttospeech.SynthesisOptions
	dialer      *websocket.Dialer
}

type Option func(*Synthesizer)

func WithCluster(cluster string) Option {
	return func(s *Synthesizer) {
		if cluster != "" {
			s.cluster = cluster
		}
	}
}

// WithURL overrides the synthesis endpoint.
func WithURL(url string) Option {
	return func(s *Synthesizer) {
		s.url = url
	}
}

func WithSynthesisOptions(opts ...texttospeech.SynthesisOption) Option {
	return func(s *Synthesizer) {
		for _, opt := range opts {
			opt(&s.options)
		}
	}
}

func NewSynthesizer(appID, accessToken string, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		appID:       appID,
		accessToken: accessToken,
		cluster:     defaultCluster,
		url:         defaultURL,
		userID:      "ema-voice",
		options:     texttospeech.ApplyOptions(DefaultVoice),
		dialer:      websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type synthesisRequest struct {
	App     requestApp     `json:"app"`
	User    requestUser    `json:"user"`
	Audio   requestAudio   `json:"audio"`
	Request requestDetails `json:"request"`
}

type requestApp struct {
	AppID   string `json:"appid"`
	Token   string `json:"token"`
	Cluster string `json:"cluster"`
}

type requestUser struct {
	UID string `json:"uid"`
}

type requestAudio struct {
	VoiceType   string  `json:"voice_type"`
	Encoding    string  `json:"encoding"`
	SpeedRatio  float64 `json:"speed_ratio"`
	VolumeRatio float64 `json:"volume_ratio"`
	PitchRatio  float64 `json:"pitch_ratio"`
	Rate        int     `json:"rate"`
}

type requestDetails struct {
	ReqID     string `json:"reqid"`
	Text      string `json:"text"`
	Operation string `json:"operation"`
}

func encodingName(encoding audio.EncodingInfo) (string, error) {
	if encoding.Format != audio.EncodingLinear16 {
		return "", fmt.Errorf("unsupported encoding %q", encoding.Format.Name())
	}
	return "pcm", nil
}

// Synthesize returns the whole audio of text. The connection is closed when
// ctx ends, which unblocks a pending read.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (texttospeech.Result, error) {
	ctx, span := tracer.Start(ctx, "synthesize")
	defer span.End()
	span.SetAttributes(attribute.Int("text.runes", len([]rune(text))))

	fail := func(err error) (texttospeech.Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return texttospeech.Result{}, err
	}

	encoding, err := encodingName(s.options.EncodingInfo)
	if err != nil {
		return fail(err)
	}

	reqID := uuid.NewString()
	span.SetAttributes(attribute.String("tts.reqid", reqID))
	payload, err := sonic.Marshal(synthesisRequest{
		App:  requestApp{AppID: s.appID, Token: "access_token", Cluster: s.cluster},
		User: requestUser{UID: s.userID},
		Audio: requestAudio{
			VoiceType:   s.options.Voice,
			Encoding:    encoding,
			SpeedRatio:  s.options.SpeedRatio,
			VolumeRatio: 1.0,
			PitchRatio:  1.0,
			Rate:        s.options.EncodingInfo.SampleRate,
		},
		Request: requestDetails{ReqID: reqID, Text: text, Operation: "submit"},
	})
	if err != nil {
		return fail(fmt.Errorf("failed to marshal synthesis request: %w", err))
	}

	conn, _, err := s.dialer.DialContext(ctx, s.url, http.Header{"Authorization": {"Bearer;" + s.accessToken}})
	if err != nil {
		return fail(fmt.Errorf("failed to open socket connection to synthesizer: %w", err))
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	request, err := volc.Frame{
		Type:          volc.MessageFullClient,
		Flags:         volc.FlagNoSequence,
		Serialization: volc.SerializationJSON,
		Compression:   volc.CompressionGzip,
		Payload:       payload,
	}.Marshal()
	if err != nil {
		return fail(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, request); err != nil {
		return fail(fmt.Errorf("failed to write synthesis request: %w", err))
	}

	var speech bytes.Buffer
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fail(fmt.Errorf("synthesis interrupted: %w", ctxErr))
			}
			return fail(fmt.Errorf("failed to read synthesis response: %w", err))
		}

		frame, err := volc.Unmarshal(data)
		if err != nil {
			logger.Warn("dropping malformed synthesis frame", "error", err, "reqid", reqID)
			continue
		}

		switch frame.Type {
		case volc.MessageAudioOnlyServer:
			speech.Write(frame.Payload)
			if frame.IsLast() {
				span.SetAttributes(attribute.Int("audio.bytes", speech.Len()))
				return texttospeech.Result{Audio: speech.Bytes(), EncodingInfo: s.options.EncodingInfo}, nil
			}
		case volc.MessageError:
			return fail(fmt.Errorf("synthesizer error %d: %s", frame.ErrorCode, frame.Payload))
		}
	}
}
