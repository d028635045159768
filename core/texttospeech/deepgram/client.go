// Package deepgram synthesizes speech with the Deepgram speak websocket.
package deepgram

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voice/core/audio"
	"github.com/koscakluka/ema-voice/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultURL = "wss://api.deepgram.com/v1/speak"

type TextToSpeechClient struct {
	apiKey  string
	url     string
	options texttospeech.SynthesisOptions
}

type Option func(*TextToSpeechClient)

func WithURL(url string) Option {
	return func(c *TextToSpeechClient) {
		c.url = url
	}
}

func WithSynthesisOptions(opts ...texttospeech.SynthesisOption) Option {
	return func(c *TextToSpeechClient) {
		for _, opt := range opts {
			opt(&c.options)
		}
	}
}

func NewTextToSpeechClient(apiKey string, opts ...Option) (*TextToSpeechClient, error) {
	c := &TextToSpeechClient{
		apiKey:  apiKey,
		url:     defaultURL,
		options: texttospeech.ApplyOptions(DefaultVoice),
	}
	for _, opt := range opts {
		opt(c)
	}
	if !IsAvailableVoice(c.options.Voice) {
		return nil, fmt.Errorf("invalid voice %q", c.options.Voice)
	}
	if c.options.EncodingInfo.Format != audio.EncodingLinear16 {
		return nil, fmt.Errorf("unsupported encoding %q", c.options.EncodingInfo.Format.Name())
	}
	return c, nil
}

type websocketMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Synthesize speaks text on a fresh connection and collects audio until
// Deepgram confirms the flush.
func (c *TextToSpeechClient) Synthesize(ctx context.Context, text string) (texttospeech.Result, error) {
	ctx, span := tracer.Start(ctx, "synthesize")
	defer span.End()
	span.SetAttributes(attribute.String("tts.voice", c.options.Voice))

	fail := func(err error) (texttospeech.Result, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return texttospeech.Result{}, err
	}

	speakURL, err := url.Parse(c.url)
	if err != nil {
		return fail(fmt.Errorf("invalid speak url: %w", err))
	}
	query := speakURL.Query()
	query.Set("encoding", "linear16")
	query.Set("sample_rate", strconv.Itoa(c.options.EncodingInfo.SampleRate))
	query.Set("model", c.options.Voice)
	query.Set("container", "none")
	speakURL.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, speakURL.String(),
		http.Header{"Authorization": {"token " + c.apiKey}})
	if err != nil {
		return fail(fmt.Errorf("failed to open socket connection to deepgram: %w", err))
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for _, msg := range []websocketMessage{{Type: "Speak", Text: text}, {Type: "Flush"}} {
		data, err := sonic.Marshal(msg)
		if err != nil {
			return fail(fmt.Errorf("failed to marshal %s message: %w", msg.Type, err))
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return fail(fmt.Errorf("failed to write %s message: %w", msg.Type, err))
		}
	}

	var speech bytes.Buffer
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fail(fmt.Errorf("synthesis interrupted: %w", ctxErr))
			}
			return fail(fmt.Errorf("failed to read deepgram message: %w", err))
		}

		if msgType == websocket.BinaryMessage {
			speech.Write(msg)
			continue
		}

		var parsed struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		}
		if err := sonic.Unmarshal(msg, &parsed); err != nil {
			continue
		}
		switch parsed.Type {
		case "Flushed":
			closeMsg, _ := sonic.Marshal(websocketMessage{Type: "Close"})
			_ = conn.WriteMessage(websocket.TextMessage, closeMsg)
			span.SetAttributes(attribute.Int("audio.bytes", speech.Len()))
			return texttospeech.Result{Audio: speech.Bytes(), EncodingInfo: c.options.EncodingInfo}, nil
		case "Error":
			return fail(fmt.Errorf("deepgram error: %s", parsed.Description))
		}
	}
}
