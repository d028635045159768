package miniaudio

import (
	"context"
	"fmt"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-voice/core/audio"
)

// Client owns one malgo context with a capture device feeding the microphone
// callback and a Sink rendering scheduled speech.
type Client struct {
	// audioContext is only saved to be able to uninitialize it, it is an
	// ownership thing
	audioContext *malgo.AllocatedContext
	Sink
	captureClient
}

func NewClient() (*Client, error) {
	audioCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {})
	if err != nil {
		return nil, fmt.Errorf("malgo context init failed: %w", err)
	}

	client := Client{audioContext: audioCtx}

	if err := client.Sink.Init(audioCtx, audio.SpeechSampleRate); err != nil {
		client.Close()
		return nil, err
	}
	if err := client.Sink.Start(); err != nil {
		client.Close()
		return nil, err
	}

	if err := client.captureClient.Init(audioCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to initialize capture client: %w", err)
	}

	return &client, nil
}

func (c *Client) StartCapture(_ context.Context, onAudio func(audio []byte)) error {
	return c.captureClient.Start(onAudio)
}

func (c *Client) StopCapture() error {
	return c.captureClient.Stop()
}

func (c *Client) Close() {
	_ = c.captureClient.Uninit()
	_ = c.Sink.Uninit()
	_ = c.audioContext.Uninit()
	c.audioContext.Free()
}

// CaptureEncodingInfo is the format microphone audio is delivered in.
func (c *Client) CaptureEncodingInfo() audio.EncodingInfo {
	return audio.GetDefaultEncodingInfo()
}
