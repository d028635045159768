// Package texttospeech defines the speech synthesis backend. Concrete
// synthesizers live in the sub-packages.
package texttospeech

import (
	"context"

	"github.com/koscakluka/ema-voice/core/audio"
)

// Result is the complete audio of one synthesized text.
type Result struct {
	Audio        []byte
	EncodingInfo audio.EncodingInfo
}

// Synthesizer turns text into audio. Calls must be safe for concurrent use;
// the caller bounds how many run at once and sets their deadline through ctx.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Result, error)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(ctx context.Context, text string) (Result, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, text string) (Result, error) {
	return f(ctx, text)
}
