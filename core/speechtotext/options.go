package speechtotext

import "github.com/koscakluka/ema-voice/core/audio"

type TranscriptionOptions struct {
	EncodingInfo audio.EncodingInfo
	// Language is a BCP 47 tag passed to recognizers that need one.
	Language string
}

type TranscriptionOption func(*TranscriptionOptions)

func WithEncodingInfo(encodingInfo audio.EncodingInfo) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		o.EncodingInfo = encodingInfo
	}
}

func WithLanguage(language string) TranscriptionOption {
	return func(o *TranscriptionOptions) {
		if language != "" {
			o.Language = language
		}
	}
}

// ApplyOptions resolves opts on top of the defaults (16 kHz linear16,
// Mandarin).
func ApplyOptions(opts ...TranscriptionOption) TranscriptionOptions {
	options := TranscriptionOptions{
		EncodingInfo: audio.GetDefaultEncodingInfo(),
		Language:     "zh-CN",
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
