package texttospeech

import "github.com/koscakluka/ema-voice/core/audio"

type SynthesisOptions struct {
	Voice        string
	EncodingInfo audio.EncodingInfo
	SpeedRatio   float64
}

type SynthesisOption func(*SynthesisOptions)

func WithVoice(voice string) SynthesisOption {
	return func(o *SynthesisOptions) {
		if voice != "" {
			o.Voice = voice
		}
	}
}

// WithEncodingInfo ignores incomplete encodings.
func WithEncodingInfo(encodingInfo audio.EncodingInfo) SynthesisOption {
	return func(o *SynthesisOptions) {
		if encodingInfo.IsZero() {
			return
		}
		o.EncodingInfo = encodingInfo
	}
}

func WithSpeedRatio(ratio float64) SynthesisOption {
	return func(o *SynthesisOptions) {
		if ratio > 0 {
			o.SpeedRatio = ratio
		}
	}
}

// ApplyOptions resolves opts on top of defaultVoice and 24 kHz linear16.
func ApplyOptions(defaultVoice string, opts ...SynthesisOption) SynthesisOptions {
	options := SynthesisOptions{
		Voice:        defaultVoice,
		EncodingInfo: audio.GetSpeechEncodingInfo(),
		SpeedRatio:   1.0,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}
