package audio

import (
	"fmt"
	"time"
)

const (
	DefaultSampleRate = 16000
	DefaultFormat     = "linear16"

	// SpeechSampleRate is the sample rate synthesized speech is requested at.
	SpeechSampleRate = 24000
)

func GetDefaultEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: DefaultSampleRate, Format: encodingFormat(DefaultFormat)}
}

// GetSpeechEncodingInfo is the encoding synthesized speech travels in.
func GetSpeechEncodingInfo() EncodingInfo {
	return EncodingInfo{SampleRate: SpeechSampleRate, Format: EncodingLinear16}
}

type EncodingInfo struct {
	SampleRate int
	Format     encodingFormat
}

func (e EncodingInfo) IsZero() bool {
	return e.SampleRate == 0 || e.Format.Name() == ""
}


// Samples returns the number of samples held by n bytes of audio.
func (e EncodingInfo) Samples(n int) int {
	size := e.Format.ByteSize()
	if size <= 0 {
		return 0
	}
	return n / size
}

// Duration returns the playback duration of n bytes of audio.
func (e EncodingInfo) Duration(n int) time.Duration {
	if e.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(e.Samples(n)) / float64(e.SampleRate) * float64(time.Second))
}

type encodingFormat string

func (e encodingFormat) Name() string {
	return string(e)
}

func (e encodingFormat) ByteSize() int {
	switch e {
	case EncodingMulaw, EncodingALaw:
		return 1
	case EncodingLinear16:
		return 2
	}
	return -1
}

// Code is the single byte the format is identified by on the wire.
func (e encodingFormat) Code() byte {
	switch e {
	case EncodingLinear16:
		return 1
	case EncodingMulaw:
		return 2
	case EncodingALaw:
		return 3
	}
	return 0
}

// FormatFromCode is the inverse of Code.
func FormatFromCode(code byte) (encodingFormat, error) {
	switch code {
	case 1:
		return EncodingLinear16, nil
	case 2:
		return EncodingMulaw, nil
	case 3:
		return EncodingALaw, nil
	}
	return "", fmt.Errorf("unknown encoding code %d", code)
}

// ParseFormat maps a format name to a known encoding.
func ParseFormat(name string) (encodingFormat, error) {
	switch encodingFormat(name) {
	case EncodingLinear16, EncodingMulaw, EncodingALaw:
		return encodingFormat(name), nil
	case "pcm":
		return EncodingLinear16, nil
	}
	return "", fmt.Errorf("unknown encoding %q", name)
}

const (
	EncodingMulaw    encodingFormat = "mulaw"
	EncodingALaw     encodingFormat = "alaw"
	EncodingLinear16 encodingFormat = "linear16"
)
