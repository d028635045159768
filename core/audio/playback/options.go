package playback

import "time"

const (
	DefaultRampDuration   = 10 * time.Millisecond
	DefaultStallSilence   = 20 * time.Millisecond
	DefaultClickThreshold = 0.05
)

type Options struct {
	// RampDuration is the length of the soft start applied to buffers that
	// do not continue the previous one.
	RampDuration time.Duration
	// StallSilence is the silence inserted before a buffer that arrives after
	// its predecessor already finished playing.
	StallSilence time.Duration
	// ClickThreshold is the largest amplitude step, in full scale units, that
	// is considered inaudible at a splice.
	ClickThreshold float32
	// OnStall is called whenever silence had to be inserted.
	OnStall func(turnID uint64, sequenceNo uint32, late time.Duration)
}

type Option func(*Options)

func WithRampDuration(d time.Duration) Option {
	return func(o *Options) { o.RampDuration = d }
}

func WithStallSilence(d time.Duration) Option {
	return func(o *Options) { o.StallSilence = d }
}

func WithClickThreshold(threshold float32) Option {
	return func(o *Options) { o.ClickThreshold = threshold }
}

func WithStallCallback(callback func(turnID uint64, sequenceNo uint32, late time.Duration)) Option {
	return func(o *Options) { o.OnStall = callback }
}
