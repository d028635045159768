package miniaudio

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-voice/core/audio/playback"
)

// Sink renders scheduled voices on a malgo playback device. Its timeline is
// the number of frames the device has consumed, so it doubles as the
// scheduler's clock.
type Sink struct {
	audioContext *malgo.AllocatedContext
	device       *malgo.Device
	config       malgo.DeviceConfig

	sampleRate int
	rendered   atomic.Int64

	voicesMu sync.Mutex
	voices   []*sinkVoice

	mu sync.Mutex
}

type sinkVoice struct {
	samples []float32
	start   int64
	stopped atomic.Bool
}

func (v *sinkVoice) Stop() { v.stopped.Store(true) }

func (s *Sink) Init(audioContext *malgo.AllocatedContext, sampleRate int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	channels := 1
	format := malgo.FormatS16

	s.sampleRate = sampleRate
	s.config = malgo.DefaultDeviceConfig(malgo.Playback)
	s.config.SampleRate = uint32(sampleRate)
	s.config.Playback.Format = format
	s.config.Playback.Channels = uint32(channels)
	s.config.Alsa.NoMMap = 1
	s.config.PeriodSizeInFrames = uint32(sampleRate) / 50 // ~20ms of audio
	s.config.Periods = 3

	s.audioContext = audioContext

	var err error
	if s.device, err = malgo.InitDevice(
		s.audioContext.Context,
		s.config,
		malgo.DeviceCallbacks{Data: s.render},
	); err != nil {
		return fmt.Errorf("failed to initialize playback device: %w", err)
	}

	return nil
}

func (s *Sink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		return fmt.Errorf("device not initialized")
	}

	if err := s.device.Start(); err != nil {
		return fmt.Errorf("failed to start playback device: %w", err)
	}
	return nil
}

// Now implements playback.Clock.
func (s *Sink) Now() time.Duration {
	if s.sampleRate == 0 {
		return 0
	}
	return time.Duration(float64(s.rendered.Load()) / float64(s.sampleRate) * float64(time.Second))
}

// Play implements playback.Output. Samples at a different rate than the
// device are linearly resampled.
func (s *Sink) Play(samples []float32, sampleRate int, at time.Duration) playback.Voice {
	if sampleRate != s.sampleRate && sampleRate > 0 {
		samples = resample(samples, sampleRate, s.sampleRate)
	}
	voice := &sinkVoice{
		samples: samples,
		start:   int64(at.Seconds() * float64(s.sampleRate)),
	}

	s.voicesMu.Lock()
	s.voices = append(s.voices, voice)
	s.voicesMu.Unlock()
	return voice
}

func (s *Sink) render(pOutput, _ []byte, frameCount uint32) {
	from := s.rendered.Load()
	to := from + int64(frameCount)

	mix := make([]float32, frameCount)

	s.voicesMu.Lock()
	kept := s.voices[:0]
	for _, v := range s.voices {
		end := v.start + int64(len(v.samples))
		if v.stopped.Load() || end <= from {
			continue
		}
		kept = append(kept, v)
		for t := max(from, v.start); t < min(to, end); t++ {
			mix[t-from] += v.samples[t-v.start]
		}
	}
	s.voices = kept
	s.voicesMu.Unlock()

	for i, sample := range mix {
		v := sample * 32767
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		if 2*i+1 < len(pOutput) {
			binary.LittleEndian.PutUint16(pOutput[2*i:], uint16(int16(v)))
		}
	}
	s.rendered.Store(to)
}

func (s *Sink) Uninit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return fmt.Errorf("device not initialized")
	}

	s.device.Uninit()
	s.device = nil

	return nil
}

func resample(samples []float32, from, to int) []float32 {
	if len(samples) == 0 || from == to {
		return samples
	}
	n := int(int64(len(samples)) * int64(to) / int64(from))
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j+1 >= len(samples) {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j]*(1-frac) + samples[j+1]*frac
	}
	return out
}
