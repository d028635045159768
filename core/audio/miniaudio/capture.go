package miniaudio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"
	"github.com/koscakluka/ema-voice/core/audio"
)

// captureFrameMs is how much microphone audio is batched into one callback.
const captureFrameMs = 40

type captureClient struct {
	device *malgo.Device

	onAudio atomic.Pointer[func(audio []byte)]

	pendingMu sync.Mutex
	pending   []byte
	frameSize int

	mu sync.Mutex
}

func (c *captureClient) Init(audioContext *malgo.AllocatedContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	encoding := audio.GetDefaultEncodingInfo()
	channels := 1
	format := malgo.FormatS16
	bytesPerFrame := malgo.SampleSizeInBytes(format) * channels
	c.frameSize = encoding.SampleRate * bytesPerFrame * captureFrameMs / 1000

	config := malgo.DefaultDeviceConfig(malgo.Capture)
	config.SampleRate = uint32(encoding.SampleRate)
	config.Capture.Format = format
	config.Capture.Channels = uint32(channels)
	config.Alsa.NoMMap = 1
	config.PerformanceProfile = malgo.LowLatency
	config.PeriodSizeInFrames = 320
	config.Periods = 3

	var err error
	c.device, err = malgo.InitDevice(audioContext.Context, config, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerFrame
			if len(pInput) < n || n == 0 {
				return
			}
			c.collect(pInput[:n])
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize capture device: %w", err)
	}

	return nil
}

// collect copies device memory into whole frames before handing them out;
// malgo reuses pInput after the callback returns.
func (c *captureClient) collect(in []byte) {
	onAudio := c.onAudio.Load()
	if onAudio == nil {
		return
	}

	c.pendingMu.Lock()
	c.pending = append(c.pending, in...)
	var frames [][]byte
	for len(c.pending) >= c.frameSize {
		frame := make([]byte, c.frameSize)
		copy(frame, c.pending[:c.frameSize])
		frames = append(frames, frame)
		c.pending = c.pending[c.frameSize:]
	}
	c.pendingMu.Unlock()

	for _, frame := range frames {
		(*onAudio)(frame)
	}
}

func (c *captureClient) Start(onAudio func(audio []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return fmt.Errorf("device not initialized")
	}

	c.onAudio.Store(&onAudio)
	if c.device.IsStarted() {
		return nil
	}
	if err := c.device.Start(); err != nil {
		c.onAudio.Store(nil)
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	return nil
}

func (c *captureClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.device == nil {
		return fmt.Errorf("device not initialized")
	}

	c.onAudio.Store(nil)
	c.pendingMu.Lock()
	c.pending = nil
	c.pendingMu.Unlock()

	if !c.device.IsStarted() {
		return nil
	}
	if err := c.device.Stop(); err != nil {
		return fmt.Errorf("failed to stop capture device: %w", err)
	}
	return nil
}

func (c *captureClient) Uninit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onAudio.Store(nil)
	if c.device != nil {
		c.device.Uninit()
		c.device = nil
	}
	return nil
}
