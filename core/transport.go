package orchestration

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-voice/core/protocol"
)

const (
	defaultWriteTimeout = 10 * time.Second
	// defaultAudioFrameSize bounds the audio payload of one binary frame.
	defaultAudioFrameSize = 32 * 1024
)

// transport is the websocket of one session. Writes are serialized; reads
// happen on a single goroutine.
type transport struct {
	conn           *websocket.Conn
	writeMu        sync.Mutex
	writeTimeout   time.Duration
	audioFrameSize int
	closeOnce      sync.Once
}

func newTransport(conn *websocket.Conn, writeTimeout time.Duration, audioFrameSize int) *transport {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if audioFrameSize <= 0 {
		audioFrameSize = defaultAudioFrameSize
	}
	return &transport{conn: conn, writeTimeout: writeTimeout, audioFrameSize: audioFrameSize}
}

func (t *transport) SendMessage(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return t.write(websocket.TextMessage, data)
}

// SendAudio writes chunk as one or more binary frames. Frames after the first
// are flagged as continuations; the last frame carries the final flag of the
// chunk.
func (t *transport) SendAudio(chunk AudioChunk) error {
	for _, frame := range audioFrames(chunk, t.audioFrameSize) {
		data, err := frame.MarshalBinary()
		if err != nil {
			return err
		}
		if err := t.write(websocket.BinaryMessage, data); err != nil {
			return err
		}
	}
	return nil
}

func audioFrames(chunk AudioChunk, frameSize int) []protocol.AudioFrame {
	if size := chunk.EncodingInfo.Format.ByteSize(); size > 1 {
		frameSize -= frameSize % size
	}

	parts := max(1, (len(chunk.Audio)+frameSize-1)/frameSize)
	frames := make([]protocol.AudioFrame, 0, parts)
	for i := range parts {
		payload := chunk.Audio[min(i*frameSize, len(chunk.Audio)):min((i+1)*frameSize, len(chunk.Audio))]

		var flags byte
		if i > 0 {
			flags |= protocol.FlagContinuation
		}
		if i == parts-1 {
			flags |= protocol.FlagLastPart
			if chunk.IsFinal {
				flags |= protocol.FlagFinal
			}
		}
		frames = append(frames, protocol.AudioFrame{
			TurnID:     uint64(chunk.TurnID),
			SequenceNo: uint32(chunk.SequenceNo),
			Part:       uint16(i),
			Flags:      flags,
			Encoding:   chunk.EncodingInfo.Format.Code(),
			SampleRate: uint32(chunk.EncodingInfo.SampleRate),
			Payload:    payload,
		})
	}
	return frames
}

func (t *transport) write(messageType int, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}
	if err := t.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}
	return nil
}

// Read returns the next message. A close by the client is reported as
// errClientClosed.
func (t *transport) Read() (int, []byte, error) {
	messageType, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return 0, nil, errClientClosed
		}
		return 0, nil, fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}
	return messageType, data, nil
}

func (t *transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

var errClientClosed = errors.New("client closed the connection")
