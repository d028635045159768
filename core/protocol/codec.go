package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/bytedance/sonic"
)

// DecodeError reports a text frame that could not be understood.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, fmt.Errorf("protocol: message missing type")
	}
	data, err := sonic.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %q: %w", msg.Type, err)
	}
	return data, nil
}

func Decode(data []byte) (Message, error) {
	var msg Message
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return Message{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	if msg.Type == "" {
		return Message{}, &DecodeError{Reason: "missing type"}
	}
	return msg, nil
}

// AudioHeaderSize is the length of the binary audio frame header.
//
//	0..8   turn id (big endian)
//	8..12  sequence number
//	12..14 part index within the sequence number
//	14     flags
//	15     encoding code
//	16..20 sample rate
const AudioHeaderSize = 20

const (
	// FlagFinal marks the last audio of a turn.
	FlagFinal byte = 1 << iota
	// FlagContinuation marks a frame that continues the previous frame of
	// the same sequence number.
	FlagContinuation
	// FlagLastPart marks the last frame of a sequence number.
	FlagLastPart
)

type AudioFrame struct {
	TurnID     uint64
	SequenceNo uint32
	Part       uint16
	Flags      byte
	Encoding   byte
	SampleRate uint32
	Payload    []byte
}

func (f AudioFrame) IsFinal() bool        { return f.Flags&FlagFinal != 0 }
func (f AudioFrame) IsContinuation() bool { return f.Flags&FlagContinuation != 0 }
func (f AudioFrame) IsLastPart() bool     { return f.Flags&FlagLastPart != 0 }

func (f AudioFrame) MarshalBinary() ([]byte, error) {
	out := make([]byte, AudioHeaderSize+len(f.Payload))
	binary.BigEndian.PutUint64(out[0:], f.TurnID)
	binary.BigEndian.PutUint32(out[8:], f.SequenceNo)
	binary.BigEndian.PutUint16(out[12:], f.Part)
	out[14] = f.Flags
	out[15] = f.Encoding
	binary.BigEndian.PutUint32(out[16:], f.SampleRate)
	copy(out[AudioHeaderSize:], f.Payload)
	return out, nil
}

func ParseAudioFrame(data []byte) (AudioFrame, error) {
	if len(data) < AudioHeaderSize {
		return AudioFrame{}, &DecodeError{Reason: fmt.Sprintf("audio frame too short: %d bytes", len(data))}
	}
	return AudioFrame{
		TurnID:     binary.BigEndian.Uint64(data[0:]),
		SequenceNo: binary.BigEndian.Uint32(data[8:]),
		Part:       binary.BigEndian.Uint16(data[12:]),
		Flags:      data[14],
		Encoding:   data[15],
		SampleRate: binary.BigEndian.Uint32(data[16:]),
		Payload:    data[AudioHeaderSize:],
	}, nil
}
