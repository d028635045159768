package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeInboundMessage(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"text_input","text":"你好"}`))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if msg.Type != TypeTextInput || msg.Text != "你好" {
		t.Fatalf("expected text_input with text, got %+v", msg)
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"text":"x"}`))
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
}

func TestDecodeRejectsInvalidJSON(t *testing.T) {
	if _, err := Decode([]byte(`{`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestEncodeAlwaysCarriesTurnID(t *testing.T) {
	data, err := Encode(Message{Type: TypeStatus, State: StatusIdle})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(string(data), `"turn_id":0`) {
		t.Fatalf("expected turn_id in %s", data)
	}
	if strings.Contains(string(data), "latency") {
		t.Fatalf("expected empty fields to be omitted, got %s", data)
	}
}

func TestEncodeRequiresType(t *testing.T) {
	if _, err := Encode(Message{}); err == nil {
		t.Fatalf("expected error for message without type")
	}
}

func TestAudioFrameHeader(t *testing.T) {
	frame := AudioFrame{
		TurnID:     7,
		SequenceNo: 3,
		Part:       2,
		Flags:      FlagContinuation | FlagLastPart,
		Encoding:   1,
		SampleRate: 24000,
		Payload:    []byte{1, 2, 3, 4},
	}
	data, _ := frame.MarshalBinary()
	if len(data) != AudioHeaderSize+4 {
		t.Fatalf("expected %d bytes, got %d", AudioHeaderSize+4, len(data))
	}

	got, err := ParseAudioFrame(data)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.TurnID != 7 || got.SequenceNo != 3 || got.Part != 2 || got.SampleRate != 24000 {
		t.Fatalf("expected header fields to survive, got %+v", got)
	}
	if !got.IsContinuation() || !got.IsLastPart() || got.IsFinal() {
		t.Fatalf("expected continuation and last part flags only, got %08b", got.Flags)
	}
	if len(got.Payload) != 4 {
		t.Fatalf("expected 4 payload bytes, got %d", len(got.Payload))
	}
}

func TestParseAudioFrameTooShort(t *testing.T) {
	if _, err := ParseAudioFrame(make([]byte, AudioHeaderSize-1)); err == nil {
		t.Fatalf("expected error for short frame")
	}
}
