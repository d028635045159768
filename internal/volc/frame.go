// Package volc implements the binary frame format spoken by the Volcengine
// (Doubao) speech websocket APIs.
//
// A frame is a 4 byte header followed by an optional sequence number, a
// payload size and the payload:
//
//	byte 0: version (4 bits) | header size in 4 byte words (4 bits)
//	byte 1: message type (4 bits) | flags (4 bits)
//	byte 2: serialization (4 bits) | compression (4 bits)
//	byte 3: reserved
package volc

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

type MessageType byte

const (
	MessageFullClient      MessageType = 0b0001
	MessageAudioOnlyClient MessageType = 0b0010
	MessageFullServer      MessageType = 0b1001
	MessageAudioOnlyServer MessageType = 0b1011
	MessageFrontEndResult  MessageType = 0b1100
	MessageError           MessageType = 0b1111
)

type Flags byte

const (
	FlagNoSequence  Flags = 0b0000
	FlagPosSequence Flags = 0b0001
	FlagNegSequence Flags = 0b0010
	// FlagLastWithSequence marks the last packet of a stream that still
	// carries a (negative) sequence number.
	FlagLastWithSequence Flags = 0b0011
)

type Serialization byte

const (
	SerializationNone Serialization = 0b0000
	SerializationJSON Serialization = 0b0001
)

type Compression byte

const (
	CompressionNone Compression = 0b0000
	CompressionGzip Compression = 0b0001
)

const version = 0b0001

type Frame struct {
	Type          MessageType
	Flags         Flags
	Serialization Serialization
	Compression   Compression
	Sequence      int32
	// ErrorCode is only present on MessageError frames.
	ErrorCode uint32
	Payload   []byte
}

func (f Frame) hasSequence() bool {
	return f.Flags&(FlagPosSequence|FlagNegSequence) != 0
}

// IsLast reports whether the server signalled the end of its stream.
func (f Frame) IsLast() bool {
	return f.Flags&FlagNegSequence != 0 || (f.hasSequence() && f.Sequence < 0)
}

// Marshal encodes the frame, compressing the payload when requested.
func (f Frame) Marshal() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(version<<4 | 1)
	buf.WriteByte(byte(f.Type)<<4 | byte(f.Flags))
	buf.WriteByte(byte(f.Serialization)<<4 | byte(f.Compression))
	buf.WriteByte(0x00)

	if f.hasSequence() {
		if err := binary.Write(buf, binary.BigEndian, f.Sequence); err != nil {
			return nil, fmt.Errorf("write sequence: %w", err)
		}
	}
	if f.Type == MessageError {
		if err := binary.Write(buf, binary.BigEndian, f.ErrorCode); err != nil {
			return nil, fmt.Errorf("write error code: %w", err)
		}
	}

	payload := f.Payload
	if f.Compression == CompressionGzip {
		compressed, err := gzipCompress(payload)
		if err != nil {
			return nil, fmt.Errorf("gzip compress: %w", err)
		}
		payload = compressed
	}

	if err := binary.Write(buf, binary.BigEndian, uint32(len(payload))); err != nil {
		return nil, fmt.Errorf("write payload size: %w", err)
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}

// Unmarshal decodes a server frame, decompressing the payload.
func Unmarshal(data []byte) (Frame, error) {
	if len(data) < 4 {
		return Frame{}, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	headerSize := int(data[0]&0x0f) * 4
	if headerSize < 4 || len(data) < headerSize {
		return Frame{}, fmt.Errorf("invalid header size %d", headerSize)
	}
	f := Frame{
		Type:          MessageType(data[1] >> 4),
		Flags:         Flags(data[1] & 0x0f),
		Serialization: Serialization(data[2] >> 4),
		Compression:   Compression(data[2] & 0x0f),
	}

	buf := bytes.NewReader(data[headerSize:])
	if f.hasSequence() {
		if err := binary.Read(buf, binary.BigEndian, &f.Sequence); err != nil {
			return Frame{}, fmt.Errorf("read sequence: %w", err)
		}
	}
	if f.Type == MessageError {
		if err := binary.Read(buf, binary.BigEndian, &f.ErrorCode); err != nil {
			return Frame{}, fmt.Errorf("read error code: %w", err)
		}
	}

	var size uint32
	if err := binary.Read(buf, binary.BigEndian, &size); err != nil {
		return Frame{}, fmt.Errorf("read payload size: %w", err)
	}
	if int(size) > buf.Len() {
		return Frame{}, fmt.Errorf("payload size %d exceeds frame (%d bytes left)", size, buf.Len())
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(buf, payload); err != nil {
		return Frame{}, fmt.Errorf("read payload: %w", err)
	}

	if f.Compression == CompressionGzip && len(payload) > 0 {
		decompressed, err := gzipDecompress(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("gzip decompress: %w", err)
		}
		payload = decompressed
	}
	f.Payload = payload
	return f, nil
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gzipDecompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
