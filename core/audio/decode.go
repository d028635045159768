package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/zaf/g711"
)

const int16Scale = 32768

// DecodeSamples converts encoded audio into normalized float samples in
// [-1, 1].
func DecodeSamples(data []byte, format encodingFormat) ([]float32, error) {
	var pcm []byte
	switch format {
	case EncodingLinear16:
		if len(data)%2 != 0 {
			return nil, fmt.Errorf("linear16 payload has odd length %d", len(data))
		}
		pcm = data
	case EncodingMulaw:
		pcm = g711.DecodeUlaw(data)
	case EncodingALaw:
		pcm = g711.DecodeAlaw(data)
	default:
		return nil, fmt.Errorf("unsupported encoding %q", format)
	}

	samples := make([]float32, len(pcm)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / int16Scale
	}
	return samples, nil
}

// EncodeLinear16 converts normalized float samples to little endian 16 bit
// PCM, clipping out of range values.
func EncodeLinear16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := s * int16Scale
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[2*i:], uint16(int16(v)))
	}
	return out
}
