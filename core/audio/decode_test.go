package audio

import (
	"math"
	"testing"
	"time"

	"github.com/zaf/g711"
)

func TestDecodeSamplesLinear16RoundTrip(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 0.25}
	out, err := DecodeSamples(EncodeLinear16(in), EncodingLinear16)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d samples, got %d", len(in), len(out))
	}
	for i := range in {
		if math.Abs(float64(out[i]-in[i])) > 1.0/16384 {
			t.Fatalf("expected sample %d to be %f, got %f", i, in[i], out[i])
		}
	}
}

func TestDecodeSamplesRejectsOddLinear16(t *testing.T) {
	if _, err := DecodeSamples([]byte{1, 2, 3}, EncodingLinear16); err == nil {
		t.Fatalf("expected error for odd length payload")
	}
}

func TestDecodeSamplesMulaw(t *testing.T) {
	pcm := EncodeLinear16([]float32{0.3, -0.3})
	out, err := DecodeSamples(g711.EncodeUlaw(pcm), EncodingMulaw)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(out))
	}
	if out[0] <= 0.25 || out[1] >= -0.25 {
		t.Fatalf("expected mu-law samples close to +/-0.3, got %v", out)
	}
}

func TestEncodingCodesRoundTrip(t *testing.T) {
	for _, f := range []encodingFormat{EncodingLinear16, EncodingMulaw, EncodingALaw} {
		got, err := FormatFromCode(f.Code())
		if err != nil || got != f {
			t.Fatalf("expected %q, got %q (%v)", f, got, err)
		}
	}
	if _, err := FormatFromCode(0); err == nil {
		t.Fatalf("expected unknown code to fail")
	}
}

func TestEncodingDuration(t *testing.T) {
	info := GetSpeechEncodingInfo()
	if got := info.Duration(48000); got != time.Second {
		t.Fatalf("expected 1s for 48000 bytes at 24kHz linear16, got %v", got)
	}
}
