package audio

import (
	"encoding/binary"
	"testing"
)

func TestULawRoundTrip(t *testing.T) {
	// Decode-then-encode must reproduce the original byte for every code
	// point except the two zero representations, which share a decoded value.
	for b := 0; b < 256; b++ {
		decoded := ulawDecodeTable[b]
		reencoded := encodeSample(decoded)

		if b == 0x7F || b == 0xFF {
			// Both decode to 0; positive zero (0xFF) is the canonical encoding
			if reencoded != 0xFF {
				t.Errorf("byte %#02x: zero re-encoded to %#02x, want 0xFF", b, reencoded)
			}
			continue
		}
		if reencoded != byte(b) {
			t.Errorf("byte %#02x decoded to %d, re-encoded to %#02x", b, decoded, reencoded)
		}
	}
}

func TestDecodeULawKnownValues(t *testing.T) {
	cases := []struct {
		in   byte
		want int16
	}{
		{0x00, -32124},
		{0x80, 32124},
		{0xFF, 0},
		{0x7F, 0},
	}
	for _, c := range cases {
		got := DecodeULaw([]byte{c.in})[0]
		if got != c.want {
			t.Errorf("DecodeULaw(%#02x) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestEncodeULawClipping(t *testing.T) {
	// Values past the clip magnitude must encode like the clip value
	if encodeSample(32767) != encodeSample(ulawClip) {
		t.Error("expected max positive sample to clip")
	}
	if encodeSample(-32768) != encodeSample(-ulawClip) {
		t.Error("expected max negative sample to clip")
	}
}

func TestUpsampleSampleCount(t *testing.T) {
	for _, n := range []int{0, 1, 2, 160, 321} {
		in := make([]byte, n)
		out := UpsampleToWideband(in)
		if len(out) != n*3*2 {
			t.Errorf("n=%d: expected %d output bytes, got %d", n, n*6, len(out))
		}
	}
}

func TestUpsampleInterpolates(t *testing.T) {
	// Two input samples decoding to 0 and a positive value: the middle
	// output samples must land between them, not repeat the first.
	in := []byte{0xFF, 0x80} // 0, 32124
	out := UpsampleToWideband(in)

	s := func(i int) int16 {
		return int16(binary.LittleEndian.Uint16(out[i*2:]))
	}
	if s(0) != 0 {
		t.Errorf("sample 0 = %d, want 0", s(0))
	}
	if s(1) != 32124/3 {
		t.Errorf("sample 1 = %d, want %d", s(1), 32124/3)
	}
	if s(2) != 2*32124/3 {
		t.Errorf("sample 2 = %d, want %d", s(2), 2*32124/3)
	}
	// Last input sample repeats itself as its own next
	if s(3) != 32124 || s(4) != 32124 || s(5) != 32124 {
		t.Errorf("tail samples = %d,%d,%d, want 32124 each", s(3), s(4), s(5))
	}
}

func TestDownsampleSampleCount(t *testing.T) {
	for _, m := range []int{0, 1, 53, 160} {
		in := make([]byte, m*3*2)
		out := DownsampleToNarrowband(in)
		if len(out) != m {
			t.Errorf("m=%d: expected %d output bytes, got %d", m, m, len(out))
		}
	}
}

func TestDownsampleTruncatesMalformedInput(t *testing.T) {
	// 5 samples plus a stray byte: only one full group of three survives
	in := make([]byte, 5*2+1)
	out := DownsampleToNarrowband(in)
	if len(out) != 1 {
		t.Errorf("expected 1 output byte, got %d", len(out))
	}
}

func TestDownsampleAverages(t *testing.T) {
	in := make([]byte, 3*2)
	binary.LittleEndian.PutUint16(in[0:], uint16(int16(300)))
	binary.LittleEndian.PutUint16(in[2:], uint16(int16(600)))
	binary.LittleEndian.PutUint16(in[4:], uint16(int16(900)))

	out := DownsampleToNarrowband(in)
	if len(out) != 1 {
		t.Fatalf("expected 1 byte, got %d", len(out))
	}
	if out[0] != encodeSample(600) {
		t.Errorf("expected average of 600 to be encoded, got %#02x want %#02x", out[0], encodeSample(600))
	}
}

func TestRoundTripThroughWideband(t *testing.T) {
	// A constant-level buffer survives upsample-then-downsample with the
	// same mu-law code (interpolation between equal samples is the sample).
	in := make([]byte, 160)
	for i := range in {
		in[i] = 0x9A
	}
	back := DownsampleToNarrowband(UpsampleToWideband(in))
	if len(back) != len(in) {
		t.Fatalf("expected %d bytes back, got %d", len(in), len(back))
	}
	for i, b := range back {
		if b != 0x9A {
			t.Fatalf("byte %d: got %#02x, want 0x9A", i, b)
		}
	}
}
