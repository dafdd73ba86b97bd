// Package audio converts between the telephony wire format (8kHz mu-law)
// and the speech-AI format (24kHz linear PCM16, little-endian).
//
// The sample-rate ratio is a fixed 3x in this system, so conversion uses
// exact-ratio interpolation and averaging rather than a general resampler.
package audio

import "encoding/binary"

const (
	// NarrowbandRate is the telephony-side sample rate
	NarrowbandRate = 8000
	// WidebandRate is the speech-AI-side sample rate
	WidebandRate = 24000

	ulawBias = 0x84
	ulawClip = 32635
)

var ulawDecodeTable = [256]int16{
	-32124, -31100, -30076, -29052, -28028, -27004, -25980, -24956,
	-23932, -22908, -21884, -20860, -19836, -18812, -17788, -16764,
	-15996, -15484, -14972, -14460, -13948, -13436, -12924, -12412,
	-11900, -11388, -10876, -10364, -9852, -9340, -8828, -8316,
	-7932, -7676, -7420, -7164, -6908, -6652, -6396, -6140,
	-5884, -5628, -5372, -5116, -4860, -4604, -4348, -4092,
	-3900, -3772, -3644, -3516, -3388, -3260, -3132, -3004,
	-2876, -2748, -2620, -2492, -2364, -2236, -2108, -1980,
	-1884, -1820, -1756, -1692, -1628, -1564, -1500, -1436,
	-1372, -1308, -1244, -1180, -1116, -1052, -988, -924,
	-876, -844, -812, -780, -748, -716, -684, -652,
	-620, -588, -556, -524, -492, -460, -428, -396,
	-372, -356, -340, -324, -308, -292, -276, -260,
	-244, -228, -212, -196, -180, -164, -148, -132,
	-120, -112, -104, -96, -88, -80, -72, -64,
	-56, -48, -40, -32, -24, -16, -8, 0,
	32124, 31100, 30076, 29052, 28028, 27004, 25980, 24956,
	23932, 22908, 21884, 20860, 19836, 18812, 17788, 16764,
	15996, 15484, 14972, 14460, 13948, 13436, 12924, 12412,
	11900, 11388, 10876, 10364, 9852, 9340, 8828, 8316,
	7932, 7676, 7420, 7164, 6908, 6652, 6396, 6140,
	5884, 5628, 5372, 5116, 4860, 4604, 4348, 4092,
	3900, 3772, 3644, 3516, 3388, 3260, 3132, 3004,
	2876, 2748, 2620, 2492, 2364, 2236, 2108, 1980,
	1884, 1820, 1756, 1692, 1628, 1564, 1500, 1436,
	1372, 1308, 1244, 1180, 1116, 1052, 988, 924,
	876, 844, 812, 780, 748, 716, 684, 652,
	620, 588, 556, 524, 492, 460, 428, 396,
	372, 356, 340, 324, 308, 292, 276, 260,
	244, 228, 212, 196, 180, 164, 148, 132,
	120, 112, 104, 96, 88, 80, 72, 64,
	56, 48, 40, 32, 24, 16, 8, 0,
}

// DecodeULaw converts mu-law bytes to linear PCM int16 samples
func DecodeULaw(ulaw []byte) []int16 {
	pcm := make([]int16, len(ulaw))
	for i, val := range ulaw {
		pcm[i] = ulawDecodeTable[val]
	}
	return pcm
}

// EncodeULaw converts linear PCM int16 samples to mu-law bytes
func EncodeULaw(pcm []int16) []byte {
	ulaw := make([]byte, len(pcm))
	for i, val := range pcm {
		ulaw[i] = encodeSample(val)
	}
	return ulaw
}

func encodeSample(sample int16) byte {
	// Widen before negating: -math.MinInt16 overflows int16
	pcm := int32(sample)

	sign := uint8(0)
	if pcm < 0 {
		sign = 0x80
		pcm = -pcm
	}

	// Clip the magnitude and add bias
	if pcm > ulawClip {
		pcm = ulawClip
	}
	pcm += ulawBias

	// Segment is the position of the highest set bit above bit 7;
	// the mantissa is the next four bits down
	var exponent, mantissa uint8
	switch {
	case pcm >= 0x4000:
		exponent = 7
		mantissa = uint8((pcm >> 10) & 0x0F)
	case pcm >= 0x2000:
		exponent = 6
		mantissa = uint8((pcm >> 9) & 0x0F)
	case pcm >= 0x1000:
		exponent = 5
		mantissa = uint8((pcm >> 8) & 0x0F)
	case pcm >= 0x800:
		exponent = 4
		mantissa = uint8((pcm >> 7) & 0x0F)
	case pcm >= 0x400:
		exponent = 3
		mantissa = uint8((pcm >> 6) & 0x0F)
	case pcm >= 0x200:
		exponent = 2
		mantissa = uint8((pcm >> 5) & 0x0F)
	case pcm >= 0x100:
		exponent = 1
		mantissa = uint8((pcm >> 4) & 0x0F)
	default:
		exponent = 0
		mantissa = uint8((pcm >> 3) & 0x0F)
	}

	// Combine and invert all bits per the mu-law convention
	return ^(sign | (exponent << 4) | mantissa)
}

// UpsampleToWideband converts 8kHz mu-law bytes to 24kHz PCM16LE bytes.
// Each input sample produces three output samples: the sample itself plus
// interpolations one-third and two-thirds of the way toward the next input
// sample. The last sample repeats itself as its own next, so plain sample
// repetition only ever occurs at the buffer tail.
func UpsampleToWideband(ulaw []byte) []byte {
	pcm := DecodeULaw(ulaw)
	out := make([]byte, 0, len(pcm)*3*2)

	for i, cur := range pcm {
		next := cur
		if i+1 < len(pcm) {
			next = pcm[i+1]
		}

		c, n := int32(cur), int32(next)
		out = binary.LittleEndian.AppendUint16(out, uint16(cur))
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(c+(n-c)/3)))
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(c+2*(n-c)/3)))
	}
	return out
}

// DownsampleToNarrowband converts 24kHz PCM16LE bytes to 8kHz mu-law bytes.
// Groups of three samples are averaged before encoding, which doubles as a
// crude low-pass filter against aliasing. Trailing bytes that do not form a
// full group of three samples are dropped.
func DownsampleToNarrowband(pcm []byte) []byte {
	samples := len(pcm) / 2
	groups := samples / 3
	out := make([]byte, groups)

	for g := 0; g < groups; g++ {
		var sum int32
		for k := 0; k < 3; k++ {
			off := (g*3 + k) * 2
			sum += int32(int16(binary.LittleEndian.Uint16(pcm[off:])))
		}
		out[g] = encodeSample(int16(sum / 3))
	}
	return out
}
