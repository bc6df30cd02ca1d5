package audio

// RTP payload types for the G.711 codecs.
const (
	PayloadPCMU = 0
	PayloadPCMA = 8
)

// G.711 u-law (PCMU) decoding table: maps each u-law byte to a 16-bit linear PCM sample.
var ulawToLinear [256]int16

// G.711 a-law (PCMA) decoding table: maps each a-law byte to a 16-bit linear PCM sample.
var alawToLinear [256]int16

// G.711 u-law encoding table: maps a 16-bit signed sample to a u-law byte.
var linearToUlaw [65536]uint8

func init() {
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeUlaw(uint8(i))
		alawToLinear[i] = decodeAlaw(uint8(i))
	}
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeUlaw(int16(i))
	}
}

// decodeUlaw converts a u-law byte to a 16-bit linear PCM sample.
func decodeUlaw(u uint8) int16 {
	// Complement to obtain the original code.
	u = ^u
	sign := int16(1)
	if u&0x80 != 0 {
		sign = -1
		u &= 0x7F
	}
	exponent := int((u >> 4) & 0x07)
	mantissa := int(u & 0x0F)
	sample := int16(((2*mantissa + 33) << uint(exponent)) - 33)
	return sign * sample
}

// decodeAlaw converts an a-law byte to a 16-bit linear PCM sample.
func decodeAlaw(a uint8) int16 {
	a ^= 0x55
	sign := int16(1)
	if a&0x80 != 0 {
		a &= 0x7F
	} else {
		sign = -1
	}
	exponent := int((a >> 4) & 0x07)
	mantissa := int(a & 0x0F)
	var sample int16
	if exponent == 0 {
		sample = int16(mantissa<<4 | 0x08)
	} else {
		sample = int16((mantissa<<4 | 0x108) << uint(exponent-1))
	}
	return sign * sample
}

// encodeUlaw converts a 16-bit linear PCM sample to a u-law byte.
func encodeUlaw(sample int16) uint8 {
	const bias = 0x84
	const clip = 32635

	sign := uint8(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > clip {
		sample = clip
	}
	sample += bias

	exponent := 7
	mask := int16(0x4000)
	for exponent > 0 {
		if sample&mask != 0 {
			break
		}
		exponent--
		mask >>= 1
	}

	mantissa := (sample >> (uint(exponent) + 3)) & 0x0F
	return ^(sign | uint8(exponent<<4) | uint8(mantissa))
}

// DecodeG711 decodes a G.711 payload (PCMU or PCMA) into dst and returns the
// number of samples written. Unknown payload types decode zero samples.
func DecodeG711(payloadType int, payload []byte, dst []int16) int {
	n := len(payload)
	if n > len(dst) {
		n = len(dst)
	}
	switch payloadType {
	case PayloadPCMU:
		for i := 0; i < n; i++ {
			dst[i] = ulawToLinear[payload[i]]
		}
	case PayloadPCMA:
		for i := 0; i < n; i++ {
			dst[i] = alawToLinear[payload[i]]
		}
	default:
		return 0
	}
	return n
}

// EncodeULaw encodes linear PCM samples to G.711 u-law bytes in dst and
// returns the number of bytes written.
func EncodeULaw(samples []int16, dst []byte) int {
	n := len(samples)
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = linearToUlaw[uint16(samples[i])]
	}
	return n
}

// ULawSilence is the u-law encoding of a zero PCM sample.
const ULawSilence = 0xFF
