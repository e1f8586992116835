package media

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// LinearToMulaw encodes a 16-bit linear PCM sample as G.711 μ-law.
func LinearToMulaw(sample int16) byte {
	s := int32(sample)

	var sign byte
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	// Position of the highest set bit above the mantissa
	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F

	return ^(sign | exponent<<4 | mantissa)
}

// MulawToLinear decodes a G.711 μ-law byte to 16-bit linear PCM.
func MulawToLinear(encoded byte) int16 {
	encoded = ^encoded

	exponent := (encoded >> 4) & 0x07
	mantissa := int32(encoded & 0x0F)
	s := ((mantissa<<3)+mulawBias)<<exponent - mulawBias

	if encoded&0x80 != 0 {
		return int16(-s)
	}
	return int16(s)
}
