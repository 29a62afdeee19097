package audio

// G.711 μ-law companding as used by carrier media streams (8-bit, 8kHz, mono).

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// EncodeSample compresses one linear PCM16 sample to μ-law.
// Magnitudes above the codec maximum saturate instead of wrapping.
func EncodeSample(s int16) byte {
	sample := int32(s)
	sign := (sample >> 8) & 0x80
	if sign != 0 {
		sample = -sample
	}
	if sample > muLawClip {
		sample = muLawClip
	}
	sample += muLawBias

	exponent := int32(7)
	for mask := int32(0x4000); sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (sample >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// DecodeSample expands one μ-law byte to linear PCM16.
func DecodeSample(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := int32(u>>4) & 0x07
	mantissa := int32(u & 0x0F)

	sample := ((mantissa << 3) + muLawBias) << exponent
	sample -= muLawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}
