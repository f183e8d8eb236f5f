// Package audio provides G.711 mu-law conversion for the 8 kHz telephony
// codec used on the media stream.
package audio

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// EncodeMuLawSample converts one 16-bit linear PCM sample to 8-bit mu-law.
func EncodeMuLawSample(pcm int16) byte {
	sample := int32(pcm)
	var sign byte
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > muLawClip {
		sample = muLawClip
	}
	sample += muLawBias

	exponent := byte(7)
	for mask := int32(0x4000); sample&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((sample >> (exponent + 3)) & 0x0F)

	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMuLawSample converts one 8-bit mu-law sample to 16-bit linear PCM.
func DecodeMuLawSample(mulaw byte) int16 {
	mulaw = ^mulaw
	sign := mulaw & 0x80
	exponent := (mulaw >> 4) & 0x07
	mantissa := mulaw & 0x0F

	sample := ((int32(mantissa) << 3) + muLawBias) << exponent
	sample -= muLawBias
	if sign != 0 {
		sample = -sample
	}
	return int16(sample)
}

// EncodeMuLaw converts little-endian 16-bit PCM bytes to mu-law, one output
// byte per input sample. A trailing odd byte is ignored.
func EncodeMuLaw(pcm []byte) []byte {
	out := make([]byte, 0, len(pcm)/2)
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		out = append(out, EncodeMuLawSample(sample))
	}
	return out
}

// DecodeMuLaw converts mu-law bytes to little-endian 16-bit PCM.
func DecodeMuLaw(mulaw []byte) []byte {
	out := make([]byte, 0, len(mulaw)*2)
	for _, b := range mulaw {
		sample := DecodeMuLawSample(b)
		out = append(out, byte(sample), byte(sample>>8))
	}
	return out
}
