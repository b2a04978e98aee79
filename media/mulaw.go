package media

import "encoding/binary"

const (
	muLawBias = 0x84
	muLawClip = 32635
)

var muLawDecodeTable [256]int16

func init() {
	for i := range muLawDecodeTable {
		muLawDecodeTable[i] = decodeMuLaw(byte(i))
	}
}

// decodeMuLaw expands one G.711 mu-law byte.
func decodeMuLaw(u byte) int16 {
	u = ^u
	exponent := (u >> 4) & 0x07
	mantissa := int32(u & 0x0F)
	sample := ((mantissa << 3) + muLawBias) << exponent
	sample -= muLawBias
	if u&0x80 != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// EncodeMuLaw compresses one 16-bit sample.
func EncodeMuLaw(pcm int16) byte {
	s := int32(pcm)
	var sign byte
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMuLaw returns the 16-bit sample for a mu-law byte.
func DecodeMuLaw(b byte) int16 { return muLawDecodeTable[b] }

// MuLawToPCM16k turns 8 kHz mu-law into 16 kHz 16-bit little-endian PCM
// by repeating every sample.
func MuLawToPCM16k(src []byte) []byte {
	out := make([]byte, len(src)*4)
	for i, b := range src {
		v := uint16(muLawDecodeTable[b])
		binary.LittleEndian.PutUint16(out[i*4:], v)
		binary.LittleEndian.PutUint16(out[i*4+2:], v)
	}
	return out
}

// PCM24kToMuLaw turns 24 kHz 16-bit little-endian PCM into 8 kHz mu-law
// by keeping every third sample. A trailing odd byte is ignored.
func PCM24kToMuLaw(src []byte) []byte {
	samples := len(src) / 2
	out := make([]byte, 0, samples/3+1)
	for i := 0; i < samples; i += 3 {
		s := int16(binary.LittleEndian.Uint16(src[i*2:]))
		out = append(out, EncodeMuLaw(s))
	}
	return out
}
