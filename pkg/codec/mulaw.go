package codec

// TelephonyRate is the sample rate of G.711 media streams.
const TelephonyRate = 8000

var mulawTable = buildMulawTable()

func buildMulawTable() [256]int16 {
	var t [256]int16
	for i := 0; i < 256; i++ {
		u := ^byte(i)
		sign := u & 0x80
		exp := (u >> 4) & 0x07
		mant := int32(u & 0x0F)
		s := ((mant << 3) + 0x84) << exp
		s -= 0x84
		if sign != 0 {
			s = -s
		}
		t[i] = int16(s)
	}
	return t
}

// MulawToLinear expands one G.711 mu-law byte to a 16-bit linear sample.
func MulawToLinear(b byte) int16 {
	return mulawTable[b]
}

// PCMBytes packs samples as 16-bit little-endian, the layout speech engines
// expect for LINEAR16 input.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[2*i] = byte(s)
		out[2*i+1] = byte(uint16(s) >> 8)
	}
	return out
}
