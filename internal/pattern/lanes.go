package pattern

import "fmt"

// BytesPerLane is how many pattern cells share one 32-bit device word.
const BytesPerLane = 4

// PackLanes packs bytes four to a word, little-endian: byte i lands in bits
// 8*(i%4) of word i/4. A trailing partial word is zero padded, which decodes
// as wildcards.
func PackLanes(b []byte) []uint32 {
	lanes := make([]uint32, (len(b)+BytesPerLane-1)/BytesPerLane)
	for i, v := range b {
		lanes[i/BytesPerLane] |= uint32(v) << (uint(i%BytesPerLane) * 8)
	}
	return lanes
}

// UnpackLanes recovers n bytes from packed words.
func UnpackLanes(lanes []uint32, n int) ([]byte, error) {
	if need := (n + BytesPerLane - 1) / BytesPerLane; len(lanes) < need {
		return nil, fmt.Errorf("unpack %d bytes: have %d lanes, need %d", n, len(lanes), need)
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(lanes[i/BytesPerLane] >> (uint(i%BytesPerLane) * 8))
	}
	return out, nil
}

// Lanes returns the device upload form of p.
func (p *Pattern) Lanes() []uint32 {
	return PackLanes(p.Bytes())
}
