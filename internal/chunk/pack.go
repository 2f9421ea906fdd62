package chunk

import "fmt"

// CellsPerLane is how many 2-bit rotations share one 32-bit device word.
const CellsPerLane = 16

// LaneCount returns the number of 32-bit words needed for a packed chunk.
func (d Dimensions) LaneCount() int {
	return (d.Volume() + CellsPerLane - 1) / CellsPerLane
}

// PackLanes stores cell i in bits 2*(i%16) of lane i/16. Cells must hold
// values in [0, 3].
func PackLanes(cells []uint8) ([]uint32, error) {
	lanes := make([]uint32, (len(cells)+CellsPerLane-1)/CellsPerLane)
	for i, v := range cells {
		if v > 3 {
			return nil, fmt.Errorf("cell %d holds %d, want a 2-bit rotation", i, v)
		}
		lanes[i/CellsPerLane] |= uint32(v) << (uint(i%CellsPerLane) * 2)
	}
	return lanes, nil
}

// UnpackLanes expands n cells from packed lanes.
func UnpackLanes(lanes []uint32, n int) ([]uint8, error) {
	if need := (n + CellsPerLane - 1) / CellsPerLane; len(lanes) < need {
		return nil, fmt.Errorf("unpack %d cells: have %d lanes, need %d", n, len(lanes), need)
	}
	cells := make([]uint8, n)
	for i := range cells {
		cells[i] = uint8(lanes[i/CellsPerLane]>>(uint(i%CellsPerLane)*2)) & 3
	}
	return cells, nil
}
