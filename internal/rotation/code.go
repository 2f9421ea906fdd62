// Package rotation packs a block's orientation constraint into one byte.
//
// Layout is aaaabbbb: the high nibble holds the number of valid orientations
// (max rotation) and the low nibble the current orientation.
package rotation

import "fmt"

// Code is a packed (max rotation, rotation) pair.
type Code uint8

// MaxNibble is the largest value either field can hold.
const MaxNibble = 0x0F

// New packs rotation and maxRotation. maxRotation is truncated to a nibble
// and rotation is reduced modulo max(maxRotation, 1), so the result always
// satisfies rotation < max(maxRotation, 1).
func New(rotation, maxRotation uint8) Code {
	maxRotation &= MaxNibble
	rotation %= modulus(maxRotation)
	return Code(maxRotation<<4 | rotation)
}

// Normalize re-packs an arbitrary byte through New.
func Normalize(b byte) Code {
	return New(b&MaxNibble, b>>4)
}

// Rotation returns the low nibble.
func (c Code) Rotation() uint8 { return uint8(c) & MaxNibble }

// MaxRotation returns the high nibble.
func (c Code) MaxRotation() uint8 { return uint8(c) >> 4 & MaxNibble }

// Rotate turns the block by steps orientations, wrapping at max rotation.
func (c Code) Rotate(steps uint8) Code {
	m := modulus(c.MaxRotation())
	r := (uint16(c.Rotation()) + uint16(steps)) % uint16(m)
	return New(uint8(r), c.MaxRotation())
}

// Wildcard reports whether any terrain rotation satisfies c.
func (c Code) Wildcard() bool { return c.MaxRotation() <= 1 }

// Matches reports whether a terrain block with the given rotation satisfies
// the constraint c.
func (c Code) Matches(terrain uint8) bool {
	m := c.MaxRotation()
	return m <= 1 || terrain%m == c.Rotation()
}

func (c Code) String() string {
	return fmt.Sprintf("%d/%d", c.Rotation(), c.MaxRotation())
}

func modulus(maxRotation uint8) uint8 {
	if maxRotation == 0 {
		return 1
	}
	return maxRotation
}
