// Package colormath holds the pure color helpers used by the strip: channel
// clamping, brightness scaling, Kelvin conversion and frame encoding.
package colormath

import "fmt"

// Color is one pixel value. Channels are always within [0,255].
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
}

// Black is the all-off color.
var Black = Color{}

// Hex renders the color as #RRGGBB.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
}

// FromFloats builds a Color from unclamped channel values.
// Fractions are truncated, as the device frame stores whole bytes.
func FromFloats(r, g, b float64) Color {
	return Color{R: uint8(Clamp(r)), G: uint8(Clamp(g)), B: uint8(Clamp(b))}
}

// FromInts builds a Color from unclamped integer channels.
func FromInts(r, g, b int) Color {
	return FromFloats(float64(r), float64(g), float64(b))
}

// Buffer is an ordered run of pixels, one per LED.
type Buffer []Color

// Uniform returns a buffer of n pixels all set to c.
func Uniform(c Color, n int) Buffer {
	buf := make(Buffer, n)
	for i := range buf {
		buf[i] = c
	}
	return buf
}

// Clone returns an independent copy of b.
func (b Buffer) Clone() Buffer {
	out := make(Buffer, len(b))
	copy(out, b)
	return out
}

// Equal reports whether both buffers hold the same pixels.
func (b Buffer) Equal(other Buffer) bool {
	if len(b) != len(other) {
		return false
	}
	for i := range b {
		if b[i] != other[i] {
			return false
		}
	}
	return true
}
