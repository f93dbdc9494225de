package colormath

// FrameHeader prefixes every frame sent to the strip. The last byte is fixed by
// the firmware on the other end of the link and does not track the LED count.
var FrameHeader = [6]byte{'A', 'd', 'a', 0x00, 0x00, 0x36}

// BytesPerPixel is the number of wire bytes per LED (R, G, B).
const BytesPerPixel = 3

// EncodeFrame serializes buf as header followed by R,G,B bytes per pixel.
func EncodeFrame(buf Buffer) []byte {
	out := make([]byte, len(FrameHeader), len(FrameHeader)+len(buf)*BytesPerPixel)
	copy(out, FrameHeader[:])
	for _, c := range buf {
		out = append(out, c.R, c.G, c.B)
	}
	return out
}
