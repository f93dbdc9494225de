package colormath

import "math"

// Clamp limits x to the [0,255] channel range. NaN maps to 0.
func Clamp(x float64) float64 {
	if math.IsNaN(x) {
		return 0
	}
	return math.Max(0, math.Min(255, x))
}

// ApplyBrightness scales every channel by pct/100. pct is clamped to [0,100].
func ApplyBrightness(c Color, pct int) Color {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	scale := float64(pct) / 100
	return FromFloats(float64(c.R)*scale, float64(c.G)*scale, float64(c.B)*scale)
}

// KelvinToRGB approximates the color of a black body at the given temperature
// (Tanner Helland's fit). 6600K is the neutral white point.
func KelvinToRGB(kelvin int) Color {
	t := float64(kelvin) / 100
	var r, g, b float64

	if t <= 66 {
		r = 255
		g = math.Max(99.4708025861*math.Log(t)-161.1195681661, 0)
		if t <= 19 {
			b = 0
		} else {
			b = math.Max(138.5177312231*math.Log(t-10)-305.0447927307, 0)
		}
	} else {
		r = math.Max(329.698727446*math.Pow(t-60, -0.1332047592), 0)
		g = math.Max(288.1221695283*math.Pow(t-60, -0.0755148492), 0)
		b = 255
	}

	return FromFloats(r, g, b)
}
