package lua

import (
	"context"
	"math"
	"time"

	"adastrip-controller/internal/colormath"
	"adastrip-controller/internal/logger"

	"github.com/fogleman/ease"
	lua "github.com/yuin/gopher-lua"
)

// frameInterval paces the built-in effects.
const frameInterval = 25 * time.Millisecond

// session is the per-run drawing state handed to Lua.
type session struct {
	ctx   context.Context
	strip Strip
	frame colormath.Buffer
}

func newSession(ctx context.Context, strip Strip) *session {
	return &session{
		ctx:   ctx,
		strip: strip,
		frame: colormath.Uniform(colormath.Black, strip.LEDCount()),
	}
}

// registerGoFunctions exposes Go functions to the given Lua state.
func (e *Engine) registerGoFunctions(L *lua.LState, s *session) {
	L.SetGlobal("led_count", L.NewFunction(s.luaLEDCount))
	L.SetGlobal("set_pixel", L.NewFunction(s.luaSetPixel))
	L.SetGlobal("fill", L.NewFunction(s.luaFill))
	L.SetGlobal("show", L.NewFunction(s.luaShow))
	L.SetGlobal("smooth_fill", L.NewFunction(s.luaSmoothFill))
	L.SetGlobal("print", L.NewFunction(luaPrint))

	L.SetGlobal("sleep", L.NewFunction(s.luaSleep))
	L.SetGlobal("should_stop", L.NewFunction(s.luaShouldStop))

	L.SetGlobal("breathe", L.NewFunction(s.luaBreathe))
	L.SetGlobal("strobe", L.NewFunction(s.luaStrobe))
	L.SetGlobal("fade", L.NewFunction(s.luaFade))
}

func luaPrint(L *lua.LState) int {
	logger.For("lua").Info(L.ToString(1))
	return 0
}

func checkColor(L *lua.LState, first int) colormath.Color {
	return colormath.FromInts(L.CheckInt(first), L.CheckInt(first+1), L.CheckInt(first+2))
}

func (s *session) luaLEDCount(L *lua.LState) int {
	L.Push(lua.LNumber(len(s.frame)))
	return 1
}

// set_pixel(i, r, g, b) with i counted from 1.
func (s *session) luaSetPixel(L *lua.LState) int {
	i := L.CheckInt(1)
	if i < 1 || i > len(s.frame) {
		L.ArgError(1, "pixel index out of range")
		return 0
	}
	s.frame[i-1] = checkColor(L, 2)
	return 0
}

func (s *session) luaFill(L *lua.LState) int {
	c := checkColor(L, 1)
	for i := range s.frame {
		s.frame[i] = c
	}
	return 0
}

func (s *session) luaShow(L *lua.LState) int {
	s.show()
	return 0
}

func (s *session) show() {
	if err := s.strip.FillWithMatrix(s.ctx, s.frame.Clone()); err != nil {
		logger.For("lua").WithError(err).Warn("show failed")
	}
}

func (s *session) showUniform(c colormath.Color) {
	for i := range s.frame {
		s.frame[i] = c
	}
	s.show()
}

func (s *session) luaSmoothFill(L *lua.LState) int {
	c := checkColor(L, 1)
	if err := s.strip.SmoothFillWithColor(s.ctx, c); err != nil {
		return 0
	}
	for i := range s.frame {
		s.frame[i] = c
	}
	return 0
}

// cancellableSleep sleeps for d unless the run is cancelled first.
// It returns true if the context was cancelled during sleep.
func cancellableSleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return false
	case <-ctx.Done():
		return true
	}
}

func (s *session) luaSleep(L *lua.LState) int {
	cancellableSleep(s.ctx, time.Duration(L.CheckInt(1))*time.Millisecond)
	return 0
}

func (s *session) luaShouldStop(L *lua.LState) int {
	L.Push(lua.LBool(s.ctx.Err() != nil))
	return 1
}

// luaBreathe pulses color from dark to full and back over the duration with
// an eased curve.
func (s *session) luaBreathe(L *lua.LState) int {
	c := checkColor(L, 1)
	duration := time.Duration(L.CheckInt(4)) * time.Millisecond

	steps := int(duration / (2 * frameInterval))
	if steps < 1 {
		steps = 1
	}

	level := func(i int) colormath.Color {
		k := ease.InOutSine(float64(i) / float64(steps))
		return colormath.FromFloats(float64(c.R)*k, float64(c.G)*k, float64(c.B)*k)
	}

	for i := 0; i <= steps; i++ {
		s.showUniform(level(i))
		if cancellableSleep(s.ctx, frameInterval) {
			return 0
		}
	}
	for i := steps; i >= 0; i-- {
		s.showUniform(level(i))
		if cancellableSleep(s.ctx, frameInterval) {
			return 0
		}
	}
	return 0
}

// luaStrobe flashes a color for a total duration at a given frequency (in Hz).
func (s *session) luaStrobe(L *lua.LState) int {
	c := checkColor(L, 1)
	duration := time.Duration(L.CheckInt(4)) * time.Millisecond
	hz := float64(L.CheckNumber(5))

	if hz <= 0 {
		return 0
	}
	halfPeriod := time.Duration(float64(time.Second) / hz / 2)
	startTime := time.Now()

	for time.Since(startTime) < duration {
		s.showUniform(c)
		if cancellableSleep(s.ctx, halfPeriod) {
			return 0
		}
		s.showUniform(colormath.Black)
		if cancellableSleep(s.ctx, halfPeriod) {
			return 0
		}
	}
	return 0
}

// luaFade moves linearly from one color to another over a duration.
func (s *session) luaFade(L *lua.LState) int {
	from := checkColor(L, 1)
	to := checkColor(L, 4)
	duration := time.Duration(L.CheckInt(7)) * time.Millisecond

	steps := int(duration / frameInterval)
	if steps < 1 {
		steps = 1
	}

	lerp := func(a, b uint8, p float64) float64 {
		return math.Round(float64(a) + p*(float64(b)-float64(a)))
	}

	for i := 0; i <= steps; i++ {
		p := float64(i) / float64(steps)
		s.showUniform(colormath.FromFloats(lerp(from.R, to.R, p), lerp(from.G, to.G, p), lerp(from.B, to.B, p)))
		if cancellableSleep(s.ctx, frameInterval) {
			return 0
		}
	}
	return 0
}
