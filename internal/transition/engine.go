// Package transition computes the interpolated frames between two pixel
// buffers. It knows nothing about the device; frames are handed to a callback.
package transition

import (
	"context"
	"fmt"
	"time"

	"adastrip-controller/internal/colormath"

	"k8s.io/utils/clock"
)

const (
	DefaultSteps    = 20
	DefaultInterval = 25 * time.Millisecond
)

// StepFunc receives every intermediate frame. The engine waits for it to
// return before computing the next one. A non-nil error aborts the run.
type StepFunc func(ctx context.Context, frame colormath.Buffer, index, remaining int) error

// Engine runs fixed-length linear transitions.
type Engine struct {
	Steps    int
	Interval time.Duration
	Clock    clock.Clock
}

// New returns an engine with the default 20 x 25ms cadence.
func New(clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Engine{Steps: DefaultSteps, Interval: DefaultInterval, Clock: clk}
}

type accumulator struct {
	r, g, b    float64
	dr, dg, db float64
}

// Run walks from current to target in e.Steps additive increments, clamping
// every channel after each step. On success it returns a copy of target
// rather than the last interpolated frame. The context is only checked
// between steps, so cancellation never leaves a half-built frame behind.
func (e *Engine) Run(ctx context.Context, current, target colormath.Buffer, onStep StepFunc) (colormath.Buffer, error) {
	if len(current) != len(target) {
		return nil, fmt.Errorf("transition: buffer length mismatch (%d != %d)", len(current), len(target))
	}

	steps := e.Steps
	if steps <= 0 {
		steps = DefaultSteps
	}
	clk := e.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	n := float64(steps)
	acc := make([]accumulator, len(current))
	for i := range current {
		from, to := current[i], target[i]
		acc[i] = accumulator{
			r:  float64(from.R),
			g:  float64(from.G),
			b:  float64(from.B),
			dr: (float64(to.R) - float64(from.R)) / n,
			dg: (float64(to.G) - float64(from.G)) / n,
			db: (float64(to.B) - float64(from.B)) / n,
		}
	}

	for step := 0; step < steps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		frame := make(colormath.Buffer, len(acc))
		for i := range acc {
			a := &acc[i]
			a.r = colormath.Clamp(a.r + a.dr)
			a.g = colormath.Clamp(a.g + a.dg)
			a.b = colormath.Clamp(a.b + a.db)
			frame[i] = colormath.FromFloats(a.r, a.g, a.b)
		}

		if onStep != nil {
			if err := onStep(ctx, frame, step, steps-(step+1)); err != nil {
				return nil, err
			}
		}

		if e.Interval > 0 {
			clk.Sleep(e.Interval)
		}
	}

	return target.Clone(), nil
}
