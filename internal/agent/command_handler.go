package agent

import (
	"context"
	"fmt"
	"sync"

	"adastrip-controller/internal/colormath"
	"adastrip-controller/internal/core"
	"adastrip-controller/internal/logger"

	"github.com/sirupsen/logrus"
)

// Renderer is the part of the strip controller the router drives.
type Renderer interface {
	SmoothFillWithColor(ctx context.Context, color colormath.Color) error
	FillWithMatrix(ctx context.Context, buf colormath.Buffer) error
}

// Persister stores the light state after every change.
type Persister interface {
	Save(state core.AppState) error
}

// PatternRunner starts and stops Lua patterns.
type PatternRunner interface {
	RunPattern(name string) error
	ExecuteString(code string) error
	StopCurrentPattern()
}

// ScheduleManager adds, removes and lists cron schedules.
type ScheduleManager interface {
	Add(spec, command string) (int, error)
	Remove(id int) error
	GetAll() []core.Schedule
}

// Reconnector restarts the device connection.
type Reconnector interface {
	Reconnect()
}

// Router maps inbound commands onto the strip. It owns the AppState semantics:
// power, brightness and a single stored base color.
type Router struct {
	state     *core.State
	store     Persister
	strip     Renderer
	bus       *core.EventBus
	patterns  PatternRunner
	schedules ScheduleManager
	link      Reconnector
	log       *logrus.Entry

	// mu makes each command a single step: state change, persist and render.
	mu       sync.Mutex
	rendered *colormath.Color
}

// NewRouter wires a router. patterns, schedules and link may be nil.
func NewRouter(state *core.State, store Persister, strip Renderer, bus *core.EventBus, patterns PatternRunner, schedules ScheduleManager, link Reconnector) *Router {
	return &Router{
		state:     state,
		store:     store,
		strip:     strip,
		bus:       bus,
		patterns:  patterns,
		schedules: schedules,
		link:      link,
		log:       logger.For("router"),
	}
}

// Restore pushes the persisted state to the strip, typically once at startup.
func (r *Router) Restore(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.render(ctx, r.state.App().Rendered(), true)
}

// SetPower turns the strip on or off. It always re-renders so the hardware
// matches the stored state.
func (r *Router) SetPower(ctx context.Context, on bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.log.WithField("on", on).Info("Power state")
	r.stopPattern()

	_, after := r.state.Update(func(s *core.AppState) { s.On = on })
	r.persist(after)

	return r.render(ctx, after.Rendered(), true) == nil
}

// SetColor stores a new base color. The {-1,-1,-1} sentinel is ignored.
func (r *Router) SetColor(ctx context.Context, rgb core.RGB) bool {
	if rgb.IsSentinel() {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	color := rgb.Color()
	r.log.WithField("color", color.Hex()).Info("Color received")

	if r.state.App().Color == color {
		return true
	}

	r.stopPattern()
	_, after := r.state.Update(func(s *core.AppState) { s.Color = color })
	r.persist(after)

	if !after.On {
		return true
	}
	return r.render(ctx, after.Rendered(), false) == nil
}

// SetBrightness stores pct and re-renders the base color when powered on.
func (r *Router) SetBrightness(ctx context.Context, pct int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	r.log.WithField("brightness", pct).Info("Brightness")

	r.stopPattern()
	_, after := r.state.Update(func(s *core.AppState) { s.Brightness = pct })
	r.persist(after)

	if !after.On {
		return true
	}
	return r.render(ctx, after.Rendered(), false) == nil
}

// SetColorTemperature converts kelvin to a base color and stores it.
func (r *Router) SetColorTemperature(ctx context.Context, kelvin int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	color := colormath.KelvinToRGB(kelvin)
	r.log.WithFields(logrus.Fields{"kelvin": kelvin, "color": color.Hex()}).Info("Color temperature")

	r.stopPattern()
	_, after := r.state.Update(func(s *core.AppState) { s.Color = color })
	r.persist(after)

	if !after.On {
		return true
	}
	return r.render(ctx, after.Rendered(), false) == nil
}

// FillMatrix shows a non-uniform frame as is. AppState is left untouched.
func (r *Router) FillMatrix(ctx context.Context, buf colormath.Buffer) error {
	r.mu.Lock()
	r.rendered = nil
	r.mu.Unlock()
	return r.strip.FillWithMatrix(ctx, buf)
}

// Dispatch executes any command variant.
func (r *Router) Dispatch(ctx context.Context, cmd core.Command) core.Result {
	r.log.WithField("type", cmd.Type).Debug("Handling command")

	switch cmd.Type {
	case core.CmdSetPower:
		return boolResult(r.SetPower(ctx, cmd.On))
	case core.CmdSetColor:
		return boolResult(r.SetColor(ctx, cmd.Color))
	case core.CmdSetBrightness:
		return boolResult(r.SetBrightness(ctx, cmd.Brightness))
	case core.CmdSetColorTemperature:
		return boolResult(r.SetColorTemperature(ctx, cmd.Kelvin))
	case core.CmdFillMatrix:
		return errResult(r.FillMatrix(ctx, cmd.Matrix))

	case core.CmdRunPattern:
		if r.patterns == nil {
			return errResult(fmt.Errorf("patterns are not available"))
		}
		return errResult(r.patterns.RunPattern(cmd.Pattern))
	case core.CmdRunCode:
		if r.patterns == nil {
			return errResult(fmt.Errorf("patterns are not available"))
		}
		return errResult(r.patterns.ExecuteString(cmd.Code))
	case core.CmdStopPattern:
		if r.patterns != nil {
			r.patterns.StopCurrentPattern()
		}
		return core.Result{OK: true}

	case core.CmdAddSchedule:
		if r.schedules == nil {
			return errResult(fmt.Errorf("scheduler is not available"))
		}
		id, err := r.schedules.Add(cmd.Schedule.Spec, cmd.Schedule.Command)
		if err != nil {
			return errResult(err)
		}
		return core.Result{OK: true, Value: id}
	case core.CmdRemoveSchedule:
		if r.schedules == nil {
			return errResult(fmt.Errorf("scheduler is not available"))
		}
		return errResult(r.schedules.Remove(cmd.ScheduleID))
	case core.CmdListSchedules:
		if r.schedules == nil {
			return errResult(fmt.Errorf("scheduler is not available"))
		}
		return core.Result{OK: true, Value: r.schedules.GetAll()}

	case core.CmdReconnect:
		if r.link == nil {
			return errResult(fmt.Errorf("device link is not available"))
		}
		r.log.Info("Device reconnect requested")
		r.link.Reconnect()
		return core.Result{OK: true}

	default:
		return errResult(fmt.Errorf("%w: unknown type %q", core.ErrMalformedCommand, cmd.Type))
	}
}

// render shows target unless it is already on the strip. force skips that check.
func (r *Router) render(ctx context.Context, target colormath.Color, force bool) error {
	if !force && r.rendered != nil && *r.rendered == target {
		r.log.WithField("color", target.Hex()).Debug("Already rendered, skipping")
		return nil
	}
	r.rendered = &target
	if err := r.strip.SmoothFillWithColor(ctx, target); err != nil {
		r.rendered = nil
		r.log.WithError(err).Warn("Render interrupted")
		return err
	}
	return nil
}

func (r *Router) persist(state core.AppState) {
	if err := r.store.Save(state); err != nil {
		r.log.WithError(err).Error("Failed to persist state")
	}
	if r.bus != nil {
		r.bus.Publish(core.StateChanged(state))
	}
}

// Invalidate forgets what the router last rendered, so the next command
// renders even if its color looks unchanged. Patterns draw behind its back.
func (r *Router) Invalidate() {
	r.mu.Lock()
	r.rendered = nil
	r.mu.Unlock()
}

func (r *Router) stopPattern() {
	if r.patterns != nil && r.state.RunningPattern() != "" {
		r.patterns.StopCurrentPattern()
		r.rendered = nil
	}
}

func boolResult(ok bool) core.Result {
	if !ok {
		return core.Result{Err: fmt.Errorf("command did not complete")}
	}
	return core.Result{OK: true}
}

func errResult(err error) core.Result {
	return core.Result{OK: err == nil, Err: err}
}
