package agent

import (
	"context"
	"testing"
	"time"

	"adastrip-controller/internal/colormath"
	"adastrip-controller/internal/config"
	"adastrip-controller/internal/core"
	"adastrip-controller/internal/device"
	"adastrip-controller/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAgent(t *testing.T) (*Agent, *fakeRenderer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	state := core.NewState(core.DefaultAppState())
	bus := core.NewEventBus()
	renderer := &fakeRenderer{}
	a := &Agent{
		ctx:            ctx,
		cancel:         cancel,
		log:            logger.For("agent"),
		state:          state,
		eventBus:       bus,
		commandChannel: make(core.CommandChannel, 4),
		router:         NewRouter(state, &fakeStore{}, renderer, bus, nil, nil, nil),
	}
	return a, renderer
}

func TestDeviceBackoff(t *testing.T) {
	constant := deviceBackoff(config.DeviceConfig{Backoff: config.BackoffConstant, RetryDelay: "2s", MaxRetryDelay: "1m"})
	assert.Equal(t, device.ConstantBackoff(2*time.Second), constant)
	assert.Equal(t, 2*time.Second, constant.Delay(5))

	exp := deviceBackoff(config.DeviceConfig{Backoff: config.BackoffExponential, RetryDelay: "1s", MaxRetryDelay: "10s"})
	assert.Equal(t, time.Second, exp.Delay(0))
	assert.Equal(t, 4*time.Second, exp.Delay(2))
	assert.Equal(t, 10*time.Second, exp.Delay(8))
}

func TestLoopDispatchesScheduledCommands(t *testing.T) {
	a, renderer := newTestAgent(t)
	done := make(chan error, 1)
	go func() { done <- a.loop(a.ctx, nil) }()

	a.commandChannel <- core.ColorCommand(core.RGB{R: 10, G: 20, B: 30})

	require.Eventually(t, func() bool {
		renderer.mu.Lock()
		defer renderer.mu.Unlock()
		return len(renderer.fills) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, colormath.Color{R: 10, G: 20, B: 30}, a.state.App().Color)

	a.cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestLoopReturnsFatalError(t *testing.T) {
	a, _ := newTestAgent(t)
	fatal := make(chan error, 1)
	fatal <- assert.AnError

	assert.ErrorIs(t, a.loop(a.ctx, fatal), assert.AnError)
}

func TestListenEventsTracksDeviceAndPattern(t *testing.T) {
	a, renderer := newTestAgent(t)
	go a.listenEvents()

	// Keep publishing until the listener has subscribed.
	publishUntil := func(event core.Event, cond func() bool) {
		require.Eventually(t, func() bool {
			a.eventBus.Publish(event)
			return cond()
		}, 2*time.Second, 5*time.Millisecond)
	}

	publishUntil(core.DeviceStatus(true), a.state.IsConnected)
	publishUntil(core.PatternChanged("rainbow.lua"), func() bool {
		return a.state.RunningPattern() == "rainbow.lua"
	})

	// A pattern change forgets the last rendered color, so an unchanged
	// brightness renders again afterwards.
	ctx := context.Background()
	require.True(t, a.router.SetBrightness(ctx, 100))
	publishUntil(core.PatternChanged(""), func() bool {
		return a.state.RunningPattern() == ""
	})
	require.Eventually(t, func() bool {
		a.router.SetBrightness(ctx, 100)
		renderer.mu.Lock()
		defer renderer.mu.Unlock()
		return len(renderer.fills) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	publishUntil(core.DeviceStatus(false), func() bool {
		return !a.state.IsConnected()
	})
}
