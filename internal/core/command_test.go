package core

import (
	"testing"

	"adastrip-controller/internal/colormath"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		raw  string
		want Command
	}{
		{"power on", `{"type":"setPower","payload":{"on":true}}`, PowerCommand(true)},
		{"power off", `{"type":"setPower","payload":{"on":false}}`, PowerCommand(false)},
		{"color rgb", `{"type":"setColor","payload":{"r":10,"g":20,"b":30}}`, ColorCommand(RGB{10, 20, 30})},
		{"color hex", `{"type":"setColor","payload":{"hex":"#FF8000"}}`, ColorCommand(RGB{255, 128, 0})},
		{"color sentinel", `{"type":"setColor","payload":{"r":-1,"g":-1,"b":-1}}`, ColorCommand(SentinelRGB)},
		{"brightness", `{"type":"setBrightness","payload":{"value":40}}`, BrightnessCommand(40)},
		{"temperature", `{"type":"setColorTemperature","payload":{"kelvin":2700}}`, TemperatureCommand(2700)},
		{"stop pattern", `{"type":"stopPattern"}`, Command{Type: CmdStopPattern}},
		{"run pattern", `{"type":"runPattern","payload":{"name":"rainbow.lua"}}`, Command{Type: CmdRunPattern, Pattern: "rainbow.lua"}},
		{"remove schedule", `{"type":"removeSchedule","payload":{"id":3}}`, Command{Type: CmdRemoveSchedule, ScheduleID: 3}},
		{"list schedules", `{"type":"listSchedules"}`, Command{Type: CmdListSchedules}},
		{"reconnect", `{"type":"reconnect","payload":{}}`, Command{Type: CmdReconnect}},
		{"run code", `{"type":"runCode","payload":{"code":"fill(1, 2, 3) show()"}}`, Command{Type: CmdRunCode, Code: "fill(1, 2, 3) show()"}},
		{
			"add schedule",
			`{"type":"addSchedule","payload":{"spec":"0 7 * * *","command":"power on"}}`,
			Command{Type: CmdAddSchedule, Schedule: ScheduleSpec{Spec: "0 7 * * *", Command: "power on"}},
		},
		{
			"fill matrix",
			`{"type":"fillMatrix","payload":{"pixels":[{"r":1,"g":2,"b":3},{"r":4,"g":5,"b":6}]}}`,
			Command{Type: CmdFillMatrix, Matrix: colormath.Buffer{{R: 1, G: 2, B: 3}, {R: 4, G: 5, B: 6}}},
		},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseCommand([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseCommandRejectsMalformed(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		raw  string
	}{
		{"not json", `{nope`},
		{"unknown type", `{"type":"explode"}`},
		{"power missing field", `{"type":"setPower","payload":{}}`},
		{"power wrong type", `{"type":"setPower","payload":{"on":"yes"}}`},
		{"color partial", `{"type":"setColor","payload":{"r":1,"g":2}}`},
		{"color out of range", `{"type":"setColor","payload":{"r":1,"g":2,"b":300}}`},
		{"color bad hex", `{"type":"setColor","payload":{"hex":"#GG0000"}}`},
		{"brightness too high", `{"type":"setBrightness","payload":{"value":101}}`},
		{"temperature too low", `{"type":"setColorTemperature","payload":{"kelvin":10}}`},
		{"empty matrix", `{"type":"fillMatrix","payload":{"pixels":[]}}`},
		{"negative pixel", `{"type":"fillMatrix","payload":{"pixels":[{"r":-1,"g":-1,"b":-1}]}}`},
		{"pattern no name", `{"type":"runPattern","payload":{"name":" "}}`},
		{"schedule no spec", `{"type":"addSchedule","payload":{"command":"power on"}}`},
		{"remove no id", `{"type":"removeSchedule","payload":{}}`},
		{"run code empty", `{"type":"runCode","payload":{"code":""}}`},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseCommand([]byte(tc.raw))
			require.ErrorIs(t, err, ErrMalformedCommand)
		})
	}
}

func TestParseColorString(t *testing.T) {
	t.Parallel()

	c, err := ParseColorString("12, 34,56")
	require.NoError(t, err)
	assert.Equal(t, RGB{12, 34, 56}, c)

	c, err = ParseColorString("00ff7f")
	require.NoError(t, err)
	assert.Equal(t, RGB{0, 255, 127}, c)

	_, err = ParseColorString("1,2")
	require.ErrorIs(t, err, ErrMalformedCommand)

	_, err = ParseColorString("1,2,x")
	require.ErrorIs(t, err, ErrMalformedCommand)
}

func TestAppStateRendered(t *testing.T) {
	t.Parallel()

	s := AppState{Color: colormath.Color{R: 200, G: 100, B: 0}, Brightness: 50, On: true}
	assert.Equal(t, colormath.Color{R: 100, G: 50}, s.Rendered())

	s.On = false
	assert.Equal(t, colormath.Black, s.Rendered())
}

func TestEventBusDeliversToSubscribedTypesOnly(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	sub := bus.Subscribe(StateChangedEvent)

	bus.Publish(DeviceStatus(true))
	bus.Publish(StateChanged(DefaultAppState()))

	ev := <-sub.C
	assert.Equal(t, StateChangedEvent, ev.Type)
	assert.Equal(t, DefaultAppState(), ev.State)
	assert.Len(t, sub.C, 0)

	sub.Close()
	sub.Close()
	bus.Publish(StateChanged(AppState{}))
	assert.Len(t, sub.C, 0)
}

func TestEventBusCloseKeepsOtherSubscriptions(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	first := bus.Subscribe(PatternChangedEvent, DeviceConnectedEvent)
	second := bus.Subscribe(PatternChangedEvent)
	first.Close()

	bus.Publish(PatternChanged("fire.lua"))
	bus.Publish(DeviceStatus(false))

	assert.Len(t, first.C, 0)
	require.Len(t, second.C, 1)
	assert.Equal(t, "fire.lua", (<-second.C).Pattern)
}

func TestEventBusDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()

	bus := NewEventBus()
	sub := bus.Subscribe(DeviceConnectedEvent)
	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(DeviceStatus(i%2 == 0))
	}
	assert.Len(t, sub.C, subscriberBuffer)
}

func TestStateUpdate(t *testing.T) {
	t.Parallel()

	s := NewState(DefaultAppState())
	before, after := s.Update(func(a *AppState) { a.Brightness = 10 })
	assert.Equal(t, 100, before.Brightness)
	assert.Equal(t, 10, after.Brightness)
	assert.Equal(t, after, s.App())
}
