package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"adastrip-controller/internal/colormath"
	"adastrip-controller/internal/config"
	"adastrip-controller/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	cmds []core.Command
	fail bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, cmd core.Command) core.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmds = append(d.cmds, cmd)
	if d.fail {
		return core.Result{Err: assert.AnError}
	}
	return core.Result{OK: true}
}

func testConfig() *config.Config {
	return &config.Config{MQTT: config.MQTTConfig{
		Enabled:           true,
		ClientID:          "living room#1",
		TopicPrefix:       "adastrip/",
		HADiscoveryPrefix: "homeassistant",
	}}
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		topic   string
		payload string
		want    core.Command
	}{
		{TopicPowerSet, "ON", core.PowerCommand(true)},
		{TopicPowerSet, " off ", core.PowerCommand(false)},
		{TopicPowerSet, "1", core.PowerCommand(true)},
		{TopicColorSet, "255,128,0", core.ColorCommand(core.RGB{R: 255, G: 128, B: 0})},
		{TopicColorSet, "#00ff10", core.ColorCommand(core.RGB{R: 0, G: 255, B: 16})},
		{TopicBrightnessSet, "42", core.BrightnessCommand(42)},
		{TopicTemperatureSet, "2700", core.TemperatureCommand(2700)},
		{TopicPatternRun, "rainbow.lua", core.Command{Type: core.CmdRunPattern, Pattern: "rainbow.lua"}},
		{TopicPatternStop, "", core.Command{Type: core.CmdStopPattern}},
		{TopicReconnect, "1", core.Command{Type: core.CmdReconnect}},
	}
	for _, tt := range tests {
		t.Run(tt.topic+"="+tt.payload, func(t *testing.T) {
			got, err := ParseMessage(tt.topic, []byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMessageRejects(t *testing.T) {
	tests := []struct {
		topic   string
		payload string
	}{
		{TopicPowerSet, "maybe"},
		{TopicColorSet, "1,2"},
		{TopicColorSet, "300,0,0"},
		{TopicColorSet, "zz"},
		{TopicBrightnessSet, "101"},
		{TopicBrightnessSet, "bright"},
		{TopicTemperatureSet, "10"},
		{TopicPatternRun, "  "},
		{"unknown/set", "1"},
	}
	for _, tt := range tests {
		_, err := ParseMessage(tt.topic, []byte(tt.payload))
		assert.ErrorIs(t, err, core.ErrMalformedCommand, "%s=%q", tt.topic, tt.payload)
	}
}

func TestHandleDispatches(t *testing.T) {
	disp := &recordingDispatcher{}
	c := newBridge(testConfig(), disp, core.NewEventBus(), nil)
	defer c.cancel()

	assert.True(t, c.handle(TopicBrightnessSet, []byte("30")))
	assert.False(t, c.handle(TopicBrightnessSet, []byte("nope")))
	assert.Equal(t, []core.Command{core.BrightnessCommand(30)}, disp.cmds)

	disp.fail = true
	assert.False(t, c.handle(TopicPowerSet, []byte("on")))
	assert.Len(t, disp.cmds, 2)
}

func TestTopicTrimsPrefixSlash(t *testing.T) {
	c := newBridge(testConfig(), &recordingDispatcher{}, core.NewEventBus(), nil)
	defer c.cancel()
	assert.Equal(t, "adastrip/power/set", c.topic(TopicPowerSet))
}

func TestStateMessages(t *testing.T) {
	state := core.AppState{Color: colormath.Color{R: 1, G: 2, B: 3}, Brightness: 55, On: false}
	assert.Equal(t, map[string]string{
		TopicPowerState:      "OFF",
		TopicBrightnessState: "55",
		TopicColorState:      "1,2,3",
	}, stateMessages(core.StateChanged(state)))

	assert.Equal(t, map[string]string{TopicConnection: "connected"},
		stateMessages(core.DeviceStatus(true)))
	assert.Equal(t, map[string]string{TopicConnection: "disconnected"},
		stateMessages(core.DeviceStatus(false)))
	assert.Equal(t, map[string]string{TopicPatternState: "fire.lua"},
		stateMessages(core.PatternChanged("fire.lua")))
	assert.Nil(t, stateMessages(core.Event{Type: "Unknown"}))
}

func TestDiscoveryPayload(t *testing.T) {
	patterns := func() ([]string, error) { return []string{"fire.lua", "rainbow.lua"}, nil }
	c := newBridge(testConfig(), &recordingDispatcher{}, core.NewEventBus(), patterns)
	defer c.cancel()

	topic, raw := c.discoveryPayload()
	assert.Equal(t, "homeassistant/light/living_room1/light/config", topic)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, "living_room1_light", payload["unique_id"])
	assert.Equal(t, "adastrip/color/set", payload["rgb_command_topic"])
	assert.Equal(t, "adastrip/temperature/set", payload["color_temp_command_topic"])
	assert.Equal(t, []interface{}{"fire.lua", "rainbow.lua"}, payload["effect_list"])
}

func TestNewClientDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.MQTT.Enabled = false
	assert.Nil(t, NewClient(cfg, &recordingDispatcher{}, core.NewEventBus(), nil))
}
