// Package mqtt is the cloud bridge: it turns broker messages into commands
// and mirrors the light state back to retained state topics.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"adastrip-controller/internal/config"
	"adastrip-controller/internal/core"
	"adastrip-controller/internal/logger"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	gcerrors "github.com/gruntwork-io/go-commons/errors"
	"github.com/sirupsen/logrus"
)

// Subtopics under the configured prefix.
const (
	TopicPowerSet       = "power/set"
	TopicColorSet       = "color/set"
	TopicBrightnessSet  = "brightness/set"
	TopicTemperatureSet = "temperature/set"
	TopicPatternRun     = "pattern/run"
	TopicPatternStop    = "pattern/stop"
	TopicReconnect      = "device/reconnect"

	TopicPowerState      = "power/state"
	TopicColorState      = "color/state"
	TopicBrightnessState = "brightness/state"
	TopicPatternState    = "pattern/state"
	TopicAvailability    = "availability"
	TopicConnection      = "connection"
)

type Client struct {
	client      mqtt.Client
	cfg         *config.Config
	dispatcher  core.Dispatcher
	eventBus    *core.EventBus
	getPatterns func() ([]string, error)
	prefix      string
	log         *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient builds the bridge. It returns nil when MQTT is disabled.
func NewClient(cfg *config.Config, dispatcher core.Dispatcher, eb *core.EventBus, getPatterns func() ([]string, error)) *Client {
	if !cfg.MQTT.Enabled {
		return nil
	}

	c := newBridge(cfg, dispatcher, eb, getPatterns)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.MQTT.Broker)
	opts.SetClientID(cfg.MQTT.ClientID)
	opts.SetUsername(cfg.MQTT.Username)
	opts.SetPassword(cfg.MQTT.Password)

	opts.SetKeepAlive(10 * time.Second)
	opts.SetPingTimeout(5 * time.Second)

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	// Keep trying at startup when the broker is not up yet.
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)

	opts.SetOrderMatters(false)

	opts.SetWill(c.topic(TopicAvailability), "offline", 1, true)

	opts.SetOnConnectHandler(c.onConnect)

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		c.log.WithError(err).Warn("Connection closed, retrying in background")
	})

	opts.SetReconnectingHandler(func(client mqtt.Client, options *mqtt.ClientOptions) {
		c.log.Info("Attempting to reconnect")
	})

	c.client = mqtt.NewClient(opts)

	return c
}

func newBridge(cfg *config.Config, dispatcher core.Dispatcher, eb *core.EventBus, getPatterns func() ([]string, error)) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:         cfg,
		dispatcher:  dispatcher,
		eventBus:    eb,
		getPatterns: getPatterns,
		prefix:      strings.TrimSuffix(cfg.MQTT.TopicPrefix, "/"),
		log:         logger.For("mqtt"),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Connect starts the connection loop and the state mirror.
func (c *Client) Connect() error {
	if c.client == nil {
		return nil
	}
	c.log.WithField("broker", c.cfg.MQTT.Broker).Info("Starting connection loop")

	go c.mirrorState()

	token := c.client.Connect()
	// With ConnectRetry an error here points at configuration, not the network.
	if token.Wait() && token.Error() != nil {
		c.log.WithError(token.Error()).Error("Initial connection error")
		return token.Error()
	}

	return nil
}

// Disconnect publishes the offline status and closes the connection.
func (c *Client) Disconnect() {
	c.cancel()
	if c.client != nil && c.client.IsConnected() {
		c.log.Info("Disconnecting")

		token := c.client.Publish(c.topic(TopicAvailability), 0, true, "offline")
		if token.WaitTimeout(2 * time.Second) {
			if token.Error() != nil {
				c.log.WithError(token.Error()).Warn("Failed to publish offline status")
			}
		} else {
			c.log.Warn("Timed out publishing offline status")
		}

		c.client.Disconnect(250)
		c.log.Info("Connection closed")
	}
}

func (c *Client) topic(sub string) string {
	return fmt.Sprintf("%s/%s", c.prefix, sub)
}

func (c *Client) Publish(subtopic string, payload interface{}, retained bool) {
	if c.client == nil || !c.client.IsConnected() {
		return
	}

	topic := c.topic(subtopic)
	msg := fmt.Sprintf("%v", payload)

	token := c.client.Publish(topic, 0, retained, msg)

	go func() {
		if token.WaitTimeout(5 * time.Second) {
			if token.Error() != nil {
				c.log.WithError(token.Error()).WithField("topic", topic).Warn("Publish error")
			}
		} else {
			c.log.WithField("topic", topic).Warn("Publish timeout")
		}
	}()
}

// onConnect runs on a paho goroutine.
func (c *Client) onConnect(client mqtt.Client) {
	c.log.Info("Connected to broker")

	for _, sub := range []string{TopicPowerSet, TopicColorSet, TopicBrightnessSet, TopicTemperatureSet, TopicPatternRun, TopicPatternStop, TopicReconnect} {
		sub := sub
		topic := c.topic(sub)
		handler := func(_ mqtt.Client, msg mqtt.Message) {
			c.handle(sub, msg.Payload())
		}
		if token := client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			c.log.WithError(token.Error()).WithField("topic", topic).Error("Error subscribing")
		} else {
			c.log.WithField("topic", topic).Info("Subscribed")
		}
	}

	go func() {
		c.Publish(TopicAvailability, "online", true)
		if c.cfg.MQTT.HADiscoveryEnabled {
			c.PublishHADiscovery()
		}
	}()
}

// handle turns one inbound message into a command and reports whether it
// succeeded. Unparseable payloads are logged and dropped.
func (c *Client) handle(subtopic string, payload []byte) bool {
	log := c.log.WithFields(logrus.Fields{"topic": subtopic, "payload": string(payload)})

	cmd, err := ParseMessage(subtopic, payload)
	if err != nil {
		log.WithError(err).Warn("Ignoring message")
		return false
	}

	res := c.dispatcher.Dispatch(c.ctx, cmd)
	if !res.OK {
		log.WithError(res.Err).Warn("Command failed")
		return false
	}
	log.Debug("Command applied")
	return true
}

// ParseMessage maps a set topic and its payload to a command.
func ParseMessage(subtopic string, payload []byte) (core.Command, error) {
	text := strings.TrimSpace(string(payload))

	switch subtopic {
	case TopicPowerSet:
		switch strings.ToLower(text) {
		case "on", "true", "1":
			return core.PowerCommand(true), nil
		case "off", "false", "0":
			return core.PowerCommand(false), nil
		}
		return core.Command{}, fmt.Errorf("%w: power %q", core.ErrMalformedCommand, text)

	case TopicColorSet:
		rgb, err := core.ParseColorString(text)
		if err != nil {
			return core.Command{}, err
		}
		return core.ColorCommand(rgb), nil

	case TopicBrightnessSet:
		val, err := strconv.Atoi(text)
		if err != nil || val < 0 || val > 100 {
			return core.Command{}, fmt.Errorf("%w: brightness %q", core.ErrMalformedCommand, text)
		}
		return core.BrightnessCommand(val), nil

	case TopicTemperatureSet:
		val, err := strconv.Atoi(text)
		if err != nil || val < core.MinKelvin || val > core.MaxKelvin {
			return core.Command{}, fmt.Errorf("%w: temperature %q", core.ErrMalformedCommand, text)
		}
		return core.TemperatureCommand(val), nil

	case TopicPatternRun:
		if text == "" {
			return core.Command{}, fmt.Errorf("%w: empty pattern name", core.ErrMalformedCommand)
		}
		return core.Command{Type: core.CmdRunPattern, Pattern: text}, nil

	case TopicPatternStop:
		return core.Command{Type: core.CmdStopPattern}, nil

	case TopicReconnect:
		return core.Command{Type: core.CmdReconnect}, nil
	}

	return core.Command{}, fmt.Errorf("%w: unknown topic %q", core.ErrMalformedCommand, subtopic)
}

// mirrorState republishes bus events to the retained state topics.
func (c *Client) mirrorState() {
	defer gcerrors.Recover(func(cause error) {
		c.log.WithError(cause).Error("State mirror panicked")
	})

	sub := c.eventBus.Subscribe(core.StateChangedEvent, core.DeviceConnectedEvent, core.PatternChangedEvent)
	defer sub.Close()

	for {
		select {
		case <-c.ctx.Done():
			return
		case event := <-sub.C:
			for topic, value := range stateMessages(event) {
				c.Publish(topic, value, true)
			}
		}
	}
}

// stateMessages renders an event as state topic payloads.
func stateMessages(event core.Event) map[string]string {
	switch event.Type {
	case core.StateChangedEvent:
		state := event.State
		power := "OFF"
		if state.On {
			power = "ON"
		}
		return map[string]string{
			TopicPowerState:      power,
			TopicBrightnessState: strconv.Itoa(state.Brightness),
			TopicColorState:      fmt.Sprintf("%d,%d,%d", state.Color.R, state.Color.G, state.Color.B),
		}
	case core.DeviceConnectedEvent:
		if event.Connected {
			return map[string]string{TopicConnection: "connected"}
		}
		return map[string]string{TopicConnection: "disconnected"}
	case core.PatternChangedEvent:
		return map[string]string{TopicPatternState: event.Pattern}
	}
	return nil
}

// PublishHADiscovery sends the Home Assistant light configuration.
func (c *Client) PublishHADiscovery() {
	// Let the subscriptions settle first.
	time.Sleep(1 * time.Second)

	topic, payload := c.discoveryPayload()
	c.client.Publish(topic, 0, true, payload)
	c.log.WithField("topic", topic).Info("HA Discovery sent")
}

func (c *Client) discoveryPayload() (string, []byte) {
	patterns := []string{}
	if c.getPatterns != nil {
		list, err := c.getPatterns()
		if err != nil {
			c.log.WithError(err).Warn("Could not get patterns for HA discovery")
		} else {
			patterns = list
		}
	}

	safeID := strings.ReplaceAll(c.cfg.MQTT.ClientID, " ", "_")
	safeID = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return -1
	}, safeID)

	discoveryTopic := fmt.Sprintf("%s/light/%s/light/config", c.cfg.MQTT.HADiscoveryPrefix, safeID)

	payload := map[string]interface{}{
		"name":      "Light",
		"unique_id": safeID + "_light",
		"object_id": safeID,
		"icon":      "mdi:led-strip",

		"command_topic": c.topic(TopicPowerSet),
		"state_topic":   c.topic(TopicPowerState),
		"payload_on":    "ON",
		"payload_off":   "OFF",

		"brightness_command_topic": c.topic(TopicBrightnessSet),
		"brightness_state_topic":   c.topic(TopicBrightnessState),
		"brightness_scale":         100,

		"rgb_command_topic": c.topic(TopicColorSet),
		"rgb_state_topic":   c.topic(TopicColorState),

		"color_temp_command_topic": c.topic(TopicTemperatureSet),
		"color_temp_kelvin":        true,
		"min_kelvin":               core.MinKelvin,
		"max_kelvin":               core.MaxKelvin,

		"effect_command_topic": c.topic(TopicPatternRun),
		"effect_state_topic":   c.topic(TopicPatternState),
		"effect_list":          patterns,

		"availability_mode": "all",
		"availability": []map[string]string{
			{
				"topic":                 c.topic(TopicAvailability),
				"payload_available":     "online",
				"payload_not_available": "offline",
			},
			{
				"topic":                 c.topic(TopicConnection),
				"payload_available":     "connected",
				"payload_not_available": "disconnected",
			},
		},

		"device": map[string]interface{}{
			"identifiers":  []string{safeID},
			"name":         "AdaStrip Controller",
			"manufacturer": "adastrip",
			"model":        "Serial LED strip",
		},
	}

	jsonPayload, _ := json.Marshal(payload)
	return discoveryTopic, jsonPayload
}
