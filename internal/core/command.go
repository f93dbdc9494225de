package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"adastrip-controller/internal/colormath"

	"github.com/lucasb-eyer/go-colorful"
)

// ErrMalformedCommand is returned when an inbound command fails validation.
var ErrMalformedCommand = errors.New("malformed command")

// CommandType defines the type of command being dispatched.
type CommandType string

const (
	CmdSetPower            CommandType = "setPower"
	CmdSetColor            CommandType = "setColor"
	CmdSetBrightness       CommandType = "setBrightness"
	CmdSetColorTemperature CommandType = "setColorTemperature"
	CmdFillMatrix          CommandType = "fillMatrix"
	CmdRunPattern          CommandType = "runPattern"
	CmdStopPattern         CommandType = "stopPattern"
	CmdRunCode             CommandType = "runCode"
	CmdAddSchedule         CommandType = "addSchedule"
	CmdRemoveSchedule      CommandType = "removeSchedule"
	CmdListSchedules       CommandType = "listSchedules"
	CmdReconnect           CommandType = "reconnect"
)

const (
	MinKelvin = 1000
	MaxKelvin = 40000
)

// RGB is a color as received from a command source. Channels are signed so the
// "ignore" sentinel {-1,-1,-1} survives decoding.
type RGB struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

// SentinelRGB marks a color command that must be ignored.
var SentinelRGB = RGB{R: -1, G: -1, B: -1}

// IsSentinel reports whether c is the ignore marker.
func (c RGB) IsSentinel() bool {
	return c == SentinelRGB
}

// Color clamps c into a device color.
func (c RGB) Color() colormath.Color {
	return colormath.FromInts(c.R, c.G, c.B)
}

func (c RGB) validate() error {
	if c.IsSentinel() {
		return nil
	}
	for _, v := range []int{c.R, c.G, c.B} {
		if v < 0 || v > 255 {
			return fmt.Errorf("%w: channel %d out of range", ErrMalformedCommand, v)
		}
	}
	return nil
}

// ScheduleSpec pairs a cron expression with a scheduler command string.
type ScheduleSpec struct {
	Spec    string `json:"spec"`
	Command string `json:"command"`
}

// Schedule is a registered ScheduleSpec with the id that removes it.
type Schedule struct {
	ID int `json:"id"`
	ScheduleSpec
}

// Command is a validated request to change state or perform an action. Only
// the fields relevant to Type are set.
type Command struct {
	Type       CommandType
	On         bool
	Color      RGB
	Brightness int
	Kelvin     int
	Matrix     colormath.Buffer
	Pattern    string
	Code       string
	Schedule   ScheduleSpec
	ScheduleID int
}

func PowerCommand(on bool) Command {
	return Command{Type: CmdSetPower, On: on}
}

func ColorCommand(c RGB) Command {
	return Command{Type: CmdSetColor, Color: c}
}

func BrightnessCommand(pct int) Command {
	return Command{Type: CmdSetBrightness, Brightness: pct}
}

func TemperatureCommand(kelvin int) Command {
	return Command{Type: CmdSetColorTemperature, Kelvin: kelvin}
}

// CommandChannel carries commands from background producers (scheduler) to the agent.
type CommandChannel chan Command

// Result is the outcome of dispatching one command.
type Result struct {
	OK  bool
	Err error

	// Value carries data for commands that return some: the new schedule id
	// for addSchedule and the schedule list for listSchedules.
	Value interface{}
}

// Dispatcher executes commands on behalf of a command source.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) Result
}

// envelope is the wire form of a command.
type envelope struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ParseCommand decodes and validates a JSON command envelope of the form
// {"type": "...", "payload": {...}}.
func ParseCommand(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}

	cmd := Command{Type: env.Type}
	switch env.Type {
	case CmdSetPower:
		var p struct {
			On *bool `json:"on"`
		}
		if err := decodePayload(env.Payload, &p); err != nil {
			return Command{}, err
		}
		if p.On == nil {
			return Command{}, fmt.Errorf("%w: setPower requires 'on'", ErrMalformedCommand)
		}
		cmd.On = *p.On

	case CmdSetColor:
		var p struct {
			R   *int   `json:"r"`
			G   *int   `json:"g"`
			B   *int   `json:"b"`
			Hex string `json:"hex"`
		}
		if err := decodePayload(env.Payload, &p); err != nil {
			return Command{}, err
		}
		switch {
		case p.Hex != "":
			c, err := ParseColorString(p.Hex)
			if err != nil {
				return Command{}, err
			}
			cmd.Color = c
		case p.R != nil && p.G != nil && p.B != nil:
			cmd.Color = RGB{R: *p.R, G: *p.G, B: *p.B}
		default:
			return Command{}, fmt.Errorf("%w: setColor requires r,g,b or hex", ErrMalformedCommand)
		}
		if err := cmd.Color.validate(); err != nil {
			return Command{}, err
		}

	case CmdSetBrightness:
		var p struct {
			Value *int `json:"value"`
		}
		if err := decodePayload(env.Payload, &p); err != nil {
			return Command{}, err
		}
		if p.Value == nil || *p.Value < 0 || *p.Value > 100 {
			return Command{}, fmt.Errorf("%w: setBrightness requires 'value' in [0,100]", ErrMalformedCommand)
		}
		cmd.Brightness = *p.Value

	case CmdSetColorTemperature:
		var p struct {
			Kelvin *int `json:"kelvin"`
		}
		if err := decodePayload(env.Payload, &p); err != nil {
			return Command{}, err
		}
		if p.Kelvin == nil || *p.Kelvin < MinKelvin || *p.Kelvin > MaxKelvin {
			return Command{}, fmt.Errorf("%w: setColorTemperature requires 'kelvin' in [%d,%d]", ErrMalformedCommand, MinKelvin, MaxKelvin)
		}
		cmd.Kelvin = *p.Kelvin

	case CmdFillMatrix:
		var p struct {
			Pixels []RGB `json:"pixels"`
		}
		if err := decodePayload(env.Payload, &p); err != nil {
			return Command{}, err
		}
		if len(p.Pixels) == 0 {
			return Command{}, fmt.Errorf("%w: fillMatrix requires 'pixels'", ErrMalformedCommand)
		}
		cmd.Matrix = make(colormath.Buffer, len(p.Pixels))
		for i, px := range p.Pixels {
			if px.IsSentinel() {
				return Command{}, fmt.Errorf("%w: pixel %d is negative", ErrMalformedCommand, i)
			}
			if err := px.validate(); err != nil {
				return Command{}, err
			}
			cmd.Matrix[i] = px.Color()
		}

	case CmdRunPattern:
		var p struct {
			Name string `json:"name"`
		}
		if err := decodePayload(env.Payload, &p); err != nil {
			return Command{}, err
		}
		if strings.TrimSpace(p.Name) == "" {
			return Command{}, fmt.Errorf("%w: runPattern requires 'name'", ErrMalformedCommand)
		}
		cmd.Pattern = p.Name

	case CmdStopPattern, CmdListSchedules, CmdReconnect:

	case CmdRunCode:
		var p struct {
			Code string `json:"code"`
		}
		if err := decodePayload(env.Payload, &p); err != nil {
			return Command{}, err
		}
		if strings.TrimSpace(p.Code) == "" {
			return Command{}, fmt.Errorf("%w: runCode requires 'code'", ErrMalformedCommand)
		}
		cmd.Code = p.Code

	case CmdAddSchedule:
		var p ScheduleSpec
		if err := decodePayload(env.Payload, &p); err != nil {
			return Command{}, err
		}
		if p.Spec == "" || p.Command == "" {
			return Command{}, fmt.Errorf("%w: addSchedule requires 'spec' and 'command'", ErrMalformedCommand)
		}
		cmd.Schedule = p

	case CmdRemoveSchedule:
		var p struct {
			ID *int `json:"id"`
		}
		if err := decodePayload(env.Payload, &p); err != nil {
			return Command{}, err
		}
		if p.ID == nil {
			return Command{}, fmt.Errorf("%w: removeSchedule requires 'id'", ErrMalformedCommand)
		}
		cmd.ScheduleID = *p.ID

	default:
		return Command{}, fmt.Errorf("%w: unknown type %q", ErrMalformedCommand, env.Type)
	}

	return cmd, nil
}

func decodePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return nil
}

// ParseColorString accepts "r,g,b" or a hex color with or without '#'.
func ParseColorString(s string) (RGB, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		if len(parts) != 3 {
			return RGB{}, fmt.Errorf("%w: color %q needs three components", ErrMalformedCommand, s)
		}
		var vals [3]int
		for i, part := range parts {
			v, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil {
				return RGB{}, fmt.Errorf("%w: color %q: %v", ErrMalformedCommand, s, err)
			}
			vals[i] = v
		}
		c := RGB{R: vals[0], G: vals[1], B: vals[2]}
		return c, c.validate()
	}

	if !strings.HasPrefix(s, "#") {
		s = "#" + s
	}
	parsed, err := colorful.Hex(s)
	if err != nil {
		return RGB{}, fmt.Errorf("%w: color %q: %v", ErrMalformedCommand, s, err)
	}
	r, g, b := parsed.RGB255()
	return RGB{R: int(r), G: int(g), B: int(b)}, nil
}
