package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCommand is wrapped by every command validation failure.
var ErrInvalidCommand = errors.New("invalid command")

// Limits enforced before a command is sent to the controller.
const (
	MinServoDegrees = 0
	MaxServoDegrees = 180
	MinInterval     = time.Second
	MaxInterval     = 60 * time.Second
)

// Command is an operator instruction for the controller. The set of
// implementations is closed: [SetActuator], [SetServoAngle],
// [SetInterval] and [TurnEggs].
type Command interface {
	// Validate reports whether the command is within the limits the
	// controller accepts.
	Validate() error

	// wire returns the single key/value pair published on the control
	// topic.
	wire() (string, any)
}

// Actuator names a switchable output on the controller.
type Actuator string

const (
	ActuatorHeater      Actuator = "heater"
	ActuatorInternalFan Actuator = "internal_fan"
	ActuatorSolarFans   Actuator = "solar_fans"
	ActuatorSolenoid    Actuator = "solenoid"
	// ActuatorFan is the single fan output of first-generation boards.
	ActuatorFan Actuator = "fan"
)

// Actuators returns the actuators shown on the dashboard, in display
// order. The legacy [ActuatorFan] is accepted but not listed.
func Actuators() []Actuator {
	return []Actuator{ActuatorHeater, ActuatorInternalFan, ActuatorSolarFans, ActuatorSolenoid}
}

func (a Actuator) valid() bool {
	switch a {
	case ActuatorHeater, ActuatorInternalFan, ActuatorSolarFans, ActuatorSolenoid, ActuatorFan:
		return true
	}
	return false
}

// Label is the human-readable actuator name.
func (a Actuator) Label() string {
	switch a {
	case ActuatorHeater:
		return "Heater"
	case ActuatorInternalFan:
		return "Internal Fan"
	case ActuatorSolarFans:
		return "Solar Fans"
	case ActuatorSolenoid:
		return "Solenoid Valve"
	case ActuatorFan:
		return "Fan"
	}
	return string(a)
}

// Servo names a positionable vent flap.
type Servo string

const (
	ServoSolarInlet Servo = "solar_inlet"
	ServoTopVent    Servo = "top_vent"
)

// Servos returns the servos shown on the dashboard, in display order.
func Servos() []Servo {
	return []Servo{ServoSolarInlet, ServoTopVent}
}

func (s Servo) valid() bool {
	return s == ServoSolarInlet || s == ServoTopVent
}

// Label is the human-readable servo name.
func (s Servo) Label() string {
	switch s {
	case ServoSolarInlet:
		return "Solar Inlet Flap"
	case ServoTopVent:
		return "Top Vent"
	}
	return string(s)
}

// SetActuator switches an actuator on or off.
type SetActuator struct {
	Actuator Actuator
	On       bool
}

func (c SetActuator) Validate() error {
	if !c.Actuator.valid() {
		return fmt.Errorf("%w: unknown actuator %q", ErrInvalidCommand, c.Actuator)
	}
	return nil
}

func (c SetActuator) wire() (string, any) { return string(c.Actuator), c.On }

// SetServoAngle moves a servo to an absolute angle in degrees.
type SetServoAngle struct {
	Servo   Servo
	Degrees int
}

func (c SetServoAngle) Validate() error {
	if !c.Servo.valid() {
		return fmt.Errorf("%w: unknown servo %q", ErrInvalidCommand, c.Servo)
	}
	if c.Degrees < MinServoDegrees || c.Degrees > MaxServoDegrees {
		return fmt.Errorf("%w: %s angle %d outside %d..%d", ErrInvalidCommand, c.Servo, c.Degrees, MinServoDegrees, MaxServoDegrees)
	}
	return nil
}

func (c SetServoAngle) wire() (string, any) { return string(c.Servo), c.Degrees }

// SetInterval changes how often the controller publishes sensor
// readings. It is sent as whole milliseconds.
type SetInterval struct {
	Interval time.Duration
}

func (c SetInterval) Validate() error {
	if c.Interval < MinInterval || c.Interval > MaxInterval {
		return fmt.Errorf("%w: interval %s outside %s..%s", ErrInvalidCommand, c.Interval, MinInterval, MaxInterval)
	}
	return nil
}

func (c SetInterval) wire() (string, any) { return "interval", c.Interval.Milliseconds() }

// TurnEggs asks the controller to run one egg-turning cycle now.
type TurnEggs struct{}

func (TurnEggs) Validate() error { return nil }

func (TurnEggs) wire() (string, any) { return "turn_eggs", true }

// EncodeCommand validates c and returns the JSON published on
// [TopicControl], e.g. {"heater":true} or {"interval":5000}.
func EncodeCommand(c Command) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil command", ErrInvalidCommand)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	k, v := c.wire()
	return json.Marshal(map[string]any{k: v})
}

// DescribeCommand renders c as key=value for logs and CLI output.
func DescribeCommand(c Command) string {
	if c == nil {
		return "<nil>"
	}
	k, v := c.wire()
	return fmt.Sprintf("%s=%v", k, v)
}

// ParseCommand maps a single-key control object, as produced by
// [EncodeCommand] or posted by the dashboard, back to a validated
// command.
func ParseCommand(data []byte) (Command, error) {
	var obj map[string]json.RawMessage
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if len(obj) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one key, got %d", ErrInvalidCommand, len(obj))
	}

	var key string
	var raw json.RawMessage
	for k, v := range obj {
		key, raw = k, v
	}

	var cmd Command
	switch {
	case key == "turn_eggs":
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil || !b {
			return nil, fmt.Errorf("%w: turn_eggs must be true", ErrInvalidCommand)
		}
		cmd = TurnEggs{}
	case key == "interval":
		var ms int64
		if err := json.Unmarshal(raw, &ms); err != nil {
			return nil, fmt.Errorf("%w: interval must be whole milliseconds", ErrInvalidCommand)
		}
		cmd = SetInterval{Interval: time.Duration(ms) * time.Millisecond}
	case Servo(key).valid():
		var deg int
		if err := json.Unmarshal(raw, &deg); err != nil {
			return nil, fmt.Errorf("%w: %s must be whole degrees", ErrInvalidCommand, key)
		}
		cmd = SetServoAngle{Servo: Servo(key), Degrees: deg}
	case Actuator(key).valid():
		var on bool
		if err := json.Unmarshal(raw, &on); err != nil {
			return nil, fmt.Errorf("%w: %s must be true or false", ErrInvalidCommand, key)
		}
		cmd = SetActuator{Actuator: Actuator(key), On: on}
	default:
		return nil, fmt.Errorf("%w: unknown key %q", ErrInvalidCommand, key)
	}

	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// ParseCommandArg parses the CLI form key=value, for example
// heater=on, top_vent=90, interval=5s or turn_eggs.
func ParseCommandArg(arg string) (Command, error) {
	key, value, hasValue := strings.Cut(strings.TrimSpace(arg), "=")
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	var cmd Command
	switch {
	case key == "turn_eggs":
		if hasValue && value != "true" {
			return nil, fmt.Errorf("%w: turn_eggs takes no value", ErrInvalidCommand)
		}
		cmd = TurnEggs{}
	case key == "interval":
		d, err := parseInterval(value)
		if err != nil {
			return nil, fmt.Errorf("%w: interval %q: %v", ErrInvalidCommand, value, err)
		}
		cmd = SetInterval{Interval: d}
	case Servo(key).valid():
		deg, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s angle %q is not an integer", ErrInvalidCommand, key, value)
		}
		cmd = SetServoAngle{Servo: Servo(key), Degrees: deg}
	case Actuator(key).valid():
		on, err := parseSwitch(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCommand, key, err)
		}
		cmd = SetActuator{Actuator: Actuator(key), On: on}
	default:
		return nil, fmt.Errorf("%w: unknown key %q", ErrInvalidCommand, key)
	}

	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// parseInterval accepts a Go duration ("5s") or bare milliseconds.
func parseInterval(s string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("want on or off, got %q", s)
}
