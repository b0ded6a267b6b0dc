// Package telemetry defines the wire model shared between the incubator
// controller and the dashboard: topic names, the sensor reading payload,
// device status, inbound message decoding, operator commands, and the
// short chart history kept for the live view.
package telemetry

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
)

// Fixed broker topics. The controller publishes status, sensors and
// response; the dashboard publishes control.
const (
	TopicStatus   = "incubator/esp32/status"
	TopicSensors  = "incubator/esp32/sensors"
	TopicResponse = "incubator/esp32/response"
	TopicControl  = "incubator/esp32/control"
)

// InboundTopics lists the topics the dashboard subscribes to, in
// subscription order.
func InboundTopics() []string {
	return []string{TopicStatus, TopicSensors, TopicResponse}
}

// Status is the last reported device connection state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// Valid reports whether s is one of the two known states.
func (s Status) Valid() bool {
	return s == StatusOnline || s == StatusOffline
}

// Reading is one sensors payload from the controller. Every field is
// optional: the firmware decides what it sends, and a field missing
// from the payload stays nil rather than defaulting to zero. Keys the
// dashboard does not know about are kept in Extra so that a stored
// reading round-trips unchanged.
//
// Numeric fields are float64 whatever their meaning: the firmware may
// write 3600, 3600.0 or 3.6e3 and all of them are valid readings.
type Reading struct {
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Uptime      *float64 `json:"uptime,omitempty"`    // seconds
	Timestamp   *float64 `json:"timestamp,omitempty"` // device clock
	RSSI        *float64 `json:"rssi,omitempty"`      // dBm
	FreeHeap    *float64 `json:"free_heap,omitempty"` // bytes

	Heater      *bool `json:"heater,omitempty"`
	Fan         *bool `json:"fan,omitempty"`
	InternalFan *bool `json:"internal_fan,omitempty"`
	SolarFans   *bool `json:"solar_fans,omitempty"`
	Solenoid    *bool `json:"solenoid,omitempty"`

	SolarInletAngle *float64 `json:"solar_inlet_angle,omitempty"`
	TopVentAngle    *float64 `json:"top_vent_angle,omitempty"`
	Servo1Angle     *float64 `json:"servo1_angle,omitempty"`
	Servo2Angle     *float64 `json:"servo2_angle,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// readingFields has Reading's layout without its methods so the custom
// (un)marshalers can delegate to encoding/json.
type readingFields Reading

var knownReadingKeys = map[string]struct{}{
	"temperature": {}, "humidity": {}, "uptime": {}, "timestamp": {},
	"rssi": {}, "free_heap": {}, "heater": {}, "fan": {},
	"internal_fan": {}, "solar_fans": {}, "solenoid": {},
	"solar_inlet_angle": {}, "top_vent_angle": {},
	"servo1_angle": {}, "servo2_angle": {},
}

// UnmarshalJSON decodes a sensors payload. The payload must be a JSON
// object; unknown keys land in Extra.
func (r *Reading) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("reading must be a JSON object")
	}

	var fields readingFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for k, v := range raw {
		if _, ok := knownReadingKeys[k]; ok {
			continue
		}
		if fields.Extra == nil {
			fields.Extra = make(map[string]json.RawMessage)
		}
		fields.Extra[k] = v
	}
	*r = Reading(fields)
	return nil
}

// MarshalJSON encodes the known fields and merges Extra back in. Known
// fields win over an Extra entry with the same key.
func (r Reading) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(readingFields(r))
	if err != nil {
		return nil, err
	}
	if len(r.Extra) == 0 {
		return known, nil
	}

	merged := make(map[string]json.RawMessage, len(r.Extra)+len(knownReadingKeys))
	for k, v := range r.Extra {
		merged[k] = v
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Clone returns a copy of r that shares no mutable state with it.
func (r *Reading) Clone() *Reading {
	if r == nil {
		return nil
	}
	c := *r
	c.Temperature = clonePtr(r.Temperature)
	c.Humidity = clonePtr(r.Humidity)
	c.Uptime = clonePtr(r.Uptime)
	c.Timestamp = clonePtr(r.Timestamp)
	c.RSSI = clonePtr(r.RSSI)
	c.FreeHeap = clonePtr(r.FreeHeap)
	c.Heater = clonePtr(r.Heater)
	c.Fan = clonePtr(r.Fan)
	c.InternalFan = clonePtr(r.InternalFan)
	c.SolarFans = clonePtr(r.SolarFans)
	c.Solenoid = clonePtr(r.Solenoid)
	c.SolarInletAngle = clonePtr(r.SolarInletAngle)
	c.TopVentAngle = clonePtr(r.TopVentAngle)
	c.Servo1Angle = clonePtr(r.Servo1Angle)
	c.Servo2Angle = clonePtr(r.Servo2Angle)
	if r.Extra != nil {
		c.Extra = maps.Clone(r.Extra)
	}
	return &c
}

// ActuatorOn reports the state of a named actuator in the reading and
// whether the reading carried it at all.
func (r *Reading) ActuatorOn(a Actuator) (on, ok bool) {
	if r == nil {
		return false, false
	}
	var p *bool
	switch a {
	case ActuatorHeater:
		p = r.Heater
	case ActuatorFan:
		p = r.Fan
	case ActuatorInternalFan:
		p = r.InternalFan
	case ActuatorSolarFans:
		p = r.SolarFans
	case ActuatorSolenoid:
		p = r.Solenoid
	}
	if p == nil {
		return false, false
	}
	return *p, true
}

// InternalFanState reports the internal fan switch. First-generation
// boards send it as "fan".
func (r *Reading) InternalFanState() *bool {
	if r == nil {
		return nil
	}
	return firstNonNil(r.InternalFan, r.Fan)
}

// ServoAngle returns the reported angle of a servo rounded to whole
// degrees, falling back to the older servo1/servo2 field names that
// early firmware used.
func (r *Reading) ServoAngle(s Servo) (int, bool) {
	if r == nil {
		return 0, false
	}
	var p *float64
	switch s {
	case ServoSolarInlet:
		p = firstNonNil(r.SolarInletAngle, r.Servo1Angle)
	case ServoTopVent:
		p = firstNonNil(r.TopVentAngle, r.Servo2Angle)
	}
	if p == nil {
		return 0, false
	}
	return int(math.Round(*p)), true
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func firstNonNil[T any](ps ...*T) *T {
	for _, p := range ps {
		if p != nil {
			return p
		}
	}
	return nil
}

// Ptr returns a pointer to v. Handy for building readings in code.
func Ptr[T any](v T) *T { return &v }
