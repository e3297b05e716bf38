package main

import (
	"time"

	"github.com/juju/errors"
)

// Sensor identifies a reading in a tagged telemetry frame.
type Sensor byte

const (
	SensorTemperature Sensor = 1
	SensorWindow      Sensor = 2
	SensorAlarm       Sensor = 3
)

func (s Sensor) String() string {
	switch s {
	case SensorTemperature:
		return "temperature"
	case SensorWindow:
		return "window"
	case SensorAlarm:
		return "alarm"
	}
	return "unknown"
}

// SensorUpdate is one decoded reading.
// Value is degrees Celsius for temperature and 0 or 1 for window and alarm.
type SensorUpdate struct {
	Sensor Sensor
	Value  int
}

// FrameFormat selects how inbound bytes are interpreted.
type FrameFormat string

const (
	// FormatTagged is a sequence of (tag, value) byte pairs.
	FormatTagged FrameFormat = "tagged"
	// FormatPositional is a fixed {temperature, window, alarm} triple used by early firmware.
	FormatPositional FrameFormat = "positional"
)

// Decoder turns one frame into sensor updates.
type Decoder func(frame []byte) []SensorUpdate

func (f FrameFormat) Decoder() (Decoder, error) {
	switch f {
	case FormatTagged, "":
		return Decode, nil
	case FormatPositional:
		return DecodePositional, nil
	}
	return nil, errors.NotValidf("frame format %q", string(f))
}

// Decode walks a tagged frame two bytes at a time.
// Unknown tags are skipped together with their value, window and alarm
// values other than 0 and 1 yield nothing, and a trailing unpaired byte is
// dropped.
func Decode(frame []byte) []SensorUpdate {
	var out []SensorUpdate
	for i := 0; i+1 < len(frame); i += 2 {
		if u, ok := decodeValue(Sensor(frame[i]), frame[i+1]); ok {
			out = append(out, u)
		}
	}
	return out
}

// DecodePositional reads the first three bytes as temperature, window and alarm.
// Shorter frames are incomplete and produce no updates.
func DecodePositional(frame []byte) []SensorUpdate {
	if len(frame) < 3 {
		return nil
	}
	out := make([]SensorUpdate, 0, 3)
	for i, s := range [...]Sensor{SensorTemperature, SensorWindow, SensorAlarm} {
		if u, ok := decodeValue(s, frame[i]); ok {
			out = append(out, u)
		}
	}
	return out
}

func decodeValue(s Sensor, b byte) (SensorUpdate, bool) {
	switch s {
	case SensorTemperature:
		return SensorUpdate{Sensor: s, Value: int(int8(b))}, true
	case SensorWindow, SensorAlarm:
		if b > 1 {
			return SensorUpdate{}, false
		}
		return SensorUpdate{Sensor: s, Value: int(b)}, true
	}
	return SensorUpdate{}, false
}

type WindowStatus string

const (
	WindowUnknown WindowStatus = ""
	WindowClosed  WindowStatus = "closed"
	WindowOpen    WindowStatus = "open"
)

type AlarmStatus string

const (
	AlarmUnknown AlarmStatus = ""
	AlarmOff     AlarmStatus = "off"
	AlarmOn      AlarmStatus = "on"
)

// SensorState is the last known reading of every sensor.
type SensorState struct {
	Temperature    int          `json:"temperature"`
	HasTemperature bool         `json:"has_temperature"`
	Window         WindowStatus `json:"window,omitempty"`
	Alarm          AlarmStatus  `json:"alarm,omitempty"`
	Updated        time.Time    `json:"updated,omitempty"`
}

// Apply folds u into the state and reports whether anything changed.
func (s *SensorState) Apply(u SensorUpdate, now time.Time) bool {
	changed := false
	switch u.Sensor {
	case SensorTemperature:
		changed = !s.HasTemperature || s.Temperature != u.Value
		s.Temperature = u.Value
		s.HasTemperature = true
	case SensorWindow:
		w := WindowClosed
		if u.Value == 1 {
			w = WindowOpen
		}
		changed = s.Window != w
		s.Window = w
	case SensorAlarm:
		a := AlarmOff
		if u.Value == 1 {
			a = AlarmOn
		}
		changed = s.Alarm != a
		s.Alarm = a
	default:
		return false
	}
	s.Updated = now
	return changed
}
