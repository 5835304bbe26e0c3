package plunger

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Temperature is the heater state as reported by the firmware.
type Temperature struct {
	Current float64 `json:"current"`
	Target  float64 `json:"target"`
}

// A Frame is one parsed telemetry line.
//
// Every field is optional; the firmware only reports what changed.
type Frame struct {
	Force       *float64     `json:"force,omitempty"`
	PumpSensor  *float64     `json:"pump_sensor,omitempty"`
	Pump        *float64     `json:"pump,omitempty"`
	Temperature *Temperature `json:"temperature,omitempty"`
	Connected   *int         `json:"connected,omitempty"`

	// Error and Message are set on firmware fault reports,
	// e.g. THERMAL_RUNAWAY.
	Error   string `json:"error,omitempty"`
	Message string `json:"msg,omitempty"`

	// Raw is the line as received, without the trailing newline.
	Raw      []byte    `json:"-"`
	Received time.Time `json:"-"`
}

// HasForce reports if the frame carries a load-cell sample.
func (f Frame) HasForce() bool { return f.Force != nil }

// ProtocolError is returned for lines that are not JSON objects.
type ProtocolError struct {
	Line []byte
	Err  error
}

func (e *ProtocolError) Error() string {
	return "malformed frame '" + string(e.Line) + "': " + e.Err.Error()
}

func parseFrame(line []byte, now time.Time) (*Frame, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, nil
	}
	if line[0] != '{' {
		// firmware debug output, e.g. "deserializeJson() failed: ..."
		return nil, &ProtocolError{Line: line, Err: errors.New("not a json object")}
	}

	var f Frame
	err := json.Unmarshal(line, &f)
	if err != nil {
		return nil, &ProtocolError{Line: line, Err: err}
	}
	f.Raw = append([]byte(nil), line...)
	f.Received = now
	return &f, nil
}
