package plunger

import (
	"encoding/json"
	"strconv"
)

// ValidationError is returned when a command argument is out of range.
type ValidationError struct {
	Field    string
	Min, Max float64
}

func (e *ValidationError) Error() string {
	return e.Field + " must be a number between " +
		strconv.FormatFloat(e.Min, 'f', -1, 64) + " and " +
		strconv.FormatFloat(e.Max, 'f', -1, 64)
}

// A Command is a single-key JSON object understood by the firmware.
type Command struct {
	Key   string
	Value interface{}
}

// MarshalJSON encodes c as {"<key>":<value>}.
func (c Command) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{c.Key: c.Value})
}

// Tare zeroes the load cell.
func Tare() Command { return Command{Key: "tare", Value: 1} }

// Handshake is sent once after opening the port; the firmware
// answers with a light sequence.
func Handshake() Command { return Command{Key: "connected", Value: 1} }

// Pump switches the vacuum pump fully on or off.
func Pump(on bool) Command {
	level := 0
	if on {
		level = 100
	}
	return Command{Key: "pump", Value: level}
}

func checkRange(field string, v, min, max float64) error {
	if v != v || v < min || v > max {
		return &ValidationError{Field: field, Min: min, Max: max}
	}
	return nil
}

// Brightness sets the ring light brightness.
func Brightness(n int) (Command, error) {
	err := checkRange("Brightness", float64(n), 0, 255)
	if err != nil {
		return Command{}, err
	}
	return Command{Key: "brightness", Value: n}, nil
}

// SetTemp sets the heater target in degrees Celsius. Zero turns the heater off.
func SetTemp(t float64) (Command, error) {
	err := checkRange("setTemp", t, 0, 250)
	if err != nil {
		return Command{}, err
	}
	return Command{Key: "setTemp", Value: t}, nil
}

// Leds sets the on/off state of each LED in the ring.
func Leds(states []int) (Command, error) {
	for _, s := range states {
		err := checkRange("leds", float64(s), 0, 1)
		if err != nil {
			return Command{}, err
		}
	}
	return Command{Key: "leds", Value: states}, nil
}
