package plunger

import (
	"github.com/pkg/errors"
	bugserial "go.bug.st/serial"
)

// ListPorts returns the serial ports present on this host.
func ListPorts() ([]string, error) {
	ports, err := bugserial.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "list serial ports")
	}
	return ports, nil
}
