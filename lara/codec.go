package lara

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// Engine.IO packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
)

// Socket.IO packet types, carried inside an Engine.IO message.
const (
	sioConnect    = '0'
	sioDisconnect = '1'
	sioEvent      = '2'
	sioError      = '4'
)

type packet struct {
	eio  byte
	sio  byte
	data []byte
}

type openPayload struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

func decodePacket(data []byte) (p packet, err error) {
	if len(data) == 0 {
		return p, errors.New("empty packet")
	}
	p.eio = data[0]
	data = data[1:]
	if p.eio != eioMessage {
		p.data = data
		return p, nil
	}
	if len(data) == 0 {
		return p, errors.New("empty message packet")
	}
	p.sio = data[0]
	data = data[1:]

	// skip namespace ("/nsp,") and ack id
	if len(data) > 0 && data[0] == '/' {
		for i, c := range data {
			if c == ',' {
				data = data[i+1:]
				break
			}
		}
	}
	for len(data) > 0 && data[0] >= '0' && data[0] <= '9' {
		data = data[1:]
	}
	p.data = data
	return p, nil
}

// decodeEvent splits an event payload into its name and arguments.
func decodeEvent(data []byte) (string, []json.RawMessage, error) {
	var parts []json.RawMessage
	err := json.Unmarshal(data, &parts)
	if err != nil {
		return "", nil, errors.Wrap(err, "decode event")
	}
	if len(parts) == 0 {
		return "", nil, errors.New("event without name")
	}
	var name string
	err = json.Unmarshal(parts[0], &name)
	if err != nil {
		return "", nil, errors.Wrap(err, "decode event name")
	}
	return name, parts[1:], nil
}

// encodeEvent builds a `42["name",payload]` frame.
func encodeEvent(name string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal([]interface{}{name, payload})
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", name)
	}
	return append([]byte{eioMessage, sioEvent}, data...), nil
}

// flexFloat accepts both numbers and numeric strings, as the motion
// service is not consistent between firmware versions. Non-finite
// values are rejected.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	var v float64
	if len(data) > 0 && data[0] == '"' {
		var s string
		err := json.Unmarshal(data, &s)
		if err != nil {
			return err
		}
		v, err = strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
	} else {
		err := json.Unmarshal(data, &v)
		if err != nil {
			return err
		}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errors.Errorf("non-finite value %s", data)
	}
	*f = flexFloat(v)
	return nil
}
