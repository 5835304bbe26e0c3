package jog

import (
	"encoding/json"
	"time"

	"github.com/mastercactapus/pressctl/lara"
)

// Request is a command from a jog client, e.g.
//
//	{"command":"startMoving","q0":0,"q1":0,"q2":0.5,"q3":0,"q4":0,"q5":0,"absrel":"Absolute","reference":"Base"}
type Request struct {
	Command   string   `json:"command"`
	Q0        *float64 `json:"q0"`
	Q1        *float64 `json:"q1"`
	Q2        *float64 `json:"q2"`
	Q3        *float64 `json:"q3"`
	Q4        *float64 `json:"q4"`
	Q5        *float64 `json:"q5"`
	AbsRel    string   `json:"absrel"`
	Reference string   `json:"reference"`
	Message   string   `json:"message"`
}

// Response is sent back for every request.
type Response struct {
	Status    string     `json:"status,omitempty"`
	Error     string     `json:"error,omitempty"`
	Message   string     `json:"message,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	*Delta
}

// Delta echoes an accepted jog.
type Delta struct {
	Q0        float64 `json:"q0"`
	Q1        float64 `json:"q1"`
	Q2        float64 `json:"q2"`
	Q3        float64 `json:"q3"`
	Q4        float64 `json:"q4"`
	Q5        float64 `json:"q5"`
	AbsRel    string  `json:"absrel"`
	Reference string  `json:"reference"`
}

func (r Request) delta() (lara.SliderDelta, bool) {
	var d lara.SliderDelta
	for i, v := range []*float64{r.Q0, r.Q1, r.Q2, r.Q3, r.Q4, r.Q5} {
		if v == nil {
			return d, false
		}
		d.Q[i] = clamp(*v)
	}
	d.AbsRel = lara.Absolute
	if r.AbsRel == lara.Relative {
		d.AbsRel = lara.Relative
	}
	d.Reference = lara.RefBase
	if r.Reference != "" {
		d.Reference = r.Reference
	}
	return d, true
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

// Handle decodes and executes one client message.
func (j *Jogger) Handle(data []byte) Response {
	var req Request
	err := json.Unmarshal(data, &req)
	if err != nil {
		return Response{Error: "Invalid JSON"}
	}

	switch req.Command {
	case "echo":
		msg := req.Message
		if msg == "" {
			msg = "Echo received"
		}
		now := time.Now()
		return Response{Status: "echo", Message: msg, Timestamp: &now}
	case "startMoving":
		d, ok := req.delta()
		if !ok {
			return Response{Error: "Invalid axis values"}
		}
		err = j.Start(d)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{Status: "started", Delta: &Delta{
			Q0: d.Q[0], Q1: d.Q[1], Q2: d.Q[2], Q3: d.Q[3], Q4: d.Q[4], Q5: d.Q[5],
			AbsRel:    d.AbsRel,
			Reference: d.Reference,
		}}
	case "stopMoving":
		err = j.Stop()
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{Status: "stopped"}
	}
	return Response{Error: "Unknown command"}
}
