package main

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mastercactapus/pressctl/coord"
	"github.com/mastercactapus/pressctl/force"
	"github.com/mastercactapus/pressctl/lara"
	"github.com/mastercactapus/pressctl/plunger"
	"github.com/mastercactapus/pressctl/recorder"
)

type frameSource interface {
	Frames() <-chan plunger.Frame
}

type motionSource interface {
	Messages() <-chan interface{}
}

// mirror receives a copy of everything pushed; the MQTT bridge
// implements it.
type mirror interface {
	Telemetry(line []byte)
	Event(v interface{}) error
}

// supervisor is the single loop that orders serial frames, motion
// messages and controller events.
type supervisor struct {
	frames frameSource
	motion motionSource
	ctl    *force.Controller
	rec    *recorder.Recorder
	push   *pushHub
	mirror mirror
	temp   *notifier
	log    *zap.Logger
}

type firmwareFault struct {
	Error   string `json:"error"`
	Message string `json:"msg"`
}

type robotNotice struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

func (s *supervisor) run(ctx context.Context) error {
	frames := s.frames.Frames()
	motion := s.motion.Messages()
	events := s.ctl.Events()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return errors.New("serial link closed")
			}
			s.handleFrame(f)
		case m := <-motion:
			s.handleMotion(m)
		case e := <-events:
			s.notify("controller", e)
		}
	}
}

func (s *supervisor) notify(kind string, v interface{}) {
	s.push.Event(kind, v)
	if s.mirror == nil {
		return
	}
	err := s.mirror.Event(map[string]interface{}{"type": kind, "data": v})
	if err != nil {
		s.log.Warn("mirror event", zap.Error(err))
	}
}

func (s *supervisor) handleFrame(f plunger.Frame) {
	// safety first
	s.ctl.HandleFrame(f)

	s.rec.Feed(f.Raw)
	s.push.Frame(f)
	if s.mirror != nil {
		s.mirror.Telemetry(f.Raw)
	}
	if f.Temperature != nil {
		s.temp.Broadcast()
	}
	if f.Error != "" {
		s.notify("firmware", firmwareFault{Error: f.Error, Message: f.Message})
	}
}

func (s *supervisor) handleMotion(m interface{}) {
	switch msg := m.(type) {
	case coord.Pose:
		s.ctl.HandlePose(msg)
	case *lara.JointMessage, *lara.HeartbeatCheck:
	case *lara.Connected:
		s.notify("robot", robotNotice{Event: "connected"})
	case *lara.Disconnected:
		s.ctl.HandleDisconnect()
		var reason string
		if msg.Err != nil {
			reason = msg.Err.Error()
		}
		s.notify("robot", robotNotice{Event: "disconnected", Data: reason})
	case *lara.PowerStatusMessage:
		s.notify("robot", robotNotice{Event: "power", Data: msg.On()})
	case *lara.CollisionStatusMessage:
		s.notify("robot", robotNotice{Event: "collision", Data: msg.Enabled()})
	case *lara.SimulationMessage:
		s.notify("robot", robotNotice{Event: "simulation", Data: msg.Data})
	case *lara.ErrorMessage:
		s.notify("robot", robotNotice{Event: "error", Data: msg.Text})
	default:
		s.log.Debug("unhandled motion message", zap.Any("msg", m))
	}
}
