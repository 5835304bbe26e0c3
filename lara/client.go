package lara

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mastercactapus/pressctl/coord"
)

// ErrDisconnected is returned by all send methods while no session
// with the motion service is established.
var ErrDisconnected = errors.New("motion service disconnected")

// ReconnectPolicy controls what Run does after a session ends.
type ReconnectPolicy struct {
	Enabled bool
	Delay   time.Duration
}

// Config configures a Client.
type Config struct {
	// URL of the motion service, e.g. http://192.168.2.13:8081.
	URL string

	// EIO is the Engine.IO protocol revision (3 or 4).
	EIO int

	Reconnect    ReconnectPolicy
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

// Outgoing message states. A message is written only if the session
// claims it before the sender gives up.
const (
	msgQueued int32 = iota
	msgWriting
	msgAbandoned
)

type message struct {
	gen     uint64
	payload []byte
	done    chan error
	state   *int32
}

func newMessage(gen uint64, payload []byte) message {
	return message{gen: gen, payload: payload, done: make(chan error, 1), state: new(int32)}
}

// claim marks msg as being written. It returns false if the sender
// has already abandoned it.
func (m message) claim() bool {
	return atomic.CompareAndSwapInt32(m.state, msgQueued, msgWriting)
}

// abandon withdraws msg. It returns false if the session already
// claimed it.
func (m message) abandon() bool {
	return atomic.CompareAndSwapInt32(m.state, msgQueued, msgAbandoned)
}

// Client is a Socket.IO connection to the robot motion service.
type Client struct {
	cfg Config
	log *zap.Logger

	outgoing chan message
	incoming chan interface{}

	mx        sync.RWMutex
	connected bool
	gen       uint64
	pose      coord.Pose
	joints    [6]float64
}

// NewClient creates a Client; nothing is dialed until Run is called.
func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.EIO == 0 {
		cfg.EIO = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = time.Second
	}
	if cfg.Reconnect.Delay == 0 {
		cfg.Reconnect.Delay = 3 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:      cfg,
		log:      log,
		outgoing: make(chan message, 64),
		incoming: make(chan interface{}, 1000),
	}
}

// Messages delivers inbound events in arrival order, plus Connected
// and Disconnected notices.
func (c *Client) Messages() <-chan interface{} { return c.incoming }

// Connected reports if a session is currently established.
func (c *Client) Connected() bool {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.connected
}

// Pose returns the latest reported tool pose.
func (c *Client) Pose() coord.Pose {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.pose
}

// Joints returns the latest reported joint angles.
func (c *Client) Joints() [6]float64 {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.joints
}

func endpoint(raw string, eio int) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrap(err, "parse motion service url")
	}
	switch u.Scheme {
	case "http", "ws", "":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.New("unsupported scheme: " + u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	}
	q := u.Query()
	q.Set("EIO", strconv.Itoa(eio))
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) deliver(v interface{}) {
	select {
	case c.incoming <- v:
	default:
		c.log.Warn("message queue full, dropping", zap.String("type", typeName(v)))
	}
}

func typeName(v interface{}) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", v), "*lara.")
}

func (c *Client) setConnected(connected bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.connected = connected
	c.gen++
}

// Run connects and serves the session until ctx is done. When the
// reconnect policy is disabled Run returns after the first session ends.
func (c *Client) Run(ctx context.Context) error {
	addr, err := endpoint(c.cfg.URL, c.cfg.EIO)
	if err != nil {
		return err
	}

	for {
		c.log.Info("connecting to motion service", zap.String("url", addr))
		err = c.session(ctx, addr)
		c.deliver(&Disconnected{Err: err})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !c.cfg.Reconnect.Enabled {
			return err
		}
		c.log.Error("motion service session ended, reconnecting",
			zap.Error(err), zap.Duration("delay", c.cfg.Reconnect.Delay))

		t := time.NewTimer(c.cfg.Reconnect.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) handshake(ws *websocket.Conn) (*openPayload, error) {
	ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer ws.SetReadDeadline(time.Time{})

	var open *openPayload
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil, errors.Wrap(err, "handshake")
		}
		p, err := decodePacket(data)
		if err != nil {
			return nil, errors.Wrap(err, "handshake")
		}
		switch {
		case p.eio == eioOpen:
			open = new(openPayload)
			err = json.Unmarshal(p.data, open)
			if err != nil {
				return nil, errors.Wrap(err, "decode open packet")
			}
			if c.cfg.EIO >= 4 {
				err = ws.WriteMessage(websocket.TextMessage, []byte{eioMessage, sioConnect})
				if err != nil {
					return nil, errors.Wrap(err, "namespace connect")
				}
			}
		case p.eio == eioPing:
			err = ws.WriteMessage(websocket.TextMessage, append([]byte{eioPong}, p.data...))
			if err != nil {
				return nil, errors.Wrap(err, "pong")
			}
		case p.eio == eioMessage && p.sio == sioConnect:
			if open == nil {
				return nil, errors.New("connect before open packet")
			}
			return open, nil
		case p.eio == eioMessage && p.sio == sioError:
			return nil, errors.New("connect refused: " + string(p.data))
		}
	}
}

func (c *Client) session(ctx context.Context, addr string) error {
	ws, _, err := c.cfg.Dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer ws.Close()

	open, err := c.handshake(ws)
	if err != nil {
		return err
	}
	c.setConnected(true)
	defer c.setConnected(false)
	c.log.Info("connected to motion service", zap.String("sid", open.SID))
	c.deliver(&Connected{SID: open.SID})

	replies := make(chan []byte, 16)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go c.readLoop(ws, replies, readErr, stop)

	// Engine.IO v3 clients drive the heartbeat.
	var ping <-chan time.Time
	if c.cfg.EIO < 4 && open.PingInterval > 0 {
		t := time.NewTicker(time.Duration(open.PingInterval) * time.Millisecond)
		defer t.Stop()
		ping = t.C
	}

	write := func(data []byte) error {
		ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		return ws.WriteMessage(websocket.TextMessage, data)
	}

	for {
		select {
		case <-ctx.Done():
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return ctx.Err()
		case err = <-readErr:
			return err
		case <-ping:
			err = write([]byte{eioPing})
			if err != nil {
				return errors.Wrap(err, "ping")
			}
		case data := <-replies:
			err = write(data)
			if err != nil {
				return errors.Wrap(err, "reply")
			}
		case msg := <-c.outgoing:
			if !msg.claim() {
				// abandoned by a timed-out sender
				continue
			}
			if msg.gen != c.generation() {
				// queued for an earlier session
				msg.done <- ErrDisconnected
				continue
			}
			err = write(msg.payload)
			if err != nil {
				msg.done <- errors.Wrapf(ErrDisconnected, "write: %v", err)
				return errors.Wrap(err, "send")
			}
			msg.done <- nil
		}
	}
}

func (c *Client) generation() uint64 {
	c.mx.RLock()
	defer c.mx.RUnlock()
	return c.gen
}

func (c *Client) readLoop(ws *websocket.Conn, replies chan<- []byte, done chan<- error, stop <-chan struct{}) {
	reply := func(data []byte) {
		select {
		case replies <- data:
		case <-stop:
		}
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			done <- errors.Wrap(err, "read")
			return
		}
		p, err := decodePacket(data)
		if err != nil {
			c.log.Debug("bad packet", zap.Error(err))
			continue
		}

		switch p.eio {
		case eioPing:
			reply(append([]byte{eioPong}, p.data...))
			continue
		case eioClose:
			done <- errors.New("closed by server")
			return
		case eioMessage:
		default:
			continue
		}

		switch p.sio {
		case sioDisconnect:
			done <- errors.New("disconnected by server")
			return
		case sioError:
			c.log.Warn("socket.io error", zap.ByteString("data", p.data))
			continue
		case sioEvent:
		default:
			continue
		}

		name, args, err := decodeEvent(p.data)
		if err != nil {
			c.log.Debug("bad event", zap.Error(err))
			continue
		}
		val, err := parseEvent(name, args)
		if err != nil {
			c.log.Debug("ignore event", zap.Error(err))
			continue
		}
		c.handle(val, reply)
	}
}

func (c *Client) handle(val interface{}, reply func([]byte)) {
	switch msg := val.(type) {
	case *HeartbeatCheck:
		data, _ := encodeEvent(EventHeartbeatResponse, true)
		reply(data)
		return
	case *PoseMessage:
		c.mx.Lock()
		pose := msg.apply(c.pose)
		pose.Seq = c.pose.Seq + 1
		pose.Time = time.Now()
		c.pose = pose
		c.mx.Unlock()
		c.deliver(pose)
		return
	case *JointMessage:
		c.mx.Lock()
		c.joints = msg.apply(c.joints)
		c.mx.Unlock()
	case *ErrorMessage:
		c.log.Warn("motion service", zap.String("message", msg.Text))
	}
	c.deliver(val)
}

// Emit sends a raw event and waits until it has been written.
func (c *Client) Emit(name string, payload interface{}) error {
	data, err := encodeEvent(name, payload)
	if err != nil {
		return err
	}

	c.mx.RLock()
	connected, gen := c.connected, c.gen
	c.mx.RUnlock()
	if !connected {
		return ErrDisconnected
	}

	msg := newMessage(gen, data)
	select {
	case c.outgoing <- msg:
	default:
		return errors.Wrap(ErrDisconnected, "send queue full")
	}

	t := time.NewTimer(c.cfg.WriteTimeout)
	defer t.Stop()
	select {
	case err = <-msg.done:
		return err
	case <-t.C:
	}
	if msg.abandon() {
		return errors.Wrapf(ErrDisconnected, "%s: write timeout", name)
	}
	// already on the wire; the write deadline bounds this
	return <-msg.done
}

// SendSliderDelta starts (active) or stops a continuous Cartesian jog.
// The service keeps moving only while it receives repeated active
// sliders; every start must be paired with a stop.
func (c *Client) SendSliderDelta(d SliderDelta, active bool) error {
	return c.Emit(EventCartesianSlider, sliderPayload(d, active))
}

// SendCartesianGoto starts or stops a positional move.
func (c *Client) SendCartesianGoto(g CartesianGoto, active bool) error {
	return c.Emit(EventCartesianGotoManual, cartesianGotoPayload(g, active))
}

// SendJointGoto starts or stops a manual joint move.
func (c *Client) SendJointGoto(g JointGoto, active bool) error {
	return c.Emit(EventJointGotoManual, jointGotoPayload(g, active))
}

// Power switches robot power.
func (c *Client) Power(on bool) error {
	return c.Emit(EventPowerOnOff, powerPayload{RobotStatus: on})
}

// SimulateReal switches between simulation (true) and the real arm.
func (c *Client) SimulateReal(simulate bool) error {
	return c.Emit(EventSimulateReal, dataPayload{Data: simulate})
}

// SetCollisionDetection enables or disables GUI collision detection.
func (c *Client) SetCollisionDetection(enabled bool) error {
	status := "off"
	if enabled {
		status = "on"
	}
	return c.Emit(EventGUICollisionStatus, collisionPayload{GUICollision: status})
}

// ResetCollision clears a latched collision stop.
func (c *Client) ResetCollision() error {
	return c.Emit(EventResetCollision, resetPayload{Reset: true})
}

// CheckPower requests a PowerStatus report.
func (c *Client) CheckPower() error {
	return c.Emit(EventPowerStatus, dataPayload{Data: "CheckPower"})
}
