package main

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mastercactapus/pressctl/coord"
	"github.com/mastercactapus/pressctl/force"
	"github.com/mastercactapus/pressctl/jog"
	"github.com/mastercactapus/pressctl/lara"
	"github.com/mastercactapus/pressctl/plunger"
	"github.com/mastercactapus/pressctl/recorder"
)

type fakeLink struct {
	mx   sync.Mutex
	sent []string
	snap plunger.Snapshot
}

func (l *fakeLink) Send(c plunger.Command) error {
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	l.mx.Lock()
	defer l.mx.Unlock()
	l.sent = append(l.sent, string(data))
	return nil
}

func (l *fakeLink) Latest() plunger.Snapshot {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.snap
}

func (l *fakeLink) setTemp(cur float64) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.snap.Temperature = &plunger.Temperature{Current: cur}
}

func (l *fakeLink) commands() []string {
	l.mx.Lock()
	defer l.mx.Unlock()
	return append([]string(nil), l.sent...)
}

type fakeRobot struct {
	mx     sync.Mutex
	err    error
	events []string
}

func (r *fakeRobot) record(ev string) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *fakeRobot) SendSliderDelta(d lara.SliderDelta, active bool) error {
	if !active {
		return r.record("slider:stop")
	}
	return r.record("slider")
}

func (r *fakeRobot) SendCartesianGoto(g lara.CartesianGoto, active bool) error {
	return r.record("goto")
}

func (r *fakeRobot) Power(on bool) error {
	if on {
		return r.record("power:on")
	}
	return r.record("power:off")
}

func (r *fakeRobot) SimulateReal(simulate bool) error {
	if simulate {
		return r.record("simulate")
	}
	return r.record("real")
}

func (r *fakeRobot) SendJointGoto(g lara.JointGoto, active bool) error {
	if !active {
		return r.record("joint:stop")
	}
	return r.record("joint")
}

func (r *fakeRobot) SetCollisionDetection(enabled bool) error { return r.record("collision") }
func (r *fakeRobot) ResetCollision() error                    { return r.record("resetCollision") }
func (r *fakeRobot) CheckPower() error                        { return r.record("checkPower") }
func (r *fakeRobot) Connected() bool                          { return true }
func (r *fakeRobot) Pose() coord.Pose                         { return coord.Pose{} }
func (r *fakeRobot) Joints() [6]float64                       { return [6]float64{} }

func (r *fakeRobot) count(ev string) (n int) {
	r.mx.Lock()
	defer r.mx.Unlock()
	for _, e := range r.events {
		if e == ev {
			n++
		}
	}
	return n
}

func newTestAPI(t *testing.T) (*api, *fakeLink, *fakeRobot) {
	link := &fakeLink{}
	rob := &fakeRobot{}
	log := zap.NewNop()
	ctl := force.NewController(force.DefaultConfig(), rob, log)
	a := newAPI(&api{
		link:  link,
		robot: rob,
		ctl:   ctl,
		rec:   recorder.New(log),
		jog:   jog.New(rob, ctl, log),
		push:  newPushHub(0, log),
		temp:  newNotifier(),
		cfg: config{
			DataDir:       t.TempDir(),
			SeekTimeout:   2 * time.Second,
			TempTimeout:   100 * time.Millisecond,
			TempTolerance: 1,
		},
		log:       log,
		listPorts: func() ([]string, error) { return []string{"/dev/ttyACM0"}, nil },
	})
	return a, link, rob
}

func do(a *api, method, target string, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, req)
	var res map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &res)
	return rec, res
}

func TestAPI_Serial(t *testing.T) {
	a, link, _ := newTestAPI(t)

	rec, res := do(a, "POST", "/tare", "")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, true, res["success"])

	rec, res = do(a, "POST", "/togglePump?boolean=yes", "")
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "pumpState must be true or false", res["error"])

	rec, res = do(a, "POST", "/togglePump?boolean=true", "")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, 100.0, res["pumpState"])

	rec, res = do(a, "POST", "/setBrightness?brightness=256", "")
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "Brightness must be a number between 0 and 255", res["error"])

	rec, _ = do(a, "POST", "/setBrightness?brightness=abc", "")
	assert.Equal(t, 400, rec.Code)

	rec, _ = do(a, "POST", "/setBrightness?brightness=128", "")
	assert.Equal(t, 200, rec.Code)

	rec, res = do(a, "POST", "/setHeater?setTemp=251", "")
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "setTemp must be a number between 0 and 250", res["error"])

	rec, _ = do(a, "POST", "/setHeater?setTemp=60", "")
	assert.Equal(t, 200, rec.Code)

	rec, _ = do(a, "POST", "/setLeds", `{"leds":[1,0,1]}`)
	assert.Equal(t, 200, rec.Code)
	rec, _ = do(a, "POST", "/setLeds", `{"leds":[2]}`)
	assert.Equal(t, 400, rec.Code)

	rec, _ = do(a, "GET", "/tare", "")
	assert.Equal(t, 405, rec.Code)

	assert.Equal(t, []string{
		`{"tare":1}`,
		`{"pump":100}`,
		`{"brightness":128}`,
		`{"setTemp":60}`,
		`{"leds":[1,0,1]}`,
	}, link.commands())

	link.mx.Lock()
	link.snap.Pressure = -42.5
	link.mx.Unlock()
	rec, res = do(a, "GET", "/current_pump_pressure", "")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, -42.5, res["pressure"])
}

func TestAPI_MoveUntilPressure(t *testing.T) {
	a, _, rob := newTestAPI(t)

	rec, res := do(a, "POST", "/moveUntilPressure?pressure=10001&wiggle_room=0", "")
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "pressure must be a number between 0 and 10000", res["error"])

	rec, res = do(a, "POST", "/moveUntilPressure?pressure=100", "")
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "wiggle_room must be a number between 0 and 10000", res["error"])

	rec, res = do(a, "POST", "/moveUntilPressure?pressure=100&wiggle_room=-1", "")
	assert.Equal(t, 400, rec.Code)
	assert.Equal(t, "wiggle_room must be a number between 0 and 10000", res["error"])

	type result struct {
		rec *httptest.ResponseRecorder
		res map[string]interface{}
	}
	ch := make(chan result, 1)
	go func() {
		rec, res := do(a, "POST", "/moveUntilPressure?pressure=500&wiggle_room=20", "")
		ch <- result{rec, res}
	}()
	require.Eventually(t, func() bool { return a.ctl.State().Mode == force.ModeSeeking }, time.Second, time.Millisecond)

	for i := 0; i < 50; i++ {
		f := 495.0
		a.ctl.HandleFrame(plunger.Frame{Force: &f})
	}
	r := <-ch
	assert.Equal(t, 200, r.rec.Code)
	assert.Equal(t, true, r.res["success"])
	assert.Equal(t, 500.0, r.res["force"])
	assert.Equal(t, 1, rob.count("slider:stop"))
}

func TestAPI_MoveUntilPressureTimeout(t *testing.T) {
	a, _, rob := newTestAPI(t)
	a.cfg.SeekTimeout = 30 * time.Millisecond

	rec, res := do(a, "POST", "/moveUntilPressure?pressure=500&wiggle_room=0", "")
	assert.Equal(t, 504, rec.Code)
	assert.NotEmpty(t, res["error"])
	assert.Equal(t, force.ModeIdle, a.ctl.State().Mode)
	assert.Equal(t, 1, rob.count("slider:stop"), "arm stopped before responding")
}

func TestAPI_Faulted(t *testing.T) {
	a, _, rob := newTestAPI(t)

	rec, _ := do(a, "POST", "/EmergencyStop", "")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, 1, rob.count("power:off"))

	rec, res := do(a, "POST", "/moveUntilPressure?pressure=500&wiggle_room=0", "")
	assert.Equal(t, 409, rec.Code)
	assert.Equal(t, force.ErrFaulted.Error(), res["error"])

	rec, _ = do(a, "POST", "/keepForce?pressure=500", "")
	assert.Equal(t, 409, rec.Code)

	rec, _ = do(a, "POST", "/power?on=true", "")
	assert.Equal(t, 409, rec.Code)

	f := 0.0
	a.ctl.HandleFrame(plunger.Frame{Force: &f})
	rec, res = do(a, "POST", "/clearFault", "")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, force.ModeIdle, a.ctl.State().Mode)

	rec, _ = do(a, "POST", "/power?on=true", "")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, 1, rob.count("power:on"))
}

func TestAPI_KeepForce(t *testing.T) {
	a, _, rob := newTestAPI(t)

	rec, _ := do(a, "POST", "/keepForce?pressure=2000&wiggle_room=50", "")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, force.ModeHolding, a.ctl.State().Mode)

	rec, _ = do(a, "POST", "/stopKeepForce", "")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, force.ModeIdle, a.ctl.State().Mode)
	assert.Equal(t, 1, rob.count("slider:stop"))
}

func TestAPI_JointGoto(t *testing.T) {
	a, _, rob := newTestAPI(t)

	rec, _ := do(a, "POST", "/jointGoto", `{"joints":[0,0,0],"status":true}`)
	assert.Equal(t, 400, rec.Code)

	require.NoError(t, a.ctl.KeepForce(500, 0))
	rec, _ = do(a, "POST", "/jointGoto", `{"joints":[0.1,0.2,0.3,0.4,0.5,0.6],"status":true}`)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, 1, rob.count("joint"))
	st := a.ctl.State()
	assert.Equal(t, force.ModeIdle, st.Mode, "manual move preempts holding")
	assert.True(t, st.Manual)

	rec, _ = do(a, "POST", "/jointGoto", `{"joints":[0.1,0.2,0.3,0.4,0.5,0.6],"status":false}`)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, 1, rob.count("joint:stop"))

	a.ctl.EmergencyStop()
	rec, _ = do(a, "POST", "/jointGoto", `{"joints":[0,0,0,0,0,0],"status":true}`)
	assert.Equal(t, 409, rec.Code)
	assert.Equal(t, 1, rob.count("joint"))

	// stopping is always allowed
	rec, _ = do(a, "POST", "/jointGoto", `{"joints":[0,0,0,0,0,0],"status":false}`)
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, 2, rob.count("joint:stop"))
}

func TestAPI_RobotDisconnected(t *testing.T) {
	a, _, rob := newTestAPI(t)
	rob.err = lara.ErrDisconnected

	rec, res := do(a, "POST", "/power?on=false", "")
	assert.Equal(t, 502, rec.Code)
	assert.Equal(t, lara.ErrDisconnected.Error(), res["error"])

	rec, _ = do(a, "POST", "/simulate?real=maybe", "")
	assert.Equal(t, 400, rec.Code)

	rob.err = nil
	rec, _ = do(a, "POST", "/simulate?real=true", "")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, 1, rob.count("real"))

	rec, _ = do(a, "POST", "/collision?enabled=false", "")
	assert.Equal(t, 200, rec.Code)
	rec, _ = do(a, "POST", "/resetCollision", "")
	assert.Equal(t, 200, rec.Code)
}

func TestAPI_WaitForTemperature(t *testing.T) {
	a, link, _ := newTestAPI(t)
	a.cfg.TempTimeout = 2 * time.Second
	link.setTemp(25)

	ch := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec, _ := do(a, "POST", "/wait_for_temperature?setTemp=80", "")
		ch <- rec
	}()
	require.Eventually(t, func() bool { return len(link.commands()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, `{"setTemp":80}`, link.commands()[0])

	link.setTemp(79.5)
	a.temp.Broadcast()

	select {
	case rec := <-ch:
		assert.Equal(t, 200, rec.Code)
		assert.Contains(t, rec.Body.String(), "Temperature reached")
	case <-time.After(time.Second):
		t.Fatal("request did not complete")
	}
}

func TestAPI_WaitForTemperatureTimeout(t *testing.T) {
	a, link, _ := newTestAPI(t)
	link.setTemp(25)

	rec, res := do(a, "POST", "/wait_for_temperature?setTemp=80", "")
	assert.Equal(t, 504, rec.Code)
	assert.Equal(t, "Timeout waiting for temperature", res["error"])
	assert.Equal(t, []string{`{"setTemp":80}`, `{"setTemp":0}`}, link.commands())

	rec, _ = do(a, "POST", "/wait_for_temperature?setTemp=300", "")
	assert.Equal(t, 400, rec.Code)
}

func TestAPI_Recording(t *testing.T) {
	a, _, _ := newTestAPI(t)

	rec, _ := do(a, "GET", "/getRecording", "")
	assert.Equal(t, 404, rec.Code)

	rec, res := do(a, "POST", "/startRecording", "")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, true, res["success"])

	a.rec.Feed([]byte(`{"force":1}`))

	rec, res = do(a, "POST", "/startRecording", "")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, false, res["success"])

	s, ok := a.rec.Current()
	require.True(t, ok)
	assert.Equal(t, int64(12), s.BytesWritten)

	rec, res = do(a, "POST", "/stopRecording", "")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, true, res["success"])

	rec, res = do(a, "POST", "/stopRecording", "")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, false, res["success"])

	rec, _ = do(a, "GET", "/getRecording", "")
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
	assert.Equal(t, "{\"force\":1}\n", rec.Body.String())
}

func TestAPI_State(t *testing.T) {
	a, _, _ := newTestAPI(t)

	rec, res := do(a, "GET", "/state", "")
	assert.Equal(t, 200, rec.Code)
	require.Contains(t, res, "controller")
	ctl := res["controller"].(map[string]interface{})
	assert.Equal(t, "idle", ctl["mode"])
	assert.Contains(t, res, "robot")

	rec, res = do(a, "GET", "/ports", "")
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, []interface{}{"/dev/ttyACM0"}, res["ports"])
}
