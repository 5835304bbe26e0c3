package main

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mastercactapus/pressctl/coord"
	"github.com/mastercactapus/pressctl/force"
	"github.com/mastercactapus/pressctl/jog"
	"github.com/mastercactapus/pressctl/lara"
	"github.com/mastercactapus/pressctl/plunger"
	"github.com/mastercactapus/pressctl/recorder"
)

type serialLink interface {
	Send(c plunger.Command) error
	Latest() plunger.Snapshot
}

type robot interface {
	Power(on bool) error
	SimulateReal(simulate bool) error
	SetCollisionDetection(enabled bool) error
	ResetCollision() error
	CheckPower() error
	SendJointGoto(g lara.JointGoto, active bool) error
	Connected() bool
	Pose() coord.Pose
	Joints() [6]float64
}

type api struct {
	http.Handler

	link  serialLink
	robot robot
	ctl   *force.Controller
	rec   *recorder.Recorder
	jog   *jog.Jogger
	push  *pushHub
	temp  *notifier
	cfg   config
	log   *zap.Logger

	listPorts func() ([]string, error)
}

func newAPI(a *api) *api {
	r := mux.NewRouter()
	a.Handler = r
	if a.listPorts == nil {
		a.listPorts = plunger.ListPorts
	}

	r.HandleFunc("/tare", a.tare).Methods("POST")
	r.HandleFunc("/togglePump", a.togglePump).Methods("POST")
	r.HandleFunc("/setBrightness", a.setBrightness).Methods("POST")
	r.HandleFunc("/setHeater", a.setHeater).Methods("POST")
	r.HandleFunc("/setLeds", a.setLeds).Methods("POST")
	r.HandleFunc("/current_pump_pressure", a.pumpPressure).Methods("GET")
	r.HandleFunc("/wait_for_temperature", a.waitForTemperature).Methods("POST")

	r.HandleFunc("/moveUntilPressure", a.moveUntilPressure).Methods("POST")
	r.HandleFunc("/keepForce", a.keepForce).Methods("POST")
	r.HandleFunc("/stopKeepForce", a.stopKeepForce).Methods("POST")
	r.HandleFunc("/EmergencyStop", a.emergencyStop).Methods("POST")
	r.HandleFunc("/clearFault", a.clearFault).Methods("POST")

	r.HandleFunc("/power", a.power).Methods("POST")
	r.HandleFunc("/simulate", a.simulate).Methods("POST")
	r.HandleFunc("/collision", a.collision).Methods("POST")
	r.HandleFunc("/resetCollision", a.resetCollision).Methods("POST")
	r.HandleFunc("/jointGoto", a.jointGoto).Methods("POST")

	r.HandleFunc("/startRecording", a.startRecording).Methods("POST")
	r.HandleFunc("/stopRecording", a.stopRecording).Methods("POST")
	r.HandleFunc("/getRecording", a.getRecording).Methods("GET")

	r.HandleFunc("/state", a.state).Methods("GET")
	r.HandleFunc("/ports", a.ports).Methods("GET")
	r.HandleFunc("/jog", a.serveJog).Methods("GET")
	r.HandleFunc("/ws", a.push.ServeWS).Methods("GET")
	r.PathPrefix("/events/").Handler(a.push.sse)

	return a
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func errorStatus(err error) int {
	switch e := errors.Cause(err); {
	case isValidation(e):
		return http.StatusBadRequest
	case e == force.ErrFaulted, e == force.ErrSafetyFault, e == force.ErrPreempted, e == force.ErrMaxTravel:
		return http.StatusConflict
	case e == lara.ErrDisconnected:
		return http.StatusBadGateway
	case e == context.DeadlineExceeded:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func isValidation(err error) bool {
	_, ok := err.(*plunger.ValidationError)
	return ok
}

func (a *api) fail(w http.ResponseWriter, op string, err error) {
	status := errorStatus(err)
	if status >= 500 {
		a.log.Error(op, zap.Error(err))
	}
	writeError(w, status, err.Error())
}

// parseNumber reads a numeric query parameter and checks its range.
func parseNumber(req *http.Request, param, field string, min, max float64) (float64, error) {
	v, err := strconv.ParseFloat(req.FormValue(param), 64)
	if err != nil || math.IsNaN(v) || v < min || v > max {
		return 0, &plunger.ValidationError{Field: field, Min: min, Max: max}
	}
	return v, nil
}

func parseBool(req *http.Request, param string) (bool, bool) {
	switch req.FormValue(param) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}

func (a *api) send(w http.ResponseWriter, c plunger.Command, res interface{}) {
	err := a.link.Send(c)
	if err != nil {
		a.fail(w, "serial send", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) tare(w http.ResponseWriter, req *http.Request) {
	a.send(w, plunger.Tare(), map[string]bool{"success": true})
}

func (a *api) togglePump(w http.ResponseWriter, req *http.Request) {
	on, ok := parseBool(req, "boolean")
	if !ok {
		writeError(w, http.StatusBadRequest, "pumpState must be true or false")
		return
	}
	c := plunger.Pump(on)
	a.send(w, c, map[string]interface{}{"success": true, "pumpState": c.Value})
}

func (a *api) setBrightness(w http.ResponseWriter, req *http.Request) {
	v, err := parseNumber(req, "brightness", "Brightness", 0, 255)
	if err != nil {
		a.fail(w, "set brightness", err)
		return
	}
	c, err := plunger.Brightness(int(v))
	if err != nil {
		a.fail(w, "set brightness", err)
		return
	}
	a.send(w, c, map[string]interface{}{"success": true, "brightness": int(v)})
}

func (a *api) setHeater(w http.ResponseWriter, req *http.Request) {
	v, err := parseNumber(req, "setTemp", "setTemp", 0, 250)
	if err != nil {
		a.fail(w, "set heater", err)
		return
	}
	c, err := plunger.SetTemp(v)
	if err != nil {
		a.fail(w, "set heater", err)
		return
	}
	a.send(w, c, map[string]interface{}{"success": true, "setTemp": v})
}

func (a *api) setLeds(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Leds []int `json:"leds"`
	}
	err := json.NewDecoder(req.Body).Decode(&body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if len(body.Leds) == 0 {
		writeError(w, http.StatusBadRequest, "leds must be a non-empty list")
		return
	}
	c, err := plunger.Leds(body.Leds)
	if err != nil {
		a.fail(w, "set leds", err)
		return
	}
	a.send(w, c, map[string]interface{}{"success": true, "leds": body.Leds})
}

func (a *api) pumpPressure(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]float64{"pressure": a.link.Latest().Pressure})
}

func (a *api) waitForTemperature(w http.ResponseWriter, req *http.Request) {
	target, err := parseNumber(req, "setTemp", "setTemp", 0, 250)
	if err != nil {
		a.fail(w, "wait for temperature", err)
		return
	}
	c, _ := plunger.SetTemp(target)
	err = a.link.Send(c)
	if err != nil {
		a.fail(w, "set heater", err)
		return
	}

	t := time.NewTimer(a.cfg.TempTimeout)
	defer t.Stop()
	for {
		changed := a.temp.C()
		if temp := a.link.Latest().Temperature; temp != nil && math.Abs(temp.Current-target) < a.cfg.TempTolerance {
			writeJSON(w, http.StatusOK, map[string]string{"success": "Temperature reached"})
			return
		}

		select {
		case <-changed:
		case <-req.Context().Done():
			return
		case <-t.C:
			a.log.Warn("timeout waiting for temperature, heater off", zap.Float64("target", target))
			off, _ := plunger.SetTemp(0)
			err = a.link.Send(off)
			if err != nil {
				a.log.Error("reset heater", zap.Error(err))
			}
			writeError(w, http.StatusGatewayTimeout, "Timeout waiting for temperature")
			return
		}
	}
}

// parseSetpoint reads pressure and wiggle_room. A missing wiggle_room
// means zero unless it is required.
func parseSetpoint(req *http.Request, needWiggle bool) (target, wiggle float64, err error) {
	target, err = parseNumber(req, "pressure", "pressure", 0, force.MaxTarget)
	if err != nil {
		return 0, 0, err
	}
	if !needWiggle && req.FormValue("wiggle_room") == "" {
		return target, 0, nil
	}
	wiggle, err = parseNumber(req, "wiggle_room", "wiggle_room", 0, force.MaxTarget)
	return target, wiggle, err
}

func (a *api) moveUntilPressure(w http.ResponseWriter, req *http.Request) {
	target, wiggle, err := parseSetpoint(req, true)
	if err != nil {
		a.fail(w, "move until pressure", err)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), a.cfg.SeekTimeout)
	defer cancel()
	res, err := a.ctl.MoveUntilPressure(ctx, target, wiggle)
	if err != nil {
		a.fail(w, "move until pressure", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "force": target, "measured": res.Force})
}

func (a *api) keepForce(w http.ResponseWriter, req *http.Request) {
	target, wiggle, err := parseSetpoint(req, false)
	if err != nil {
		a.fail(w, "keep force", err)
		return
	}
	err = a.ctl.KeepForce(target, wiggle)
	if err != nil {
		a.fail(w, "keep force", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "force": target})
}

func (a *api) stopKeepForce(w http.ResponseWriter, req *http.Request) {
	err := a.ctl.StopKeepForce()
	if err != nil {
		a.fail(w, "stop keep force", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *api) emergencyStop(w http.ResponseWriter, req *http.Request) {
	err := a.jog.Stop()
	if err != nil {
		a.log.Error("stop jog", zap.Error(err))
	}
	a.ctl.EmergencyStop()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *api) clearFault(w http.ResponseWriter, req *http.Request) {
	a.ctl.ClearFault()
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "state": a.ctl.State()})
}

func (a *api) robotCall(w http.ResponseWriter, op string, err error) {
	if err != nil {
		a.fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *api) power(w http.ResponseWriter, req *http.Request) {
	on, ok := parseBool(req, "on")
	if !ok {
		writeError(w, http.StatusBadRequest, "on must be true or false")
		return
	}
	if on && a.ctl.State().Mode == force.ModeFaulted {
		a.fail(w, "power", force.ErrFaulted)
		return
	}
	a.robotCall(w, "power", a.robot.Power(on))
}

func (a *api) simulate(w http.ResponseWriter, req *http.Request) {
	isReal, ok := parseBool(req, "real")
	if !ok {
		writeError(w, http.StatusBadRequest, "real must be true or false")
		return
	}
	a.robotCall(w, "simulate", a.robot.SimulateReal(!isReal))
}

func (a *api) collision(w http.ResponseWriter, req *http.Request) {
	enabled, ok := parseBool(req, "enabled")
	if !ok {
		writeError(w, http.StatusBadRequest, "enabled must be true or false")
		return
	}
	a.robotCall(w, "collision detection", a.robot.SetCollisionDetection(enabled))
}

func (a *api) resetCollision(w http.ResponseWriter, req *http.Request) {
	a.robotCall(w, "reset collision", a.robot.ResetCollision())
}

// jointGoto starts or stops a manual joint move. Starting takes manual
// control from the force controller.
func (a *api) jointGoto(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Joints []float64 `json:"joints"`
		Status bool      `json:"status"`
	}
	err := json.NewDecoder(req.Body).Decode(&body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if len(body.Joints) != 6 {
		writeError(w, http.StatusBadRequest, "joints must be a list of 6 angles")
		return
	}
	var g lara.JointGoto
	copy(g.Q[:], body.Joints)

	if body.Status {
		_, err = a.ctl.ClaimManual()
		if err != nil {
			a.fail(w, "joint goto", err)
			return
		}
	}
	a.robotCall(w, "joint goto", a.robot.SendJointGoto(g, body.Status))
}

func (a *api) startRecording(w http.ResponseWriter, req *http.Request) {
	name := filepath.Join(a.cfg.DataDir, recorder.FileName(time.Now()))
	err := a.rec.Start(name, a.cfg.MaxRecordBytes)
	if err == recorder.ErrAlreadyRecording {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	if err != nil {
		a.fail(w, "start recording", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "file": filepath.Base(name)})
}

func (a *api) stopRecording(w http.ResponseWriter, req *http.Request) {
	s, ok := a.rec.Stop()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": false, "error": "not recording"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "recording": s})
}

func (a *api) getRecording(w http.ResponseWriter, req *http.Request) {
	name, ok := a.rec.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "no recording available")
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(name)+`"`)
	w.Header().Set("Content-Type", "application/x-ndjson")
	http.ServeFile(w, req, name)
}

type robotState struct {
	Connected bool       `json:"connected"`
	Pose      coord.Pose `json:"pose"`
	Joints    [6]float64 `json:"joints"`
}

func (a *api) state(w http.ResponseWriter, req *http.Request) {
	rec, recording := a.rec.Current()
	res := map[string]interface{}{
		"controller": a.ctl.State(),
		"serial":     a.link.Latest(),
		"robot": robotState{
			Connected: a.robot.Connected(),
			Pose:      a.robot.Pose(),
			Joints:    a.robot.Joints(),
		},
	}
	if recording {
		res["recording"] = rec
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) ports(w http.ResponseWriter, req *http.Request) {
	list, err := a.listPorts()
	if err != nil {
		a.fail(w, "list ports", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"ports": list})
}
