package lara

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastercactapus/pressctl/coord"
)

func TestDecodePacket(t *testing.T) {
	p, err := decodePacket([]byte(`0{"sid":"abc","pingInterval":25000}`))
	assert.NoError(t, err)
	assert.Equal(t, byte(eioOpen), p.eio)
	assert.Equal(t, `{"sid":"abc","pingInterval":25000}`, string(p.data))

	p, err = decodePacket([]byte(`42["Error","boom"]`))
	assert.NoError(t, err)
	assert.Equal(t, byte(eioMessage), p.eio)
	assert.Equal(t, byte(sioEvent), p.sio)
	assert.Equal(t, `["Error","boom"]`, string(p.data))

	p, err = decodePacket([]byte(`42/robot,17["Error","boom"]`))
	assert.NoError(t, err)
	assert.Equal(t, `["Error","boom"]`, string(p.data))

	_, err = decodePacket(nil)
	assert.Error(t, err)
	_, err = decodePacket([]byte("4"))
	assert.Error(t, err)
}

func TestEncodeEvent(t *testing.T) {
	data, err := encodeEvent(EventPowerOnOff, powerPayload{RobotStatus: false})
	assert.NoError(t, err)
	assert.Equal(t, `42["PowerOnOff",{"robotStatus":false}]`, string(data))
}

func TestParseEvent_Pose(t *testing.T) {
	name, args, err := decodeEvent([]byte(`["Cartesian_Pose",{"X":0.1,"Y":"0.2","Z":0.3,"_W":1}]`))
	require.NoError(t, err)
	assert.Equal(t, EventCartesianPose, name)

	val, err := parseEvent(name, args)
	require.NoError(t, err)
	msg, ok := val.(*PoseMessage)
	require.True(t, ok)

	prev := coord.Pose{Orientation: coord.Quaternion{X: 0.5}}
	p := msg.apply(prev)
	assert.Equal(t, 0.1, p.Position.X)
	assert.Equal(t, 0.2, p.Position.Y)
	assert.Equal(t, 0.3, p.Position.Z)
	assert.Equal(t, 0.5, p.Orientation.X, "missing field keeps previous value")
	assert.Equal(t, 1.0, p.Orientation.W)
}

func TestParseEvent(t *testing.T) {
	parse := func(raw string) (interface{}, error) {
		name, args, err := decodeEvent([]byte(raw))
		require.NoError(t, err)
		return parseEvent(name, args)
	}

	val, err := parse(`["heartbeat_check"]`)
	assert.NoError(t, err)
	assert.IsType(t, &HeartbeatCheck{}, val)

	val, err = parse(`["PowerStatus",{"data":"Power On"}]`)
	assert.NoError(t, err)
	assert.True(t, val.(*PowerStatusMessage).On())

	val, err = parse(`["getCollisionStatus",{"gui_collision":"off"}]`)
	assert.NoError(t, err)
	assert.False(t, val.(*CollisionStatusMessage).Enabled())

	val, err = parse(`["getCollisionStatus",{"gui_collision":true}]`)
	assert.NoError(t, err)
	assert.True(t, val.(*CollisionStatusMessage).Enabled())

	val, err = parse(`["Joint_Angle",{"A1":1,"A6":"-0.5"}]`)
	assert.NoError(t, err)
	assert.Equal(t, [6]float64{1, 0, 0, 0, 0, -0.5}, val.(*JointMessage).apply([6]float64{}))

	val, err = parse(`["Error","collision detected"]`)
	assert.NoError(t, err)
	assert.Equal(t, &ErrorMessage{Text: "collision detected"}, val)

	_, err = parse(`["Mystery",{}]`)
	assert.Error(t, err)

	_, err = parse(`["Cartesian_Pose",{"X":"abc"}]`)
	assert.Error(t, err)
}

func TestSliderPayload(t *testing.T) {
	data, err := json.Marshal(sliderPayload(ZDelta(-0.5), true))
	require.NoError(t, err)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, -0.5, m["q2"])
	assert.Equal(t, true, m["status"])
	assert.Equal(t, true, m["slider"])
	assert.Equal(t, true, m["cartesian"])
	assert.Equal(t, "Base", m["reference"])
	assert.Equal(t, "Absolute", m["absrel"])

	data, err = json.Marshal(sliderPayload(ZDelta(-0.5), false))
	require.NoError(t, err)
	m = nil
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, 0.0, m["q2"], "stop carries zero deltas")
	assert.Equal(t, false, m["status"])
}

func TestCartesianGotoPayload(t *testing.T) {
	p := cartesianGotoPayload(CartesianGoto{Z: 0.101, A: 1, B: 2, C: 3}, true)
	assert.Equal(t, 0.101, p.Z)
	assert.Equal(t, 1.0, p.A)
	assert.True(t, p.Goto)
	assert.True(t, p.Status)

	p = cartesianGotoPayload(CartesianGoto{Z: 0.101, A: 1}, false)
	assert.Equal(t, gotoPayload{manualFlags: manualFlags{Reference: RefBase, AbsRel: Absolute}}, p)
}

func TestJointGotoPayload(t *testing.T) {
	q := JointGoto{Q: [6]float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}}

	data, err := json.Marshal(jointGotoPayload(q, true))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"q0":0.1,"q1":0.2,"q2":0.3,"q3":0.4,"q4":0.5,"q5":0.6,
		"status":true,"joint":true,"cartesian":false,"freedrive":false,
		"button":false,"slider":false,"goto":true,"threeD":false,
		"reference":"nil","absrel":"Absolute"
	}`, string(data))

	data, err = json.Marshal(jointGotoPayload(q, false))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"q0":0.1,"q1":0.2,"q2":0.3,"q3":0.4,"q4":0.5,"q5":0.6,
		"status":false,"joint":false,"cartesian":false,"freedrive":false,
		"button":false,"slider":false,"goto":false,"threeD":false,
		"reference":"nil","absrel":"Absolute"
	}`, string(data))

	data, err = encodeEvent(EventJointGotoManual, jointGotoPayload(q, false))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), `42["JointGotoManual",{"q0":0.1,`))
}

func TestParseEvent_NonFinite(t *testing.T) {
	for _, raw := range []string{
		`["Cartesian_Pose",{"X":"NaN","Y":0.2,"Z":0.3}]`,
		`["Cartesian_Pose",{"X":0.1,"Y":0.2,"Z":"+Inf"}]`,
		`["Joint_Angle",{"A1":"-inf"}]`,
	} {
		name, args, err := decodeEvent([]byte(raw))
		require.NoError(t, err)
		_, err = parseEvent(name, args)
		assert.Error(t, err, raw)
	}

	var f flexFloat
	assert.NoError(t, json.Unmarshal([]byte(`"1.5"`), &f))
	assert.Equal(t, flexFloat(1.5), f)
}
