package lara

// Outbound event names.
const (
	EventCartesianSlider     = "CartesianSlider"
	EventCartesianGotoManual = "CartesianGotoManual"
	EventJointGotoManual     = "JointGotoManual"
	EventPowerOnOff          = "PowerOnOff"
	EventGUICollisionStatus  = "gui_collision_status"
	EventResetCollision      = "reset_collision"
	EventHeartbeatResponse   = "heartbeat_response"
)

// Slider modes and reference frames.
const (
	Absolute = "Absolute"
	Relative = "Relative"

	RefBase = "Base"
	RefTool = "Tool"
)

// SliderDelta is a continuous Cartesian jog. Q holds x,y,z,a,b,c
// velocity fractions in [-1,1].
type SliderDelta struct {
	Q         [6]float64
	AbsRel    string
	Reference string
}

// ZDelta is a slider motion along Z only, in the base frame.
func ZDelta(z float64) SliderDelta {
	return SliderDelta{Q: [6]float64{2: z}, AbsRel: Absolute, Reference: RefBase}
}

// IsZero reports if d commands no motion.
func (d SliderDelta) IsZero() bool { return d.Q == [6]float64{} }

// CartesianGoto is a one-shot positional move. Lengths are in meters,
// angles in radians.
type CartesianGoto struct {
	X, Y, Z  float64
	A, B, C  float64
	Relative bool
}

// JointGoto is a manual joint-space move, in radians.
type JointGoto struct {
	Q [6]float64
}

type manualFlags struct {
	Status    bool   `json:"status"`
	Joint     bool   `json:"joint"`
	Cartesian bool   `json:"cartesian"`
	Freedrive bool   `json:"freedrive"`
	Button    bool   `json:"button"`
	Slider    bool   `json:"slider"`
	Goto      bool   `json:"goto"`
	ThreeD    bool   `json:"threeD"`
	Reference string `json:"reference"`
	AbsRel    string `json:"absrel"`
}

type jointPayload struct {
	Q0 float64 `json:"q0"`
	Q1 float64 `json:"q1"`
	Q2 float64 `json:"q2"`
	Q3 float64 `json:"q3"`
	Q4 float64 `json:"q4"`
	Q5 float64 `json:"q5"`
	manualFlags
}

func newJointPayload(q [6]float64, f manualFlags) jointPayload {
	return jointPayload{Q0: q[0], Q1: q[1], Q2: q[2], Q3: q[3], Q4: q[4], Q5: q[5], manualFlags: f}
}

type gotoPayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	A float64 `json:"a"`
	B float64 `json:"b"`
	C float64 `json:"c"`
	manualFlags
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// sliderPayload translates d into a CartesianSlider body. A stop always
// carries all-zero deltas.
func sliderPayload(d SliderDelta, active bool) jointPayload {
	if !active {
		d.Q = [6]float64{}
	}
	return newJointPayload(d.Q, manualFlags{
		Status:    active,
		Cartesian: true,
		Slider:    true,
		Reference: orDefault(d.Reference, RefBase),
		AbsRel:    orDefault(d.AbsRel, Absolute),
	})
}

func cartesianGotoPayload(g CartesianGoto, active bool) gotoPayload {
	absrel := Absolute
	if g.Relative {
		absrel = Relative
	}
	if !active {
		return gotoPayload{manualFlags: manualFlags{Reference: RefBase, AbsRel: absrel}}
	}
	return gotoPayload{
		X: g.X, Y: g.Y, Z: g.Z,
		A: g.A, B: g.B, C: g.C,
		manualFlags: manualFlags{
			Status:    true,
			Cartesian: true,
			Goto:      true,
			Reference: RefBase,
			AbsRel:    absrel,
		},
	}
}

func jointGotoPayload(g JointGoto, active bool) jointPayload {
	return newJointPayload(g.Q, manualFlags{
		Status:    active,
		Joint:     active,
		Goto:      active,
		Reference: "nil",
		AbsRel:    Absolute,
	})
}

type powerPayload struct {
	RobotStatus bool `json:"robotStatus"`
}

type dataPayload struct {
	Data interface{} `json:"data"`
}

type collisionPayload struct {
	GUICollision string `json:"gui_collision"`
}

type resetPayload struct {
	Reset bool `json:"reset"`
}
