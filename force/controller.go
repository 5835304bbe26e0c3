package force

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/mastercactapus/pressctl/coord"
	"github.com/mastercactapus/pressctl/lara"
	"github.com/mastercactapus/pressctl/plunger"
)

// MaxTarget is the largest accepted force setpoint.
const MaxTarget = 10000

// Mover is the motion surface the controller drives.
type Mover interface {
	SendSliderDelta(d lara.SliderDelta, active bool) error
	SendCartesianGoto(g lara.CartesianGoto, active bool) error
	Power(on bool) error
}

// Config holds controller tuning.
type Config struct {
	Gains Gains

	// Limit bounds the control signal, i.e. the slider velocity fraction.
	Limit float64

	// DeadBand is the signal magnitude below which no motion is commanded.
	DeadBand float64

	// ConvergeTicks is the number of consecutive settled ticks that
	// complete a seek.
	ConvergeTicks int

	// StallEpsilon is the per-tick displacement, in meters, below which
	// a commanding tick counts towards a stall.
	StallEpsilon float64
	StallTicks   int

	// UnstickLift is the upward move, in meters, of the unstick maneuver.
	UnstickLift     float64
	UnstickDuration time.Duration

	// Ceiling is the default force limit; PressCeiling applies
	// while seeking or holding.
	Ceiling      float64
	PressCeiling float64

	// WarnRatio of the active ceiling raises a one-shot warning.
	WarnRatio float64

	// MaxTravel is the deepest a seek may move below its start pose, in meters.
	MaxTravel float64
}

// DefaultConfig returns the shipped tuning.
func DefaultConfig() Config {
	return Config{
		Gains:           Gains{Kp: 0.0005},
		Limit:           1,
		DeadBand:        0.02,
		ConvergeTicks:   50,
		StallEpsilon:    0.00002,
		StallTicks:      100,
		UnstickLift:     0.001,
		UnstickDuration: time.Second,
		Ceiling:         MaxTarget,
		WarnRatio:       0.9,
		MaxTravel:       0.010,
	}
}

type seekWait struct {
	done   chan struct{}
	result Result
	err    error
}

// Controller is the force-control state machine. HandleFrame, HandlePose
// and HandleDisconnect are driven by a single supervisor loop; all other
// methods may be called from any goroutine.
type Controller struct {
	cfg Config
	mv  Mover
	log *zap.Logger

	events chan Event
	now    func() time.Time

	mx sync.Mutex

	sp     Setpoint
	limit  SafetyLimit
	pid    PID
	force  float64
	fault  string
	acked  bool
	warned bool

	seek *seekWait

	settled    int
	stallCount int
	pose       coord.Pose
	tickPose   coord.Pose
	startPose  coord.Pose

	unsticking   bool
	unstickUntil time.Time

	manualCancel context.CancelFunc
}

// NewController creates an idle Controller driving mv.
func NewController(cfg Config, mv Mover, log *zap.Logger) *Controller {
	if cfg.PressCeiling == 0 {
		cfg.PressCeiling = cfg.Ceiling
	}
	return &Controller{
		cfg:    cfg,
		mv:     mv,
		log:    log,
		events: make(chan Event, 100),
		now:    time.Now,
		limit:  SafetyLimit{Ceiling: cfg.Ceiling, Armed: true},
		pid:    PID{Gains: cfg.Gains, Limit: cfg.Limit},
	}
}

// Events delivers controller notices. Notices are dropped if the
// channel is not drained.
func (c *Controller) Events() <-chan Event { return c.events }

// State returns a snapshot of the controller.
func (c *Controller) State() Status {
	c.mx.Lock()
	defer c.mx.Unlock()
	return Status{
		Setpoint:   c.sp,
		Limit:      c.limit,
		Force:      c.force,
		Fault:      c.fault,
		Unsticking: c.unsticking,
		Manual:     c.manualCancel != nil,
	}
}

func (c *Controller) publish(kind EventKind, msg string) {
	e := Event{
		Kind:    kind,
		Mode:    c.sp.Mode,
		Target:  c.sp.Target,
		Force:   c.force,
		Message: msg,
		Time:    c.now(),
	}
	select {
	case c.events <- e:
	default:
		c.log.Warn("event queue full, dropping", zap.String("kind", string(kind)))
	}
}

func (c *Controller) setMode(m Mode) {
	if c.sp.Mode == m {
		return
	}
	c.log.Info("mode change", zap.Stringer("from", c.sp.Mode), zap.Stringer("to", m))
	c.sp.Mode = m
	// the raised ceiling is kept until the force has been released,
	// see checkSafety
	if m.pressing() {
		c.limit.Ceiling = c.cfg.PressCeiling
	}
	c.publish(EventModeChanged, "")
}

func (c *Controller) finishSeek(res Result, err error) {
	if c.seek == nil {
		return
	}
	c.seek.result = res
	c.seek.err = err
	close(c.seek.done)
	c.seek = nil
}

func (c *Controller) releaseManual() {
	if c.manualCancel == nil {
		return
	}
	c.manualCancel()
	c.manualCancel = nil
}

// halt sends the terminating stop for any motion in progress.
func (c *Controller) halt() error {
	var gotoErr error
	if c.unsticking {
		c.unsticking = false
		gotoErr = c.mv.SendCartesianGoto(lara.CartesianGoto{}, false)
	}
	err := c.mv.SendSliderDelta(lara.SliderDelta{}, false)
	if err != nil {
		return err
	}
	return gotoErr
}

// preempt ends the current automatic mode, if any.
func (c *Controller) preempt() error {
	if !c.sp.Mode.pressing() {
		return nil
	}
	err := c.halt()
	c.finishSeek(Result{Force: c.force, Target: c.sp.Target}, ErrPreempted)
	c.setMode(ModeIdle)
	return err
}

func (c *Controller) start(m Mode, target, wiggle float64) error {
	if target < 0 || target > MaxTarget || math.IsNaN(target) {
		return &plunger.ValidationError{Field: "pressure", Min: 0, Max: MaxTarget}
	}
	if wiggle < 0 || wiggle > MaxTarget || math.IsNaN(wiggle) {
		return &plunger.ValidationError{Field: "wiggle_room", Min: 0, Max: MaxTarget}
	}
	if c.sp.Mode == ModeFaulted {
		return ErrFaulted
	}
	err := c.preempt()
	if err != nil {
		return errors.Wrap(err, "stop previous motion")
	}
	c.releaseManual()

	c.pid.Reset()
	c.settled = 0
	c.stallCount = 0
	c.tickPose = c.pose
	c.startPose = c.pose
	c.sp.Target = target
	c.sp.WiggleRoom = wiggle
	c.setMode(m)
	c.publish(EventTargetChanged, "")
	return nil
}

// MoveUntilPressure seeks target and blocks until the seek converges,
// fails, or ctx is done. Cancelling ctx stops the arm.
func (c *Controller) MoveUntilPressure(ctx context.Context, target, wiggle float64) (Result, error) {
	c.mx.Lock()
	err := c.start(ModeSeeking, target, wiggle)
	if err != nil {
		c.mx.Unlock()
		return Result{}, err
	}
	w := &seekWait{done: make(chan struct{})}
	c.seek = w
	c.mx.Unlock()

	select {
	case <-w.done:
		return w.result, w.err
	case <-ctx.Done():
	}

	c.mx.Lock()
	defer c.mx.Unlock()
	if c.seek != w {
		// finished while we were waiting for the lock
		return w.result, w.err
	}
	stopErr := c.halt()
	c.finishSeek(Result{Force: c.force, Target: target}, ctx.Err())
	c.setMode(ModeIdle)
	if stopErr != nil {
		c.log.Error("stop after cancelled seek", zap.Error(stopErr))
	}
	return w.result, w.err
}

// KeepForce holds target until StopKeepForce or Cancel.
func (c *Controller) KeepForce(target, wiggle float64) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.start(ModeHolding, target, wiggle)
}

// StopKeepForce ends holding. A terminating stop is sent unless a seek
// is in progress.
func (c *Controller) StopKeepForce() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	switch c.sp.Mode {
	case ModeSeeking:
		return nil
	case ModeHolding:
		err := c.halt()
		c.setMode(ModeIdle)
		return err
	}
	return c.mv.SendSliderDelta(lara.SliderDelta{}, false)
}

// Cancel ends any automatic mode and always sends a terminating stop.
func (c *Controller) Cancel() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.sp.Mode.pressing() {
		return c.preempt()
	}
	return c.mv.SendSliderDelta(lara.SliderDelta{}, false)
}

// EmergencyStop stops all motion and powers the robot off.
func (c *Controller) EmergencyStop() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.trip("emergency stop")
	return nil
}

// ClearFault acknowledges a fault. The controller returns to idle once
// the force has also dropped below half the default ceiling.
func (c *Controller) ClearFault() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.sp.Mode != ModeFaulted {
		return nil
	}
	c.acked = true
	if c.limit.Armed {
		c.unfault()
	}
	return nil
}

func (c *Controller) unfault() {
	c.log.Info("fault cleared", zap.String("fault", c.fault))
	c.fault = ""
	c.acked = false
	c.setMode(ModeIdle)
}

// ClaimManual arbitrates manual jogging. Automatic modes are preempted;
// the returned context is cancelled once an automatic mode or a fault
// takes over.
func (c *Controller) ClaimManual() (context.Context, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.sp.Mode == ModeFaulted {
		return nil, ErrFaulted
	}
	err := c.preempt()
	if err != nil {
		return nil, errors.Wrap(err, "stop automatic motion")
	}
	c.releaseManual()
	ctx, cancel := context.WithCancel(context.Background())
	c.manualCancel = cancel
	return ctx, nil
}

// trip stops the arm, powers it off and enters Faulted.
func (c *Controller) trip(reason string) {
	c.log.Error("safety stop", zap.String("reason", reason), zap.Float64("force", c.force))
	err := c.halt()
	if err != nil {
		c.log.Error("stop motion", zap.Error(err))
	}
	err = c.mv.Power(false)
	if err != nil {
		c.log.Error("power off", zap.Error(err))
	}
	c.limit.Armed = false
	c.fault = reason
	c.acked = false
	c.warned = false
	c.finishSeek(Result{Force: c.force, Target: c.sp.Target}, errors.Wrap(ErrSafetyFault, reason))
	c.releaseManual()
	c.setMode(ModeFaulted)
	c.publish(EventFault, reason)
}

// checkSafety runs before anything else on every sample. It returns
// false if control must not run this tick.
func (c *Controller) checkSafety() bool {
	if c.limit.Armed && c.force > c.limit.Ceiling {
		c.trip(fmt.Sprintf("force %g exceeded ceiling %g", c.force, c.limit.Ceiling))
		return false
	}

	if c.sp.Mode == ModeFaulted {
		if !c.limit.Armed && c.force < c.cfg.Ceiling/2 {
			c.log.Info("force cooled down, safety limit re-armed", zap.Float64("force", c.force))
			c.limit = SafetyLimit{Ceiling: c.cfg.Ceiling, Armed: true}
			if c.acked {
				c.unfault()
			}
		}
		return false
	}

	if !c.sp.Mode.pressing() && c.limit.Ceiling != c.cfg.Ceiling && c.force < c.cfg.Ceiling/2 {
		c.log.Info("force released, ceiling lowered", zap.Float64("force", c.force), zap.Float64("ceiling", c.cfg.Ceiling))
		c.limit.Ceiling = c.cfg.Ceiling
	}

	warnAt := c.limit.Ceiling * c.cfg.WarnRatio
	switch {
	case c.force > warnAt && !c.warned:
		c.warned = true
		c.log.Warn("force near ceiling", zap.Float64("force", c.force), zap.Float64("ceiling", c.limit.Ceiling))
		c.publish(EventWarning, fmt.Sprintf("force near ceiling %g", c.limit.Ceiling))
	case c.force <= warnAt:
		c.warned = false
	}
	return true
}

// linkFailed stops commanding after a motion link error. A single
// best-effort stop is sent; motion is never retried.
func (c *Controller) linkFailed(err error) {
	c.log.Error("motion link failed, stopping", zap.Error(err))
	stopErr := c.halt()
	if stopErr != nil {
		c.log.Debug("stop after link failure", zap.Error(stopErr))
	}
	c.finishSeek(Result{Force: c.force, Target: c.sp.Target}, errors.Wrap(err, "motion link"))
	c.setMode(ModeIdle)
}

// HandleFrame processes one telemetry frame. Frames without a force
// sample are ignored.
func (c *Controller) HandleFrame(f plunger.Frame) {
	if !f.HasForce() {
		return
	}
	c.mx.Lock()
	defer c.mx.Unlock()

	c.force = *f.Force
	if !c.checkSafety() || !c.sp.Mode.pressing() {
		return
	}

	now := c.now()
	if c.unsticking {
		if now.Before(c.unstickUntil) {
			return
		}
		c.unsticking = false
		c.stallCount = 0
		c.tickPose = c.pose
		c.pid.Reset()
		err := c.mv.SendCartesianGoto(lara.CartesianGoto{}, false)
		if err != nil {
			c.linkFailed(err)
			return
		}
	}

	c.tick(now)
}

func (c *Controller) tick(now time.Time) {
	errVal := c.force - c.sp.Target
	signal := c.pid.Update(errVal, now)

	if math.Abs(signal) < c.cfg.DeadBand || math.Abs(errVal) <= c.sp.WiggleRoom {
		c.stallCount = 0
		c.tickPose = c.pose
		if c.sp.Mode == ModeSeeking {
			c.settled++
			if c.settled >= c.cfg.ConvergeTicks {
				c.converged()
				return
			}
		}
		// zero-velocity heartbeat keeps the slider session open
		err := c.mv.SendSliderDelta(lara.ZDelta(0), true)
		if err != nil {
			c.linkFailed(err)
		}
		return
	}

	c.settled = 0
	err := c.mv.SendSliderDelta(lara.ZDelta(signal), true)
	if err != nil {
		c.linkFailed(err)
		return
	}

	if c.sp.Mode == ModeSeeking && c.startPose.Valid() && c.pose.Valid() &&
		c.startPose.Position.Z-c.pose.Position.Z > c.cfg.MaxTravel {
		c.log.Warn("seek exceeded travel limit",
			zap.Float64("start", c.startPose.Position.Z), zap.Float64("z", c.pose.Position.Z))
		err = c.halt()
		c.finishSeek(Result{Force: c.force, Target: c.sp.Target}, ErrMaxTravel)
		c.setMode(ModeIdle)
		if err != nil {
			c.log.Error("stop motion", zap.Error(err))
		}
		return
	}

	if c.pose.Displacement(c.tickPose) < c.cfg.StallEpsilon {
		c.stallCount++
	} else {
		c.stallCount = 0
	}
	c.tickPose = c.pose

	if c.stallCount >= c.cfg.StallTicks {
		c.unstick(now)
	}
}

func (c *Controller) converged() {
	c.log.Info("target force reached", zap.Float64("force", c.force), zap.Float64("target", c.sp.Target))
	err := c.halt()
	if err != nil {
		c.linkFailed(err)
		return
	}
	c.finishSeek(Result{Force: c.force, Target: c.sp.Target}, nil)
	c.setMode(ModeIdle)
}

// unstick stops the slider and lifts the tool slightly. Control resumes
// once UnstickDuration has elapsed.
func (c *Controller) unstick(now time.Time) {
	c.log.Warn("stall detected, unsticking", zap.Int("ticks", c.stallCount))
	c.publish(EventStall, "")
	c.stallCount = 0

	err := c.mv.SendSliderDelta(lara.SliderDelta{}, false)
	if err != nil {
		c.linkFailed(err)
		return
	}

	g := lara.CartesianGoto{Z: c.cfg.UnstickLift, Relative: true}
	if c.pose.Valid() {
		e := c.pose.Orientation.Euler()
		g = lara.CartesianGoto{
			X: c.pose.Position.X,
			Y: c.pose.Position.Y,
			Z: c.pose.Position.Z + c.cfg.UnstickLift,
			A: e.Z,
			B: e.Y,
			C: e.X,
		}
	}
	err = c.mv.SendCartesianGoto(g, true)
	if err != nil {
		c.linkFailed(err)
		return
	}
	c.unsticking = true
	c.unstickUntil = now.Add(c.cfg.UnstickDuration)
}

// HandlePose records the latest pose for stall and travel tracking.
func (c *Controller) HandlePose(p coord.Pose) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.pose = p
	if !c.tickPose.Valid() {
		c.tickPose = p
	}
	if c.sp.Mode == ModeSeeking && !c.startPose.Valid() {
		c.startPose = p
	}
}

// HandleDisconnect stops commanding after the motion link drops.
func (c *Controller) HandleDisconnect() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.pose = coord.Pose{}
	c.tickPose = coord.Pose{}
	c.startPose = coord.Pose{}
	c.releaseManual()
	if c.sp.Mode.pressing() {
		c.linkFailed(lara.ErrDisconnected)
	}
}
