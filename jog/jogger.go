package jog

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mastercactapus/pressctl/lara"
)

// Defaults for the repeat and watchdog intervals.
const (
	DefaultInterval = 10 * time.Millisecond
	DefaultWatchdog = 200 * time.Millisecond
)

// Mover sends slider commands to the robot.
type Mover interface {
	SendSliderDelta(d lara.SliderDelta, active bool) error
}

// Claimer grants manual control. The returned context is cancelled
// when control is revoked.
type Claimer interface {
	ClaimManual() (context.Context, error)
}

type run struct {
	delta lara.SliderDelta
	quit  chan struct{}
	done  chan struct{}

	// deadline is guarded by Jogger.mx
	deadline time.Time
}

// Jogger repeats a slider command while a client keeps asking for it.
//
// Every Start must be followed by another Start within the watchdog
// interval, or the motion is stopped.
type Jogger struct {
	mv  Mover
	ctl Claimer
	log *zap.Logger

	Interval time.Duration
	Watchdog time.Duration

	mx  sync.Mutex
	cur *run
}

// New creates a Jogger.
func New(mv Mover, ctl Claimer, log *zap.Logger) *Jogger {
	return &Jogger{
		mv:       mv,
		ctl:      ctl,
		log:      log,
		Interval: DefaultInterval,
		Watchdog: DefaultWatchdog,
	}
}

// Active reports the delta currently being repeated.
func (j *Jogger) Active() (lara.SliderDelta, bool) {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.cur == nil {
		return lara.SliderDelta{}, false
	}
	return j.cur.delta, true
}

// Start begins or continues jogging with d. A different delta stops
// the current motion first.
func (j *Jogger) Start(d lara.SliderDelta) error {
	if d.AbsRel == "" {
		d.AbsRel = lara.Absolute
	}
	if d.Reference == "" {
		d.Reference = lara.RefBase
	}

	j.mx.Lock()
	defer j.mx.Unlock()
	if j.cur != nil {
		if j.cur.delta == d {
			j.cur.deadline = time.Now().Add(j.Watchdog)
			return nil
		}
		err := j.stop()
		if err != nil {
			return err
		}
	}

	ctx, err := j.ctl.ClaimManual()
	if err != nil {
		return err
	}
	err = j.mv.SendSliderDelta(d, true)
	if err != nil {
		return err
	}

	r := &run{
		delta:    d,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		deadline: time.Now().Add(j.Watchdog),
	}
	j.cur = r
	go j.loop(ctx, r)
	return nil
}

func (j *Jogger) loop(ctx context.Context, r *run) {
	defer close(r.done)
	t := time.NewTicker(j.Interval)
	defer t.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ctx.Done():
			j.end(r, "manual control revoked")
			return
		case now := <-t.C:
			j.mx.Lock()
			if j.cur != r {
				j.mx.Unlock()
				return
			}
			if ctx.Err() != nil {
				j.mx.Unlock()
				j.end(r, "manual control revoked")
				return
			}
			if now.After(r.deadline) {
				j.mx.Unlock()
				j.end(r, "watchdog expired")
				return
			}
			err := j.mv.SendSliderDelta(r.delta, true)
			j.mx.Unlock()
			if err != nil {
				j.log.Error("jog", zap.Error(err))
				j.end(r, "send failed")
				return
			}
		}
	}
}

func (j *Jogger) end(r *run, reason string) {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.cur != r {
		return
	}
	j.log.Info("jog stopped", zap.String("reason", reason))
	err := j.stop()
	if err != nil {
		j.log.Error("stop jog", zap.Error(err))
	}
}

// stop must be called with mx held.
func (j *Jogger) stop() error {
	r := j.cur
	if r == nil {
		return nil
	}
	j.cur = nil
	close(r.quit)
	return j.mv.SendSliderDelta(lara.SliderDelta{AbsRel: r.delta.AbsRel, Reference: r.delta.Reference}, false)
}

// Stop ends jogging with a terminating stop. It is a no-op when idle.
func (j *Jogger) Stop() error {
	j.mx.Lock()
	r := j.cur
	err := j.stop()
	j.mx.Unlock()
	if r != nil {
		<-r.done
	}
	return err
}
