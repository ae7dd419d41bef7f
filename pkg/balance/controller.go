package balance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gwillem/servobot/pkg/arbiter"
	"github.com/gwillem/servobot/pkg/attitude"
	"github.com/gwillem/servobot/pkg/fault"
	"github.com/gwillem/servobot/pkg/robot"
	"github.com/gwillem/servobot/pkg/state"
)

// Axis names accepted in configuration.
const (
	Pitch = "pitch"
	Roll  = "roll"
)

// Axis drives one servo from one attitude angle.
type Axis struct {
	Name    string
	Servo   robot.ServoID
	Neutral float64
	Invert  bool
	PID     *PID
}

// Options holds the collaborators of a Controller.
type Options struct {
	Store   *state.Store
	Arbiter *arbiter.Arbiter
	Driver  robot.AngleWriter
	Limits  robot.LimitMap
	// WriteTimeout bounds each servo write. Zero means robot.DefaultWriteTimeout.
	WriteTimeout time.Duration
	Logf         func(format string, args ...any)
	Now          func() time.Time
}

// Controller runs one PID per configured axis against the latest attitude
// estimate. It only acts while the system mode is Balancing.
type Controller struct {
	opts   Options
	axes   []*Axis
	byName map[string]*Axis
	active bool
}

// New builds a controller and registers its servos with the arbiter.
func New(cfg robot.BalanceConfig, opts Options) (*Controller, error) {
	if opts.Store == nil || opts.Arbiter == nil || opts.Driver == nil {
		return nil, fmt.Errorf("balance controller needs a store, an arbiter and a driver")
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = robot.DefaultWriteTimeout
	}
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &Controller{opts: opts, byName: make(map[string]*Axis)}
	var servos []robot.ServoID
	for _, ac := range cfg.Axes {
		if ac.Axis != Pitch && ac.Axis != Roll {
			return nil, fmt.Errorf("unknown balance axis %q", ac.Axis)
		}
		if _, dup := c.byName[ac.Axis]; dup {
			return nil, fmt.Errorf("balance axis %s configured twice", ac.Axis)
		}
		if len(opts.Limits) > 0 {
			if err := opts.Limits.Check(ac.Servo, ac.Neutral); err != nil {
				return nil, fmt.Errorf("balance axis %s: %w", ac.Axis, err)
			}
		}
		pid, err := NewPID(ac.PID)
		if err != nil {
			return nil, fmt.Errorf("balance axis %s: %w", ac.Axis, err)
		}
		pid.SetTarget(ac.Target)
		a := &Axis{Name: ac.Axis, Servo: ac.Servo, Neutral: ac.Neutral, Invert: ac.Invert, PID: pid}
		c.axes = append(c.axes, a)
		c.byName[a.Name] = a
		servos = append(servos, a.Servo)
	}
	opts.Arbiter.SetBalanceServos(servos...)
	return c, nil
}

// Axes returns the configured axes.
func (c *Controller) Axes() []*Axis {
	return c.axes
}

// SetTarget sets the setpoint of one axis.
func (c *Controller) SetTarget(axis string, angle float64) error {
	a, ok := c.byName[axis]
	if !ok {
		return fault.Newf(fault.CodeNotFound, "unknown balance axis %q", axis)
	}
	a.PID.SetTarget(angle)
	return nil
}

// Stats returns the PID statistics per axis.
func (c *Controller) Stats() map[string]Stats {
	out := make(map[string]Stats, len(c.axes))
	for _, a := range c.axes {
		out[a.Name] = a.PID.Stats()
	}
	return out
}

// Step runs one control cycle and returns the angles written. Outside
// Balancing mode it writes nothing and clears the PID history, so the next
// balancing cycle starts without a stale dt. Writes and the published targets
// happen under the arbiter, so a mode change or claim that wins the race
// leaves the servos untouched. Step is not safe for concurrent use.
func (c *Controller) Step(ctx context.Context) (map[robot.ServoID]float64, error) {
	mode, err := c.opts.Arbiter.Mode()
	if err != nil {
		return nil, fmt.Errorf("read mode: %w", err)
	}
	if mode != arbiter.Balancing {
		c.idle(mode)
		return nil, nil
	}

	est, err := state.Get[attitude.Estimate](c.opts.Store, state.Sensors, attitude.StateKey)
	if errors.Is(err, fault.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read attitude: %w", err)
	}

	now := c.opts.Now()
	targets := make(map[robot.ServoID]float64, len(c.axes))
	for _, a := range c.axes {
		current := est.Pitch
		if a.Name == Roll {
			current = est.Roll
		}
		u := a.PID.Update(current, now)
		if a.Invert {
			u = -u
		}
		targets[a.Servo] = c.opts.Limits.Clamp(a.Servo, a.Neutral+u)
	}

	out := make(map[robot.ServoID]float64, len(targets))
	var errs []error
	admitted := false
	err = c.opts.Arbiter.DriveBalance(robot.SortedIDs(targets), func() error {
		admitted = true
		for _, a := range c.axes {
			angle := targets[a.Servo]
			if err := c.write(ctx, a.Servo, angle); err != nil {
				errs = append(errs, fmt.Errorf("balance %s: %w", a.Name, err))
				continue
			}
			out[a.Servo] = angle
		}
		if len(out) == 0 {
			return nil
		}
		values := make(map[string]any, len(out))
		for id, angle := range out {
			values[string(id)] = robot.Target{Servo: id, Angle: angle, Timestamp: now}
		}
		return c.opts.Store.UpdateBatch(state.Servos, values)
	})
	if !admitted {
		if errors.Is(err, fault.ErrBusy) {
			c.idle(mode)
			return nil, nil
		}
		return nil, fmt.Errorf("balance: %w", err)
	}
	if err != nil {
		errs = append(errs, fmt.Errorf("publish balance targets: %w", err))
	}
	if !c.active {
		c.active = true
		c.opts.Logf("balance: engaged on %d axes", len(c.axes))
	}
	return out, errors.Join(errs...)
}

func (c *Controller) write(ctx context.Context, id robot.ServoID, angle float64) error {
	wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	err := c.opts.Driver.SetAngle(wctx, id, angle)
	if err == nil {
		err = wctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fault.Wrap(fault.CodeTimeout, err, fmt.Sprintf("write %s", id))
	}
	return err
}

// idle resets the PIDs once after leaving Balancing.
func (c *Controller) idle(mode arbiter.Mode) {
	if !c.active {
		return
	}
	for _, a := range c.axes {
		a.PID.Reset()
	}
	c.active = false
	c.opts.Logf("balance: idle (mode %s)", mode)
}
