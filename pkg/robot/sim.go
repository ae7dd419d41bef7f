package robot

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/gwillem/servobot/pkg/fault"
)

// SimDriver is an in-memory servo driver. It enforces limits like the bus
// driver and keeps a log of accepted writes.
type SimDriver struct {
	limits LimitMap

	mu     sync.Mutex
	angles map[ServoID]float64
	writes []Target

	// Fail, if set, is consulted before each write; a non-nil result is
	// returned instead of applying the write.
	Fail func(id ServoID, angle float64) error
	// Latency is slept before each write, honoring ctx.
	Latency time.Duration
}

// NewSimDriver creates a simulated driver for the given servos. Every servo
// starts at the middle of its range.
func NewSimDriver(limits LimitMap) *SimDriver {
	angles := make(map[ServoID]float64, len(limits))
	for id, l := range limits {
		angles[id] = (l.Min + l.Max) / 2
	}
	return &SimDriver{
		limits: maps.Clone(limits),
		angles: angles,
	}
}

// Limits returns the simulated servo limits.
func (d *SimDriver) Limits() LimitMap {
	return maps.Clone(d.limits)
}

// SetAngle moves one simulated servo.
func (d *SimDriver) SetAngle(ctx context.Context, id ServoID, angle float64) error {
	if err := d.limits.Check(id, angle); err != nil {
		return err
	}
	if d.Latency > 0 {
		t := time.NewTimer(d.Latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.CodeTimeout, ctx.Err(), "write position")
		case <-t.C:
		}
	}
	if d.Fail != nil {
		if err := d.Fail(id, angle); err != nil {
			return err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.angles[id] = angle
	d.writes = append(d.writes, Target{Servo: id, Angle: angle, Timestamp: time.Now()})
	return nil
}

// SetAngles moves several simulated servos. It stops at the first failure.
func (d *SimDriver) SetAngles(ctx context.Context, angles map[ServoID]float64) error {
	for _, id := range SortedIDs(angles) {
		if err := d.SetAngle(ctx, id, angles[id]); err != nil {
			return err
		}
	}
	return nil
}

// ReadAngles returns the last commanded angles.
func (d *SimDriver) ReadAngles(context.Context) (map[ServoID]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return maps.Clone(d.angles), nil
}

// Writes returns a copy of the accepted write log.
func (d *SimDriver) Writes() []Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Target, len(d.writes))
	copy(out, d.writes)
	return out
}

// WritesFor returns the accepted writes for one servo.
func (d *SimDriver) WritesFor(id ServoID) []Target {
	var out []Target
	for _, w := range d.Writes() {
		if w.Servo == id {
			out = append(out, w)
		}
	}
	return out
}
