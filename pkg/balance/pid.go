// Package balance holds the PID loop and the balance controller that turns
// attitude estimates into servo corrections.
package balance

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gwillem/servobot/pkg/robot"
)

// Stats summarizes the errors a PID has seen since its last reset.
type Stats struct {
	Samples    int     `json:"samples"`
	MinError   float64 `json:"min_error"`
	MaxError   float64 `json:"max_error"`
	MeanAbs    float64 `json:"mean_abs_error"`
	Overshoots int     `json:"overshoots"`
}

// PID is a discrete PID controller. error = target - current, so a positive
// output drives the current value up toward the target.
type PID struct {
	mu sync.Mutex

	kp, ki, kd float64
	min, max   float64
	limited    bool
	deadband   float64
	target     float64

	integral float64
	prevErr  float64
	last     time.Time
	started  bool

	stats    Stats
	totalAbs float64
}

// NewPID builds a PID from cfg. OutputMin and OutputMax both zero means the
// output is unlimited.
func NewPID(cfg robot.PIDConfig) (*PID, error) {
	p := &PID{kp: cfg.Kp, ki: cfg.Ki, kd: cfg.Kd, deadband: math.Abs(cfg.Deadband)}
	if cfg.OutputMin != 0 || cfg.OutputMax != 0 {
		if err := p.SetLimits(cfg.OutputMin, cfg.OutputMax); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// SetTarget changes the setpoint. A changed target clears the integral.
func (p *PID) SetTarget(angle float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if angle != p.target {
		p.integral = 0
	}
	p.target = angle
}

// Target returns the setpoint.
func (p *PID) Target() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// SetPID replaces the gains and clears the integral and derivative history.
func (p *PID) SetPID(kp, ki, kd float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kp, p.ki, p.kd = kp, ki, kd
	p.integral, p.prevErr, p.started = 0, 0, false
}

// Gains returns kp, ki and kd.
func (p *PID) Gains() (kp, ki, kd float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kp, p.ki, p.kd
}

// SetLimits bounds the output.
func (p *PID) SetLimits(lo, hi float64) error {
	if lo > hi || math.IsNaN(lo) || math.IsNaN(hi) {
		return fmt.Errorf("invalid output limits [%v, %v]", lo, hi)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.min, p.max, p.limited = lo, hi, true
	return nil
}

// SetDeadband sets the error magnitude below which the output is zero.
func (p *PID) SetDeadband(d float64) {
	p.mu.Lock()
	p.deadband = math.Abs(d)
	p.mu.Unlock()
}

// Update computes the clamped output for the current measurement taken at
// now. The first update after construction or Reset has dt = 0, so it has
// no integral or derivative contribution.
func (p *PID) Update(current float64, now time.Time) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.target - current
	dt := 0.0
	if p.started {
		dt = max(now.Sub(p.last).Seconds(), 0)
	}
	p.record(e)
	p.last = now

	if math.Abs(e) < p.deadband {
		p.integral = 0
		p.prevErr, p.started = e, true
		return 0
	}

	derivative := 0.0
	if dt > 0 {
		derivative = (e - p.prevErr) / dt
	}
	p.prevErr, p.started = e, true

	next := p.integral + e*dt
	raw := p.kp*e + p.ki*next + p.kd*derivative
	// anti-windup: no accumulation further into a saturated side
	if p.limited && ((raw > p.max && p.ki*e > 0) || (raw < p.min && p.ki*e < 0)) {
		next = p.integral
	}
	p.integral = next

	out := p.kp*e + p.ki*p.integral + p.kd*derivative
	if p.limited {
		out = math.Max(p.min, math.Min(p.max, out))
	}
	return out
}

func (p *PID) record(e float64) {
	if p.stats.Samples == 0 {
		p.stats.MinError, p.stats.MaxError = e, e
	} else {
		p.stats.MinError = math.Min(p.stats.MinError, e)
		p.stats.MaxError = math.Max(p.stats.MaxError, e)
	}
	if p.started && e*p.prevErr < 0 && math.Abs(e) > math.Abs(p.prevErr) {
		p.stats.Overshoots++
	}
	p.stats.Samples++
	p.totalAbs += math.Abs(e)
	p.stats.MeanAbs = p.totalAbs / float64(p.stats.Samples)
}

// Integral returns the accumulated error·dt.
func (p *PID) Integral() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.integral
}

// Stats returns a copy of the running statistics.
func (p *PID) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Reset clears the integral, derivative history and statistics. Gains,
// limits and target are kept.
func (p *PID) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.integral, p.prevErr, p.started = 0, 0, false
	p.last = time.Time{}
	p.stats, p.totalAbs = Stats{}, 0
}
