package motion

import (
	"fmt"

	"github.com/gwillem/servobot/pkg/robot"
)

// Pipeline shapes a keyframe sequence into the frame list an execution
// plays: smooth, bound velocity, interpolate, then reduce jerk. Zero-valued
// stages are skipped, so the zero Pipeline returns a copy of its input.
type Pipeline struct {
	SmoothWindow int
	MaxVelocity  float64
	Points       int
	Easing       Easing
	// Jerk enables ReduceJerk when non-nil. Its Limits default to the
	// pipeline limits.
	Jerk   *JerkOptions
	Limits robot.LimitMap
}

// NewPipeline builds a pipeline from the scheduler configuration.
func NewPipeline(cfg robot.SchedulerConfig, limits robot.LimitMap) (Pipeline, error) {
	ease, err := EasingByName(cfg.Easing)
	if err != nil {
		return Pipeline{}, err
	}
	p := Pipeline{
		SmoothWindow: cfg.SmoothWindow,
		MaxVelocity:  cfg.MaxVelocity,
		Points:       cfg.PointsPerSegment,
		Easing:       ease,
		Limits:       limits,
	}
	if cfg.JerkWindow > 0 || cfg.JerkFactor > 0 || cfg.MaxAcceleration > 0 {
		p.Jerk = &JerkOptions{
			Window:          cfg.JerkWindow,
			Factor:          cfg.JerkFactor,
			MaxAcceleration: cfg.MaxAcceleration,
		}
	}
	return p, nil
}

// Shape runs every enabled stage in order.
func (p Pipeline) Shape(seq Sequence) (Sequence, error) {
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	out := seq.Clone()
	var err error

	if p.SmoothWindow > 1 {
		if out, err = SmoothTrajectory(out, p.SmoothWindow, p.Limits); err != nil {
			return nil, fmt.Errorf("smooth: %w", err)
		}
	}
	if p.MaxVelocity > 0 {
		if out, err = OptimizeTiming(out, p.MaxVelocity); err != nil {
			return nil, fmt.Errorf("optimize timing: %w", err)
		}
	}
	if p.Points >= 2 {
		if out, err = Interpolate(out, p.Points, p.Easing); err != nil {
			return nil, fmt.Errorf("interpolate: %w", err)
		}
	}
	if p.Jerk != nil {
		opts := *p.Jerk
		if opts.Limits == nil {
			opts.Limits = p.Limits
		}
		if out, err = ReduceJerk(out, opts); err != nil {
			return nil, fmt.Errorf("reduce jerk: %w", err)
		}
	}
	return out, nil
}
