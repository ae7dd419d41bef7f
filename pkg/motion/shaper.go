package motion

import (
	"fmt"
	"math"

	"github.com/gwillem/servobot/pkg/robot"
)

// Easing maps normalized segment time t in [0,1] to progress in [0,1].
// Implementations must return 0 at 0 and 1 at 1.
type Easing func(t float64) float64

// Built-in easings.
var (
	Linear     Easing = func(t float64) float64 { return t }
	Cosine     Easing = func(t float64) float64 { return (1 - math.Cos(t*math.Pi)) / 2 }
	SmoothStep Easing = func(t float64) float64 { return t * t * (3 - 2*t) }
)

// EasingByName resolves a configured easing name. Empty means linear.
func EasingByName(name string) (Easing, error) {
	switch name {
	case "", "linear":
		return Linear, nil
	case "cosine":
		return Cosine, nil
	case "smoothstep":
		return SmoothStep, nil
	default:
		return nil, fmt.Errorf("unknown easing %q", name)
	}
}

// Interpolate expands every keyframe pair into points evenly time-spaced
// frames. Within a segment the first frame is the start pose and the last
// frame is the end pose, both copied exactly; the frames in between follow
// ease. Segment timing is taken from the start keyframe's delay.
//
// The result has points*(len(seq)-1) frames, or one frame for a
// single-keyframe sequence. Total duration is unchanged.
func Interpolate(seq Sequence, points int, ease Easing) (Sequence, error) {
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	if points < 2 {
		return nil, fmt.Errorf("points per segment must be at least 2, got %d", points)
	}
	if ease == nil {
		ease = Linear
	}
	if len(seq) == 1 {
		return seq.Clone(), nil
	}

	poses := seq.resolve()
	last := len(seq) - 2
	out := make(Sequence, 0, points*(len(seq)-1))

	for i := 0; i <= last; i++ {
		start, end := poses[i], poses[i+1]
		step := seq[i].Delay / float64(points-1)

		for j := 0; j < points; j++ {
			angles := make(map[robot.ServoID]float64, len(end))
			switch j {
			case 0:
				for id, a := range start {
					angles[id] = a
				}
			case points - 1:
				for id, b := range end {
					angles[id] = b
				}
			default:
				t := ease(float64(j) / float64(points-1))
				for id, a := range start {
					angles[id] = a + t*(end[id]-a)
				}
			}

			delay := step
			if j == points-1 {
				// the next segment starts on this same pose
				delay = 0
				if i == last {
					delay = seq[i+1].Delay
				}
			}
			out = append(out, Keyframe{Angles: angles, Delay: delay})
		}
	}
	return out, nil
}

// OptimizeTiming extends each transition delay to at least the time the
// largest move needs at maxVelocity (deg/s). Delays are never shortened.
func OptimizeTiming(seq Sequence, maxVelocity float64) (Sequence, error) {
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	if maxVelocity <= 0 {
		return nil, fmt.Errorf("max velocity must be positive, got %v", maxVelocity)
	}

	poses := seq.resolve()
	out := seq.Clone()
	for i := 0; i < len(seq)-1; i++ {
		var need float64
		for id, b := range poses[i+1] {
			a, ok := poses[i][id]
			if !ok {
				continue
			}
			need = max(need, math.Abs(b-a)/maxVelocity)
		}
		out[i].Delay = max(out[i].Delay, need)
	}
	return out, nil
}

// Kernel selects the moving-average weighting.
type Kernel int

const (
	Gaussian Kernel = iota
	Triangular
)

// JerkOptions configures ReduceJerk.
type JerkOptions struct {
	// Window is the moving-average width in frames. Even values are
	// widened by one. Zero means 3.
	Window int
	Kernel Kernel
	// Factor is the share of the weighted average blended into each angle,
	// up to 1 which replaces it. Zero means 0.5; there is no factor that
	// leaves angles untouched, use a nil Pipeline.Jerk for that.
	Factor float64
	// Limits re-clamps smoothed angles. Servos without limits are not clamped.
	Limits robot.LimitMap
	// MaxAcceleration in deg/s². Zero disables delay stretching.
	MaxAcceleration float64
}

const maxStretchPasses = 100

// ReduceJerk smooths each servo's angle series with a weighted moving
// average, re-clamps into the servo limits and, when an acceleration bound is
// given, stretches delays until every interior frame respects it. The first
// and last frames are kept as they are. Frame count and order are preserved.
func ReduceJerk(seq Sequence, opts JerkOptions) (Sequence, error) {
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	if opts.Window == 0 {
		opts.Window = 3
	}
	if opts.Factor == 0 {
		opts.Factor = 0.5
	}
	if opts.Window < 0 || opts.Factor < 0 || opts.Factor > 1 || opts.MaxAcceleration < 0 {
		return nil, fmt.Errorf("invalid jerk options: window=%d factor=%v max_acceleration=%v",
			opts.Window, opts.Factor, opts.MaxAcceleration)
	}

	out := smooth(seq, opts.Window, opts.Kernel, opts.Factor, opts.Limits)
	if opts.MaxAcceleration > 0 {
		stretchForAcceleration(out, opts.MaxAcceleration)
	}
	return out, nil
}

// SmoothTrajectory reduces keyframe jitter before interpolation with a
// Gaussian moving average over window frames, then clamps into the servo
// limits. The first and last frames are kept as they are.
func SmoothTrajectory(seq Sequence, window int, limits robot.LimitMap) (Sequence, error) {
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	if window < 1 {
		return nil, fmt.Errorf("window must be at least 1, got %d", window)
	}
	return smooth(seq, window, Gaussian, 1, limits), nil
}

func smooth(seq Sequence, window int, kernel Kernel, factor float64, limits robot.LimitMap) Sequence {
	out := seq.Clone()
	half := window / 2
	if len(seq) < 3 || half == 0 {
		clampInterior(out, limits)
		return out
	}

	weights := kernelWeights(kernel, half)
	poses := seq.resolve()

	for i := 1; i < len(seq)-1; i++ {
		for id, a := range seq[i].Angles {
			var sum, wsum float64
			for k := -half; k <= half; k++ {
				j := i + k
				if j < 0 || j >= len(seq) {
					continue
				}
				v, ok := poses[j][id]
				if !ok {
					continue
				}
				sum += weights[k+half] * v
				wsum += weights[k+half]
			}
			avg := sum / wsum
			out[i].Angles[id] = limits.Clamp(id, a+factor*(avg-a))
		}
	}
	return out
}

func clampInterior(seq Sequence, limits robot.LimitMap) {
	for i := 1; i < len(seq)-1; i++ {
		for id, a := range seq[i].Angles {
			seq[i].Angles[id] = limits.Clamp(id, a)
		}
	}
}

func kernelWeights(kernel Kernel, half int) []float64 {
	w := make([]float64, 2*half+1)
	sigma := max(1, float64(half)/2)
	for k := -half; k <= half; k++ {
		switch kernel {
		case Triangular:
			w[k+half] = float64(half + 1 - abs(k))
		default:
			x := float64(k) / sigma
			w[k+half] = math.Exp(-0.5 * x * x)
		}
	}
	return w
}

// stretchForAcceleration scales the two delays around every interior frame
// whose velocity change exceeds maxAcc. Stretching both delays by k scales
// the acceleration by 1/k², so one step reaches the bound locally; passes
// repeat because neighbours share delays.
func stretchForAcceleration(seq Sequence, maxAcc float64) {
	poses := seq.resolve()
	for pass := 0; pass < maxStretchPasses; pass++ {
		changed := false
		for i := 1; i < len(seq)-1; i++ {
			d1, d2 := seq[i-1].Delay, seq[i].Delay
			if d1 <= 0 || d2 <= 0 {
				continue
			}
			acc := peakAcceleration(poses, i, d1, d2)
			if acc <= maxAcc*(1+1e-9) {
				continue
			}
			k := math.Sqrt(acc/maxAcc) * (1 + 1e-9)
			seq[i-1].Delay = d1 * k
			seq[i].Delay = d2 * k
			changed = true
		}
		if !changed {
			return
		}
	}
}

func peakAcceleration(poses []map[robot.ServoID]float64, i int, d1, d2 float64) float64 {
	var peak float64
	for id, a := range poses[i] {
		prev, ok := poses[i-1][id]
		if !ok {
			continue
		}
		next := poses[i+1][id]
		v1 := (a - prev) / d1
		v2 := (next - a) / d2
		peak = max(peak, math.Abs(v2-v1)/((d1+d2)/2))
	}
	return peak
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
