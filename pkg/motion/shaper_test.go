package motion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/servobot/pkg/robot"
)

const (
	pan   = robot.ShoulderPan
	lift  = robot.ShoulderLift
	grip  = robot.Gripper
	epsil = 1e-9
)

func kf(delay float64, angles map[robot.ServoID]float64) Keyframe {
	return Keyframe{Angles: angles, Delay: delay}
}

func wave() Sequence {
	return Sequence{
		kf(1.0, map[robot.ServoID]float64{pan: 0, lift: 10}),
		kf(0.5, map[robot.ServoID]float64{pan: 90, lift: -20}),
		kf(0.2, map[robot.ServoID]float64{pan: 45, lift: 33.3}),
	}
}

func TestInterpolatePreservesEndpointsPerSegment(t *testing.T) {
	for _, ease := range []Easing{Linear, Cosine, SmoothStep} {
		for _, n := range []int{2, 3, 7} {
			seq := wave()
			out, err := Interpolate(seq, n, ease)
			require.NoError(t, err)
			require.Len(t, out, n*(len(seq)-1))

			for i := 0; i < len(seq)-1; i++ {
				first, last := out[i*n], out[i*n+n-1]
				assert.Equal(t, seq[i].Angles, first.Angles, "segment %d start", i)
				assert.Equal(t, seq[i+1].Angles, last.Angles, "segment %d end", i)
			}
		}
	}
}

func TestInterpolateKeepsDurationAndSpacing(t *testing.T) {
	seq := wave()
	out, err := Interpolate(seq, 5, Linear)
	require.NoError(t, err)

	assert.InDelta(t, seq.Duration().Seconds(), out.Duration().Seconds(), 1e-6)
	for j := 0; j < 4; j++ {
		assert.InDelta(t, 0.25, out[j].Delay, epsil)
	}
	assert.Zero(t, out[4].Delay)
	assert.InDelta(t, 22.5, out[2].Angles[pan]-out[1].Angles[pan], epsil)
	assert.Equal(t, 0.2, out[len(out)-1].Delay)
}

func TestInterpolateIsDeterministicAndDoesNotMutate(t *testing.T) {
	seq := wave()
	orig := seq.Clone()

	a, err := Interpolate(seq, 4, Cosine)
	require.NoError(t, err)
	b, err := Interpolate(seq, 4, Cosine)
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.True(t, seq.Equal(orig))
}

func TestInterpolateRejectsBadInput(t *testing.T) {
	_, err := Interpolate(nil, 3, Linear)
	assert.Error(t, err)
	_, err = Interpolate(wave(), 1, Linear)
	assert.Error(t, err)

	single := Sequence{kf(0.3, map[robot.ServoID]float64{pan: 1})}
	out, err := Interpolate(single, 3, Linear)
	require.NoError(t, err)
	assert.True(t, out.Equal(single))
}

func TestOptimizeTimingExtendsForVelocity(t *testing.T) {
	seq := Sequence{
		kf(0.1, map[robot.ServoID]float64{pan: 0}),
		kf(2.0, map[robot.ServoID]float64{pan: 90}),
		kf(0, map[robot.ServoID]float64{pan: 100}),
	}
	out, err := OptimizeTiming(seq, 180)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, out[0].Delay, 0.5)
	assert.InDelta(t, 0.5, out[0].Delay, epsil)
	assert.Equal(t, 2.0, out[1].Delay, "long delays are kept")
	assert.Zero(t, out[2].Delay)
}

func TestOptimizeTimingNeverShortens(t *testing.T) {
	seq := wave()
	out, err := OptimizeTiming(seq, 1000)
	require.NoError(t, err)
	require.Len(t, out, len(seq))
	for i := range seq {
		assert.GreaterOrEqual(t, out[i].Delay, seq[i].Delay)
	}

	_, err = OptimizeTiming(seq, 0)
	assert.Error(t, err)
}

func TestReduceJerkKeepsShapeAndClamps(t *testing.T) {
	limits := robot.LimitMap{pan: {Min: 0, Max: 90}}
	seq := Sequence{
		kf(0.2, map[robot.ServoID]float64{pan: 0}),
		kf(0.2, map[robot.ServoID]float64{pan: 90}),
		kf(0.2, map[robot.ServoID]float64{pan: 85}),
		kf(0.2, map[robot.ServoID]float64{pan: 90}),
		kf(0, map[robot.ServoID]float64{pan: 10}),
	}
	out, err := ReduceJerk(seq, JerkOptions{Window: 3, Kernel: Triangular, Limits: limits})
	require.NoError(t, err)

	require.Len(t, out, len(seq))
	assert.Equal(t, seq[0].Angles, out[0].Angles)
	assert.Equal(t, seq[4].Angles, out[4].Angles)
	for i, f := range out {
		assert.True(t, limits[pan].Contains(f.Angles[pan]), "frame %d: %v", i, f.Angles[pan])
		assert.Equal(t, seq[i].Delay, f.Delay, "no acceleration bound, no stretching")
	}
	assert.Less(t, out[1].Angles[pan], 90.0, "peak is smoothed")
}

func TestReduceJerkStretchesForAcceleration(t *testing.T) {
	seq := Sequence{
		kf(0.1, map[robot.ServoID]float64{pan: 0}),
		kf(0.1, map[robot.ServoID]float64{pan: 90}),
		kf(0.1, map[robot.ServoID]float64{pan: 0}),
		kf(0, map[robot.ServoID]float64{pan: 90}),
	}
	const maxAcc = 1000.0
	out, err := ReduceJerk(seq, JerkOptions{MaxAcceleration: maxAcc, Factor: 0.1})
	require.NoError(t, err)

	for i := range seq {
		assert.GreaterOrEqual(t, out[i].Delay, seq[i].Delay, "frame %d shortened", i)
	}
	poses := out.resolve()
	for i := 1; i < len(out)-1; i++ {
		acc := peakAcceleration(poses, i, out[i-1].Delay, out[i].Delay)
		assert.LessOrEqual(t, acc, maxAcc*(1+1e-6), "frame %d", i)
	}
}

func TestReduceJerkZeroFactorMeansHalf(t *testing.T) {
	seq := wave()
	zero, err := ReduceJerk(seq, JerkOptions{})
	require.NoError(t, err)
	half, err := ReduceJerk(seq, JerkOptions{Factor: 0.5})
	require.NoError(t, err)

	assert.Equal(t, half, zero)
	assert.NotEqual(t, seq, zero, "zero factor still blends")
}

func TestReduceJerkRejectsBadOptions(t *testing.T) {
	_, err := ReduceJerk(wave(), JerkOptions{Factor: 2})
	assert.Error(t, err)
	_, err = ReduceJerk(wave(), JerkOptions{MaxAcceleration: -1})
	assert.Error(t, err)
}

func TestSmoothTrajectoryReducesJitter(t *testing.T) {
	limits := robot.LimitMap{pan: {Min: 0, Max: 50}}
	seq := Sequence{
		kf(0.1, map[robot.ServoID]float64{pan: 10}),
		kf(0.1, map[robot.ServoID]float64{pan: 60}),
		kf(0.1, map[robot.ServoID]float64{pan: 10}),
		kf(0.1, map[robot.ServoID]float64{pan: 12}),
		kf(0.1, map[robot.ServoID]float64{pan: 10}),
	}
	out, err := SmoothTrajectory(seq, 3, limits)
	require.NoError(t, err)

	require.Len(t, out, len(seq))
	assert.Equal(t, 10.0, out[0].Angles[pan])
	assert.Equal(t, 10.0, out[4].Angles[pan])
	assert.LessOrEqual(t, out[1].Angles[pan], 50.0)
	assert.Less(t, math.Abs(out[1].Angles[pan]-out[2].Angles[pan]), 50.0)

	again, err := SmoothTrajectory(seq, 3, limits)
	require.NoError(t, err)
	assert.True(t, out.Equal(again))

	_, err = SmoothTrajectory(seq, 0, limits)
	assert.Error(t, err)
}

func TestEasingByName(t *testing.T) {
	for _, name := range []string{"", "linear", "cosine", "smoothstep"} {
		ease, err := EasingByName(name)
		require.NoError(t, err, name)
		assert.InDelta(t, 0, ease(0), epsil, name)
		assert.InDelta(t, 1, ease(1), epsil, name)
	}
	_, err := EasingByName("bouncy")
	assert.Error(t, err)
}

func TestPipelineShape(t *testing.T) {
	seq := Sequence{
		kf(0.1, map[robot.ServoID]float64{pan: 0}),
		kf(0, map[robot.ServoID]float64{pan: 90}),
	}

	plain, err := Pipeline{}.Shape(seq)
	require.NoError(t, err)
	assert.True(t, plain.Equal(seq))

	p, err := NewPipeline(robot.SchedulerConfig{MaxVelocity: 180, PointsPerSegment: 5}, nil)
	require.NoError(t, err)
	out, err := p.Shape(seq)
	require.NoError(t, err)

	require.Len(t, out, 5)
	assert.InDelta(t, 0.5, out.Duration().Seconds(), 1e-6)
	assert.Equal(t, 0.0, out[0].Angles[pan])
	assert.Equal(t, 90.0, out[4].Angles[pan])
	assert.Empty(t, Validate(out, Bounds{MaxVelocity: 180 * (1 + 1e-6)}))
}
