package motion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/servobot/pkg/robot"
)

func TestSequenceValidate(t *testing.T) {
	tests := []struct {
		name string
		seq  Sequence
		ok   bool
	}{
		{"empty", nil, false},
		{"no servos", Sequence{kf(1, nil)}, false},
		{"negative delay", Sequence{kf(-0.1, map[robot.ServoID]float64{pan: 1})}, false},
		{"nan angle", Sequence{kf(0, map[robot.ServoID]float64{pan: math.NaN()})}, false},
		{"ok", wave(), true},
	}
	for _, tt := range tests {
		err := tt.seq.Validate()
		if tt.ok {
			assert.NoError(t, err, tt.name)
		} else {
			assert.Error(t, err, tt.name)
		}
	}
}

func TestStepsRoundTrip(t *testing.T) {
	seq := Sequence{
		kf(0.5, map[robot.ServoID]float64{pan: 10, grip: 20}),
		kf(0.25, map[robot.ServoID]float64{lift: -5}),
		kf(0, map[robot.ServoID]float64{pan: 0}),
	}
	steps := seq.Steps()
	require.Len(t, steps, 4)
	assert.Equal(t, robot.Step{Servo: grip, Angle: 20}, steps[0])
	assert.Equal(t, robot.Step{Servo: pan, Angle: 10, Delay: 0.5}, steps[1])

	back, err := FromSteps(steps)
	require.NoError(t, err)
	assert.True(t, back.Equal(seq), "got %+v", back)
}

func TestFromStepsRejectsInvalidRecords(t *testing.T) {
	_, err := FromSteps([]robot.Step{{Angle: 1, Delay: 1}})
	assert.Error(t, err)
	_, err = FromSteps([]robot.Step{{Servo: pan, Angle: 1, Delay: -1}})
	assert.Error(t, err)
	_, err = FromSteps(nil)
	assert.Error(t, err)
}

func TestSequenceServosAndDuration(t *testing.T) {
	seq := wave()
	assert.Equal(t, []robot.ServoID{lift, pan}, seq.Servos())
	assert.InDelta(t, 1.7, seq.Duration().Seconds(), 1e-9)
}

func TestValidateReportsIssues(t *testing.T) {
	seq := Sequence{
		kf(0.1, map[robot.ServoID]float64{pan: 0, grip: 5}),
		kf(0, map[robot.ServoID]float64{pan: 120}),
		kf(0, map[robot.ServoID]float64{pan: 120}),
	}
	issues := Validate(seq, Bounds{
		Limits:      robot.LimitMap{pan: {Min: 0, Max: 100}},
		MaxVelocity: 180,
		MinDelay:    0.2,
	})

	kinds := map[IssueKind]int{}
	for _, is := range issues {
		kinds[is.Kind]++
	}
	assert.Equal(t, 2, kinds[IssueAngleLimit])
	assert.Equal(t, 1, kinds[IssueUnknownServo])
	assert.Equal(t, 1, kinds[IssueVelocity])
	assert.Equal(t, 1, kinds[IssueTiming])

	assert.Empty(t, Validate(wave(), Bounds{}))
	structural := Validate(nil, Bounds{})
	require.Len(t, structural, 1)
	assert.Equal(t, IssueStructure, structural[0].Kind)
}

func TestBlend(t *testing.T) {
	a := Sequence{kf(1, map[robot.ServoID]float64{pan: 0, lift: 5})}
	b := Sequence{
		kf(0.5, map[robot.ServoID]float64{pan: 90}),
		kf(0, map[robot.ServoID]float64{pan: 80}),
	}
	out, err := Blend(a, b, 3, 0.4)
	require.NoError(t, err)

	require.Len(t, out, 1+3+2)
	assert.InDelta(t, 0.1, out[0].Delay, epsil)
	prev := out[0].Angles[pan]
	for _, f := range out[1:4] {
		assert.Greater(t, f.Angles[pan], prev)
		assert.Equal(t, 5.0, f.Angles[lift])
		prev = f.Angles[pan]
	}
	assert.Equal(t, b[0].Angles, out[4].Angles)

	_, err = Blend(a, nil, 1, 1)
	assert.Error(t, err)
}
