package action

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/servobot/pkg/fault"
	"github.com/gwillem/servobot/pkg/motion"
	"github.com/gwillem/servobot/pkg/robot"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestRecordingCapturesCommandsWithDelays(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	r := newRig(t, nil, func(o *Options) { o.Now = clock.Now })
	ctx := context.Background()

	require.NoError(t, r.sched.StartRecording())
	assert.True(t, errors.Is(r.sched.StartRecording(), fault.ErrBusy))

	require.NoError(t, r.sched.Command(ctx, map[robot.ServoID]float64{robot.ShoulderPan: 10}))
	clock.Advance(250400 * time.Microsecond)
	require.NoError(t, r.sched.Command(ctx, map[robot.ServoID]float64{robot.ShoulderPan: 20, robot.Gripper: 5}))
	clock.Advance(time.Second)
	require.NoError(t, r.sched.Command(ctx, map[robot.ServoID]float64{robot.Gripper: 6}))

	seq, err := r.sched.StopRecording()
	require.NoError(t, err)
	want := motion.Sequence{
		{Angles: map[robot.ServoID]float64{robot.ShoulderPan: 10}, Delay: 0.25},
		{Angles: map[robot.ServoID]float64{robot.ShoulderPan: 20, robot.Gripper: 5}, Delay: 1},
		{Angles: map[robot.ServoID]float64{robot.Gripper: 6}, Delay: 0},
	}
	assert.True(t, seq.Equal(want), "got %+v", seq)

	for i := range want {
		select {
		case f := <-r.sched.Preview():
			assert.Equal(t, want[i].Angles, f.Angles)
		default:
			t.Fatalf("preview frame %d missing", i)
		}
	}

	// commands outside a recording are not captured
	require.NoError(t, r.sched.Command(ctx, map[robot.ServoID]float64{robot.Gripper: 7}))
	_, err = r.sched.StopRecording()
	assert.True(t, errors.Is(err, fault.ErrNotFound))

	require.NoError(t, r.sched.Save(ctx, "recorded", seq))
	got, err := r.sched.Load(ctx, "recorded")
	require.NoError(t, err)
	assert.True(t, got.Equal(seq))
}

func TestRecordingWithoutCommandsFails(t *testing.T) {
	rec := NewRecorder(1, nil)
	require.NoError(t, rec.Start())
	_, err := rec.Stop()
	assert.True(t, errors.Is(err, fault.ErrNotFound))
	assert.False(t, rec.Recording())
}

func TestPreviewDropsOldestFrames(t *testing.T) {
	rec := NewRecorder(2, nil)
	require.NoError(t, rec.Start())
	for i := range 5 {
		rec.Capture(map[robot.ServoID]float64{robot.Gripper: float64(i)})
	}

	first := <-rec.Preview()
	second := <-rec.Preview()
	assert.Equal(t, 3.0, first.Angles[robot.Gripper])
	assert.Equal(t, 4.0, second.Angles[robot.Gripper])

	seq, err := rec.Stop()
	require.NoError(t, err)
	assert.Len(t, seq, 5)
}
