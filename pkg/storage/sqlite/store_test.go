package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/servobot/pkg/fault"
	"github.com/gwillem/servobot/pkg/motion"
	"github.com/gwillem/servobot/pkg/robot"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "groups.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func wave() motion.Sequence {
	return motion.Sequence{
		{Angles: map[robot.ServoID]float64{robot.ShoulderPan: 0, robot.Gripper: 10}, Delay: 0.5},
		{Angles: map[robot.ServoID]float64{robot.ShoulderPan: 45}, Delay: 0.25},
		{Angles: map[robot.ServoID]float64{robot.ShoulderPan: -45, robot.Gripper: 30}},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "wave", wave()))
	got, err := s.Load(ctx, "wave")
	require.NoError(t, err)
	assert.True(t, got.Equal(wave()), "got %+v", got)
}

func TestLoadUnknownGroup(t *testing.T) {
	s := openTemp(t)
	_, err := s.Load(context.Background(), "nope")
	assert.True(t, errors.Is(err, fault.ErrUnknownGroup))
	assert.Equal(t, fault.CodeUnknownGroup, fault.CodeOf(err))
}

func TestSaveOverwrites(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "wave", wave()))

	short := motion.Sequence{{Angles: map[robot.ServoID]float64{robot.WristRoll: 90}, Delay: 1}}
	require.NoError(t, s.Save(ctx, "wave", short))

	got, err := s.Load(ctx, "wave")
	require.NoError(t, err)
	assert.True(t, got.Equal(short), "got %+v", got)
}

func TestListAndDelete(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, "wave", wave()))
	require.NoError(t, s.Save(ctx, "bow", wave()))

	names, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bow", "wave"}, names)

	require.NoError(t, s.Delete(ctx, "bow"))
	assert.True(t, errors.Is(s.Delete(ctx, "bow"), fault.ErrUnknownGroup))

	names, err = s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"wave"}, names)
}

func TestSeedKeepsExisting(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	custom := motion.Sequence{{Angles: map[robot.ServoID]float64{robot.Gripper: 1}}}
	require.NoError(t, s.Save(ctx, "wave", custom))

	added, err := s.Seed(ctx, map[string]motion.Sequence{"wave": wave(), "bow": wave()})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	got, err := s.Load(ctx, "wave")
	require.NoError(t, err)
	assert.True(t, got.Equal(custom))
}

func TestReopenKeepsGroups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "groups.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(context.Background(), "wave", wave()))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Load(context.Background(), "wave")
	require.NoError(t, err)
	assert.True(t, got.Equal(wave()))
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestSaveRejectsInvalidSequence(t *testing.T) {
	s := openTemp(t)
	err := s.Save(context.Background(), "bad", motion.Sequence{{Angles: map[robot.ServoID]float64{robot.Gripper: 1}, Delay: -1}})
	assert.Error(t, err)
}
