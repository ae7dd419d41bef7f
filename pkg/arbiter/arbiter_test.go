package arbiter

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/servobot/pkg/fault"
	"github.com/gwillem/servobot/pkg/robot"
	"github.com/gwillem/servobot/pkg/state"
)

func newArbiter(t *testing.T, m Mode) (*Arbiter, *state.Store) {
	t.Helper()
	s := state.New(state.Options{})
	a, err := New(s, m)
	require.NoError(t, err)
	return a, s
}

func TestNewPublishesMode(t *testing.T) {
	_, s := newArbiter(t, Scripted)
	m, err := state.Get[Mode](s, state.System, ModeKey)
	require.NoError(t, err)
	assert.Equal(t, Scripted, m)

	_, err = New(s, Mode("dance"))
	assert.Error(t, err)
}

func TestClaimIsAllOrNothing(t *testing.T) {
	a, _ := newArbiter(t, Scripted)

	require.NoError(t, a.Claim("wave", []robot.ServoID{robot.ShoulderPan, robot.ElbowFlex}))
	require.NoError(t, a.Claim("grip", []robot.ServoID{robot.Gripper}))

	err := a.Claim("nod", []robot.ServoID{robot.WristFlex, robot.ElbowFlex})
	assert.True(t, errors.Is(err, fault.ErrConflict), "got %v", err)
	_, held := a.Owner(robot.WristFlex)
	assert.False(t, held, "failed claim must not hold anything")

	a.Release("wave")
	a.Release("wave")
	require.NoError(t, a.Claim("nod", []robot.ServoID{robot.WristFlex, robot.ElbowFlex}))
	assert.Equal(t, []robot.ServoID{robot.ElbowFlex, robot.WristFlex}, a.Claimed("nod"))
}

func TestClaimRequiresScriptedMode(t *testing.T) {
	a, _ := newArbiter(t, Balancing)
	err := a.Claim("wave", []robot.ServoID{robot.ShoulderPan})
	assert.True(t, errors.Is(err, fault.ErrBusy), "got %v", err)
}

func TestSetModeBusyWhileBalanceServoClaimed(t *testing.T) {
	a, s := newArbiter(t, Scripted)
	a.SetBalanceServos(robot.WristFlex)

	require.NoError(t, a.Claim("wave", []robot.ServoID{robot.WristFlex}))
	err := a.SetMode(Balancing)
	assert.True(t, errors.Is(err, fault.ErrBusy), "got %v", err)

	m, _ := a.Mode()
	assert.Equal(t, Scripted, m)

	// escalation is never blocked
	require.NoError(t, a.SetMode(Error))
	require.NoError(t, a.SetMode(Scripted))

	a.Release("wave")
	require.NoError(t, a.SetMode(Balancing))
	m, _ = state.Get[Mode](s, state.System, ModeKey)
	assert.Equal(t, Balancing, m)
}

func TestSetModeAllowsDisjointClaims(t *testing.T) {
	a, _ := newArbiter(t, Scripted)
	a.SetBalanceServos(robot.WristFlex)

	require.NoError(t, a.Claim("grip", []robot.ServoID{robot.Gripper}))
	assert.NoError(t, a.SetMode(Balancing))
}

func TestCheckManual(t *testing.T) {
	a, _ := newArbiter(t, Scripted)
	a.SetBalanceServos(robot.WristFlex)
	require.NoError(t, a.Claim("wave", []robot.ServoID{robot.ShoulderPan}))

	assert.NoError(t, a.CheckManual([]robot.ServoID{robot.WristFlex}))
	assert.True(t, errors.Is(a.CheckManual([]robot.ServoID{robot.ShoulderPan}), fault.ErrConflict))

	a.Release("wave")
	require.NoError(t, a.SetMode(Balancing))
	assert.True(t, errors.Is(a.CheckManual([]robot.ServoID{robot.WristFlex}), fault.ErrBusy))
	assert.NoError(t, a.CheckManual([]robot.ServoID{robot.Gripper}))

	require.NoError(t, a.SetMode(Error))
	assert.True(t, errors.Is(a.CheckManual([]robot.ServoID{robot.Gripper}), fault.ErrBusy))
}

func TestPermit(t *testing.T) {
	a, _ := newArbiter(t, Balancing)
	assert.NoError(t, a.Permit(Balancing))
	assert.True(t, errors.Is(a.Permit(Scripted), fault.ErrBusy))
}

func TestDriveClaimedChecksOwnerAndMode(t *testing.T) {
	a, _ := newArbiter(t, Scripted)
	require.NoError(t, a.Claim("wave", []robot.ServoID{robot.ShoulderPan}))

	calls := 0
	write := func() error { calls++; return nil }

	require.NoError(t, a.DriveClaimed("wave", []robot.ServoID{robot.ShoulderPan}, write))
	err := a.DriveClaimed("nod", []robot.ServoID{robot.ShoulderPan}, write)
	assert.True(t, errors.Is(err, fault.ErrConflict), "got %v", err)

	require.NoError(t, a.SetMode(Error))
	err = a.DriveClaimed("wave", []robot.ServoID{robot.ShoulderPan}, write)
	assert.True(t, errors.Is(err, fault.ErrBusy), "got %v", err)
	assert.Equal(t, 1, calls)
}

func TestDriveBalanceRequiresModeAndFreeServo(t *testing.T) {
	a, _ := newArbiter(t, Scripted)
	a.SetBalanceServos(robot.WristFlex)
	write := func() error { return nil }

	err := a.DriveBalance([]robot.ServoID{robot.WristFlex}, write)
	assert.True(t, errors.Is(err, fault.ErrBusy), "got %v", err)

	require.NoError(t, a.Claim("wave", []robot.ServoID{robot.ElbowFlex}))
	require.NoError(t, a.SetMode(Balancing))
	require.NoError(t, a.DriveBalance([]robot.ServoID{robot.WristFlex}, write))
	err = a.DriveBalance([]robot.ServoID{robot.ElbowFlex}, write)
	assert.True(t, errors.Is(err, fault.ErrConflict), "got %v", err)
}

func TestSetModeWaitsForWriteInProgress(t *testing.T) {
	a, _ := newArbiter(t, Balancing)
	a.SetBalanceServos(robot.WristFlex)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = a.DriveBalance([]robot.ServoID{robot.WristFlex}, func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	switched := make(chan error, 1)
	go func() { switched <- a.SetMode(Scripted) }()
	select {
	case <-switched:
		t.Fatal("mode changed during a balance write")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-switched)

	err := a.DriveBalance([]robot.ServoID{robot.WristFlex}, func() error { return nil })
	assert.True(t, errors.Is(err, fault.ErrBusy), "got %v", err)
}

func TestOnModeSeesEveryChange(t *testing.T) {
	a, _ := newArbiter(t, Scripted)
	var seen []Mode
	a.OnMode(func(m Mode) { seen = append(seen, m) })

	require.NoError(t, a.SetMode(Balancing))
	require.NoError(t, a.SetMode(Error))
	assert.Error(t, a.SetMode(Mode("dance")))
	assert.Equal(t, []Mode{Balancing, Error}, seen)
}
