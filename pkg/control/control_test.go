package control

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/servobot/pkg/arbiter"
	"github.com/gwillem/servobot/pkg/attitude"
	"github.com/gwillem/servobot/pkg/balance"
	"github.com/gwillem/servobot/pkg/fault"
	"github.com/gwillem/servobot/pkg/robot"
	"github.com/gwillem/servobot/pkg/sensor"
	"github.com/gwillem/servobot/pkg/state"
)

type failing struct {
	sensor.Static
	err error
}

func (f *failing) Read(context.Context) (sensor.Sample, error) { return sensor.Sample{}, f.err }

type counting struct {
	*sensor.Static
	setups, cleanups atomic.Int32
}

func (c *counting) Setup(context.Context) error { c.setups.Add(1); return nil }
func (c *counting) Cleanup() error { c.cleanups.Add(1); return nil }

type rig struct {
	store  *state.Store
	arb    *arbiter.Arbiter
	filter *attitude.Filter
	driver *robot.SimDriver
}

func newRig(t *testing.T) *rig {
	t.Helper()
	store := state.New(state.Options{})
	arb, err := arbiter.New(store, arbiter.Scripted)
	require.NoError(t, err)
	return &rig{
		store:  store,
		arb:    arb,
		filter: attitude.New(robot.FilterConfig{}, store),
		driver: robot.NewSimDriver(robot.LimitMap{robot.WristFlex: {Min: -90, Max: 90}}),
	}
}

func (r *rig) balance(t *testing.T) *balance.Controller {
	t.Helper()
	ctrl, err := balance.New(robot.BalanceConfig{Axes: []robot.AxisConfig{
		{Axis: balance.Pitch, Servo: robot.WristFlex, PID: robot.PIDConfig{Kp: 1}},
	}}, balance.Options{Store: r.store, Arbiter: r.arb, Driver: r.driver, Limits: r.driver.Limits(), Logf: t.Logf})
	require.NoError(t, err)
	return ctrl
}

func currentMode(t *testing.T, arb *arbiter.Arbiter) arbiter.Mode {
	t.Helper()
	m, err := arb.Mode()
	require.NoError(t, err)
	return m
}

func TestSensorStepPublishesAttitude(t *testing.T) {
	r := newRig(t)
	run, err := New(Config{
		Sensor:  sensor.NewStatic(sensor.Vector3{Z: sensor.StandardGravity}, sensor.Vector3{}),
		Filter:  r.filter,
		Arbiter: r.arb,
		Logf:    t.Logf,
	})
	require.NoError(t, err)

	est, err := run.SensorStep(context.Background())
	require.NoError(t, err)
	assert.True(t, est.Corrected)

	got, err := state.Get[attitude.Estimate](r.store, state.Sensors, attitude.StateKey)
	require.NoError(t, err)
	assert.Equal(t, est, got)

	select {
	case s := <-run.States():
		assert.Equal(t, est, s.Attitude)
	default:
		t.Fatal("no state pushed")
	}
}

func TestSensorFailuresEscalate(t *testing.T) {
	r := newRig(t)
	run, err := New(Config{
		Sensor:      &failing{err: fault.ErrTimeout},
		Filter:      r.filter,
		Arbiter:     r.arb,
		MaxFailures: 3,
	})
	require.NoError(t, err)

	for i := range 3 {
		_, err := run.SensorStep(context.Background())
		assert.True(t, errors.Is(err, fault.ErrTimeout))
		if i < 2 {
			assert.Equal(t, arbiter.Scripted, currentMode(t, r.arb))
		}
	}
	assert.Equal(t, arbiter.Error, currentMode(t, r.arb))
}

func TestDivergenceEscalatesAndResets(t *testing.T) {
	r := newRig(t)
	r.filter = attitude.New(robot.FilterConfig{ProcessVariance: 1e7, DivergenceBound: 1e6}, r.store)
	run, err := New(Config{
		Sensor:  sensor.NewStatic(sensor.Vector3{}, sensor.Vector3{}),
		Filter:  r.filter,
		Arbiter: r.arb,
	})
	require.NoError(t, err)

	_, err = run.SensorStep(context.Background())
	assert.True(t, errors.Is(err, fault.ErrFilterDivergence))
	assert.Equal(t, arbiter.Error, currentMode(t, r.arb))
	assert.Equal(t, 1.0, r.filter.Estimate().PitchVariance, "filter was reset")
}

func TestDivergenceResetOnly(t *testing.T) {
	r := newRig(t)
	r.filter = attitude.New(robot.FilterConfig{ProcessVariance: 1e7, DivergenceBound: 1e6}, r.store)
	run, err := New(Config{
		Sensor:            sensor.NewStatic(sensor.Vector3{}, sensor.Vector3{}),
		Filter:            r.filter,
		Arbiter:           r.arb,
		ResetOnDivergence: true,
	})
	require.NoError(t, err)

	_, err = run.SensorStep(context.Background())
	assert.True(t, errors.Is(err, fault.ErrFilterDivergence))
	assert.Equal(t, arbiter.Scripted, currentMode(t, r.arb))
}

func TestBalanceStepDrivesServo(t *testing.T) {
	r := newRig(t)
	static := sensor.NewStatic(sensor.Vector3{Z: sensor.StandardGravity}, sensor.Vector3{})
	run, err := New(Config{Sensor: static, Filter: r.filter, Balance: r.balance(t), Arbiter: r.arb})
	require.NoError(t, err)
	require.NoError(t, r.arb.SetMode(arbiter.Balancing))

	_, err = run.SensorStep(context.Background())
	require.NoError(t, err)
	out, err := run.BalanceStep(context.Background())
	require.NoError(t, err)
	assert.Contains(t, out, robot.WristFlex)
	assert.Len(t, r.driver.WritesFor(robot.WristFlex), 1)
}

func TestStartRunsUntilCancelled(t *testing.T) {
	r := newRig(t)
	c := &counting{Static: sensor.NewStatic(sensor.Vector3{Z: sensor.StandardGravity}, sensor.Vector3{})}
	run, err := New(Config{Sensor: c, Filter: r.filter, Balance: r.balance(t), Arbiter: r.arb, SensorHz: 200, BalanceHz: 200})
	require.NoError(t, err)
	require.NoError(t, r.arb.SetMode(arbiter.Balancing))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(r.driver.WritesFor(robot.WristFlex)) > 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Error(t, run.Start(context.Background()), "second start")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	assert.Equal(t, int32(1), c.setups.Load())
	assert.Equal(t, int32(1), c.cleanups.Load())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
