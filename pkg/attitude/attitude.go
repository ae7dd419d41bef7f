// Package attitude estimates pitch and roll from an accelerometer and gyro
// with one scalar Kalman filter per axis.
//
// Yaw is integrated from the gyro only and drifts; nothing in an
// accelerometer constrains it.
package attitude

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gwillem/servobot/pkg/fault"
	"github.com/gwillem/servobot/pkg/robot"
	"github.com/gwillem/servobot/pkg/sensor"
	"github.com/gwillem/servobot/pkg/state"
)

// StateKey is the key of the latest Estimate in the sensors category.
const StateKey = "attitude"

const (
	DefaultProcessVariance     = 0.001
	DefaultMeasurementVariance = 0.1
	DefaultGravityTolerance    = 0.1
	DefaultDivergenceBound     = 1e6

	initialVariance = 1.0
)

// Estimate is a filtered attitude in degrees and deg/s.
type Estimate struct {
	Pitch float64 `json:"pitch"`
	Roll  float64 `json:"roll"`
	Yaw   float64 `json:"yaw"`

	PitchRate float64 `json:"pitch_rate"`
	RollRate  float64 `json:"roll_rate"`
	YawRate   float64 `json:"yaw_rate"`

	// Covariance of the pitch and roll estimates.
	PitchVariance float64 `json:"pitch_variance"`
	RollVariance  float64 `json:"roll_variance"`

	// Corrected is false when the last update skipped the accelerometer
	// correction because the body was accelerating.
	Corrected bool      `json:"corrected"`
	Updated   time.Time `json:"updated"`
}

type axis struct {
	angle float64
	p     float64
}

func (a *axis) predict(rate, dt, q float64) {
	a.angle = wrap(a.angle + rate*dt)
	a.p += q
}

func (a *axis) correct(measured, r float64) {
	k := a.p / (a.p + r)
	a.angle = wrap(a.angle + k*wrap(measured-a.angle))
	a.p *= 1 - k
}

// Filter is the attitude estimator. It is safe for concurrent use.
type Filter struct {
	q, r, tol, bound float64
	store            *state.Store
	now              func() time.Time

	mu          sync.RWMutex
	pitch, roll axis
	yaw         float64
	gyroBias    sensor.Vector3
	accelBias   sensor.Vector3
	last        Estimate
}

// New builds a filter from cfg. Zero fields take the package defaults. The
// store may be nil, in which case estimates are not published.
func New(cfg robot.FilterConfig, store *state.Store) *Filter {
	f := &Filter{
		q:     orDefault(cfg.ProcessVariance, DefaultProcessVariance),
		r:     orDefault(cfg.MeasurementVariance, DefaultMeasurementVariance),
		tol:   orDefault(cfg.GravityTolerance, DefaultGravityTolerance),
		bound: orDefault(cfg.DivergenceBound, DefaultDivergenceBound),
		store: store,
		now:   time.Now,
	}
	f.reset()
	return f
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

// Update runs one predict/correct cycle with accel in m/s², gyro in deg/s
// and dt in seconds. The gyro x axis is the roll rate, y the pitch rate and
// z the yaw rate. It fails with FilterDivergence when a covariance exceeds
// the configured bound or the state turns non-finite; call Reset then.
func (f *Filter) Update(accel, gyro sensor.Vector3, dt float64) (Estimate, error) {
	if dt < 0 || math.IsNaN(dt) || math.IsInf(dt, 0) {
		return Estimate{}, fmt.Errorf("invalid dt %v", dt)
	}

	f.mu.Lock()
	accel = accel.Sub(f.accelBias)
	gyro = gyro.Sub(f.gyroBias)

	f.roll.predict(gyro.X, dt, f.q)
	f.pitch.predict(gyro.Y, dt, f.q)
	f.yaw = wrap(f.yaw + gyro.Z*dt)

	pitch, roll, ok := f.tilt(accel)
	if ok {
		f.pitch.correct(pitch, f.r)
		f.roll.correct(roll, f.r)
	}

	est := Estimate{
		Pitch:         f.pitch.angle,
		Roll:          f.roll.angle,
		Yaw:           f.yaw,
		PitchRate:     gyro.Y,
		RollRate:      gyro.X,
		YawRate:       gyro.Z,
		PitchVariance: f.pitch.p,
		RollVariance:  f.roll.p,
		Corrected:     ok,
		Updated:       f.now(),
	}
	f.last = est
	f.mu.Unlock()

	if err := f.diverged(est); err != nil {
		return est, err
	}
	if f.store != nil {
		if err := f.store.Update(state.Sensors, StateKey, est); err != nil {
			return est, fmt.Errorf("publish attitude: %w", err)
		}
	}
	return est, nil
}

func (f *Filter) diverged(e Estimate) error {
	for _, v := range []float64{e.Pitch, e.Roll, e.Yaw, e.PitchVariance, e.RollVariance} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fault.New(fault.CodeFilterDivergence, "attitude state is not finite")
		}
	}
	if p := math.Max(e.PitchVariance, e.RollVariance); p > f.bound {
		return fault.Newf(fault.CodeFilterDivergence, "attitude covariance %g exceeds %g", p, f.bound)
	}
	return nil
}

// tilt derives pitch and roll from gravity. ok is false when the magnitude
// is not within tolerance of standard gravity.
func (f *Filter) tilt(accel sensor.Vector3) (pitch, roll float64, ok bool) {
	if math.Abs(accel.Norm()-sensor.StandardGravity) > f.tol*sensor.StandardGravity {
		return 0, 0, false
	}
	pitch, roll = AccelTilt(accel)
	return pitch, roll, true
}

// AccelTilt returns the pitch and roll in degrees implied by a gravity
// vector.
func AccelTilt(accel sensor.Vector3) (pitch, roll float64) {
	pitch = math.Atan2(-accel.X, math.Hypot(accel.Y, accel.Z)) * 180 / math.Pi
	roll = math.Atan2(accel.Y, accel.Z) * 180 / math.Pi
	return pitch, roll
}

// Attitude returns the latest pitch, roll and yaw in degrees.
func (f *Filter) Attitude() (pitch, roll, yaw float64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.last.Pitch, f.last.Roll, f.last.Yaw
}

// Estimate returns the latest full estimate.
func (f *Filter) Estimate() Estimate {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.last
}

// Bias returns the current accelerometer and gyro bias.
func (f *Filter) Bias() (accel, gyro sensor.Vector3) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.accelBias, f.gyroBias
}

// Reset restores the initial angles and covariance. Bias is cleared unless
// keepBias is set.
func (f *Filter) Reset(keepBias bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, g := f.accelBias, f.gyroBias
	f.reset()
	if keepBias {
		f.accelBias, f.gyroBias = a, g
	}
}

func (f *Filter) reset() {
	f.pitch = axis{p: initialVariance}
	f.roll = axis{p: initialVariance}
	f.yaw = 0
	f.accelBias, f.gyroBias = sensor.Vector3{}, sensor.Vector3{}
	f.last = Estimate{PitchVariance: initialVariance, RollVariance: initialVariance}
}

// Calibrate sets the sensor bias from samples taken while the body is level
// and still: the mean gyro reading becomes the gyro bias and the mean
// deviation from (0, 0, g) the accelerometer bias.
func (f *Filter) Calibrate(samples []sensor.Sample) error {
	if len(samples) == 0 {
		return fmt.Errorf("calibrate: no samples")
	}
	var a, g sensor.Vector3
	for _, s := range samples {
		a.X += s.Accel.X
		a.Y += s.Accel.Y
		a.Z += s.Accel.Z
		g.X += s.Gyro.X
		g.Y += s.Gyro.Y
		g.Z += s.Gyro.Z
	}
	n := float64(len(samples))
	a = sensor.Vector3{X: a.X / n, Y: a.Y / n, Z: a.Z/n - sensor.StandardGravity}
	g = sensor.Vector3{X: g.X / n, Y: g.Y / n, Z: g.Z / n}

	f.mu.Lock()
	f.accelBias, f.gyroBias = a, g
	f.mu.Unlock()
	return nil
}

// wrap maps an angle to (-180, 180].
func wrap(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg <= -180 {
		deg += 360
	} else if deg > 180 {
		deg -= 360
	}
	return deg
}
