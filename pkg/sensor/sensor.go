// Package sensor defines the IMU capability interface and a registry that
// builds sensors from a configuration type tag.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gwillem/servobot/pkg/fault"
)

// StandardGravity in m/s².
const StandardGravity = 9.80665

// Vector3 is a 3-axis reading.
type Vector3 struct {
	X, Y, Z float64
}

// Norm returns the Euclidean length.
func (v Vector3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Sub returns v - o.
func (v Vector3) Sub(o Vector3) Vector3 {
	return Vector3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

// Sample is one IMU reading. Accel is in m/s², Gyro in deg/s.
type Sample struct {
	Accel Vector3
	Gyro  Vector3
	Time  time.Time
}

// Sensor is an IMU source.
type Sensor interface {
	Setup(ctx context.Context) error
	Read(ctx context.Context) (Sample, error)
	Cleanup() error
}

// ReadTimeout reads one sample, failing with Timeout when the sensor does
// not answer within timeout. A non-positive timeout means no bound.
func ReadTimeout(ctx context.Context, s Sensor, timeout time.Duration) (Sample, error) {
	if timeout <= 0 {
		return s.Read(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		sample Sample
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		smp, err := s.Read(ctx)
		ch <- result{smp, err}
	}()

	select {
	case r := <-ch:
		if errors.Is(r.err, context.DeadlineExceeded) {
			return Sample{}, fault.Wrap(fault.CodeTimeout, r.err, fmt.Sprintf("sensor read exceeded %v", timeout))
		}
		return r.sample, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Sample{}, fault.Wrap(fault.CodeTimeout, ctx.Err(), fmt.Sprintf("sensor read exceeded %v", timeout))
		}
		return Sample{}, ctx.Err()
	}
}
