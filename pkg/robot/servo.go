// Package robot provides servo identities, angle limits, calibration and the
// servo drivers for servo-actuated robots.
package robot

import (
	"cmp"
	"maps"
	"slices"
	"time"

	"github.com/gwillem/servobot/pkg/fault"
)

// ServoID identifies a servo on the robot.
type ServoID string

// Servo names for the SO-101 arm, matching bus IDs 1-6.
const (
	ShoulderPan  ServoID = "shoulder_pan"
	ShoulderLift ServoID = "shoulder_lift"
	ElbowFlex    ServoID = "elbow_flex"
	WristFlex    ServoID = "wrist_flex"
	WristRoll    ServoID = "wrist_roll"
	Gripper      ServoID = "gripper"
)

// SO101Servos returns the SO-101 servo names in bus ID order.
func SO101Servos() []ServoID {
	return []ServoID{
		ShoulderPan,
		ShoulderLift,
		ElbowFlex,
		WristFlex,
		WristRoll,
		Gripper,
	}
}

// Limits is the permitted angle range of a servo, in degrees.
type Limits struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Contains reports whether angle lies within [Min, Max].
func (l Limits) Contains(angle float64) bool {
	return angle >= l.Min && angle <= l.Max
}

// Clamp returns angle limited to [Min, Max].
func (l Limits) Clamp(angle float64) float64 {
	return min(max(angle, l.Min), l.Max)
}

// LimitMap holds the limits of every known servo.
type LimitMap map[ServoID]Limits

// Check fails with AngleOutOfRange if angle is outside the servo's range,
// or NotFound if the servo has no configured limits.
func (m LimitMap) Check(id ServoID, angle float64) error {
	l, ok := m[id]
	if !ok {
		return fault.Newf(fault.CodeNotFound, "servo %s has no limits", id).With("servo", string(id))
	}
	if !l.Contains(angle) {
		return fault.Newf(fault.CodeAngleOutOfRange, "servo %s: angle %.2f outside [%.2f, %.2f]", id, angle, l.Min, l.Max).
			With("servo", string(id))
	}
	return nil
}

// Clamp limits angle to the servo's range. Servos without limits pass through.
func (m LimitMap) Clamp(id ServoID, angle float64) float64 {
	if l, ok := m[id]; ok {
		return l.Clamp(angle)
	}
	return angle
}

// Target is one commanded servo angle.
type Target struct {
	Servo     ServoID   `json:"servo_id"`
	Angle     float64   `json:"angle"`
	Timestamp time.Time `json:"timestamp"`
}

// SortedIDs returns the keys of m in lexical order.
func SortedIDs[V any](m map[ServoID]V) []ServoID {
	return slices.SortedFunc(maps.Keys(m), func(a, b ServoID) int {
		return cmp.Compare(a, b)
	})
}
