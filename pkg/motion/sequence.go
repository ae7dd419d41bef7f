// Package motion holds keyframe sequences and the pure functions that shape
// them into tick-level trajectories.
//
// Every function here is stateless and safe for concurrent use. Inputs are
// never mutated; results are fresh copies.
package motion

import (
	"fmt"
	"maps"
	"math"
	"time"

	"github.com/gwillem/servobot/pkg/robot"
)

// Keyframe is one pose plus the time to wait after commanding it, before the
// next keyframe is issued. Delay is in seconds.
type Keyframe struct {
	Angles map[robot.ServoID]float64 `json:"angles"`
	Delay  float64                   `json:"delay"`
}

// Sequence is an ordered list of keyframes.
type Sequence []Keyframe

// Validate checks the structural invariants: at least one keyframe, at least
// one servo, finite angles and non-negative finite delays.
func (s Sequence) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("sequence is empty")
	}
	servos := 0
	for i, kf := range s {
		if kf.Delay < 0 || math.IsNaN(kf.Delay) || math.IsInf(kf.Delay, 0) {
			return fmt.Errorf("frame %d: invalid delay %v", i, kf.Delay)
		}
		for id, a := range kf.Angles {
			if math.IsNaN(a) || math.IsInf(a, 0) {
				return fmt.Errorf("frame %d: servo %s: invalid angle %v", i, id, a)
			}
		}
		servos += len(kf.Angles)
	}
	if servos == 0 {
		return fmt.Errorf("sequence references no servos")
	}
	return nil
}

// Clone returns a deep copy.
func (s Sequence) Clone() Sequence {
	if s == nil {
		return nil
	}
	out := make(Sequence, len(s))
	for i, kf := range s {
		out[i] = Keyframe{Angles: maps.Clone(kf.Angles), Delay: kf.Delay}
		if out[i].Angles == nil {
			out[i].Angles = map[robot.ServoID]float64{}
		}
	}
	return out
}

// Servos returns every servo referenced by the sequence, sorted.
func (s Sequence) Servos() []robot.ServoID {
	set := make(map[robot.ServoID]struct{})
	for _, kf := range s {
		for id := range kf.Angles {
			set[id] = struct{}{}
		}
	}
	return robot.SortedIDs(set)
}

// Duration is the sum of all delays.
func (s Sequence) Duration() time.Duration {
	var total float64
	for _, kf := range s {
		total += kf.Delay
	}
	return seconds(total)
}

// Equal reports whether both sequences have the same frames, angles and delays.
func (s Sequence) Equal(o Sequence) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i].Delay != o[i].Delay || !maps.Equal(s[i].Angles, o[i].Angles) {
			return false
		}
	}
	return true
}

// resolve returns, for every frame, the full pose in effect after that frame
// is commanded: servos not mentioned keep their previous angle.
func (s Sequence) resolve() []map[robot.ServoID]float64 {
	out := make([]map[robot.ServoID]float64, len(s))
	cur := make(map[robot.ServoID]float64)
	for i, kf := range s {
		maps.Copy(cur, kf.Angles)
		out[i] = maps.Clone(cur)
	}
	return out
}

// FromSteps builds a sequence from persisted step records. Consecutive
// records are commanded together; a record with a positive delay closes the
// current keyframe. Trailing zero-delay records form a final keyframe.
func FromSteps(steps []robot.Step) (Sequence, error) {
	var seq Sequence
	cur := Keyframe{Angles: map[robot.ServoID]float64{}}
	for i, st := range steps {
		if st.Servo == "" {
			return nil, fmt.Errorf("step %d: servo id is required", i)
		}
		if st.Delay < 0 {
			return nil, fmt.Errorf("step %d: negative delay %v", i, st.Delay)
		}
		cur.Angles[st.Servo] = st.Angle
		if st.Delay > 0 {
			cur.Delay = st.Delay
			seq = append(seq, cur)
			cur = Keyframe{Angles: map[robot.ServoID]float64{}}
		}
	}
	if len(cur.Angles) > 0 {
		seq = append(seq, cur)
	}
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	return seq, nil
}

// Steps flattens the sequence into step records: each keyframe's servos in
// sorted order, the keyframe delay on its last record.
//
// FromSteps(s.Steps()) equals s when every keyframe but the last has a
// positive delay; zero-delay keyframes merge into their successor.
func (s Sequence) Steps() []robot.Step {
	var steps []robot.Step
	for _, kf := range s {
		ids := robot.SortedIDs(kf.Angles)
		for j, id := range ids {
			st := robot.Step{Servo: id, Angle: kf.Angles[id]}
			if j == len(ids)-1 {
				st.Delay = kf.Delay
			}
			steps = append(steps, st)
		}
	}
	return steps
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
