package motion

import (
	"fmt"
	"math"

	"github.com/gwillem/servobot/pkg/robot"
)

// IssueKind classifies a validation finding.
type IssueKind string

const (
	IssueStructure    IssueKind = "structure"
	IssueAngleLimit   IssueKind = "angle_limit"
	IssueUnknownServo IssueKind = "unknown_servo"
	IssueVelocity     IssueKind = "velocity"
	IssueAcceleration IssueKind = "acceleration"
	IssueTiming       IssueKind = "timing"
)

// Issue is one problem found in a sequence. Frame is -1 for issues that
// concern the whole sequence.
type Issue struct {
	Kind    IssueKind
	Frame   int
	Servo   robot.ServoID
	Message string
}

func (i Issue) String() string {
	if i.Servo != "" {
		return fmt.Sprintf("frame %d, %s: %s", i.Frame, i.Servo, i.Message)
	}
	return fmt.Sprintf("frame %d: %s", i.Frame, i.Message)
}

// Bounds are the physical limits a sequence is checked against. Zero
// velocity or acceleration disables that check; a nil Limits map disables
// the angle checks.
type Bounds struct {
	Limits          robot.LimitMap
	MaxVelocity     float64 // deg/s
	MaxAcceleration float64 // deg/s²
	// MinDelay flags transitions between different poses that are
	// scheduled faster than this, in seconds.
	MinDelay float64
}

// Validate reports every problem in seq against b. An empty result means the
// sequence can be played as is.
func Validate(seq Sequence, b Bounds) []Issue {
	if err := seq.Validate(); err != nil {
		return []Issue{{Kind: IssueStructure, Frame: -1, Message: err.Error()}}
	}

	var issues []Issue
	if b.Limits != nil {
		for i, kf := range seq {
			for _, id := range robot.SortedIDs(kf.Angles) {
				l, ok := b.Limits[id]
				if !ok {
					issues = append(issues, Issue{Kind: IssueUnknownServo, Frame: i, Servo: id,
						Message: "no angle limits configured"})
					continue
				}
				if a := kf.Angles[id]; !l.Contains(a) {
					issues = append(issues, Issue{Kind: IssueAngleLimit, Frame: i, Servo: id,
						Message: fmt.Sprintf("angle %.2f outside [%.2f, %.2f]", a, l.Min, l.Max)})
				}
			}
		}
	}

	poses := seq.resolve()
	for i := 0; i < len(seq)-1; i++ {
		d := seq[i].Delay
		moved := false
		for _, id := range robot.SortedIDs(poses[i+1]) {
			a, ok := poses[i][id]
			if !ok {
				continue
			}
			delta := math.Abs(poses[i+1][id] - a)
			if delta == 0 {
				continue
			}
			moved = true
			if b.MaxVelocity > 0 {
				if d == 0 {
					issues = append(issues, Issue{Kind: IssueVelocity, Frame: i + 1, Servo: id,
						Message: fmt.Sprintf("moves %.2f° with no delay", delta)})
				} else if v := delta / d; v > b.MaxVelocity {
					issues = append(issues, Issue{Kind: IssueVelocity, Frame: i + 1, Servo: id,
						Message: fmt.Sprintf("velocity %.1f°/s exceeds %.1f°/s", v, b.MaxVelocity)})
				}
			}
		}
		if moved && b.MinDelay > 0 && d < b.MinDelay {
			issues = append(issues, Issue{Kind: IssueTiming, Frame: i,
				Message: fmt.Sprintf("delay %.3fs is below minimum %.3fs", d, b.MinDelay)})
		}
	}

	if b.MaxAcceleration > 0 {
		for i := 1; i < len(seq)-1; i++ {
			d1, d2 := seq[i-1].Delay, seq[i].Delay
			if d1 <= 0 || d2 <= 0 {
				continue
			}
			if acc := peakAcceleration(poses, i, d1, d2); acc > b.MaxAcceleration {
				issues = append(issues, Issue{Kind: IssueAcceleration, Frame: i,
					Message: fmt.Sprintf("acceleration %.1f°/s² exceeds %.1f°/s²", acc, b.MaxAcceleration)})
			}
		}
	}
	return issues
}
