package motion

import (
	"fmt"
	"maps"

	"github.com/gwillem/servobot/pkg/robot"
)

// Blend joins a and b with a cosine-eased transition of frames keyframes
// spread over duration seconds, from the final pose of a to the first pose
// of b. Servos that only one side mentions hold their angle through the
// transition. The last keyframe of a gets duration/(frames+1) as its delay
// so the transition starts after it.
func Blend(a, b Sequence, frames int, duration float64) (Sequence, error) {
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("first sequence: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("second sequence: %w", err)
	}
	if frames < 0 || duration < 0 {
		return nil, fmt.Errorf("invalid blend: frames=%d duration=%v", frames, duration)
	}

	from := a.resolve()[len(a)-1]
	to := maps.Clone(from)
	maps.Copy(to, b.resolve()[0])

	step := duration / float64(frames+1)
	out := a.Clone()
	out[len(out)-1].Delay = step

	for j := 1; j <= frames; j++ {
		t := Cosine(float64(j) / float64(frames+1))
		angles := make(map[robot.ServoID]float64, len(to))
		for id, end := range to {
			start, ok := from[id]
			if !ok {
				start = end
			}
			angles[id] = start + t*(end-start)
		}
		out = append(out, Keyframe{Angles: angles, Delay: step})
	}
	return append(out, b.Clone()...), nil
}
