package action

import (
	"maps"
	"math"
	"sync"
	"time"

	"github.com/gwillem/servobot/pkg/fault"
	"github.com/gwillem/servobot/pkg/motion"
	"github.com/gwillem/servobot/pkg/robot"
)

// Recorder turns captured angle commands into a sequence. The delay of each
// keyframe is the wall-clock gap to the next command, rounded to the
// millisecond; the last keyframe has no delay.
type Recorder struct {
	now     func() time.Time
	preview chan motion.Keyframe

	mu        sync.Mutex
	recording bool
	frames    motion.Sequence
	last      time.Time
}

// NewRecorder creates a recorder whose preview channel holds buffer frames.
func NewRecorder(buffer int, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		now:     now,
		preview: make(chan motion.Keyframe, max(buffer, 1)),
	}
}

// Start begins a new recording.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return fault.New(fault.CodeBusy, "already recording")
	}
	r.recording = true
	r.frames = nil
	return nil
}

// Recording reports whether a recording is in progress.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Capture appends one command. It does nothing while not recording.
func (r *Recorder) Capture(angles map[robot.ServoID]float64) {
	if len(angles) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}

	t := r.now()
	if n := len(r.frames); n > 0 {
		r.frames[n-1].Delay = roundMillis(t.Sub(r.last).Seconds())
	}
	f := motion.Keyframe{Angles: maps.Clone(angles)}
	r.frames = append(r.frames, f)
	r.last = t
	r.send(motion.Keyframe{Angles: maps.Clone(angles)})
}

// Stop ends the recording. It fails with NotFound when nothing is being
// recorded or nothing was captured.
func (r *Recorder) Stop() (motion.Sequence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return nil, fault.New(fault.CodeNotFound, "not recording")
	}
	r.recording = false
	seq := r.frames
	r.frames = nil
	if len(seq) == 0 {
		return nil, fault.New(fault.CodeNotFound, "no commands recorded")
	}
	return seq, nil
}

// Preview receives every captured keyframe. Old frames are dropped when the
// consumer falls behind.
func (r *Recorder) Preview() <-chan motion.Keyframe {
	return r.preview
}

func (r *Recorder) send(f motion.Keyframe) {
	select {
	case r.preview <- f:
	default:
		// Drop the oldest frame to make room
		select {
		case <-r.preview:
		default:
		}
		select {
		case r.preview <- f:
		default:
		}
	}
}

func roundMillis(s float64) float64 {
	return math.Round(s*1000) / 1000
}
