// Package action runs named action groups against the servos.
//
// A Scheduler loads groups from a Library, shapes them with a
// motion.Pipeline and plays each one as its own Execution goroutine. Servo
// claims taken through the arbiter keep two executions from driving the
// same servo; a second Execute touching a claimed servo fails with Conflict.
package action

import (
	"context"
	"time"

	"github.com/gwillem/servobot/pkg/motion"
	"github.com/gwillem/servobot/pkg/robot"
)

// Mode selects how an execution shares the robot.
type Mode string

const (
	// Sequential executions run alone: they start only when nothing else
	// runs and block every other execution until they finish.
	Sequential Mode = "sequential"
	// Parallel executions run alongside other parallel executions whose
	// servo sets are disjoint.
	Parallel Mode = "parallel"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	Pending   Status = "pending"
	Running   Status = "running"
	Paused    Status = "paused"
	Completed Status = "completed"
	Failed    Status = "failed"
	Cancelled Status = "cancelled"
)

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Callback is invoked exactly once when an execution ends.
type Callback func(name string, success bool)

// Record is the status of one execution as published in the actions state
// category, keyed by group name.
type Record struct {
	ID       string          `json:"id"`
	Group    string          `json:"group"`
	Mode     Mode            `json:"mode"`
	Status   Status          `json:"status"`
	Servos   []robot.ServoID `json:"servos"`
	Frame    int             `json:"frame"`
	Frames   int             `json:"frames"`
	Failures int             `json:"failures"`
	Started  time.Time       `json:"started"`
	Error    string          `json:"error,omitempty"`
}

// Library is the persisted action-group collection. Load fails with
// UnknownGroup when name is absent.
type Library interface {
	Load(ctx context.Context, name string) (motion.Sequence, error)
	Save(ctx context.Context, name string, seq motion.Sequence) error
	List(ctx context.Context) ([]string, error)
}

// Defaults.
const (
	DefaultTick             = 20 * time.Millisecond
	DefaultFailureThreshold = 3
	DefaultPreviewBuffer    = 16
)

// Options configures a Scheduler.
type Options struct {
	// Tick bounds how long an execution sleeps before checking for
	// cancellation or pause.
	Tick time.Duration
	// FailureThreshold is the number of failed servo writes an execution
	// tolerates; one more fails it.
	FailureThreshold int
	// WriteTimeout bounds each driver write.
	WriteTimeout time.Duration

	Pipeline motion.Pipeline
	Limits   robot.LimitMap
	// Driver receives every accepted angle. Nil publishes to the state
	// store only.
	Driver robot.AngleWriter

	PreviewBuffer int
	Logf          func(format string, args ...any)
	Now           func() time.Time
}

// OptionsFromConfig maps the scheduler configuration onto Options.
func OptionsFromConfig(cfg robot.SchedulerConfig, limits robot.LimitMap) (Options, error) {
	p, err := motion.NewPipeline(cfg, limits)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Tick:             seconds(cfg.TickSeconds),
		FailureThreshold: cfg.FailureThreshold,
		WriteTimeout:     seconds(cfg.WriteTimeoutSeconds),
		Pipeline:         p,
		Limits:           limits,
	}, nil
}

func (o *Options) applyDefaults() {
	if o.Tick <= 0 {
		o.Tick = DefaultTick
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = robot.DefaultWriteTimeout
	}
	if o.PreviewBuffer <= 0 {
		o.PreviewBuffer = DefaultPreviewBuffer
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
