package action

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gwillem/servobot/pkg/fault"
	"github.com/gwillem/servobot/pkg/motion"
	"github.com/gwillem/servobot/pkg/robot"
	"github.com/gwillem/servobot/pkg/state"
)

// Execution is one run of an action group. It is the handle returned by
// Execute and stays valid after the run ends.
type Execution struct {
	id      string
	name    string
	mode    Mode
	servos  []robot.ServoID
	frames  motion.Sequence
	started time.Time

	sched  *Scheduler
	cb     Callback
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	status   Status
	frame    int
	failures int
	err      error
	resume   chan struct{} // non-nil while paused
}

// ID is unique per execution.
func (e *Execution) ID() string { return e.id }

// Name is the action group name.
func (e *Execution) Name() string { return e.name }

// Mode is the mode the execution was started with.
func (e *Execution) Mode() Mode { return e.mode }

// Servos are the servos claimed for the whole run.
func (e *Execution) Servos() []robot.ServoID { return e.servos }

// Done is closed once the execution reached a terminal status and its
// callback returned.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Status returns the current status.
func (e *Execution) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Err returns why a failed execution failed.
func (e *Execution) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Wait blocks until the execution ends or ctx is done.
func (e *Execution) Wait(ctx context.Context) (Status, error) {
	select {
	case <-e.done:
		return e.Status(), e.Err()
	case <-ctx.Done():
		return e.Status(), ctx.Err()
	}
}

// Record returns a status snapshot.
func (e *Execution) Record() Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := Record{
		ID:       e.id,
		Group:    e.name,
		Mode:     e.mode,
		Status:   e.status,
		Servos:   e.servos,
		Frame:    e.frame,
		Frames:   len(e.frames),
		Failures: e.failures,
		Started:  e.started,
	}
	if e.err != nil {
		r.Error = e.err.Error()
	}
	return r
}

func (e *Execution) pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != Running {
		return fault.Newf(fault.CodeBusy, "action %s is %s, not running", e.name, e.status).
			With("group", e.name)
	}
	e.status = Paused
	e.resume = make(chan struct{})
	return nil
}

func (e *Execution) unpause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != Paused {
		return
	}
	e.status = Running
	close(e.resume)
	e.resume = nil
}

func (e *Execution) setStatus(s Status) {
	e.mu.Lock()
	if !e.status.Terminal() {
		e.status = s
	}
	e.mu.Unlock()
	e.sched.publish(e)
}

func (e *Execution) run(span trace.Span) {
	status := Cancelled
	var err error
	defer func() {
		if r := recover(); r != nil {
			status, err = Failed, fmt.Errorf("action %s: panic: %v", e.name, r)
		}
		e.finish(status, err, span)
	}()

	e.setStatus(Running)
	for i, f := range e.frames {
		if !e.waitWhilePaused() {
			return
		}
		e.mu.Lock()
		e.frame = i
		e.mu.Unlock()

		if err = e.write(i, f); err != nil {
			status = Failed
			return
		}
		if !e.sleep(seconds(f.Delay)) {
			return
		}
	}
	if e.ctx.Err() == nil {
		status = Completed
	}
}

// waitWhilePaused returns false once the execution is cancelled.
func (e *Execution) waitWhilePaused() bool {
	for {
		if e.ctx.Err() != nil {
			return false
		}
		e.mu.Lock()
		ch := e.resume
		e.mu.Unlock()
		if ch == nil {
			return true
		}
		select {
		case <-e.ctx.Done():
			return false
		case <-ch:
		}
	}
}

// sleep waits d in sub-ticks of at most the scheduler tick. Paused time does
// not count toward d. It returns false once the execution is cancelled.
func (e *Execution) sleep(d time.Duration) bool {
	tick := e.sched.opts.Tick
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for d > 0 {
		if !e.waitWhilePaused() {
			return false
		}
		step := min(d, tick)
		timer.Reset(step)
		select {
		case <-e.ctx.Done():
			return false
		case <-timer.C:
			d -= step
		}
	}
	return e.ctx.Err() == nil
}

// write commands one frame while the arbiter confirms the execution still
// owns its servos. Rejected servo writes are logged and skipped; it fails only
// once the failure threshold is exceeded. If the arbiter refuses, e.g. after
// the system entered Error mode, the execution is cancelled.
func (e *Execution) write(index int, f motion.Keyframe) error {
	s := e.sched
	batch := make(map[string]any, len(f.Angles))
	now := time.Now()

	fail := func(id robot.ServoID, cause error) error {
		e.mu.Lock()
		e.failures++
		n := e.failures
		e.mu.Unlock()
		s.logf("action %s: frame %d: servo %s: %v", e.name, index, id, cause)
		if n > s.opts.FailureThreshold {
			return fmt.Errorf("action %s: %d write failures: %w", e.name, n, cause)
		}
		return nil
	}

	ids := robot.SortedIDs(f.Angles)
	admitted := false
	err := s.arb.DriveClaimed(e.name, ids, func() error {
		admitted = true
		for _, id := range ids {
			if e.ctx.Err() != nil {
				return nil
			}
			angle := f.Angles[id]
			if err := s.writeServo(e.ctx, id, angle); err != nil {
				if e.ctx.Err() != nil {
					return nil
				}
				if ferr := fail(id, err); ferr != nil {
					return ferr
				}
				continue
			}
			batch[string(id)] = robot.Target{Servo: id, Angle: angle, Timestamp: now}
		}
		if len(batch) > 0 {
			if err := s.store.UpdateBatch(state.Servos, batch); err != nil {
				return fail("*", err)
			}
		}
		return nil
	})
	if !admitted && err != nil {
		s.logf("action %s: frame %d: %v", e.name, index, err)
		e.cancel()
		return nil
	}
	if err != nil {
		return err
	}
	s.publish(e)
	return nil
}

func (e *Execution) finish(status Status, err error, span trace.Span) {
	e.sched.arb.Release(e.name)
	e.cancel()

	e.mu.Lock()
	e.status = status
	e.err = err
	if e.resume != nil {
		close(e.resume)
		e.resume = nil
	}
	frame := e.frame
	e.mu.Unlock()

	e.sched.retire(e)

	span.SetAttributes(
		attribute.String("action.status", string(status)),
		attribute.Int("action.frame", frame),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	if e.cb != nil {
		e.callback(status == Completed)
	}
	close(e.done)
	e.sched.wg.Done()
}

func (e *Execution) callback(success bool) {
	defer func() {
		if r := recover(); r != nil {
			e.sched.logf("action %s: callback panic: %v", e.name, r)
		}
	}()
	e.cb(e.name, success)
}
