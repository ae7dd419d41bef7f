package action

import (
	"context"
	"fmt"
	"log"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/gwillem/servobot/pkg/arbiter"
	"github.com/gwillem/servobot/pkg/fault"
	"github.com/gwillem/servobot/pkg/motion"
	"github.com/gwillem/servobot/pkg/robot"
	"github.com/gwillem/servobot/pkg/state"
)

var tracer = otel.Tracer("github.com/gwillem/servobot/pkg/action")

// Scheduler plays action groups and records manual commands.
type Scheduler struct {
	store *state.Store
	arb   *arbiter.Arbiter
	lib   Library
	opts  Options
	rec   *Recorder

	base  context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup
	logfn func(format string, args ...any)

	mu        sync.Mutex
	cache     map[string]motion.Sequence
	active    map[string]*Execution
	exclusive string
	closed    bool
}

// New creates a scheduler. Call Close to stop every execution.
func New(store *state.Store, arb *arbiter.Arbiter, lib Library, opts Options) *Scheduler {
	opts.applyDefaults()
	base, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		store:  store,
		arb:    arb,
		lib:    lib,
		opts:   opts,
		rec:    NewRecorder(opts.PreviewBuffer, opts.Now),
		base:   base,
		stop:   stop,
		logfn:  opts.Logf,
		cache:  make(map[string]motion.Sequence),
		active: make(map[string]*Execution),
	}
	if s.logfn == nil {
		s.logfn = log.Printf
	}
	arb.OnMode(func(m arbiter.Mode) {
		if m == arbiter.Error {
			s.StopAll()
		}
	})
	return s
}

// Close cancels every execution and waits for them to release their claims.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	s.wg.Wait()
}

// Load returns a group's sequence, from the cache when possible.
func (s *Scheduler) Load(ctx context.Context, name string) (motion.Sequence, error) {
	s.mu.Lock()
	seq, ok := s.cache[name]
	s.mu.Unlock()
	if ok {
		return seq.Clone(), nil
	}

	seq, err := s.lib.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.cache[name] = seq.Clone()
	s.mu.Unlock()
	return seq, nil
}

// Save validates and persists a sequence under name, replacing the cached
// copy.
func (s *Scheduler) Save(ctx context.Context, name string, seq motion.Sequence) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("action group name is required")
	}
	if err := seq.Validate(); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	if err := s.lib.Save(ctx, name, seq); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	s.mu.Lock()
	s.cache[name] = seq.Clone()
	s.mu.Unlock()
	return nil
}

// Groups lists the library.
func (s *Scheduler) Groups(ctx context.Context) ([]string, error) {
	return s.lib.List(ctx)
}

// Reload drops the cache and reads every group from the library again.
func (s *Scheduler) Reload(ctx context.Context) error {
	names, err := s.lib.List(ctx)
	if err != nil {
		return fmt.Errorf("list action groups: %w", err)
	}
	cache := make(map[string]motion.Sequence, len(names))
	for _, name := range names {
		seq, err := s.lib.Load(ctx, name)
		if err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
		cache[name] = seq
	}
	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()
	return nil
}

// Execute starts a group. It fails with UnknownGroup if the group does not
// exist, AngleOutOfRange if it leaves a servo's limits, Conflict if a servo
// it uses is claimed or the mode rules forbid it, and Busy outside Scripted
// mode. A failed Execute holds no claims.
func (s *Scheduler) Execute(ctx context.Context, name string, mode Mode, cb Callback) (*Execution, error) {
	ctx, span := tracer.Start(ctx, "action.Execute", trace.WithAttributes(
		attribute.String("action.group", name),
		attribute.String("action.mode", string(mode)),
	))
	defer span.End()

	exec, err := s.start(ctx, name, mode, cb, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("action.id", exec.id))
	return exec, nil
}

func (s *Scheduler) start(ctx context.Context, name string, mode Mode, cb Callback, parent trace.Span) (*Execution, error) {
	if mode != Sequential && mode != Parallel {
		return nil, fmt.Errorf("unknown execution mode %q", mode)
	}
	seq, err := s.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	if s.opts.Limits != nil {
		for _, is := range motion.Validate(seq, motion.Bounds{Limits: s.opts.Limits}) {
			switch is.Kind {
			case motion.IssueAngleLimit:
				return nil, fault.Newf(fault.CodeAngleOutOfRange, "action %s: %s", name, is).With("group", name)
			case motion.IssueUnknownServo:
				return nil, fault.Newf(fault.CodeNotFound, "action %s: %s", name, is).With("group", name)
			default:
				return nil, fmt.Errorf("action %s: %s", name, is)
			}
		}
	}
	frames, err := s.opts.Pipeline.Shape(seq)
	if err != nil {
		return nil, fmt.Errorf("shape %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closed:
		return nil, fault.New(fault.CodeBusy, "scheduler is closed")
	case s.active[name] != nil:
		return nil, fault.Newf(fault.CodeConflict, "action %s is already running", name).With("group", name)
	case s.exclusive != "":
		return nil, fault.Newf(fault.CodeConflict, "sequential action %s is running", s.exclusive).
			With("owner", s.exclusive)
	case mode == Sequential && len(s.active) > 0:
		return nil, fault.Newf(fault.CodeConflict, "sequential action %s needs an idle robot", name).
			With("group", name)
	}

	servos := seq.Servos()
	if err := s.arb.Claim(name, servos); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithCancel(s.base)
	e := &Execution{
		id:      uuid.NewString(),
		name:    name,
		mode:    mode,
		servos:  servos,
		frames:  frames,
		started: time.Now(),
		sched:   s,
		cb:      cb,
		ctx:     execCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  Pending,
	}
	s.active[name] = e
	if mode == Sequential {
		s.exclusive = name
	}
	s.wg.Add(1)

	_, span := tracer.Start(execCtx, "action.run",
		trace.WithLinks(trace.Link{SpanContext: parent.SpanContext()}),
		trace.WithAttributes(
			attribute.String("action.group", name),
			attribute.String("action.id", e.id),
			attribute.Int("action.frames", len(frames)),
		))
	s.publish(e)
	go e.run(span)
	return e, nil
}

// Stop requests cancellation of the named execution. Stopping an idle group
// does nothing.
func (s *Scheduler) Stop(name string) {
	s.mu.Lock()
	e := s.active[name]
	s.mu.Unlock()
	if e != nil {
		e.cancel()
	}
}

// StopAll requests cancellation of every execution.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	execs := slices.Collect(maps.Values(s.active))
	s.mu.Unlock()
	for _, e := range execs {
		e.cancel()
	}
}

// Pause halts a running execution between ticks. Its claims are kept.
func (s *Scheduler) Pause(name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	if err := e.pause(); err != nil {
		return err
	}
	s.publish(e)
	return nil
}

// Resume continues a paused execution. Resuming a running one does nothing.
func (s *Scheduler) Resume(name string) error {
	e, err := s.lookup(name)
	if err != nil {
		return err
	}
	e.unpause()
	s.publish(e)
	return nil
}

// Execution returns the active execution of a group.
func (s *Scheduler) Execution(name string) (*Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.active[name]
	return e, ok
}

// Active returns the records of every active execution, by group name.
func (s *Scheduler) Active() []Record {
	s.mu.Lock()
	names := slices.Sorted(maps.Keys(s.active))
	execs := make([]*Execution, len(names))
	for i, n := range names {
		execs[i] = s.active[n]
	}
	s.mu.Unlock()

	out := make([]Record, len(execs))
	for i, e := range execs {
		out[i] = e.Record()
	}
	return out
}

// Command drives servos directly, outside any action group. Claimed servos
// fail with Conflict and servos under balance control with Busy; an angle
// outside its limits rejects the whole command. Accepted angles are
// captured by the recorder.
func (s *Scheduler) Command(ctx context.Context, angles map[robot.ServoID]float64) error {
	ids := robot.SortedIDs(angles)
	if s.opts.Limits != nil {
		for _, id := range ids {
			if err := s.opts.Limits.Check(id, angles[id]); err != nil {
				return err
			}
		}
	}

	var firstErr error
	err := s.arb.DriveManual(ids, func() error {
		now := time.Now()
		batch := make(map[string]any, len(angles))
		accepted := make(map[robot.ServoID]float64, len(angles))
		for _, id := range ids {
			if err := s.writeServo(ctx, id, angles[id]); err != nil {
				s.logf("command: servo %s: %v", id, err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			accepted[id] = angles[id]
			batch[string(id)] = robot.Target{Servo: id, Angle: angles[id], Timestamp: now}
		}
		if len(batch) == 0 {
			return nil
		}
		if err := s.store.UpdateBatch(state.Servos, batch); err != nil {
			return err
		}
		s.rec.Capture(accepted)
		return nil
	})
	if err != nil {
		return err
	}
	return firstErr
}

// StartRecording begins capturing manual commands. It fails with Busy if a
// recording is already running.
func (s *Scheduler) StartRecording() error {
	return s.rec.Start()
}

// StopRecording ends the recording and returns the captured sequence.
func (s *Scheduler) StopRecording() (motion.Sequence, error) {
	return s.rec.Stop()
}

// Preview streams recorded keyframes as they are captured.
func (s *Scheduler) Preview() <-chan motion.Keyframe {
	return s.rec.Preview()
}

func (s *Scheduler) lookup(name string) (*Execution, error) {
	e, ok := s.Execution(name)
	if !ok {
		return nil, fault.Newf(fault.CodeNotFound, "action %s is not running", name).With("group", name)
	}
	return e, nil
}

// writeServo checks limits, then writes through the driver with a bounded
// timeout.
func (s *Scheduler) writeServo(ctx context.Context, id robot.ServoID, angle float64) error {
	if s.opts.Limits != nil {
		if err := s.opts.Limits.Check(id, angle); err != nil {
			return err
		}
	}
	if s.opts.Driver == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()
	return s.opts.Driver.SetAngle(ctx, id, angle)
}

// publish mirrors an execution's record into the actions category.
func (s *Scheduler) publish(e *Execution) {
	if err := s.store.Update(state.Actions, e.name, e.Record()); err != nil {
		s.logf("action %s: publish status: %v", e.name, err)
	}
}

func (s *Scheduler) retire(e *Execution) {
	s.mu.Lock()
	if s.active[e.name] == e {
		delete(s.active, e.name)
	}
	if s.exclusive == e.name {
		s.exclusive = ""
	}
	s.mu.Unlock()

	s.publish(e)
	if st := e.Status(); st != Completed {
		s.logf("action %s: %s", e.name, st)
	}
}

func (s *Scheduler) logf(format string, args ...any) {
	s.logfn(format, args...)
}
