package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/gwillem/servobot/pkg/action"
	"github.com/gwillem/servobot/pkg/arbiter"
	"github.com/gwillem/servobot/pkg/motion"
	"github.com/gwillem/servobot/pkg/robot"
	"github.com/gwillem/servobot/pkg/state"
	"github.com/gwillem/servobot/pkg/storage/sqlite"
	"github.com/gwillem/servobot/pkg/telemetry"
)

// simLimits applies to simulated servos without configured limits.
var simLimits = robot.Limits{Min: -180, Max: 180}

// app is the wired core shared by the subcommands.
type app struct {
	cfg    *robot.Config
	limits robot.LimitMap
	store  *state.Store
	arb    *arbiter.Arbiter
	lib    *sqlite.Store
	sched  *action.Scheduler
	driver robot.AngleWriter
	bus    *robot.Driver // nil when simulated

	closers []func() error
}

type appOptions struct {
	sim  bool
	mode arbiter.Mode
	logf func(format string, args ...any)
}

func newApp(ctx context.Context, o appOptions) (*app, error) {
	a := &app{}
	if err := a.init(ctx, o); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context, o appOptions) error {
	shutdown, err := telemetry.Setup(ctx, "servobot")
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	if !robot.ConfigExistsAt(configPath()) {
		return fmt.Errorf("no configuration at %s, run 'servobot setup' first", configPath())
	}
	a.cfg, err = robot.LoadConfigFrom(configPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.limits = a.cfg.ServoLimits()

	if o.sim {
		if len(a.limits) == 0 {
			for _, id := range robot.SO101Servos() {
				a.limits[id] = simLimits
			}
		}
		a.driver = robot.NewSimDriver(a.limits)
	} else {
		if !a.cfg.IsCalibrated() {
			return fmt.Errorf("servos not calibrated, run 'servobot setup' first or use --sim")
		}
		a.bus, err = robot.NewDriver(a.cfg.Port, a.cfg.Calibration)
		if err != nil {
			return fmt.Errorf("open servo bus %s: %w", a.cfg.Port, err)
		}
		a.closers = append(a.closers, a.bus.Close)
		if err := a.bus.Enable(ctx); err != nil {
			return fmt.Errorf("enable torque: %w", err)
		}
		a.driver = a.bus
	}

	a.store = state.New(state.Options{})
	if o.mode == "" {
		o.mode = arbiter.Scripted
	}
	a.arb, err = arbiter.New(a.store, o.mode)
	if err != nil {
		return err
	}

	a.lib, err = sqlite.Open(opts.DB)
	if err != nil {
		return fmt.Errorf("open action library: %w", err)
	}
	a.closers = append(a.closers, a.lib.Close)
	if err := seedLibrary(ctx, a.lib, a.cfg.ActionGroups); err != nil {
		return err
	}

	schedOpts, err := action.OptionsFromConfig(a.cfg.Scheduler, a.limits)
	if err != nil {
		return fmt.Errorf("scheduler config: %w", err)
	}
	schedOpts.Driver = a.driver
	schedOpts.Logf = o.logf
	a.sched = action.New(a.store, a.arb, a.lib, schedOpts)
	a.closers = append(a.closers, func() error { a.sched.Close(); return nil })
	return nil
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func seedLibrary(ctx context.Context, lib *sqlite.Store, groups map[string][]robot.Step) error {
	if len(groups) == 0 {
		return nil
	}
	seqs := make(map[string]motion.Sequence, len(groups))
	for name, steps := range groups {
		seq, err := motion.FromSteps(steps)
		if err != nil {
			return fmt.Errorf("action group %s in config: %w", name, err)
		}
		seqs[name] = seq
	}
	added, err := lib.Seed(ctx, seqs)
	if err != nil {
		return fmt.Errorf("seed action library: %w", err)
	}
	if added > 0 {
		log.Printf("Seeded %d of %d action groups from %s", added, len(groups), configPath())
	}
	return nil
}
