// Package control runs the fixed-period sensor/attitude loop and the balance
// loop.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gwillem/servobot/pkg/arbiter"
	"github.com/gwillem/servobot/pkg/attitude"
	"github.com/gwillem/servobot/pkg/balance"
	"github.com/gwillem/servobot/pkg/fault"
	"github.com/gwillem/servobot/pkg/robot"
	"github.com/gwillem/servobot/pkg/sensor"
)

const (
	DefaultSensorHz    = 100
	DefaultBalanceHz   = 50
	DefaultMaxFailures = 10
)

// State is a snapshot pushed after every loop iteration.
type State struct {
	Attitude  attitude.Estimate
	Targets   map[robot.ServoID]float64
	Timestamp time.Time
	Error     error
}

// Config holds the loop collaborators. Balance may be nil to run the
// attitude loop alone.
type Config struct {
	Sensor  sensor.Sensor
	Filter  *attitude.Filter
	Balance *balance.Controller
	Arbiter *arbiter.Arbiter

	SensorHz    float64
	BalanceHz   float64
	ReadTimeout time.Duration
	// ResetOnDivergence resets a diverged filter and carries on. Otherwise
	// the system is put into Error mode before the reset.
	ResetOnDivergence bool
	// MaxFailures is the number of consecutive sensor or balance failures
	// after which the system is put into Error mode.
	MaxFailures int
	// Logf additionally receives every log line. The Logs channel drops
	// lines nobody reads.
	Logf func(format string, args ...any)
}

// Runner manages the control loops.
type Runner struct {
	cfg Config

	mu      sync.Mutex
	running bool

	prev            time.Time
	sensorFailures  int
	balanceFailures int

	stateCh chan State
	logCh   chan string
}

// New validates cfg and fills defaults.
func New(cfg Config) (*Runner, error) {
	if cfg.Sensor == nil || cfg.Filter == nil || cfg.Arbiter == nil {
		return nil, fmt.Errorf("control loops need a sensor, a filter and an arbiter")
	}
	if cfg.SensorHz <= 0 {
		cfg.SensorHz = DefaultSensorHz
	}
	if cfg.BalanceHz <= 0 {
		cfg.BalanceHz = DefaultBalanceHz
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	return &Runner{
		cfg:     cfg,
		stateCh: make(chan State, 1),
		logCh:   make(chan string, 32),
	}, nil
}

// States returns a channel that receives state updates. Only the latest
// state is kept.
func (r *Runner) States() <-chan State {
	return r.stateCh
}

// Logs returns a channel that receives log messages.
func (r *Runner) Logs() <-chan string {
	return r.logCh
}

func (r *Runner) log(format string, args ...any) {
	if r.cfg.Logf != nil {
		r.cfg.Logf(format, args...)
	}
	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	select {
	case r.logCh <- msg:
	default:
	}
}

// Start sets up the sensor and runs both loops until ctx is done.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("already running")
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if err := r.cfg.Sensor.Setup(ctx); err != nil {
		return fmt.Errorf("setup sensor: %w", err)
	}
	defer func() {
		if err := r.cfg.Sensor.Cleanup(); err != nil {
			r.log("Warning: sensor cleanup: %v", err)
		}
	}()

	r.log("Attitude loop started at %.0f Hz", r.cfg.SensorHz)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return every(ctx, r.cfg.SensorHz, func() { r.SensorStep(ctx) })
	})
	if r.cfg.Balance != nil {
		r.log("Balance loop started at %.0f Hz", r.cfg.BalanceHz)
		g.Go(func() error {
			return every(ctx, r.cfg.BalanceHz, func() { r.BalanceStep(ctx) })
		})
	}
	err := g.Wait()
	r.log("Control loops stopped")
	return err
}

func every(ctx context.Context, hz float64, step func()) error {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / hz))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			step()
		}
	}
}

// SensorStep reads one sample and feeds it to the filter.
func (r *Runner) SensorStep(ctx context.Context) (attitude.Estimate, error) {
	smp, err := sensor.ReadTimeout(ctx, r.cfg.Sensor, r.cfg.ReadTimeout)
	if err != nil {
		r.sensorFailures++
		r.log("Sensor read error: %v", err)
		r.sendState(State{Error: err, Timestamp: time.Now()})
		if r.sensorFailures == r.cfg.MaxFailures {
			r.escalate(fmt.Sprintf("%d consecutive sensor failures", r.sensorFailures))
		}
		return attitude.Estimate{}, err
	}
	r.sensorFailures = 0

	dt := 1 / r.cfg.SensorHz
	if !r.prev.IsZero() && smp.Time.After(r.prev) {
		dt = smp.Time.Sub(r.prev).Seconds()
	}
	r.prev = smp.Time

	est, err := r.cfg.Filter.Update(smp.Accel, smp.Gyro, dt)
	if errors.Is(err, fault.ErrFilterDivergence) {
		r.log("Attitude filter diverged: %v", err)
		if !r.cfg.ResetOnDivergence {
			r.escalate("attitude filter diverged")
		}
		r.cfg.Filter.Reset(true)
		r.log("Attitude filter reset")
	} else if err != nil {
		r.log("Attitude update error: %v", err)
	}
	r.sendState(State{Attitude: est, Timestamp: smp.Time, Error: err})
	return est, err
}

// BalanceStep runs one balance cycle.
func (r *Runner) BalanceStep(ctx context.Context) (map[robot.ServoID]float64, error) {
	out, err := r.cfg.Balance.Step(ctx)
	if err != nil {
		r.balanceFailures++
		r.log("Balance error: %v", err)
		if r.balanceFailures == r.cfg.MaxFailures {
			r.escalate(fmt.Sprintf("%d consecutive balance failures", r.balanceFailures))
		}
	} else {
		r.balanceFailures = 0
	}
	if len(out) > 0 || err != nil {
		r.sendState(State{Attitude: r.cfg.Filter.Estimate(), Targets: out, Timestamp: time.Now(), Error: err})
	}
	return out, err
}

func (r *Runner) escalate(reason string) {
	if err := r.cfg.Arbiter.SetMode(arbiter.Error); err != nil {
		r.log("Could not enter error mode (%s): %v", reason, err)
		return
	}
	r.log("Entered error mode: %s", reason)
}

func (r *Runner) sendState(s State) {
	select {
	case r.stateCh <- s:
	default:
		select {
		case <-r.stateCh:
		default:
		}
		select {
		case r.stateCh <- s:
		default:
		}
	}
}
