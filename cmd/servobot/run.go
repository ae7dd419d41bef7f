package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/gwillem/servobot/pkg/action"
	"github.com/gwillem/servobot/pkg/arbiter"
	"github.com/gwillem/servobot/pkg/attitude"
	"github.com/gwillem/servobot/pkg/balance"
	"github.com/gwillem/servobot/pkg/control"
	"github.com/gwillem/servobot/pkg/sensor"
)

type RunCommand struct {
	Sim       bool     `long:"sim" description:"Drive simulated servos instead of the servo bus"`
	Mode      string   `long:"mode" default:"scripted" choice:"scripted" choice:"balancing" choice:"error" description:"Initial control mode"`
	Play      []string `long:"play" description:"Start this action group once the loops run (repeatable)"`
	Parallel  bool     `long:"parallel" description:"Start --play groups in parallel mode"`
	Calibrate int      `long:"calibrate" default:"0" description:"Average this many samples of a still sensor into the bias first"`
	Monitor   bool     `long:"monitor" description:"Show a live attitude chart"`
}

func (c *RunCommand) Execute(args []string) error {
	mode, err := arbiter.ParseMode(c.Mode)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var logs *logWriter
	if c.Monitor {
		logs = newLogWriter(32)
		log.SetOutput(logs)
		defer log.SetOutput(os.Stderr)
	}

	a, err := newApp(ctx, appOptions{sim: c.Sim, mode: mode})
	if err != nil {
		return err
	}
	defer a.Close()

	imu, err := sensor.NewRegistry().New(a.cfg.Sensor)
	if err != nil {
		return fmt.Errorf("sensor: %w", err)
	}
	readTimeout := time.Duration(a.cfg.Sensor.TimeoutSeconds * float64(time.Second))
	filter := attitude.New(a.cfg.Attitude, a.store)
	if c.Calibrate > 0 {
		if err := calibrate(ctx, imu, filter, c.Calibrate, readTimeout); err != nil {
			return err
		}
		accel, gyro := filter.Bias()
		log.Printf("Sensor bias: accel %+.3f %+.3f %+.3f, gyro %+.3f %+.3f %+.3f",
			accel.X, accel.Y, accel.Z, gyro.X, gyro.Y, gyro.Z)
	}

	var ctrl *balance.Controller
	if len(a.cfg.Balance.Axes) > 0 {
		ctrl, err = balance.New(a.cfg.Balance, balance.Options{
			Store:   a.store,
			Arbiter: a.arb,
			Driver:  a.driver,
			Limits:  a.limits,
		})
		if err != nil {
			return fmt.Errorf("balance: %w", err)
		}
	}

	runner, err := control.New(control.Config{
		Sensor:            imu,
		Filter:            filter,
		Balance:           ctrl,
		Arbiter:           a.arb,
		SensorHz:          a.cfg.Sensor.RateHz,
		BalanceHz:         a.cfg.Balance.RateHz,
		ReadTimeout:       readTimeout,
		ResetOnDivergence: a.cfg.Attitude.ResetOnDivergence,
		Logf:              log.Printf,
	})
	if err != nil {
		return err
	}

	playMode := action.Sequential
	if c.Parallel {
		playMode = action.Parallel
	}
	for _, name := range c.Play {
		if _, err := a.sched.Execute(ctx, name, playMode, func(name string, ok bool) {
			log.Printf("Action group %s finished (success=%v)", name, ok)
		}); err != nil {
			return fmt.Errorf("play %s: %w", name, err)
		}
	}

	log.Printf("Running in %s mode, press Ctrl+C to stop", mode)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runner.Start(ctx)
	})
	if c.Monitor {
		g.Go(func() error {
			defer stop()
			p := tea.NewProgram(newMonitorModel(runner.States(), logs.Lines(), a.arb, ctrl), tea.WithAltScreen(), tea.WithContext(ctx))
			_, err := p.Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		})
	}

	err = g.Wait()
	a.sched.StopAll()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func calibrate(ctx context.Context, s sensor.Sensor, f *attitude.Filter, n int, timeout time.Duration) error {
	if err := s.Setup(ctx); err != nil {
		return fmt.Errorf("setup sensor: %w", err)
	}
	defer s.Cleanup()

	log.Printf("Calibrating sensor over %d samples, keep it still...", n)
	samples := make([]sensor.Sample, 0, n)
	for range n {
		smp, err := sensor.ReadTimeout(ctx, s, timeout)
		if err != nil {
			return fmt.Errorf("calibration read: %w", err)
		}
		samples = append(samples, smp)
	}
	return f.Calibrate(samples)
}
