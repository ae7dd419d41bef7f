package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gwillem/servobot/pkg/robot"
	"github.com/gwillem/servobot/pkg/teleop"
)

type RecordCommand struct {
	Sim          bool   `long:"sim" description:"Drive simulated servos instead of the servo bus"`
	LeaderPort   string `long:"leader-port" required:"yes" description:"Serial port of the hand-guided leader arm"`
	LeaderConfig string `long:"leader-config" description:"Configuration file holding the leader's calibration (defaults to the robot's)"`
	Hz           int    `long:"hz" default:"30" description:"Leader sampling frequency"`
	Mirror       bool   `long:"mirror" description:"Mirror mode: invert shoulder_pan and wrist_roll positions"`

	Args struct {
		Name string `positional-arg-name:"group" required:"yes"`
	} `positional-args:"yes"`
}

// clampingSink keeps leader poses inside the robot's limits so a leader
// with a wider range still records.
type clampingSink struct {
	next   teleop.Commander
	limits robot.LimitMap
}

func (s clampingSink) Command(ctx context.Context, angles map[robot.ServoID]float64) error {
	clamped := make(map[robot.ServoID]float64, len(angles))
	for id, a := range angles {
		if _, ok := s.limits[id]; !ok {
			continue
		}
		clamped[id] = s.limits.Clamp(id, a)
	}
	if len(clamped) == 0 {
		return nil
	}
	return s.next.Command(ctx, clamped)
}

func (c *RecordCommand) Execute(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{sim: c.Sim})
	if err != nil {
		return err
	}
	defer a.Close()

	cal := a.cfg.Calibration
	if c.LeaderConfig != "" {
		lcfg, err := robot.LoadConfigFrom(c.LeaderConfig)
		if err != nil {
			return fmt.Errorf("load leader config: %w", err)
		}
		cal = lcfg.Calibration
	}
	leader, err := robot.NewDriver(c.LeaderPort, cal)
	if err != nil {
		return fmt.Errorf("open leader arm %s: %w", c.LeaderPort, err)
	}
	defer leader.Close()

	ctrl, err := teleop.NewController(teleop.Config{
		Leader: leader,
		Sink:   clampingSink{next: a.sched, limits: a.limits},
		Hz:     c.Hz,
		Mirror: c.Mirror,
	})
	if err != nil {
		return err
	}

	if err := a.sched.StartRecording(); err != nil {
		return err
	}
	log.Printf("Recording %s, move the leader arm and press Ctrl+C to finish", c.Args.Name)

	go func() {
		frames := 0
		for {
			select {
			case <-ctx.Done():
				return
			case kf := <-a.sched.Preview():
				frames++
				log.Printf("frame %d: %d servos after %.3fs", frames, len(kf.Angles), kf.Delay)
			}
		}
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-ctrl.Logs():
				log.Print(msg)
			}
		}
	}()

	if err := ctrl.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.sched.StopRecording()
		return err
	}

	seq, err := a.sched.StopRecording()
	if err != nil {
		return err
	}
	if err := a.sched.Save(context.Background(), c.Args.Name, seq); err != nil {
		return err
	}
	log.Printf("Saved %s: %d frames, %s", c.Args.Name, len(seq), seq.Duration())
	return nil
}
