package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gwillem/servobot/pkg/action"
)

type PlayCommand struct {
	Sim      bool `long:"sim" description:"Drive simulated servos instead of the servo bus"`
	Parallel bool `long:"parallel" description:"Run in parallel mode"`

	Args struct {
		Group string `positional-arg-name:"group" required:"yes"`
	} `positional-args:"yes"`
}

func (c *PlayCommand) Execute(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, appOptions{sim: c.Sim})
	if err != nil {
		return err
	}
	defer a.Close()

	mode := action.Sequential
	if c.Parallel {
		mode = action.Parallel
	}
	exec, err := a.sched.Execute(ctx, c.Args.Group, mode, func(name string, ok bool) {
		log.Printf("Action group %s finished (success=%v)", name, ok)
	})
	if err != nil {
		return err
	}

	rec := exec.Record()
	log.Printf("Playing %s: %d frames on %d servos", rec.Group, rec.Frames, len(rec.Servos))
	status, err := exec.Wait(ctx)
	if errors.Is(err, context.Canceled) {
		log.Printf("Interrupted, stopping %s", c.Args.Group)
		a.sched.Stop(c.Args.Group)
		<-exec.Done()
		return nil
	}
	if err != nil {
		return err
	}
	if status != action.Completed {
		return fmt.Errorf("action group %s %s", c.Args.Group, status)
	}
	return nil
}
