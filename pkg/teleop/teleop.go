// Package teleop mirrors a hand-guided leader arm into manual servo commands.
package teleop

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gwillem/servobot/pkg/robot"
)

// DefaultDeadband is the angle change in degrees below which a leader servo
// is considered still.
const DefaultDeadband = 0.5

// Commander accepts manual angle commands, e.g. an action.Scheduler.
type Commander interface {
	Command(ctx context.Context, angles map[robot.ServoID]float64) error
}

// torquer is implemented by leaders whose torque can be switched off.
type torquer interface {
	Disable(ctx context.Context) error
}

// State represents the current state of teleoperation.
type State struct {
	Angles    map[robot.ServoID]float64
	Sent      map[robot.ServoID]float64
	Timestamp time.Time
	Error     error
}

// Controller manages the teleoperation control loop.
type Controller struct {
	leader   robot.AngleReader
	sink     Commander
	hz       int
	mirror   bool
	deadband float64

	mu      sync.RWMutex
	running bool
	last    map[robot.ServoID]float64
	stateCh chan State
	logCh   chan string
}

// Config holds configuration for the controller.
type Config struct {
	Leader   robot.AngleReader
	Sink     Commander
	Hz       int
	Mirror   bool // Invert shoulder_pan and wrist_roll
	Deadband float64
}

// NewController creates a new teleoperation controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Leader == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("teleop needs a leader and a command sink")
	}
	if cfg.Hz <= 0 {
		cfg.Hz = 60
	}
	if cfg.Deadband <= 0 {
		cfg.Deadband = DefaultDeadband
	}
	return &Controller{
		leader:   cfg.Leader,
		sink:     cfg.Sink,
		hz:       cfg.Hz,
		mirror:   cfg.Mirror,
		deadband: cfg.Deadband,
		last:     make(map[robot.ServoID]float64),
		stateCh:  make(chan State, 1),
		logCh:    make(chan string, 10),
	}, nil
}

// States returns a channel that receives state updates.
func (c *Controller) States() <-chan State {
	return c.stateCh
}

// Logs returns a channel that receives log messages.
func (c *Controller) Logs() <-chan string {
	return c.logCh
}

// Hz returns the control frequency.
func (c *Controller) Hz() int {
	return c.hz
}

func (c *Controller) log(format string, args ...any) {
	msg := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	select {
	case c.logCh <- msg:
	default:
		// Drop if channel full
	}
}

// Start runs the loop until ctx is done.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("already running")
	}
	c.running = true
	c.mu.Unlock()

	if t, ok := c.leader.(torquer); ok {
		if err := t.Disable(ctx); err != nil {
			c.log("Warning: failed to disable leader: %v", err)
		} else {
			c.log("Leader arm: torque disabled (passive mode)")
		}
	}
	c.log("Teleoperation started at %d Hz", c.hz)

	ticker := time.NewTicker(time.Second / time.Duration(c.hz))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case <-ticker.C:
			c.Step(ctx)
		}
	}
}

// Step reads the leader once and commands the servos that moved more than
// the dead band since they were last sent.
func (c *Controller) Step(ctx context.Context) State {
	angles, err := c.leader.ReadAngles(ctx)
	if err != nil {
		c.log("Read error: %v", err)
		s := State{Error: err, Timestamp: time.Now()}
		c.sendState(s)
		return s
	}

	if c.mirror {
		for id, a := range angles {
			if id == robot.ShoulderPan || id == robot.WristRoll {
				angles[id] = -a
			}
		}
	}

	c.mu.Lock()
	moved := make(map[robot.ServoID]float64)
	for id, a := range angles {
		if prev, ok := c.last[id]; !ok || math.Abs(a-prev) >= c.deadband {
			moved[id] = a
		}
	}
	c.mu.Unlock()

	s := State{Angles: angles, Timestamp: time.Now()}
	if len(moved) > 0 {
		if err := c.sink.Command(ctx, moved); err != nil {
			c.log("Command error: %v", err)
			s.Error = err
		} else {
			c.mu.Lock()
			for id, a := range moved {
				c.last[id] = a
			}
			c.mu.Unlock()
			s.Sent = moved
		}
	}
	c.sendState(s)
	return s
}

func (c *Controller) sendState(s State) {
	select {
	case c.stateCh <- s:
	default:
		// Drop old state if channel full, replace with new
		select {
		case <-c.stateCh:
		default:
		}
		select {
		case c.stateCh <- s:
		default:
		}
	}
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.log("Teleoperation stopped")
}
