package sensor

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gwillem/servobot/pkg/fault"
	"github.com/gwillem/servobot/pkg/robot"
)

// Factory builds a sensor from its configuration.
type Factory func(cfg robot.SensorConfig) (Sensor, error)

// Registry maps type tags to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in "static" and "replay"
// sensors.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("static", newStatic)
	r.Register("replay", newReplay)
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	r.factories[kind] = f
	r.mu.Unlock()
}

// Kinds lists the registered type tags.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// New builds the sensor named by cfg.Type. An empty type selects "static".
func (r *Registry) New(cfg robot.SensorConfig) (Sensor, error) {
	kind := cfg.Type
	if kind == "" {
		kind = "static"
	}
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.Newf(fault.CodeNotFound, "unknown sensor type %q", kind).With("type", kind)
	}
	s, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("create %s sensor: %w", kind, err)
	}
	return s, nil
}

// Static returns the same sample on every read. Useful for a robot at rest
// and for tests.
type Static struct {
	mu     sync.Mutex
	sample Sample
}

// NewStatic returns a sensor that always reads accel and gyro.
func NewStatic(accel, gyro Vector3) *Static {
	return &Static{sample: Sample{Accel: accel, Gyro: gyro}}
}

func newStatic(cfg robot.SensorConfig) (Sensor, error) {
	p := func(k string, def float64) float64 {
		if v, ok := cfg.Params[k]; ok {
			return v
		}
		return def
	}
	return NewStatic(
		Vector3{p("ax", 0), p("ay", 0), p("az", StandardGravity)},
		Vector3{p("gx", 0), p("gy", 0), p("gz", 0)},
	), nil
}

// Set changes the sample returned by later reads.
func (s *Static) Set(accel, gyro Vector3) {
	s.mu.Lock()
	s.sample.Accel, s.sample.Gyro = accel, gyro
	s.mu.Unlock()
}

func (s *Static) Setup(context.Context) error { return nil }

func (s *Static) Read(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sample
	out.Time = time.Now()
	return out, nil
}

func (s *Static) Cleanup() error { return nil }
