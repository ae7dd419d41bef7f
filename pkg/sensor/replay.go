package sensor

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gwillem/servobot/pkg/robot"
)

const radToDeg = 180 / math.Pi

var replayColumns = []string{"accel_x", "accel_y", "accel_z", "gyro_x", "gyro_y", "gyro_z"}

// Replay plays back a CSV log of IMU samples and loops at the end. The log
// has a header row with at least accel_x..accel_z (m/s²) and gyro_x..gyro_z
// (rad/s); other columns such as timestamp_ns or mag_* are ignored.
type Replay struct {
	path      string
	gyroInDeg bool

	mu      sync.Mutex
	samples []Sample
	next    int
}

// NewReplay returns a replay sensor for the log at path. Set gyroInDeg when
// the log already stores deg/s.
func NewReplay(path string, gyroInDeg bool) *Replay {
	return &Replay{path: path, gyroInDeg: gyroInDeg}
}

func newReplay(cfg robot.SensorConfig) (Sensor, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("replay sensor needs a path")
	}
	return NewReplay(cfg.Path, cfg.Params["gyro_deg"] != 0), nil
}

// Setup loads the whole log.
func (r *Replay) Setup(context.Context) error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open replay log: %w", err)
	}
	defer f.Close()

	samples, err := ParseLog(f, r.gyroInDeg)
	if err != nil {
		return fmt.Errorf("parse %s: %w", r.path, err)
	}
	r.mu.Lock()
	r.samples, r.next = samples, 0
	r.mu.Unlock()
	return nil
}

// Read returns the next logged sample stamped with the current time.
func (r *Replay) Read(ctx context.Context) (Sample, error) {
	if err := ctx.Err(); err != nil {
		return Sample{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.samples) == 0 {
		return Sample{}, fmt.Errorf("replay sensor not set up")
	}
	s := r.samples[r.next]
	r.next = (r.next + 1) % len(r.samples)
	s.Time = time.Now()
	return s, nil
}

// Cleanup drops the loaded samples.
func (r *Replay) Cleanup() error {
	r.mu.Lock()
	r.samples, r.next = nil, 0
	r.mu.Unlock()
	return nil
}

// ParseLog reads a CSV IMU log.
func ParseLog(rd io.Reader, gyroInDeg bool) ([]Sample, error) {
	cr := csv.NewReader(rd)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	cols := make([]int, len(replayColumns))
	for i, name := range replayColumns {
		c, ok := idx[name]
		if !ok {
			return nil, fmt.Errorf("missing column %s", name)
		}
		cols[i] = c
	}

	gyroScale := radToDeg
	if gyroInDeg {
		gyroScale = 1
	}
	var out []Sample
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		var v [6]float64
		for i, c := range cols {
			if c >= len(rec) {
				return nil, fmt.Errorf("line %d: missing %s", line, replayColumns[i])
			}
			v[i], err = strconv.ParseFloat(strings.TrimSpace(rec[c]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %s: %w", line, replayColumns[i], err)
			}
		}
		out = append(out, Sample{
			Accel: Vector3{v[0], v[1], v[2]},
			Gyro:  Vector3{v[3] * gyroScale, v[4] * gyroScale, v[5] * gyroScale},
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("log has no samples")
	}
	return out, nil
}
