package robot

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"

	"github.com/caarlos0/env/v11"
)

const DefaultConfigFile = "robot.json"

// EnvPrefix prefixes every environment override, e.g. SERVOBOT_PORT.
const EnvPrefix = "SERVOBOT_"

// Config holds the robot configuration
type Config struct {
	Port        string      `json:"port" env:"PORT"`
	Calibration Calibration `json:"calibration,omitempty"`
	// Limits for servos without calibration (simulated or PWM servos).
	// Entries here take precedence over calibrated ranges.
	Limits LimitMap `json:"limits,omitempty"`

	Sensor    SensorConfig    `json:"sensor" envPrefix:"SENSOR_"`
	Attitude  FilterConfig    `json:"attitude" envPrefix:"ATTITUDE_"`
	Balance   BalanceConfig   `json:"balance" envPrefix:"BALANCE_"`
	Scheduler SchedulerConfig `json:"scheduler" envPrefix:"SCHEDULER_"`

	// ActionGroups seeds the action library, one step list per group.
	ActionGroups map[string][]Step `json:"action_groups,omitempty"`
}

// Step is one persisted action-group record: move a servo, then wait.
type Step struct {
	Servo ServoID `json:"servo_id"`
	Angle float64 `json:"angle"`
	Delay float64 `json:"delay"`
}

// SensorConfig selects and configures the IMU source by type tag.
type SensorConfig struct {
	Type           string             `json:"type" env:"TYPE"`
	Path           string             `json:"path,omitempty" env:"PATH"`
	RateHz         float64            `json:"rate_hz,omitempty" env:"RATE_HZ"`
	TimeoutSeconds float64            `json:"timeout_seconds,omitempty" env:"TIMEOUT_SECONDS"`
	Params         map[string]float64 `json:"params,omitempty"`
}

// FilterConfig tunes the attitude estimator.
type FilterConfig struct {
	ProcessVariance     float64 `json:"process_variance,omitempty" env:"PROCESS_VARIANCE"`
	MeasurementVariance float64 `json:"measurement_variance,omitempty" env:"MEASUREMENT_VARIANCE"`
	GravityTolerance    float64 `json:"gravity_tolerance,omitempty" env:"GRAVITY_TOLERANCE"`
	DivergenceBound     float64 `json:"divergence_bound,omitempty" env:"DIVERGENCE_BOUND"`
	// ResetOnDivergence resets the filter instead of escalating to error mode.
	ResetOnDivergence bool `json:"reset_on_divergence,omitempty" env:"RESET_ON_DIVERGENCE"`
}

// PIDConfig holds the gains and output limits of one PID loop.
type PIDConfig struct {
	Kp        float64 `json:"kp"`
	Ki        float64 `json:"ki"`
	Kd        float64 `json:"kd"`
	OutputMin float64 `json:"output_min"`
	OutputMax float64 `json:"output_max"`
	Deadband  float64 `json:"deadband,omitempty"`
}

// AxisConfig binds one attitude axis to the servo that corrects it.
type AxisConfig struct {
	Axis    string    `json:"axis"` // "pitch" or "roll"
	Servo   ServoID   `json:"servo_id"`
	Neutral float64   `json:"neutral"`
	Invert  bool      `json:"invert,omitempty"`
	Target  float64   `json:"target,omitempty"`
	PID     PIDConfig `json:"pid"`
}

// BalanceConfig configures the balance control loop.
type BalanceConfig struct {
	RateHz float64      `json:"rate_hz,omitempty" env:"RATE_HZ"`
	Axes   []AxisConfig `json:"axes,omitempty"`
}

// SchedulerConfig configures action execution and trajectory shaping.
type SchedulerConfig struct {
	TickSeconds         float64 `json:"tick_seconds,omitempty" env:"TICK_SECONDS"`
	FailureThreshold    int     `json:"failure_threshold,omitempty" env:"FAILURE_THRESHOLD"`
	WriteTimeoutSeconds float64 `json:"write_timeout_seconds,omitempty" env:"WRITE_TIMEOUT_SECONDS"`

	SmoothWindow     int     `json:"smooth_window,omitempty" env:"SMOOTH_WINDOW"`
	PointsPerSegment int     `json:"points_per_segment,omitempty" env:"POINTS_PER_SEGMENT"`
	Easing           string  `json:"easing,omitempty" env:"EASING"`
	MaxVelocity      float64 `json:"max_velocity,omitempty" env:"MAX_VELOCITY"`
	JerkWindow       int     `json:"jerk_window,omitempty" env:"JERK_WINDOW"`
	JerkFactor       float64 `json:"jerk_factor,omitempty" env:"JERK_FACTOR"`
	MaxAcceleration  float64 `json:"max_acceleration,omitempty" env:"MAX_ACCELERATION"`
}

// IsCalibrated returns true if the config has calibration data
func (c *Config) IsCalibrated() bool {
	return len(c.Calibration) > 0
}

// ServoLimits returns the limits of every configured servo.
func (c *Config) ServoLimits() LimitMap {
	limits := c.Calibration.Limits()
	maps.Copy(limits, c.Limits)
	return limits
}

// LoadConfigFrom loads configuration from a specific file, then applies
// environment overrides.
func LoadConfigFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.ParseEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseEnv overrides fields from SERVOBOT_* environment variables. Unset
// variables leave the current values untouched.
func (c *Config) ParseEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// SaveTo saves configuration to a specific file
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ConfigExistsAt returns true if a config file exists at path
func ConfigExistsAt(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
