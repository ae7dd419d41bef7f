// Package servobot plays, records and balances servo-driven robots.
//
// Action groups are named keyframe sequences kept in a SQLite library. The
// scheduler plays them sequentially or in parallel on disjoint servos, while
// an attitude filter fed by an IMU drives PID balance loops whenever the
// robot is put into balancing mode.
//
// # Installation
//
//	go install github.com/gwillem/servobot/cmd/servobot@latest
//
// # Usage
//
// Find the servo bus and calibrate the arm:
//
//	servobot setup
//
// Record a group by moving a leader arm, then play it back:
//
//	servobot record --leader-port /dev/ttyACM1 wave
//	servobot play wave
//
// Run the control loops with a live chart:
//
//	servobot run --mode balancing --monitor
//
// # Packages
//
//   - cmd/servobot: CLI with setup, run, play, record and groups commands
//   - pkg/robot: servo names, limits, calibration, configuration and drivers
//   - pkg/state: categorized shared state store
//   - pkg/arbiter: control modes and servo claims
//   - pkg/motion: keyframe sequences and trajectory shaping
//   - pkg/action: action group scheduler and recorder
//   - pkg/storage/sqlite: persistent action group library
//   - pkg/sensor: IMU sources
//   - pkg/attitude: pitch and roll estimation
//   - pkg/balance: PID balance controller
//   - pkg/control: sensor and balance loops
//   - pkg/teleop: leader arm mirroring
//   - pkg/fault: error codes
//   - pkg/telemetry: optional OpenTelemetry tracing
package servobot
