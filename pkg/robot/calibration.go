package robot

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// ServoCalibration maps a servo's raw bus positions to degrees.
type ServoCalibration struct {
	ID           int     `json:"id"`
	DriveMode    int     `json:"drive_mode"`
	HomingOffset int     `json:"homing_offset"`
	RangeMin     int     `json:"range_min"`
	RangeMax     int     `json:"range_max"`
	MinAngle     float64 `json:"min_angle"`
	MaxAngle     float64 `json:"max_angle"`
}

// Calibration holds calibration data for all servos, keyed by servo name.
type Calibration map[ServoID]ServoCalibration

// LoadCalibration loads calibration data from a JSON file.
func LoadCalibration(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration file: %w", err)
	}

	var cal Calibration
	if err := json.Unmarshal(data, &cal); err != nil {
		return nil, fmt.Errorf("parse calibration JSON: %w", err)
	}
	return cal, nil
}

// Limits returns the angle range covered by the calibrated positions.
func (c ServoCalibration) Limits() Limits {
	return Limits{Min: c.MinAngle, Max: c.MaxAngle}
}

// RawToAngle converts a raw servo position to degrees.
// Drive mode 1 means the servo is mounted inverted.
func (c ServoCalibration) RawToAngle(raw int) float64 {
	rangeSize := float64(c.RangeMax - c.RangeMin)
	if rangeSize == 0 {
		return c.MinAngle
	}
	frac := float64(raw-c.RangeMin) / rangeSize
	if c.DriveMode == 1 {
		frac = 1 - frac
	}
	return c.MinAngle + frac*(c.MaxAngle-c.MinAngle)
}

// AngleToRaw converts degrees to the nearest raw servo position.
func (c ServoCalibration) AngleToRaw(angle float64) int {
	span := c.MaxAngle - c.MinAngle
	if span == 0 {
		return c.RangeMin
	}
	frac := (angle - c.MinAngle) / span
	if c.DriveMode == 1 {
		frac = 1 - frac
	}
	return int(math.Round(frac*float64(c.RangeMax-c.RangeMin))) + c.RangeMin
}

// BusIDs returns the bus IDs of all calibrated servos, ordered by servo name.
func (c Calibration) BusIDs() []int {
	ids := make([]int, 0, len(c))
	for _, name := range SortedIDs(c) {
		ids = append(ids, c[name].ID)
	}
	return ids
}

// ByBusID returns servo name and calibration for a given bus ID.
func (c Calibration) ByBusID(id int) (ServoID, ServoCalibration, bool) {
	for name, sc := range c {
		if sc.ID == id {
			return name, sc, true
		}
	}
	return "", ServoCalibration{}, false
}

// Limits returns the angle limits of every calibrated servo.
func (c Calibration) Limits() LimitMap {
	m := make(LimitMap, len(c))
	for name, sc := range c {
		m[name] = sc.Limits()
	}
	return m
}
