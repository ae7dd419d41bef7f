package robot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hipsterbrown/feetech-servo/feetech"

	"github.com/gwillem/servobot/pkg/fault"
)

// DefaultWriteTimeout bounds a single bus transaction.
const DefaultWriteTimeout = 50 * time.Millisecond

// AngleWriter is the servo driver boundary used by the scheduler and the
// balance controller. Implementations honor ctx and fail with
// AngleOutOfRange, HardwareError or Timeout.
type AngleWriter interface {
	SetAngle(ctx context.Context, id ServoID, angle float64) error
}

// AngleReader reads back the current servo angles.
type AngleReader interface {
	ReadAngles(ctx context.Context) (map[ServoID]float64, error)
}

var (
	_ AngleWriter = (*Driver)(nil)
	_ AngleWriter = (*SimDriver)(nil)
	_ AngleReader = (*Driver)(nil)
	_ AngleReader = (*SimDriver)(nil)
)

// Driver commands the servos of one Feetech bus in degrees.
type Driver struct {
	bus         *feetech.Bus
	group       *feetech.ServoGroup
	calibration Calibration
	timeout     time.Duration
}

// NewDriver opens the serial bus and creates a driver for the calibrated servos.
func NewDriver(port string, cal Calibration) (*Driver, error) {
	if len(cal) == 0 {
		return nil, fmt.Errorf("calibration is required")
	}

	// Open serial bus
	bus, err := feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: 1_000_000,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
	if err != nil {
		return nil, fault.Wrap(fault.CodeHardware, err, "open bus")
	}

	group := feetech.NewServoGroupByIDs(bus, cal.BusIDs()...)

	return &Driver{
		bus:         bus,
		group:       group,
		calibration: cal,
		timeout:     DefaultWriteTimeout,
	}, nil
}

// Close closes the bus connection.
func (d *Driver) Close() error {
	return d.bus.Close()
}

// Enable enables torque on all servos.
func (d *Driver) Enable(ctx context.Context) error {
	return classify(ctx, d.group.EnableAll(ctx), "enable torque")
}

// Disable disables torque on all servos.
func (d *Driver) Disable(ctx context.Context) error {
	return classify(ctx, d.group.DisableAll(ctx), "disable torque")
}

// Limits returns the calibrated angle limits.
func (d *Driver) Limits() LimitMap {
	return d.calibration.Limits()
}

// SetAngle moves one servo. It fails with AngleOutOfRange before touching
// the bus, and with Timeout or HardwareError if the bus write fails.
func (d *Driver) SetAngle(ctx context.Context, id ServoID, angle float64) error {
	return d.SetAngles(ctx, map[ServoID]float64{id: angle})
}

// SetAngles moves several servos in one sync write. Nothing is written if
// any angle is out of range.
func (d *Driver) SetAngles(ctx context.Context, angles map[ServoID]float64) error {
	raw := make(feetech.PositionMap, len(angles))
	for id, angle := range angles {
		sc, ok := d.calibration[id]
		if !ok {
			return fault.Newf(fault.CodeNotFound, "servo %s is not calibrated", id).With("servo", string(id))
		}
		if !sc.Limits().Contains(angle) {
			return fault.Newf(fault.CodeAngleOutOfRange, "servo %s: angle %.2f outside [%.2f, %.2f]",
				id, angle, sc.MinAngle, sc.MaxAngle).With("servo", string(id))
		}
		raw[sc.ID] = sc.AngleToRaw(angle)
	}

	ctx, cancel := d.bounded(ctx)
	defer cancel()
	return classify(ctx, d.group.SetPositions(ctx, raw), "write positions")
}

// ReadAngles reads the current angle of every calibrated servo.
func (d *Driver) ReadAngles(ctx context.Context) (map[ServoID]float64, error) {
	ctx, cancel := d.bounded(ctx)
	defer cancel()

	rawPositions, err := d.group.Positions(ctx)
	if err != nil {
		return nil, classify(ctx, err, "read positions")
	}

	angles := make(map[ServoID]float64, len(rawPositions))
	for busID, raw := range rawPositions {
		name, sc, ok := d.calibration.ByBusID(busID)
		if !ok {
			continue
		}
		angles[name] = sc.RawToAngle(raw)
	}
	return angles, nil
}

func (d *Driver) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

// classify maps a bus error onto the fault taxonomy.
func classify(ctx context.Context, err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fault.Wrap(fault.CodeTimeout, err, op)
	}
	return fault.Wrap(fault.CodeHardware, err, op)
}
