package d2

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ukrobotics/dispenselib"
	"github.com/ukrobotics/dispenselib/calibration"
	"github.com/ukrobotics/dispenselib/comm/serial"
	"github.com/ukrobotics/dispenselib/dataaccess"
	"github.com/ukrobotics/dispenselib/labware"
	"github.com/ukrobotics/dispenselib/motorctl"
	"github.com/ukrobotics/dispenselib/protocol"
)

// dispenseClearanceMm is added to the plate height to position the valve
// head for a run.
const dispenseClearanceMm = 1.0

// flushHeightMm is the fixed safe height for valve flushing.
const flushHeightMm = 10.0

// Config carries the session's controller addressing, timing ceilings and
// dispense policy. Zero values take the D2 defaults.
type Config struct {
	ArmsControllerNumber int
	ZControllerNumber    int
	ZAxisNumber          int
	ControllerAxisCount  int
	Baud                 int

	// MinDispenseVolumeUl is the floor below which a requested volume
	// dispenses nothing. The well is still visited for travel continuity.
	MinDispenseVolumeUl float64

	PollInterval          time.Duration
	HomeTimeout           time.Duration
	SettleTimeout         time.Duration
	ParkTimeout           time.Duration
	DispenseCompleteGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		ArmsControllerNumber:  1,
		ZControllerNumber:     2,
		ZAxisNumber:           1,
		ControllerAxisCount:   2,
		Baud:                  115200,
		MinDispenseVolumeUl:   0,
		PollInterval:          100 * time.Millisecond,
		HomeTimeout:           40 * time.Second,
		SettleTimeout:         30 * time.Second,
		ParkTimeout:           20 * time.Second,
		DispenseCompleteGrace: 30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ArmsControllerNumber == 0 {
		c.ArmsControllerNumber = d.ArmsControllerNumber
	}
	if c.ZControllerNumber == 0 {
		c.ZControllerNumber = d.ZControllerNumber
	}
	if c.ZAxisNumber == 0 {
		c.ZAxisNumber = d.ZAxisNumber
	}
	if c.ControllerAxisCount == 0 {
		c.ControllerAxisCount = d.ControllerAxisCount
	}
	if c.Baud == 0 {
		c.Baud = d.Baud
	}
	if c.PollInterval == 0 {
		c.PollInterval = d.PollInterval
	}
	if c.HomeTimeout == 0 {
		c.HomeTimeout = d.HomeTimeout
	}
	if c.SettleTimeout == 0 {
		c.SettleTimeout = d.SettleTimeout
	}
	if c.ParkTimeout == 0 {
		c.ParkTimeout = d.ParkTimeout
	}
	if c.DispenseCompleteGrace == 0 {
		c.DispenseCompleteGrace = d.DispenseCompleteGrace
	}
}

// DispenseState is the firmware's run state.
type DispenseState int

const (
	DispenseError   DispenseState = -1
	DispenseRunning DispenseState = 0
	DispenseEnded   DispenseState = 1
)

// ValveState is the firmware's valve command state.
type ValveState int

const (
	ValveIdle    ValveState = 0
	ValvePending ValveState = 1
)

// Controller is the D2 device session. All hardware operations require an
// open session; the serial connection is owned exclusively by the session
// and carries one acknowledged command at a time.
type Controller struct {
	cfg    Config
	logger *zap.Logger
	data   dataaccess.Source

	conn     *motorctl.ControlConnection
	armsCtl  *motorctl.Controller
	zCtl     *motorctl.Controller
	zAxis    *motorctl.Axis
	arm1     *motorctl.Axis
	arm2     *motorctl.Axis
	portName string
}

// New builds a disconnected session. data serves the plate, protocol and
// calibration lookups; a nil logger logs nothing.
func New(data dataaccess.Source, logger *zap.Logger, cfg Config) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Controller{cfg: cfg, logger: logger, data: data}
}

// OpenComms opens the serial session and derives the axis handles for the
// arm pair and the Z stage. No motion occurs. baud 0 uses the configured
// default.
func (c *Controller) OpenComms(portName string, baud int) error {
	if baud == 0 {
		baud = c.cfg.Baud
	}
	port, err := serial.OpenPort(portName, baud)
	if err != nil {
		return &dispenselib.ConnectionError{Port: portName, Err: err}
	}
	c.portName = portName
	c.attach(port)
	c.logger.Info("comms open", zap.String("port", portName), zap.Int("baud", baud))
	return nil
}

// Attach builds the session over an already-open transport. It exists for
// bench rigs and tests that bring their own link.
func (c *Controller) Attach(rw io.ReadWriter) {
	c.attach(rw)
}

func (c *Controller) attach(rw io.ReadWriter) {
	c.conn = motorctl.NewControlConnection(rw, c.logger)
	c.armsCtl = motorctl.NewController(c.conn, c.cfg.ArmsControllerNumber, c.cfg.ControllerAxisCount)
	c.zCtl = motorctl.NewController(c.conn, c.cfg.ZControllerNumber, c.cfg.ControllerAxisCount)
	c.zAxis = c.zCtl.Axis(c.cfg.ZAxisNumber)
	c.arm1 = c.armsCtl.Axis(1)
	c.arm2 = c.armsCtl.Axis(2)
}

// Close tears the session down. The controller returns to the disconnected
// state and all hardware operations fail until OpenComms runs again.
func (c *Controller) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.armsCtl, c.zCtl = nil, nil
	c.zAxis, c.arm1, c.arm2 = nil, nil, nil
	return err
}

func (c *Controller) connected() error {
	if c.conn == nil {
		return &dispenselib.ConnectionError{Port: c.portName, Err: fmt.Errorf("session not open")}
	}
	return nil
}

// ReadSerialID reads the persisted device identifier that keys the
// calibration lookup.
func (c *Controller) ReadSerialID(ctx context.Context) (string, error) {
	if err := c.connected(); err != nil {
		return "", err
	}
	return c.armsCtl.ReadString(ctx, motorctl.SerialIDParam)
}

// HomeZ runs the Z homing sequence and blocks until the axis reports homed.
func (c *Controller) HomeZ(ctx context.Context) error {
	if err := c.connected(); err != nil {
		return err
	}
	c.logger.Info("homing z axis")
	if err := c.zAxis.Home(ctx); err != nil {
		return fmt.Errorf("homing z: %w", err)
	}
	return c.zAxis.WaitHomed(ctx, c.cfg.HomeTimeout)
}

// MoveZToHeight moves the valve head to the given height above the plate
// base, homing first if the axis is not homed, and blocks until the axis
// settles in range.
func (c *Controller) MoveZToHeight(ctx context.Context, heightMm float64) error {
	if err := c.connected(); err != nil {
		return err
	}
	homed, err := c.zAxis.ReadBool(ctx, motorctl.ParamIsHomed)
	if err != nil {
		return err
	}
	if !homed {
		if err := c.HomeZ(ctx); err != nil {
			return err
		}
	}
	microns := labware.Microns(heightMm)
	c.logger.Info("moving z", zap.Float64("height_mm", heightMm), zap.Int("microns", microns))
	if _, err := c.conn.SendMessage(ctx, "MOVE_Z", c.cfg.ZControllerNumber, c.cfg.ZAxisNumber, microns); err != nil {
		return fmt.Errorf("move z: %w", err)
	}
	return c.zAxis.WaitPositionSettled(ctx, c.cfg.SettleTimeout)
}

// SetClamp engages or releases the plate clamp. The clamp is not polled
// afterwards; a clamp fault surfaces through the next physical step.
func (c *Controller) SetClamp(ctx context.Context, engaged bool) error {
	if err := c.connected(); err != nil {
		return err
	}
	v := 0
	if engaged {
		v = 1
	}
	_, err := c.conn.SendMessage(ctx, "CLAMP", c.cfg.ZControllerNumber, 0, v)
	return err
}

// ParkArms clears error flags, parks both arms, waits for them to settle
// and de-energizes the arm motors.
func (c *Controller) ParkArms(ctx context.Context) error {
	if err := c.connected(); err != nil {
		return err
	}
	if err := c.ClearMotorErrorFlags(ctx); err != nil {
		return err
	}
	c.logger.Info("parking arms")
	if _, err := c.conn.SendMessage(ctx, "PARK", c.cfg.ArmsControllerNumber, 0); err != nil {
		return err
	}
	if err := c.waitArmsSettled(ctx); err != nil {
		return err
	}
	return c.DisableArms(ctx)
}

// UnparkArms clears error flags, unparks both arms and waits for them to
// settle. The arm motors stay as the firmware leaves them; the next motion
// command re-engages them.
func (c *Controller) UnparkArms(ctx context.Context) error {
	if err := c.connected(); err != nil {
		return err
	}
	if err := c.ClearMotorErrorFlags(ctx); err != nil {
		return err
	}
	c.logger.Info("unparking arms")
	if _, err := c.conn.SendMessage(ctx, "UNPARK", c.cfg.ArmsControllerNumber, 0); err != nil {
		return err
	}
	return c.waitArmsSettled(ctx)
}

func (c *Controller) waitArmsSettled(ctx context.Context) error {
	if err := c.arm1.WaitPositionSettled(ctx, c.cfg.ParkTimeout); err != nil {
		return fmt.Errorf("arm 1: %w", err)
	}
	if err := c.arm2.WaitPositionSettled(ctx, c.cfg.ParkTimeout); err != nil {
		return fmt.Errorf("arm 2: %w", err)
	}
	return nil
}

// ClearMotorErrorFlags writes a zero error code to the Z axis and both
// arms. A latched error code otherwise blocks homing and motion silently,
// so every motion sequence starts here.
func (c *Controller) ClearMotorErrorFlags(ctx context.Context) error {
	if err := c.connected(); err != nil {
		return err
	}
	for _, axis := range []*motorctl.Axis{c.zAxis, c.arm1, c.arm2} {
		if err := axis.Write(ctx, motorctl.ParamErrorCode, 0); err != nil {
			return fmt.Errorf("clearing error flags: %w", err)
		}
	}
	return nil
}

func (c *Controller) DisableArms(ctx context.Context) error {
	if err := c.connected(); err != nil {
		return err
	}
	if err := c.arm1.SetMode(ctx, motorctl.ModeDisabled); err != nil {
		return err
	}
	return c.arm2.SetMode(ctx, motorctl.ModeDisabled)
}

func (c *Controller) DisableZ(ctx context.Context) error {
	if err := c.connected(); err != nil {
		return err
	}
	return c.zAxis.SetMode(ctx, motorctl.ModeDisabled)
}

func (c *Controller) DisableAllMotors(ctx context.Context) error {
	if err := c.connected(); err != nil {
		return err
	}
	if err := c.DisableZ(ctx); err != nil {
		return err
	}
	return c.DisableArms(ctx)
}

// ProtocolSource names where a run's protocol comes from: an id resolved
// through the data service, or protocol data supplied directly.
type ProtocolSource interface {
	resolve(ctx context.Context, data dataaccess.Source) (*protocol.Protocol, error)
}

type protocolID string

func (id protocolID) resolve(ctx context.Context, data dataaccess.Source) (*protocol.Protocol, error) {
	return data.Protocol(ctx, strings.TrimSpace(string(id)))
}

// ProtocolID resolves the protocol by id at run time.
func ProtocolID(id string) ProtocolSource { return protocolID(id) }

type protocolData struct{ p *protocol.Protocol }

func (d protocolData) resolve(context.Context, dataaccess.Source) (*protocol.Protocol, error) {
	return d.p, nil
}

// ProtocolData supplies the protocol directly, e.g. from a CSV import.
func ProtocolData(p *protocol.Protocol) ProtocolSource { return protocolData{p: p} }

// CompileForDevice compiles the dispense command sequence for this device.
// A nil cal fetches the active calibration for the device's serial id,
// which is the one serial exchange this method performs; with cal supplied
// it touches no hardware, enabling repeatable calibration sweeps.
func (c *Controller) CompileForDevice(ctx context.Context, cal *calibration.Active, src ProtocolSource, plate *labware.PlateType) ([]string, error) {
	if cal == nil {
		serialID, err := c.ReadSerialID(ctx)
		if err != nil {
			return nil, err
		}
		cal, err = c.data.ActiveCalibration(ctx, serialID)
		if err != nil {
			return nil, err
		}
	}
	prot, err := src.resolve(ctx, c.data)
	if err != nil {
		return nil, err
	}
	return CompileDispense(c.cfg.ArmsControllerNumber, cal, prot, plate, c.cfg.MinDispenseVolumeUl)
}

// RunDispense executes a full dispense run: data compilation and Z/clamp
// positioning proceed concurrently, then the compiled commands stream to
// the device and the run is polled to completion. Motors are disabled and
// the clamp released on every exit path; cleanup failures are logged, never
// allowed to mask the run's own result. Cancelling ctx sends an abort to
// the device.
func (c *Controller) RunDispense(ctx context.Context, src ProtocolSource, plateTypeGUID string) (err error) {
	if err := c.connected(); err != nil {
		return err
	}
	defer c.cleanup(&err)
	stop := c.abortOnCancel(ctx)
	defer stop()

	plateTypeGUID = strings.TrimSpace(plateTypeGUID)
	if err := c.ClearMotorErrorFlags(ctx); err != nil {
		return err
	}
	serialID, err := c.ReadSerialID(ctx)
	if err != nil {
		return err
	}
	plate, err := c.data.PlateType(ctx, plateTypeGUID)
	if err != nil {
		return err
	}

	// The data task compiles off the wire while the hardware task owns the
	// serial link, so the two never contend for the connection.
	var commands []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cal, err := c.data.ActiveCalibration(gctx, serialID)
		if err != nil {
			return fmt.Errorf("data access task: %w", err)
		}
		prot, err := src.resolve(gctx, c.data)
		if err != nil {
			return fmt.Errorf("data access task: %w", err)
		}
		cmds, err := CompileDispense(c.cfg.ArmsControllerNumber, cal, prot, plate, c.cfg.MinDispenseVolumeUl)
		if err != nil {
			return fmt.Errorf("data access task: %w", err)
		}
		commands = cmds
		return nil
	})
	g.Go(func() error {
		if err := c.MoveZToHeight(gctx, plate.HeightMm+dispenseClearanceMm); err != nil {
			return fmt.Errorf("z and clamp task: %w", err)
		}
		if err := c.SetClamp(gctx, true); err != nil {
			return fmt.Errorf("z and clamp task: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	c.logger.Info("sending dispense commands", zap.Int("count", len(commands)))
	for _, cmd := range commands {
		if _, err := c.conn.SendMessageRaw(ctx, cmd, true); err != nil {
			return fmt.Errorf("sending dispense command: %w", err)
		}
	}
	estimate, err := c.startDispense(ctx)
	if err != nil {
		return err
	}
	return c.waitForDispenseComplete(ctx, estimate)
}

// startDispense issues DISPENSE and returns the firmware's duration
// estimate.
func (c *Controller) startDispense(ctx context.Context) (time.Duration, error) {
	reply, err := c.conn.SendMessage(ctx, "DISPENSE", c.cfg.ArmsControllerNumber, 0)
	if err != nil {
		return 0, fmt.Errorf("starting dispense: %w", err)
	}
	millis, err := reply.IntParam(0)
	if err != nil {
		return 0, fmt.Errorf("dispense duration estimate: %w", err)
	}
	c.logger.Info("dispense started", zap.Int("estimate_ms", millis))
	return time.Duration(millis) * time.Millisecond, nil
}

// waitForDispenseComplete polls the dispense state until the firmware
// reports Ended, raising a HardwareError on Error and a TimeoutError once
// the estimate plus grace elapses.
func (c *Controller) waitForDispenseComplete(ctx context.Context, estimate time.Duration) error {
	timeout := estimate + c.cfg.DispenseCompleteGrace
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		state, err := c.GetDispenseState(ctx)
		if err != nil {
			return err
		}
		switch state {
		case DispenseError:
			return &dispenselib.HardwareError{
				Op: "dispense",
				Message: "the device reported a dispense error; check the arms for obstructions, " +
					"the plate height, and the hose routing. " +
					"See https://ukrobotics.tech/docs/d2dispenser/troubleshooting/",
			}
		case DispenseEnded:
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
	return &dispenselib.TimeoutError{Op: "dispense to finish", After: timeout}
}

// GetDispenseState reads the firmware's run state. Values outside the known
// set, including unparsable ones, read as Running: the firmware passes
// through transient states the polling loops must tolerate.
func (c *Controller) GetDispenseState(ctx context.Context) (DispenseState, error) {
	if err := c.connected(); err != nil {
		return DispenseRunning, err
	}
	reply, err := c.conn.SendMessage(ctx, "GET_DISPENSE_STATE", c.cfg.ArmsControllerNumber, 0)
	if err != nil {
		return DispenseRunning, err
	}
	v, err := reply.IntParam(0)
	if err != nil {
		return DispenseRunning, nil
	}
	switch DispenseState(v) {
	case DispenseError, DispenseEnded:
		return DispenseState(v), nil
	default:
		return DispenseRunning, nil
	}
}

// Flush primes a valve with fluid: arms parked and Z at a safe height, one
// long valve fire, then a poll until the valve returns to idle. The same
// cleanup discipline as RunDispense applies.
func (c *Controller) Flush(ctx context.Context, valveNumber int, volumeUl float64) (err error) {
	if err := c.connected(); err != nil {
		return err
	}
	defer c.cleanup(&err)

	if err := c.ClearMotorErrorFlags(ctx); err != nil {
		return err
	}
	if err := c.ParkArms(ctx); err != nil {
		return err
	}
	if err := c.MoveZToHeight(ctx, flushHeightMm); err != nil {
		return err
	}
	if err := c.DisableAllMotors(ctx); err != nil {
		return err
	}
	serialID, err := c.ReadSerialID(ctx)
	if err != nil {
		return err
	}
	cal, err := c.data.ActiveCalibration(ctx, serialID)
	if err != nil {
		return err
	}
	table, err := cal.ForValve(valveNumber)
	if err != nil {
		return err
	}
	openTime, err := table.VolumeToOpenTime(volumeUl)
	if err != nil {
		return err
	}
	if err := c.FireValve(ctx, valveNumber, openTime); err != nil {
		return err
	}
	timeout := time.Duration(openTime/1000)*time.Millisecond + 250*time.Millisecond
	return c.AwaitIdleValveState(ctx, timeout)
}

// FireValve opens a valve once for openTimeUsecs.
func (c *Controller) FireValve(ctx context.Context, valveNumber, openTimeUsecs int) error {
	if err := c.connected(); err != nil {
		return err
	}
	cmd := ValveCommand(c.cfg.ArmsControllerNumber, valveNumber, openTimeUsecs, 1, 0)
	_, err := c.conn.SendMessageRaw(ctx, cmd, true)
	return err
}

// AwaitIdleValveState polls the valve command state until idle.
func (c *Controller) AwaitIdleValveState(ctx context.Context, timeout time.Duration) error {
	if err := c.connected(); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	for {
		reply, err := c.conn.SendMessage(ctx, "GET_VALVE_STATE", c.cfg.ArmsControllerNumber, 0)
		if err != nil {
			return fmt.Errorf("valve state: %w", err)
		}
		if v, err := reply.IntParam(0); err == nil && ValveState(v) == ValveIdle {
			return nil
		}
		if time.Now().After(deadline) {
			return &dispenselib.TimeoutError{Op: "valve idle state", After: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// Abort sends the out-of-band abort without waiting for an acknowledgment,
// so it can fire while another exchange holds the command queue. It does
// not disable motors or release the clamp; the interrupted operation's
// cleanup path owns those.
func (c *Controller) Abort() error {
	if err := c.connected(); err != nil {
		return err
	}
	c.logger.Warn("aborting")
	cmd := fmt.Sprintf("ABORT,%d,0", c.cfg.ArmsControllerNumber)
	_, err := c.conn.SendMessageRaw(context.Background(), cmd, false)
	return err
}

// abortOnCancel watches ctx and fires Abort once if it is cancelled before
// the returned stop function runs.
func (c *Controller) abortOnCancel(ctx context.Context) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if err := c.Abort(); err != nil {
				c.logger.Error("abort on cancellation", zap.Error(err))
			}
		case <-done:
		}
	}()
	return func() { close(done) }
}

// cleanup disables all motors and releases the clamp on every exit path.
// Failures here are logged but never replace the operation's own error.
func (c *Controller) cleanup(opErr *error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.DisableAllMotors(ctx); err != nil {
		c.logger.Error("disabling motors during cleanup", zap.Error(err))
	}
	if err := c.SetClamp(ctx, false); err != nil {
		c.logger.Error("releasing clamp during cleanup", zap.Error(err))
	}
	if *opErr != nil {
		c.logger.Error("operation failed", zap.Error(*opErr))
	}
}
