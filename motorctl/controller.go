package motorctl

import (
	"context"
	"time"

	"github.com/ukrobotics/dispenselib"
)

// Param identifies a controller parameter addressable with READ_PARAM and
// WRITE_PARAM.
type Param int

const (
	ParamErrorCode         Param = 10
	ParamIsHomed           Param = 21
	ParamIsPositionSettled Param = 22 // settled and in range
	ParamUserData1         Param = 100
)

// SerialIDParam is the persisted device identifier, stored in the user-data
// block at a fixed offset.
const SerialIDParam = ParamUserData1 + 60

// Mode is an axis controller mode.
type Mode int

const (
	ModeDisabled Mode = 0
	ModeEnabled  Mode = 1
)

// Controller addresses one logical motor controller on a shared connection.
type Controller struct {
	conn      *ControlConnection
	Number    int
	AxisCount int
}

func NewController(conn *ControlConnection, number, axisCount int) *Controller {
	return &Controller{conn: conn, Number: number, AxisCount: axisCount}
}

func (c *Controller) Axis(number int) *Axis {
	return &Axis{conn: c.conn, Controller: c.Number, Number: number}
}

// ReadString reads a string-valued controller parameter.
func (c *Controller) ReadString(ctx context.Context, p Param) (string, error) {
	reply, err := c.conn.SendMessage(ctx, "READ_PARAM", c.Number, 0, int(p))
	if err != nil {
		return "", err
	}
	s, ok := reply.Param(0)
	if !ok {
		return "", &dispenselib.TransportError{Command: "READ_PARAM", Message: "response carried no value"}
	}
	return s, nil
}

// Axis addresses one axis of a controller.
type Axis struct {
	conn       *ControlConnection
	Controller int
	Number     int
}

func (a *Axis) ReadBool(ctx context.Context, p Param) (bool, error) {
	v, err := a.ReadInt(ctx, p)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (a *Axis) ReadInt(ctx context.Context, p Param) (int, error) {
	reply, err := a.conn.SendMessage(ctx, "READ_PARAM", a.Controller, a.Number, int(p))
	if err != nil {
		return 0, err
	}
	return reply.IntParam(0)
}

func (a *Axis) Write(ctx context.Context, p Param, value int) error {
	_, err := a.conn.SendMessage(ctx, "WRITE_PARAM", a.Controller, a.Number, int(p), value)
	return err
}

func (a *Axis) SetMode(ctx context.Context, m Mode) error {
	_, err := a.conn.SendMessage(ctx, "SET_MODE", a.Controller, a.Number, int(m))
	return err
}

func (a *Axis) Home(ctx context.Context) error {
	_, err := a.conn.SendMessage(ctx, "HOME", a.Controller, a.Number)
	return err
}

const pollInterval = 100 * time.Millisecond

// WaitHomed polls the homed flag until it is set. Exceeding timeout is fatal
// for the operation, never a silent continuation.
func (a *Axis) WaitHomed(ctx context.Context, timeout time.Duration) error {
	return a.waitFor(ctx, ParamIsHomed, timeout, "axis homed")
}

// WaitPositionSettled polls until the axis reports settled and in range
// after a move.
func (a *Axis) WaitPositionSettled(ctx context.Context, timeout time.Duration) error {
	return a.waitFor(ctx, ParamIsPositionSettled, timeout, "position settled")
}

func (a *Axis) waitFor(ctx context.Context, p Param, timeout time.Duration, op string) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := a.ReadBool(ctx, p)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if time.Now().After(deadline) {
			return &dispenselib.TimeoutError{Op: op, After: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
