package d2

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ukrobotics/dispenselib"
	"github.com/ukrobotics/dispenselib/calibration"
	"github.com/ukrobotics/dispenselib/dataaccess"
	"github.com/ukrobotics/dispenselib/labware"
	"github.com/ukrobotics/dispenselib/protocol"
)

// fakeDevice answers the firmware protocol over a pipe. Each received line
// is recorded; GET_DISPENSE_STATE and GET_VALVE_STATE replies come from a
// script whose last entry repeats.
type fakeDevice struct {
	mu             sync.Mutex
	commands       []string
	serialID       string
	estimateMs     int
	dispenseStates []string
	valveStates    []string
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		serialID:       "D2-TEST-01",
		dispenseStates: []string{"1"},
		valveStates:    []string{"0"},
	}
}

func (d *fakeDevice) serve(conn net.Conn) {
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		reply := d.handle(strings.TrimSpace(sc.Text()))
		if reply == "" {
			continue
		}
		if _, err := io.WriteString(conn, reply+"\n"); err != nil {
			return
		}
	}
}

func (d *fakeDevice) handle(line string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commands = append(d.commands, line)
	fields := strings.Split(line, ",")
	switch fields[0] {
	case "READ_PARAM":
		param, _ := strconv.Atoi(fields[3])
		switch param {
		case 160: // serial id
			return "OK," + d.serialID
		case 21, 22: // homed, settled
			return "OK,1"
		default:
			return "OK,0"
		}
	case "GET_DISPENSE_STATE":
		return "OK," + popScript(&d.dispenseStates)
	case "GET_VALVE_STATE":
		return "OK," + popScript(&d.valveStates)
	case "DISPENSE":
		return fmt.Sprintf("OK,%d", d.estimateMs)
	case "ABORT":
		return ""
	default:
		return "OK"
	}
}

// popScript consumes the script head, keeping the final entry in place.
func popScript(script *[]string) string {
	s := *script
	head := s[0]
	if len(s) > 1 {
		*script = s[1:]
	}
	return head
}

func (d *fakeDevice) received(prefix string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, cmd := range d.commands {
		if strings.HasPrefix(cmd, prefix) {
			out = append(out, cmd)
		}
	}
	return out
}

// fakeSource serves reference data from memory.
type fakeSource struct {
	plate *labware.PlateType
	cal   *calibration.Active
	prot  *protocol.Protocol
}

func (s *fakeSource) PlateType(context.Context, string) (*labware.PlateType, error) {
	if s.plate == nil {
		return nil, dispenselib.Configf("no plate type")
	}
	return s.plate, nil
}

func (s *fakeSource) ActiveCalibration(context.Context, string) (*calibration.Active, error) {
	if s.cal == nil {
		return nil, dispenselib.Configf("no active calibration")
	}
	return s.cal, nil
}

func (s *fakeSource) Protocol(context.Context, string) (*protocol.Protocol, error) {
	if s.prot == nil {
		return nil, dispenselib.Configf("no protocol")
	}
	return s.prot, nil
}

var _ dataaccess.Source = (*fakeSource)(nil)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = time.Millisecond
	cfg.HomeTimeout = time.Second
	cfg.SettleTimeout = time.Second
	cfg.ParkTimeout = time.Second
	cfg.DispenseCompleteGrace = time.Second
	return cfg
}

func newTestController(t *testing.T, data dataaccess.Source, cfg Config, dev *fakeDevice) *Controller {
	t.Helper()
	client, server := net.Pipe()
	go dev.serve(server)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	c := New(data, nil, cfg)
	c.Attach(client)
	return c
}

func TestRunDispenseHappyPath(t *testing.T) {
	dev := newFakeDevice()
	dev.estimateMs = 5
	dev.dispenseStates = []string{"0", "0", "1"}
	data := &fakeSource{plate: plate96(t), cal: calibrationSpanning(t), prot: uniform96(10)}
	c := newTestController(t, data, testConfig(), dev)

	if err := c.RunDispense(context.Background(), ProtocolID("p-1"), " 0f7e49a3-0000-0000-0000-000000000001 "); err != nil {
		t.Fatal(err)
	}
	if got := dev.received("CLR_VALVE_WELL"); len(got) != 1 {
		t.Errorf("expected 1 CLR_VALVE_WELL, got %d", len(got))
	}
	if got := dev.received("VALVE_WELL"); len(got) != 8 {
		t.Errorf("expected 8 VALVE_WELL commands, got %d", len(got))
	}
	if got := dev.received("DISPENSE,1,0"); len(got) != 1 {
		t.Errorf("expected 1 DISPENSE, got %d", len(got))
	}
	// positioning: plate height 14.35mm plus 1mm clearance
	if got := dev.received("MOVE_Z,2,1,15350"); len(got) != 1 {
		t.Errorf("expected move to 15350um, got %v", dev.received("MOVE_Z"))
	}
	if got := dev.received("CLAMP,2,0,1"); len(got) != 1 {
		t.Errorf("expected clamp engage, got %v", dev.received("CLAMP"))
	}
	// cleanup always disables the motors and releases the clamp
	if got := dev.received("SET_MODE"); len(got) != 3 {
		t.Errorf("expected 3 disable commands, got %v", got)
	}
	if got := dev.received("CLAMP,2,0,0"); len(got) != 1 {
		t.Errorf("expected clamp release, got %v", dev.received("CLAMP"))
	}
}

func TestRunDispenseDeviceError(t *testing.T) {
	dev := newFakeDevice()
	dev.dispenseStates = []string{"0", "-1"}
	data := &fakeSource{plate: plate96(t), cal: calibrationSpanning(t), prot: uniform96(10)}
	c := newTestController(t, data, testConfig(), dev)

	err := c.RunDispense(context.Background(), ProtocolData(data.prot), "plate-96")
	var he *dispenselib.HardwareError
	if !errors.As(err, &he) {
		t.Fatalf("expected HardwareError, got %v", err)
	}
	if !strings.Contains(he.Message, "obstruction") {
		t.Errorf("error should carry operator guidance, got %q", he.Message)
	}
	// cleanup still runs after a device error
	if got := dev.received("CLAMP,2,0,0"); len(got) != 1 {
		t.Errorf("expected clamp release after error, got %v", dev.received("CLAMP"))
	}
}

func TestRunDispenseTimeout(t *testing.T) {
	dev := newFakeDevice()
	dev.estimateMs = 0
	dev.dispenseStates = []string{"0"} // never ends
	cfg := testConfig()
	cfg.DispenseCompleteGrace = 30 * time.Millisecond
	data := &fakeSource{plate: plate96(t), cal: calibrationSpanning(t), prot: uniform96(10)}
	c := newTestController(t, data, cfg, dev)

	err := c.RunDispense(context.Background(), ProtocolData(data.prot), "plate-96")
	var te *dispenselib.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
}

func TestRunDispenseCancelled(t *testing.T) {
	dev := newFakeDevice()
	dev.dispenseStates = []string{"0"} // never ends
	data := &fakeSource{plate: plate96(t), cal: calibrationSpanning(t), prot: uniform96(10)}
	c := newTestController(t, data, testConfig(), dev)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := c.RunDispense(ctx, ProtocolData(data.prot), "plate-96")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestRunDispenseDataFailureStopsRun(t *testing.T) {
	dev := newFakeDevice()
	data := &fakeSource{plate: plate96(t), cal: calibrationSpanning(t)} // no protocol
	c := newTestController(t, data, testConfig(), dev)

	err := c.RunDispense(context.Background(), ProtocolID("missing"), "plate-96")
	var ce *dispenselib.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if got := dev.received("DISPENSE,1,0"); len(got) != 0 {
		t.Errorf("dispense must not start after a data failure")
	}
}

func TestRunDispenseDisconnected(t *testing.T) {
	c := New(&fakeSource{}, nil, testConfig())
	err := c.RunDispense(context.Background(), ProtocolID("p-1"), "plate-96")
	var ce *dispenselib.ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
}

func TestReadSerialID(t *testing.T) {
	dev := newFakeDevice()
	c := newTestController(t, &fakeSource{}, testConfig(), dev)
	id, err := c.ReadSerialID(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if id != "D2-TEST-01" {
		t.Errorf("serial id = %q", id)
	}
	if got := dev.received("READ_PARAM,1,0,160"); len(got) != 1 {
		t.Errorf("expected serial id read on the arms controller, got %v", dev.commands)
	}
}

func TestGetDispenseStateUnknownReadsAsRunning(t *testing.T) {
	cases := []string{"5", "banana", "-7"}
	for _, raw := range cases {
		dev := newFakeDevice()
		dev.dispenseStates = []string{raw}
		c := newTestController(t, &fakeSource{}, testConfig(), dev)
		state, err := c.GetDispenseState(context.Background())
		if err != nil {
			t.Fatalf("state %q: %v", raw, err)
		}
		if state != DispenseRunning {
			t.Errorf("state %q should read as running, got %d", raw, state)
		}
	}
}

func TestFlush(t *testing.T) {
	dev := newFakeDevice()
	dev.valveStates = []string{"1", "0"} // pending once, then idle
	data := &fakeSource{cal: calibrationSpanning(t)}
	c := newTestController(t, data, testConfig(), dev)

	if err := c.Flush(context.Background(), 1, 50); err != nil {
		t.Fatal(err)
	}
	if got := dev.received("PARK,1,0"); len(got) != 1 {
		t.Errorf("flush must park the arms, got %v", dev.received("PARK"))
	}
	if got := dev.received("MOVE_Z,2,1,10000"); len(got) != 1 {
		t.Errorf("flush must move to the safe height, got %v", dev.received("MOVE_Z"))
	}
	// 50ul is the top calibration point: 5000us open time
	if got := dev.received("VALVE,1,0,1,5000,1,0"); len(got) != 1 {
		t.Errorf("expected one valve fire, got %v", dev.received("VALVE"))
	}
	if got := dev.received("GET_VALVE_STATE"); len(got) != 2 {
		t.Errorf("expected 2 valve state polls, got %d", len(got))
	}
}

func TestFlushUnknownValve(t *testing.T) {
	dev := newFakeDevice()
	data := &fakeSource{cal: calibrationSpanning(t)}
	c := newTestController(t, data, testConfig(), dev)

	err := c.Flush(context.Background(), 3, 50)
	var ce *dispenselib.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError for valve 3, got %v", err)
	}
}

func TestAbortSendsWithoutAwaitingAck(t *testing.T) {
	dev := newFakeDevice()
	c := newTestController(t, &fakeSource{}, testConfig(), dev)

	done := make(chan error, 1)
	go func() { done <- c.Abort() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("abort blocked waiting for an acknowledgment")
	}
	deadline := time.Now().Add(time.Second)
	for len(dev.received("ABORT,1,0")) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("device never received the abort")
		}
		time.Sleep(time.Millisecond)
	}
}
