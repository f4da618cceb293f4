// Package motorctl speaks the D2 motor-controller command protocol: ASCII
// comma-separated commands, each answered by a single OK/ERROR line. The
// package models the controllers and their axes at the command-string level
// only; the firmware's control loops are its own concern.
package motorctl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ukrobotics/dispenselib"
)

const DefaultAckTimeout = 5 * time.Second

// Reply is the uniform result contract for every device exchange. The first
// field of a response line selects success or failure; the remaining fields
// are parameters on success and the error text on failure.
type Reply struct {
	Success bool
	Params  []string
	Message string
}

// Param returns the i-th response parameter.
func (r *Reply) Param(i int) (string, bool) {
	if i < 0 || i >= len(r.Params) {
		return "", false
	}
	return r.Params[i], true
}

// IntParam returns the i-th response parameter as an integer.
func (r *Reply) IntParam(i int) (int, error) {
	s, ok := r.Param(i)
	if !ok {
		return 0, fmt.Errorf("response has no parameter %d", i)
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("response parameter %d: %w", i, err)
	}
	return v, nil
}

// ControlConnection owns one serial session exclusively. At most one
// acknowledged command is in flight at a time; Abort-style raw writes may
// interleave with a pending exchange.
type ControlConnection struct {
	mu  sync.Mutex // serializes acknowledged exchanges
	wmu sync.Mutex // guards writes to the wire

	rw         io.ReadWriter
	lines      chan string
	readErr    chan error
	logger     *zap.Logger
	ackTimeout time.Duration
}

// NewControlConnection starts the background line reader over rw. rw is
// typically a *serial.Port, or an in-memory pipe under test.
func NewControlConnection(rw io.ReadWriter, logger *zap.Logger) *ControlConnection {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &ControlConnection{
		rw:         rw,
		lines:      make(chan string, 16),
		readErr:    make(chan error, 1),
		logger:     logger,
		ackTimeout: DefaultAckTimeout,
	}
	go c.readLines()
	return c
}

// SetAckTimeout overrides the per-command acknowledgment ceiling.
func (c *ControlConnection) SetAckTimeout(d time.Duration) {
	c.ackTimeout = d
}

func (c *ControlConnection) readLines() {
	scanner := bufio.NewScanner(c.rw)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.lines <- line
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.readErr <- err
}

// SendMessage builds "NAME,p0,p1,..." from integer parameters and sends it,
// awaiting the acknowledgment.
func (c *ControlConnection) SendMessage(ctx context.Context, name string, params ...int) (*Reply, error) {
	parts := make([]string, 0, len(params)+1)
	parts = append(parts, name)
	for _, p := range params {
		parts = append(parts, strconv.Itoa(p))
	}
	return c.SendMessageRaw(ctx, strings.Join(parts, ","), true)
}

// SendMessageRaw transmits command verbatim. With awaitAck it blocks for the
// device's OK/ERROR line and returns a TransportError on ERROR; without it
// the command is fire-and-forget, which is how ABORT reaches a busy device.
func (c *ControlConnection) SendMessageRaw(ctx context.Context, command string, awaitAck bool) (*Reply, error) {
	if !awaitAck {
		return nil, c.write(command)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Debug("sending command", zap.String("cmd", command))
	if err := c.write(command); err != nil {
		return nil, err
	}
	select {
	case line := <-c.lines:
		c.logger.Debug("received reply", zap.String("reply", line))
		reply := parseReply(line)
		if !reply.Success {
			return reply, &dispenselib.TransportError{Command: command, Message: reply.Message}
		}
		return reply, nil
	case err := <-c.readErr:
		return nil, &dispenselib.ConnectionError{Err: err}
	case <-time.After(c.ackTimeout):
		return nil, &dispenselib.TimeoutError{Op: "acknowledgment of " + firstField(command), After: c.ackTimeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *ControlConnection) write(command string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := io.WriteString(c.rw, command+"\n"); err != nil {
		return &dispenselib.ConnectionError{Err: err}
	}
	return nil
}

func (c *ControlConnection) Close() error {
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func parseReply(line string) *Reply {
	head, rest, _ := strings.Cut(line, ",")
	switch strings.ToUpper(strings.TrimSpace(head)) {
	case "OK":
		r := &Reply{Success: true}
		if rest != "" {
			r.Params = strings.Split(rest, ",")
		}
		return r
	case "ERROR", "ERR":
		return &Reply{Success: false, Message: strings.TrimSpace(rest)}
	default:
		return &Reply{Success: false, Message: "unrecognized response: " + line}
	}
}

func firstField(command string) string {
	head, _, _ := strings.Cut(command, ",")
	return head
}
