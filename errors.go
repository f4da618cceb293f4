package dispenselib

import (
	"fmt"
	"time"
)

// ConnectionError reports an absent or closed serial link.
type ConnectionError struct {
	Port string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Port == "" {
		return fmt.Sprintf("connection: %v", e.Err)
	}
	return fmt.Sprintf("connection %s: %v", e.Port, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError reports a command whose acknowledgment carried a failure,
// with the error text returned by the device.
type TransportError struct {
	Command string
	Message string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("command %q failed: %s", e.Command, e.Message)
}

// TimeoutError reports a bounded wait that exceeded its ceiling.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for %s after %s", e.Op, e.After)
}

// HardwareError reports an error state raised by the device itself, with
// operator guidance where the firmware cannot report a root cause.
type HardwareError struct {
	Op      string
	Message string
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// ConfigurationError reports missing or unusable reference data: an absent
// calibration channel, an underived calibration table, or a failed plate or
// protocol lookup.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return e.Reason }

func Configf(format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}
