// Package dispenselib holds the shared vocabulary of the D2 dispenser
// control library: the error taxonomy used across the transport, data and
// device layers, and the instrument constants.
package dispenselib

// ValveCount is the number of independently calibrated dispense valves on a
// D2 head.
const ValveCount = 2
