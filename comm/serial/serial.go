// Package serial opens and enumerates the serial links used to reach the D2
// motor controllers.
package serial

import (
	"time"

	"go.bug.st/serial"
)

type Port struct {
	name string
	port serial.Port
}

func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}

func OpenPort(port string, baud int) (*Port, error) {
	p, err := serial.Open(port, &serial.Mode{
		BaudRate: baud,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}

	err = p.SetReadTimeout(time.Duration(500) * time.Millisecond)
	if err != nil {
		return nil, err
	}
	return &Port{name: port, port: p}, nil
}

func (p *Port) Name() string {
	return p.name
}

func (p *Port) Read(b []byte) (int, error) {
	return p.port.Read(b)
}

func (p *Port) Write(b []byte) (int, error) {
	return p.port.Write(b)
}

func (p *Port) Close() error {
	return p.port.Close()
}
