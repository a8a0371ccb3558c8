package serial

import (
	"fmt"
	"io"
	"time"
)

// CharSize is the number of data bits per character.
type CharSize int

// Supported character sizes.
const (
	CharSize5 CharSize = 5
	CharSize6 CharSize = 6
	CharSize7 CharSize = 7
	CharSize8 CharSize = 8
)

func (c CharSize) valid() bool { return c >= CharSize5 && c <= CharSize8 }

// StopBits is the number of stop bits per character.
type StopBits int

// StopBits values; Port.SetStopBits picks between them.
const (
	StopBitsOne StopBits = 1
	StopBitsTwo StopBits = 2
)

// Parity is the parity checking mode.
type Parity int

// Parity modes.
const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "none"
	case ParityOdd:
		return "odd"
	case ParityEven:
		return "even"
	default:
		return fmt.Sprintf("Parity(%d)", int(p))
	}
}

// FlowControl is the flow control mode.
type FlowControl int

// Flow control modes. FlowControlSoftware is XON/XOFF, FlowControlHardware is RTS/CTS.
const (
	FlowControlNone FlowControl = iota
	FlowControlSoftware
	FlowControlHardware
)

func (f FlowControl) String() string {
	switch f {
	case FlowControlNone:
		return "none"
	case FlowControlSoftware:
		return "software"
	case FlowControlHardware:
		return "hardware"
	default:
		return fmt.Sprintf("FlowControl(%d)", int(f))
	}
}

// Device is one open handle to a serial port, as supplied by a driver.
//
// Read blocks until data is available, the handle's timeout elapses (ErrTimeout)
// or the handle is closed (ErrClosed). Write blocks the same way until all of p
// is accepted. Close must be safe to call while another goroutine is blocked in
// Read or Write and must wake it.
//
// TryClone returns an independent handle to the same port. Settings applied to
// one handle are not assumed to be visible through another.
type Device interface {
	io.ReadWriteCloser

	SetTimeout(d time.Duration) error
	SetCharSize(size CharSize) error
	SetBaudRate(baud uint32) error
	SetStopBits(bits StopBits) error
	SetParity(mode Parity) error
	SetFlowControl(mode FlowControl) error

	TryClone() (Device, error)
}

// Opener opens a Device at path with the given baud rate and read timeout.
type Opener func(path string, baud uint32, timeout time.Duration) (Device, error)
