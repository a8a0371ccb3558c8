package serial

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	bugst "go.bug.st/serial"
)

// nativeHandle is the subset of go.bug.st/serial's Port used by nativeDevice.
type nativeHandle interface {
	SetMode(mode *bugst.Mode) error
	SetReadTimeout(t time.Duration) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// allow tests to override external dependencies
var (
	openNativePort = func(name string, mode *bugst.Mode) (nativeHandle, error) { return bugst.Open(name, mode) }
	getPortsList   = bugst.GetPortsList
)

// nativePort is one go.bug.st/serial port shared by every clone of a nativeDevice.
// The port is closed when the last clone is closed.
type nativePort struct {
	handle nativeHandle
	mu     sync.Mutex
	refs   int
}

func (p *nativePort) acquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refs == 0 {
		return false
	}
	p.refs++
	return true
}

func (p *nativePort) release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs--
	if p.refs > 0 {
		return nil
	}
	return p.handle.Close()
}

// nativeDevice is a Device on top of go.bug.st/serial. It works on every
// platform that library supports, but has no flow control and its clones
// share one OS handle: a clone's Close cannot interrupt a blocked Read while
// another clone keeps the port open, so that Read returns after the timeout.
type nativeDevice struct {
	shared *nativePort
	closed atomic.Bool

	mu      sync.Mutex // guards mode and timeout
	mode    bugst.Mode
	timeout time.Duration
}

// OpenNative opens path with go.bug.st/serial at 8N1 and the given baud rate.
// It is the default Opener on platforms other than Linux.
//
// Clones from TryClone share one OS handle, so a timeout or line setting
// applied through one handle takes effect on all of them at once. When a Port
// setter over this driver returns false, both of its handles may already carry
// the new value.
func OpenNative(path string, baud uint32, timeout time.Duration) (Device, error) {
	mode := bugst.Mode{
		BaudRate: int(baud),
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	handle, err := openNativePort(path, &mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	if err := handle.SetReadTimeout(timeout); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}
	return &nativeDevice{
		shared:  &nativePort{handle: handle, refs: 1},
		mode:    mode,
		timeout: timeout,
	}, nil
}

// Read returns ErrTimeout where go.bug.st/serial reports a timeout as a
// zero-byte read.
func (d *nativeDevice) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if d.closed.Load() {
		return 0, ErrClosed
	}
	n, err := d.shared.handle.Read(p)
	if err != nil {
		return n, nativeError(err)
	}
	if d.closed.Load() {
		return 0, ErrClosed
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	return n, nil
}

func (d *nativeDevice) Write(p []byte) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	n, err := d.shared.handle.Write(p)
	if err != nil {
		return n, nativeError(err)
	}
	return n, nil
}

func nativeError(err error) error {
	var portErr *bugst.PortError
	if errors.As(err, &portErr) && portErr.Code() == bugst.PortClosed {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

func (d *nativeDevice) SetTimeout(timeout time.Duration) error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.shared.handle.SetReadTimeout(timeout); err != nil {
		return nativeError(err)
	}
	d.timeout = timeout
	return nil
}

func (d *nativeDevice) SetCharSize(size CharSize) error {
	if !size.valid() {
		return fmt.Errorf("invalid char size %d", size)
	}
	return d.setMode(func(m *bugst.Mode) { m.DataBits = int(size) })
}

func (d *nativeDevice) SetBaudRate(baud uint32) error {
	if baud == 0 {
		return fmt.Errorf("invalid baud rate %d", baud)
	}
	return d.setMode(func(m *bugst.Mode) { m.BaudRate = int(baud) })
}

func (d *nativeDevice) SetStopBits(bits StopBits) error {
	switch bits {
	case StopBitsOne:
		return d.setMode(func(m *bugst.Mode) { m.StopBits = bugst.OneStopBit })
	case StopBitsTwo:
		return d.setMode(func(m *bugst.Mode) { m.StopBits = bugst.TwoStopBits })
	default:
		return fmt.Errorf("invalid stop bits %d", bits)
	}
}

func (d *nativeDevice) SetParity(mode Parity) error {
	switch mode {
	case ParityNone:
		return d.setMode(func(m *bugst.Mode) { m.Parity = bugst.NoParity })
	case ParityOdd:
		return d.setMode(func(m *bugst.Mode) { m.Parity = bugst.OddParity })
	case ParityEven:
		return d.setMode(func(m *bugst.Mode) { m.Parity = bugst.EvenParity })
	default:
		return fmt.Errorf("invalid parity %s", mode)
	}
}

// SetFlowControl accepts only FlowControlNone; go.bug.st/serial does not
// expose RTS/CTS or XON/XOFF handling.
func (d *nativeDevice) SetFlowControl(mode FlowControl) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if mode != FlowControlNone {
		return fmt.Errorf("flow control %s: %w", mode, errors.ErrUnsupported)
	}
	return nil
}

func (d *nativeDevice) setMode(fn func(m *bugst.Mode)) error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	mode := d.mode
	fn(&mode)
	if err := d.shared.handle.SetMode(&mode); err != nil {
		return nativeError(err)
	}
	d.mode = mode
	return nil
}

// TryClone returns a new handle on the same underlying port.
func (d *nativeDevice) TryClone() (Device, error) {
	if d.closed.Load() || !d.shared.acquire() {
		return nil, ErrClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return &nativeDevice{
		shared:  d.shared,
		mode:    d.mode,
		timeout: d.timeout,
	}, nil
}

func (d *nativeDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.shared.release()
}

// ListPorts returns the serial ports present on the system.
func ListPorts() ([]string, error) {
	ports, err := getPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}
