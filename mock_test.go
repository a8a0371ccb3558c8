package serial

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeWire is the physical line shared by a fakeDevice and its clones.
type fakeWire struct {
	mu       sync.Mutex
	rx       []byte // bytes waiting to be read
	tx       bytes.Buffer
	writes   int
	loopback bool  // written bytes become readable
	maxChunk int   // bytes accepted per Write call, 0 means all
	readErr  error // returned by every Read while set
	writeErr error // returned by every Write while set
}

func (w *fakeWire) feed(data string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rx = append(w.rx, data...)
}

func (w *fakeWire) written() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tx.String()
}

func (w *fakeWire) setReadError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.readErr = err
}

func (w *fakeWire) setWriteError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeErr = err
}

// fakeDevice implements Device for testing purposes. Settings are per handle,
// like a real duplicated handle.
type fakeDevice struct {
	wire   *fakeWire
	closed atomic.Bool

	mu         sync.Mutex
	timeout    time.Duration
	baud       uint32
	size       CharSize
	stop       StopBits
	parity     Parity
	flow       FlowControl
	rejectBaud uint32
	cloneErr   error
	clones     []*fakeDevice
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		wire: &fakeWire{},
		size: CharSize8,
		stop: StopBitsOne,
	}
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	d.mu.Lock()
	deadline := time.Now().Add(d.timeout)
	d.mu.Unlock()

	for {
		if d.closed.Load() {
			return 0, ErrClosed
		}
		d.wire.mu.Lock()
		if d.wire.readErr != nil {
			err := d.wire.readErr
			d.wire.mu.Unlock()
			return 0, err
		}
		if len(d.wire.rx) > 0 {
			n := copy(p, d.wire.rx)
			d.wire.rx = d.wire.rx[n:]
			d.wire.mu.Unlock()
			return n, nil
		}
		d.wire.mu.Unlock()

		if time.Now().After(deadline) {
			return 0, ErrTimeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	d.wire.mu.Lock()
	defer d.wire.mu.Unlock()
	if d.wire.writeErr != nil {
		return 0, d.wire.writeErr
	}

	n := len(p)
	if d.wire.maxChunk > 0 && n > d.wire.maxChunk {
		n = d.wire.maxChunk
	}
	d.wire.tx.Write(p[:n])
	d.wire.writes++
	if d.wire.loopback {
		d.wire.rx = append(d.wire.rx, p[:n]...)
	}
	return n, nil
}

func (d *fakeDevice) Close() error {
	d.closed.Store(true)
	return nil
}

func (d *fakeDevice) SetTimeout(timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeout = timeout
	return nil
}

func (d *fakeDevice) SetCharSize(size CharSize) error {
	if !size.valid() {
		return fmt.Errorf("invalid char size %d", size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.size = size
	return nil
}

func (d *fakeDevice) SetBaudRate(baud uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if baud == 0 || baud == d.rejectBaud {
		return fmt.Errorf("unsupported baud rate %d", baud)
	}
	d.baud = baud
	return nil
}

func (d *fakeDevice) SetStopBits(bits StopBits) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stop = bits
	return nil
}

func (d *fakeDevice) SetParity(mode Parity) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parity = mode
	return nil
}

func (d *fakeDevice) SetFlowControl(mode FlowControl) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flow = mode
	return nil
}

func (d *fakeDevice) TryClone() (Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cloneErr != nil {
		return nil, d.cloneErr
	}
	clone := &fakeDevice{
		wire:    d.wire,
		timeout: d.timeout,
		baud:    d.baud,
		size:    d.size,
		stop:    d.stop,
		parity:  d.parity,
		flow:    d.flow,
	}
	d.clones = append(d.clones, clone)
	return clone, nil
}

// readSide returns the handle the Port cloned for reading.
func (d *fakeDevice) readSide(t *testing.T) *fakeDevice {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.Len(t, d.clones, 1)
	return d.clones[0]
}

func (d *fakeDevice) baudRate() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.baud
}

func fakeOpener(dev *fakeDevice) Opener {
	return func(path string, baud uint32, timeout time.Duration) (Device, error) {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		dev.baud = baud
		dev.timeout = timeout
		return dev, nil
	}
}

func openFake(t *testing.T, dev *fakeDevice, timeout time.Duration) *Port {
	t.Helper()
	port, err := OpenConfig(Config{
		Device:   "fake0",
		BaudRate: 9600,
		Timeout:  timeout,
		Opener:   fakeOpener(dev),
	})
	require.NoError(t, err)
	t.Cleanup(func() { port.Close() })
	return port
}
