package serial

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Port provides full-duplex access to one serial port. It is safe for
// concurrent use by multiple goroutines.
//
// The port is held through two duplicated Device handles. Writes go through
// the write handle under one lock; reads, line reads and Listeners share a
// buffered reader over the read handle under another, so reading and writing
// never wait on each other.
type Port struct {
	path   string
	logger *slog.Logger
	stats  *counters

	writeMu sync.Mutex
	writer  Device

	settings *lockedDevice // read-side handle, also behind reader
	reader   *lineBuffer

	closeOnce sync.Once
	closeErr  error
}

// Open opens the serial device at path with the given baud rate and a
// timeout of DefaultTimeout.
func Open(path string, baud uint32) (*Port, error) {
	return OpenConfig(Config{Device: path, BaudRate: baud})
}

// OpenConfig opens a Port using cfg. Failures are returned as *DeviceError.
func OpenConfig(cfg Config) (*Port, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, &DeviceError{Op: "open", Path: cfg.Device, Err: err}
	}

	writer, err := cfg.Opener(cfg.Device, cfg.BaudRate, cfg.Timeout)
	if err != nil {
		return nil, &DeviceError{Op: "open", Path: cfg.Device, Err: err}
	}
	readDev, err := writer.TryClone()
	if err != nil {
		writer.Close()
		return nil, &DeviceError{Op: "clone", Path: cfg.Device, Err: err}
	}

	stats := newCounters()
	settings := &lockedDevice{dev: readDev}
	p := &Port{
		path:     cfg.Device,
		logger:   cfg.Logger.With("device", cfg.Device),
		stats:    stats,
		writer:   writer,
		settings: settings,
		reader:   newLineBuffer(deviceReader{shared: settings}, stats),
	}
	p.logger.Debug("Port opened", "baud_rate", cfg.BaudRate, "timeout", cfg.Timeout)
	return p, nil
}

// Path returns the device path the Port was opened with.
func (p *Port) Path() string {
	return p.path
}

// Write writes all of data to the device.
//
// Timeout and Interrupted may be retried by reissuing the call; Other
// (for example a disconnect) carries no such guarantee. On failure part of
// data may already have been written.
func (p *Port) Write(data []byte) SerialError {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	for len(data) > 0 {
		n, err := p.writer.Write(data)
		if n > 0 {
			p.stats.bytesWritten.Add(int64(n))
			data = data[n:]
		}
		if err != nil {
			return p.fail("write", err)
		}
		if n == 0 {
			return p.fail("write", io.ErrShortWrite)
		}
	}
	return NoError
}

// WriteString writes the UTF-8 bytes of text. See Write.
func (p *Port) WriteString(text string) SerialError {
	return p.Write([]byte(text))
}

// Read performs a single read of up to len(buf) bytes. It does not loop to
// fill buf. The byte count is zero whenever the result is not NoError.
//
// Read blocks while a Listener is running on this Port.
func (p *Port) Read(buf []byte) (int, SerialError) {
	p.reader.mu.Lock()
	defer p.reader.mu.Unlock()

	n, err := p.reader.read(buf)
	if err != nil {
		return 0, p.fail("read", err)
	}
	return n, NoError
}

// ReadLine reads up to and including the next "\n" and writes the line,
// without "\n" or "\r\n", to out. It returns the raw number of bytes
// consumed including the terminator.
//
// If the read fails part way through a line, the bytes already received are
// kept and begin the line returned by the next call.
//
// ReadLine blocks while a Listener is running on this Port.
func (p *Port) ReadLine(out io.Writer) (int, SerialError) {
	p.reader.mu.Lock()
	defer p.reader.mu.Unlock()

	line, n, err := p.reader.readLine()
	if err != nil {
		return 0, p.fail("read line", err)
	}
	if out != nil {
		if _, err := out.Write(line); err != nil {
			return n, p.fail("read line", err)
		}
	}
	return n, NoError
}

func (p *Port) fail(op string, err error) SerialError {
	kind := Classify(err)
	p.stats.errors.Add(1)
	p.logger.Debug("Serial operation failed", "op", op, "kind", kind, "error", err)
	return kind
}

// SetTimeout sets the read timeout on both handles. A negative timeout is rejected.
func (p *Port) SetTimeout(timeout time.Duration) bool {
	if timeout < 0 {
		return false
	}
	return p.configure("timeout", timeout, func(d Device) error { return d.SetTimeout(timeout) })
}

// SetCharSize sets the number of data bits on both handles.
func (p *Port) SetCharSize(size CharSize) bool {
	return p.configure("char_size", size, func(d Device) error { return d.SetCharSize(size) })
}

// SetBaudRate sets the baud rate on both handles.
func (p *Port) SetBaudRate(baud uint32) bool {
	return p.configure("baud_rate", baud, func(d Device) error { return d.SetBaudRate(baud) })
}

// SetStopBits selects two stop bits when two is true and one otherwise.
func (p *Port) SetStopBits(two bool) bool {
	bits := StopBitsOne
	if two {
		bits = StopBitsTwo
	}
	return p.configure("stop_bits", bits, func(d Device) error { return d.SetStopBits(bits) })
}

// SetParity sets the parity checking mode on both handles.
func (p *Port) SetParity(mode Parity) bool {
	return p.configure("parity", mode, func(d Device) error { return d.SetParity(mode) })
}

// SetFlowControl sets the flow control mode on both handles.
func (p *Port) SetFlowControl(mode FlowControl) bool {
	return p.configure("flow_control", mode, func(d Device) error { return d.SetFlowControl(mode) })
}

// configure applies one setting to the read handle and then the write handle.
// It returns true only if both succeeded. Nothing is rolled back: after a
// false result the two handles may disagree.
//
// Lock order is read-side then write-side. A device read in progress, such
// as a Listener's, delays the setter until it returns.
func (p *Port) configure(setting string, value any, apply func(Device) error) bool {
	p.settings.mu.Lock()
	defer p.settings.mu.Unlock()
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	ok := true
	if err := apply(p.settings.dev); err != nil {
		ok = false
		p.logger.Warn("Failed to apply setting", "setting", setting, "value", value, "side", "read", "error", err)
	}
	if err := apply(p.writer); err != nil {
		ok = false
		p.logger.Warn("Failed to apply setting", "setting", setting, "value", value, "side", "write", "error", err)
	}
	return ok
}

// CreateListenerBuilder returns a builder for a Listener on this Port's read
// side. The Listener sees every later settings change. The error is always nil.
func (p *Port) CreateListenerBuilder() (*ListenerBuilder, error) {
	return &ListenerBuilder{
		reader:    p.reader,
		maxErrors: DefaultMaxConsecutiveErrors,
		logger:    p.logger,
	}, nil
}

// Stats returns a snapshot of the Port's traffic counters.
func (p *Port) Stats() Stats {
	return p.stats.snapshot()
}

// Close releases both device handles. A read or write blocked on the device,
// including a Listener's read, is woken and fails, which ends the Listener.
// Safe to call multiple times.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		// Handles are closed without their locks so blocked calls wake up.
		readErr := p.settings.dev.Close()
		writeErr := p.writer.Close()

		p.closeErr = errors.Join(readErr, writeErr)
		p.logger.Debug("Port closed", "error", p.closeErr)
	})
	return p.closeErr
}
