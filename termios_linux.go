//go:build linux

package serial

import (
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// termiosDevice is a Device backed by a Linux tty file descriptor.
type termiosDevice struct {
	fd      int
	path    string
	timeout atomic.Int64 // time.Duration; per handle, not shared with clones

	// mu is held for reading around every syscall on fd and for writing by
	// Close, so fd is never closed under an in-flight poll.
	mu        sync.RWMutex
	closed    atomic.Bool
	closeOnce sync.Once
	pipeR     int // self-pipe read fd
	pipeW     int // self-pipe write fd
}

// OpenTermios opens a Linux tty in raw mode at the given baud rate.
// It is the default Opener on Linux.
func OpenTermios(path string, baud uint32, timeout time.Duration) (Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0666)
	if err != nil {
		return nil, fmt.Errorf("open failed: %w", err)
	}

	if err := makeRaw(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}

	// The fd stays non-blocking: Read and Write wait in poll, so the
	// timeout and the self-pipe bound every call.
	d, err := newTermiosDevice(fd, path, timeout)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := d.SetBaudRate(baud); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func makeRaw(fd int) error {
	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}

	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	termios.Oflag &^= unix.OPOST
	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS
	termios.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD

	// Reads are gated by poll, so VMIN=1 VTIME=0 never blocks past it.
	termios.Cc[unix.VMIN] = 1
	termios.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

func newTermiosDevice(fd int, path string, timeout time.Duration) (*termiosDevice, error) {
	pipeFds := make([]int, 2)
	if err := unix.Pipe2(pipeFds, unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	d := &termiosDevice{
		fd:    fd,
		path:  path,
		pipeR: pipeFds[0],
		pipeW: pipeFds[1],
	}
	d.timeout.Store(int64(timeout))
	return d, nil
}

// Read waits up to the handle's timeout for input, then performs one read.
func (d *termiosDevice) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		return 0, ErrClosed
	}

	timeout := time.Duration(d.timeout.Load())
	deadline := time.Now().Add(timeout)
	for {
		// Use poll to wait for data or kill signal
		pfd := []unix.PollFd{
			{Fd: int32(d.fd), Events: unix.POLLIN},
			{Fd: int32(d.pipeR), Events: unix.POLLIN},
		}
		ready, err := unix.Poll(pfd, pollTimeout(timeout, deadline))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("poll %s: %w", d.path, err)
		}
		if pfd[1].Revents&unix.POLLIN != 0 || d.closed.Load() {
			return 0, ErrClosed
		}
		if ready == 0 {
			return 0, ErrTimeout
		}
		if pfd[0].Revents&unix.POLLNVAL != 0 {
			return 0, ErrClosed
		}
		if pfd[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) == 0 {
			continue
		}

		n, err := unix.Read(d.fd, p)
		switch {
		case err == unix.EAGAIN:
			continue
		case err == unix.EINTR:
			return 0, fmt.Errorf("read %s: %w", d.path, ErrInterrupted)
		case err != nil:
			return 0, fmt.Errorf("read %s: %w", d.path, err)
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// pollTimeout converts the time left before deadline to poll milliseconds.
// A negative timeout blocks forever.
func pollTimeout(timeout time.Duration, deadline time.Time) int {
	if timeout < 0 {
		return -1
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0
	}
	ms := (remaining + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

// Write waits up to the handle's timeout for the whole of p to be accepted.
// On timeout it returns the bytes already written with ErrTimeout.
func (d *termiosDevice) Write(p []byte) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		return 0, ErrClosed
	}

	timeout := time.Duration(d.timeout.Load())
	deadline := time.Now().Add(timeout)
	written := 0
	for written < len(p) {
		n, err := unix.Write(d.fd, p[written:])
		if n > 0 {
			written += n
		}
		switch {
		case err == nil:
			continue
		case err == unix.EINTR:
			return written, fmt.Errorf("write %s: %w", d.path, ErrInterrupted)
		case err != unix.EAGAIN:
			return written, fmt.Errorf("write %s: %w", d.path, err)
		}

		// Output queue is full: wait for room or a kill signal
		pfd := []unix.PollFd{
			{Fd: int32(d.fd), Events: unix.POLLOUT},
			{Fd: int32(d.pipeR), Events: unix.POLLIN},
		}
		ready, err := unix.Poll(pfd, pollTimeout(timeout, deadline))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return written, fmt.Errorf("poll %s: %w", d.path, err)
		}
		if pfd[1].Revents&unix.POLLIN != 0 || d.closed.Load() {
			return written, ErrClosed
		}
		if ready == 0 {
			return written, ErrTimeout
		}
		if pfd[0].Revents&unix.POLLNVAL != 0 {
			return written, ErrClosed
		}
	}
	return written, nil
}

func (d *termiosDevice) SetTimeout(timeout time.Duration) error {
	d.timeout.Store(int64(timeout))
	return nil
}

func (d *termiosDevice) SetCharSize(size CharSize) error {
	var bits uint32
	switch size {
	case CharSize5:
		bits = unix.CS5
	case CharSize6:
		bits = unix.CS6
	case CharSize7:
		bits = unix.CS7
	case CharSize8:
		bits = unix.CS8
	default:
		return fmt.Errorf("invalid char size %d", size)
	}
	return d.update(unix.TCGETS, unix.TCSETS, func(t *unix.Termios) {
		t.Cflag &^= unix.CSIZE
		t.Cflag |= bits
	})
}

func (d *termiosDevice) SetBaudRate(baud uint32) error {
	if baud == 0 {
		return fmt.Errorf("invalid baud rate %d", baud)
	}
	if rate, ok := baudToUnix(baud); ok {
		return d.update(unix.TCGETS, unix.TCSETS, func(t *unix.Termios) {
			t.Cflag &^= unix.CBAUD
			t.Cflag |= rate
		})
	}
	// Non-standard rates go through termios2.
	return d.update(unix.TCGETS2, unix.TCSETS2, func(t *unix.Termios) {
		t.Cflag &^= unix.CBAUD
		t.Cflag |= unix.BOTHER
		t.Ispeed = baud
		t.Ospeed = baud
	})
}

func (d *termiosDevice) SetStopBits(bits StopBits) error {
	switch bits {
	case StopBitsOne:
		return d.update(unix.TCGETS, unix.TCSETS, func(t *unix.Termios) { t.Cflag &^= unix.CSTOPB })
	case StopBitsTwo:
		return d.update(unix.TCGETS, unix.TCSETS, func(t *unix.Termios) { t.Cflag |= unix.CSTOPB })
	default:
		return fmt.Errorf("invalid stop bits %d", bits)
	}
}

func (d *termiosDevice) SetParity(mode Parity) error {
	var flags uint32
	switch mode {
	case ParityNone:
	case ParityOdd:
		flags = unix.PARENB | unix.PARODD
	case ParityEven:
		flags = unix.PARENB
	default:
		return fmt.Errorf("invalid parity %s", mode)
	}
	return d.update(unix.TCGETS, unix.TCSETS, func(t *unix.Termios) {
		t.Cflag &^= unix.PARENB | unix.PARODD
		t.Cflag |= flags
	})
}

func (d *termiosDevice) SetFlowControl(mode FlowControl) error {
	switch mode {
	case FlowControlNone, FlowControlSoftware, FlowControlHardware:
	default:
		return fmt.Errorf("invalid flow control %s", mode)
	}
	return d.update(unix.TCGETS, unix.TCSETS, func(t *unix.Termios) {
		t.Iflag &^= unix.IXON | unix.IXOFF
		t.Cflag &^= unix.CRTSCTS
		switch mode {
		case FlowControlSoftware:
			t.Iflag |= unix.IXON | unix.IXOFF
		case FlowControlHardware:
			t.Cflag |= unix.CRTSCTS
		}
	})
}

func (d *termiosDevice) update(get, set uint, fn func(t *unix.Termios)) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		return ErrClosed
	}

	termios, err := unix.IoctlGetTermios(d.fd, get)
	if err != nil {
		return fmt.Errorf("get termios: %w", err)
	}
	fn(termios)
	if err := unix.IoctlSetTermios(d.fd, set, termios); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}

// TryClone duplicates the file descriptor. The clone starts with this
// handle's timeout and has its own self-pipe.
func (d *termiosDevice) TryClone() (Device, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed.Load() {
		return nil, ErrClosed
	}

	fd, err := unix.FcntlInt(uintptr(d.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("dup %s: %w", d.path, err)
	}
	clone, err := newTermiosDevice(fd, d.path, time.Duration(d.timeout.Load()))
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return clone, nil
}

// Close closes the handle and unblocks any pending Read or Write.
// Safe to call multiple times; subsequent calls are no-ops.
func (d *termiosDevice) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		// Wake up poll using self-pipe
		unix.Write(d.pipeW, []byte{1})

		d.mu.Lock()
		defer d.mu.Unlock()
		err = unix.Close(d.fd)
		unix.Close(d.pipeR)
		unix.Close(d.pipeW)
	})
	return err
}

func baudToUnix(baud uint32) (uint32, bool) {
	switch baud {
	case 50:
		return unix.B50, true
	case 75:
		return unix.B75, true
	case 110:
		return unix.B110, true
	case 134:
		return unix.B134, true
	case 150:
		return unix.B150, true
	case 200:
		return unix.B200, true
	case 300:
		return unix.B300, true
	case 600:
		return unix.B600, true
	case 1200:
		return unix.B1200, true
	case 1800:
		return unix.B1800, true
	case 2400:
		return unix.B2400, true
	case 4800:
		return unix.B4800, true
	case 9600:
		return unix.B9600, true
	case 19200:
		return unix.B19200, true
	case 38400:
		return unix.B38400, true
	case 57600:
		return unix.B57600, true
	case 115200:
		return unix.B115200, true
	case 230400:
		return unix.B230400, true
	case 460800:
		return unix.B460800, true
	case 921600:
		return unix.B921600, true
	default:
		return 0, false
	}
}
