package serial

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// SerialError classifies the outcome of a single read or write on a Port.
type SerialError int

const (
	// NoError means the operation succeeded.
	NoError SerialError = iota
	// Timeout means the configured device timeout elapsed. The call may be retried as-is.
	Timeout
	// Interrupted means the transfer was interrupted but did not fail. The call may be retried as-is.
	Interrupted
	// PortIOError means the port failed while opening or duplicating a handle.
	PortIOError
	// Other is any other device failure, such as a disconnect.
	Other
)

func (e SerialError) String() string {
	switch e {
	case NoError:
		return "no error"
	case Timeout:
		return "timeout"
	case Interrupted:
		return "interrupted"
	case PortIOError:
		return "port io error"
	case Other:
		return "other"
	default:
		return fmt.Sprintf("SerialError(%d)", int(e))
	}
}

// Retryable reports whether reissuing the identical call is expected to be safe.
func (e SerialError) Retryable() bool {
	return e == Timeout || e == Interrupted
}

// Err returns nil for NoError and the matching sentinel error otherwise.
func (e SerialError) Err() error {
	switch e {
	case NoError:
		return nil
	case Timeout:
		return ErrTimeout
	case Interrupted:
		return ErrInterrupted
	case PortIOError:
		return ErrPortIO
	default:
		return ErrOther
	}
}

// Sentinel errors returned by Device implementations and by SerialError.Err.
var (
	ErrTimeout     = errors.New("serial: timed out")
	ErrInterrupted = errors.New("serial: interrupted")
	ErrPortIO      = errors.New("serial: port io error")
	ErrClosed      = errors.New("serial: device closed")
	ErrOther       = errors.New("serial: device failure")
)

// Classify maps a device error onto the SerialError enumeration.
func Classify(err error) SerialError {
	switch {
	case err == nil:
		return NoError
	case errors.Is(err, ErrTimeout), errors.Is(err, os.ErrDeadlineExceeded):
		return Timeout
	case errors.Is(err, ErrInterrupted), errors.Is(err, syscall.EINTR):
		return Interrupted
	case errors.Is(err, ErrPortIO):
		return PortIOError
	default:
		return Other
	}
}

// DeviceError is returned when a port cannot be opened or its handle duplicated.
type DeviceError struct {
	Op   string
	Path string
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("serial: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// BuildError is returned by ListenerBuilder.Build.
type BuildError int

const (
	// CallbackMissing means Build was called before a callback was added.
	CallbackMissing BuildError = iota + 1
	// BuilderSpent means the builder already produced a Listener.
	BuilderSpent
)

func (e BuildError) Error() string {
	switch e {
	case CallbackMissing:
		return "serial: listener callback not set"
	case BuilderSpent:
		return "serial: listener builder already used"
	default:
		return fmt.Sprintf("serial: build error %d", int(e))
	}
}
