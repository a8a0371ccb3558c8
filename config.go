package serial

import (
	"errors"
	"log/slog"
	"time"
)

// DefaultTimeout is the read timeout a Port is opened with. It is long enough
// to mean "block until data or error".
const DefaultTimeout = 99999 * time.Second

// Config holds the parameters for opening a Port.
type Config struct {
	Device   string
	BaudRate uint32
	Timeout  time.Duration // default DefaultTimeout
	Opener   Opener        // default OpenTermios on Linux, OpenNative elsewhere
	Logger   *slog.Logger  // default discards
}

// applyDefaults sets default values for unspecified fields
func (c *Config) applyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Opener == nil {
		c.Opener = defaultOpener
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.Device == "" {
		errs = append(errs, errors.New("device path is required"))
	}
	if c.BaudRate == 0 {
		errs = append(errs, errors.New("baud rate must be positive"))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	return errors.Join(errs...)
}
