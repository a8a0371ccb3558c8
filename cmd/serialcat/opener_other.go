//go:build !linux

package main

import (
	"errors"

	serial "github.com/luhtfiimanal/go-duplex-serial"
)

func termiosOpener() (serial.Opener, error) {
	return nil, errors.New("termios driver is only available on linux")
}
