//go:build linux

package main

import serial "github.com/luhtfiimanal/go-duplex-serial"

func termiosOpener() (serial.Opener, error) {
	return serial.OpenTermios, nil
}
