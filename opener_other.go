//go:build !linux

package serial

var defaultOpener Opener = OpenNative
