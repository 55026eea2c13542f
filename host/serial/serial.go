// Package serial opens the link to the load-cell firmware.
package serial

import (
	"io"
	"time"
)

// Port is an open link. The native implementation wraps github.com/tarm/serial;
// tests substitute an in-memory pipe.
type Port interface {
	io.ReadWriteCloser

	// Flush discards unread input
	Flush() error
}

// Config holds serial port settings.
type Config struct {
	// Device path (e.g. "/dev/ttyACM0", "COM3")
	Device string

	// Baud rate; USB CDC ignores it
	Baud int

	// ReadTimeout bounds each read so the reader can notice Close.
	// Zero blocks.
	ReadTimeout time.Duration
}

// DefaultConfig returns settings for the firmware's USB CDC port.
func DefaultConfig(device string) *Config {
	return &Config{
		Device:      device,
		Baud:        250000,
		ReadTimeout: 100 * time.Millisecond,
	}
}
