// Package seriallink opens and abstracts the two serial links of the
// flickermeter so the protocol code can run against real hardware or an
// in-memory port.
package seriallink

import (
	"io"
	"time"
)

// SerialPorter defines the minimal interface needed for a serial port.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter is implemented by ports whose reads can return early
// with (0, nil) after a timeout.
type TimeoutSerialPorter interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
}

// InputResetter is implemented by ports that can drop bytes received but not
// yet read.
type InputResetter interface {
	ResetInputBuffer() error
}

// Opener opens the serial port at path with the given options.
type Opener func(path string, opts PortOptions) (SerialPorter, error)

// SetReadTimeout applies timeout if the port supports it and reports whether
// it did.
func SetReadTimeout(p SerialPorter, timeout time.Duration) (bool, error) {
	tp, ok := p.(TimeoutSerialPorter)
	if !ok {
		return false, nil
	}
	return true, tp.SetReadTimeout(timeout)
}

// ResetInput discards pending input if the port supports it.
func ResetInput(p SerialPorter) error {
	if r, ok := p.(InputResetter); ok {
		return r.ResetInputBuffer()
	}
	return nil
}
