// Package transport abstracts the byte stream to a GSM modem: a serial port
// in production, an in-memory fake in tests. It owns none of the AT protocol
// knowledge — that lives in package at and package engine.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.bug.st/serial"
)

// Transport is an established, bidirectional byte stream to a modem.
//
// A Transport is assumed to be already connected and ready for use. Typical
// implementations are serial ports, TCP connections to emulators, or
// in-memory fakes used for testing.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to a modem. It abstracts how the connection is
// created and is only used during construction; once a Transport is
// obtained the Dialer is no longer needed.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// SerialDialer opens a modem over a real serial port using go.bug.st/serial.
type SerialDialer struct {
	PortName string
	BaudRate int
	Mode     *serial.Mode
}

var (
	// ErrEmptyPortName is returned by SerialDialer.Dial when no port was configured.
	ErrEmptyPortName = errors.New("gsm: serial port name is required")
	// ErrNilContext is returned by SerialDialer.Dial when called without a context.
	ErrNilContext = errors.New("gsm: context is nil")
)

// Dial opens the configured serial port and returns it as a Transport. It
// checks ctx once, before opening; the (fast, local) open call itself is not
// interrupted by a later cancellation.
func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if d.PortName == "" {
		return nil, ErrEmptyPortName
	}
	if ctx == nil {
		return nil, ErrNilContext
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	mode := d.Mode
	if mode == nil {
		baud := d.BaudRate
		if baud == 0 {
			baud = 115200
		}
		mode = &serial.Mode{
			BaudRate: baud,
			Parity:   serial.NoParity,
			DataBits: 8,
			StopBits: serial.OneStopBit,
		}
	}

	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("gsm: open serial port %q: %w", d.PortName, err)
	}
	return port, nil
}
