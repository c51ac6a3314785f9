package bluetooth

import (
	"context"
	"errors"
)

var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrAlreadyConnected = errors.New("transport already connected")
)

// Transport is a serial byte stream to the car. Implementations exist for
// Bluetooth Classic RFCOMM sockets and BLE Nordic UART.
//
// Recv returns a channel that carries inbound data and is closed when the
// stream closes, whatever the cause. Callers detect a dropped link either
// through that closure or through a Write error.
type Transport interface {
	// Connect opens the stream. It honors ctx cancellation and deadline.
	Connect(ctx context.Context) error

	// Close tears the stream down. Safe to call on a closed transport.
	Close() error

	// Write sends raw bytes to the car.
	Write(p []byte) error

	// Recv exposes the inbound byte stream. The channel is closed when
	// the underlying stream closes. Returns nil before the first Connect.
	Recv() <-chan []byte

	// Connected reports whether the stream is currently open.
	Connected() bool

	// Kind names the transport ("rfcomm" or "ble") for logs and status.
	Kind() string
}
