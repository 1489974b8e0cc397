package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed connection.
	ErrClosed = errors.New("transport: closed")

	// ErrInvalidAddress is returned when an empty or malformed address is provided.
	ErrInvalidAddress = errors.New("transport: invalid address")

	// ErrDialFailed is returned when a connection cannot be established.
	ErrDialFailed = errors.New("transport: dial failed")

	// ErrConnectionLost is reported to OnClose when the peer goes away.
	ErrConnectionLost = errors.New("transport: connection lost")

	// ErrAddressInUse is returned when listening on an address that is taken.
	ErrAddressInUse = errors.New("transport: address in use")
)
