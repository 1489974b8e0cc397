package peer

import "errors"

var (
	// ErrClosed is returned by Serve after Close.
	ErrClosed = errors.New("peer: server closed")

	// ErrNoListener is returned by New when no listener is configured.
	ErrNoListener = errors.New("peer: listener is required")

	// ErrNoConnection is returned when a frame must be sent but no client is
	// connected.
	ErrNoConnection = errors.New("peer: no client connected")
)
