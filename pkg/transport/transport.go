// Package transport provides the duplex frame links a session runs over.
//
// A Transport dials an address and returns a Conn. Each Conn delivers inbound
// frames and its eventual failure through the Callbacks given at Connect time,
// from a goroutine owned by the Conn; callers that keep state must hand the
// events off to their own loop. Two implementations are provided:
//
//   - TCP: real sockets, frames prefixed with a 4-byte little-endian length.
//   - Network: an in-memory network of pion test.Bridge links with
//     configurable loss, delay and duplication, for deterministic tests.
//
// Both have a listening side (Listener) used by the reference peer.
package transport

import (
	"context"
	"net"
)

// Callbacks receive the events of one connection.
type Callbacks struct {
	// OnReceive is called for every inbound frame, in order.
	OnReceive func(frame []byte)

	// OnClose is called at most once, when the connection fails or the peer
	// closes it. It is not called after a local Close.
	OnClose func(err error)
}

// Transport establishes connections.
type Transport interface {
	// Connect dials address. It blocks until the connection is established,
	// ctx is done, or dialing fails.
	Connect(ctx context.Context, address string, cb Callbacks) (Conn, error)
}

// Conn is one established connection.
type Conn interface {
	// Send writes one frame. It may block while the link applies backpressure.
	Send(frame []byte) error

	// Close tears the connection down. It is safe to call more than once.
	Close() error

	// RemoteAddr returns the peer's address.
	RemoteAddr() net.Addr
}

// Listener accepts connections on the serving side.
type Listener interface {
	// Accept blocks until a connection arrives or the listener is closed.
	Accept() (*FrameConn, error)

	Close() error
	Addr() net.Addr
}
