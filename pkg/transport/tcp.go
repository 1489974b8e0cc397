package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pion/logging"
)

// DefaultMaxFrameSize bounds frames on transports whose config leaves it zero.
const DefaultMaxFrameSize = 64 * 1024 * 1024

// TCPConfig configures the TCP transport.
type TCPConfig struct {
	// MaxFrameSize bounds inbound frames. Default: DefaultMaxFrameSize.
	MaxFrameSize int

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// TCP dials length-prefixed TCP connections.
type TCP struct {
	maxFrame int
	dialer   net.Dialer
	log      logging.LeveledLogger
}

// NewTCP creates a TCP transport.
func NewTCP(config TCPConfig) *TCP {
	t := &TCP{maxFrame: config.MaxFrameSize}
	if t.maxFrame <= 0 {
		t.maxFrame = DefaultMaxFrameSize
	}
	if config.LoggerFactory != nil {
		t.log = config.LoggerFactory.NewLogger("transport-tcp")
	}
	return t
}

// Connect implements Transport.
func (t *TCP) Connect(ctx context.Context, address string, cb Callbacks) (Conn, error) {
	if address == "" {
		return nil, ErrInvalidAddress
	}
	conn, err := t.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDialFailed, address, err)
	}
	if t.log != nil {
		t.log.Debugf("connected to %s from %s", conn.RemoteAddr(), conn.LocalAddr())
	}
	return newClientConn(NewStreamFrameConn(conn, t.maxFrame), cb, t.log), nil
}

var _ Transport = (*TCP)(nil)

// TCPListener accepts length-prefixed TCP connections.
type TCPListener struct {
	listener net.Listener
	maxFrame int
	log      logging.LeveledLogger

	mu     sync.Mutex
	closed bool
}

// ListenTCP listens on addr (e.g. ":7800", ":0" for an ephemeral port).
func ListenTCP(addr string, config TCPConfig) (*TCPListener, error) {
	if addr == "" {
		addr = ":0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := &TCPListener{listener: ln, maxFrame: config.MaxFrameSize}
	if l.maxFrame <= 0 {
		l.maxFrame = DefaultMaxFrameSize
	}
	if config.LoggerFactory != nil {
		l.log = config.LoggerFactory.NewLogger("transport-tcp")
		l.log.Infof("listening on %s", ln.Addr())
	}
	return l, nil
}

// Accept implements Listener.
func (l *TCPListener) Accept() (*FrameConn, error) {
	conn, err := l.listener.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, err
	}
	return NewStreamFrameConn(conn, l.maxFrame), nil
}

// Close implements Listener.
func (l *TCPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.listener.Close()
}

// Addr implements Listener.
func (l *TCPListener) Addr() net.Addr { return l.listener.Addr() }

var _ Listener = (*TCPListener)(nil)
