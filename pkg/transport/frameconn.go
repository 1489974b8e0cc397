package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/backkem/mtsession/pkg/wire"
	"github.com/pion/logging"
)

// FrameConn adds frame boundaries to a net.Conn.
//
// In stream mode frames are read with a length-prefix reader. In packet mode
// the underlying conn preserves write boundaries (as pion bridge conns do) and
// every Read returns exactly one length-prefixed frame.
type FrameConn struct {
	conn     net.Conn
	packet   bool
	maxFrame int

	reader *wire.StreamReader
	writer *wire.StreamWriter
	buf    []byte

	writeMu sync.Mutex
	closed  atomic.Bool
	once    sync.Once
}

// NewStreamFrameConn wraps a byte stream such as a TCP socket.
func NewStreamFrameConn(conn net.Conn, maxFrame int) *FrameConn {
	return &FrameConn{
		conn:     conn,
		maxFrame: maxFrame,
		reader:   wire.NewStreamReader(conn, maxFrame),
		writer:   wire.NewStreamWriter(conn),
	}
}

// NewPacketFrameConn wraps a boundary-preserving conn.
func NewPacketFrameConn(conn net.Conn, maxFrame int) *FrameConn {
	return &FrameConn{
		conn:     conn,
		packet:   true,
		maxFrame: maxFrame,
		writer:   wire.NewStreamWriter(conn),
		buf:      make([]byte, maxFrame+wire.LengthPrefixSize),
	}
}

// ReadFrame blocks for the next frame. The returned slice is owned by the caller.
func (c *FrameConn) ReadFrame() ([]byte, error) {
	if !c.packet {
		return c.reader.Read()
	}
	n, err := c.conn.Read(c.buf)
	if err != nil {
		return nil, err
	}
	frame, err := wire.SplitLengthPrefix(c.buf[:n], c.maxFrame)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(frame))
	copy(out, frame)
	return out, nil
}

// WriteFrame writes one frame. Concurrent writers are serialized.
// Frames above the conn's limit fail with wire.ErrFrameTooLarge and leave the
// conn usable.
func (c *FrameConn) WriteFrame(frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.maxFrame > 0 && len(frame) > c.maxFrame {
		return fmt.Errorf("%w: %d > %d", wire.ErrFrameTooLarge, len(frame), c.maxFrame)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.writer.Write(frame)
	return err
}

// Close closes the underlying conn.
func (c *FrameConn) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
	})
	return err
}

// Closed reports whether Close was called.
func (c *FrameConn) Closed() bool { return c.closed.Load() }

// RemoteAddr returns the remote address of the underlying conn.
func (c *FrameConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// LocalAddr returns the local address of the underlying conn.
func (c *FrameConn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// clientConn runs the read loop of a dialled FrameConn and implements Conn.
type clientConn struct {
	fc  *FrameConn
	cb  Callbacks
	log logging.LeveledLogger

	done chan struct{}
}

func newClientConn(fc *FrameConn, cb Callbacks, log logging.LeveledLogger) *clientConn {
	c := &clientConn{
		fc:   fc,
		cb:   cb,
		log:  log,
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *clientConn) readLoop() {
	defer close(c.done)
	for {
		frame, err := c.fc.ReadFrame()
		if err != nil {
			if c.fc.Closed() {
				return
			}
			if c.log != nil {
				c.log.Debugf("connection to %s lost: %v", c.fc.RemoteAddr(), err)
			}
			c.fc.Close()
			if c.cb.OnClose != nil {
				c.cb.OnClose(wrapLost(err))
			}
			return
		}
		if c.cb.OnReceive != nil {
			c.cb.OnReceive(frame)
		}
	}
}

func (c *clientConn) Send(frame []byte) error { return c.fc.WriteFrame(frame) }

// Close does not wait for the read loop to exit.
func (c *clientConn) Close() error { return c.fc.Close() }

func (c *clientConn) RemoteAddr() net.Addr { return c.fc.RemoteAddr() }

func wrapLost(err error) error { return fmt.Errorf("%w: %w", ErrConnectionLost, err) }
