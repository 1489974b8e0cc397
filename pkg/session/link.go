package session

import (
	"errors"

	"github.com/backkem/mtsession/pkg/transport"
	"github.com/backkem/mtsession/pkg/wire"
)

// link is one established connection and its writer goroutine.
type link struct {
	conn  transport.Conn
	epoch uint64
	out   chan []byte
	done  chan struct{}
}

func newLink(conn transport.Conn, epoch uint64, queue int, post func(event) bool) *link {
	l := &link{
		conn:  conn,
		epoch: epoch,
		out:   make(chan []byte, queue),
		done:  make(chan struct{}),
	}
	go l.run(post)
	return l
}

func (l *link) run(post func(event) bool) {
	for {
		select {
		case data := <-l.out:
			err := l.conn.Send(data)
			if errors.Is(err, wire.ErrFrameTooLarge) {
				post(rejectedEvent{data: data, err: err})
				continue
			}
			if err != nil {
				post(closedEvent{epoch: l.epoch, err: err})
				return
			}
		case <-l.done:
			return
		}
	}
}

// write queues data without blocking. It returns false if the queue is full.
func (l *link) write(data []byte) bool {
	select {
	case l.out <- data:
		return true
	default:
		return false
	}
}

func (l *link) close() {
	close(l.done)
	l.conn.Close()
}
