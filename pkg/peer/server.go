// Package peer implements the serving side of the session protocol.
//
// A Server acknowledges and answers requests, answers state queries and
// pings, and retransmits its own responses and updates until the client
// acknowledges them. It keeps one logical session across client
// reconnections: inbound dedupe and outbound tracking survive a dropped
// connection, and retransmissions go to the most recent connection.
//
// It serves the command-line peer and end-to-end tests. It is not a
// production server: one Server holds one session.
package peer

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/backkem/mtsession/pkg/policy"
	"github.com/backkem/mtsession/pkg/reliability"
	"github.com/backkem/mtsession/pkg/tracking"
	"github.com/backkem/mtsession/pkg/transport"
	"github.com/backkem/mtsession/pkg/wire"
	"github.com/pion/logging"
)

// Stats counts what the server has seen.
type Stats struct {
	Connections     int
	Requests        int
	Duplicates      int
	Responses       int
	Retransmissions int
	StateQueries    int
	Pings           int
}

// conn is one accepted client connection.
type conn struct {
	id int
	fc *transport.FrameConn
}

// Server is a reference session peer.
type Server struct {
	config  Config
	policy  *policy.Policy
	handler Handler
	log     logging.LeveledLogger

	table    *tracking.Table
	acks     *reliability.AckQueue
	received *reliability.ReceivedWindow

	// outbound holds the frame of every tracked response and update.
	outbound map[uint64]wire.Frame
	// answered maps a request id to its tracked response id.
	answered map[uint64]uint64

	conns  map[int]*conn
	latest *conn
	nextID int
	faults Faults
	stats  Stats

	done   chan struct{}
	closed bool
	wg     sync.WaitGroup

	mu sync.Mutex
}

// New creates a server. Call Serve to accept connections.
func New(config Config) (*Server, error) {
	if config.Listener == nil {
		return nil, ErrNoListener
	}
	if config.Policy == nil {
		config.Policy = policy.Default()
	}
	if config.Handler == nil {
		config.Handler = Echo
	}
	if config.ResendTimeout <= 0 {
		config.ResendTimeout = DefaultResendTimeout
	}
	if config.AckDelay <= 0 {
		config.AckDelay = config.Policy.AckSendWaiting()
	}
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultTickInterval
	}

	s := &Server{
		config:   config,
		policy:   config.Policy,
		handler:  config.Handler,
		acks:     reliability.NewAckQueue(config.AckDelay),
		received: reliability.NewReceivedWindow(config.Policy.IdsBufferSize()),
		outbound: make(map[uint64]wire.Frame),
		answered: make(map[uint64]uint64),
		conns:    make(map[int]*conn),
		faults:   config.Faults,
		done:     make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("peer")
	}
	s.table = tracking.NewTable(tracking.Config{
		Capacity:      config.Policy.ShortBufferCapacity(),
		RecentAcked:   config.Policy.IdsBufferSize(),
		ResendTimeout: config.ResendTimeout,
		OnFailure:     s.onFailure,
	})
	return s, nil
}

// Addr returns the listener's address.
func (s *Server) Addr() net.Addr { return s.config.Listener.Addr() }

// Serve accepts connections until Close. It returns nil after Close.
func (s *Server) Serve() error {
	s.wg.Add(1)
	go s.timer()

	for {
		fc, err := s.config.Listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		s.accept(fc)
	}
}

func (s *Server) accept(fc *transport.FrameConn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fc.Close()
		return
	}
	s.nextID++
	c := &conn{id: s.nextID, fc: fc}
	s.conns[c.id] = c
	s.latest = c
	s.stats.Connections++
	s.mu.Unlock()

	s.logf("client %d connected from %s", c.id, fc.RemoteAddr())

	s.wg.Add(1)
	go s.readLoop(c)
}

func (s *Server) readLoop(c *conn) {
	defer s.wg.Done()
	defer s.drop(c)

	for {
		data, err := c.fc.ReadFrame()
		if err != nil {
			if !c.fc.Closed() {
				s.logf("client %d: %v", c.id, err)
			}
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			if s.log != nil {
				s.log.Warnf("client %d sent a malformed frame: %v", c.id, err)
			}
			continue
		}

		s.mu.Lock()
		s.handle(c, f, time.Now())
		s.mu.Unlock()
	}
}

func (s *Server) drop(c *conn) {
	c.fc.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c.id)
	if s.latest == c {
		s.latest = nil
		for _, other := range s.conns {
			if s.latest == nil || other.id > s.latest.id {
				s.latest = other
			}
		}
	}
}

// handle processes one inbound frame. Caller holds s.mu.
func (s *Server) handle(c *conn, f *wire.Frame, now time.Time) {
	switch f.Kind {
	case wire.KindContainer:
		for i := range f.Frames {
			s.handle(c, &f.Frames[i], now)
		}

	case wire.KindRequest:
		s.request(c, f, now)

	case wire.KindAck:
		for _, id := range f.IDs {
			s.acked(id)
		}

	case wire.KindStateQuery:
		if s.faults.IgnoreStateQueries {
			return
		}
		s.stats.StateQueries++
		states := make([]wire.MessageState, len(f.IDs))
		for i, id := range f.IDs {
			states[i] = wire.StateNotReceived
			if s.received.Contains(id) {
				states[i] = wire.StateReceived
			}
		}
		per := s.idsPerFrame(wire.KindStateInfo)
		for i := 0; i < len(f.IDs); i += per {
			j := min(i+per, len(f.IDs))
			s.write(c, wire.NewStateInfo(f.IDs[i:j], states[i:j]))
		}

	case wire.KindStateInfo:
		for i, id := range f.IDs {
			if i < len(f.States) && f.States[i].Received() {
				s.acked(id)
			}
		}

	case wire.KindResendRequest:
		for _, id := range f.IDs {
			s.retransmit(c, id, now)
		}

	case wire.KindPing:
		s.stats.Pings++
		if s.faults.MutePings {
			return
		}
		s.write(c, wire.NewPong(f.ID))

	case wire.KindPong:

	default:
		if s.log != nil {
			s.log.Debugf("client %d: ignoring %s frame", c.id, f.Kind)
		}
	}
}

func (s *Server) request(c *conn, f *wire.Frame, now time.Time) {
	if s.faults.DropRequests > 0 {
		s.faults.DropRequests--
		if s.log != nil {
			s.log.Debugf("dropping request %d", f.ID)
		}
		return
	}

	s.acks.Add(f.ID, now)
	if s.received.Observe(f.ID) {
		s.stats.Duplicates++
		if respID, ok := s.answered[f.ID]; ok {
			s.retransmit(c, respID, now)
		}
		return
	}
	s.stats.Requests++

	payload := s.handler(f.Payload)
	id, err := s.table.Track(payload, now)
	if err != nil {
		if s.log != nil {
			s.log.Warnf("cannot track response to %d: %v", f.ID, err)
		}
		return
	}
	resp := wire.NewResponse(id, f.ID, payload)
	s.outbound[id] = resp
	s.answered[f.ID] = id
	s.stats.Responses++

	if s.faults.DropResponses > 0 {
		s.faults.DropResponses--
		if s.log != nil {
			s.log.Debugf("withholding response %d to request %d", id, f.ID)
		}
		return
	}
	s.write(c, resp)
}

// retransmit sends a tracked outbound frame again on c.
func (s *Server) retransmit(c *conn, id uint64, now time.Time) {
	f, ok := s.outbound[id]
	if !ok {
		return
	}
	if _, err := s.table.Retry(id, now); err != nil {
		return
	}
	f.Flags |= wire.FlagResend
	s.stats.Retransmissions++
	s.write(c, f)
}

// acked releases a response or update the client acknowledged.
func (s *Server) acked(id uint64) {
	if !s.table.MarkAcked(id) {
		return
	}
	s.forget(id)
}

func (s *Server) forget(id uint64) {
	if f, ok := s.outbound[id]; ok && f.Kind == wire.KindResponse {
		delete(s.answered, f.ReqID)
	}
	delete(s.outbound, id)
}

func (s *Server) onFailure(f tracking.Failure) {
	// called from tick, which holds s.mu
	s.forget(f.ID)
	if s.log != nil {
		s.log.Warnf("giving up on message %d after %d attempts", f.ID, f.Attempts)
	}
}

// write sends f on c, falling back to the latest connection when c is nil.
// Caller holds s.mu.
func (s *Server) write(c *conn, f wire.Frame) error {
	if c == nil || c.fc.Closed() {
		c = s.latest
	}
	if c == nil {
		return ErrNoConnection
	}
	if err := c.fc.WriteFrame(f.Encode()); err != nil {
		if s.log != nil {
			s.log.Debugf("client %d: write failed: %v", c.id, err)
		}
		return err
	}
	return nil
}

func (s *Server) timer() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			s.tick(now)
			s.mu.Unlock()
		}
	}
}

// tick retransmits overdue frames and flushes due acks. Caller holds s.mu.
func (s *Server) tick(now time.Time) {
	if s.latest == nil {
		return
	}
	budget := s.policy.MaxResendAttempts()
	for id := range s.table.DueForAction(now) {
		m, ok := s.table.Get(id)
		if !ok {
			continue
		}
		if m.Attempts >= budget {
			s.table.Abandon(id, tracking.ErrAttemptsExhausted)
			continue
		}
		s.retransmit(nil, id, now)
	}

	if s.acks.Due(now) {
		per := s.idsPerFrame(wire.KindAck)
		for s.acks.Len() > 0 {
			s.write(nil, wire.NewAck(s.acks.TakeN(per)))
		}
	}
}

// idsPerFrame is how many ids fit in one frame of kind under the policy's
// packet size.
func (s *Server) idsPerFrame(kind wire.Kind) int {
	return max(wire.MaxIDs(kind, s.policy.PacketSizeMax()), 1)
}

// Broadcast sends an update to the latest connection. The update is
// retransmitted until the client acknowledges it.
func (s *Server) Broadcast(payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.table.Track(payload, time.Now())
	if err != nil {
		return 0, err
	}
	f := wire.NewUpdate(id, payload)
	s.outbound[id] = f
	return id, s.write(nil, f)
}

// Restart forgets which requests were received and tells connected clients
// that a new session began, so they resend everything unacknowledged.
func (s *Server) Restart() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.received.Reset()
	clear(s.answered)

	var first uint64
	for id := range s.table.InFlight() {
		first = id
		break
	}
	return s.write(nil, wire.NewNewSession(first))
}

// RequestResend asks the latest client to resend the given request ids.
func (s *Server) RequestResend(ids ...uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(nil, wire.NewResendRequest(ids))
}

// Disconnect closes every client connection. The server keeps serving.
func (s *Server) Disconnect() int {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.fc.Close()
	}
	return len(conns)
}

// InjectFaults replaces the active faults.
func (s *Server) InjectFaults(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

// Stats returns a snapshot of the counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Pending returns the number of responses and updates awaiting an ack.
func (s *Server) Pending() int {
	return s.table.Len()
}

// Close stops serving, closes every connection and waits for the server's
// goroutines to exit.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	err := s.config.Listener.Close()
	s.Disconnect()
	s.wg.Wait()
	return err
}

func (s *Server) logf(format string, args ...any) {
	if s.log != nil {
		s.log.Infof(format, args...)
	}
}
