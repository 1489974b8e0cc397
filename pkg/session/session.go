package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/backkem/mtsession/pkg/connection"
	"github.com/backkem/mtsession/pkg/container"
	"github.com/backkem/mtsession/pkg/discovery"
	"github.com/backkem/mtsession/pkg/metrics"
	"github.com/backkem/mtsession/pkg/policy"
	"github.com/backkem/mtsession/pkg/reliability"
	"github.com/backkem/mtsession/pkg/tracking"
	"github.com/backkem/mtsession/pkg/transport"
	"github.com/backkem/mtsession/pkg/wire"
	"github.com/google/uuid"
	"github.com/pion/logging"
)

// Session is a reliable request/response session over a reconnecting
// transport. See the package documentation for the execution model.
type Session struct {
	id        string
	config    Config
	policy    *policy.Policy
	transport transport.Transport
	resolver  discovery.Resolver
	metrics   *metrics.Collector
	log       logging.LeveledLogger

	events   chan event
	done     chan struct{}
	started  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc

	// owned by the loop goroutine
	table     *tracking.Table
	assembler *container.Assembler
	coord     *reliability.Coordinator
	acks      *reliability.AckQueue
	received  *reliability.ReceivedWindow
	cancelled *reliability.ReceivedWindow
	machine   *connection.Machine
	pending   map[uint64]*RequestHandle

	epoch      uint64
	link       *link
	early      [][]byte
	dialCancel context.CancelFunc
	pingSentAt time.Time
	reason     connection.Reason
	published  ConnectionState

	updates  chan []byte
	failures chan DeliveryFailure

	obsMu       sync.Mutex
	state       ConnectionState
	subscribers map[int]chan ConnectionState
	nextSub     int
	closedObs   bool
}

// New creates a session. It does not connect until Start.
func New(config Config) (*Session, error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}
	p := config.Policy

	s := &Session{
		id:          uuid.NewString(),
		config:      config,
		policy:      p,
		transport:   config.Transport,
		resolver:    config.Resolver,
		metrics:     config.Metrics,
		log:         config.LoggerFactory.NewLogger("session"),
		events:      make(chan event, config.EventQueueSize),
		done:        make(chan struct{}),
		pending:     make(map[uint64]*RequestHandle),
		updates:     make(chan []byte, config.UpdateBuffer),
		failures:    make(chan DeliveryFailure, config.FailureBuffer),
		subscribers: make(map[int]chan ConnectionState),
	}

	s.table = tracking.NewTable(tracking.Config{
		Capacity:      p.ShortBufferCapacity(),
		RecentAcked:   p.IdsBufferSize(),
		ResendTimeout: p.ResendTimeout(),
		OnFailure:     s.onFailure,
	})
	s.assembler = container.NewAssembler(container.Config{
		Window:   p.ResendWaiting(),
		SizeMax:  p.ContainerSizeMax(),
		Lifetime: p.ContainerLifetime(),
		FrameMax: p.PacketSizeMax(),
	})
	s.coord = reliability.NewCoordinator(reliability.Config{
		Policy:        p,
		Table:         s.table,
		LoggerFactory: config.LoggerFactory,
	})
	s.acks = reliability.NewAckQueue(p.AckSendWaiting())
	s.received = reliability.NewReceivedWindow(p.IdsBufferSize())
	s.cancelled = reliability.NewReceivedWindow(p.IdsBufferSize())
	s.machine = connection.NewMachine(p)
	s.state = ConnectionState{State: s.machine.State()}
	s.published = s.state
	return s, nil
}

// ID returns the random session id.
func (s *Session) ID() string { return s.id }

// Policy returns the session's policy.
func (s *Session) Policy() *policy.Policy { return s.policy }

// Start begins connecting and runs the session loop until Close or until ctx
// is done.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	return nil
}

// Close stops the session. Outstanding futures resolve with ErrClosed and
// the Updates, DeliveryFailed and state channels are closed.
func (s *Session) Close() error {
	s.stopOnce.Do(func() {
		if !s.started.Load() {
			s.started.Store(true)
			close(s.done)
			s.closeObservers()
			return
		}
		s.cancel()
	})
	<-s.done
	return nil
}

// Submit sends a request. The request is flushed on the next tick; use
// SubmitBatched to let it wait for more requests to share its container.
//
// Submit returns ErrPayloadTooLarge when a container holding only this
// request would exceed the policy's packet size, ErrCapacityExceeded when too
// many requests are in flight, and ErrNotConnected when FailWhileDisconnected is configured and no
// connection is established. Otherwise the request is tracked until it is
// answered, cancelled or abandoned.
func (s *Session) Submit(ctx context.Context, payload []byte) (*RequestHandle, error) {
	return s.submit(ctx, payload, true)
}

// SubmitBatched is Submit without expediting: the request waits up to the
// policy's resend-waiting window for other requests to batch with.
func (s *Session) SubmitBatched(ctx context.Context, payload []byte) (*RequestHandle, error) {
	return s.submit(ctx, payload, false)
}

func (s *Session) submit(ctx context.Context, payload []byte, urgent bool) (*RequestHandle, error) {
	if !s.started.Load() {
		return nil, ErrNotStarted
	}
	if limit := wire.MaxRequestPayload(s.policy.PacketSizeMax()); len(payload) > limit {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(payload), limit)
	}

	reply := make(chan submitResult, 1)
	ev := submitEvent{payload: payload, urgent: urgent, reply: reply}
	select {
	case s.events <- ev:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}

	select {
	case r := <-reply:
		return r.handle, r.err
	case <-s.done:
		return nil, ErrClosed
	}
}

// OnResponse returns the future of a submitted request.
func (s *Session) OnResponse(h *RequestHandle) *Future {
	return h.future
}

// Reconnect tears down the current connection and connects again.
func (s *Session) Reconnect() {
	s.post(reconnectEvent{})
}

// ConnectionState returns the most recent connection state.
func (s *Session) ConnectionState() ConnectionState {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	return s.state
}

// SubscribeState returns a channel of connection state changes, starting with
// the current state, and a function that ends the subscription. A slow
// subscriber only misses intermediate states: the latest state is always
// delivered.
func (s *Session) SubscribeState() (<-chan ConnectionState, func()) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	ch := make(chan ConnectionState, 16)
	if s.closedObs {
		close(ch)
		return ch, func() {}
	}
	ch <- s.state
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch

	return ch, func() {
		s.obsMu.Lock()
		defer s.obsMu.Unlock()
		if c, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(c)
		}
	}
}

// DeliveryFailed returns the channel of abandoned requests.
func (s *Session) DeliveryFailed() <-chan DeliveryFailure { return s.failures }

// Updates returns the channel of server-initiated update payloads.
func (s *Session) Updates() <-chan []byte { return s.updates }

// InFlight returns the number of tracked requests not yet acknowledged.
func (s *Session) InFlight() int { return s.table.Len() }

// post hands an event to the loop. It returns false once the session is done.
func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) publish(st ConnectionState) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()

	s.state = st
	for _, ch := range s.subscribers {
		select {
		case ch <- st:
		default:
			// keep the latest state
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

// storeState refreshes the snapshot returned by ConnectionState without
// notifying subscribers.
func (s *Session) storeState(st ConnectionState) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.state = st
}

func (s *Session) closeObservers() {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	if s.closedObs {
		return
	}
	s.closedObs = true
	for id, ch := range s.subscribers {
		delete(s.subscribers, id)
		close(ch)
	}
	close(s.updates)
	close(s.failures)
}
