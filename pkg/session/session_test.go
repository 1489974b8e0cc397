package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/backkem/mtsession/pkg/connection"
	"github.com/backkem/mtsession/pkg/policy"
	"github.com/backkem/mtsession/pkg/transport"
	"github.com/backkem/mtsession/pkg/wire"
)

var errDialRefused = errors.New("mock: connection refused")

// mockTransport hands every established connection to the test.
type mockTransport struct {
	conns chan *mockConn

	mu       sync.Mutex
	failNext int
	dials    int
	ctxs     []context.Context

	// frameLimit makes conns refuse larger frames. Zero accepts any size.
	frameLimit int
}

func newMockTransport() *mockTransport {
	return &mockTransport{conns: make(chan *mockConn, 16)}
}

func (m *mockTransport) Connect(ctx context.Context, address string, cb transport.Callbacks) (transport.Conn, error) {
	m.mu.Lock()
	m.dials++
	m.ctxs = append(m.ctxs, ctx)
	if m.failNext > 0 {
		m.failNext--
		m.mu.Unlock()
		return nil, errDialRefused
	}
	limit := m.frameLimit
	m.mu.Unlock()

	c := &mockConn{cb: cb, limit: limit, sent: make(chan *wire.Frame, 1024)}
	m.conns <- c
	return c, nil
}

func (m *mockTransport) failDials(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
}

func (m *mockTransport) dialCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

func (m *mockTransport) dialContexts() []context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]context.Context(nil), m.ctxs...)
}

func (m *mockTransport) next(t *testing.T) *mockConn {
	t.Helper()
	select {
	case c := <-m.conns:
		return c
	default:
		t.Fatal("no connection established")
		return nil
	}
}

type mockConn struct {
	cb      transport.Callbacks
	limit   int
	sent    chan *wire.Frame
	largest atomic.Int64
	closed  atomic.Bool
}

func (c *mockConn) Send(data []byte) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	if c.limit > 0 && len(data) > c.limit {
		return fmt.Errorf("%w: %d > %d", wire.ErrFrameTooLarge, len(data), c.limit)
	}
	if n := int64(len(data)); n > c.largest.Load() {
		c.largest.Store(n)
	}
	f, err := wire.Decode(data)
	if err != nil {
		return err
	}
	c.sent <- f
	return nil
}

func (c *mockConn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *mockConn) RemoteAddr() net.Addr { return transport.PipeAddr{Name: "mock", ID: 1} }

// deliver plays f as if the peer had sent it.
func (c *mockConn) deliver(f wire.Frame) {
	c.cb.OnReceive(f.Encode())
}

// fail simulates the transport dropping the connection.
func (c *mockConn) fail() {
	c.closed.Store(true)
	c.cb.OnClose(transport.ErrConnectionLost)
}

// drain returns every frame sent so far, with containers expanded.
func (c *mockConn) drain() []wire.Frame {
	var out []wire.Frame
	for {
		select {
		case f := <-c.sent:
			out = append(out, flatten(*f)...)
		default:
			return out
		}
	}
}

func flatten(f wire.Frame) []wire.Frame {
	if f.Kind != wire.KindContainer {
		return []wire.Frame{f}
	}
	var out []wire.Frame
	for _, m := range f.Frames {
		out = append(out, flatten(m)...)
	}
	return out
}

func ofKind(frames []wire.Frame, kind wire.Kind) []wire.Frame {
	var out []wire.Frame
	for _, f := range frames {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

func requestFor(frames []wire.Frame, id uint64) (wire.Frame, bool) {
	for _, f := range ofKind(frames, wire.KindRequest) {
		if f.ID == id {
			return f, true
		}
	}
	return wire.Frame{}, false
}

func newTestSession(t *testing.T, tr *mockTransport, pc policy.Config, queue QueuePolicy) *Session {
	t.Helper()
	p, err := policy.New(pc)
	if err != nil {
		t.Fatalf("policy.New failed: %v", err)
	}
	s, err := New(Config{
		Policy:    p,
		Transport: tr,
		Address:   "peer",
		Queue:     queue,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

// startConnected starts s and returns its first connection.
func startConnected(t *testing.T, s *Session, tr *mockTransport) *mockConn {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	synctest.Wait()
	c := tr.next(t)
	synctest.Wait()
	if got := s.ConnectionState().Phase; got != connection.PhaseConnected {
		t.Fatalf("Phase = %v, want Connected", got)
	}
	return c
}

func submit(t *testing.T, s *Session, payload []byte) *RequestHandle {
	t.Helper()
	h, err := s.Submit(context.Background(), payload)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	synctest.Wait()
	return h
}

func resolved(t *testing.T, h *RequestHandle) ([]byte, error) {
	t.Helper()
	select {
	case <-h.future.Done():
		return h.future.Wait(context.Background())
	default:
		t.Fatalf("request %d not resolved", h.ID())
		return nil, nil
	}
}

func TestNewConfigErrors(t *testing.T) {
	if _, err := New(Config{Address: "peer"}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing transport: got %v, want ErrInvalidConfig", err)
	}
	if _, err := New(Config{Transport: newMockTransport()}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing address: got %v, want ErrInvalidConfig", err)
	}
	if _, err := New(Config{Transport: newMockTransport(), Address: "peer", Queue: QueuePolicy(9)}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("bad queue policy: got %v, want ErrInvalidConfig", err)
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	s := newTestSession(t, newMockTransport(), policy.Config{}, QueueWhileDisconnected)
	defer s.Close()

	if _, err := s.Submit(context.Background(), []byte("x")); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Submit() error = %v, want ErrNotStarted", err)
	}
}

func TestSubmitPayloadTooLarge(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		s := newTestSession(t, tr, policy.Config{PacketSizeMax: 64}, QueueWhileDisconnected)
		defer s.Close()
		c := startConnected(t, s, tr)

		limit := wire.MaxRequestPayload(64)
		if _, err := s.Submit(context.Background(), make([]byte, limit+1)); !errors.Is(err, ErrPayloadTooLarge) {
			t.Errorf("Submit(%d bytes) error = %v, want ErrPayloadTooLarge", limit+1, err)
		}

		h := submit(t, s, make([]byte, limit))
		if _, ok := requestFor(c.drain(), h.ID()); !ok {
			t.Fatal("request at the payload limit was not sent")
		}
		if got := c.largest.Load(); got > 64 {
			t.Errorf("largest frame = %d, want <= 64", got)
		}
	})
}

func TestUnsendableFrameAbandonsRequest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		tr.frameLimit = 64
		s := newTestSession(t, tr, policy.Config{}, QueueWhileDisconnected)
		defer s.Close()
		c := startConnected(t, s, tr)

		h := submit(t, s, make([]byte, 100))
		synctest.Wait()

		_, err := resolved(t, h)
		if !errors.Is(err, ErrDeliveryFailed) || !errors.Is(err, ErrPayloadTooLarge) {
			t.Fatalf("future error = %v, want ErrDeliveryFailed and ErrPayloadTooLarge", err)
		}
		if got := s.InFlight(); got != 0 {
			t.Errorf("InFlight() = %d, want 0", got)
		}

		// the connection survives the refused frame
		if c.closed.Load() {
			t.Error("connection was closed after a refused frame")
		}
		if got := tr.dialCount(); got != 1 {
			t.Errorf("dials = %d, want 1", got)
		}
		small := submit(t, s, []byte("ok"))
		if _, ok := requestFor(c.drain(), small.ID()); !ok {
			t.Error("request after the refused frame was not sent")
		}
	})
}

func TestAcksSplitByFrameLimit(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		s := newTestSession(t, tr, policy.Config{PacketSizeMax: 64}, QueueWhileDisconnected)
		defer s.Close()
		c := startConnected(t, s, tr)

		const updates = 20
		for id := uint64(1); id <= updates; id++ {
			c.deliver(wire.NewUpdate(id*2, nil))
		}
		synctest.Wait()

		time.Sleep(policy.DefaultAckSendWaiting + 500*time.Millisecond)
		synctest.Wait()

		per := wire.MaxIDs(wire.KindAck, 64)
		acked := 0
		for _, a := range ofKind(c.drain(), wire.KindAck) {
			if len(a.IDs) > per {
				t.Errorf("ack carries %d ids, want <= %d", len(a.IDs), per)
			}
			acked += len(a.IDs)
		}
		if acked != updates {
			t.Errorf("acked ids = %d, want %d", acked, updates)
		}
		if got := c.largest.Load(); got > 64 {
			t.Errorf("largest frame = %d, want <= 64", got)
		}
	})
}

func TestFullContainerLeavesAcksQueued(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		s := newTestSession(t, tr, policy.Config{PacketSizeMax: 64}, QueueWhileDisconnected)
		defer s.Close()
		c := startConnected(t, s, tr)

		c.deliver(wire.NewUpdate(7, nil))
		synctest.Wait()
		h := submit(t, s, make([]byte, wire.MaxRequestPayload(64)))

		sent := c.drain()
		if _, ok := requestFor(sent, h.ID()); !ok {
			t.Fatal("request was not sent")
		}
		if acks := ofKind(sent, wire.KindAck); len(acks) != 0 {
			t.Errorf("acks = %v, want none in a full container", acks)
		}
		if got := c.largest.Load(); got > 64 {
			t.Errorf("largest frame = %d, want <= 64", got)
		}

		time.Sleep(policy.DefaultAckSendWaiting + 500*time.Millisecond)
		synctest.Wait()
		acks := ofKind(c.drain(), wire.KindAck)
		if len(acks) != 1 || len(acks[0].IDs) != 1 || acks[0].IDs[0] != 7 {
			t.Errorf("acks = %v, want one ack for 7", acks)
		}
	})
}

func TestResponsesOutOfOrder(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		s := newTestSession(t, tr, policy.Config{}, QueueWhileDisconnected)
		defer s.Close()
		c := startConnected(t, s, tr)

		a := submit(t, s, []byte("A"))
		b := submit(t, s, []byte("B"))
		cc := submit(t, s, []byte("C"))

		sent := c.drain()
		for _, h := range []*RequestHandle{a, b, cc} {
			if _, ok := requestFor(sent, h.ID()); !ok {
				t.Fatalf("request %d was not sent", h.ID())
			}
		}

		c.deliver(wire.NewResponse(101, cc.ID(), []byte("c")))
		c.deliver(wire.NewResponse(102, a.ID(), []byte("a")))
		c.deliver(wire.NewResponse(103, b.ID(), []byte("b")))
		synctest.Wait()

		for h, want := range map[*RequestHandle]string{a: "a", b: "b", cc: "c"} {
			got, err := resolved(t, h)
			if err != nil {
				t.Fatalf("request %d failed: %v", h.ID(), err)
			}
			if string(got) != want {
				t.Errorf("request %d payload = %q, want %q", h.ID(), got, want)
			}
		}
		if got := s.InFlight(); got != 0 {
			t.Errorf("InFlight() = %d, want 0", got)
		}
	})
}

func TestOutrightResend(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		s := newTestSession(t, tr, policy.Config{}, QueueWhileDisconnected)
		defer s.Close()
		c := startConnected(t, s, tr)

		h := submit(t, s, nil)
		first, ok := requestFor(c.drain(), h.ID())
		if !ok {
			t.Fatal("request was not sent")
		}
		if first.Flags&wire.FlagResend != 0 {
			t.Error("first transmission carries the resend flag")
		}

		time.Sleep(9900 * time.Millisecond)
		synctest.Wait()
		if _, ok := requestFor(c.drain(), h.ID()); ok {
			t.Fatal("request resent before the resend timeout")
		}

		time.Sleep(200 * time.Millisecond)
		synctest.Wait()
		again, ok := requestFor(c.drain(), h.ID())
		if !ok {
			t.Fatal("request not resent after the resend timeout")
		}
		if again.Flags&wire.FlagResend == 0 {
			t.Error("resend lacks the resend flag")
		}
	})
}

func TestStateQueryForLargePayload(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		s := newTestSession(t, tr, policy.Config{}, QueueWhileDisconnected)
		defer s.Close()
		c := startConnected(t, s, tr)

		h := submit(t, s, bytes.Repeat([]byte{1}, 512))
		c.drain()

		time.Sleep(10500 * time.Millisecond)
		synctest.Wait()
		if qs := ofKind(c.drain(), wire.KindStateQuery); len(qs) != 0 {
			t.Fatal("state query sent before the batching window ended")
		}

		time.Sleep(700 * time.Millisecond)
		synctest.Wait()
		sent := c.drain()
		qs := ofKind(sent, wire.KindStateQuery)
		if len(qs) != 1 {
			t.Fatalf("state queries = %d, want 1", len(qs))
		}
		if len(qs[0].IDs) != 1 || qs[0].IDs[0] != h.ID() {
			t.Errorf("state query ids = %v, want [%d]", qs[0].IDs, h.ID())
		}
		if _, ok := requestFor(sent, h.ID()); ok {
			t.Error("large payload resent outright")
		}

		c.deliver(wire.NewStateInfo([]uint64{h.ID()}, []wire.MessageState{wire.StateNotReceived}))
		synctest.Wait()
		again, ok := requestFor(c.drain(), h.ID())
		if !ok {
			t.Fatal("request not resent after a not-received state")
		}
		if again.Flags&wire.FlagResend == 0 {
			t.Error("resend lacks the resend flag")
		}

		c.deliver(wire.NewStateInfo([]uint64{h.ID()}, []wire.MessageState{wire.StateReceived}))
		synctest.Wait()
		if got := s.InFlight(); got != 0 {
			t.Errorf("InFlight() = %d, want 0 after a received state", got)
		}
	})
}

func TestDeliveryFailure(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		pc := policy.Config{ResendTimeout: time.Second, MaxResendAttempts: 2}
		s := newTestSession(t, tr, pc, QueueWhileDisconnected)
		defer s.Close()
		startConnected(t, s, tr)

		h := submit(t, s, nil)
		time.Sleep(3500 * time.Millisecond)
		synctest.Wait()

		if _, err := resolved(t, h); !errors.Is(err, ErrDeliveryFailed) {
			t.Fatalf("future error = %v, want ErrDeliveryFailed", err)
		}
		select {
		case f := <-s.DeliveryFailed():
			if f.ID != h.ID() {
				t.Errorf("failure id = %d, want %d", f.ID, h.ID())
			}
			if !errors.Is(f.Reason, ErrDeliveryFailed) {
				t.Errorf("failure reason = %v, want ErrDeliveryFailed", f.Reason)
			}
		default:
			t.Fatal("no delivery failure reported")
		}
		if got := s.InFlight(); got != 0 {
			t.Errorf("InFlight() = %d, want 0", got)
		}
	})
}

func TestPingTimeoutReconnects(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		s := newTestSession(t, tr, policy.Config{}, QueueWhileDisconnected)
		defer s.Close()

		states, unsubscribe := s.SubscribeState()
		defer unsubscribe()

		c := startConnected(t, s, tr)

		time.Sleep(31 * time.Second)
		synctest.Wait()
		if pings := ofKind(c.drain(), wire.KindPing); len(pings) != 1 {
			t.Fatalf("pings = %d, want 1", len(pings))
		}

		time.Sleep(60 * time.Second)
		synctest.Wait()
		tr.next(t)
		synctest.Wait()

		var got []ConnectionState
		for len(states) > 0 {
			got = append(got, <-states)
		}
		want := []connection.Phase{
			connection.PhaseDisconnected,
			connection.PhaseConnecting,
			connection.PhaseConnected,
			connection.PhaseDisconnected,
			connection.PhaseConnecting,
			connection.PhaseConnected,
		}
		if len(got) != len(want) {
			t.Fatalf("states = %v, want %d states", got, len(want))
		}
		for i := range want {
			if got[i].Phase != want[i] {
				t.Errorf("state %d = %v, want %v", i, got[i].Phase, want[i])
			}
		}
		if got[3].Reason != connection.ReasonPingTimeout {
			t.Errorf("disconnect reason = %v, want %v", got[3].Reason, connection.ReasonPingTimeout)
		}
		if !c.closed.Load() {
			t.Error("timed out connection was not closed")
		}
	})
}

func TestCancel(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		s := newTestSession(t, tr, policy.Config{}, QueueWhileDisconnected)
		defer s.Close()
		c := startConnected(t, s, tr)

		h := submit(t, s, nil)
		c.drain()
		h.Cancel()
		synctest.Wait()

		if _, err := resolved(t, h); !errors.Is(err, ErrCancelled) {
			t.Fatalf("future error = %v, want ErrCancelled", err)
		}
		if got := s.InFlight(); got != 0 {
			t.Errorf("InFlight() = %d, want 0", got)
		}

		c.deliver(wire.NewResponse(200, h.ID(), []byte("late")))
		time.Sleep(11 * time.Second)
		synctest.Wait()
		if _, ok := requestFor(c.drain(), h.ID()); ok {
			t.Error("cancelled request was resent")
		}
	})
}

func TestFailWhileDisconnected(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		tr.failDials(1000)
		s := newTestSession(t, tr, policy.Config{}, FailWhileDisconnected)
		defer s.Close()

		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		synctest.Wait()

		if _, err := s.Submit(context.Background(), []byte("x")); !errors.Is(err, ErrNotConnected) {
			t.Errorf("Submit() error = %v, want ErrNotConnected", err)
		}
	})
}

func TestDialContextsReleased(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		tr.failDials(2)
		s := newTestSession(t, tr, policy.Config{}, QueueWhileDisconnected)
		defer s.Close()

		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		time.Sleep(3500 * time.Millisecond)
		synctest.Wait()
		tr.next(t)
		synctest.Wait()

		ctxs := tr.dialContexts()
		if len(ctxs) != 3 {
			t.Fatalf("dials = %d, want 3", len(ctxs))
		}
		for i, ctx := range ctxs {
			if ctx.Err() == nil {
				t.Errorf("dial %d context still live after its result was handled", i)
			}
		}
		if got := s.ConnectionState().Phase; got != connection.PhaseConnected {
			t.Errorf("Phase = %v, want Connected", got)
		}
	})
}

func TestQueuedUntilConnected(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		tr.failDials(2)
		s := newTestSession(t, tr, policy.Config{}, QueueWhileDisconnected)
		defer s.Close()

		if err := s.Start(context.Background()); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		synctest.Wait()
		h := submit(t, s, []byte("queued"))

		// attempts at 0s, 1s and 3s
		time.Sleep(3500 * time.Millisecond)
		synctest.Wait()

		if got := tr.dialCount(); got != 3 {
			t.Errorf("dials = %d, want 3", got)
		}
		c := tr.next(t)
		synctest.Wait()
		f, ok := requestFor(c.drain(), h.ID())
		if !ok {
			t.Fatal("queued request was not sent after connecting")
		}
		if string(f.Payload) != "queued" {
			t.Errorf("payload = %q, want %q", f.Payload, "queued")
		}
	})
}

func TestResendAfterReconnect(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		s := newTestSession(t, tr, policy.Config{}, QueueWhileDisconnected)
		defer s.Close()
		c1 := startConnected(t, s, tr)

		h := submit(t, s, []byte("req"))
		c1.drain()

		c1.fail()
		synctest.Wait()
		if got := s.ConnectionState(); got.Phase != connection.PhaseDisconnected || got.Reason != connection.ReasonTransportError {
			t.Fatalf("state = %v (%v), want Disconnected (TransportError)", got.Phase, got.Reason)
		}

		time.Sleep(200 * time.Millisecond)
		synctest.Wait()
		c2 := tr.next(t)
		synctest.Wait()

		f, ok := requestFor(c2.drain(), h.ID())
		if !ok {
			t.Fatal("request not resent on the new connection")
		}
		if f.Flags&wire.FlagResend == 0 {
			t.Error("resend lacks the resend flag")
		}

		c2.deliver(wire.NewResponse(300, h.ID(), []byte("ok")))
		synctest.Wait()
		if got, err := resolved(t, h); err != nil || string(got) != "ok" {
			t.Errorf("future = %q, %v; want \"ok\", nil", got, err)
		}
	})
}

func TestUpdatesDeduplicatedAndAcked(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		s := newTestSession(t, tr, policy.Config{}, QueueWhileDisconnected)
		defer s.Close()
		c := startConnected(t, s, tr)

		c.deliver(wire.NewUpdate(7, []byte("news")))
		c.deliver(wire.NewUpdate(7, []byte("news")))
		synctest.Wait()

		if got := len(s.Updates()); got != 1 {
			t.Fatalf("updates = %d, want 1", got)
		}
		if got := <-s.Updates(); string(got) != "news" {
			t.Errorf("update = %q, want %q", got, "news")
		}

		time.Sleep(10100 * time.Millisecond)
		synctest.Wait()
		acks := ofKind(c.drain(), wire.KindAck)
		if len(acks) != 1 {
			t.Fatalf("acks = %d, want 1", len(acks))
		}
		if len(acks[0].IDs) != 1 || acks[0].IDs[0] != 7 {
			t.Errorf("ack ids = %v, want [7]", acks[0].IDs)
		}
	})
}

func TestAckPiggybacksOnRequest(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		s := newTestSession(t, tr, policy.Config{}, QueueWhileDisconnected)
		defer s.Close()
		c := startConnected(t, s, tr)

		c.deliver(wire.NewUpdate(9, []byte("u")))
		synctest.Wait()
		h := submit(t, s, []byte("r"))

		sent := c.drain()
		if _, ok := requestFor(sent, h.ID()); !ok {
			t.Fatal("request was not sent")
		}
		acks := ofKind(sent, wire.KindAck)
		if len(acks) != 1 || len(acks[0].IDs) != 1 || acks[0].IDs[0] != 9 {
			t.Errorf("acks = %v, want one ack for 9", acks)
		}
	})
}

func TestServerStateQuery(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		s := newTestSession(t, tr, policy.Config{}, QueueWhileDisconnected)
		defer s.Close()
		c := startConnected(t, s, tr)

		c.deliver(wire.NewUpdate(11, []byte("u")))
		c.deliver(wire.NewStateQuery([]uint64{11, 13}))
		synctest.Wait()

		infos := ofKind(c.drain(), wire.KindStateInfo)
		if len(infos) != 1 {
			t.Fatalf("state infos = %d, want 1", len(infos))
		}
		want := []wire.MessageState{wire.StateReceived, wire.StateNotReceived}
		for i, st := range infos[0].States {
			if st != want[i] {
				t.Errorf("state %d = %v, want %v", i, st, want[i])
			}
		}
	})
}

func TestPingAnswered(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		s := newTestSession(t, tr, policy.Config{}, QueueWhileDisconnected)
		defer s.Close()
		c := startConnected(t, s, tr)

		c.deliver(wire.NewPing(42))
		synctest.Wait()

		pongs := ofKind(c.drain(), wire.KindPong)
		if len(pongs) != 1 || pongs[0].ID != 42 {
			t.Errorf("pongs = %v, want one pong for 42", pongs)
		}
	})
}

func TestNewSessionResends(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		s := newTestSession(t, tr, policy.Config{}, QueueWhileDisconnected)
		defer s.Close()
		c := startConnected(t, s, tr)

		h := submit(t, s, []byte("r"))
		c.drain()

		c.deliver(wire.NewNewSession(1))
		synctest.Wait()
		if _, ok := requestFor(c.drain(), h.ID()); !ok {
			t.Error("request not resent after a new session")
		}
	})
}

func TestCloseResolvesPending(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tr := newMockTransport()
		s := newTestSession(t, tr, policy.Config{}, QueueWhileDisconnected)
		c := startConnected(t, s, tr)

		h := submit(t, s, []byte("r"))
		if err := s.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
		if _, err := resolved(t, h); !errors.Is(err, ErrClosed) {
			t.Errorf("future error = %v, want ErrClosed", err)
		}
		if !c.closed.Load() {
			t.Error("connection not closed")
		}
		if _, ok := <-s.Updates(); ok {
			t.Error("Updates channel still open")
		}
		if _, err := s.Submit(context.Background(), nil); !errors.Is(err, ErrClosed) {
			t.Errorf("Submit() after Close error = %v, want ErrClosed", err)
		}
	})
}
