package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/backkem/mtsession/pkg/connection"
	"github.com/backkem/mtsession/pkg/container"
	"github.com/backkem/mtsession/pkg/metrics"
	"github.com/backkem/mtsession/pkg/tracking"
	"github.com/backkem/mtsession/pkg/transport"
	"github.com/backkem/mtsession/pkg/wire"
)

// event is anything posted to the session loop.
type event interface{ sessionEvent() }

type submitEvent struct {
	payload []byte
	urgent  bool
	reply   chan<- submitResult
}

type submitResult struct {
	handle *RequestHandle
	err    error
}

type cancelEvent struct{ id uint64 }

type reconnectEvent struct{}

type dialEvent struct {
	epoch   uint64
	address string
	conn    transport.Conn
	err     error
}

type receiveEvent struct {
	epoch uint64
	data  []byte
}

type closedEvent struct {
	epoch uint64
	err   error
}

// rejectedEvent reports a frame the transport refused to send.
type rejectedEvent struct {
	data []byte
	err  error
}

func (submitEvent) sessionEvent()    {}
func (cancelEvent) sessionEvent()    {}
func (reconnectEvent) sessionEvent() {}
func (dialEvent) sessionEvent()      {}
func (receiveEvent) sessionEvent()   {}
func (closedEvent) sessionEvent()    {}
func (rejectedEvent) sessionEvent()  {}

func (s *Session) run(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.apply(ctx, s.machine.Start(time.Now()), time.Now())
	s.afterStep()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case ev := <-s.events:
			now := time.Now()
			s.handle(ctx, ev, now)
			s.flush(now)
		case <-ticker.C:
			now := time.Now()
			s.tick(ctx, now)
			s.flush(now)
		}
		s.afterStep()
	}
}

func (s *Session) handle(ctx context.Context, ev event, now time.Time) {
	switch ev := ev.(type) {
	case submitEvent:
		h, err := s.track(ev.payload, ev.urgent, now)
		ev.reply <- submitResult{handle: h, err: err}

	case cancelEvent:
		s.cancelRequest(ev.id)

	case reconnectEvent:
		s.log.Info("reconnect requested")
		s.apply(ctx, s.machine.Reconnect(now), now)

	case dialEvent:
		s.dialed(ev, now)

	case receiveEvent:
		if ev.epoch != s.epoch {
			return
		}
		if s.link == nil {
			// the peer spoke before the dial result was processed
			s.early = append(s.early, ev.data)
			return
		}
		s.inbound(ev.data, now)

	case closedEvent:
		if ev.epoch != s.epoch {
			return
		}
		if s.link == nil {
			// lost before the dial result was processed; its dialEvent is now stale
			s.epoch++
			s.early = nil
			s.stopDial()
			s.machine.ConnectFailed(now)
			return
		}
		s.log.Warnf("transport failed: %v", ev.err)
		s.apply(ctx, s.machine.TransportFailed(now), now)

	case rejectedEvent:
		s.reject(ev.data, ev.err)
	}
}

func (s *Session) tick(ctx context.Context, now time.Time) {
	s.apply(ctx, s.machine.Tick(now), now)

	if expired := s.assembler.Sweep(now); len(expired) > 0 {
		for _, id := range expired {
			s.table.ClearContainer(id)
		}
		s.metrics.ContainerExpired(len(expired))
		s.log.Debugf("%d messages returned from expired containers", len(expired))
	}

	if !s.connected() {
		return
	}

	acts := s.coord.Tick(now)
	for _, id := range acts.Resend {
		s.enqueue(id, true, now)
	}
	s.metrics.MessageResent(metrics.ResendOutright, len(acts.Resend))

	if len(acts.StateQuery) > 0 {
		for ids := range slices.Chunk(acts.StateQuery, s.idsPerFrame(wire.KindStateQuery)) {
			f := wire.NewStateQuery(ids)
			s.send(f.Encode(), now)
		}
		s.log.Debugf("state query for %d messages", len(acts.StateQuery))
	}
}

func (s *Session) afterStep() {
	st := ConnectionState{State: s.machine.State(), Reason: s.reason}
	s.metrics.SetInFlight(s.table.Len())

	prev := s.published
	if st.Phase == prev.Phase && st.Attempt == prev.Attempt && st.Reason == prev.Reason {
		s.storeState(st)
		return
	}
	s.published = st
	s.metrics.SetPhase(int(st.Phase))
	s.log.Infof("connection %s", st)
	s.publish(st)
}

// apply carries out the connection machine's actions.
func (s *Session) apply(ctx context.Context, a connection.Actions, now time.Time) {
	if a.Close {
		s.teardown(a.Reason)
		if a.Reason == connection.ReasonConnectTimeout {
			s.metrics.ConnectAttempt(metrics.ConnectTimeout)
		}
	}
	if a.Dial {
		s.dial(ctx)
	}
	if a.Ping {
		s.ping(a.PingID, now)
	}
}

func (s *Session) connected() bool {
	return s.link != nil && s.machine.State().Phase.CanSend()
}

// teardown drops the current connection or pending dial.
func (s *Session) teardown(reason connection.Reason) {
	s.epoch++
	s.early = nil
	s.stopDial()
	if s.link != nil {
		s.link.close()
		s.link = nil
	}
	if reason != connection.ReasonNone {
		s.reason = reason
	}
	// unsent members stay tracked and are resent after reconnecting
	s.assembler.DropUnsent()
}

func (s *Session) dial(ctx context.Context) {
	s.epoch++
	s.early = nil
	epoch := s.epoch
	s.stopDial()
	dctx, cancel := context.WithCancel(ctx)
	s.dialCancel = cancel

	cb := transport.Callbacks{
		OnReceive: func(data []byte) { s.post(receiveEvent{epoch: epoch, data: data}) },
		OnClose:   func(err error) { s.post(closedEvent{epoch: epoch, err: err}) },
	}
	go func() {
		address, err := s.resolver.Resolve(dctx)
		var conn transport.Conn
		if err == nil {
			conn, err = s.transport.Connect(dctx, address, cb)
		}
		if !s.post(dialEvent{epoch: epoch, address: address, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
}

func (s *Session) dialed(ev dialEvent, now time.Time) {
	if ev.epoch != s.epoch {
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}
	s.stopDial()
	if ev.err != nil {
		s.log.Debugf("connect attempt %d failed: %v", s.machine.State().Attempt, ev.err)
		s.metrics.ConnectAttempt(metrics.ConnectFailed)
		s.machine.ConnectFailed(now)
		return
	}
	if a := s.machine.ConnectSucceeded(now); a.Close {
		ev.conn.Close()
		return
	}

	s.link = newLink(ev.conn, ev.epoch, s.config.WriteQueueSize, s.post)
	s.reason = connection.ReasonNone
	s.metrics.ConnectAttempt(metrics.ConnectOK)
	s.log.Infof("connected to %s", ev.address)

	resend := s.coord.ResendAll()
	for _, id := range resend {
		s.enqueue(id, true, now)
	}
	s.metrics.MessageResent(metrics.ResendReconnect, len(resend))

	early := s.early
	s.early = nil
	for _, data := range early {
		s.inbound(data, now)
	}
}

// stopDial releases the context of the current dial attempt.
func (s *Session) stopDial() {
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
}

func (s *Session) ping(id uint64, now time.Time) {
	if s.link == nil {
		return
	}
	s.pingSentAt = now
	f := wire.NewPing(id)
	s.send(f.Encode(), now)
	s.metrics.PingSent()
}

// track registers a new request and schedules its first transmission.
func (s *Session) track(payload []byte, urgent bool, now time.Time) (*RequestHandle, error) {
	if s.config.Queue == FailWhileDisconnected && !s.connected() {
		return nil, ErrNotConnected
	}
	id, err := s.table.Track(payload, now)
	if err != nil {
		return nil, err
	}

	h := &RequestHandle{id: id, session: s, future: newFuture()}
	s.pending[id] = h
	s.metrics.RequestSubmitted()

	if s.connected() {
		s.enqueue(id, urgent, now)
	} else {
		// sent by ResendAll once connected
		s.table.MarkResent(id)
	}
	return h, nil
}

// enqueue places a tracked message in the open container.
func (s *Session) enqueue(id uint64, urgent bool, now time.Time) {
	m, ok := s.table.Get(id)
	if !ok {
		return
	}
	cid := s.assembler.BeginBatch(now)
	err := s.assembler.Add(cid, id, m.PayloadSize)
	if errors.Is(err, container.ErrContainerClosed) {
		s.log.Debugf("reopening batch: %v", err)
		cid = s.assembler.BeginBatch(now)
		err = s.assembler.Add(cid, id, m.PayloadSize)
	}
	switch {
	case errors.Is(err, container.ErrMemberTooLarge):
		s.table.Abandon(id, fmt.Errorf("%w: %w", ErrPayloadTooLarge, err))
		return
	case err != nil:
		s.log.Warnf("cannot batch message %d: %v", id, err)
		return
	}
	s.table.MarkResent(id)
	if urgent {
		s.assembler.Expedite(cid, now)
	}
}

// flush writes ready containers and due acks.
func (s *Session) flush(now time.Time) {
	if !s.connected() {
		return
	}

	for _, cid := range s.assembler.Ready(now) {
		var extra []wire.Frame
		if ids := s.piggybackAcks(cid); len(ids) > 0 {
			extra = append(extra, wire.NewAck(ids))
			s.metrics.AcksFlushed(len(ids))
		}

		data, written, err := s.assembler.Flush(cid, now, container.SourceFunc(s.frame), extra...)
		if errors.Is(err, wire.ErrFrameTooLarge) {
			for _, id := range written {
				s.table.Abandon(id, fmt.Errorf("%w: %w", ErrPayloadTooLarge, err))
			}
			continue
		}
		if err != nil {
			s.log.Warnf("flush container %d: %v", cid, err)
			continue
		}
		if data == nil {
			continue
		}
		for _, id := range written {
			s.table.MarkSent(id, now, cid)
		}
		if len(written) > 0 {
			s.metrics.ContainerFlushed()
		}
		s.send(data, now)
	}

	if s.acks.Due(now) {
		per := s.idsPerFrame(wire.KindAck)
		for s.acks.Len() > 0 {
			ids := s.acks.TakeN(per)
			f := wire.NewAck(ids)
			s.send(f.Encode(), now)
			s.metrics.AcksFlushed(len(ids))
		}
	}
}

// piggybackAcks takes as many queued acks as fit in the container's
// remaining frame budget.
func (s *Session) piggybackAcks(cid uint64) []uint64 {
	if s.acks.Len() == 0 {
		return nil
	}
	room := s.assembler.Room(cid)
	if room < 0 {
		return s.acks.Take()
	}
	return s.acks.TakeN(wire.MaxIDs(wire.KindAck, room-wire.MemberOverhead))
}

// idsPerFrame is how many ids one standalone frame of kind carries.
func (s *Session) idsPerFrame(kind wire.Kind) int {
	return max(wire.MaxIDs(kind, s.policy.PacketSizeMax()), 1)
}

// frame is the container.MessageSource of the session.
func (s *Session) frame(id uint64) (wire.Frame, bool) {
	m, ok := s.table.Get(id)
	if !ok {
		return wire.Frame{}, false
	}
	f := wire.NewRequest(id, m.Payload)
	if m.Attempts > 0 || m.ContainerID != 0 {
		f.Flags |= wire.FlagResend
	}
	return f, true
}

func (s *Session) send(data []byte, now time.Time) {
	if s.link == nil {
		return
	}
	if limit := s.policy.PacketSizeMax(); len(data) > limit {
		s.reject(data, fmt.Errorf("%w: %d > %d", wire.ErrFrameTooLarge, len(data), limit))
		return
	}
	if !s.link.write(data) {
		s.log.Warnf("outbound queue full, dropping %d byte frame", len(data))
		return
	}
	s.machine.Sent(now)
}

// reject abandons the requests carried by a frame that cannot be sent.
func (s *Session) reject(data []byte, cause error) {
	f, err := wire.Decode(data)
	if err != nil {
		s.log.Warnf("dropping unsendable frame: %v", cause)
		return
	}
	frames := []wire.Frame{*f}
	if f.Kind == wire.KindContainer {
		frames = f.Frames
	}
	for _, m := range frames {
		if m.Kind == wire.KindRequest {
			s.table.Abandon(m.ID, fmt.Errorf("%w: %w", ErrPayloadTooLarge, cause))
		}
	}
	s.log.Warnf("dropping unsendable %s frame: %v", f.Kind, cause)
}

func (s *Session) inbound(data []byte, now time.Time) {
	s.machine.Received(now)
	f, err := wire.Decode(data)
	if err != nil {
		s.log.Warnf("dropping malformed frame: %v", err)
		return
	}
	s.receive(f, now)
}

func (s *Session) receive(f *wire.Frame, now time.Time) {
	switch f.Kind {
	case wire.KindContainer:
		for i := range f.Frames {
			s.receive(&f.Frames[i], now)
		}

	case wire.KindResponse:
		if s.observe(f.ID, now) {
			return
		}
		s.confirm(f.ReqID)
		h, ok := s.pending[f.ReqID]
		if !ok {
			if s.cancelled.Contains(f.ReqID) {
				s.log.Debugf("dropping response to cancelled request %d", f.ReqID)
			} else {
				s.log.Debugf("dropping response to unknown request %d", f.ReqID)
			}
			return
		}
		delete(s.pending, f.ReqID)
		h.future.resolve(f.Payload, nil)

	case wire.KindUpdate:
		if s.observe(f.ID, now) {
			return
		}
		select {
		case s.updates <- f.Payload:
			s.metrics.UpdateReceived()
		default:
			s.log.Warnf("update buffer full, dropping update %d", f.ID)
		}

	case wire.KindAck:
		for _, id := range f.IDs {
			s.confirm(id)
		}

	case wire.KindStateInfo:
		acked, resend := s.coord.HandleStateInfo(f.IDs, f.States)
		for _, id := range acked {
			s.released(id)
		}
		for _, id := range resend {
			s.enqueue(id, true, now)
		}
		s.metrics.MessageResent(metrics.ResendStateQuery, len(resend))

	case wire.KindStateQuery:
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
			info := wire.NewStateInfo(f.IDs[i:j], states[i:j])
			s.send(info.Encode(), now)
		}

	case wire.KindResendRequest:
		resend := s.coord.HandleResendRequest(f.IDs)
		for _, id := range resend {
			s.enqueue(id, true, now)
		}
		s.metrics.MessageResent(metrics.ResendPeerRequest, len(resend))

	case wire.KindPing:
		pong := wire.NewPong(f.ID)
		s.send(pong.Encode(), now)

	case wire.KindPong:
		outstanding := s.machine.PingOutstanding()
		s.machine.PongReceived(f.ID, now)
		if outstanding && !s.machine.PingOutstanding() {
			s.metrics.ObserveRoundTrip(now.Sub(s.pingSentAt))
		}

	case wire.KindNewSession:
		s.log.Infof("peer started a new session at message %d", f.ID)
		s.received.Reset()
		resend := s.coord.ResendAll()
		for _, id := range resend {
			s.enqueue(id, true, now)
		}
		s.metrics.MessageResent(metrics.ResendReconnect, len(resend))

	default:
		s.log.Debugf("ignoring %s frame %d", f.Kind, f.ID)
	}
}

// observe queues an ack for an inbound content message and reports whether
// it is a duplicate.
func (s *Session) observe(id uint64, now time.Time) bool {
	s.acks.Add(id, now)
	return s.received.Observe(id)
}

// confirm acknowledges a tracked message.
func (s *Session) confirm(id uint64) {
	if s.table.MarkAcked(id) {
		s.released(id)
	}
}

// released cleans up after a message left the table as acknowledged.
func (s *Session) released(id uint64) {
	s.assembler.Release(id)
	s.coord.Forget(id)
	s.metrics.MessageAcked()
}

func (s *Session) cancelRequest(id uint64) {
	delete(s.pending, id)
	s.cancelled.Observe(id)
	if s.table.Remove(id) {
		s.assembler.Release(id)
		s.coord.Forget(id)
	}
}

// onFailure is the tracking table's failure callback. It runs on the loop.
func (s *Session) onFailure(f tracking.Failure) {
	s.assembler.Release(f.ID)
	s.metrics.MessageFailed()

	err := fmt.Errorf("%w: message %d after %d attempts: %w", ErrDeliveryFailed, f.ID, f.Attempts, f.Reason)
	s.log.Warnf("%v", err)

	if h, ok := s.pending[f.ID]; ok {
		delete(s.pending, f.ID)
		h.future.resolve(nil, err)
	}
	select {
	case s.failures <- DeliveryFailure{ID: f.ID, Reason: err}:
	default:
		s.log.Warnf("delivery failure buffer full, dropping report for %d", f.ID)
	}
}

func (s *Session) shutdown() {
	s.machine.Stop()
	s.teardown(connection.ReasonStopped)

	for id, h := range s.pending {
		h.future.resolve(nil, ErrClosed)
		delete(s.pending, id)
	}

	s.reason = connection.ReasonStopped
	st := ConnectionState{State: s.machine.State(), Reason: s.reason}
	s.published = st
	s.metrics.SetPhase(int(st.Phase))
	s.publish(st)

	close(s.done)
	s.closeObservers()
}
