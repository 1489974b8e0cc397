package connection

import (
	"fmt"
	"time"

	"github.com/backkem/mtsession/pkg/policy"
)

// State is a snapshot of the machine. Which fields are meaningful depends on
// Phase: Attempt, Delay and Since for Connecting; LastPingAt and
// LastReceiveAt for Connected; IdleSince for Degraded.
type State struct {
	Phase Phase

	Attempt int
	Delay   time.Duration
	Since   time.Time

	LastPingAt    time.Time
	LastReceiveAt time.Time

	IdleSince time.Time
}

// String formats the state for logs.
func (s State) String() string {
	switch s.Phase {
	case PhaseConnecting:
		return fmt.Sprintf("Connecting(attempt=%d, delay=%v)", s.Attempt, s.Delay)
	case PhaseDegraded:
		return fmt.Sprintf("Degraded(idleSince=%s)", s.IdleSince.Format(time.RFC3339))
	default:
		return s.Phase.String()
	}
}

// Actions are the side effects the caller must perform.
type Actions struct {
	// Close tears down the current transport or pending dial.
	Close bool

	// Dial starts a connect attempt.
	Dial bool

	// Ping sends a ping carrying PingID.
	Ping   bool
	PingID uint64

	// Reason accompanies Close.
	Reason Reason
}

// Machine is the connection state machine. It is not thread-safe; the session
// loop is its only caller.
type Machine struct {
	policy *policy.Policy
	state  State

	started    bool
	dialFailed bool

	lastSentAt time.Time

	// awaiting is set by a send and cleared by any receive.
	awaiting    bool
	waitStart   time.Time
	receiveWait time.Duration

	pingID     uint64
	pingSentAt time.Time
	pingOut    bool
}

// NewMachine creates a machine in Disconnected.
func NewMachine(p *policy.Policy) *Machine {
	return &Machine{
		policy:      p,
		receiveWait: p.MinReceiveDelay(),
	}
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// ReceiveWait returns the current receive-silence threshold.
func (m *Machine) ReceiveWait() time.Duration { return m.receiveWait }

// Start begins connecting. It also enables automatic reconnection after
// involuntary disconnects. Start on a running machine does nothing.
func (m *Machine) Start(now time.Time) Actions {
	m.started = true
	if m.state.Phase != PhaseDisconnected {
		return Actions{}
	}
	return m.connect(now)
}

// Reconnect tears down whatever is running and starts over at attempt 1.
func (m *Machine) Reconnect(now time.Time) Actions {
	m.started = true
	a := m.connect(now)
	a.Close = true
	a.Reason = ReasonRequested
	return a
}

// Stop moves to Disconnected and disables automatic reconnection.
func (m *Machine) Stop() Actions {
	m.started = false
	m.disconnect()
	return Actions{Close: true, Reason: ReasonStopped}
}

func (m *Machine) connect(now time.Time) Actions {
	m.resetLink()
	m.dialFailed = false
	m.state = State{
		Phase:   PhaseConnecting,
		Attempt: 1,
		Delay:   m.policy.MinConnectDelay(),
		Since:   now,
	}
	return Actions{Dial: true}
}

func (m *Machine) disconnect() {
	m.resetLink()
	m.state = State{Phase: PhaseDisconnected}
}

func (m *Machine) resetLink() {
	m.pingOut = false
	m.awaiting = false
}

// ConnectSucceeded reports that the current dial completed.
func (m *Machine) ConnectSucceeded(now time.Time) Actions {
	if m.state.Phase != PhaseConnecting {
		return Actions{Close: true, Reason: ReasonNone}
	}
	m.state = State{
		Phase:         PhaseConnected,
		LastPingAt:    now,
		LastReceiveAt: now,
	}
	m.lastSentAt = now
	m.awaiting = false
	return Actions{}
}

// ConnectFailed reports that the current dial failed. The machine waits out
// the attempt's delay before dialling again.
func (m *Machine) ConnectFailed(now time.Time) {
	if m.state.Phase == PhaseConnecting {
		m.dialFailed = true
	}
}

// TransportFailed reports an error on the established transport.
func (m *Machine) TransportFailed(now time.Time) Actions {
	switch m.state.Phase {
	case PhaseConnecting:
		m.ConnectFailed(now)
		return Actions{}
	case PhaseConnected, PhaseDegraded:
		m.disconnect()
		return Actions{Close: true, Reason: ReasonTransportError}
	default:
		return Actions{}
	}
}

// Received records inbound bytes.
func (m *Machine) Received(now time.Time) {
	switch m.state.Phase {
	case PhaseConnected:
	case PhaseDegraded:
		m.state = State{Phase: PhaseConnected, LastPingAt: m.state.LastPingAt}
	default:
		return
	}
	m.state.LastReceiveAt = now
	m.awaiting = false
}

// Sent records outbound bytes.
func (m *Machine) Sent(now time.Time) {
	if !m.state.Phase.CanSend() {
		return
	}
	m.lastSentAt = now
	if !m.awaiting {
		m.awaiting = true
		m.waitStart = now
	}
}

// PongReceived matches a pong against the outstanding ping. A round trip of
// d tightens the receive wait to max(2d, MinReceiveDelay) when that is lower.
func (m *Machine) PongReceived(pingID uint64, now time.Time) {
	if !m.pingOut || pingID != m.pingID {
		return
	}
	m.pingOut = false
	rtt2 := 2 * now.Sub(m.pingSentAt)
	if rtt2 < m.receiveWait {
		m.receiveWait = max(rtt2, m.policy.MinReceiveDelay())
	}
}

// PingOutstanding reports whether a ping awaits its pong.
func (m *Machine) PingOutstanding() bool { return m.pingOut }

// Tick advances timers to now.
func (m *Machine) Tick(now time.Time) Actions {
	switch m.state.Phase {
	case PhaseDisconnected:
		if m.started {
			return m.connect(now)
		}
		return Actions{}

	case PhaseConnecting:
		if now.Before(m.state.Since.Add(m.state.Delay)) {
			return Actions{}
		}
		a := Actions{Dial: true}
		if !m.dialFailed {
			a.Close = true
			a.Reason = ReasonConnectTimeout
		}
		m.dialFailed = false
		m.state = State{
			Phase:   PhaseConnecting,
			Attempt: m.state.Attempt + 1,
			Delay:   NextConnectDelay(m.state.Delay, m.policy.MaxConnectDelay()),
			Since:   now,
		}
		return a

	case PhaseDegraded:
		a := m.connect(now)
		a.Close = true
		a.Reason = ReasonStale
		return a

	case PhaseConnected:
		return m.tickConnected(now)
	}
	return Actions{}
}

func (m *Machine) tickConnected(now time.Time) Actions {
	p := m.policy

	if m.pingOut && !now.Before(m.pingSentAt.Add(p.PingDelayDisconnect())) {
		m.disconnect()
		return Actions{Close: true, Reason: ReasonPingTimeout}
	}

	if !now.Before(m.state.LastReceiveAt.Add(p.ConnectionOldTimeout())) {
		m.state = State{Phase: PhaseDegraded, IdleSince: m.state.LastReceiveAt}
		return Actions{}
	}

	if m.pingOut {
		return Actions{}
	}

	switch {
	case m.awaiting && !now.Before(m.waitStart.Add(m.receiveWait)):
		m.receiveWait = min(2*m.receiveWait, p.MaxReceiveDelay())
		m.waitStart = now
	case !now.Before(m.lastSentAt.Add(p.PingSendAfterAuto())):
	case !now.Before(m.state.LastPingAt.Add(p.PingSendAfter())):
	default:
		return Actions{}
	}
	return m.ping(now)
}

func (m *Machine) ping(now time.Time) Actions {
	m.pingID++
	m.pingOut = true
	m.pingSentAt = now
	m.state.LastPingAt = now
	return Actions{Ping: true, PingID: m.pingID}
}

// NextConnectDelay doubles delay, capped at maxDelay.
func NextConnectDelay(delay, maxDelay time.Duration) time.Duration {
	if delay <= 0 {
		return maxDelay
	}
	return min(2*delay, maxDelay)
}
