// Package connection implements the connection state machine of a session.
//
// The Machine owns the lifecycle of the one active transport connection:
//
//	Disconnected -> Connecting(attempt, delay) -> Connected(lastPingAt, lastReceiveAt)
//	Connected -> Degraded(idleSince) -> Connecting (recycled)
//	any -> Disconnected (transport error, ping timeout, stop)
//
// It performs no I/O and reads no clock. Callers feed it transport events and
// periodic Tick calls with the current time, and carry out the returned Actions
// (dial, ping, close). This keeps every timer independent and testable with
// synthetic time.
package connection

// Phase is the coarse connection state.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseDegraded
)

// String returns a human-readable name for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "Disconnected"
	case PhaseConnecting:
		return "Connecting"
	case PhaseConnected:
		return "Connected"
	case PhaseDegraded:
		return "Degraded"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the phase is a defined value.
func (p Phase) IsValid() bool {
	return p >= PhaseDisconnected && p <= PhaseDegraded
}

// CanSend returns true if frames may be written to the transport.
func (p Phase) CanSend() bool {
	return p == PhaseConnected || p == PhaseDegraded
}

// Reason explains why a connection was closed or restarted.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonPingTimeout means a ping went unanswered for PingDelayDisconnect.
	ReasonPingTimeout
	// ReasonStale means nothing was received for ConnectionOldTimeout.
	ReasonStale
	// ReasonTransportError means the transport reported a failure.
	ReasonTransportError
	// ReasonConnectTimeout means a connect attempt outlived its delay.
	ReasonConnectTimeout
	// ReasonRequested means the caller asked for a reconnect.
	ReasonRequested
	// ReasonStopped means the session is shutting down.
	ReasonStopped
)

// String returns a snake_case name, suitable for logs and metric labels.
func (r Reason) String() string {
	switch r {
	case ReasonPingTimeout:
		return "ping_timeout"
	case ReasonStale:
		return "stale"
	case ReasonTransportError:
		return "transport_error"
	case ReasonConnectTimeout:
		return "connect_timeout"
	case ReasonRequested:
		return "requested"
	case ReasonStopped:
		return "stopped"
	default:
		return "none"
	}
}
