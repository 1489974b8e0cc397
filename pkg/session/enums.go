// Package session is the client-side session facade.
//
// A Session owns one logical conversation with a peer across any number of
// transport connections. Callers submit requests and receive responses
// through futures; the session assigns message ids, batches messages into
// containers, resends what the peer has not acknowledged and reconnects with
// backoff when the transport fails.
//
// All session state is mutated by a single loop goroutine. Transport
// callbacks, submissions and cancellations are posted to the loop as events,
// and a periodic tick drives every timer:
//
//	Submit/Cancel/Reconnect ─┐
//	transport receive/close ─┼─> events ─> loop ─> tracking, container,
//	dial results ────────────┤                     reliability, connection
//	ticker ──────────────────┘
//
// Outbound frames are handed to a per-connection writer goroutine so the loop
// never blocks on the transport.
package session

import (
	"fmt"

	"github.com/backkem/mtsession/pkg/connection"
)

// QueuePolicy selects what Submit does while no connection is established.
type QueuePolicy int

const (
	// QueueWhileDisconnected tracks the request and sends it once a
	// connection is established. This is the default.
	QueueWhileDisconnected QueuePolicy = iota

	// FailWhileDisconnected makes Submit return ErrNotConnected unless a
	// connection is established.
	FailWhileDisconnected
)

// String returns a human-readable name for the policy.
func (q QueuePolicy) String() string {
	switch q {
	case QueueWhileDisconnected:
		return "QueueWhileDisconnected"
	case FailWhileDisconnected:
		return "FailWhileDisconnected"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the policy is a defined value.
func (q QueuePolicy) IsValid() bool {
	return q == QueueWhileDisconnected || q == FailWhileDisconnected
}

// ConnectionState is published to state subscribers. Reason explains the
// transition into the current state when a connection was torn down.
type ConnectionState struct {
	connection.State
	Reason connection.Reason
}

// String formats the state for logs.
func (s ConnectionState) String() string {
	if s.Reason == connection.ReasonNone {
		return s.State.String()
	}
	return fmt.Sprintf("%s (%s)", s.State, s.Reason)
}

// DeliveryFailure reports a request that was abandoned.
type DeliveryFailure struct {
	ID     uint64
	Reason error
}
