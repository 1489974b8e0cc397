// Package tracking implements the table of outgoing messages awaiting
// acknowledgement.
//
// The Table owns every in-flight Message by id. Ids are assigned in
// submission order and increase monotonically. A message lives in the table
// from Track until it is acknowledged, abandoned or removed; the table also
// remembers the most recent acknowledged ids so duplicate acks stay harmless.
//
// Lifecycle:
//
//	Pending -> Acked
//	Pending -> Resent -> Pending (on retransmission)
//	Pending -> Failed (resend budget exhausted)
package tracking

// State is the delivery state of an outgoing message.
type State int

const (
	StateUnknown State = iota
	// StatePending means the message was sent (or queued) and awaits an ack.
	StatePending
	// StateAcked means the peer acknowledged the message.
	StateAcked
	// StateResent means a retransmission is queued but not yet flushed.
	StateResent
	// StateFailed means the message was abandoned.
	StateFailed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "Pending"
	case StateAcked:
		return "Acked"
	case StateResent:
		return "Resent"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the state is a defined value.
func (s State) IsValid() bool {
	return s >= StatePending && s <= StateFailed
}

// IsTerminal returns true for states that end tracking.
func (s State) IsTerminal() bool {
	return s == StateAcked || s == StateFailed
}
