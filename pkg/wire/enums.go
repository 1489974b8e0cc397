// Package wire defines the frames exchanged between a session and its peer
// and their binary encoding.
//
// Every frame starts with a fixed header:
//
//	kind (1) | flags (1) | id (8, little-endian)
//
// followed by a kind-specific body. Request, Response and Update frames carry
// application payloads and require an acknowledgement; the remaining kinds are
// service frames (acks, state queries, pings) and are never acknowledged.
//
// On byte streams each frame is preceded by a 4-byte little-endian length
// (see StreamReader and StreamWriter).
package wire

// Kind identifies the frame type.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindUpdate
	KindAck
	KindStateQuery
	KindStateInfo
	KindResendRequest
	KindPing
	KindPong
	KindContainer
	KindNewSession
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "Request"
	case KindResponse:
		return "Response"
	case KindUpdate:
		return "Update"
	case KindAck:
		return "Ack"
	case KindStateQuery:
		return "StateQuery"
	case KindStateInfo:
		return "StateInfo"
	case KindResendRequest:
		return "ResendRequest"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	case KindContainer:
		return "Container"
	case KindNewSession:
		return "NewSession"
	default:
		return "Invalid"
	}
}

// IsValid returns true if the kind is a defined value.
func (k Kind) IsValid() bool {
	return k >= KindRequest && k <= KindNewSession
}

// NeedsAck returns true for content frames the receiver must acknowledge.
func (k Kind) NeedsAck() bool {
	return k == KindRequest || k == KindResponse || k == KindUpdate
}

// carriesPayload reports whether the body ends with an opaque payload.
func (k Kind) carriesPayload() bool {
	return k.NeedsAck()
}

// carriesIDs reports whether the body is a list of message ids.
func (k Kind) carriesIDs() bool {
	return k == KindAck || k == KindStateQuery || k == KindResendRequest || k == KindStateInfo
}

// Flags modify frame handling.
type Flags uint8

const (
	// FlagResend marks a content frame that is a retransmission.
	FlagResend Flags = 1 << 0
)

// MessageState is the peer's knowledge of a message, reported in StateInfo.
// The values follow the original protocol's msgs_state_info encoding.
type MessageState uint8

const (
	StateInvalid MessageState = iota
	// StateUnknown means the peer knows nothing about the id.
	StateUnknown
	// StateNotReceived means the id is in range but the message never arrived.
	StateNotReceived
	// StateIDTooHigh means the id is ahead of anything the peer accepted.
	StateIDTooHigh
	// StateReceived means the peer has the message.
	StateReceived
)

// String returns a human-readable name for the state.
func (s MessageState) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateNotReceived:
		return "NotReceived"
	case StateIDTooHigh:
		return "IDTooHigh"
	case StateReceived:
		return "Received"
	default:
		return "Invalid"
	}
}

// IsValid returns true if the state is a defined value.
func (s MessageState) IsValid() bool {
	return s >= StateUnknown && s <= StateReceived
}

// Received returns true if the state means the peer has the message.
func (s MessageState) Received() bool {
	return s&0x07 == StateReceived
}
