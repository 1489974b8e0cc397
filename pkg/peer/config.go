package peer

import (
	"time"

	"github.com/backkem/mtsession/pkg/policy"
	"github.com/backkem/mtsession/pkg/transport"
	"github.com/pion/logging"
)

// Defaults for Config.
const (
	// DefaultResendTimeout is how long a response or update waits for the
	// client's ack before it is sent again. It is longer than the client's
	// own resend timeout so the client's state queries usually win.
	DefaultResendTimeout = 25 * time.Second

	DefaultTickInterval = 100 * time.Millisecond
)

// Handler computes the response to a request payload.
type Handler func(payload []byte) []byte

// Echo answers every request with its own payload.
func Echo(payload []byte) []byte { return payload }

// Faults injects misbehaviour for tests. Counters are consumed as frames
// pass through the server.
type Faults struct {
	// DropRequests ignores this many requests entirely: no ack, no response.
	DropRequests int

	// DropResponses tracks but does not transmit this many responses. They are
	// delivered by the server's own retransmission or the client's resend.
	DropResponses int

	// IgnoreStateQueries leaves state queries unanswered.
	IgnoreStateQueries bool

	// MutePings leaves pings unanswered.
	MutePings bool
}

// Config configures a Server.
type Config struct {
	// Listener accepts client connections. Required.
	Listener transport.Listener

	// Policy supplies buffer sizes and the ack delay. Default: policy.Default().
	Policy *policy.Policy

	// Handler answers requests. Default: Echo.
	Handler Handler

	// ResendTimeout is the server's retransmission timeout. Default: 25s.
	ResendTimeout time.Duration

	// AckDelay is how long inbound acks are held. Default: the policy's
	// ack-send-waiting value.
	AckDelay time.Duration

	// TickInterval is the period of the retransmission timer. Default: 100ms.
	TickInterval time.Duration

	// Faults are applied from the start. See also Server.InjectFaults.
	Faults Faults

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}
