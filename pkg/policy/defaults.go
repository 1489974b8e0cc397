package policy

import "time"

// Default policy values. They match the tuning constants of the production
// client this session core is modelled on.
const (
	// DefaultShortBufferCapacity bounds the number of in-flight Pending messages.
	DefaultShortBufferCapacity = 65535

	// DefaultPacketSizeMax is the largest frame accepted from the transport.
	DefaultPacketSizeMax = 64 * 1024 * 1024

	// DefaultIdsBufferSize is how many recent acked and received ids are kept
	// for duplicate detection.
	DefaultIdsBufferSize = 400

	// DefaultResendTimeout is how long a message may stay unacknowledged
	// before it is resent or state-queried.
	DefaultResendTimeout = 10 * time.Second

	// DefaultResendWaiting is the batching window for resends and state queries.
	DefaultResendWaiting = 1 * time.Second

	// DefaultAckSendWaiting is the longest an inbound ack is held for piggybacking.
	DefaultAckSendWaiting = 10 * time.Second

	// DefaultResendThreshold is the payload size below which a due message is
	// resent outright instead of state-queried.
	DefaultResendThreshold = 1

	// NeverResendOutright as ResendThreshold state-queries every due message.
	NeverResendOutright = -1

	// DefaultContainerLifetime is how long a flushed container is remembered.
	DefaultContainerLifetime = 600 * time.Second

	// DefaultContainerSizeMax closes an open container once its members reach
	// this many payload bytes.
	DefaultContainerSizeMax = 16 * 1024

	DefaultMinReceiveDelay = 4 * time.Second
	DefaultMaxReceiveDelay = 64 * time.Second

	DefaultMinConnectDelay = 1 * time.Second
	DefaultMaxConnectDelay = 8 * time.Second

	// DefaultConnectionOldTimeout is the receive silence after which a
	// connection is considered stale and recycled.
	DefaultConnectionOldTimeout = 192 * time.Second

	// DefaultPingDelayDisconnect is how long a ping may go unanswered.
	DefaultPingDelayDisconnect = 60 * time.Second

	// DefaultPingSendAfterAuto is the send silence that triggers a keepalive ping.
	DefaultPingSendAfterAuto = 30 * time.Second

	// DefaultPingSendAfter is the longest a connection goes without a ping.
	DefaultPingSendAfter = 45 * time.Second
)
