// Package policy holds the immutable timing and sizing policy shared by every
// component of the session core.
//
// A Policy is built once from a Config (directly, or via Load from a
// settings.Store) and is read-only afterwards. It exposes accessors only.
package policy

import (
	"fmt"
	"time"
)

// Config is the mutable input to New. Zero fields are replaced by defaults.
type Config struct {
	ShortBufferCapacity int
	PacketSizeMax       int
	IdsBufferSize       int

	ResendTimeout  time.Duration
	ResendWaiting  time.Duration
	AckSendWaiting time.Duration

	// ResendThreshold is the payload size at or above which a due message is
	// state-queried instead of resent. Zero means DefaultResendThreshold;
	// NeverResendOutright disables outright resends.
	ResendThreshold int

	ContainerLifetime time.Duration
	ContainerSizeMax  int

	MinReceiveDelay time.Duration
	MaxReceiveDelay time.Duration
	MinConnectDelay time.Duration
	MaxConnectDelay time.Duration

	ConnectionOldTimeout time.Duration

	PingDelayDisconnect time.Duration
	PingSendAfterAuto   time.Duration
	PingSendAfter       time.Duration

	// MaxResendAttempts caps resend cycles before a message is abandoned.
	// Zero derives it as max(1, ConnectionOldTimeout/ResendTimeout).
	MaxResendAttempts int
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() Config {
	return Config{
		ShortBufferCapacity:  DefaultShortBufferCapacity,
		PacketSizeMax:        DefaultPacketSizeMax,
		IdsBufferSize:        DefaultIdsBufferSize,
		ResendTimeout:        DefaultResendTimeout,
		ResendWaiting:        DefaultResendWaiting,
		AckSendWaiting:       DefaultAckSendWaiting,
		ResendThreshold:      DefaultResendThreshold,
		ContainerLifetime:    DefaultContainerLifetime,
		ContainerSizeMax:     DefaultContainerSizeMax,
		MinReceiveDelay:      DefaultMinReceiveDelay,
		MaxReceiveDelay:      DefaultMaxReceiveDelay,
		MinConnectDelay:      DefaultMinConnectDelay,
		MaxConnectDelay:      DefaultMaxConnectDelay,
		ConnectionOldTimeout: DefaultConnectionOldTimeout,
		PingDelayDisconnect:  DefaultPingDelayDisconnect,
		PingSendAfterAuto:    DefaultPingSendAfterAuto,
		PingSendAfter:        DefaultPingSendAfter,
	}
}

// WithDefaults returns a copy of the config with zero values replaced by defaults.
// MaxResendAttempts keeps zero, which selects the derived budget.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	r := c
	setInt(&r.ShortBufferCapacity, d.ShortBufferCapacity)
	setInt(&r.PacketSizeMax, d.PacketSizeMax)
	setInt(&r.IdsBufferSize, d.IdsBufferSize)
	setInt(&r.ContainerSizeMax, d.ContainerSizeMax)
	setInt(&r.ResendThreshold, d.ResendThreshold)
	setDur(&r.ResendTimeout, d.ResendTimeout)
	setDur(&r.ResendWaiting, d.ResendWaiting)
	setDur(&r.AckSendWaiting, d.AckSendWaiting)
	setDur(&r.ContainerLifetime, d.ContainerLifetime)
	setDur(&r.MinReceiveDelay, d.MinReceiveDelay)
	setDur(&r.MaxReceiveDelay, d.MaxReceiveDelay)
	setDur(&r.MinConnectDelay, d.MinConnectDelay)
	setDur(&r.MaxConnectDelay, d.MaxConnectDelay)
	setDur(&r.ConnectionOldTimeout, d.ConnectionOldTimeout)
	setDur(&r.PingDelayDisconnect, d.PingDelayDisconnect)
	setDur(&r.PingSendAfterAuto, d.PingSendAfterAuto)
	setDur(&r.PingSendAfter, d.PingSendAfter)
	return r
}

func setInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDur(v *time.Duration, def time.Duration) {
	if *v == 0 {
		*v = def
	}
}

// Validate checks the policy invariants: every delay and size is
// non-negative, the connect and receive bounds are ordered, and the buffers
// hold at least one entry.
func (c Config) Validate() error {
	durations := []struct {
		name string
		v    time.Duration
	}{
		{"resend_timeout", c.ResendTimeout},
		{"resend_waiting", c.ResendWaiting},
		{"ack_send_waiting", c.AckSendWaiting},
		{"container_lifetime", c.ContainerLifetime},
		{"min_receive_delay", c.MinReceiveDelay},
		{"max_receive_delay", c.MaxReceiveDelay},
		{"min_connect_delay", c.MinConnectDelay},
		{"max_connect_delay", c.MaxConnectDelay},
		{"connection_old_timeout", c.ConnectionOldTimeout},
		{"ping_delay_disconnect", c.PingDelayDisconnect},
		{"ping_send_after_auto", c.PingSendAfterAuto},
		{"ping_send_after", c.PingSendAfter},
	}
	for _, d := range durations {
		if d.v < 0 {
			return fmt.Errorf("%w: %s is negative (%v)", ErrInvalidPolicy, d.name, d.v)
		}
	}

	ints := []struct {
		name string
		v    int
	}{
		{"short_buffer_capacity", c.ShortBufferCapacity},
		{"packet_size_max", c.PacketSizeMax},
		{"ids_buffer_size", c.IdsBufferSize},
		{"container_size_max", c.ContainerSizeMax},
		{"max_resend_attempts", c.MaxResendAttempts},
	}
	for _, i := range ints {
		if i.v < 0 {
			return fmt.Errorf("%w: %s is negative (%d)", ErrInvalidPolicy, i.name, i.v)
		}
	}

	if c.ResendThreshold < NeverResendOutright {
		return fmt.Errorf("%w: resend_threshold is negative (%d)", ErrInvalidPolicy, c.ResendThreshold)
	}

	if c.MinConnectDelay > c.MaxConnectDelay {
		return fmt.Errorf("%w: min_connect_delay %v exceeds max_connect_delay %v",
			ErrInvalidPolicy, c.MinConnectDelay, c.MaxConnectDelay)
	}
	if c.MinReceiveDelay > c.MaxReceiveDelay {
		return fmt.Errorf("%w: min_receive_delay %v exceeds max_receive_delay %v",
			ErrInvalidPolicy, c.MinReceiveDelay, c.MaxReceiveDelay)
	}
	if c.ShortBufferCapacity == 0 || c.IdsBufferSize == 0 || c.PacketSizeMax == 0 {
		return fmt.Errorf("%w: buffer sizes must be positive", ErrInvalidPolicy)
	}
	return nil
}

// Policy is the frozen form of Config.
type Policy struct {
	c Config
}

// New validates cfg (after applying defaults) and freezes it.
func New(cfg Config) (*Policy, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Policy{c: cfg}, nil
}

// Default returns the default policy.
func Default() *Policy {
	return &Policy{c: DefaultConfig()}
}

// Config returns a copy of the values the policy was built from.
func (p *Policy) Config() Config { return p.c }

func (p *Policy) ShortBufferCapacity() int { return p.c.ShortBufferCapacity }
func (p *Policy) PacketSizeMax() int       { return p.c.PacketSizeMax }
func (p *Policy) IdsBufferSize() int       { return p.c.IdsBufferSize }

func (p *Policy) ResendTimeout() time.Duration  { return p.c.ResendTimeout }
func (p *Policy) ResendWaiting() time.Duration  { return p.c.ResendWaiting }
func (p *Policy) AckSendWaiting() time.Duration { return p.c.AckSendWaiting }

// ResendThreshold returns the payload size from which due messages are
// state-queried. It is zero when outright resends are disabled.
func (p *Policy) ResendThreshold() int {
	if p.c.ResendThreshold == NeverResendOutright {
		return 0
	}
	return p.c.ResendThreshold
}

func (p *Policy) ContainerLifetime() time.Duration { return p.c.ContainerLifetime }
func (p *Policy) ContainerSizeMax() int            { return p.c.ContainerSizeMax }

func (p *Policy) MinReceiveDelay() time.Duration { return p.c.MinReceiveDelay }
func (p *Policy) MaxReceiveDelay() time.Duration { return p.c.MaxReceiveDelay }
func (p *Policy) MinConnectDelay() time.Duration { return p.c.MinConnectDelay }
func (p *Policy) MaxConnectDelay() time.Duration { return p.c.MaxConnectDelay }

func (p *Policy) ConnectionOldTimeout() time.Duration { return p.c.ConnectionOldTimeout }

func (p *Policy) PingDelayDisconnect() time.Duration { return p.c.PingDelayDisconnect }
func (p *Policy) PingSendAfterAuto() time.Duration   { return p.c.PingSendAfterAuto }
func (p *Policy) PingSendAfter() time.Duration       { return p.c.PingSendAfter }

// MaxResendAttempts returns the number of resend cycles a message gets before
// it is abandoned. Unless configured explicitly it is the number of resend
// timeouts that fit in the stale-connection horizon, and never less than one.
func (p *Policy) MaxResendAttempts() int {
	if p.c.MaxResendAttempts > 0 {
		return p.c.MaxResendAttempts
	}
	if p.c.ResendTimeout <= 0 {
		return 1
	}
	n := int(p.c.ConnectionOldTimeout / p.c.ResendTimeout)
	if n < 1 {
		n = 1
	}
	return n
}
