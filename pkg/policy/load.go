package policy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/backkem/mtsession/pkg/settings"
)

// Settings keys read by Load.
const (
	KeyShortBufferCapacity  = "short_buffer_capacity"
	KeyPacketSizeMax        = "packet_size_max"
	KeyIdsBufferSize        = "ids_buffer_size"
	KeyResendTimeout        = "resend_timeout"
	KeyResendWaiting        = "resend_waiting"
	KeyAckSendWaiting       = "ack_send_waiting"
	KeyResendThreshold      = "resend_threshold"
	KeyContainerLifetime    = "container_lifetime"
	KeyContainerSizeMax     = "container_size_max"
	KeyMinReceiveDelay      = "min_receive_delay"
	KeyMaxReceiveDelay      = "max_receive_delay"
	KeyMinConnectDelay      = "min_connect_delay"
	KeyMaxConnectDelay      = "max_connect_delay"
	KeyConnectionOldTimeout = "connection_old_timeout"
	KeyPingDelayDisconnect  = "ping_delay_disconnect"
	KeyPingSendAfterAuto    = "ping_send_after_auto"
	KeyPingSendAfter        = "ping_send_after"
	KeyMaxResendAttempts    = "max_resend_attempts"
)

// Load builds a Policy from the defaults overlaid with values found in store
// under prefix. Durations are Go duration strings ("10s") or integers in
// milliseconds.
func Load(store settings.Store, prefix string) (*Policy, error) {
	cfg := DefaultConfig()
	s := settings.Prefixed(store, prefix)

	ints := map[string]*int{
		KeyShortBufferCapacity: &cfg.ShortBufferCapacity,
		KeyPacketSizeMax:       &cfg.PacketSizeMax,
		KeyIdsBufferSize:       &cfg.IdsBufferSize,
		KeyResendThreshold:     &cfg.ResendThreshold,
		KeyContainerSizeMax:    &cfg.ContainerSizeMax,
		KeyMaxResendAttempts:   &cfg.MaxResendAttempts,
	}
	for key, dst := range ints {
		raw, ok := s.Lookup(key)
		if !ok {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q: %v", ErrInvalidPolicy, key, raw, err)
		}
		*dst = v
	}

	durations := map[string]*time.Duration{
		KeyResendTimeout:        &cfg.ResendTimeout,
		KeyResendWaiting:        &cfg.ResendWaiting,
		KeyAckSendWaiting:       &cfg.AckSendWaiting,
		KeyContainerLifetime:    &cfg.ContainerLifetime,
		KeyMinReceiveDelay:      &cfg.MinReceiveDelay,
		KeyMaxReceiveDelay:      &cfg.MaxReceiveDelay,
		KeyMinConnectDelay:      &cfg.MinConnectDelay,
		KeyMaxConnectDelay:      &cfg.MaxConnectDelay,
		KeyConnectionOldTimeout: &cfg.ConnectionOldTimeout,
		KeyPingDelayDisconnect:  &cfg.PingDelayDisconnect,
		KeyPingSendAfterAuto:    &cfg.PingSendAfterAuto,
		KeyPingSendAfter:        &cfg.PingSendAfter,
	}
	for key, dst := range durations {
		raw, ok := s.Lookup(key)
		if !ok {
			continue
		}
		v, err := ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s=%q: %v", ErrInvalidPolicy, key, raw, err)
		}
		*dst = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Policy{c: cfg}, nil
}

// ParseDuration accepts either a Go duration string or a bare integer
// number of milliseconds.
func ParseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(raw)
}
