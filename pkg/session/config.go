package session

import (
	"fmt"
	"time"

	"github.com/backkem/mtsession/pkg/discovery"
	"github.com/backkem/mtsession/pkg/metrics"
	"github.com/backkem/mtsession/pkg/policy"
	"github.com/backkem/mtsession/pkg/transport"
	"github.com/pion/logging"
)

// Defaults for Config.
const (
	DefaultTickInterval   = 100 * time.Millisecond
	DefaultEventQueueSize = 1024
	DefaultWriteQueueSize = 1024
	DefaultUpdateBuffer   = 256
	DefaultFailureBuffer  = 64
)

// Config configures a Session.
type Config struct {
	// Policy holds the timers and limits. Default: policy.Default().
	Policy *policy.Policy

	// Transport dials connections. Required.
	Transport transport.Transport

	// Resolver yields the address to dial before every connect attempt.
	// If nil, Address is used as a static address.
	Resolver discovery.Resolver

	// Address is dialled when Resolver is nil.
	Address string

	// Queue selects what Submit does while no connection is established.
	Queue QueuePolicy

	// TickInterval is the period of the timer tick. Default: 100ms.
	TickInterval time.Duration

	// EventQueueSize bounds the loop's event queue. Default: 1024.
	EventQueueSize int

	// WriteQueueSize bounds each connection's outbound queue. Frames that do
	// not fit are dropped and recovered by resending. Default: 1024.
	WriteQueueSize int

	// UpdateBuffer is the capacity of the Updates channel. Default: 256.
	UpdateBuffer int

	// FailureBuffer is the capacity of the DeliveryFailed channel. Default: 64.
	FailureBuffer int

	// Metrics receives session metrics. If nil, nothing is recorded.
	Metrics *metrics.Collector

	// LoggerFactory is the factory for creating loggers.
	// If nil, pion's default factory is used.
	LoggerFactory logging.LoggerFactory
}

func (c Config) withDefaults() (Config, error) {
	if c.Transport == nil {
		return c, fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}
	if c.Resolver == nil {
		if c.Address == "" {
			return c, fmt.Errorf("%w: resolver or address is required", ErrInvalidConfig)
		}
		c.Resolver = discovery.Static(c.Address)
	}
	if !c.Queue.IsValid() {
		return c, fmt.Errorf("%w: queue policy %d", ErrInvalidConfig, c.Queue)
	}
	if c.Policy == nil {
		c.Policy = policy.Default()
	}
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.EventQueueSize <= 0 {
		c.EventQueueSize = DefaultEventQueueSize
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = DefaultWriteQueueSize
	}
	if c.UpdateBuffer <= 0 {
		c.UpdateBuffer = DefaultUpdateBuffer
	}
	if c.FailureBuffer <= 0 {
		c.FailureBuffer = DefaultFailureBuffer
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return c, nil
}
