package session

import (
	"errors"

	"github.com/backkem/mtsession/pkg/tracking"
)

// Session package errors.
var (
	// ErrNotConnected is returned by Submit when FailWhileDisconnected is
	// configured and no connection is established.
	ErrNotConnected = errors.New("session: not connected")

	// ErrDeliveryFailed resolves the future of a request that exhausted its
	// resend budget. The abandon reason is wrapped alongside it.
	ErrDeliveryFailed = errors.New("session: delivery failed")

	// ErrCancelled resolves the future of a cancelled request.
	ErrCancelled = errors.New("session: request cancelled")

	// ErrClosed is returned after Close, and resolves outstanding futures.
	ErrClosed = errors.New("session: closed")

	// ErrNotStarted is returned when submitting before Start.
	ErrNotStarted = errors.New("session: not started")

	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrPayloadTooLarge is returned when a request cannot fit in one frame.
	ErrPayloadTooLarge = errors.New("session: payload too large")

	// ErrInvalidConfig is returned by New for an unusable Config.
	ErrInvalidConfig = errors.New("session: invalid config")

	// ErrCapacityExceeded is returned by Submit when too many requests are in
	// flight. The caller should back off and retry.
	ErrCapacityExceeded = tracking.ErrCapacityExceeded
)
