package tracking

import "errors"

// Errors returned by the tracking package.
var (
	// ErrCapacityExceeded is returned by Track when the in-flight bound is reached.
	ErrCapacityExceeded = errors.New("tracking: too many in-flight messages")

	// ErrUnknownMessage is returned for ids that are not tracked.
	ErrUnknownMessage = errors.New("tracking: unknown message")

	// ErrAttemptsExhausted is the abandon reason for messages that used up
	// their resend budget.
	ErrAttemptsExhausted = errors.New("tracking: resend attempts exhausted")
)
