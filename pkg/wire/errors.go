package wire

import "errors"

// Errors returned by the wire package.
var (
	// ErrMalformedFrame is returned when a frame is truncated or inconsistent.
	ErrMalformedFrame = errors.New("wire: malformed frame")

	// ErrUnknownKind is returned for frames with an undefined kind byte.
	ErrUnknownKind = errors.New("wire: unknown frame kind")

	// ErrNestedContainer is returned when a container holds another container.
	ErrNestedContainer = errors.New("wire: nested container")

	// ErrFrameTooLarge is returned when a length prefix exceeds the configured limit.
	ErrFrameTooLarge = errors.New("wire: frame too large")

	// ErrInvalidLengthPrefix is returned for a zero length prefix.
	ErrInvalidLengthPrefix = errors.New("wire: invalid length prefix")

	// ErrStreamReadFailed is returned when a stream ends inside a frame.
	ErrStreamReadFailed = errors.New("wire: stream read failed")
)
