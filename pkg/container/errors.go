package container

import "errors"

var (
	// ErrContainerClosed is returned when mutating a container that is no
	// longer open: it was flushed, closed by a budget, expired or never existed.
	ErrContainerClosed = errors.New("container: container closed")

	// ErrMemberTooLarge is returned when a message does not fit in a
	// container even on its own.
	ErrMemberTooLarge = errors.New("container: member exceeds frame limit")
)
