package session

import (
	"context"
	"sync"
)

// Future is the eventual result of a request: the response payload or an
// error (ErrDeliveryFailed, ErrCancelled or ErrClosed).
type Future struct {
	done chan struct{}
	once sync.Once

	payload []byte
	err     error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve sets the result. Only the first call has an effect.
func (f *Future) resolve(payload []byte, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.payload = payload
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future is resolved or ctx is done.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.payload, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RequestHandle identifies a submitted request.
type RequestHandle struct {
	id      uint64
	session *Session
	future  *Future
}

// ID returns the message id assigned to the request.
func (h *RequestHandle) ID() uint64 { return h.id }

// Cancel abandons the request. Its future resolves with ErrCancelled, it
// stops being resent, and a response arriving later is dropped. Cancelling a
// resolved request does nothing.
func (h *RequestHandle) Cancel() {
	if !h.future.resolve(nil, ErrCancelled) {
		return
	}
	h.session.post(cancelEvent{id: h.id})
}
