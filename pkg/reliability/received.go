package reliability

// ReceivedWindow remembers the most recent inbound message ids so that
// retransmitted duplicates are acknowledged again but not redelivered.
type ReceivedWindow struct {
	ring []uint64
	pos  int
	set  map[uint64]struct{}
}

// NewReceivedWindow creates a window holding size ids.
func NewReceivedWindow(size int) *ReceivedWindow {
	if size <= 0 {
		size = 1
	}
	return &ReceivedWindow{
		ring: make([]uint64, 0, size),
		set:  make(map[uint64]struct{}, size),
	}
}

// Observe records id and reports whether it had already been seen.
func (w *ReceivedWindow) Observe(id uint64) (duplicate bool) {
	if _, ok := w.set[id]; ok {
		return true
	}
	if len(w.ring) < cap(w.ring) {
		w.ring = append(w.ring, id)
	} else {
		delete(w.set, w.ring[w.pos])
		w.ring[w.pos] = id
		w.pos = (w.pos + 1) % len(w.ring)
	}
	w.set[id] = struct{}{}
	return false
}

// Contains reports whether id is in the window.
func (w *ReceivedWindow) Contains(id uint64) bool {
	_, ok := w.set[id]
	return ok
}

// Reset forgets every id. Used when the peer starts a new session.
func (w *ReceivedWindow) Reset() {
	w.ring = w.ring[:0]
	w.pos = 0
	clear(w.set)
}
