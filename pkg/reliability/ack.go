package reliability

import (
	"slices"
	"time"
)

// AckQueue accumulates ids of inbound messages that need acknowledgement.
// Acks are flushed as one batch once Wait has passed since the oldest queued
// ack, or earlier when they can ride along with an outgoing container.
type AckQueue struct {
	wait   time.Duration
	ids    []uint64
	oldest time.Time
}

// NewAckQueue creates a queue that holds acks for at most wait.
func NewAckQueue(wait time.Duration) *AckQueue {
	return &AckQueue{wait: wait}
}

// Add queues an ack for id. Duplicates are coalesced.
func (q *AckQueue) Add(id uint64, now time.Time) {
	if slices.Contains(q.ids, id) {
		return
	}
	if len(q.ids) == 0 {
		q.oldest = now
	}
	q.ids = append(q.ids, id)
}

// Due reports whether the oldest queued ack has waited long enough.
func (q *AckQueue) Due(now time.Time) bool {
	return len(q.ids) > 0 && !now.Before(q.oldest.Add(q.wait))
}

// Take returns and clears the queued ids.
func (q *AckQueue) Take() []uint64 {
	ids := q.ids
	q.ids = nil
	return ids
}

// TakeN returns and removes at most n of the oldest queued ids. The rest stay
// queued under the original deadline.
func (q *AckQueue) TakeN(n int) []uint64 {
	if n >= len(q.ids) {
		return q.Take()
	}
	if n <= 0 {
		return nil
	}
	ids := slices.Clone(q.ids[:n])
	q.ids = slices.Delete(q.ids, 0, n)
	return ids
}

// Len returns the number of queued acks.
func (q *AckQueue) Len() int {
	return len(q.ids)
}
