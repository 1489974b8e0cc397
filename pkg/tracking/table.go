package tracking

import (
	"iter"
	"slices"
	"sync"
	"time"
)

// Message is an outgoing message awaiting acknowledgement.
type Message struct {
	ID      uint64
	Payload []byte

	// PayloadSize drives the resend-or-query decision.
	PayloadSize int

	// CreatedAt is when the message was tracked.
	CreatedAt time.Time

	// SentAt is the last time the message was transmitted or checked.
	SentAt time.Time

	// ContainerID is the container the message was last flushed in, or 0.
	// Lookup only; the container does not own the message.
	ContainerID uint64

	State State

	// Attempts counts resend cycles (resends or state queries) consumed.
	Attempts int
}

// Failure describes an abandoned message.
type Failure struct {
	ID       uint64
	Reason   error
	Attempts int
}

// Config configures a Table.
type Config struct {
	// Capacity bounds the number of in-flight messages. Required.
	Capacity int

	// RecentAcked is how many acknowledged ids are remembered.
	RecentAcked int

	// ResendTimeout is how long a message may stay unacknowledged before it
	// is due for action.
	ResendTimeout time.Duration

	// OnFailure is invoked (outside the table lock) for every abandoned message.
	OnFailure func(Failure)
}

// Table tracks outgoing messages by id.
//
// Thread-safe for concurrent access. Callbacks are invoked without holding
// the lock, so they may call back into the table.
type Table struct {
	config Config

	nextID  uint64
	records map[uint64]*Message

	// order holds active ids in ascending order.
	order []uint64

	// acked is a ring of recently acknowledged ids.
	acked    []uint64
	ackedPos int
	ackedSet map[uint64]struct{}

	mu sync.Mutex
}

// NewTable creates an empty table. Ids start at 1.
func NewTable(config Config) *Table {
	if config.RecentAcked <= 0 {
		config.RecentAcked = 1
	}
	return &Table{
		config:   config,
		nextID:   1,
		records:  make(map[uint64]*Message),
		acked:    make([]uint64, 0, config.RecentAcked),
		ackedSet: make(map[uint64]struct{}, config.RecentAcked),
	}
}

// Track records a new message and returns its id.
// Returns ErrCapacityExceeded if the in-flight bound would be exceeded.
func (t *Table) Track(payload []byte, now time.Time) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.records) >= t.config.Capacity {
		return 0, ErrCapacityExceeded
	}

	id := t.nextID
	t.nextID++

	t.records[id] = &Message{
		ID:          id,
		Payload:     payload,
		PayloadSize: len(payload),
		CreatedAt:   now,
		SentAt:      now,
		State:       StatePending,
	}
	t.order = append(t.order, id)
	return id, nil
}

// Get returns a copy of the tracked message.
func (t *Table) Get(id uint64) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.records[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// MarkAcked acknowledges a message and removes it from tracking.
// Unknown and already acknowledged ids are ignored; the return value reports
// whether this call acknowledged a tracked message.
func (t *Table) MarkAcked(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.records[id]
	if !ok {
		return false
	}
	m.State = StateAcked
	t.removeLocked(id)
	t.rememberAckedLocked(id)
	return true
}

// RecentlyAcked reports whether id is among the most recent acknowledged ids.
func (t *Table) RecentlyAcked(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.ackedSet[id]
	return ok
}

// Retry starts a new resend cycle: the message's send time is reset to now
// and its attempt count incremented. Returns the new attempt count.
func (t *Table) Retry(id uint64, now time.Time) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.records[id]
	if !ok {
		return 0, ErrUnknownMessage
	}
	m.Attempts++
	m.SentAt = now
	return m.Attempts, nil
}

// MarkResent moves a message to Resent: its retransmission is queued and it
// is excluded from DueForAction until MarkSent.
func (t *Table) MarkResent(id uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.records[id]
	if !ok {
		return ErrUnknownMessage
	}
	m.State = StateResent
	return nil
}

// MarkSent records a transmission of the message in containerID (0 for none).
func (t *Table) MarkSent(id uint64, now time.Time, containerID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.records[id]
	if !ok {
		return ErrUnknownMessage
	}
	m.State = StatePending
	m.SentAt = now
	m.ContainerID = containerID
	return nil
}

// ClearContainer detaches a message from its container so it is tracked on
// its own again.
func (t *Table) ClearContainer(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m, ok := t.records[id]; ok {
		m.ContainerID = 0
	}
}

// Abandon marks a message Failed, removes it and reports it to OnFailure.
// Unknown ids are ignored.
func (t *Table) Abandon(id uint64, reason error) {
	t.mu.Lock()
	m, ok := t.records[id]
	if !ok {
		t.mu.Unlock()
		return
	}
	m.State = StateFailed
	t.removeLocked(id)
	failure := Failure{ID: id, Reason: reason, Attempts: m.Attempts}
	cb := t.config.OnFailure
	t.mu.Unlock()

	if cb != nil {
		cb(failure)
	}
}

// Remove drops a message without acknowledging or failing it.
// Used for cancellation. Returns false if the id was not tracked.
func (t *Table) Remove(id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.records[id]; !ok {
		return false
	}
	t.removeLocked(id)
	return true
}

// DueForAction yields, in ascending id order, the Pending messages whose
// SentAt+ResendTimeout is at or before now.
//
// The sequence is lazy and restartable. The table may be mutated while it is
// being consumed: each step resumes after the last yielded id.
func (t *Table) DueForAction(now time.Time) iter.Seq[uint64] {
	return t.scan(func(m *Message) bool {
		return m.State == StatePending && !m.SentAt.Add(t.config.ResendTimeout).After(now)
	})
}

// InFlight yields every tracked id in ascending order.
func (t *Table) InFlight() iter.Seq[uint64] {
	return t.scan(func(*Message) bool { return true })
}

func (t *Table) scan(match func(*Message) bool) iter.Seq[uint64] {
	return func(yield func(uint64) bool) {
		var last uint64
		for {
			id, ok := t.nextMatch(last, match)
			if !ok {
				return
			}
			if !yield(id) {
				return
			}
			last = id
		}
	}
}

func (t *Table) nextMatch(after uint64, match func(*Message) bool) (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, found := slices.BinarySearch(t.order, after)
	if found {
		i++
	}
	for ; i < len(t.order); i++ {
		if m := t.records[t.order[i]]; match(m) {
			return m.ID, true
		}
	}
	return 0, false
}

// Len returns the number of tracked messages.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

func (t *Table) removeLocked(id uint64) {
	delete(t.records, id)
	if i, found := slices.BinarySearch(t.order, id); found {
		t.order = slices.Delete(t.order, i, i+1)
	}
}

func (t *Table) rememberAckedLocked(id uint64) {
	if _, ok := t.ackedSet[id]; ok {
		return
	}
	if len(t.acked) < cap(t.acked) {
		t.acked = append(t.acked, id)
	} else {
		delete(t.ackedSet, t.acked[t.ackedPos])
		t.acked[t.ackedPos] = id
		t.ackedPos = (t.ackedPos + 1) % len(t.acked)
	}
	t.ackedSet[id] = struct{}{}
}
