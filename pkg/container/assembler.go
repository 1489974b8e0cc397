// Package container batches outgoing messages into containers and remembers
// flushed containers for a bounded lifetime.
//
// At most one container is open at a time. It closes when its payload budget
// is reached or its batching window ends, and is then flushed into a single
// wire.Container frame. Flushed containers stay in the sent map until every
// member is released or the container expires; on expiry the members still
// outstanding are handed back exactly once for independent resend tracking.
//
// Containers reference member ids only. Payloads are looked up at flush time
// through a MessageSource, so the tracking table remains their sole owner.
package container

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/backkem/mtsession/pkg/wire"
)

// MessageSource resolves a member id to the frame that carries it.
// It returns false for messages that no longer need sending.
type MessageSource interface {
	Frame(id uint64) (wire.Frame, bool)
}

// SourceFunc adapts a function to MessageSource.
type SourceFunc func(id uint64) (wire.Frame, bool)

// Frame implements MessageSource.
func (f SourceFunc) Frame(id uint64) (wire.Frame, bool) { return f(id) }

// Config configures an Assembler.
type Config struct {
	// Window is how long an open container waits for more messages.
	Window time.Duration

	// SizeMax closes the open container once member payloads reach this size.
	// Zero disables the size budget.
	SizeMax int

	// Lifetime is how long a flushed container is retained.
	Lifetime time.Duration

	// FrameMax bounds the encoded container, service frames included.
	// Zero disables the bound.
	FrameMax int
}

// Container is a snapshot of one batch.
type Container struct {
	ID        uint64
	CreatedAt time.Time

	// FlushAt is when an open container becomes ready.
	FlushAt time.Time

	// ExpiresAt is set on flush to FlushedAt+Lifetime.
	ExpiresAt time.Time

	// Members in insertion order.
	Members []uint64

	Size int

	// Encoded is the encoded size of the container with its members so far.
	Encoded int

	Phase Phase
}

// Phase is the lifecycle position of a container.
type Phase int

const (
	PhaseOpen Phase = iota
	// PhaseClosed containers accept no members and wait to be flushed.
	PhaseClosed
	// PhaseSent containers were flushed and wait for acks or expiry.
	PhaseSent
)

// String returns a human-readable name for the phase.
func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "Open"
	case PhaseClosed:
		return "Closed"
	case PhaseSent:
		return "Sent"
	default:
		return "Unknown"
	}
}

// Assembler owns open, closed and sent containers.
//
// Thread-safe for concurrent access.
type Assembler struct {
	config Config

	nextID     uint64
	open       uint64
	containers map[uint64]*Container

	// memberOf maps a message id to the one container holding it.
	memberOf map[uint64]uint64

	mu sync.Mutex
}

// NewAssembler creates an empty assembler. Container ids start at 1.
func NewAssembler(config Config) *Assembler {
	return &Assembler{
		config:     config,
		nextID:     1,
		containers: make(map[uint64]*Container),
		memberOf:   make(map[uint64]uint64),
	}
}

// BeginBatch returns the open container, opening a new one if none is open or
// the current one has used up its size or time budget.
func (a *Assembler) BeginBatch(now time.Time) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c := a.containers[a.open]; c != nil && c.Phase == PhaseOpen {
		if !a.exhaustedLocked(c, now) {
			return c.ID
		}
		c.Phase = PhaseClosed
	}

	id := a.nextID
	a.nextID++
	a.containers[id] = &Container{
		ID:        id,
		CreatedAt: now,
		FlushAt:   now.Add(a.config.Window),
		Encoded:   wire.ContainerOverhead,
		Phase:     PhaseOpen,
	}
	a.open = id
	return id
}

func (a *Assembler) exhaustedLocked(c *Container, now time.Time) bool {
	if a.config.SizeMax > 0 && c.Size >= a.config.SizeMax {
		return true
	}
	if a.config.FrameMax > 0 && c.Encoded+MemberCost(0) > a.config.FrameMax {
		return true
	}
	return !now.Before(c.FlushAt)
}

// Add appends messageID to the open container. size is the member's payload
// size, counted against the size budget. A message already held by another
// container moves to this one.
//
// A member that would push the encoded container past FrameMax closes the
// container instead and Add returns ErrContainerClosed; the caller retries in
// a fresh batch. A member too large for an empty container is rejected with
// ErrMemberTooLarge.
func (a *Assembler) Add(containerID, messageID uint64, size int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := a.containers[containerID]
	if c == nil || c.Phase != PhaseOpen {
		return fmt.Errorf("%w: %d", ErrContainerClosed, containerID)
	}
	prev, held := a.memberOf[messageID]
	if held && prev == containerID {
		return nil
	}

	cost := MemberCost(size)
	if a.config.FrameMax > 0 && c.Encoded+cost > a.config.FrameMax {
		if len(c.Members) == 0 {
			return fmt.Errorf("%w: %d byte payload, limit %d", ErrMemberTooLarge, size, a.config.FrameMax)
		}
		c.Phase = PhaseClosed
		return fmt.Errorf("%w: %d: frame limit reached", ErrContainerClosed, containerID)
	}
	if held {
		a.releaseLocked(messageID)
	}

	c.Members = append(c.Members, messageID)
	c.Size += size
	c.Encoded += cost
	a.memberOf[messageID] = containerID

	if a.config.SizeMax > 0 && c.Size >= a.config.SizeMax {
		c.Phase = PhaseClosed
	}
	return nil
}

// MemberCost is the number of bytes a request with a payloadSize-byte payload
// adds to an encoded container.
func MemberCost(payloadSize int) int {
	return wire.MemberOverhead + wire.HeaderSize + payloadSize
}

// Room returns how many more encoded bytes the container can take within
// FrameMax, or -1 when the frame size is unbounded.
func (a *Assembler) Room(containerID uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.config.FrameMax <= 0 {
		return -1
	}
	c := a.containers[containerID]
	if c == nil {
		return 0
	}
	return max(a.config.FrameMax-c.Encoded, 0)
}

// Expedite moves the open container's flush time to at if that is earlier.
func (a *Assembler) Expedite(containerID uint64, at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c := a.containers[containerID]; c != nil && c.Phase == PhaseOpen && at.Before(c.FlushAt) {
		c.FlushAt = at
	}
}

// Ready returns, in creation order, the containers that should be flushed now:
// every closed container plus the open one once its window has ended.
func (a *Assembler) Ready(now time.Time) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ids []uint64
	for id, c := range a.containers {
		switch {
		case c.Phase == PhaseClosed:
			ids = append(ids, id)
		case c.Phase == PhaseOpen && !now.Before(c.FlushAt):
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Flush finalizes a container and serializes it together with extra service
// frames (acks), which are placed first. Members that src no longer knows are
// dropped. The returned ids are the members actually written.
//
// A container left with no members is discarded and Flush returns a nil
// frame unless extra frames were given. Otherwise it moves into the sent map
// with ExpiresAt = now + Lifetime.
//
// A container whose encoding exceeds FrameMax is discarded; Flush returns
// the members it would have carried with wire.ErrFrameTooLarge.
func (a *Assembler) Flush(containerID uint64, now time.Time, src MessageSource, extra ...wire.Frame) ([]byte, []uint64, error) {
	a.mu.Lock()
	c := a.containers[containerID]
	if c == nil || c.Phase == PhaseSent {
		a.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %d", ErrContainerClosed, containerID)
	}
	if a.open == containerID {
		a.open = 0
	}
	c.Phase = PhaseClosed
	members := slices.Clone(c.Members)
	a.mu.Unlock()

	// resolve payloads without holding the lock; src may be another table
	frames := make([]wire.Frame, 0, len(extra)+len(members))
	frames = append(frames, extra...)
	written := make([]uint64, 0, len(members))
	for _, id := range members {
		f, ok := src.Frame(id)
		if !ok {
			continue
		}
		frames = append(frames, f)
		written = append(written, id)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, id := range members {
		if !slices.Contains(written, id) {
			a.releaseLocked(id)
		}
	}

	frame := wire.NewContainer(containerID, frames)
	if size := frame.Size(); a.config.FrameMax > 0 && size > a.config.FrameMax {
		a.discardLocked(containerID)
		return nil, written, fmt.Errorf("%w: container %d is %d bytes, limit %d",
			wire.ErrFrameTooLarge, containerID, size, a.config.FrameMax)
	}

	if len(written) == 0 {
		a.discardLocked(containerID)
		if len(extra) == 0 {
			return nil, nil, nil
		}
	} else {
		c.Phase = PhaseSent
		c.ExpiresAt = now.Add(a.config.Lifetime)
	}
	return frame.Encode(), written, nil
}

// Release removes a message from whatever container holds it. Called when a
// message is acknowledged, cancelled or abandoned. A sent container left
// with no members is dropped from the sent map.
func (a *Assembler) Release(messageID uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseLocked(messageID)
}

func (a *Assembler) releaseLocked(messageID uint64) {
	cid, ok := a.memberOf[messageID]
	if !ok {
		return
	}
	delete(a.memberOf, messageID)

	c := a.containers[cid]
	if c == nil {
		return
	}
	if i := slices.Index(c.Members, messageID); i >= 0 {
		c.Members = slices.Delete(c.Members, i, i+1)
	}
	if c.Phase == PhaseSent && len(c.Members) == 0 {
		delete(a.containers, cid)
	}
}

func (a *Assembler) discardLocked(containerID uint64) {
	c := a.containers[containerID]
	if c == nil {
		return
	}
	for _, id := range c.Members {
		if a.memberOf[id] == containerID {
			delete(a.memberOf, id)
		}
	}
	delete(a.containers, containerID)
	if a.open == containerID {
		a.open = 0
	}
}

// Sweep purges sent containers at or past ExpiresAt and returns their
// remaining members, which revert to independent tracking. Each member is
// returned once: it no longer belongs to any container afterwards.
func (a *Assembler) Sweep(now time.Time) []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var expired []uint64
	for id, c := range a.containers {
		if c.Phase == PhaseSent && !now.Before(c.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	slices.Sort(expired)

	var members []uint64
	for _, id := range expired {
		members = append(members, a.containers[id].Members...)
		a.discardLocked(id)
	}
	return members
}

// DropUnsent discards the open and closed containers, returning their members.
// Used when the connection is lost before they could be flushed.
func (a *Assembler) DropUnsent() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ids []uint64
	for id, c := range a.containers {
		if c.Phase != PhaseSent {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	var members []uint64
	for _, id := range ids {
		members = append(members, a.containers[id].Members...)
		a.discardLocked(id)
	}
	return members
}

// Get returns a snapshot of a container.
func (a *Assembler) Get(containerID uint64) (Container, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.containers[containerID]
	if !ok {
		return Container{}, false
	}
	snapshot := *c
	snapshot.Members = slices.Clone(c.Members)
	return snapshot, true
}

// ContainerOf returns the container currently holding messageID.
func (a *Assembler) ContainerOf(messageID uint64) (uint64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.memberOf[messageID]
	return id, ok
}

// SentLen returns the number of containers in the sent map.
func (a *Assembler) SentLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for _, c := range a.containers {
		if c.Phase == PhaseSent {
			n++
		}
	}
	return n
}
