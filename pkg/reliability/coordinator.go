// Package reliability decides, tick by tick, what to do about outgoing
// messages that have not been acknowledged and when to send acknowledgements
// for inbound ones.
//
// For each due message the Coordinator either resends the payload outright
// (small payloads, below the resend threshold) or asks the peer whether it
// already has the message with a batched state query. Every such cycle
// counts against the message's resend budget; a message that comes due again
// after the budget is spent is abandoned and surfaces as a delivery failure.
//
// The Coordinator performs no I/O. It mutates the tracking table and returns
// Actions for the session to carry out.
package reliability

import (
	"slices"
	"time"

	"github.com/backkem/mtsession/pkg/policy"
	"github.com/backkem/mtsession/pkg/tracking"
	"github.com/backkem/mtsession/pkg/wire"
	"github.com/pion/logging"
)

// Actions is the outcome of one Tick.
type Actions struct {
	// Resend lists messages to retransmit. They are already marked Resent.
	Resend []uint64

	// StateQuery lists messages to include in one state query, or nil when
	// the batching window has not ended yet.
	StateQuery []uint64

	// Abandoned lists messages that exhausted their budget this tick.
	Abandoned []uint64
}

// Empty returns true when there is nothing to do.
func (a Actions) Empty() bool {
	return len(a.Resend) == 0 && len(a.StateQuery) == 0 && len(a.Abandoned) == 0
}

// Config configures a Coordinator.
type Config struct {
	Policy *policy.Policy
	Table  *tracking.Table

	// LoggerFactory is the factory for creating loggers.
	// If nil, logging is disabled.
	LoggerFactory logging.LoggerFactory
}

// Coordinator is the resend half of the reliability layer. It is not
// thread-safe; the session loop is its only caller.
type Coordinator struct {
	policy *policy.Policy
	table  *tracking.Table
	log    logging.LeveledLogger

	// queued holds ids waiting for the next state query, in due order.
	queued      []uint64
	queuedSince time.Time
}

// NewCoordinator creates a coordinator over table.
func NewCoordinator(config Config) *Coordinator {
	c := &Coordinator{
		policy: config.Policy,
		table:  config.Table,
	}
	if config.LoggerFactory != nil {
		c.log = config.LoggerFactory.NewLogger("reliability")
	}
	return c
}

// Tick examines messages due at now.
func (c *Coordinator) Tick(now time.Time) Actions {
	var out Actions
	budget := c.policy.MaxResendAttempts()
	threshold := c.policy.ResendThreshold()

	for id := range c.table.DueForAction(now) {
		m, ok := c.table.Get(id)
		if !ok {
			continue
		}

		if m.Attempts >= budget {
			c.dequeue(id)
			c.table.Abandon(id, tracking.ErrAttemptsExhausted)
			out.Abandoned = append(out.Abandoned, id)
			if c.log != nil {
				c.log.Warnf("message %d abandoned after %d attempts", id, m.Attempts)
			}
			continue
		}

		if _, err := c.table.Retry(id, now); err != nil {
			continue
		}

		if m.PayloadSize < threshold {
			c.dequeue(id)
			c.table.MarkResent(id)
			out.Resend = append(out.Resend, id)
			if c.log != nil {
				c.log.Debugf("message %d (%d bytes) due, resending", id, m.PayloadSize)
			}
			continue
		}

		if !slices.Contains(c.queued, id) {
			if len(c.queued) == 0 {
				c.queuedSince = now
			}
			c.queued = append(c.queued, id)
		}
		if c.log != nil {
			c.log.Debugf("message %d (%d bytes) due, queued for state query", id, m.PayloadSize)
		}
	}

	if len(c.queued) > 0 && !now.Before(c.queuedSince.Add(c.policy.ResendWaiting())) {
		out.StateQuery = c.queued
		c.queued = nil
	}
	return out
}

// HandleStateInfo applies a peer's answer to a state query. Messages the peer
// reports as received are acknowledged; the rest are marked for outright
// resend and returned.
func (c *Coordinator) HandleStateInfo(ids []uint64, states []wire.MessageState) (acked, resend []uint64) {
	for i, id := range ids {
		if i >= len(states) {
			break
		}
		if _, ok := c.table.Get(id); !ok {
			continue
		}
		if states[i].Received() {
			c.table.MarkAcked(id)
			acked = append(acked, id)
			continue
		}
		c.table.MarkResent(id)
		resend = append(resend, id)
		if c.log != nil {
			c.log.Debugf("peer reports message %d as %s, resending", id, states[i])
		}
	}
	return acked, resend
}

// HandleResendRequest marks the tracked messages among ids for immediate resend.
func (c *Coordinator) HandleResendRequest(ids []uint64) []uint64 {
	var resend []uint64
	for _, id := range ids {
		if err := c.table.MarkResent(id); err == nil {
			c.dequeue(id)
			resend = append(resend, id)
		}
	}
	return resend
}

// ResendAll marks every in-flight message for resend without consuming
// budget. Used after a reconnect or when the peer starts a new session.
func (c *Coordinator) ResendAll() []uint64 {
	c.queued = nil
	var resend []uint64
	for id := range c.table.InFlight() {
		if err := c.table.MarkResent(id); err == nil {
			resend = append(resend, id)
		}
	}
	return resend
}

// Forget drops any queued state query for id.
func (c *Coordinator) Forget(id uint64) {
	c.dequeue(id)
}

// QueuedStateQueries returns the number of ids waiting for a state query.
func (c *Coordinator) QueuedStateQueries() int {
	return len(c.queued)
}

func (c *Coordinator) dequeue(id uint64) {
	if i := slices.Index(c.queued, id); i >= 0 {
		c.queued = slices.Delete(c.queued, i, i+1)
	}
}
