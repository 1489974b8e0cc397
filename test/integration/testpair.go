// Package integration runs sessions against the reference peer end to end.
package integration

import (
	"context"
	"testing"
	"time"

	"github.com/backkem/mtsession/pkg/peer"
	"github.com/backkem/mtsession/pkg/policy"
	"github.com/backkem/mtsession/pkg/session"
	"github.com/backkem/mtsession/pkg/transport"
	"github.com/pion/logging"
)

// PeerAddress is the in-memory address the peer listens on.
const PeerAddress = "peer"

// FastPolicy scales the production timers down so recovery paths run in
// well under a second.
func FastPolicy() policy.Config {
	return policy.Config{
		ResendTimeout:        300 * time.Millisecond,
		ResendWaiting:        20 * time.Millisecond,
		AckSendWaiting:       50 * time.Millisecond,
		ContainerLifetime:    5 * time.Second,
		MinReceiveDelay:      time.Second,
		MaxReceiveDelay:      4 * time.Second,
		MinConnectDelay:      100 * time.Millisecond,
		MaxConnectDelay:      400 * time.Millisecond,
		ConnectionOldTimeout: 10 * time.Second,
		PingDelayDisconnect:  5 * time.Second,
		PingSendAfterAuto:    2 * time.Second,
		PingSendAfter:        3 * time.Second,
	}
}

// TestPairConfig configures NewTestPair.
type TestPairConfig struct {
	// Policy overrides FastPolicy when non-nil.
	Policy *policy.Config

	// Condition applies to every link of the network.
	Condition transport.NetworkCondition

	// PeerResendTimeout is the peer's retransmission timeout. Default: 500ms.
	PeerResendTimeout time.Duration

	// Faults are injected into the peer from the start.
	Faults peer.Faults

	// Queue is the session's queue policy.
	Queue session.QueuePolicy
}

// TestPair is a session connected to a reference peer over an in-memory
// network.
type TestPair struct {
	Network *transport.Network
	Peer    *peer.Server
	Session *session.Session
	Policy  *policy.Policy

	cancel context.CancelFunc
}

// NewTestPair starts a peer and a session dialing it. The pair is closed by
// t.Cleanup.
func NewTestPair(t *testing.T, config TestPairConfig) *TestPair {
	t.Helper()

	pc := FastPolicy()
	if config.Policy != nil {
		pc = *config.Policy
	}
	p, err := policy.New(pc)
	if err != nil {
		t.Fatalf("policy.New failed: %v", err)
	}
	if config.PeerResendTimeout == 0 {
		config.PeerResendTimeout = 500 * time.Millisecond
	}

	lf := logging.NewDefaultLoggerFactory()
	n := transport.NewNetwork(transport.NetworkConfig{
		Condition:     config.Condition,
		MaxFrameSize:  p.PacketSizeMax(),
		LoggerFactory: lf,
	})
	l, err := n.Listen(PeerAddress)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	srv, err := peer.New(peer.Config{
		Listener:      l,
		Policy:        p,
		ResendTimeout: config.PeerResendTimeout,
		TickInterval:  10 * time.Millisecond,
		Faults:        config.Faults,
		LoggerFactory: lf,
	})
	if err != nil {
		t.Fatalf("peer.New failed: %v", err)
	}
	go srv.Serve()

	s, err := session.New(session.Config{
		Policy:        p,
		Transport:     n,
		Address:       PeerAddress,
		Queue:         config.Queue,
		TickInterval:  10 * time.Millisecond,
		LoggerFactory: lf,
	})
	if err != nil {
		t.Fatalf("session.New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	pair := &TestPair{Network: n, Peer: srv, Session: s, Policy: p, cancel: cancel}
	t.Cleanup(pair.Close)
	return pair
}

// Close tears the pair down.
func (p *TestPair) Close() {
	p.Session.Close()
	p.cancel()
	p.Peer.Close()
	p.Network.Close()
}

// Request submits payload and waits up to timeout for the response.
func (p *TestPair) Request(t *testing.T, payload []byte, timeout time.Duration) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	h, err := p.Session.Submit(ctx, payload)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	resp, err := p.Session.OnResponse(h).Wait(ctx)
	if err != nil {
		t.Fatalf("request %d failed: %v", h.ID(), err)
	}
	return resp
}

// WaitConnected waits for the session to reach Connected.
func (p *TestPair) WaitConnected(t *testing.T, timeout time.Duration) {
	t.Helper()
	WaitFor(t, timeout, "session connected", func() bool {
		return p.Session.ConnectionState().Phase.CanSend()
	})
}

// WaitFor polls cond until it holds or timeout passes.
func WaitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
