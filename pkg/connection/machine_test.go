package connection

import (
	"testing"
	"time"

	"github.com/backkem/mtsession/pkg/policy"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestMachine(t *testing.T, cfg policy.Config) *Machine {
	t.Helper()
	p, err := policy.New(cfg)
	if err != nil {
		t.Fatalf("policy.New failed: %v", err)
	}
	return NewMachine(p)
}

func connected(t *testing.T, m *Machine, now time.Time) {
	t.Helper()
	if a := m.Start(now); !a.Dial {
		t.Fatalf("Start actions = %+v, want Dial", a)
	}
	m.ConnectSucceeded(now)
	if m.State().Phase != PhaseConnected {
		t.Fatalf("phase = %s, want Connected", m.State().Phase)
	}
}

func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseDisconnected, "Disconnected"},
		{PhaseConnecting, "Connecting"},
		{PhaseConnected, "Connected"},
		{PhaseDegraded, "Degraded"},
		{Phase(42), "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
	if !PhaseDegraded.CanSend() || PhaseConnecting.CanSend() {
		t.Error("CanSend mismatch")
	}
}

func TestStartConnects(t *testing.T) {
	m := newTestMachine(t, policy.Config{})
	if m.State().Phase != PhaseDisconnected {
		t.Fatalf("initial phase = %s", m.State().Phase)
	}

	a := m.Start(t0)
	if !a.Dial || a.Close {
		t.Errorf("actions = %+v, want Dial only", a)
	}
	s := m.State()
	if s.Phase != PhaseConnecting || s.Attempt != 1 || s.Delay != time.Second {
		t.Errorf("state = %s, want Connecting(attempt=1, delay=1s)", s)
	}

	if a := m.Start(t0); a.Dial {
		t.Error("Start while connecting should not dial again")
	}

	m.ConnectSucceeded(t0.Add(100 * time.Millisecond))
	s = m.State()
	if s.Phase != PhaseConnected || !s.LastReceiveAt.Equal(t0.Add(100*time.Millisecond)) {
		t.Errorf("state = %+v, want Connected(now, now)", s)
	}
}

func TestConnectBackoff(t *testing.T) {
	m := newTestMachine(t, policy.Config{
		MinConnectDelay: 1000 * time.Millisecond,
		MaxConnectDelay: 8000 * time.Millisecond,
	})

	now := t0
	m.Start(now)

	var delays []time.Duration
	for i := 0; i < 5; i++ {
		s := m.State()
		delays = append(delays, s.Delay)
		if s.Attempt != i+1 {
			t.Fatalf("attempt = %d, want %d", s.Attempt, i+1)
		}

		m.ConnectFailed(now.Add(10 * time.Millisecond))
		if a := m.Tick(now.Add(s.Delay - time.Millisecond)); a.Dial {
			t.Fatalf("attempt %d redialled before its delay elapsed", i+1)
		}
		now = now.Add(s.Delay)
		a := m.Tick(now)
		if !a.Dial {
			t.Fatalf("attempt %d: Tick at window end = %+v, want Dial", i+1, a)
		}
		if a.Close {
			t.Errorf("attempt %d: failed dial should not need closing", i+1)
		}
	}

	want := []time.Duration{1000, 2000, 4000, 8000, 8000}
	for i, d := range delays {
		if d != want[i]*time.Millisecond {
			t.Errorf("delay[%d] = %v, want %v", i, d, want[i]*time.Millisecond)
		}
		if i > 0 && d < delays[i-1] {
			t.Errorf("delay[%d] = %v decreased from %v", i, d, delays[i-1])
		}
	}
}

func TestConnectTimeoutCancelsDial(t *testing.T) {
	m := newTestMachine(t, policy.Config{})
	m.Start(t0)

	a := m.Tick(t0.Add(time.Second))
	if !a.Close || !a.Dial || a.Reason != ReasonConnectTimeout {
		t.Errorf("actions = %+v, want Close+Dial connect_timeout", a)
	}
	if s := m.State(); s.Attempt != 2 || s.Delay != 2*time.Second {
		t.Errorf("state = %s, want attempt 2 delay 2s", s)
	}
}

func TestNextConnectDelay(t *testing.T) {
	maxDelay := 8 * time.Second
	d := time.Second
	for i := 0; i < 10; i++ {
		next := NextConnectDelay(d, maxDelay)
		if next < d || next > maxDelay {
			t.Fatalf("NextConnectDelay(%v) = %v", d, next)
		}
		d = next
	}
	if d != maxDelay {
		t.Errorf("delay = %v, want cap %v", d, maxDelay)
	}
}

func TestPingTimeoutDisconnects(t *testing.T) {
	m := newTestMachine(t, policy.Config{PingDelayDisconnect: 60 * time.Second})
	connected(t, m, t0)

	// idle keepalive fires after PingSendAfterAuto
	pingAt := t0.Add(policy.DefaultPingSendAfterAuto)
	a := m.Tick(pingAt)
	if !a.Ping {
		t.Fatalf("Tick = %+v, want Ping", a)
	}
	m.Sent(pingAt)

	if a := m.Tick(pingAt.Add(59 * time.Second)); a.Close {
		t.Fatalf("disconnected before the ping window ended")
	}
	a = m.Tick(pingAt.Add(60 * time.Second))
	if !a.Close || a.Reason != ReasonPingTimeout {
		t.Errorf("actions = %+v, want Close ping_timeout", a)
	}
	if m.State().Phase != PhaseDisconnected {
		t.Errorf("phase = %s, want Disconnected", m.State().Phase)
	}

	// the next tick reconnects
	if a := m.Tick(pingAt.Add(61 * time.Second)); !a.Dial {
		t.Errorf("Tick after disconnect = %+v, want Dial", a)
	}
}

func TestPongClearsPing(t *testing.T) {
	m := newTestMachine(t, policy.Config{})
	connected(t, m, t0)

	pingAt := t0.Add(30 * time.Second)
	a := m.Tick(pingAt)
	if !a.Ping {
		t.Fatalf("Tick = %+v, want Ping", a)
	}

	m.PongReceived(a.PingID+1, pingAt.Add(time.Second))
	if !m.PingOutstanding() {
		t.Error("mismatched pong should be ignored")
	}
	m.Received(pingAt.Add(time.Second))
	m.PongReceived(a.PingID, pingAt.Add(time.Second))
	if m.PingOutstanding() {
		t.Error("pong should clear the outstanding ping")
	}
	if a := m.Tick(pingAt.Add(90 * time.Second)); a.Close {
		t.Error("answered ping must not disconnect")
	}
}

func TestReceiveWaitEscalates(t *testing.T) {
	m := newTestMachine(t, policy.Config{
		MinReceiveDelay: 4 * time.Second,
		MaxReceiveDelay: 16 * time.Second,
	})
	connected(t, m, t0)

	m.Sent(t0)
	if a := m.Tick(t0.Add(3 * time.Second)); a.Ping {
		t.Fatal("pinged before the receive wait elapsed")
	}
	a := m.Tick(t0.Add(4 * time.Second))
	if !a.Ping {
		t.Fatalf("Tick = %+v, want Ping on receive silence", a)
	}
	if m.ReceiveWait() != 8*time.Second {
		t.Errorf("ReceiveWait() = %v, want 8s", m.ReceiveWait())
	}

	// fast pong tightens the wait back to the minimum
	m.Received(t0.Add(4100 * time.Millisecond))
	m.PongReceived(a.PingID, t0.Add(4100*time.Millisecond))
	if m.ReceiveWait() != 4*time.Second {
		t.Errorf("ReceiveWait() = %v, want 4s", m.ReceiveWait())
	}
}

func TestReceiveWaitCapped(t *testing.T) {
	m := newTestMachine(t, policy.Config{
		MinReceiveDelay: 4 * time.Second,
		MaxReceiveDelay: 8 * time.Second,
	})
	connected(t, m, t0)
	m.Sent(t0)

	now := t0
	for i := 0; i < 4; i++ {
		now = now.Add(m.ReceiveWait())
		a := m.Tick(now)
		if a.Ping {
			m.PongReceived(a.PingID, now.Add(7*time.Second))
		}
	}
	if m.ReceiveWait() != 8*time.Second {
		t.Errorf("ReceiveWait() = %v, want cap 8s", m.ReceiveWait())
	}
}

func TestStaleConnectionRecycled(t *testing.T) {
	m := newTestMachine(t, policy.Config{
		ConnectionOldTimeout: 192 * time.Second,
		PingDelayDisconnect:  time.Hour,
	})
	connected(t, m, t0)

	now := t0
	for now.Before(t0.Add(191 * time.Second)) {
		now = now.Add(time.Second)
		a := m.Tick(now)
		if a.Ping {
			m.Sent(now)
		}
	}
	if m.State().Phase != PhaseConnected {
		t.Fatalf("phase = %s, want Connected", m.State().Phase)
	}

	m.Tick(t0.Add(192 * time.Second))
	s := m.State()
	if s.Phase != PhaseDegraded || !s.IdleSince.Equal(t0) {
		t.Fatalf("state = %s, want Degraded(idleSince=t0)", s)
	}

	a := m.Tick(t0.Add(193 * time.Second))
	if !a.Close || !a.Dial || a.Reason != ReasonStale {
		t.Errorf("actions = %+v, want recycle", a)
	}
	if m.State().Phase != PhaseConnecting {
		t.Errorf("phase = %s, want Connecting", m.State().Phase)
	}
}

func TestDegradedRecoversOnReceive(t *testing.T) {
	m := newTestMachine(t, policy.Config{PingDelayDisconnect: time.Hour})
	connected(t, m, t0)
	m.Tick(t0.Add(policy.DefaultConnectionOldTimeout))
	if m.State().Phase != PhaseDegraded {
		t.Fatalf("phase = %s, want Degraded", m.State().Phase)
	}
	m.Received(t0.Add(policy.DefaultConnectionOldTimeout + time.Millisecond))
	if m.State().Phase != PhaseConnected {
		t.Errorf("phase = %s, want Connected", m.State().Phase)
	}
}

func TestTransportFailed(t *testing.T) {
	m := newTestMachine(t, policy.Config{})
	connected(t, m, t0)

	a := m.TransportFailed(t0.Add(time.Second))
	if !a.Close || a.Reason != ReasonTransportError {
		t.Errorf("actions = %+v, want Close transport_error", a)
	}
	if m.State().Phase != PhaseDisconnected {
		t.Errorf("phase = %s, want Disconnected", m.State().Phase)
	}
}

func TestStopDisablesReconnect(t *testing.T) {
	m := newTestMachine(t, policy.Config{})
	connected(t, m, t0)

	if a := m.Stop(); !a.Close || a.Reason != ReasonStopped {
		t.Errorf("Stop = %+v", a)
	}
	if a := m.Tick(t0.Add(time.Minute)); a.Dial {
		t.Error("stopped machine must not reconnect")
	}

	a := m.Reconnect(t0.Add(2 * time.Minute))
	if !a.Dial || m.State().Attempt != 1 {
		t.Errorf("Reconnect = %+v state %s", a, m.State())
	}
}

func TestStaleConnectSuccessIsClosed(t *testing.T) {
	m := newTestMachine(t, policy.Config{})
	if a := m.ConnectSucceeded(t0); !a.Close {
		t.Errorf("ConnectSucceeded while Disconnected = %+v, want Close", a)
	}
}
