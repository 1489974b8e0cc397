package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg, Config{SessionID: "s1"})

	c.RequestSubmitted()
	c.RequestSubmitted()
	c.MessageAcked()
	c.MessageResent(ResendOutright, 3)
	c.MessageResent(ResendStateQuery, 1)
	c.MessageResent(ResendReconnect, 0)
	c.MessageFailed()
	c.ConnectAttempt(ConnectOK)
	c.ConnectAttempt(ConnectFailed)
	c.ConnectAttempt(ConnectFailed)
	c.SetInFlight(7)
	c.SetPhase(2)
	c.ObserveRoundTrip(20 * time.Millisecond)

	if got := testutil.ToFloat64(c.Submitted); got != 2 {
		t.Errorf("submitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.Acked); got != 1 {
		t.Errorf("acked = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Resent.WithLabelValues(ResendOutright)); got != 3 {
		t.Errorf("resent outright = %v, want 3", got)
	}
	if got := testutil.ToFloat64(c.Resent.WithLabelValues(ResendStateQuery)); got != 1 {
		t.Errorf("resent state_query = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ConnectAttempts.WithLabelValues(ConnectFailed)); got != 2 {
		t.Errorf("connect failed = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.InFlight); got != 7 {
		t.Errorf("in flight = %v, want 7", got)
	}
	if got := testutil.ToFloat64(c.ConnectionPhase); got != 2 {
		t.Errorf("phase = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(c.RoundTrip); got != 1 {
		t.Errorf("round trip series = %d, want 1", got)
	}
}

func TestCollectorExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg, Config{Namespace: "client"})
	c.MessageFailed()

	want := `
# HELP client_requests_failed_total Tracked messages abandoned after exhausting their budget.
# TYPE client_requests_failed_total counter
client_requests_failed_total 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(want), "client_requests_failed_total"); err != nil {
		t.Errorf("GatherAndCompare failed: %v", err)
	}
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.RequestSubmitted()
	c.MessageAcked()
	c.MessageResent(ResendOutright, 1)
	c.MessageFailed()
	c.ContainerFlushed()
	c.ContainerExpired(1)
	c.AcksFlushed(1)
	c.PingSent()
	c.UpdateReceived()
	c.ConnectAttempt(ConnectTimeout)
	c.SetInFlight(1)
	c.SetPhase(1)
	c.ObserveRoundTrip(time.Second)
}
