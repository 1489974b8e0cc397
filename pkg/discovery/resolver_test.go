package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestStaticResolver(t *testing.T) {
	addr, err := Static("127.0.0.1:7400").Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if addr != "127.0.0.1:7400" {
		t.Errorf("addr = %q", addr)
	}
	if _, err := Static("").Resolve(context.Background()); !errors.Is(err, ErrNoAddresses) {
		t.Errorf("empty err = %v, want ErrNoAddresses", err)
	}
}

func newMockMDNS(t *testing.T, config MDNSConfig) (*MDNS, *MockMDNSResolver) {
	t.Helper()
	mock := NewMockMDNSResolver()
	config.MDNSResolver = mock
	if config.Timeout == 0 {
		config.Timeout = 200 * time.Millisecond
	}
	m, err := NewMDNS(config)
	if err != nil {
		t.Fatalf("NewMDNS failed: %v", err)
	}
	return m, mock
}

func TestMDNSResolveFirstUsable(t *testing.T) {
	m, mock := newMockMDNS(t, MDNSConfig{})

	noPort := MockService("broken", 0, net.ParseIP("192.168.1.9"), ServiceTXT{})
	mock.RegisterService(DefaultService, noPort)
	mock.RegisterService(DefaultService, MockService("peer-a", 7400, net.ParseIP("192.168.1.10"), ServiceTXT{Version: 1}))

	addr, err := m.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if addr != "192.168.1.10:7400" {
		t.Errorf("addr = %q, want 192.168.1.10:7400", addr)
	}
}

func TestMDNSResolveInstance(t *testing.T) {
	m, mock := newMockMDNS(t, MDNSConfig{Instance: "peer-b"})
	mock.RegisterService(DefaultService, MockService("peer-a", 7400, net.ParseIP("10.0.0.1"), ServiceTXT{}))
	mock.RegisterService(DefaultService, MockService("peer-b", 7401, net.ParseIP("fd00::2"), ServiceTXT{}))

	addr, err := m.Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if addr != "[fd00::2]:7401" {
		t.Errorf("addr = %q, want [fd00::2]:7401", addr)
	}
}

func TestMDNSResolveTimeout(t *testing.T) {
	m, _ := newMockMDNS(t, MDNSConfig{Timeout: 20 * time.Millisecond})

	if _, err := m.Resolve(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Errorf("Resolve err = %v, want ErrTimeout", err)
	}

	m2, _ := newMockMDNS(t, MDNSConfig{Instance: "missing", Timeout: 20 * time.Millisecond})
	if _, err := m2.Resolve(context.Background()); !errors.Is(err, ErrTimeout) {
		t.Errorf("Lookup err = %v, want ErrTimeout", err)
	}
}

func TestMDNSBrowse(t *testing.T) {
	m, mock := newMockMDNS(t, MDNSConfig{})
	mock.RegisterService(DefaultService, MockService("peer-a", 7400, net.ParseIP("10.0.0.1"), ServiceTXT{Version: 1, Transport: "tcp"}))
	mock.RegisterService(DefaultService, MockService("peer-b", 7401, net.ParseIP("10.0.0.2"), ServiceTXT{Version: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	results, err := m.Browse(ctx)
	if err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	var names []string
	for svc := range results {
		names = append(names, svc.InstanceName)
		if svc.InstanceName == "peer-a" {
			txt, err := DecodeServiceTXT(svc.Text)
			if err != nil {
				t.Fatalf("DecodeServiceTXT failed: %v", err)
			}
			if txt.Transport != "tcp" || txt.Version != 1 {
				t.Errorf("txt = %+v", txt)
			}
		}
	}
	if len(names) != 2 || names[0] != "peer-a" || names[1] != "peer-b" {
		t.Errorf("names = %v", names)
	}
}
