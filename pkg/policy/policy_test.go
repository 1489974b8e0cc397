package policy

import (
	"errors"
	"testing"
	"time"

	"github.com/backkem/mtsession/pkg/settings"
)

func TestDefault(t *testing.T) {
	p := Default()

	if p.ResendTimeout() != 10*time.Second {
		t.Errorf("ResendTimeout() = %v, want 10s", p.ResendTimeout())
	}
	if p.MinConnectDelay() != time.Second || p.MaxConnectDelay() != 8*time.Second {
		t.Errorf("connect delays = %v..%v, want 1s..8s", p.MinConnectDelay(), p.MaxConnectDelay())
	}
	if p.PingDelayDisconnect() != 60*time.Second {
		t.Errorf("PingDelayDisconnect() = %v, want 60s", p.PingDelayDisconnect())
	}
	if p.IdsBufferSize() != 400 {
		t.Errorf("IdsBufferSize() = %d, want 400", p.IdsBufferSize())
	}
	if err := p.Config().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	p, err := New(Config{ResendTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if p.ResendTimeout() != 2*time.Second {
		t.Errorf("ResendTimeout() = %v, want 2s", p.ResendTimeout())
	}
	if p.ContainerLifetime() != DefaultContainerLifetime {
		t.Errorf("ContainerLifetime() = %v, want default", p.ContainerLifetime())
	}
	if p.ResendThreshold() != DefaultResendThreshold {
		t.Errorf("ResendThreshold() = %d, want %d", p.ResendThreshold(), DefaultResendThreshold)
	}
}

func TestResendThreshold(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"zero takes default", 0, DefaultResendThreshold},
		{"explicit", 512, 512},
		{"outright resends disabled", NeverResendOutright, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(Config{ResendThreshold: tt.in})
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if got := p.ResendThreshold(); got != tt.want {
				t.Errorf("ResendThreshold() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNewRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative resend timeout", Config{ResendTimeout: -time.Second}},
		{"negative threshold", Config{ResendThreshold: -2}},
		{"connect bounds inverted", Config{MinConnectDelay: 9 * time.Second, MaxConnectDelay: 8 * time.Second}},
		{"receive bounds inverted", Config{MinReceiveDelay: time.Minute, MaxReceiveDelay: time.Second}},
		{"negative attempts", Config{MaxResendAttempts: -3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if !errors.Is(err, ErrInvalidPolicy) {
				t.Errorf("err = %v, want ErrInvalidPolicy", err)
			}
		})
	}
}

func TestMaxResendAttempts(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want int
	}{
		{"derived from defaults", Config{}, 19},
		{"explicit", Config{MaxResendAttempts: 3}, 3},
		{"horizon shorter than timeout", Config{ConnectionOldTimeout: time.Second, ResendTimeout: 10 * time.Second}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if got := p.MaxResendAttempts(); got != tt.want {
				t.Errorf("MaxResendAttempts() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	store := settings.MapStore{
		"mtproto.resend_timeout":      "2500",
		"mtproto.ping_send_after":     "20s",
		"mtproto.resend_threshold":    "64",
		"mtproto.max_resend_attempts": "4",
		"other.resend_timeout":        "1ms",
	}

	p, err := Load(store, "mtproto")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if p.ResendTimeout() != 2500*time.Millisecond {
		t.Errorf("ResendTimeout() = %v, want 2.5s", p.ResendTimeout())
	}
	if p.PingSendAfter() != 20*time.Second {
		t.Errorf("PingSendAfter() = %v, want 20s", p.PingSendAfter())
	}
	if p.ResendThreshold() != 64 {
		t.Errorf("ResendThreshold() = %d, want 64", p.ResendThreshold())
	}
	if p.MaxResendAttempts() != 4 {
		t.Errorf("MaxResendAttempts() = %d, want 4", p.MaxResendAttempts())
	}
	if p.AckSendWaiting() != DefaultAckSendWaiting {
		t.Errorf("AckSendWaiting() = %v, want default", p.AckSendWaiting())
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name  string
		store settings.MapStore
	}{
		{"bad duration", settings.MapStore{"resend_timeout": "soon"}},
		{"bad int", settings.MapStore{"ids_buffer_size": "many"}},
		{"inverted bounds", settings.MapStore{"min_connect_delay": "10s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.store, ""); !errors.Is(err, ErrInvalidPolicy) {
				t.Errorf("err = %v, want ErrInvalidPolicy", err)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"1000", time.Second},
		{" 250 ", 250 * time.Millisecond},
		{"1m30s", 90 * time.Second},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if err != nil {
			t.Fatalf("ParseDuration(%q) failed: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
