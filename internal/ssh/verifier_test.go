package ssh

import (
	"context"
	"testing"
	"time"
)

func TestNewProber(t *testing.T) {
	p := NewProber()

	if p.probeTimeout != DefaultProbeTimeout {
		t.Errorf("expected default probe timeout %v, got %v", DefaultProbeTimeout, p.probeTimeout)
	}
	if p.checkInterval != DefaultCheckInterval {
		t.Errorf("expected default check interval %v, got %v", DefaultCheckInterval, p.checkInterval)
	}
	if p.connectTimeout != DefaultConnectTimeout {
		t.Errorf("expected default connect timeout %v, got %v", DefaultConnectTimeout, p.connectTimeout)
	}
}

func TestNewProberWithOptions(t *testing.T) {
	p := NewProber(
		WithProbeTimeout(1*time.Minute),
		WithCheckInterval(5*time.Second),
		WithConnectTimeout(10*time.Second),
	)

	if p.probeTimeout != 1*time.Minute {
		t.Errorf("expected probe timeout 1m, got %v", p.probeTimeout)
	}
	if p.checkInterval != 5*time.Second {
		t.Errorf("expected check interval 5s, got %v", p.checkInterval)
	}
	if p.connectTimeout != 10*time.Second {
		t.Errorf("expected connect timeout 10s, got %v", p.connectTimeout)
	}
}

func TestProbe_ValidationErrors(t *testing.T) {
	p := NewProber()
	ctx := context.Background()

	tests := []struct {
		name       string
		host       string
		port       int
		user       string
		privateKey string
	}{
		{"empty host", "", 22, "root", "key"},
		{"invalid port", "localhost", 0, "root", "key"},
		{"empty user", "localhost", 22, "", "key"},
		{"empty private key", "localhost", 22, "root", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Probe(ctx, tt.host, tt.port, tt.user, tt.privateKey)
			if err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestProbeOnce_ValidationErrors(t *testing.T) {
	p := NewProber()
	ctx := context.Background()

	if err := p.ProbeOnce(ctx, "", 22, "root", "key"); err == nil {
		t.Error("expected error for empty host")
	}
	if err := p.ProbeOnce(ctx, "localhost", 0, "root", "key"); err == nil {
		t.Error("expected error for invalid port")
	}
	if err := p.ProbeOnce(ctx, "localhost", 22, "", "key"); err == nil {
		t.Error("expected error for empty user")
	}
	if err := p.ProbeOnce(ctx, "localhost", 22, "root", ""); err == nil {
		t.Error("expected error for empty private key")
	}
}

func TestProbe_ContextCancellation(t *testing.T) {
	p := NewProber(
		WithProbeTimeout(10*time.Second),
		WithCheckInterval(100*time.Millisecond),
		WithConnectTimeout(100*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := p.Probe(ctx, "localhost", 22, "root", "invalid-key")
	if err == nil {
		t.Error("expected error on cancelled context")
	}
	if result == nil {
		t.Fatal("expected result even on error")
	}
	if result.Success {
		t.Error("expected Success to be false")
	}
}

func TestProbe_InvalidPrivateKey(t *testing.T) {
	p := NewProber(
		WithProbeTimeout(1*time.Second),
		WithCheckInterval(100*time.Millisecond),
		WithConnectTimeout(100*time.Millisecond),
	)

	ctx := context.Background()

	result, err := p.Probe(ctx, "localhost", 22, "root", "not-a-valid-key")
	if err == nil {
		t.Error("expected error for invalid key")
	}
	if result == nil {
		t.Fatal("expected result even on error")
	}
	if result.Success {
		t.Error("expected Success to be false")
	}
}

func TestProbeOnce_InvalidPrivateKey(t *testing.T) {
	p := NewProber(WithConnectTimeout(100 * time.Millisecond))
	ctx := context.Background()

	if err := p.ProbeOnce(ctx, "localhost", 22, "root", "not-a-valid-key"); err == nil {
		t.Error("expected error for invalid key")
	}
}
