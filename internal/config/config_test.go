package config

import (
	"strings"
	"testing"
	"time"
)

const testKey = "000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f"

func validConfig() *Config {
	c := Load()
	c.MasterKeyHex = testKey
	c.StoreDSN = "memory"
	c.AdminJWTSecret = "operator-secret"
	return c
}

func TestLoad_Defaults(t *testing.T) {
	c := Load()

	if c.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", c.ListenAddr)
	}
	if c.RefreshMinGap != 3*time.Minute {
		t.Errorf("RefreshMinGap = %v, want 3m", c.RefreshMinGap)
	}
	if c.RefreshWindowLimit != 10 {
		t.Errorf("RefreshWindowLimit = %d, want 10", c.RefreshWindowLimit)
	}
	if c.RefreshSafetyMargin != 5*time.Minute {
		t.Errorf("RefreshSafetyMargin = %v, want 5m", c.RefreshSafetyMargin)
	}
	if c.CallTimeout != 60*time.Second {
		t.Errorf("CallTimeout = %v, want 60s", c.CallTimeout)
	}
	if c.BreakerFailureThreshold != 5 || c.BreakerSuccessThreshold != 2 {
		t.Errorf("breaker thresholds = %d/%d, want 5/2",
			c.BreakerFailureThreshold, c.BreakerSuccessThreshold)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SDP_LISTEN_ADDR", ":9999")
	t.Setenv("SDP_REFRESH_MIN_GAP", "90s")
	t.Setenv("SDP_CALLS_PER_MINUTE", "42")
	t.Setenv("SDP_DEV_MODE", "true")

	c := Load()
	if c.ListenAddr != ":9999" {
		t.Errorf("ListenAddr = %q, want :9999", c.ListenAddr)
	}
	if c.RefreshMinGap != 90*time.Second {
		t.Errorf("RefreshMinGap = %v, want 90s", c.RefreshMinGap)
	}
	if c.CallsPerMinute != 42 {
		t.Errorf("CallsPerMinute = %d, want 42", c.CallsPerMinute)
	}
	if !c.DevMode {
		t.Error("DevMode should be true")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing master key",
			mutate:  func(c *Config) { c.MasterKeyHex = "" },
			wantErr: "SDP_MASTER_KEY",
		},
		{
			name:    "short master key",
			mutate:  func(c *Config) { c.MasterKeyHex = "abcd" },
			wantErr: "32 bytes",
		},
		{
			name:    "bad hex",
			mutate:  func(c *Config) { c.MasterKeyHex = strings.Repeat("zz", 32) },
			wantErr: "not valid hex",
		},
		{
			name:    "missing dsn",
			mutate:  func(c *Config) { c.StoreDSN = "" },
			wantErr: "SDP_STORE_DSN",
		},
		{
			name:    "missing admin secret outside dev mode",
			mutate:  func(c *Config) { c.AdminJWTSecret = "" },
			wantErr: "SDP_ADMIN_JWT_SECRET",
		},
		{
			name: "admin secret optional in dev mode",
			mutate: func(c *Config) {
				c.AdminJWTSecret = ""
				c.DevMode = true
			},
		},
		{
			name:    "tls cert without key",
			mutate:  func(c *Config) { c.TLSCertFile = "/tmp/cert.pem" },
			wantErr: "must be set together",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
