package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTenantCredentialsHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/sse", nil)
	req.Header.Set(HeaderClientID, "1000.ABC")
	req.Header.Set(HeaderClientSecret, "s3cret")

	creds, err := TenantCredentials(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.ClientID != "1000.ABC" || creds.ClientSecret != "s3cret" {
		t.Fatalf("unexpected creds: %+v", creds)
	}
}

func TestTenantCredentialsBearerPair(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/sse", nil)
	req.Header.Set("Authorization", "Bearer 1000.ABC:s3cret:with:colons")

	creds, err := TenantCredentials(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.ClientID != "1000.ABC" {
		t.Errorf("client id = %q", creds.ClientID)
	}
	// Only the first colon splits; secrets may contain more.
	if creds.ClientSecret != "s3cret:with:colons" {
		t.Errorf("client secret = %q", creds.ClientSecret)
	}
}

func TestTenantCredentialsBasicAuth(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/sse", nil)
	req.SetBasicAuth("1000.ABC", "s3cret")

	creds, err := TenantCredentials(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.ClientID != "1000.ABC" || creds.ClientSecret != "s3cret" {
		t.Fatalf("unexpected creds: %+v", creds)
	}
}

func TestTenantCredentialsErrors(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(*http.Request)
		wantErr error
	}{
		{"nothing", func(r *http.Request) {}, ErrMissingCredentials},
		{"id without secret", func(r *http.Request) {
			r.Header.Set(HeaderClientID, "1000.ABC")
		}, ErrMalformedCredentials},
		{"secret without id", func(r *http.Request) {
			r.Header.Set(HeaderClientSecret, "s3cret")
		}, ErrMalformedCredentials},
		{"bearer without colon", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer justatoken")
		}, ErrMalformedCredentials},
		{"bearer with empty secret", func(r *http.Request) {
			r.Header.Set("Authorization", "Bearer 1000.ABC:")
		}, ErrMalformedCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/sse", nil)
			tt.prepare(req)
			_, err := TenantCredentials(req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestCredentialsVerify(t *testing.T) {
	creds := Credentials{ClientID: "id", ClientSecret: "secret"}
	if !creds.Verify("secret") {
		t.Error("matching secret rejected")
	}
	if creds.Verify("other") {
		t.Error("mismatched secret accepted")
	}
}

func TestCredentialCache(t *testing.T) {
	cache := NewCredentialCache()
	creds := Credentials{ClientID: "id", ClientSecret: "secret"}

	if cache.Get("t1", creds) {
		t.Error("empty cache should miss")
	}
	cache.Set("t1", creds)
	if !cache.Get("t1", creds) {
		t.Error("expected hit after set")
	}
	if cache.Get("t2", creds) {
		t.Error("different tenant should miss")
	}

	rotated := Credentials{ClientID: "id", ClientSecret: "new-secret"}
	if cache.Get("t1", rotated) {
		t.Error("rotated secret should miss")
	}
}
