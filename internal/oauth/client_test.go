package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/sdpbridge/sdpbridge/internal/store"
)

func TestAccountsBase(t *testing.T) {
	tests := []struct {
		dc   store.DataCenter
		want string
	}{
		{store.DCUS, "https://accounts.zoho.com"},
		{store.DCEU, "https://accounts.zoho.eu"},
		{store.DCIN, "https://accounts.zoho.in"},
		{store.DCAU, "https://accounts.zoho.com.au"},
		{store.DCJP, "https://accounts.zoho.jp"},
		{store.DCUK, "https://accounts.zoho.uk"},
		{store.DCCA, "https://accounts.zohocloud.ca"},
		{store.DCCN, "https://accounts.zoho.com.cn"},
	}
	for _, tt := range tests {
		got, err := AccountsBase(tt.dc)
		if err != nil {
			t.Errorf("AccountsBase(%s): %v", tt.dc, err)
			continue
		}
		if got != tt.want {
			t.Errorf("AccountsBase(%s) = %q, want %q", tt.dc, got, tt.want)
		}
	}

	if _, err := AccountsBase("XX"); err == nil {
		t.Error("AccountsBase(XX) should fail")
	}
}

func testCreds() Creds {
	return Creds{DataCenter: store.DCUS, ClientID: "1000.ID", ClientSecret: "shh"}
}

func TestRefresh_Success(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/v2/token" {
			t.Errorf("path = %s", r.URL.Path)
		}
		r.ParseForm()
		gotForm = map[string]string{
			"grant_type":    r.PostFormValue("grant_type"),
			"refresh_token": r.PostFormValue("refresh_token"),
			"client_id":     r.PostFormValue("client_id"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","expires_in":3600,"scope":"SDPOnDemand.requests.ALL","api_domain":"https://sdpondemand.manageengine.com"}`))
	}))
	defer srv.Close()

	tok, err := NewWithBase(srv.URL).Refresh(context.Background(), testCreds(), "rt-1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tok.AccessToken != "at-1" {
		t.Errorf("access token = %q", tok.AccessToken)
	}
	if tok.RefreshToken != "" {
		t.Errorf("refresh token = %q, want empty (not rolled)", tok.RefreshToken)
	}
	until := time.Until(tok.ExpiresAt)
	if until < 59*time.Minute || until > 61*time.Minute {
		t.Errorf("expires in %v, want ~1h", until)
	}
	if gotForm["grant_type"] != "refresh_token" || gotForm["refresh_token"] != "rt-1" || gotForm["client_id"] != "1000.ID" {
		t.Errorf("unexpected form: %v", gotForm)
	}
}

func TestRefresh_RolledRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"at-2","refresh_token":"rt-new","expires_in":3600}`))
	}))
	defer srv.Close()

	tok, err := NewWithBase(srv.URL).Refresh(context.Background(), testCreds(), "rt-old")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if tok.RefreshToken != "rt-new" {
		t.Errorf("rolled refresh token not surfaced: %q", tok.RefreshToken)
	}
}

// The provider reports some grant errors with HTTP 200; the error field
// wins over the status code.
func TestRefresh_ErrorFieldOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	_, err := NewWithBase(srv.URL).Refresh(context.Background(), testCreds(), "rt-revoked")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if authErr.Code != "invalid_grant" {
		t.Errorf("code = %q", authErr.Code)
	}
	if authErr.Transient() {
		t.Error("AuthError must not be transient")
	}
}

func TestRefresh_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewWithBase(srv.URL).Refresh(context.Background(), testCreds(), "rt")
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rl.RetryAfter != 2*time.Minute {
		t.Errorf("retry after = %v, want 2m", rl.RetryAfter)
	}
	if !rl.Transient() {
		t.Error("RateLimitError must be transient")
	}
}

func TestRefresh_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewWithBase(srv.URL).Refresh(context.Background(), testCreds(), "rt")
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if !pe.Transient() {
		t.Error("ProviderError must be transient")
	}
}

func TestRefresh_LifetimeClamped(t *testing.T) {
	tests := []struct {
		expiresIn int64
		min, max  time.Duration
	}{
		{5, 59 * time.Second, 61 * time.Second},
		{999999999, 24*time.Hour - time.Minute, 24*time.Hour + time.Minute},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"access_token":"at","expires_in":` + strconv.FormatInt(tt.expiresIn, 10) + `}`))
		}))
		tok, err := NewWithBase(srv.URL).Refresh(context.Background(), testCreds(), "rt")
		srv.Close()
		if err != nil {
			t.Fatalf("expires_in=%d: %v", tt.expiresIn, err)
		}
		until := time.Until(tok.ExpiresAt)
		if until < tt.min || until > tt.max {
			t.Errorf("expires_in=%d: lifetime %v, want [%v, %v]", tt.expiresIn, until, tt.min, tt.max)
		}
	}
}

func TestExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostFormValue("grant_type") != "authorization_code" || r.PostFormValue("code") != "c-1" {
			t.Errorf("unexpected form: %v", r.PostForm)
		}
		w.Write([]byte(`{"access_token":"at","refresh_token":"rt","expires_in":3600,"scope":"SDPOnDemand.requests.ALL"}`))
	}))
	defer srv.Close()

	tok, err := NewWithBase(srv.URL).ExchangeCode(context.Background(), testCreds(), "c-1", "")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tok.RefreshToken != "rt" || tok.Scope != "SDPOnDemand.requests.ALL" {
		t.Errorf("unexpected token: %+v", tok)
	}
}

func TestRevoke(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/v2/token/revoke" {
			t.Errorf("path = %s", r.URL.Path)
		}
		r.ParseForm()
		gotToken = r.PostFormValue("token")
	}))
	defer srv.Close()

	if err := NewWithBase(srv.URL).Revoke(context.Background(), store.DCUS, "rt-1"); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if gotToken != "rt-1" {
		t.Errorf("token = %q", gotToken)
	}
}

func TestRefresh_NetworkError(t *testing.T) {
	_, err := NewWithBase("http://127.0.0.1:1").Refresh(context.Background(), testCreds(), "rt")
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
}
