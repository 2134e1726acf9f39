// Package oauth talks to the Zoho identity provider: authorization-code
// exchange, refresh-token grants, and revocation. It deliberately does
// not decide when to refresh; that policy lives with the token manager.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sdpbridge/sdpbridge/internal/store"
)

// accountsDomain maps a data center to its identity-provider domain.
// The CA region lives on its own apex.
var accountsDomain = map[store.DataCenter]string{
	store.DCUS: "zoho.com",
	store.DCEU: "zoho.eu",
	store.DCIN: "zoho.in",
	store.DCAU: "zoho.com.au",
	store.DCJP: "zoho.jp",
	store.DCUK: "zoho.uk",
	store.DCCA: "zohocloud.ca",
	store.DCCN: "zoho.com.cn",
}

// AccountsBase returns the identity-provider base URL for a data
// center, e.g. "https://accounts.zoho.eu".
func AccountsBase(dc store.DataCenter) (string, error) {
	domain, ok := accountsDomain[dc]
	if !ok {
		return "", fmt.Errorf("unknown data center %q", dc)
	}
	return "https://accounts." + domain, nil
}

const (
	minTokenLifetime = 60 * time.Second
	maxTokenLifetime = 24 * time.Hour
)

// Token is the outcome of a successful grant. RefreshToken is only set
// when the provider rolled it; callers must persist it when present.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	APIDomain    string
}

// AuthError is a durable credential failure: the grant, code, or client
// credentials were rejected. Retrying cannot help; the tenant must
// re-authorize.
type AuthError struct {
	Code string
}

func (e *AuthError) Error() string   { return "identity provider rejected credentials: " + e.Code }
func (e *AuthError) Transient() bool { return false }

// RateLimitError means the provider is throttling us.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("identity provider rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}
func (e *RateLimitError) Transient() bool { return true }

// ProviderError is a server-side or transport failure at the provider.
type ProviderError struct {
	StatusCode int
	Detail     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("identity provider error (status %d): %s", e.StatusCode, e.Detail)
}
func (e *ProviderError) Transient() bool { return true }

// Client performs OAuth grants against the identity provider.
type Client struct {
	http *http.Client

	// baseOverride replaces the per-DC accounts host, for tests.
	baseOverride string
}

// New creates a Client with a dedicated HTTP client. Grant requests
// carry their own deadline via context, so no client-level timeout.
func New() *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// NewWithBase creates a Client pinned to one base URL, for tests.
func NewWithBase(base string) *Client {
	c := New()
	c.baseOverride = base
	return c
}

func (c *Client) base(dc store.DataCenter) (string, error) {
	if c.baseOverride != "" {
		return c.baseOverride, nil
	}
	return AccountsBase(dc)
}

// Creds identifies the OAuth client performing a grant.
type Creds struct {
	DataCenter   store.DataCenter
	ClientID     string
	ClientSecret string
}

// ExchangeCode trades an authorization code for tokens during tenant
// onboarding.
func (c *Client) ExchangeCode(ctx context.Context, creds Creds, code, redirectURI string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {creds.ClientID},
		"client_secret": {creds.ClientSecret},
		"code":          {code},
	}
	if redirectURI != "" {
		form.Set("redirect_uri", redirectURI)
	}
	return c.grant(ctx, creds.DataCenter, form)
}

// Refresh trades a refresh token for a new access token. The provider
// occasionally rolls the refresh token; the returned Token carries it
// when that happens.
func (c *Client) Refresh(ctx context.Context, creds Creds, refreshToken string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {creds.ClientID},
		"client_secret": {creds.ClientSecret},
		"refresh_token": {refreshToken},
	}
	return c.grant(ctx, creds.DataCenter, form)
}

// Revoke invalidates a refresh token at the provider. Best effort:
// callers typically log failures and proceed with local deletion.
func (c *Client) Revoke(ctx context.Context, dc store.DataCenter, refreshToken string) error {
	base, err := c.base(dc)
	if err != nil {
		return err
	}

	form := url.Values{"token": {refreshToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		base+"/oauth/v2/token/revoke", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return &ProviderError{Detail: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return &ProviderError{StatusCode: resp.StatusCode, Detail: "revoke failed"}
	}
	return nil
}

// grantResponse covers both success and error bodies. The provider
// returns errors with HTTP 200 at times, so the error field must be
// checked regardless of status.
type grantResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	APIDomain    string `json:"api_domain"`
	Error        string `json:"error"`
}

func (c *Client) grant(ctx context.Context, dc store.DataCenter, form url.Values) (*Token, error) {
	base, err := c.base(dc)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		base+"/oauth/v2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ProviderError{Detail: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Detail: "reading response: " + err.Error()}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{RetryAfter: retryAfterHeader(resp, time.Minute)}
	}
	if resp.StatusCode >= 500 {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Detail: trim(body)}
	}

	var gr grantResponse
	if err := json.Unmarshal(body, &gr); err != nil {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Detail: "malformed response: " + trim(body)}
	}

	if gr.Error != "" {
		return nil, classifyGrantError(gr.Error, resp)
	}
	if resp.StatusCode >= 400 {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Detail: trim(body)}
	}
	if gr.AccessToken == "" {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Detail: "response missing access token"}
	}

	lifetime := time.Duration(gr.ExpiresIn) * time.Second
	if lifetime < minTokenLifetime {
		log.Warn().Int64("expires_in", gr.ExpiresIn).Msg("clamping short token lifetime")
		lifetime = minTokenLifetime
	}
	if lifetime > maxTokenLifetime {
		lifetime = maxTokenLifetime
	}

	return &Token{
		AccessToken:  gr.AccessToken,
		RefreshToken: gr.RefreshToken,
		ExpiresAt:    time.Now().Add(lifetime),
		Scope:        gr.Scope,
		APIDomain:    gr.APIDomain,
	}, nil
}

// classifyGrantError sorts the provider's error strings into durable
// credential failures vs. throttling.
func classifyGrantError(code string, resp *http.Response) error {
	switch code {
	case "invalid_code", "invalid_grant", "invalid_client", "invalid_client_secret", "unauthorized_client":
		return &AuthError{Code: code}
	case "access_denied_too_many_requests", "too_many_requests", "slow_down":
		return &RateLimitError{RetryAfter: retryAfterHeader(resp, time.Minute)}
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
		return &AuthError{Code: code}
	}
	return &ProviderError{StatusCode: resp.StatusCode, Detail: code}
}

func retryAfterHeader(resp *http.Response, fallback time.Duration) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}

func trim(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
