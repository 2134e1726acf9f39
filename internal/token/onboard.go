package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sdpbridge/sdpbridge/internal/oauth"
	"github.com/sdpbridge/sdpbridge/internal/store"
)

// portalDomain is the default service desk host per data center, used
// when the provider does not report an api_domain during onboarding.
var portalDomain = map[store.DataCenter]string{
	store.DCUS: "https://sdpondemand.manageengine.com",
	store.DCEU: "https://sdpondemand.manageengine.eu",
	store.DCIN: "https://sdpondemand.manageengine.in",
	store.DCAU: "https://sdpondemand.manageengine.com.au",
	store.DCJP: "https://sdpondemand.manageengine.jp",
	store.DCUK: "https://sdpondemand.manageengine.uk",
	store.DCCA: "https://sdpondemand.manageengine.ca",
	store.DCCN: "https://sdpondemand.manageengine.cn",
}

// OnboardParams is everything needed to register a tenant: its own
// OAuth client, the data center it lives in, and a fresh authorization
// code carrying the scopes it wants to expose.
type OnboardParams struct {
	ClientID     string
	ClientSecret string
	DataCenter   store.DataCenter
	Instance     string
	BaseURL      string
	Code         string
	RedirectURI  string
	DisplayName  string
}

func (p *OnboardParams) validate() error {
	switch {
	case p.ClientID == "":
		return errors.New("client_id is required")
	case p.ClientSecret == "":
		return errors.New("client_secret is required")
	case p.Code == "":
		return errors.New("code is required")
	case p.Instance == "":
		return errors.New("instance is required")
	case !p.DataCenter.Valid():
		return fmt.Errorf("unknown data center %q", p.DataCenter)
	}
	return nil
}

// Onboard exchanges the authorization code and persists the tenant.
// Re-onboarding an existing tenant replaces its credentials and clears
// the needs-reauth latch.
func (m *Manager) Onboard(ctx context.Context, p OnboardParams) (*store.Tenant, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	creds := oauth.Creds{
		DataCenter:   p.DataCenter,
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
	}
	tok, err := m.provider.ExchangeCode(ctx, creds, p.Code, p.RedirectURI)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		return nil, errors.New("authorization code grant returned no refresh token; request offline access")
	}

	tenantID := store.TenantIDFromClientID(p.ClientID)

	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = tok.APIDomain
	}
	if baseURL == "" {
		baseURL = portalDomain[p.DataCenter]
	}

	encSecret, err := m.box.Encrypt(tenantID, []byte(p.ClientSecret))
	if err != nil {
		return nil, err
	}
	encRefresh, err := m.box.Encrypt(tenantID, []byte(tok.RefreshToken))
	if err != nil {
		return nil, err
	}
	encAccess, err := m.box.Encrypt(tenantID, []byte(tok.AccessToken))
	if err != nil {
		return nil, err
	}

	rec := &store.Record{
		Tenant: store.Tenant{
			ID:          tenantID,
			ClientID:    p.ClientID,
			DataCenter:  p.DataCenter,
			BaseURL:     baseURL,
			Instance:    p.Instance,
			DisplayName: p.DisplayName,
			CreatedAt:   time.Now(),
		},
		EncClientSecret: encSecret,
		EncRefreshToken: encRefresh,
		EncAccessToken:  encAccess,
		AccessExpiresAt: tok.ExpiresAt,
		Scopes:          SplitScopes(tok.Scope),
		LastRefresh:     time.Now(),
	}
	if err := m.store.Upsert(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting tenant: %w", err)
	}

	m.putCache(tenantID, tok.AccessToken, tok.ExpiresAt)
	log.Info().
		Str("tenant_id", tenantID).
		Str("data_center", string(p.DataCenter)).
		Str("instance", p.Instance).
		Msg("tenant onboarded")
	return &rec.Tenant, nil
}

// Offboard revokes the refresh token (best effort) and deletes the
// tenant record.
func (m *Manager) Offboard(ctx context.Context, tenantID string) error {
	rec, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	if rec.HasRefreshToken() {
		if rt, derr := m.box.Decrypt(tenantID, rec.EncRefreshToken); derr == nil {
			if rerr := m.provider.Revoke(ctx, rec.Tenant.DataCenter, string(rt)); rerr != nil {
				log.Warn().Err(rerr).Str("tenant_id", tenantID).Msg("refresh token revocation failed")
			}
		}
	}

	m.dropCache(tenantID)
	return m.store.Delete(ctx, tenantID)
}
