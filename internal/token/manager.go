// Package token owns access-token lifecycle for every tenant: caching,
// single-flight refresh, refresh rate policy, and the needs-reauth
// latch. Nothing else in the process may call the identity provider
// for a refresh.
package token

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/sdpbridge/sdpbridge/internal/breaker"
	"github.com/sdpbridge/sdpbridge/internal/crypto"
	"github.com/sdpbridge/sdpbridge/internal/oauth"
	"github.com/sdpbridge/sdpbridge/internal/ratelimit"
	"github.com/sdpbridge/sdpbridge/internal/store"
)

// ErrNeedsReauth means the tenant's grant is gone for good: revoked,
// expired, or never completed. Only a fresh OAuth setup clears it.
var ErrNeedsReauth = errors.New("tenant needs re-authorization")

// Reasons carried by UnavailableError.
const (
	ReasonRefreshRateLimited  = "refresh_rate_limited"
	ReasonIdentityCircuitOpen = "identity_circuit_open"
	ReasonProviderRateLimited = "provider_rate_limited"
)

// UnavailableError means no usable access token exists right now but
// the condition is temporary.
type UnavailableError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("access token unavailable (%s), retry after %s", e.Reason, e.RetryAfter.Round(time.Second))
}

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// Manager hands out valid access tokens. Concurrent demand for the
// same tenant collapses into one refresh; every refresh passes the
// coordinator and the identity circuit first.
type Manager struct {
	store    store.Store
	box      *crypto.Box
	provider *oauth.Client
	coord    ratelimit.Coordinator
	breakers *breaker.Registry

	// safetyMargin triggers refresh this long before actual expiry.
	safetyMargin time.Duration
	// refreshBudget bounds a refresh independently of the caller's
	// deadline: once a refresh slot is spent, the result should be
	// persisted even if the triggering request gave up.
	refreshBudget time.Duration

	flight singleflight.Group

	mu    sync.RWMutex
	cache map[string]cachedToken
}

// Config wires a Manager's collaborators and policy.
type Config struct {
	Store         store.Store
	Box           *crypto.Box
	Provider      *oauth.Client
	Coordinator   ratelimit.Coordinator
	Breakers      *breaker.Registry
	SafetyMargin  time.Duration
	RefreshBudget time.Duration
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		store:         cfg.Store,
		box:           cfg.Box,
		provider:      cfg.Provider,
		coord:         cfg.Coordinator,
		breakers:      cfg.Breakers,
		safetyMargin:  cfg.SafetyMargin,
		refreshBudget: cfg.RefreshBudget,
		cache:         make(map[string]cachedToken),
	}
}

// AccessToken returns a valid access token for the tenant, refreshing
// if needed. Returns ErrNeedsReauth, *UnavailableError, or an internal
// error.
func (m *Manager) AccessToken(ctx context.Context, tenantID string) (string, error) {
	if tok, ok := m.cached(tenantID, m.safetyMargin); ok {
		return tok, nil
	}

	v, err, _ := m.flight.Do(tenantID, func() (any, error) {
		return m.obtain(ctx, tenantID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// cached returns the in-memory token if it outlives the margin.
func (m *Manager) cached(tenantID string, margin time.Duration) (string, bool) {
	m.mu.RLock()
	c, ok := m.cache[tenantID]
	m.mu.RUnlock()
	if !ok || time.Until(c.expiresAt) <= margin {
		return "", false
	}
	return c.token, true
}

func (m *Manager) putCache(tenantID, token string, expiresAt time.Time) {
	m.mu.Lock()
	m.cache[tenantID] = cachedToken{token: token, expiresAt: expiresAt}
	m.mu.Unlock()
}

func (m *Manager) dropCache(tenantID string) {
	m.mu.Lock()
	delete(m.cache, tenantID)
	m.mu.Unlock()
}

// obtain is the slow path, executed once per tenant at a time.
func (m *Manager) obtain(ctx context.Context, tenantID string) (string, error) {
	// Another flight may have just finished.
	if tok, ok := m.cached(tenantID, m.safetyMargin); ok {
		return tok, nil
	}

	rec, err := m.store.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNeedsReauth
		}
		return "", fmt.Errorf("loading tenant record: %w", err)
	}
	if rec.NeedsReauth || !rec.HasRefreshToken() {
		return "", ErrNeedsReauth
	}

	// The persisted token may still be comfortably fresh, e.g. after a
	// restart or when another instance refreshed it.
	if time.Until(rec.AccessExpiresAt) > m.safetyMargin && len(rec.EncAccessToken) > 0 {
		tok, err := m.box.Decrypt(tenantID, rec.EncAccessToken)
		if err != nil {
			return "", fmt.Errorf("decrypting access token: %w", err)
		}
		m.putCache(tenantID, string(tok), rec.AccessExpiresAt)
		return string(tok), nil
	}

	if err := m.coord.ReserveRefresh(ctx, tenantID); err != nil {
		var denied *ratelimit.DeniedError
		if errors.As(err, &denied) {
			// Tokens inside the margin are never served: a token the API
			// may already consider dead would burn the adapter's single
			// 401 retry and surface as a bogus needs-reauth.
			return "", &UnavailableError{Reason: ReasonRefreshRateLimited, RetryAfter: denied.RetryAfter}
		}
		return "", err
	}

	return m.refresh(ctx, tenantID, rec)
}

// refresh performs one grant against the identity provider. The
// reservation is already spent, so the refresh runs on its own budget
// detached from the caller's cancellation.
func (m *Manager) refresh(ctx context.Context, tenantID string, rec *store.Record) (string, error) {
	secret, err := m.box.Decrypt(tenantID, rec.EncClientSecret)
	if err != nil {
		return "", fmt.Errorf("decrypting client secret: %w", err)
	}
	refreshToken, err := m.box.Decrypt(tenantID, rec.EncRefreshToken)
	if err != nil {
		return "", fmt.Errorf("decrypting refresh token: %w", err)
	}
	creds := oauth.Creds{
		DataCenter:   rec.Tenant.DataCenter,
		ClientID:     rec.Tenant.ClientID,
		ClientSecret: string(secret),
	}

	var tok *oauth.Token
	err = m.breakers.Do(tenantID, breaker.TargetIdentity, func() error {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.refreshBudget)
		defer cancel()
		t, err := m.provider.Refresh(rctx, creds, string(refreshToken))
		if err == nil {
			tok = t
		}
		return err
	})
	if err != nil {
		return m.refreshFailed(ctx, tenantID, rec, err)
	}

	return m.refreshSucceeded(ctx, tenantID, rec, tok)
}

func (m *Manager) refreshFailed(ctx context.Context, tenantID string, rec *store.Record, err error) (string, error) {
	var open *breaker.OpenError
	if errors.As(err, &open) {
		return "", &UnavailableError{Reason: ReasonIdentityCircuitOpen, RetryAfter: open.RetryAfter}
	}

	var authErr *oauth.AuthError
	if errors.As(err, &authErr) {
		log.Warn().Str("tenant_id", tenantID).Str("code", authErr.Code).
			Msg("refresh token rejected, marking tenant for re-authorization")
		m.dropCache(tenantID)
		if merr := m.store.MarkNeedsReauth(context.WithoutCancel(ctx), tenantID); merr != nil {
			log.Error().Err(merr).Str("tenant_id", tenantID).Msg("failed to persist needs-reauth")
		}
		return "", ErrNeedsReauth
	}

	var rl *oauth.RateLimitError
	if errors.As(err, &rl) {
		return "", &UnavailableError{Reason: ReasonProviderRateLimited, RetryAfter: rl.RetryAfter}
	}

	rec.ConsecutiveFailures++
	if uerr := m.store.Upsert(context.WithoutCancel(ctx), rec); uerr != nil {
		log.Error().Err(uerr).Str("tenant_id", tenantID).Msg("failed to persist refresh failure count")
	}
	return "", fmt.Errorf("refreshing access token: %w", err)
}

func (m *Manager) refreshSucceeded(ctx context.Context, tenantID string, rec *store.Record, tok *oauth.Token) (string, error) {
	encAccess, err := m.box.Encrypt(tenantID, []byte(tok.AccessToken))
	if err != nil {
		return "", fmt.Errorf("encrypting access token: %w", err)
	}
	rec.EncAccessToken = encAccess
	rec.AccessExpiresAt = tok.ExpiresAt
	rec.LastRefresh = time.Now()
	rec.ConsecutiveFailures = 0

	// The provider may roll the refresh token; losing the new one would
	// strand the tenant at next refresh.
	if tok.RefreshToken != "" {
		encRefresh, err := m.box.Encrypt(tenantID, []byte(tok.RefreshToken))
		if err != nil {
			return "", fmt.Errorf("encrypting refresh token: %w", err)
		}
		rec.EncRefreshToken = encRefresh
	}
	if tok.Scope != "" {
		rec.Scopes = SplitScopes(tok.Scope)
	}

	if err := m.store.Upsert(context.WithoutCancel(ctx), rec); err != nil {
		// The token works even if persistence hiccuped; serve it and
		// let the next refresh repair the record.
		log.Error().Err(err).Str("tenant_id", tenantID).Msg("failed to persist refreshed token")
	}

	m.putCache(tenantID, tok.AccessToken, tok.ExpiresAt)
	log.Info().Str("tenant_id", tenantID).Time("expires_at", tok.ExpiresAt).Msg("access token refreshed")
	return tok.AccessToken, nil
}

// Invalidate discards the cached and persisted access token after the
// API rejected it. It never refreshes: the next AccessToken call walks
// the normal slow path under the usual limits.
func (m *Manager) Invalidate(ctx context.Context, tenantID string) {
	m.dropCache(tenantID)

	rec, err := m.store.Get(ctx, tenantID)
	if err != nil {
		return
	}
	rec.EncAccessToken = nil
	rec.AccessExpiresAt = time.Time{}
	if err := m.store.Upsert(ctx, rec); err != nil {
		log.Warn().Err(err).Str("tenant_id", tenantID).Msg("failed to persist token invalidation")
	}
}

// Scopes returns the tenant's granted scopes.
func (m *Manager) Scopes(ctx context.Context, tenantID string) ([]string, error) {
	rec, err := m.store.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNeedsReauth
		}
		return nil, err
	}
	if rec.NeedsReauth || !rec.HasRefreshToken() {
		return nil, ErrNeedsReauth
	}
	return rec.Scopes, nil
}

// SplitScopes parses the provider's scope string, which may be space or
// comma separated.
func SplitScopes(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == ','
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// StartProactiveRefresh refreshes tokens nearing expiry in the
// background, so interactive calls rarely pay refresh latency. Jitter
// spreads tenants out to avoid synchronized bursts at the provider.
func (m *Manager) StartProactiveRefresh(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshExpiring(ctx)
			}
		}
	}()
}

func (m *Manager) refreshExpiring(ctx context.Context) {
	recs, err := m.store.ListActive(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("proactive refresh: listing tenants failed")
		return
	}

	for _, rec := range recs {
		if time.Until(rec.AccessExpiresAt) > m.safetyMargin {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(rand.Int63n(int64(2 * time.Second)))):
		}
		if _, err := m.AccessToken(ctx, rec.Tenant.ID); err != nil {
			log.Debug().Err(err).Str("tenant_id", rec.Tenant.ID).Msg("proactive refresh skipped")
		}
	}
}
