package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("tenant not found")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// DataCenter identifies the Zoho region a tenant was onboarded in. It
// determines the identity-provider endpoint and never changes after
// onboarding.
type DataCenter string

const (
	DCUS DataCenter = "US"
	DCEU DataCenter = "EU"
	DCIN DataCenter = "IN"
	DCAU DataCenter = "AU"
	DCJP DataCenter = "JP"
	DCUK DataCenter = "UK"
	DCCA DataCenter = "CA"
	DCCN DataCenter = "CN"
)

// Valid reports whether dc is a known data center.
func (dc DataCenter) Valid() bool {
	switch dc {
	case DCUS, DCEU, DCIN, DCAU, DCJP, DCUK, DCCA, DCCN:
		return true
	}
	return false
}

// Tenant holds the immutable identity of one end customer.
type Tenant struct {
	ID          string     `json:"id"`
	ClientID    string     `json:"client_id"`
	DataCenter  DataCenter `json:"data_center"`
	BaseURL     string     `json:"base_url"`
	Instance    string     `json:"instance"`
	DisplayName string     `json:"display_name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// BreakerSnapshot is the persisted circuit-breaker state per upstream
// target, so restarts keep protecting a failing dependency.
type BreakerSnapshot struct {
	Identity string `json:"identity,omitempty"`
	API      string `json:"api,omitempty"`
}

// Record is the credential record for one tenant. Token material and the
// client secret are stored as opaque encrypted blobs; the store never
// sees plaintext.
type Record struct {
	Tenant Tenant

	EncClientSecret []byte
	EncRefreshToken []byte
	EncAccessToken  []byte

	AccessExpiresAt     time.Time
	Scopes              []string
	NeedsReauth         bool
	LastRefresh         time.Time
	ConsecutiveFailures int
	Breaker             BreakerSnapshot

	UpdatedAt time.Time
}

// HasRefreshToken reports whether initial OAuth setup completed.
func (r *Record) HasRefreshToken() bool {
	return len(r.EncRefreshToken) > 0
}

// Clone returns a deep copy so callers can mutate freely.
func (r *Record) Clone() *Record {
	c := *r
	c.EncClientSecret = append([]byte(nil), r.EncClientSecret...)
	c.EncRefreshToken = append([]byte(nil), r.EncRefreshToken...)
	c.EncAccessToken = append([]byte(nil), r.EncAccessToken...)
	c.Scopes = append([]string(nil), r.Scopes...)
	return &c
}

// Store persists tenant credential records. Upsert is atomic with
// respect to concurrent readers: a reader sees either the prior record
// entirely or the new record entirely.
type Store interface {
	Get(ctx context.Context, tenantID string) (*Record, error)
	Upsert(ctx context.Context, rec *Record) error
	MarkNeedsReauth(ctx context.Context, tenantID string) error
	ListActive(ctx context.Context) ([]*Record, error)
	Delete(ctx context.Context, tenantID string) error
}

// TenantIDFromClientID derives the opaque, stable tenant id from the
// identity-provider client id.
func TenantIDFromClientID(clientID string) string {
	sum := sha256.Sum256([]byte(clientID))
	return hex.EncodeToString(sum[:16])
}
