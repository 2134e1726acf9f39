package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Headers a connecting assistant presents its tenant's OAuth client
// credentials in. The pair identifies the tenant (the id, hashed) and
// proves it (the secret, checked against the stored one).
const (
	HeaderClientID     = "X-Sdp-Client-Id"
	HeaderClientSecret = "X-Sdp-Client-Secret"
)

var (
	ErrMissingCredentials   = errors.New("missing tenant credentials")
	ErrMalformedCredentials = errors.New("malformed tenant credentials")
)

// Credentials carry one tenant's OAuth client pair, as presented on a
// connection.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// TenantCredentials extracts tenant credentials from a request. Three
// forms are accepted: the X-Sdp-Client-* header pair, a Bearer token of
// the form "<client_id>:<client_secret>", or HTTP Basic auth.
func TenantCredentials(r *http.Request) (Credentials, error) {
	id := r.Header.Get(HeaderClientID)
	secret := r.Header.Get(HeaderClientSecret)
	if id != "" || secret != "" {
		if id == "" || secret == "" {
			return Credentials{}, ErrMalformedCredentials
		}
		return Credentials{ClientID: id, ClientSecret: secret}, nil
	}

	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		pair := strings.TrimPrefix(h, "Bearer ")
		i := strings.IndexByte(pair, ':')
		if i <= 0 || i == len(pair)-1 {
			return Credentials{}, ErrMalformedCredentials
		}
		return Credentials{ClientID: pair[:i], ClientSecret: pair[i+1:]}, nil
	}

	if user, pass, ok := r.BasicAuth(); ok {
		if user == "" || pass == "" {
			return Credentials{}, ErrMalformedCredentials
		}
		return Credentials{ClientID: user, ClientSecret: pass}, nil
	}

	return Credentials{}, ErrMissingCredentials
}

// Verify compares a presented secret against the stored one in constant
// time.
func (c Credentials) Verify(storedSecret string) bool {
	return hmac.Equal([]byte(c.ClientSecret), []byte(storedSecret))
}

// fingerprint binds a cache entry to the exact credential pair, so a
// rotated secret never rides a stale verification.
func (c Credentials) fingerprint() string {
	sum := sha256.Sum256([]byte(c.ClientID + "\x00" + c.ClientSecret))
	return hex.EncodeToString(sum[:16])
}

// CredentialCache remembers recently verified credential pairs so a
// chatty session does not cost a store read and a decrypt per
// connection.
// TTL: 5 minutes (balances security vs. performance)
type CredentialCache struct {
	mu    sync.RWMutex
	cache map[string]time.Time
}

// NewCredentialCache creates a new credential verification cache
func NewCredentialCache() *CredentialCache {
	cache := &CredentialCache{
		cache: make(map[string]time.Time),
	}

	// Start background cleanup goroutine to prevent memory leaks
	go cache.cleanupExpired()

	return cache
}

// Get checks if a tenant+credential combination is cached and not expired
func (c *CredentialCache) Get(tenantID string, creds Credentials) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	key := fmt.Sprintf("%s:%s", tenantID, creds.fingerprint())
	expiry, exists := c.cache[key]

	if !exists {
		return false
	}

	// Check if expired
	if time.Now().After(expiry) {
		return false
	}

	return true
}

// Set caches a tenant+credential combination with 5-minute TTL
func (c *CredentialCache) Set(tenantID string, creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := fmt.Sprintf("%s:%s", tenantID, creds.fingerprint())
	c.cache[key] = time.Now().Add(5 * time.Minute)
}

// cleanupExpired removes expired cache entries every minute
func (c *CredentialCache) cleanupExpired() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		now := time.Now()
		for key, expiry := range c.cache {
			if now.After(expiry) {
				delete(c.cache, key)
			}
		}
		c.mu.Unlock()
	}
}
