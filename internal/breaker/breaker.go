// Package breaker isolates failing upstream targets per tenant. One
// tenant's broken identity provider or API instance must never cascade
// into probe traffic from every session, and must never affect another
// tenant's circuits.
package breaker

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

// Target names an upstream dependency guarded by its own circuit.
type Target string

const (
	// TargetIdentity guards token refresh calls to the identity provider.
	TargetIdentity Target = "identity"
	// TargetAPI guards service desk API calls.
	TargetAPI Target = "api"
)

// OpenError reports a call rejected because the circuit is open.
type OpenError struct {
	Target     Target
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s circuit open, retry after %s", e.Target, e.RetryAfter.Round(time.Second))
}

// transienter matches errors that represent genuine upstream trouble.
// Errors the tenant caused (validation, permissions, not-found) do not
// implement it as transient and never trip a circuit.
type transienter interface {
	Transient() bool
}

// Settings tune every circuit in a Registry.
type Settings struct {
	// FailureThreshold consecutive transient failures open the circuit.
	FailureThreshold uint32
	// SuccessThreshold consecutive half-open successes close it again.
	SuccessThreshold uint32
	// ResetTimeout is how long an open circuit rejects before probing.
	ResetTimeout time.Duration
}

// StateChange is delivered to the registry's change hook, typically to
// persist open circuits so a restart keeps protecting the upstream.
type StateChange struct {
	TenantID string
	Target   Target
	State    string
	// Snapshot is the persistable encoding of the new state. Empty for
	// a closed circuit.
	Snapshot string
}

type key struct {
	tenant string
	target Target
}

type entry struct {
	cb *gobreaker.CircuitBreaker[struct{}]

	mu sync.Mutex
	// openedAt is when the circuit last opened, for Retry-After math.
	openedAt time.Time
	// forcedUntil rejects calls regardless of the underlying circuit,
	// used to restore persisted open state after a restart.
	forcedUntil time.Time
}

// Registry holds one circuit per (tenant, target) pair, created lazily.
type Registry struct {
	settings Settings
	onChange func(StateChange)

	mu      sync.Mutex
	entries map[key]*entry
}

// NewRegistry creates a Registry. onChange may be nil.
func NewRegistry(settings Settings, onChange func(StateChange)) *Registry {
	return &Registry{
		settings: settings,
		onChange: onChange,
		entries:  make(map[key]*entry),
	}
}

func (r *Registry) entryFor(tenantID string, target Target) *entry {
	k := key{tenant: tenantID, target: target}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[k]; ok {
		return e
	}

	e := &entry{}
	e.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        tenantID + "/" + string(target),
		MaxRequests: r.settings.SuccessThreshold,
		Timeout:     r.settings.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.settings.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var t transienter
			if errors.As(err, &t) {
				return !t.Transient()
			}
			// Unknown errors (cancelled contexts and the like) do not
			// count against the upstream.
			return true
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.mu.Lock()
			if to == gobreaker.StateOpen {
				e.openedAt = time.Now()
			}
			e.mu.Unlock()

			log.Warn().
				Str("circuit", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit state changed")

			if r.onChange != nil {
				r.onChange(StateChange{
					TenantID: tenantID,
					Target:   target,
					State:    to.String(),
					Snapshot: r.snapshotFor(e, to),
				})
			}
		},
	})
	r.entries[k] = e
	return e
}

// Do runs fn behind the (tenant, target) circuit. An open circuit
// returns *OpenError without invoking fn; otherwise fn's error is
// passed through and judged via the Transient interface.
func (r *Registry) Do(tenantID string, target Target, fn func() error) error {
	e := r.entryFor(tenantID, target)

	e.mu.Lock()
	if until := e.forcedUntil; time.Now().Before(until) {
		e.mu.Unlock()
		return &OpenError{Target: target, RetryAfter: time.Until(until)}
	}
	e.forcedUntil = time.Time{}
	e.mu.Unlock()

	_, err := e.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &OpenError{Target: target, RetryAfter: e.retryAfter(r.settings.ResetTimeout)}
	}
	return err
}

func (e *entry) retryAfter(reset time.Duration) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()

	d := time.Until(e.openedAt.Add(reset))
	if d < time.Second {
		d = time.Second
	}
	return d
}

// snapshotFor encodes an open circuit as "open@<RFC3339 probe time>".
// Closed and half-open circuits persist as empty: after a restart a
// half-open circuit may as well start closed and re-learn.
func (r *Registry) snapshotFor(e *entry, state gobreaker.State) string {
	if state != gobreaker.StateOpen {
		return ""
	}
	e.mu.Lock()
	until := e.openedAt.Add(r.settings.ResetTimeout)
	e.mu.Unlock()
	return "open@" + until.UTC().Format(time.RFC3339)
}

// Restore re-applies a persisted snapshot after a restart. Expired or
// unparseable snapshots are ignored.
func (r *Registry) Restore(tenantID string, target Target, snapshot string) {
	rest, ok := strings.CutPrefix(snapshot, "open@")
	if !ok {
		return
	}
	until, err := time.Parse(time.RFC3339, rest)
	if err != nil || time.Now().After(until) {
		return
	}

	e := r.entryFor(tenantID, target)
	e.mu.Lock()
	e.openedAt = time.Now()
	e.forcedUntil = until
	e.mu.Unlock()

	log.Info().
		Str("tenant_id", tenantID).
		Str("target", string(target)).
		Time("until", until).
		Msg("restored open circuit")
}

// State reports the current state string for health reporting.
func (r *Registry) State(tenantID string, target Target) string {
	e := r.entryFor(tenantID, target)

	e.mu.Lock()
	forced := time.Now().Before(e.forcedUntil)
	e.mu.Unlock()
	if forced {
		return gobreaker.StateOpen.String()
	}
	return e.cb.State().String()
}
