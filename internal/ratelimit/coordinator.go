package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Denial reasons reported to callers. Refresh denials are hard policy:
// the identity provider revokes credentials of clients that refresh too
// aggressively, so the coordinator never lets a refresh through early.
const (
	ReasonRefreshMinGap = "refresh_min_gap"
	ReasonRefreshWindow = "refresh_window"
	ReasonCallBudget    = "call_budget"
	ReasonUnavailable   = "coordinator_unavailable"
)

// DeniedError reports a rejected reservation and how long to wait.
type DeniedError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %s", e.Reason, e.RetryAfter.Round(time.Second))
}

// RefreshPolicy bounds how often a tenant may refresh its access token.
// Both limits apply together.
type RefreshPolicy struct {
	MinGap      time.Duration
	Window      time.Duration
	WindowLimit int
}

// CallBudget is the per-tenant API call allowance across three fixed
// windows. A zero value for any window disables that window.
type CallBudget struct {
	PerMinute int
	PerHour   int
	PerDay    int
}

// Coordinator arbitrates the per-tenant refresh and call budgets. In a
// multi-instance deployment every instance must share one coordinator
// backend, because the refresh limits are per tenant, not per process.
type Coordinator interface {
	// ReserveRefresh atomically claims a refresh slot for the tenant.
	// On success the slot is consumed whether or not the refresh itself
	// succeeds. Returns *DeniedError when the policy forbids a refresh
	// now; backend trouble also denies (fail closed), since an
	// uncoordinated refresh risks credential revocation upstream.
	ReserveRefresh(ctx context.Context, tenantID string) error

	// RecordCall counts one upstream API call against the tenant's
	// budget, denying with *DeniedError when a window is exhausted.
	// Backend trouble allows the call (fail open): a missed count is
	// cheaper than a stalled tenant.
	RecordCall(ctx context.Context, tenantID string) error

	// ResetLimits clears all counters for the tenant.
	ResetLimits(ctx context.Context, tenantID string) error
}
