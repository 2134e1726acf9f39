package ratelimit

import (
	"context"
	"sync"
	"time"
)

// fixedWindow is a simple fixed-window counter.
type fixedWindow struct {
	start time.Time
	count int
}

// tenantState tracks one tenant's refresh history and call windows.
type tenantState struct {
	mu         sync.Mutex
	refreshes  []time.Time // ascending, trimmed to the refresh window
	minute     fixedWindow
	hour       fixedWindow
	day        fixedWindow
	lastActive time.Time
}

// Local is the single-instance Coordinator. All state is in memory; it
// must not be used behind a load balancer with multiple instances.
type Local struct {
	refresh RefreshPolicy
	calls   CallBudget

	mu      sync.RWMutex
	tenants map[string]*tenantState
}

// NewLocal creates an in-process coordinator and starts its idle-state
// cleanup loop.
func NewLocal(refresh RefreshPolicy, calls CallBudget) *Local {
	l := &Local{
		refresh: refresh,
		calls:   calls,
		tenants: make(map[string]*tenantState),
	}
	go l.cleanupLoop()
	return l
}

func (l *Local) state(tenantID string) *tenantState {
	l.mu.RLock()
	st, ok := l.tenants[tenantID]
	l.mu.RUnlock()
	if ok {
		return st
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if st, ok := l.tenants[tenantID]; ok {
		return st
	}
	st = &tenantState{}
	l.tenants[tenantID] = st
	return st
}

func (l *Local) ReserveRefresh(_ context.Context, tenantID string) error {
	st := l.state(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	st.lastActive = now

	// Drop refreshes that aged out of the window.
	cutoff := now.Add(-l.refresh.Window)
	for len(st.refreshes) > 0 && st.refreshes[0].Before(cutoff) {
		st.refreshes = st.refreshes[1:]
	}

	if n := len(st.refreshes); n > 0 {
		if gap := now.Sub(st.refreshes[n-1]); gap < l.refresh.MinGap {
			return &DeniedError{Reason: ReasonRefreshMinGap, RetryAfter: l.refresh.MinGap - gap}
		}
	}
	if len(st.refreshes) >= l.refresh.WindowLimit {
		return &DeniedError{
			Reason:     ReasonRefreshWindow,
			RetryAfter: st.refreshes[0].Add(l.refresh.Window).Sub(now),
		}
	}

	st.refreshes = append(st.refreshes, now)
	return nil
}

func (l *Local) RecordCall(_ context.Context, tenantID string) error {
	st := l.state(tenantID)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	st.lastActive = now

	// Check all three windows before consuming any, so a denied call
	// does not burn budget in the windows that still had room.
	type check struct {
		w      *fixedWindow
		window time.Duration
		limit  int
	}
	checks := []check{
		{&st.minute, time.Minute, l.calls.PerMinute},
		{&st.hour, time.Hour, l.calls.PerHour},
		{&st.day, 24 * time.Hour, l.calls.PerDay},
	}
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		if now.Sub(c.w.start) >= c.window {
			c.w.start = now
			c.w.count = 0
		}
		if c.w.count >= c.limit {
			return &DeniedError{
				Reason:     ReasonCallBudget,
				RetryAfter: c.w.start.Add(c.window).Sub(now),
			}
		}
	}
	for _, c := range checks {
		if c.limit > 0 {
			c.w.count++
		}
	}
	return nil
}

func (l *Local) ResetLimits(_ context.Context, tenantID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.tenants, tenantID)
	return nil
}

// cleanupLoop drops state for tenants idle longer than a day, matching
// the longest call window, so the map does not grow unbounded.
func (l *Local) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		l.mu.Lock()
		for id, st := range l.tenants {
			st.mu.Lock()
			idle := time.Since(st.lastActive) > 24*time.Hour
			st.mu.Unlock()
			if idle {
				delete(l.tenants, id)
			}
		}
		l.mu.Unlock()
	}
}
