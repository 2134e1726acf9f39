package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and single-node dev
// deployments. Records are deep-copied on both read and write, so a
// reader can never observe a half-applied upsert.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*Record)}
}

func (m *Memory) Get(_ context.Context, tenantID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (m *Memory) Upsert(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := rec.Clone()
	cp.UpdatedAt = time.Now()
	m.records[rec.Tenant.ID] = cp
	return nil
}

func (m *Memory) MarkNeedsReauth(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[tenantID]
	if !ok {
		return ErrNotFound
	}
	rec.NeedsReauth = true
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) ListActive(_ context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		if rec.NeedsReauth || !rec.HasRefreshToken() {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[tenantID]; !ok {
		return ErrNotFound
	}
	delete(m.records, tenantID)
	return nil
}
