package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func sampleRecord(tenantID string) *Record {
	return &Record{
		Tenant: Tenant{
			ID:         tenantID,
			ClientID:   "1000.CLIENT",
			DataCenter: DCUS,
			BaseURL:    "https://sdpondemand.manageengine.com",
			Instance:   "itdesk",
			CreatedAt:  time.Now(),
		},
		EncClientSecret: []byte{1, 2, 3},
		EncRefreshToken: []byte{4, 5, 6},
		EncAccessToken:  []byte{7, 8, 9},
		AccessExpiresAt: time.Now().Add(time.Hour),
		Scopes:          []string{"SDPOnDemand.requests.ALL"},
		LastRefresh:     time.Now().Add(-10 * time.Minute),
	}
}

func TestMemory_GetNotFound(t *testing.T) {
	m := NewMemory()
	if _, err := m.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestMemory_UpsertGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	rec := sampleRecord("t1")

	if err := m.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := m.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Tenant.ClientID != "1000.CLIENT" || !got.HasRefreshToken() {
		t.Errorf("unexpected record: %+v", got)
	}

	// Mutating the returned copy must not affect the stored record.
	got.EncRefreshToken[0] = 0xff
	got2, _ := m.Get(ctx, "t1")
	if got2.EncRefreshToken[0] == 0xff {
		t.Error("Get returned a shared slice; records must be isolated")
	}
}

func TestMemory_MarkNeedsReauth(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.MarkNeedsReauth(ctx, "absent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkNeedsReauth on absent = %v, want ErrNotFound", err)
	}

	m.Upsert(ctx, sampleRecord("t1"))
	if err := m.MarkNeedsReauth(ctx, "t1"); err != nil {
		t.Fatalf("MarkNeedsReauth: %v", err)
	}
	got, _ := m.Get(ctx, "t1")
	if !got.NeedsReauth {
		t.Error("NeedsReauth not set")
	}
}

func TestMemory_ListActive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.Upsert(ctx, sampleRecord("active"))

	reauth := sampleRecord("reauth")
	reauth.NeedsReauth = true
	m.Upsert(ctx, reauth)

	pending := sampleRecord("pending")
	pending.EncRefreshToken = nil
	m.Upsert(ctx, pending)

	recs, err := m.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(recs) != 1 || recs[0].Tenant.ID != "active" {
		t.Errorf("ListActive = %d records, want only \"active\"", len(recs))
	}
}

func TestMemory_Delete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Upsert(ctx, sampleRecord("t1"))

	if err := m.Delete(ctx, "t1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := m.Get(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete = %v, want ErrNotFound", err)
	}
	if err := m.Delete(ctx, "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

// Readers racing a writer must always observe a complete record: either
// all fields from the old version or all from the new one.
func TestMemory_UpsertAtomicity(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	old := sampleRecord("t1")
	old.Scopes = []string{"v1"}
	old.ConsecutiveFailures = 1
	m.Upsert(ctx, old)

	updated := sampleRecord("t1")
	updated.Scopes = []string{"v2"}
	updated.ConsecutiveFailures = 2

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				rec, err := m.Get(ctx, "t1")
				if err != nil {
					t.Errorf("Get: %v", err)
					return
				}
				switch rec.Scopes[0] {
				case "v1":
					if rec.ConsecutiveFailures != 1 {
						t.Error("observed torn record (v1 scopes, v2 failures)")
						return
					}
				case "v2":
					if rec.ConsecutiveFailures != 2 {
						t.Error("observed torn record (v2 scopes, v1 failures)")
						return
					}
				}
			}
		}()
	}

	for i := 0; i < 1000; i++ {
		if i%2 == 0 {
			m.Upsert(ctx, updated)
		} else {
			m.Upsert(ctx, old)
		}
	}
	close(stop)
	wg.Wait()
}

func TestTenantIDFromClientID(t *testing.T) {
	a := TenantIDFromClientID("1000.AAA")
	b := TenantIDFromClientID("1000.BBB")

	if a == b {
		t.Error("distinct client ids must map to distinct tenant ids")
	}
	if a != TenantIDFromClientID("1000.AAA") {
		t.Error("tenant id derivation must be stable")
	}
	if len(a) != 32 {
		t.Errorf("tenant id length = %d, want 32 hex chars", len(a))
	}
}

func TestDataCenter_Valid(t *testing.T) {
	for _, dc := range []DataCenter{DCUS, DCEU, DCIN, DCAU, DCJP, DCUK, DCCA, DCCN} {
		if !dc.Valid() {
			t.Errorf("%s should be valid", dc)
		}
	}
	if DataCenter("XX").Valid() {
		t.Error("XX should be invalid")
	}
}
