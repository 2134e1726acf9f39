package sdp

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sdpbridge/sdpbridge/internal/breaker"
	"github.com/sdpbridge/sdpbridge/internal/crypto"
	"github.com/sdpbridge/sdpbridge/internal/oauth"
	"github.com/sdpbridge/sdpbridge/internal/ratelimit"
	"github.com/sdpbridge/sdpbridge/internal/store"
	"github.com/sdpbridge/sdpbridge/internal/token"
)

type sdpEnv struct {
	client        *Client
	store         *store.Memory
	box           *crypto.Box
	mux           *http.ServeMux
	providerCalls atomic.Int64
}

// newSDPEnv builds a client against an in-process service desk (mux)
// and identity provider. Tenant "t1" is seeded with a one-hour access
// token "at-1".
func newSDPEnv(t *testing.T) *sdpEnv {
	t.Helper()

	master := make([]byte, 32)
	rand.Read(master)
	box, err := crypto.NewBox(master)
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	e := &sdpEnv{store: store.NewMemory(), box: box, mux: http.NewServeMux()}

	apiSrv := httptest.NewServer(e.mux)
	t.Cleanup(apiSrv.Close)

	providerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.providerCalls.Add(1)
		w.Write([]byte(`{"access_token":"at-2","expires_in":3600}`))
	}))
	t.Cleanup(providerSrv.Close)

	enc := func(s string) []byte {
		b, err := box.Encrypt("t1", []byte(s))
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		return b
	}
	rec := &store.Record{
		Tenant: store.Tenant{
			ID:         "t1",
			ClientID:   "1000.CID",
			DataCenter: store.DCUS,
			BaseURL:    apiSrv.URL,
			Instance:   "itdesk",
			CreatedAt:  time.Now(),
		},
		EncClientSecret: enc("secret"),
		EncRefreshToken: enc("rt-1"),
		EncAccessToken:  enc("at-1"),
		AccessExpiresAt: time.Now().Add(time.Hour),
		Scopes:          []string{"SDPOnDemand.requests.ALL"},
	}
	if err := e.store.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("seed: %v", err)
	}

	coord := ratelimit.NewLocal(ratelimit.RefreshPolicy{
		MinGap:      time.Millisecond,
		Window:      time.Hour,
		WindowLimit: 1000,
	}, ratelimit.CallBudget{})
	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     100 * time.Millisecond,
	}, nil)
	tokens := token.NewManager(token.Config{
		Store:         e.store,
		Box:           box,
		Provider:      oauth.NewWithBase(providerSrv.URL),
		Coordinator:   coord,
		Breakers:      breakers,
		SafetyMargin:  5 * time.Minute,
		RefreshBudget: 5 * time.Second,
	})

	e.client = NewClient(Deps{
		Store:       e.store,
		Tokens:      tokens,
		Coordinator: coord,
		Breakers:    breakers,
	})
	return e
}

// inputData decodes the input_data parameter from query or form.
func inputData(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var raw string
	if r.Method == http.MethodGet || r.Method == http.MethodDelete {
		raw = r.URL.Query().Get("input_data")
	} else {
		r.ParseForm()
		raw = r.PostFormValue("input_data")
	}
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("input_data not JSON: %v (%q)", err, raw)
	}
	return m
}

func TestListRequests(t *testing.T) {
	e := newSDPEnv(t)
	var gotAuth, gotAccept string
	var gotInput map[string]any

	e.mux.HandleFunc("GET /app/itdesk/api/v3/requests", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotInput = inputData(t, r)
		w.Write([]byte(`{
			"response_status": [{"status":"success","status_code":2000}],
			"list_info": {"row_count":2,"start_index":1,"has_more_rows":true,"total_count":40},
			"requests": [{"id":"101","subject":"printer"},{"id":"102","subject":"vpn"}]
		}`))
	})

	list, err := e.client.ListRequests(context.Background(), "t1", ListOptions{RowCount: 500, StartIndex: 0})
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(list.Requests) != 2 || !list.Page.HasMore || list.Page.TotalCount != 40 {
		t.Errorf("unexpected list: %+v", list.Page)
	}

	if gotAuth != "Zoho-oauthtoken at-1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAccept != acceptV3 {
		t.Errorf("Accept = %q", gotAccept)
	}
	li := gotInput["list_info"].(map[string]any)
	if li["row_count"].(float64) != 100 {
		t.Errorf("row_count = %v, want clamped 100", li["row_count"])
	}
	if li["start_index"].(float64) != 1 {
		t.Errorf("start_index = %v, want 1", li["start_index"])
	}
}

func TestGetRequest_NotFound(t *testing.T) {
	e := newSDPEnv(t)
	e.mux.HandleFunc("GET /app/itdesk/api/v3/requests/999", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"response_status":{"status":"failed","messages":[{"status_code":4007,"message":"Invalid URL"}]}}`))
	})

	_, err := e.client.GetRequest(context.Background(), "t1", "999")
	apiErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("err = %v, want *Error", err)
	}
	if apiErr.Kind != KindNotFound {
		t.Errorf("kind = %q, want not_found", apiErr.Kind)
	}
	if apiErr.Transient() {
		t.Error("not-found must not be transient")
	}
}

func TestCreateRequest_FormEncodedBody(t *testing.T) {
	e := newSDPEnv(t)
	var gotContentType string
	var gotInput map[string]any

	e.mux.HandleFunc("POST /app/itdesk/api/v3/requests", func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotInput = inputData(t, r)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"response_status":{"status_code":2000},"request":{"id":"201","subject":"laptop"}}`))
	})

	created, err := e.client.CreateRequest(context.Background(), "t1", map[string]any{
		"subject":   "laptop",
		"requester": Ref{Email: "pat@example.com"},
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if gotContentType != "application/x-www-form-urlencoded" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	req := gotInput["request"].(map[string]any)
	if req["subject"] != "laptop" {
		t.Errorf("subject = %v", req["subject"])
	}
	if req["requester"].(map[string]any)["email_id"] != "pat@example.com" {
		t.Errorf("requester = %v", req["requester"])
	}
	var got struct {
		ID string `json:"id"`
	}
	json.Unmarshal(created, &got)
	if got.ID != "201" {
		t.Errorf("created id = %q", got.ID)
	}
}

func TestCreateRequest_PriorityEnforced(t *testing.T) {
	e := newSDPEnv(t)
	var updates atomic.Int64

	e.mux.HandleFunc("POST /app/itdesk/api/v3/requests", func(w http.ResponseWriter, r *http.Request) {
		// Template forces Low regardless of the requested priority.
		w.Write([]byte(`{"response_status":{"status_code":2000},"request":{"id":"301","priority":{"id":"1","name":"Low"}}}`))
	})
	e.mux.HandleFunc("PUT /app/itdesk/api/v3/requests/301", func(w http.ResponseWriter, r *http.Request) {
		updates.Add(1)
		in := inputData(t, r)
		prio := in["request"].(map[string]any)["priority"].(map[string]any)
		if prio["name"] != "High" {
			t.Errorf("update priority = %v", prio)
		}
		w.Write([]byte(`{"response_status":{"status_code":2000},"request":{"id":"301","priority":{"id":"4","name":"High"}}}`))
	})

	created, err := e.client.CreateRequest(context.Background(), "t1", map[string]any{
		"subject":  "urgent thing",
		"priority": Ref{Name: "High"},
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if updates.Load() != 1 {
		t.Errorf("updates = %d, want 1", updates.Load())
	}
	var got struct {
		Priority struct{ Name string } `json:"priority"`
	}
	json.Unmarshal(created, &got)
	if got.Priority.Name != "High" {
		t.Errorf("final priority = %q, want High", got.Priority.Name)
	}
}

func TestCloseRequest_RetriesWithActiveClosureCode(t *testing.T) {
	e := newSDPEnv(t)
	var closes atomic.Int64

	e.mux.HandleFunc("PUT /app/itdesk/api/v3/requests/401/close", func(w http.ResponseWriter, r *http.Request) {
		n := closes.Add(1)
		in := inputData(t, r)
		req := in["request"].(map[string]any)
		if st, ok := req["status"].(map[string]any); !ok || st["name"] != "Closed" {
			t.Errorf("close status = %v, want Closed", req["status"])
		}
		info := req["closure_info"].(map[string]any)
		if n == 1 {
			if info["closure_code"] != nil {
				t.Error("first close should carry no closure code")
			}
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"response_status":{"status":"failed","messages":[{"status_code":4012,"field":"closure_code","message":"Value for closure_code is mandatory"}]}}`))
			return
		}
		if info["closure_code"].(map[string]any)["id"] != "77" {
			t.Errorf("retry closure_code = %v", info["closure_code"])
		}
		w.Write([]byte(`{"response_status":{"status_code":2000},"request":{"id":"401","status":{"name":"Closed"}}}`))
	})
	e.mux.HandleFunc("GET /app/itdesk/api/v3/closure_codes", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"response_status": [{"status_code":2000}],
			"closure_codes": [
				{"id":"76","name":"Cancelled","deleted":true},
				{"id":"77","name":"Resolved"},
				{"id":"78","name":"Duplicate"}
			]
		}`))
	})

	_, err := e.client.CloseRequest(context.Background(), "t1", "401", CloseParams{
		ClosureComments:        "fixed",
		RequesterAckResolution: true,
	})
	if err != nil {
		t.Fatalf("CloseRequest: %v", err)
	}
	if closes.Load() != 2 {
		t.Errorf("close attempts = %d, want 2", closes.Load())
	}
}

func TestReplyToRequester_Flags(t *testing.T) {
	e := newSDPEnv(t)
	var gotNote map[string]any

	e.mux.HandleFunc("POST /app/itdesk/api/v3/requests/501/notes", func(w http.ResponseWriter, r *http.Request) {
		gotNote = inputData(t, r)["request_note"].(map[string]any)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"response_status":{"status_code":2000},"request_note":{"id":"601"}}`))
	})

	_, err := e.client.ReplyToRequester(context.Background(), "t1", "501", "on it", true)
	if err != nil {
		t.Fatalf("ReplyToRequester: %v", err)
	}
	if gotNote["show_to_requester"] != true {
		t.Error("reply must set show_to_requester")
	}
	if gotNote["mark_first_response"] != true {
		t.Error("mark_first_response not propagated")
	}
	if gotNote["description"] != "on it" {
		t.Errorf("description = %v", gotNote["description"])
	}
}

// A 401 replaces the token exactly once through the token manager, then
// retries. No direct refresh, no second retry.
func TestDo_401ReplacesTokenOnce(t *testing.T) {
	e := newSDPEnv(t)
	var calls atomic.Int64

	e.mux.HandleFunc("GET /app/itdesk/api/v3/requests/601", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") == "Zoho-oauthtoken at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("Authorization") != "Zoho-oauthtoken at-2" {
			t.Errorf("unexpected auth %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"response_status":{"status_code":2000},"request":{"id":"601"}}`))
	})

	if _, err := e.client.GetRequest(context.Background(), "t1", "601"); err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("api calls = %d, want 2", calls.Load())
	}
	if e.providerCalls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1", e.providerCalls.Load())
	}
}

func TestDo_RateLimited(t *testing.T) {
	e := newSDPEnv(t)
	e.mux.HandleFunc("GET /app/itdesk/api/v3/requests/701", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := e.client.GetRequest(context.Background(), "t1", "701")
	apiErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("err = %v, want *Error", err)
	}
	if apiErr.Kind != KindRateLimited || apiErr.RetryAfter != 42*time.Second {
		t.Errorf("got %+v", apiErr)
	}
	if !apiErr.Transient() {
		t.Error("rate-limited must be transient")
	}
}

func TestDo_ValidationFieldsSurfaced(t *testing.T) {
	e := newSDPEnv(t)
	e.mux.HandleFunc("POST /app/itdesk/api/v3/requests", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"response_status":{"status":"failed","messages":[
			{"status_code":4009,"field":"frobnicate","message":"Extra field found"}]}}`))
	})

	_, err := e.client.CreateRequest(context.Background(), "t1", map[string]any{"subject": "x", "frobnicate": true})
	apiErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("err = %v, want *Error", err)
	}
	if apiErr.Kind != KindValidation || apiErr.InnerCode != 4009 {
		t.Errorf("got %+v", apiErr)
	}
	if len(apiErr.Fields) != 1 || apiErr.Fields[0] != "frobnicate" {
		t.Errorf("fields = %v", apiErr.Fields)
	}
}

func TestMetadata_CachedAcrossCalls(t *testing.T) {
	e := newSDPEnv(t)
	var calls atomic.Int64
	e.mux.HandleFunc("GET /app/itdesk/api/v3/priorities", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{
			"response_status": [{"status_code":2000}],
			"priorities": [{"id":"1","name":"Low"},{"id":"4","name":"High"}]
		}`))
	})

	for i := 0; i < 3; i++ {
		ents, err := e.client.Metadata(context.Background(), "t1", MetaPriorities)
		if err != nil {
			t.Fatalf("Metadata: %v", err)
		}
		if len(ents) != 2 {
			t.Fatalf("entities = %d", len(ents))
		}
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}

	id, err := e.client.LookupID(context.Background(), "t1", MetaPriorities, "high")
	if err != nil || id != "4" {
		t.Errorf("LookupID = %q, %v", id, err)
	}
	if _, err := e.client.LookupID(context.Background(), "t1", MetaPriorities, "Critical"); err == nil {
		t.Error("LookupID of unknown name should fail")
	}
}

func TestMetadata_UnknownKind(t *testing.T) {
	e := newSDPEnv(t)
	_, err := e.client.Metadata(context.Background(), "t1", "unicorns")
	apiErr, ok := err.(*Error)
	if !ok || apiErr.Kind != KindValidation {
		t.Errorf("err = %v, want validation error", err)
	}
}

func TestDo_CallBudgetDenied(t *testing.T) {
	e := newSDPEnv(t)
	// Swap in a coordinator with no call budget left.
	coord := ratelimit.NewLocal(ratelimit.RefreshPolicy{
		MinGap: time.Millisecond, Window: time.Hour, WindowLimit: 1000,
	}, ratelimit.CallBudget{PerMinute: 1})
	coord.RecordCall(context.Background(), "t1")
	e.client.coord = coord

	_, err := e.client.GetRequest(context.Background(), "t1", "1")
	var denied *ratelimit.DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("err = %v, want DeniedError", err)
	}
}

func TestDo_NetworkRetry(t *testing.T) {
	e := newSDPEnv(t)
	// Point the tenant at a dead address.
	rec, _ := e.store.Get(context.Background(), "t1")
	rec.Tenant.BaseURL = "http://127.0.0.1:1"
	e.store.Upsert(context.Background(), rec)

	_, err := e.client.GetRequest(context.Background(), "t1", "1")
	apiErr, ok := err.(*Error)
	if !ok {
		t.Fatalf("err = %v, want *Error", err)
	}
	if apiErr.Kind != KindNetwork {
		t.Errorf("kind = %q, want network", apiErr.Kind)
	}
}

func TestBuildURL_EncodesInput(t *testing.T) {
	e := newSDPEnv(t)
	rec, _ := e.store.Get(context.Background(), "t1")

	u, err := e.client.buildURL(rec, http.MethodGet, "requests", `{"list_info":{"row_count":5}}`)
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	parsed, err := url.Parse(u)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Path != "/app/itdesk/api/v3/requests" {
		t.Errorf("path = %q", parsed.Path)
	}
	if got := parsed.Query().Get("input_data"); got != `{"list_info":{"row_count":5}}` {
		t.Errorf("input_data = %q", got)
	}
}
