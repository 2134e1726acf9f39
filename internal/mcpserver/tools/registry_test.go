package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func okHandler(_ context.Context, _ *ToolContext, _ json.RawMessage) (interface{}, error) {
	return map[string]any{"ok": true}, nil
}

func allScopes() []string {
	return []string{ScopeRequestsRead, ScopeRequestsCreate, ScopeRequestsUpdate, ScopeSetupRead}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	def := ToolDefinition{Name: "x"}
	if err := r.Register(def, okHandler); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(def, okHandler); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistryRejectsEmptyNameAndNilHandler(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(ToolDefinition{}, okHandler); err == nil {
		t.Fatal("expected empty name to be rejected")
	}
	if err := r.Register(ToolDefinition{Name: "x"}, nil); err == nil {
		t.Fatal("expected nil handler to be rejected")
	}
}

func TestRegisterAllToolsListsEverythingForFullGrant(t *testing.T) {
	r := NewRegistry()
	RegisterAllTools(r)

	descriptors := r.List(allScopes())
	if len(descriptors) != 12 {
		t.Fatalf("expected 12 tools, got %d", len(descriptors))
	}
	for _, d := range descriptors {
		if d.InputSchema == nil {
			t.Errorf("tool %s has no input schema", d.Name)
		}
		if d.Description == "" {
			t.Errorf("tool %s has no description", d.Name)
		}
	}
}

func TestListFiltersByScope(t *testing.T) {
	r := NewRegistry()
	RegisterAllTools(r)

	tests := []struct {
		name    string
		granted []string
		visible map[string]bool
		hidden  map[string]bool
	}{
		{
			name:    "read only",
			granted: []string{ScopeRequestsRead},
			visible: map[string]bool{"list_requests": true, "get_request": true, "search_requests": true, "list_notes": true},
			hidden:  map[string]bool{"create_request": true, "update_request": true, "close_request": true, "list_metadata": true},
		},
		{
			name:    "module ALL covers every request operation",
			granted: []string{"SDPOnDemand.requests.ALL"},
			visible: map[string]bool{"list_requests": true, "create_request": true, "close_request": true, "reply_to_requester": true},
			hidden:  map[string]bool{"list_metadata": true, "list_technicians": true},
		},
		{
			name:    "global ALL covers everything",
			granted: []string{"SDPOnDemand.ALL"},
			visible: map[string]bool{"list_requests": true, "list_metadata": true, "close_request": true},
		},
		{
			name:    "setup only",
			granted: []string{ScopeSetupRead},
			visible: map[string]bool{"list_metadata": true, "list_subcategories": true, "list_technicians": true},
			hidden:  map[string]bool{"list_requests": true, "add_note": true},
		},
		{
			name:    "no scopes hides everything",
			granted: nil,
			hidden:  map[string]bool{"list_requests": true, "list_metadata": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := map[string]bool{}
			for _, d := range r.List(tt.granted) {
				got[d.Name] = true
			}
			for name := range tt.visible {
				if !got[name] {
					t.Errorf("expected %s to be listed", name)
				}
			}
			for name := range tt.hidden {
				if got[name] {
					t.Errorf("expected %s to be hidden", name)
				}
			}
		})
	}
}

func TestCallUnknownTool(t *testing.T) {
	r := NewRegistry()
	RegisterAllTools(r)

	tc := NewToolContext(nil, "t1", "s1", allScopes(), nil, "")
	_, err := r.Call(context.Background(), tc, CallRequest{Name: "no_such_tool"})

	var te *ToolError
	if !errors.As(err, &te) || te.Code != ErrCodeMethodNotFound {
		t.Fatalf("expected METHOD_NOT_FOUND, got %v", err)
	}
}

func TestCallRejectsMissingScope(t *testing.T) {
	r := NewRegistry()
	RegisterAllTools(r)

	tc := NewToolContext(nil, "t1", "s1", []string{ScopeRequestsRead}, nil, "")
	_, err := r.Call(context.Background(), tc, CallRequest{
		Name:      "create_request",
		Arguments: json.RawMessage(`{"subject":"hi"}`),
	})

	var te *ToolError
	if !errors.As(err, &te) || te.Code != ErrCodeForbiddenByScope {
		t.Fatalf("expected FORBIDDEN_BY_SCOPE, got %v", err)
	}
	if te.Data["requiredScopes"] == nil {
		t.Error("expected requiredScopes in error data")
	}
}

func TestCallWrapsResultAsContent(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(ToolDefinition{Name: "echo"}, func(_ context.Context, _ *ToolContext, raw json.RawMessage) (interface{}, error) {
		return map[string]any{"echo": string(raw)}, nil
	})

	tc := NewToolContext(nil, "t1", "s1", nil, nil, "")
	result, err := r.Call(context.Background(), tc, CallRequest{Name: "echo", Arguments: json.RawMessage(`{"a":1}`)})
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}

	cr, ok := result.(CallResult)
	if !ok {
		t.Fatalf("expected CallResult, got %T", result)
	}
	if len(cr.Content) != 1 || cr.Content[0].Type != "text" {
		t.Fatalf("unexpected content: %+v", cr.Content)
	}
	if !strings.Contains(cr.Content[0].Text, `{\"a\":1}`) && !strings.Contains(cr.Content[0].Text, `{"a":1}`) {
		t.Errorf("echoed arguments missing from %q", cr.Content[0].Text)
	}
	if cr.IsError {
		t.Error("IsError set on success")
	}
}

func TestCallPropagatesHandlerError(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(ToolDefinition{Name: "boom"}, func(_ context.Context, _ *ToolContext, _ json.RawMessage) (interface{}, error) {
		return nil, NewToolError(ErrCodeUpstreamServer, "upstream fell over", nil)
	})

	tc := NewToolContext(nil, "t1", "s1", nil, nil, "")
	_, err := r.Call(context.Background(), tc, CallRequest{Name: "boom"})

	var te *ToolError
	if !errors.As(err, &te) || te.Code != ErrCodeUpstreamServer {
		t.Fatalf("expected UPSTREAM_SERVER, got %v", err)
	}
}
