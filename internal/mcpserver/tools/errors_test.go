package tools

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sdpbridge/sdpbridge/internal/breaker"
	"github.com/sdpbridge/sdpbridge/internal/ratelimit"
	"github.com/sdpbridge/sdpbridge/internal/sdp"
	"github.com/sdpbridge/sdpbridge/internal/token"
)

func TestToJSONRPCErrorCodes(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeInvalidParams, -32602},
		{ErrCodeMethodNotFound, -32601},
		{ErrCodeNeedsReauth, -32001},
		{ErrCodeForbiddenByScope, -32002},
		{ErrCodeRateLimited, -32003},
		{ErrCodeCircuitOpen, -32004},
		{ErrCodeUpstreamValidation, -32005},
		{ErrCodeUpstreamPermission, -32006},
		{ErrCodeNotFound, -32007},
		{ErrCodeUpstreamServer, -32008},
		{ErrCodeNetwork, -32009},
		{ErrCodeInternal, -32603},
		{ErrorCode("SOMETHING_ELSE"), -32603},
	}
	for _, tt := range tests {
		te := NewToolError(tt.code, "m", nil)
		code, msg, _ := te.ToJSONRPCError()
		if code != tt.want {
			t.Errorf("%s: got code %d, want %d", tt.code, code, tt.want)
		}
		if msg != "m" {
			t.Errorf("%s: message %q", tt.code, msg)
		}
	}
}

func TestWrapAdapterError(t *testing.T) {
	const setupURL = "https://bridge.example/oauth/setup"

	tests := []struct {
		name     string
		err      error
		wantCode ErrorCode
		check    func(t *testing.T, te *ToolError)
	}{
		{
			name:     "needs reauth carries setup url",
			err:      fmt.Errorf("obtaining token: %w", token.ErrNeedsReauth),
			wantCode: ErrCodeNeedsReauth,
			check: func(t *testing.T, te *ToolError) {
				if te.Data["setupUrl"] != setupURL {
					t.Errorf("setupUrl = %v", te.Data["setupUrl"])
				}
			},
		},
		{
			name:     "identity circuit open",
			err:      &token.UnavailableError{Reason: token.ReasonIdentityCircuitOpen, RetryAfter: 30 * time.Second},
			wantCode: ErrCodeCircuitOpen,
			check: func(t *testing.T, te *ToolError) {
				if te.Data["retryAfter"] != 30 {
					t.Errorf("retryAfter = %v", te.Data["retryAfter"])
				}
			},
		},
		{
			name:     "refresh rate limited",
			err:      &token.UnavailableError{Reason: token.ReasonRefreshRateLimited, RetryAfter: time.Minute},
			wantCode: ErrCodeRateLimited,
		},
		{
			name:     "call budget denied",
			err:      &ratelimit.DeniedError{Reason: ratelimit.ReasonCallBudget, RetryAfter: 5 * time.Second},
			wantCode: ErrCodeRateLimited,
			check: func(t *testing.T, te *ToolError) {
				if te.Data["reason"] != ratelimit.ReasonCallBudget {
					t.Errorf("reason = %v", te.Data["reason"])
				}
			},
		},
		{
			name:     "api breaker open",
			err:      &breaker.OpenError{Target: breaker.TargetAPI, RetryAfter: 20 * time.Second},
			wantCode: ErrCodeCircuitOpen,
			check: func(t *testing.T, te *ToolError) {
				if te.Data["target"] != "api" {
					t.Errorf("target = %v", te.Data["target"])
				}
			},
		},
		{
			name:     "upstream validation with fields",
			err:      &sdp.Error{Kind: sdp.KindValidation, InnerCode: 4012, Message: "closure_code is mandatory", Fields: []string{"closure_code"}},
			wantCode: ErrCodeUpstreamValidation,
			check: func(t *testing.T, te *ToolError) {
				if te.Data["statusCode"] != 4012 {
					t.Errorf("statusCode = %v", te.Data["statusCode"])
				}
			},
		},
		{
			name:     "upstream permission",
			err:      &sdp.Error{Kind: sdp.KindPermission, InnerCode: 4002, Message: "no permission"},
			wantCode: ErrCodeUpstreamPermission,
		},
		{
			name:     "not found",
			err:      &sdp.Error{Kind: sdp.KindNotFound, InnerCode: 4007},
			wantCode: ErrCodeNotFound,
		},
		{
			name:     "upstream rate limited",
			err:      &sdp.Error{Kind: sdp.KindRateLimited, RetryAfter: 42 * time.Second},
			wantCode: ErrCodeRateLimited,
			check: func(t *testing.T, te *ToolError) {
				if te.Data["retryAfter"] != 42 {
					t.Errorf("retryAfter = %v", te.Data["retryAfter"])
				}
			},
		},
		{
			name:     "upstream server error",
			err:      &sdp.Error{Kind: sdp.KindServer, StatusCode: 502},
			wantCode: ErrCodeUpstreamServer,
		},
		{
			name:     "network",
			err:      &sdp.Error{Kind: sdp.KindNetwork, Message: "dial tcp: timeout"},
			wantCode: ErrCodeNetwork,
		},
		{
			name:     "api auth maps to reauth with setup url",
			err:      &sdp.Error{Kind: sdp.KindAuth, StatusCode: 401},
			wantCode: ErrCodeNeedsReauth,
			check: func(t *testing.T, te *ToolError) {
				if te.Data["setupUrl"] != setupURL {
					t.Errorf("setupUrl = %v", te.Data["setupUrl"])
				}
			},
		},
		{
			name:     "unknown error is internal",
			err:      errors.New("surprise"),
			wantCode: ErrCodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := WrapAdapterError(tt.err, setupURL)
			var te *ToolError
			if !errors.As(wrapped, &te) {
				t.Fatalf("expected *ToolError, got %T", wrapped)
			}
			if te.Code != tt.wantCode {
				t.Fatalf("code = %s, want %s", te.Code, tt.wantCode)
			}
			if tt.check != nil {
				tt.check(t, te)
			}
		})
	}
}

func TestWrapAdapterErrorPassesThroughToolErrors(t *testing.T) {
	orig := NewToolError(ErrCodeInvalidParams, "bad", nil)
	wrapped := WrapAdapterError(orig, "")
	if wrapped != orig {
		t.Fatalf("expected pass-through, got %v", wrapped)
	}
}

func TestWrapAdapterErrorNil(t *testing.T) {
	if WrapAdapterError(nil, "x") != nil {
		t.Fatal("nil should stay nil")
	}
}
