package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/sdpbridge/sdpbridge/internal/breaker"
	"github.com/sdpbridge/sdpbridge/internal/ratelimit"
	"github.com/sdpbridge/sdpbridge/internal/sdp"
	"github.com/sdpbridge/sdpbridge/internal/token"
)

// ToolError represents a structured error from tool execution
type ToolError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorCode categorizes tool errors for JSON-RPC translation
type ErrorCode string

const (
	ErrCodeInvalidParams      ErrorCode = "INVALID_PARAMS"
	ErrCodeMethodNotFound     ErrorCode = "METHOD_NOT_FOUND"
	ErrCodeNeedsReauth        ErrorCode = "NEEDS_REAUTH"
	ErrCodeForbiddenByScope   ErrorCode = "FORBIDDEN_BY_SCOPE"
	ErrCodeRateLimited        ErrorCode = "RATE_LIMITED"
	ErrCodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	ErrCodeUpstreamValidation ErrorCode = "UPSTREAM_VALIDATION"
	ErrCodeUpstreamPermission ErrorCode = "UPSTREAM_PERMISSION"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeUpstreamServer     ErrorCode = "UPSTREAM_SERVER"
	ErrCodeNetwork            ErrorCode = "NETWORK"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// NewToolError creates a tool error with optional data
func NewToolError(code ErrorCode, message string, data map[string]any) *ToolError {
	return &ToolError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// ToJSONRPCError converts a ToolError to its JSON-RPC wire code.
// Application conditions use the server-reserved -32000..-32099 band.
func (e *ToolError) ToJSONRPCError() (int, string, json.RawMessage) {
	var code int
	switch e.Code {
	case ErrCodeInvalidParams:
		code = -32602
	case ErrCodeMethodNotFound:
		code = -32601
	case ErrCodeNeedsReauth:
		code = -32001
	case ErrCodeForbiddenByScope:
		code = -32002
	case ErrCodeRateLimited:
		code = -32003
	case ErrCodeCircuitOpen:
		code = -32004
	case ErrCodeUpstreamValidation:
		code = -32005
	case ErrCodeUpstreamPermission:
		code = -32006
	case ErrCodeNotFound:
		code = -32007
	case ErrCodeUpstreamServer:
		code = -32008
	case ErrCodeNetwork:
		code = -32009
	default:
		code = -32603
	}

	var data json.RawMessage
	if e.Data != nil {
		dataBytes, _ := json.Marshal(e.Data)
		data = dataBytes
	}
	return code, e.Message, data
}

func retryAfterSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}

// WrapAdapterError converts token, rate-limit, breaker, and service
// desk errors into ToolErrors the assistant can act on. setupURL is
// included on re-auth errors so the operator knows where to send the
// tenant.
func WrapAdapterError(err error, setupURL string) error {
	if err == nil {
		return nil
	}

	var te *ToolError
	if errors.As(err, &te) {
		return te
	}

	if errors.Is(err, token.ErrNeedsReauth) {
		data := map[string]any{}
		if setupURL != "" {
			data["setupUrl"] = setupURL
		}
		return NewToolError(ErrCodeNeedsReauth,
			"The connection to the service desk must be re-authorized", data)
	}

	var unavail *token.UnavailableError
	if errors.As(err, &unavail) {
		code := ErrCodeRateLimited
		if unavail.Reason == token.ReasonIdentityCircuitOpen {
			code = ErrCodeCircuitOpen
		}
		return NewToolError(code, "Access token temporarily unavailable", map[string]any{
			"reason":     unavail.Reason,
			"retryAfter": retryAfterSeconds(unavail.RetryAfter),
		})
	}

	var denied *ratelimit.DeniedError
	if errors.As(err, &denied) {
		return NewToolError(ErrCodeRateLimited, "Rate limit exceeded", map[string]any{
			"reason":     denied.Reason,
			"retryAfter": retryAfterSeconds(denied.RetryAfter),
		})
	}

	var open *breaker.OpenError
	if errors.As(err, &open) {
		return NewToolError(ErrCodeCircuitOpen, "Upstream temporarily unavailable", map[string]any{
			"target":     string(open.Target),
			"retryAfter": retryAfterSeconds(open.RetryAfter),
		})
	}

	var apiErr *sdp.Error
	if errors.As(err, &apiErr) {
		return wrapAPIError(apiErr, setupURL)
	}

	return NewToolError(ErrCodeInternal, err.Error(), nil)
}

func wrapAPIError(apiErr *sdp.Error, setupURL string) *ToolError {
	data := map[string]any{}
	if apiErr.InnerCode != 0 {
		data["statusCode"] = apiErr.InnerCode
	}
	if len(apiErr.Fields) > 0 {
		data["fields"] = apiErr.Fields
	}
	if apiErr.RetryAfter > 0 {
		data["retryAfter"] = retryAfterSeconds(apiErr.RetryAfter)
	}
	if len(data) == 0 {
		data = nil
	}

	msg := apiErr.Message
	if msg == "" {
		msg = apiErr.Error()
	}

	switch apiErr.Kind {
	case sdp.KindValidation:
		return NewToolError(ErrCodeUpstreamValidation, msg, data)
	case sdp.KindPermission:
		return NewToolError(ErrCodeUpstreamPermission, msg, data)
	case sdp.KindNotFound:
		return NewToolError(ErrCodeNotFound, msg, data)
	case sdp.KindRateLimited:
		return NewToolError(ErrCodeRateLimited, "Service desk rate limit exceeded", data)
	case sdp.KindServer:
		return NewToolError(ErrCodeUpstreamServer, msg, data)
	case sdp.KindNetwork:
		return NewToolError(ErrCodeNetwork, "Service desk unreachable", data)
	case sdp.KindAuth:
		d := map[string]any{}
		if setupURL != "" {
			d["setupUrl"] = setupURL
		}
		return NewToolError(ErrCodeNeedsReauth,
			"The connection to the service desk must be re-authorized", d)
	}
	return NewToolError(ErrCodeInternal, msg, data)
}
