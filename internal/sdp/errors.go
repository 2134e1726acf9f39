package sdp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Kind classifies an upstream failure by who can fix it.
type Kind string

const (
	// KindValidation: the request content was rejected. Caller fixes it.
	KindValidation Kind = "validation"
	// KindPermission: the tenant's role or scope forbids the operation.
	KindPermission Kind = "permission"
	// KindNotFound: the referenced entity does not exist.
	KindNotFound Kind = "not_found"
	// KindRateLimited: the service desk is throttling this tenant.
	KindRateLimited Kind = "rate_limited"
	// KindServer: the service desk itself failed.
	KindServer Kind = "server"
	// KindNetwork: the service desk could not be reached.
	KindNetwork Kind = "network"
	// KindAuth: the access token was rejected even after replacement.
	KindAuth Kind = "auth"
)

// Error is a failed service desk call, classified.
type Error struct {
	Kind       Kind
	StatusCode int
	InnerCode  int
	Message    string
	Fields     []string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "service desk %s error", e.Kind)
	if e.InnerCode != 0 {
		fmt.Fprintf(&b, " (code %d)", e.InnerCode)
	} else if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (http %d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, " [fields: %s]", strings.Join(e.Fields, ", "))
	}
	return b.String()
}

// Transient reports whether the failure reflects upstream health rather
// than request content, which is what the circuit breaker counts.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindServer, KindNetwork, KindRateLimited:
		return true
	}
	return false
}

// responseStatus is the service desk's per-operation verdict. List
// endpoints wrap it in an array; entity endpoints return it bare.
type responseStatus struct {
	Status     string          `json:"status"`
	StatusCode int             `json:"status_code"`
	Messages   []statusMessage `json:"messages"`
}

type statusMessage struct {
	StatusCode int    `json:"status_code"`
	Type       string `json:"type"`
	Message    string `json:"message"`
	Field      string `json:"field"`
}

func (rs *responseStatus) UnmarshalJSON(data []byte) error {
	data = []byte(strings.TrimSpace(string(data)))
	if len(data) > 0 && data[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(data, &arr); err != nil {
			return err
		}
		if len(arr) == 0 {
			return nil
		}
		data = arr[0]
	}
	type plain responseStatus
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*rs = responseStatus(p)
	return nil
}

const statusOK = 2000

// Inner status codes the service desk reports inside response_status.
const (
	codeFieldInvalid     = 4001
	codePermissionDenied = 4002
	codeServerError      = 4004
	codeNotFound         = 4007
	codeValueInvalid     = 4008
	codeExtraneousField  = 4009
	codeMandatoryMissing = 4012
	codeFormatInvalid    = 4014
	codeRateLimited      = 4015
	codeReadOnlyField    = 4016
	codeDuplicateValue   = 4021
	codeRoleDenied       = 7001
)

// classify turns an HTTP response into an *Error, or nil when the call
// succeeded (2xx with inner status 2000 or no inner status at all).
func classify(statusCode int, retryAfter time.Duration, rs *responseStatus) *Error {
	switch {
	case statusCode == http.StatusUnauthorized:
		return &Error{Kind: KindAuth, StatusCode: statusCode, Message: "access token rejected"}
	case statusCode == http.StatusTooManyRequests:
		if retryAfter <= 0 {
			retryAfter = time.Minute
		}
		return &Error{Kind: KindRateLimited, StatusCode: statusCode, RetryAfter: retryAfter}
	case statusCode >= 500:
		return &Error{Kind: KindServer, StatusCode: statusCode, Message: "service desk server error"}
	}

	inner := 0
	var msg string
	var fields []string
	if rs != nil {
		inner = rs.StatusCode
		for _, m := range rs.Messages {
			if m.Message != "" && msg == "" {
				msg = m.Message
			}
			if inner == 0 && m.StatusCode != 0 {
				inner = m.StatusCode
			}
			if m.Field != "" {
				fields = append(fields, m.Field)
			}
		}
	}

	if statusCode >= 200 && statusCode < 300 && (inner == 0 || inner == statusOK) {
		return nil
	}

	e := &Error{StatusCode: statusCode, InnerCode: inner, Message: msg, Fields: fields}
	switch inner {
	case codePermissionDenied, codeRoleDenied:
		e.Kind = KindPermission
	case codeNotFound:
		e.Kind = KindNotFound
	case codeServerError:
		e.Kind = KindServer
	case codeRateLimited:
		if retryAfter <= 0 {
			retryAfter = time.Minute
		}
		e.Kind = KindRateLimited
		e.RetryAfter = retryAfter
	case codeFieldInvalid, codeValueInvalid, codeExtraneousField,
		codeMandatoryMissing, codeFormatInvalid, codeReadOnlyField, codeDuplicateValue:
		e.Kind = KindValidation
	default:
		switch {
		case statusCode == http.StatusForbidden:
			e.Kind = KindPermission
		case statusCode == http.StatusNotFound:
			e.Kind = KindNotFound
		default:
			// Unknown 4xxx inner codes are almost always input trouble.
			e.Kind = KindValidation
		}
	}
	return e
}

// IsMandatoryFieldError reports whether err is the missing-mandatory
// validation failure for the named field.
func IsMandatoryFieldError(err error, field string) bool {
	e, ok := err.(*Error)
	if !ok || e.InnerCode != codeMandatoryMissing {
		return false
	}
	if field == "" {
		return true
	}
	for _, f := range e.Fields {
		if f == field {
			return true
		}
	}
	// Some deployments report the field only in the message text.
	return len(e.Fields) == 0 && strings.Contains(strings.ToLower(e.Message), strings.ToLower(field))
}
