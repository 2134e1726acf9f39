package tools

import (
	"github.com/rs/zerolog"

	"github.com/sdpbridge/sdpbridge/internal/sdp"
)

// ToolContext provides shared resources for tool handlers: the tenant
// the session authenticated as, its granted scopes, and the service
// desk client.
type ToolContext struct {
	Logger    *zerolog.Logger
	TenantID  string
	SessionID string
	Scopes    []string
	SDP       *sdp.Client
	// SetupURL is where a tenant re-authorizes, surfaced on
	// needs-reauth errors.
	SetupURL string
}

// NewToolContext creates a handler context for one session.
func NewToolContext(logger *zerolog.Logger, tenantID, sessionID string, scopes []string, client *sdp.Client, setupURL string) *ToolContext {
	return &ToolContext{
		Logger:    logger,
		TenantID:  tenantID,
		SessionID: sessionID,
		Scopes:    scopes,
		SDP:       client,
		SetupURL:  setupURL,
	}
}

// wrapErr converts adapter errors using this session's setup URL.
func (tc *ToolContext) wrapErr(err error) error {
	return WrapAdapterError(err, tc.SetupURL)
}
