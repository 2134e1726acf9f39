package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/sdpbridge/sdpbridge/internal/auth"
	"github.com/sdpbridge/sdpbridge/internal/store"
	"github.com/sdpbridge/sdpbridge/internal/token"
)

// setupRequest is the operator-facing onboarding payload.
type setupRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	DataCenter   string `json:"data_center"`
	Instance     string `json:"instance"`
	BaseURL      string `json:"base_url,omitempty"`
	Code         string `json:"code"`
	RedirectURI  string `json:"redirect_uri,omitempty"`
	DisplayName  string `json:"display_name,omitempty"`
}

// handleSetup onboards (or re-onboards) a tenant from a fresh
// authorization code.
func (s *MCPServer) handleSetup(w http.ResponseWriter, r *http.Request) {
	var req setupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	dc := store.DataCenter(req.DataCenter)
	if req.DataCenter == "" {
		dc = store.DataCenter(s.cfg.DefaultDataCenter)
	}

	tenant, err := s.tokens.Onboard(r.Context(), token.OnboardParams{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		DataCenter:   dc,
		Instance:     req.Instance,
		BaseURL:      req.BaseURL,
		Code:         req.Code,
		RedirectURI:  req.RedirectURI,
		DisplayName:  req.DisplayName,
	})
	if err != nil {
		log.Warn().Err(err).Str("operator", auth.Operator(r.Context())).Msg("tenant onboarding failed")
		writeJSONError(w, setupStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"tenant": tenant,
	})
}

// setupStatus maps onboarding failures onto HTTP statuses: provider
// rejections are the operator's problem (bad code, bad client), storage
// trouble is ours.
func setupStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

// handleResetLimits clears a tenant's refresh and call budget counters.
func (s *MCPServer) handleResetLimits(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	if err := s.coord.ResetLimits(r.Context(), tenantID); err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("operator", auth.Operator(r.Context())).
		Msg("tenant rate limits reset")
	w.WriteHeader(http.StatusNoContent)
}

// handleOffboard revokes a tenant's grant and removes its record.
func (s *MCPServer) handleOffboard(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	if err := s.tokens.Offboard(r.Context(), tenantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, "tenant not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().
		Str("tenant_id", tenantID).
		Str("operator", auth.Operator(r.Context())).
		Msg("tenant offboarded")
	w.WriteHeader(http.StatusNoContent)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
