package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/sdpbridge/sdpbridge/internal/auth"
	"github.com/sdpbridge/sdpbridge/internal/config"
	"github.com/sdpbridge/sdpbridge/internal/crypto"
	"github.com/sdpbridge/sdpbridge/internal/mcpserver/tools"
	"github.com/sdpbridge/sdpbridge/internal/ratelimit"
	"github.com/sdpbridge/sdpbridge/internal/sdp"
	"github.com/sdpbridge/sdpbridge/internal/store"
	"github.com/sdpbridge/sdpbridge/internal/token"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "sdpbridge"
	serverVersion   = "1.0.0"
	setupPath       = "/oauth/setup"
)

// Deps are the broker subsystems the server dispatches into.
type Deps struct {
	Store       store.Store
	Box         *crypto.Box
	Tokens      *token.Manager
	SDP         *sdp.Client
	Coordinator ratelimit.Coordinator
}

// MCPServer is the SSE-transport MCP server: one GET /sse stream per
// session, JSON-RPC posted to /message, responses delivered as SSE
// message events.
type MCPServer struct {
	cfg          *config.Config
	store        store.Store
	box          *crypto.Box
	tokens       *token.Manager
	sdpClient    *sdp.Client
	coord        ratelimit.Coordinator
	sessionMgr   *SessionManager
	toolRegistry *tools.Registry
	credCache    *auth.CredentialCache
	httpServer   *http.Server
}

// NewMCPServer creates a new MCP server
func NewMCPServer(cfg *config.Config, deps Deps) *MCPServer {
	toolRegistry := tools.NewRegistry()
	tools.RegisterAllTools(toolRegistry)

	return &MCPServer{
		cfg:          cfg,
		store:        deps.Store,
		box:          deps.Box,
		tokens:       deps.Tokens,
		sdpClient:    deps.SDP,
		coord:        deps.Coordinator,
		sessionMgr:   NewSessionManager(cfg.SessionIdleTimeout),
		toolRegistry: toolRegistry,
		credCache:    auth.NewCredentialCache(),
	}
}

// Routes builds the HTTP handler.
func (s *MCPServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/sse", s.handleSSE)
	r.Post("/message", s.handleMessage)
	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(auth.JWTCfg{
			HS256Secret: s.cfg.AdminJWTSecret,
			DevMode:     s.cfg.DevMode,
		}))
		r.Post(setupPath, s.handleSetup)
		r.Post("/admin/tenants/{tenantID}/reset-limits", s.handleResetLimits)
		r.Delete("/admin/tenants/{tenantID}", s.handleOffboard)
	})

	return r
}

// Start starts the HTTP server
func (s *MCPServer) Start() error {
	s.httpServer = &http.Server{
		Addr:        s.cfg.ListenAddr,
		Handler:     s.Routes(),
		ReadTimeout: 30 * time.Second,
		// WriteTimeout is intentionally omitted: SSE streams stay open
		// for the life of the session.
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting MCP server")
	if s.cfg.TLSCertFile != "" {
		return s.httpServer.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *MCPServer) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// authenticateTenant resolves and verifies the credentials on a
// request, returning the tenant's stored record.
func (s *MCPServer) authenticateTenant(r *http.Request) (*store.Record, error) {
	creds, err := auth.TenantCredentials(r)
	if err != nil {
		return nil, err
	}

	tenantID := store.TenantIDFromClientID(creds.ClientID)
	rec, err := s.store.Get(r.Context(), tenantID)
	if err != nil {
		return nil, err
	}

	if !s.credCache.Get(tenantID, creds) {
		secret, err := s.box.Decrypt(tenantID, rec.EncClientSecret)
		if err != nil {
			return nil, fmt.Errorf("verifying credentials: %w", err)
		}
		if !creds.Verify(string(secret)) {
			return nil, auth.ErrMalformedCredentials
		}
		s.credCache.Set(tenantID, creds)
	}

	return rec, nil
}

// handleSSE establishes a session and its event stream. The first
// event names the endpoint to POST messages to; afterwards the stream
// carries JSON-RPC responses and periodic keepalive comments.
func (s *MCPServer) handleSSE(w http.ResponseWriter, r *http.Request) {
	rec, err := s.authenticateTenant(r)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrStorageUnavailable):
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
		return
	default:
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	session := s.sessionMgr.CreateSession(rec.Tenant.ID, rec.Scopes)
	defer s.sessionMgr.DeleteSession(session.ID)

	stream, err := NewSSEStream(r.Context(), w, session.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer stream.Close()

	if err := stream.SendEndpoint("/message?session=" + session.ID); err != nil {
		return
	}

	log.Info().
		Str("session_id", session.ID).
		Str("tenant_id", rec.Tenant.ID).
		Msg("SSE stream established")

	interval := s.cfg.KeepAliveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	keepalive := time.NewTicker(interval)
	defer keepalive.Stop()

	for {
		select {
		case data := <-session.Outbox():
			if err := stream.SendMessage(data); err != nil {
				return
			}
		case <-keepalive.C:
			if err := stream.SendKeepAlive(); err != nil {
				return
			}
		case <-r.Context().Done():
			log.Info().Str("session_id", session.ID).Msg("SSE stream closed by client")
			return
		case <-session.Done():
			log.Info().Str("session_id", session.ID).Msg("SSE stream closed")
			return
		}
	}
}

// handleMessage accepts one JSON-RPC message for a session. The
// session id is an unguessable capability minted on the SSE handshake;
// processing is queued on the session's serial worker and the response
// travels back over the stream, so success here is 202.
func (s *MCPServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		http.Error(w, "missing session parameter", http.StatusBadRequest)
		return
	}

	session, err := s.sessionMgr.GetSession(sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	// Credentials are optional on POST, but when presented they must
	// belong to the session's tenant.
	if creds, cerr := auth.TenantCredentials(r); cerr == nil {
		if store.TenantIDFromClientID(creds.ClientID) != session.TenantID {
			http.Error(w, "tenant mismatch", http.StatusForbidden)
			return
		}
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(session, nil, ParseError, "invalid JSON", nil)
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}

	session.Touch()

	if req.JSONRPC != "2.0" {
		s.respondError(session, req.ID, InvalidRequest, "invalid jsonrpc version", nil)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := session.Submit(func() { s.dispatch(session, &req) }); err != nil {
		s.respondError(session, req.ID, InternalError, err.Error(), nil)
	}
	w.WriteHeader(http.StatusAccepted)
}

// dispatch runs one JSON-RPC request on the session worker.
func (s *MCPServer) dispatch(session *MCPSession, req *JSONRPCRequest) {
	logger := log.With().
		Str("session_id", session.ID).
		Str("tenant_id", session.TenantID).
		Str("method", req.Method).
		Logger()

	switch req.Method {
	case "initialize":
		session.MarkInitialized()
		s.respondResult(session, req.ID, map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools": map[string]interface{}{},
			},
			"serverInfo": map[string]interface{}{
				"name":    serverName,
				"version": serverVersion,
			},
		})

	case "notifications/initialized":
		// Notification, no response.

	case "ping":
		s.respondResult(session, req.ID, map[string]interface{}{})

	case "tools/list":
		s.respondResult(session, req.ID, map[string]interface{}{
			"tools": s.toolRegistry.List(session.Scopes),
		})

	case "tools/call":
		var callReq tools.CallRequest
		if err := json.Unmarshal(req.Params, &callReq); err != nil {
			s.respondError(session, req.ID, InvalidParams, "invalid tool call parameters", nil)
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
		defer cancel()
		// Session teardown aborts the in-flight call.
		go func() {
			select {
			case <-session.Done():
				cancel()
			case <-ctx.Done():
			}
		}()

		toolCtx := tools.NewToolContext(&logger, session.TenantID, session.ID, session.Scopes, s.sdpClient, setupPath)
		result, err := s.toolRegistry.Call(ctx, toolCtx, callReq)
		if err != nil {
			var toolErr *tools.ToolError
			if errors.As(err, &toolErr) {
				code, message, data := toolErr.ToJSONRPCError()
				s.respondError(session, req.ID, code, message, data)
			} else {
				s.respondError(session, req.ID, InternalError, err.Error(), nil)
			}
			return
		}
		s.respondResult(session, req.ID, result)

	default:
		if req.IsNotification() {
			logger.Debug().Msg("ignoring unknown notification")
			return
		}
		s.respondError(session, req.ID, MethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}
}

func (s *MCPServer) respondResult(session *MCPSession, id json.RawMessage, result interface{}) {
	if len(id) == 0 {
		return
	}
	if err := session.Send(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  mustMarshal(result),
	}); err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Msg("failed to queue response")
	}
}

func (s *MCPServer) respondError(session *MCPSession, id json.RawMessage, code int, message string, data json.RawMessage) {
	if err := session.Send(JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}); err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Msg("failed to queue error response")
	}
}

func (s *MCPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func mustMarshal(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
