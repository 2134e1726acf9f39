package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// outboxSize bounds messages queued for an SSE stream that is slow
	// to drain.
	outboxSize = 64
	// taskQueueSize bounds calls waiting for a session's serial worker.
	taskQueueSize = 32
)

// MCPSession represents one active MCP client connection: an SSE stream
// plus the POST endpoint messages arrive on. Calls submitted to a
// session run one at a time, in arrival order.
type MCPSession struct {
	ID        string
	TenantID  string
	Scopes    []string
	CreatedAt time.Time

	mu          sync.Mutex
	lastSeen    time.Time
	initialized bool

	outbox    chan []byte
	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(tenantID string, scopes []string) *MCPSession {
	s := &MCPSession{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Scopes:    scopes,
		CreatedAt: time.Now(),
		lastSeen:  time.Now(),
		outbox:    make(chan []byte, outboxSize),
		tasks:     make(chan func(), taskQueueSize),
		done:      make(chan struct{}),
	}
	go s.run()
	return s
}

// run is the session's serial worker: one call at a time, in order.
func (s *MCPSession) run() {
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.done:
			return
		}
	}
}

// Submit queues work for the session's serial worker.
func (s *MCPSession) Submit(fn func()) error {
	select {
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
	}
	select {
	case s.tasks <- fn:
		return nil
	default:
		return fmt.Errorf("session busy: %d calls already queued", taskQueueSize)
	}
}

// Send queues a JSON-RPC message for delivery on the SSE stream.
func (s *MCPSession) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
	}
	select {
	case s.outbox <- data:
		return nil
	default:
		// A stream that never drains gets torn down rather than leave
		// the client waiting on a response id that will never arrive;
		// reconnecting is the client's job.
		s.close()
		return fmt.Errorf("session outbox full, closing session")
	}
}

// Outbox is the stream of messages awaiting SSE delivery.
func (s *MCPSession) Outbox() <-chan []byte { return s.outbox }

// Done is closed when the session is torn down.
func (s *MCPSession) Done() <-chan struct{} { return s.done }

// Touch updates the last seen time.
func (s *MCPSession) Touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// LastSeen returns when the session last saw traffic.
func (s *MCPSession) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// MarkInitialized records a completed initialize handshake.
func (s *MCPSession) MarkInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// Initialized reports whether initialize has completed.
func (s *MCPSession) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *MCPSession) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// SessionManager manages MCP sessions
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*MCPSession // sessionID -> session
	ttl      time.Duration
}

// NewSessionManager creates a new session manager
func NewSessionManager(ttl time.Duration) *SessionManager {
	mgr := &SessionManager{
		sessions: make(map[string]*MCPSession),
		ttl:      ttl,
	}

	// Start cleanup goroutine
	go mgr.cleanupLoop()

	return mgr
}

// CreateSession creates a new MCP session for a tenant
func (sm *SessionManager) CreateSession(tenantID string, scopes []string) *MCPSession {
	session := newSession(tenantID, scopes)

	sm.mu.Lock()
	sm.sessions[session.ID] = session
	sm.mu.Unlock()

	log.Debug().
		Str("session_id", session.ID).
		Str("tenant_id", tenantID).
		Msg("created MCP session")

	return session
}

// GetSession retrieves a session by ID
func (sm *SessionManager) GetSession(sessionID string) (*MCPSession, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[sessionID]
	if !exists {
		return nil, fmt.Errorf("session not found")
	}

	return session, nil
}

// DeleteSession removes a session and stops its worker
func (sm *SessionManager) DeleteSession(sessionID string) {
	sm.mu.Lock()
	session, exists := sm.sessions[sessionID]
	delete(sm.sessions, sessionID)
	sm.mu.Unlock()

	if exists {
		session.close()
		log.Debug().
			Str("session_id", sessionID).
			Msg("deleted MCP session")
	}
}

// Len reports the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// sweepExpired removes sessions idle past the TTL.
func (sm *SessionManager) sweepExpired(now time.Time) int {
	sm.mu.Lock()
	var expired []*MCPSession
	for id, session := range sm.sessions {
		if now.Sub(session.LastSeen()) > sm.ttl {
			delete(sm.sessions, id)
			expired = append(expired, session)
		}
	}
	sm.mu.Unlock()

	for _, session := range expired {
		session.close()
	}
	return len(expired)
}

func (sm *SessionManager) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		if n := sm.sweepExpired(time.Now()); n > 0 {
			log.Info().
				Int("count", n).
				Msg("cleaned up idle MCP sessions")
		}
	}
}
