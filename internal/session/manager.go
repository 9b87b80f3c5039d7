// Package session owns the in-memory session caches for the remote tools
// and the allow-list policy store backing them.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/manlab/manlab/internal/common/constants"
	"github.com/manlab/manlab/internal/session/models"
)

// Manager holds the live sessions of one kind. Sessions are process-local:
// they die with the server, which is acceptable because every session is
// TTL-bounded and cheap to recreate.
type Manager struct {
	kind models.Kind

	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewManager creates an empty session manager for one kind.
func NewManager(kind models.Kind) *Manager {
	return &Manager{
		kind:     kind,
		sessions: make(map[string]*models.Session),
	}
}

// ClampTTL bounds a requested TTL to [1 s, 3600 s]. Zero and negative
// requests get the minimum.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl < constants.SessionTTLMin {
		return constants.SessionTTLMin
	}
	if ttl > constants.SessionTTLMax {
		return constants.SessionTTLMax
	}
	return ttl
}

// Create mints a session with a clamped TTL and registers it.
func (m *Manager) Create(nodeID, policyID, root, requester string, byteLimit int64, ttl time.Duration) *models.Session {
	now := time.Now().UTC()
	s := &models.Session{
		ID:        uuid.New().String(),
		NodeID:    nodeID,
		Kind:      m.kind,
		PolicyID:  policyID,
		Root:      root,
		ByteLimit: byteLimit,
		Requester: requester,
		State:     models.StateOpen,
		CreatedAt: now,
		ExpiresAt: now.Add(ClampTTL(ttl)),
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// TryGet returns an open, non-expired session. Expired sessions are never
// revived; they stay for the cleanup worker to reap.
func (m *Manager) TryGet(sessionID string) (*models.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok || s.State != models.StateOpen || s.Expired(time.Now().UTC()) {
		return nil, false
	}
	return s, true
}

// Close marks a session closed and removes it. Idempotent.
func (m *Manager) Close(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.State = models.StateClosed
		delete(m.sessions, sessionID)
	}
}

// ReapExpired marks and removes every expired session, returning the reaped
// sessions so the caller can run per-kind teardown (terminal.close).
func (m *Manager) ReapExpired(now time.Time) []*models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	reaped := []*models.Session{}
	for id, s := range m.sessions {
		if s.Expired(now) {
			s.State = models.StateExpired
			delete(m.sessions, id)
			reaped = append(reaped, s)
		}
	}
	return reaped
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
