package store

import (
	"context"
	"time"

	"sync"

	"github.com/actionbridge/actionbridge/pkg/models"
	"github.com/rs/zerolog/log"
)

// MemorySessionStore is a thread-safe in-memory SessionStore with
// compare-and-set saves. Used in tests and single-node deployments.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.ParamCollectionSession // key: session id

	// now is swappable so tests can control expiry.
	now func() time.Time
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]*models.ParamCollectionSession),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's clock. Test hook.
func (m *MemorySessionStore) SetClock(now func() time.Time) { m.now = now }

// Save creates or updates a session with CAS semantics.
func (m *MemorySessionStore) Save(_ context.Context, session *models.ParamCollectionSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.sessions[session.SessionID]
	if session.Version == 0 {
		if ok {
			return ErrConflict
		}
		// At most one active session per (conversation, user): a create
		// that races another first turn loses here, not in map iteration.
		for _, s := range m.sessions {
			if s.Active && s.ConversationID == session.ConversationID &&
				s.UserID == session.UserID && !s.IsExpired(m.now()) {
				return ErrConflict
			}
		}
	} else {
		if !ok {
			return ErrNotFound
		}
		if existing.Version != session.Version {
			return ErrConflict
		}
	}

	session.Version++
	session.UpdatedAt = m.now()
	m.sessions[session.SessionID] = cloneSession(session)
	return nil
}

// GetByID returns the session, lazily sweeping it if expired.
func (m *MemorySessionStore) GetByID(_ context.Context, id string) (*models.ParamCollectionSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if s.IsExpired(m.now()) {
		delete(m.sessions, id)
		log.Debug().Str("session", id).Msg("Expired session swept on access")
		return nil, ErrExpired
	}
	return cloneSession(s), nil
}

// GetActiveByConversation returns the single active session for the
// (conversation, user) pair, lazily sweeping expired candidates.
func (m *MemorySessionStore) GetActiveByConversation(_ context.Context, conversationID, userID string) (*models.ParamCollectionSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := false
	for id, s := range m.sessions {
		if s.ConversationID != conversationID || !s.Active {
			continue
		}
		if userID != "" && s.UserID != userID {
			continue
		}
		if s.IsExpired(m.now()) {
			delete(m.sessions, id)
			expired = true
			continue
		}
		return cloneSession(s), nil
	}
	if expired {
		return nil, ErrExpired
	}
	return nil, ErrNotFound
}

// Delete removes a session by id.
func (m *MemorySessionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

// CleanupExpired sweeps every expired session.
func (m *MemorySessionStore) CleanupExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	count := 0
	for id, s := range m.sessions {
		if s.IsExpired(now) {
			delete(m.sessions, id)
			count++
		}
	}
	return count, nil
}
