package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session represents one client connection.
type Session struct {
	ID          string    `json:"session_id"`
	Remote      string    `json:"remote"`
	TitleID     string    `json:"title_id,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
	OpenHandles int       `json:"open_handles"`
	Dumps       int       `json:"active_dumps"`
}

// Store is a thread-safe in-memory registry of live connections.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]Session // keyed by session ID
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]Session),
	}
}

// Create registers a new connection from remote and returns it.
func (s *Store) Create(remote string) Session {
	session := Session{
		ID:          uuid.NewString(),
		Remote:      remote,
		ConnectedAt: time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	return session
}

// Update applies fn to the session with the given ID.
// Returns false if the session does not exist.
func (s *Store) Update(id string, fn func(*Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return false
	}
	fn(&session)
	session.ID = id
	s.sessions[id] = session
	return true
}

// Get retrieves a session by ID.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[id]
	return session, exists
}

// Delete removes a session.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// List returns all sessions, oldest first.
func (s *Store) List() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
