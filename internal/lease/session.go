package lease

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session binds an interactive caller to the ICC it locked.
type Session struct {
	ID      string    `json:"id"`
	ICC     string    `json:"icc"`
	Created time.Time `json:"created"`
}

// Sessions is the session table. A session lives from Create to Remove.
type Sessions struct {
	mu    sync.RWMutex
	byID  map[string]Session
	clock Clock
}

func NewSessions(clock Clock) *Sessions {
	if clock == nil {
		clock = RealClock{}
	}
	return &Sessions{
		byID:  make(map[string]Session),
		clock: clock,
	}
}

// NewID mints a session id. Callers lock with SessionOwner(id) before
// registering the session with Add.
func NewID() string {
	return uuid.NewString()
}

// Add registers id for icc.
func (s *Sessions) Add(id, icc string) {
	s.mu.Lock()
	s.byID[id] = Session{ID: id, ICC: icc, Created: s.clock.Now()}
	s.mu.Unlock()
}

// Create registers a new session for icc and returns its id.
func (s *Sessions) Create(icc string) string {
	id := NewID()
	s.Add(id, icc)
	return id
}

// Lookup returns the ICC bound to id.
func (s *Sessions) Lookup(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.byID[id]
	return sess.ICC, ok
}

// Remove deletes id and returns the ICC it was bound to.
func (s *Sessions) Remove(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byID[id]
	if ok {
		delete(s.byID, id)
	}
	return sess.ICC, ok
}

func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// List returns all sessions, oldest first.
func (s *Sessions) List() []Session {
	s.mu.RLock()
	out := make([]Session, 0, len(s.byID))
	for _, sess := range s.byID {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}
