package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/randomchat/internal/chat"
)

// entry wraps one session with its own lock so that work on independent
// sessions never contends.
type entry struct {
	mu sync.Mutex
	cs *chat.ChatSession
}

// Store is the in-memory session store.
//
// Lock order: entry.mu may be held while taking s.mu, never the reverse.
type Store struct {
	archive Archive

	mu       sync.RWMutex
	sessions map[string]*entry
	active   map[string]string // user id -> active session id
	latest   map[string]string // user id -> most recent session id
	anon     map[string]string // anonymous id -> active session id
}

// NewStore creates an empty store. archive may be nil, in which case purged
// sessions are simply dropped.
func NewStore(archive Archive) *Store {
	return &Store{
		archive:  archive,
		sessions: make(map[string]*entry),
		active:   make(map[string]string),
		latest:   make(map[string]string),
		anon:     make(map[string]string),
	}
}

// Create registers a new active session. It fails with
// chat.ErrAlreadyInSession if either participant already has a non-ended
// session.
func (s *Store) Create(cs *chat.ChatSession) error {
	if cs == nil || !cs.IsActive() {
		return fmt.Errorf("session: create: %w", chat.ErrSessionNotActive)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[cs.ID]; exists {
		return fmt.Errorf("session: create: duplicate id %s", cs.ID)
	}
	for _, p := range cs.Participants {
		if _, busy := s.active[p.UserID]; busy {
			return chat.ErrAlreadyInSession
		}
	}

	s.sessions[cs.ID] = &entry{cs: cs}
	for _, p := range cs.Participants {
		s.active[p.UserID] = cs.ID
		s.latest[p.UserID] = cs.ID
		s.anon[p.AnonymousID] = cs.ID
	}
	return nil
}

func (s *Store) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	return e, ok
}

// Get returns a snapshot of the session.
func (s *Store) Get(id string) (*chat.ChatSession, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, chat.ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cs.Clone(), nil
}

// Update runs fn with exclusive access to the session. If fn moves the
// session out of the active state, the per-user indexes are retired before
// Update returns, so no later caller can observe a half-ended session.
//
// The returned snapshot reflects the session after fn, whether or not fn
// failed. fn must leave the session untouched when it returns an error.
func (s *Store) Update(id string, fn func(cs *chat.ChatSession) error) (*chat.ChatSession, error) {
	e, ok := s.lookup(id)
	if !ok {
		return nil, chat.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	wasActive := e.cs.IsActive()
	err := fn(e.cs)
	if wasActive && !e.cs.IsActive() {
		s.retire(e.cs)
	}
	return e.cs.Clone(), err
}

// retire drops the active indexes of an ended session. Called with the
// entry lock held.
func (s *Store) retire(cs *chat.ChatSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range cs.Participants {
		if s.active[p.UserID] == cs.ID {
			delete(s.active, p.UserID)
		}
		if s.anon[p.AnonymousID] == cs.ID {
			delete(s.anon, p.AnonymousID)
		}
	}
}

// ActiveSessionID returns the id of the user's non-ended session, if any.
func (s *Store) ActiveSessionID(userID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[userID]
	return id, ok
}

// InSession reports whether the user currently has an active session.
func (s *Store) InSession(userID string) bool {
	_, ok := s.ActiveSessionID(userID)
	return ok
}

// Latest returns a snapshot of the most recent session the user took part
// in, active or ended, as long as it is still retained.
func (s *Store) Latest(userID string) (*chat.ChatSession, bool) {
	s.mu.RLock()
	id, ok := s.latest[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	cs, err := s.Get(id)
	if err != nil {
		return nil, false
	}
	return cs, true
}

// Forget clears the user's pointer to their most recent ended session. It
// is a no-op while the user is still in an active session.
func (s *Store) Forget(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[userID]; busy {
		return
	}
	delete(s.latest, userID)
}

// AnonymousIDInUse reports whether anonID belongs to a participant of an
// active session.
func (s *Store) AnonymousIDInUse(anonID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.anon[anonID]
	return ok
}

// ActiveCount returns the number of active sessions.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active) / 2
}

// Len returns the number of retained sessions, active or ended.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) entries() map[string]*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*entry, len(s.sessions))
	for id, e := range s.sessions {
		out[id] = e
	}
	return out
}

// Idle returns the ids of active sessions whose last activity is older than
// before.
func (s *Store) Idle(before time.Time) []string {
	var ids []string
	for id, e := range s.entries() {
		e.mu.Lock()
		if e.cs.IsActive() && e.cs.LastActivityAt.Before(before) {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	return ids
}

// Purge drops ended sessions whose end time is older than endedBefore. When
// an archive is configured each session is saved first; sessions that fail
// to archive stay in memory for the next pass. It returns the number of
// sessions removed.
func (s *Store) Purge(ctx context.Context, endedBefore time.Time) (int, error) {
	var (
		purged int
		errs   []error
	)
	for id, e := range s.entries() {
		e.mu.Lock()
		expired := !e.cs.IsActive() && e.cs.EndTime.Before(endedBefore)
		var snap *chat.ChatSession
		if expired {
			snap = e.cs.Clone()
		}
		e.mu.Unlock()
		if !expired {
			continue
		}

		if s.archive != nil {
			if err := s.archive.Save(ctx, snap); err != nil {
				errs = append(errs, fmt.Errorf("session: archive %s: %w", id, err))
				continue
			}
		}

		s.mu.Lock()
		delete(s.sessions, id)
		for _, p := range snap.Participants {
			if s.latest[p.UserID] == id {
				delete(s.latest, p.UserID)
			}
		}
		s.mu.Unlock()
		purged++
	}
	return purged, errors.Join(errs...)
}
