package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/otto/internal/statefile"
)

// Store is a file-backed registry of known sessions. It exists so the
// CLI and orchestrator can enumerate sessions without scanning queue
// and memory files.
type Store struct {
	mu       sync.Mutex
	path     string
	sessions map[string]Context
	now      func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// NewStore loads the registry from path, tolerating a missing file.
func NewStore(path string, opts ...StoreOption) (*Store, error) {
	s := &Store{
		path:     path,
		sessions: make(map[string]Context),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	var persisted []Context
	found, err := statefile.ReadJSON(path, &persisted)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	if found {
		for _, sc := range persisted {
			s.sessions[sc.SessionID] = sc
		}
	}
	return s, nil
}

// Ensure registers the session if it is new and returns its context.
// Known sessions are returned unchanged; the registry file is only
// rewritten on first sight.
func (s *Store) Ensure(sc Context) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[sc.SessionID]; ok {
		return existing, nil
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = s.now().UTC()
	}
	s.sessions[sc.SessionID] = sc
	if err := s.flushLocked(); err != nil {
		return Context{}, err
	}
	return sc, nil
}

// Get returns the session context and whether it is known.
func (s *Store) Get(sessionID string) (Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.sessions[sessionID]
	return sc, ok
}

// List returns all known sessions ordered by creation time.
func (s *Store) List() []Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Context, 0, len(s.sessions))
	for _, sc := range s.sessions {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Store) flushLocked() error {
	list := make([]Context, 0, len(s.sessions))
	for _, sc := range s.sessions {
		list = append(list, sc)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].SessionID < list[j].SessionID })
	return statefile.WriteJSON(s.path, list)
}
