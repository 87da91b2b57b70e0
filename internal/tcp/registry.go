package tcp

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultFanOut = 32

// ErrSessionNotFound is returned when no live session has the given id
var ErrSessionNotFound = errors.New("session not found")

// Registry indexes live sessions by client id. It holds lookup references
// only; sessions own their connections.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	fanOut   int
	logger   *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		fanOut:   defaultFanOut,
		logger:   logger,
	}
}

// Add registers s under its id, replacing any previous entry
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Remove drops the entry for id
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// removeSession drops the entry only if it still points at s
func (r *Registry) removeSession(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[s.ID()]; ok && current == s {
		delete(r.sessions, s.ID())
	}
}

// Get returns the session registered under id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Has reports whether a session is registered under id
func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// All returns a snapshot of the registered sessions
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// IDs returns the registered client ids in sorted order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Count returns the number of registered sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcast writes text to every registered session concurrently and returns
// how many writes succeeded. A failing session is logged and skipped.
func (r *Registry) Broadcast(ctx context.Context, text string) int {
	var (
		g         errgroup.Group
		delivered atomic.Int64
	)
	g.SetLimit(r.fanOut)

	for _, s := range r.All() {
		s := s
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := s.Send(text); err != nil {
				r.logger.Warn("broadcast to session failed",
					zap.Error(err),
					zap.String("session_id", s.ID()),
				)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	return int(delivered.Load())
}

// SendTo writes text to the session registered under id
func (r *Registry) SendTo(_ context.Context, id, text string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	return s.Send(text)
}
