package proxy

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the state of one accepted client connection. It is owned by the
// connection's goroutine and handed to the Hook explicitly.
type Session struct {
	ID         uuid.UUID
	Client     Transport
	ClientAddr net.Addr
	CreatedAt  time.Time

	// Host and Port are set once, when the Hook reports Ready.
	Host string
	Port uint16

	// State belongs to the Hook.
	State any
}

// Registry indexes the live sessions of a server by ID.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uuid.UUID]*Session)}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

func (r *Registry) remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Get returns the live session with the given ID.
func (r *Registry) Get(id uuid.UUID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Range calls f for each live session until f returns false. f must not
// add or remove sessions.
func (r *Registry) Range(f func(*Session) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if !f(s) {
			return
		}
	}
}
