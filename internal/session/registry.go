package session

import (
	"errors"
	"fmt"
	"sync"
)

var ErrDuplicateConn = errors.New("connection already registered")

// Registry is the set of currently open connections. Every method is a
// short critical section; nothing blocks while holding the lock.
type Registry struct {
	mu    sync.RWMutex
	conns map[ConnID]*Conn
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[ConnID]*Conn),
	}
}

// Insert registers an open connection. A connection that already left the
// Open state is never (re-)inserted.
func (r *Registry) Insert(c *Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state := c.State(); state != StateOpen {
		return fmt.Errorf("could not insert %s: %w (state %s)", c.ID(), ErrConnClosed, state)
	}
	if _, ok := r.conns[c.ID()]; ok {
		return fmt.Errorf("could not insert %s: %w", c.ID(), ErrDuplicateConn)
	}
	r.conns[c.ID()] = c
	return nil
}

// Remove deregisters id and reports whether it was present. Removing an
// absent id is a no-op.
func (r *Registry) Remove(id ConnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[id]; !ok {
		return false
	}
	delete(r.conns, id)
	return true
}

// RemoveAll deregisters every id in ids under a single lock and returns the
// ones that were present.
func (r *Registry) RemoveAll(ids []ConnID) []ConnID {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := make([]ConnID, 0, len(ids))
	for _, id := range ids {
		if _, ok := r.conns[id]; ok {
			delete(r.conns, id)
			removed = append(removed, id)
		}
	}
	return removed
}

func (r *Registry) Get(id ConnID) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.conns[id]
	return c, ok
}

// Snapshot copies the current set of connections. The slice is owned by the
// caller and does not change when the registry does.
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}
