package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/muurk/xcpgate/internal/symbols"
)

var (
	// ErrSessionConflict is returned by Init when con_id already has an
	// active session.
	ErrSessionConflict = errors.New("session already active")

	// ErrUnknownSession is returned for a con_id without an active session
	// visible to the calling connection.
	ErrUnknownSession = errors.New("unknown session")
)

// State of a session.
type State int

const (
	Active State = iota
	Terminated
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "terminated"
}

// Session binds a con_id to the connection that opened it and to the
// symbol table used to resolve names. Table may be nil.
type Session struct {
	ConID   string
	ConnID  uint64
	Table   *symbols.Table
	Created time.Time
	State   State
}

// Manager is the session table. Callers receive copies; the table is the
// only owner of live sessions.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byConn   map[uint64]map[string]struct{}
}

// NewManager returns an empty session table.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		byConn:   make(map[uint64]map[string]struct{}),
	}
}

// Init opens a session for conID on connection connID.
func (m *Manager) Init(conID string, connID uint64, table *symbols.Table) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[conID]; ok {
		return Session{}, ErrSessionConflict
	}

	s := &Session{
		ConID:   conID,
		ConnID:  connID,
		Table:   table,
		Created: time.Now(),
		State:   Active,
	}
	m.sessions[conID] = s
	bound, ok := m.byConn[connID]
	if !ok {
		bound = make(map[string]struct{})
		m.byConn[connID] = bound
	}
	bound[conID] = struct{}{}
	return *s, nil
}

// End terminates the session. last reports whether it was the final session
// bound to connID.
func (m *Manager) End(conID string, connID uint64) (last bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[conID]
	if !ok || s.ConnID != connID {
		return false, ErrUnknownSession
	}
	m.remove(s)
	return len(m.byConn[connID]) == 0, nil
}

// Lookup returns the active session for conID if connID owns it.
func (m *Manager) Lookup(conID string, connID uint64) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[conID]
	if !ok || s.ConnID != connID {
		return Session{}, ErrUnknownSession
	}
	return *s, nil
}

// DropConnection terminates every session bound to connID and returns
// their con_ids in order.
func (m *Manager) DropConnection(connID uint64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	bound := m.byConn[connID]
	ids := make([]string, 0, len(bound))
	for conID := range bound {
		ids = append(ids, conID)
	}
	sort.Strings(ids)
	for _, conID := range ids {
		m.remove(m.sessions[conID])
	}
	return ids
}

// Bound returns the con_ids owned by connID.
func (m *Manager) Bound(connID uint64) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.byConn[connID]))
	for conID := range m.byConn[connID] {
		ids = append(ids, conID)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of active sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// remove must be called with mu held.
func (m *Manager) remove(s *Session) {
	s.State = Terminated
	delete(m.sessions, s.ConID)
	if bound, ok := m.byConn[s.ConnID]; ok {
		delete(bound, s.ConID)
		if len(bound) == 0 {
			delete(m.byConn, s.ConnID)
		}
	}
}
