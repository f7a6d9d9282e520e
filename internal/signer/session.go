// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package signer

import (
	"crypto/hmac"
	"errors"
	"sort"
	"sync"
	"time"

	"lukechampine.com/frand"

	"github.com/aplane-algo/bssigner/internal/auth"
	"github.com/aplane-algo/bssigner/internal/transport"
)

// TicketSize is the length of a session auth ticket in bytes.
const TicketSize = 32

var errNoSession = errors.New("no such session")

// SessionState is the lifecycle state of a client connection.
type SessionState int

const (
	SessionConnected SessionState = iota
	SessionAuthenticated
	SessionDisconnected
)

func (s SessionState) String() string {
	switch s {
	case SessionConnected:
		return "Connected"
	case SessionAuthenticated:
		return "Authenticated"
	case SessionDisconnected:
		return "Disconnected"
	default:
		return "unknown"
	}
}

// Session is one client connection.
type Session struct {
	ClientID    string
	ConnectedAt time.Time

	conn     transport.Sender
	mu       sync.Mutex
	state    SessionState
	ticket   []byte
	identity *auth.Identity
	userID   string
}

// State returns the session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the authenticated identity, or nil.
func (s *Session) Identity() *auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// UserID returns the trading user bound with SetUserId.
func (s *Session) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Session) setUserID(id string) {
	s.mu.Lock()
	s.userID = id
	s.mu.Unlock()
}

// ticketValid reports whether ticket is the session's current ticket.
func (s *Session) ticketValid(ticket []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == SessionAuthenticated && len(s.ticket) > 0 && hmac.Equal(s.ticket, ticket)
}

// invalidate drops the ticket; nothing more is processed for the session.
func (s *Session) invalidate() {
	s.mu.Lock()
	s.state = SessionDisconnected
	clear(s.ticket)
	s.ticket = nil
	s.mu.Unlock()
}

func (s *Session) send(data []byte) error {
	return s.conn.Send(data)
}

// Sessions is the table of connected clients keyed by client id.
type Sessions struct {
	mu sync.RWMutex
	m  map[string]*Session
}

// NewSessions creates an empty table.
func NewSessions() *Sessions {
	return &Sessions{m: make(map[string]*Session)}
}

// Add registers a new connection in state Connected.
func (t *Sessions) Add(clientID string, conn transport.Sender) *Session {
	s := &Session{ClientID: clientID, ConnectedAt: time.Now(), conn: conn, state: SessionConnected}
	t.mu.Lock()
	t.m[clientID] = s
	t.mu.Unlock()
	return s
}

// Get returns the session for clientID.
func (t *Sessions) Get(clientID string) (*Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.m[clientID]
	return s, ok
}

// Authenticate issues a fresh ticket for clientID. Any previous ticket stops working.
func (t *Sessions) Authenticate(clientID string, identity *auth.Identity) ([]byte, error) {
	s, ok := t.Get(clientID)
	if !ok {
		return nil, errNoSession
	}
	ticket := frand.Bytes(TicketSize)
	s.mu.Lock()
	s.state = SessionAuthenticated
	s.ticket = ticket
	s.identity = identity
	s.mu.Unlock()
	out := make([]byte, len(ticket))
	copy(out, ticket)
	return out, nil
}

// Remove marks the session disconnected, clears its ticket and drops it.
func (t *Sessions) Remove(clientID string) *Session {
	t.mu.Lock()
	s, ok := t.m[clientID]
	delete(t.m, clientID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	s.invalidate()
	return s
}

// Send delivers data to one client.
func (t *Sessions) Send(clientID string, data []byte) error {
	s, ok := t.Get(clientID)
	if !ok {
		return errNoSession
	}
	return s.send(data)
}

// Authenticated returns the ids of authenticated sessions, sorted.
func (t *Sessions) Authenticated() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.m))
	for id, s := range t.m {
		if s.State() == SessionAuthenticated {
			ids = append(ids, id)
		}
	}
	t.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Count returns the number of connected sessions.
func (t *Sessions) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// CloseAll closes every connection.
func (t *Sessions) CloseAll() {
	t.mu.RLock()
	conns := make([]transport.Sender, 0, len(t.m))
	for _, s := range t.m {
		conns = append(conns, s.conn)
	}
	t.mu.RUnlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
