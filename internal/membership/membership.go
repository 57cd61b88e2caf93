package membership

import (
	"sync"
)

// Membership tracks which users are in which sessions, independently of
// whether they are connected. Both directions keep insertion order so fan-out
// and test assertions are deterministic.
type Membership struct {
	mu           sync.RWMutex
	sessionUsers map[int64][]int64 // sessionID -> userIDs
	userSessions map[int64][]int64 // userID -> sessionIDs
}

// New creates an empty membership table.
func New() *Membership {
	return &Membership{
		sessionUsers: make(map[int64][]int64),
		userSessions: make(map[int64][]int64),
	}
}

// AddUserToSession is idempotent.
func (m *Membership) AddUserToSession(userID, sessionID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if contains(m.sessionUsers[sessionID], userID) {
		return
	}
	m.sessionUsers[sessionID] = append(m.sessionUsers[sessionID], userID)
	m.userSessions[userID] = append(m.userSessions[userID], sessionID)
}

// RemoveUserFromSession is idempotent. Empty entries are dropped.
func (m *Membership) RemoveUserFromSession(userID, sessionID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(userID, sessionID)
}

func (m *Membership) removeLocked(userID, sessionID int64) {
	if users, ok := m.sessionUsers[sessionID]; ok {
		users = without(users, userID)
		if len(users) == 0 {
			delete(m.sessionUsers, sessionID)
		} else {
			m.sessionUsers[sessionID] = users
		}
	}
	if sessions, ok := m.userSessions[userID]; ok {
		sessions = without(sessions, sessionID)
		if len(sessions) == 0 {
			delete(m.userSessions, userID)
		} else {
			m.userSessions[userID] = sessions
		}
	}
}

// RemoveUserFromAllSessions drops userID from every session it belongs to and
// returns those sessions. Other members are untouched.
func (m *Membership) RemoveUserFromAllSessions(userID int64) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions := append([]int64(nil), m.userSessions[userID]...)
	for _, sessionID := range sessions {
		m.removeLocked(userID, sessionID)
	}
	return sessions
}

// GetUsersInSession returns a copy of the members of sessionID in the order
// they joined.
func (m *Membership) GetUsersInSession(sessionID int64) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]int64(nil), m.sessionUsers[sessionID]...)
}

// GetUserSessions returns a copy of the sessions userID belongs to.
func (m *Membership) GetUserSessions(userID int64) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]int64(nil), m.userSessions[userID]...)
}

func (m *Membership) IsUserInSession(userID, sessionID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return contains(m.sessionUsers[sessionID], userID)
}

// SessionCount returns the number of sessions with at least one member.
func (m *Membership) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.sessionUsers)
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []int64, id int64) []int64 {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
