// Package signaling owns the control plane: one session state machine per
// client connection, the channel-tree operations, presence, and the voice
// endpoint negotiation with the media router.
package signaling

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"speakeasy-server/internal/hub"
)

type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthenticating
	StatePasswordChangeRequired
	StateActive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StatePasswordChangeRequired:
		return "password_change_required"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Presence struct {
	Muted       bool   `json:"muted"`
	Deafened    bool   `json:"deafened"`
	Away        bool   `json:"away"`
	AwayMessage string `json:"awayMessage,omitempty"`
}

// Session is the per-connection state machine. All mutation happens on
// the session's own reader goroutine except the fields guarded by mutex,
// which the watchdog and cross-session operations (kick, move) touch.
type Session struct {
	ID       int64
	UserID   uuid.UUID
	Username string
	Nickname string
	Ssrc     uint32
	RemoteIP string

	conn       *websocket.Conn
	writeMutex sync.Mutex
	eventSub   *hub.Subscription

	mutex          sync.Mutex
	state          SessionState
	currentChannel *uuid.UUID
	presence       Presence
	connectedSince time.Time
	lastSeen       time.Time
	closeReason    string
}

func (s *Session) State() SessionState {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mutex.Lock()
	s.state = state
	s.mutex.Unlock()
}

func (s *Session) CurrentChannel() *uuid.UUID {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.currentChannel == nil {
		return nil
	}
	id := *s.currentChannel
	return &id
}

func (s *Session) setCurrentChannel(id *uuid.UUID) {
	s.mutex.Lock()
	s.currentChannel = id
	s.mutex.Unlock()
}

func (s *Session) Presence() Presence {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.presence
}

func (s *Session) touch() {
	s.mutex.Lock()
	s.lastSeen = time.Now()
	s.mutex.Unlock()
}

// SessionInfo is the read-only snapshot surfaced to other components.
type SessionInfo struct {
	ID             int64      `json:"id"`
	UserID         uuid.UUID  `json:"userID"`
	Username       string     `json:"username"`
	Nickname       string     `json:"nickname"`
	State          string     `json:"state"`
	CurrentChannel *uuid.UUID `json:"currentChannel,omitempty"`
	Presence       Presence   `json:"presence"`
	ConnectedSince time.Time  `json:"connectedSince"`
	LastSeen       time.Time  `json:"lastSeen"`
}

func (s *Session) Info() SessionInfo {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	info := SessionInfo{
		ID:             s.ID,
		UserID:         s.UserID,
		Username:       s.Username,
		Nickname:       s.Nickname,
		State:          s.state.String(),
		Presence:       s.presence,
		ConnectedSince: s.connectedSince,
		LastSeen:       s.lastSeen,
	}
	if s.currentChannel != nil {
		id := *s.currentChannel
		info.CurrentChannel = &id
	}
	return info
}

// session table: single writer per session, many readers

var sessionsMutex sync.RWMutex
var sessions = make(map[int64]*Session)

func addSession(session *Session) {
	sessionsMutex.Lock()
	sessions[session.ID] = session
	sessionsMutex.Unlock()
}

func removeSession(sessionID int64) {
	sessionsMutex.Lock()
	delete(sessions, sessionID)
	sessionsMutex.Unlock()
}

func GetSession(sessionID int64) (*Session, bool) {
	sessionsMutex.RLock()
	defer sessionsMutex.RUnlock()
	session, exists := sessions[sessionID]
	return session, exists
}

func ListSessions() []SessionInfo {
	sessionsMutex.RLock()
	defer sessionsMutex.RUnlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Info())
	}
	return infos
}

func SessionsOfUser(userID uuid.UUID) []*Session {
	sessionsMutex.RLock()
	defer sessionsMutex.RUnlock()

	matched := []*Session{}
	for _, session := range sessions {
		if session.UserID == userID {
			matched = append(matched, session)
		}
	}
	return matched
}

// Occupants counts active sessions currently in a channel.
func Occupants(channelID uuid.UUID) int {
	sessionsMutex.RLock()
	defer sessionsMutex.RUnlock()

	count := 0
	for _, session := range sessions {
		session.mutex.Lock()
		inChannel := session.currentChannel != nil && *session.currentChannel == channelID && session.state == StateActive
		session.mutex.Unlock()
		if inChannel {
			count++
		}
	}
	return count
}

// sessionsInChannel snapshots the sessions occupying one channel.
func sessionsInChannel(channelID uuid.UUID) []*Session {
	sessionsMutex.RLock()
	defer sessionsMutex.RUnlock()

	matched := []*Session{}
	for _, session := range sessions {
		session.mutex.Lock()
		inChannel := session.currentChannel != nil && *session.currentChannel == channelID
		session.mutex.Unlock()
		if inChannel {
			matched = append(matched, session)
		}
	}
	return matched
}
