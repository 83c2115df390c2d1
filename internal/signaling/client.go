package signaling

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"speakeasy-server/internal/auth"
	"speakeasy-server/internal/database"
	"speakeasy-server/internal/hub"
	"speakeasy-server/internal/metrics"
	"speakeasy-server/internal/models"
	"speakeasy-server/internal/snowflake"
	"speakeasy-server/internal/voice"
)

const serverVersion = "1.0.0"

var sugar *zap.SugaredLogger
var cfg *models.ConfigFile
var router *voice.Router
var udpListener *voice.Listener

func Setup(_sugar *zap.SugaredLogger, _cfg *models.ConfigFile, _router *voice.Router, _udpListener *voice.Listener) {
	sugar = _sugar
	cfg = _cfg
	router = _router
	udpListener = _udpListener

	router.SetMisbehaveFunc(func(sessionID int64, reason string) {
		if session, exists := GetSession(sessionID); exists {
			sugar.Warnf("Disconnecting session ID [%d]: %s", sessionID, reason)
			session.Disconnect(reason)
		}
	})
}

// message is the length-prefixed control frame: the websocket transport
// supplies framing and ordering, the envelope carries verb + payload.
type message struct {
	Verb string          `json:"verb"`
	Data json.RawMessage `json:"data,omitempty"`
}

type reply struct {
	Verb  string `json:"verb"`
	To    string `json:"to"`
	Ok    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

type eventFrame struct {
	Verb  string `json:"verb"`
	Topic string `json:"topic"`
	Data  any    `json:"data,omitempty"`
}

func (s *Session) write(v any) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()

	bytes, err := json.Marshal(v)
	if err != nil {
		sugar.Error(err)
		return
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, bytes); err != nil {
		sugar.Debug(err)
	}
}

func (s *Session) replyOk(to string, data any) {
	s.write(reply{Verb: "reply", To: to, Ok: true, Data: data})
}

func (s *Session) replyErr(to string, err error) {
	s.write(reply{Verb: "reply", To: to, Ok: false, Error: errorCode(err)})
}

// errorCode folds internal errors onto the wire taxonomy.
func errorCode(err error) string {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return "not_found"
	case errors.Is(err, database.ErrConflict):
		return "conflict"
	case errors.Is(err, database.ErrTransient):
		return "unavailable"
	case errors.Is(err, auth.ErrBadCredentials), errors.Is(err, auth.ErrTokenInvalid):
		return "unauthenticated"
	case errors.Is(err, auth.ErrBanned), errors.Is(err, auth.ErrInactive), errors.Is(err, errForbidden):
		return "forbidden"
	case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, errBadRequest):
		return "bad_request"
	case errors.Is(err, errChannelFull):
		return "conflict"
	}
	return "internal"
}

var (
	errForbidden   = errors.New("forbidden")
	errBadRequest  = errors.New("bad_request")
	errChannelFull = errors.New("conflict: full")
)

// HandleWebSocket runs one control connection from upgrade to close.
func HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sugar.Error(err)
		return
	}
	defer conn.Close()

	sessionID, err := snowflake.Generate()
	if err != nil {
		sugar.Error(err)
		return
	}

	remoteIP, _, _ := net.SplitHostPort(r.RemoteAddr)

	session := &Session{
		ID:             sessionID,
		Ssrc:           snowflake.Ssrc(sessionID),
		RemoteIP:       remoteIP,
		conn:           conn,
		state:          StateConnecting,
		connectedSince: time.Now().UTC(),
		lastSeen:       time.Now().UTC(),
	}
	addSession(session)
	metrics.Inc("signaling.connections")

	defer session.cleanup()

	// capability announcement moves the machine to Authenticating
	session.setState(StateAuthenticating)
	session.write(map[string]any{
		"verb":         "capabilities",
		"version":      serverVersion,
		"e2eMandatory": cfg.E2EMandatory,
		"heartbeatSec": heartbeatInterval().Seconds(),
	})

	go session.watchdog()

	session.readLoop()
}

func heartbeatInterval() time.Duration {
	seconds := cfg.HeartbeatIntervalSeconds
	if seconds <= 0 {
		seconds = 10
	}
	return time.Duration(seconds) * time.Second
}

func heartbeatMaxMisses() int {
	misses := cfg.HeartbeatMaxMisses
	if misses <= 0 {
		misses = 3
	}
	return misses
}

// watchdog closes the session once the configured number of heartbeats
// has been missed.
func (s *Session) watchdog() {
	interval := heartbeatInterval()
	deadline := interval * time.Duration(heartbeatMaxMisses())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		s.mutex.Lock()
		state := s.state
		idle := time.Since(s.lastSeen)
		s.mutex.Unlock()

		if state == StateClosed {
			return
		}
		if idle > deadline {
			sugar.Infof("Session ID [%d] timed out after %d missed heartbeats", s.ID, heartbeatMaxMisses())
			s.Disconnect("timeout")
			return
		}
	}
}

func (s *Session) readLoop() {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			sugar.Debug(err)
			return
		}
		s.touch()

		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			// framing violation closes the session
			sugar.Debugf("Session ID [%d] sent an unparseable frame, closing", s.ID)
			s.Disconnect("protocol violation")
			return
		}

		if done := s.dispatch(&msg); done {
			return
		}
	}
}

// dispatch routes one verb through the state machine. Authorization
// failures reply forbidden and keep the session; protocol violations
// close it.
func (s *Session) dispatch(msg *message) (done bool) {
	state := s.State()

	switch state {
	case StateAuthenticating:
		switch msg.Verb {
		case "authenticate":
			s.handleAuthenticate(msg)
		case "redeem_invite":
			s.handleRedeemInvite(msg)
		case "heartbeat":
			s.replyOk("heartbeat", nil)
		default:
			s.replyErr(msg.Verb, auth.ErrBadCredentials)
		}
		return false

	case StatePasswordChangeRequired:
		// everything except change_password is gated
		switch msg.Verb {
		case "change_password":
			s.handleChangePassword(msg)
		case "heartbeat":
			s.replyOk("heartbeat", nil)
		case "bye":
			s.Disconnect("bye")
			return true
		default:
			s.replyErr(msg.Verb, errForbidden)
		}
		return false

	case StateActive:
		return s.dispatchActive(msg)
	}

	return state == StateClosed
}

// handleHeartbeat answers the keepalive; a client-supplied send time
// yields an RTT sample for the media congestion tracker.
func (s *Session) handleHeartbeat(msg *message) {
	if len(msg.Data) > 0 {
		var payload struct {
			SentAtMs int64 `json:"sentAtMs"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err == nil && payload.SentAtMs > 0 {
			rtt := time.Now().UnixMilli() - payload.SentAtMs
			if rtt >= 0 {
				router.UpdateRtt(s.ID, rtt)
			}
		}
	}
	s.replyOk("heartbeat", nil)
}

func (s *Session) dispatchActive(msg *message) (done bool) {
	switch msg.Verb {
	case "heartbeat":
		s.handleHeartbeat(msg)
	case "bye":
		s.Disconnect("bye")
		return true
	case "change_password":
		s.handleChangePassword(msg)
	case "join_channel":
		s.handleJoinChannel(msg)
	case "leave_channel":
		s.handleLeaveChannel(msg)
	case "create_channel":
		s.handleCreateChannel(msg)
	case "edit_channel":
		s.handleEditChannel(msg)
	case "delete_channel":
		s.handleDeleteChannel(msg)
	case "list_channels":
		s.handleListChannels(msg)
	case "set_presence":
		s.handleSetPresence(msg)
	case "set_nickname":
		s.handleSetNickname(msg)
	case "send_message":
		s.handleSendMessage(msg)
	case "edit_message":
		s.handleEditMessage(msg)
	case "delete_message":
		s.handleDeleteMessage(msg)
	case "message_history":
		s.handleMessageHistory(msg)
	default:
		s.replyErr(msg.Verb, errBadRequest)
	}
	return false
}

type authenticateRequest struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
	Nickname string `json:"nickname,omitempty"`
}

func (s *Session) handleAuthenticate(msg *message) {
	var req authenticateRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}

	var user models.User
	var err error
	if req.Token != "" {
		user, _, err = auth.LoginWithToken(req.Token, s.RemoteIP)
	} else {
		user, err = auth.Login(req.Username, req.Password, s.RemoteIP)
	}
	if err != nil {
		metrics.Inc("signaling.auth_failures")
		s.replyErr(msg.Verb, err)
		return
	}

	s.UserID = user.ID
	s.Username = user.Username
	s.Nickname = user.Username
	if req.Nickname != "" {
		s.Nickname = req.Nickname
	}

	if user.MustChangePassword {
		s.setState(StatePasswordChangeRequired)
		s.replyOk(msg.Verb, map[string]any{"state": StatePasswordChangeRequired.String()})
		return
	}

	s.activate(msg.Verb)
}

func (s *Session) activate(verb string) {
	s.setState(StateActive)
	s.startEventPump()

	hub.Publish(hub.ClientConnected, map[string]any{
		"session":  s.ID,
		"user":     s.UserID.String(),
		"nickname": s.Nickname,
	})
	s.replyOk(verb, map[string]any{
		"state":     StateActive.String(),
		"sessionID": s.ID,
	})
}

type redeemInviteRequest struct {
	Code     string `json:"code"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleRedeemInvite turns an invite code into an account; the session
// stays in Authenticating so the client logs in with the new credential.
func (s *Session) handleRedeemInvite(msg *message) {
	var req redeemInviteRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}

	user, err := auth.RedeemInvite(req.Code, req.Username, req.Password)
	if err != nil {
		s.replyErr(msg.Verb, err)
		return
	}
	s.replyOk(msg.Verb, map[string]any{"username": user.Username})
}

type changePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

func (s *Session) handleChangePassword(msg *message) {
	var req changePasswordRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}

	if err := auth.ChangePassword(s.UserID, req.OldPassword, req.NewPassword); err != nil {
		s.replyErr(msg.Verb, err)
		return
	}

	// the gate clears only after a successful change
	if s.State() == StatePasswordChangeRequired {
		s.activate(msg.Verb)
		return
	}
	s.replyOk(msg.Verb, nil)
}

// startEventPump forwards bus events this session cares about onto its
// control connection.
func (s *Session) startEventPump() {
	sub := hub.Subscribe("session-"+s.Nickname, []string{"channel.*", "client.*", "chat.*", "media.downgrade_hint", "media.key_epoch", "server.*"}, 256)
	s.eventSub = sub

	go func() {
		for event := range sub.C() {
			if s.State() == StateClosed {
				return
			}
			s.write(eventFrame{Verb: "event", Topic: event.Topic, Data: event.Payload})
		}
	}()
}

// Disconnect closes the session from any goroutine.
func (s *Session) Disconnect(reason string) {
	s.mutex.Lock()
	if s.state == StateClosed {
		s.mutex.Unlock()
		return
	}
	s.state = StateClosed
	s.closeReason = reason
	s.mutex.Unlock()

	s.conn.Close()
}

// cleanup releases everything the session owns; runs exactly once when
// the read loop exits.
func (s *Session) cleanup() {
	s.mutex.Lock()
	if s.state != StateClosed {
		s.state = StateClosed
		if s.closeReason == "" {
			s.closeReason = "disconnect"
		}
	}
	reason := s.closeReason
	s.mutex.Unlock()

	s.leaveCurrentChannel()

	if s.eventSub != nil {
		s.eventSub.Close()
	}
	router.Unsubscribe(s.ID)
	udpListener.Release(s.ID)
	removeSession(s.ID)

	if s.UserID != uuid.Nil {
		hub.Publish(hub.ClientDisconnected, map[string]any{
			"session": s.ID,
			"user":    s.UserID.String(),
			"reason":  reason,
		})
	}
	metrics.Inc("signaling.disconnects")
}
