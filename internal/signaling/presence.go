package signaling

import (
	"encoding/json"

	"github.com/google/uuid"

	"speakeasy-server/internal/auth"
	"speakeasy-server/internal/hub"
	"speakeasy-server/internal/models"
	"speakeasy-server/internal/validator"
)

type setPresenceRequest struct {
	Muted       *bool   `json:"muted,omitempty"`
	Deafened    *bool   `json:"deafened,omitempty"`
	Away        *bool   `json:"away,omitempty"`
	AwayMessage *string `json:"awayMessage,omitempty"`
}

// handleSetPresence mutates presence local-first, then echoes the change
// on the bus for sessions sharing a channel.
func (s *Session) handleSetPresence(msg *message) {
	var req setPresenceRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}

	s.mutex.Lock()
	if req.Muted != nil {
		s.presence.Muted = *req.Muted
	}
	if req.Deafened != nil {
		s.presence.Deafened = *req.Deafened
	}
	if req.Away != nil {
		s.presence.Away = *req.Away
		if !s.presence.Away {
			s.presence.AwayMessage = ""
		}
	}
	if req.AwayMessage != nil {
		s.presence.AwayMessage = *req.AwayMessage
	}
	presence := s.presence
	s.mutex.Unlock()

	// deafened subscribers stop receiving media immediately
	router.SetDeafened(s.ID, presence.Deafened)

	hub.Publish(hub.ClientPresence, map[string]any{
		"session":  s.ID,
		"user":     s.UserID.String(),
		"presence": presence,
	})
	s.replyOk(msg.Verb, presence)
}

type setNicknameRequest struct {
	Nickname string `json:"nickname"`
}

func (s *Session) handleSetNickname(msg *message) {
	var req setNicknameRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}
	if err := validator.ChannelName(req.Nickname); err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}

	s.Nickname = req.Nickname
	hub.Publish(hub.ClientPresence, map[string]any{
		"session":  s.ID,
		"user":     s.UserID.String(),
		"nickname": req.Nickname,
	})
	s.replyOk(msg.Verb, nil)
}

// Kick closes the session on behalf of an administrator.
func (s *Session) Kick(actor uuid.UUID, reason string) {
	auth.Audit(&actor, "client.kicked", "session", s.Info().Username, map[string]any{"reason": reason})
	hub.Publish(hub.ClientKicked, map[string]any{
		"session": s.ID,
		"user":    s.UserID.String(),
		"reason":  reason,
	})
	s.Disconnect("kicked")
}

// Move forces the session into another channel, bypassing password but
// not capacity.
func (s *Session) Move(actor uuid.UUID, channelID uuid.UUID) error {
	treeMutex.Lock()
	channel, err := getChannelUnlocked(channelID)
	if err != nil {
		treeMutex.Unlock()
		return err
	}
	if channel.MaxClients > 0 && Occupants(channelID) >= channel.MaxClients {
		treeMutex.Unlock()
		return errChannelFull
	}

	previous := s.CurrentChannel()
	s.setCurrentChannel(&channelID)
	if previous != nil && *previous != channelID {
		hub.Publish(hub.ClientLeftChannel, map[string]any{
			"session": s.ID,
			"user":    s.UserID.String(),
			"channel": previous.String(),
		})
		s.reapIfTemporary(*previous)
	}
	treeMutex.Unlock()

	if channel.Kind == models.ChannelKindVoice {
		router.Subscribe(s.ID, s.Ssrc, channelID, channel.E2E || cfg.E2EMandatory)
	} else {
		router.Unsubscribe(s.ID)
	}

	auth.Audit(&actor, "client.moved", "session", s.Username, map[string]any{"channel": channelID.String()})
	hub.Publish(hub.ClientMoved, map[string]any{
		"session": s.ID,
		"user":    s.UserID.String(),
		"channel": channelID.String(),
	})
	return nil
}

// Poke sends an attention message straight to the session.
func (s *Session) Poke(actor uuid.UUID, text string) {
	auth.Audit(&actor, "client.poked", "session", s.Username, nil)
	s.write(eventFrame{Verb: "event", Topic: hub.ClientPoked, Data: map[string]any{
		"from": actor.String(),
		"text": text,
	}})
}
