package signaling

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"speakeasy-server/internal/auth"
	"speakeasy-server/internal/database"
	"speakeasy-server/internal/hub"
	"speakeasy-server/internal/models"
	"speakeasy-server/internal/permissions"
)

type sendMessageRequest struct {
	ChannelID string `json:"channelID"`
	Content   string `json:"content"`
	ReplyTo   string `json:"replyTo,omitempty"`
}

func (s *Session) handleSendMessage(msg *message) {
	var req sendMessageRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}

	channelID, err := uuid.Parse(req.ChannelID)
	if err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}
	if req.Content == "" || len(req.Content) > database.MaxMessageLength {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}

	snapshot, err := auth.SnapshotFor(s.UserID, &channelID)
	if err != nil {
		s.replyErr(msg.Verb, err)
		return
	}
	decision := permissions.Resolve(snapshot, "chat.send")
	if !decision.Granted() {
		auth.AuditDecision(s.UserID, "chat.send", "channel", channelID.String(), decision)
		s.replyErr(msg.Verb, errForbidden)
		return
	}

	var replyTo *uuid.UUID
	if req.ReplyTo != "" {
		parsed, err := uuid.Parse(req.ReplyTo)
		if err != nil {
			s.replyErr(msg.Verb, errBadRequest)
			return
		}
		replyTo = &parsed
	}

	id, err := uuid.NewV7()
	if err != nil {
		s.replyErr(msg.Verb, err)
		return
	}

	chatMessage := models.ChatMessage{
		ID:        id,
		ChannelID: channelID,
		SenderID:  s.UserID,
		Content:   req.Content,
		Kind:      models.MessageText,
		ReplyTo:   replyTo,
		CreatedAt: time.Now().UTC(),
	}

	err = withRetries(func() error {
		return database.CreateMessage(database.Conn(), &chatMessage)
	})
	if err != nil {
		s.replyErr(msg.Verb, err)
		return
	}

	hub.Publish(hub.ChatMessageCreated, chatMessage)
	s.replyOk(msg.Verb, chatMessage)
}

type editMessageRequest struct {
	MessageID string `json:"messageID"`
	Content   string `json:"content"`
}

func (s *Session) handleEditMessage(msg *message) {
	var req editMessageRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}

	messageID, err := uuid.Parse(req.MessageID)
	if err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}

	existing, err := database.GetMessage(database.Conn(), messageID)
	if err != nil {
		s.replyErr(msg.Verb, err)
		return
	}
	// only the author edits their message
	if existing.SenderID != s.UserID {
		s.replyErr(msg.Verb, errForbidden)
		return
	}

	err = withRetries(func() error {
		return database.EditMessage(database.Conn(), messageID, req.Content)
	})
	if err != nil {
		s.replyErr(msg.Verb, err)
		return
	}

	hub.Publish(hub.ChatMessageEdited, map[string]any{
		"message": messageID.String(),
		"channel": existing.ChannelID.String(),
	})
	s.replyOk(msg.Verb, nil)
}

type deleteMessageRequest struct {
	MessageID string `json:"messageID"`
}

func (s *Session) handleDeleteMessage(msg *message) {
	var req deleteMessageRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}

	messageID, err := uuid.Parse(req.MessageID)
	if err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}

	existing, err := database.GetMessage(database.Conn(), messageID)
	if err != nil {
		s.replyErr(msg.Verb, err)
		return
	}

	// authors delete their own messages; moderators need chat.moderate
	if existing.SenderID != s.UserID {
		snapshot, err := auth.SnapshotFor(s.UserID, &existing.ChannelID)
		if err != nil {
			s.replyErr(msg.Verb, err)
			return
		}
		decision := permissions.Resolve(snapshot, "chat.moderate")
		auth.AuditDecision(s.UserID, "chat.moderate", "message", messageID.String(), decision)
		if !decision.Granted() {
			s.replyErr(msg.Verb, errForbidden)
			return
		}
	}

	err = withRetries(func() error {
		return database.DeleteMessage(database.Conn(), messageID)
	})
	if err != nil {
		s.replyErr(msg.Verb, err)
		return
	}

	hub.Publish(hub.ChatMessageDeleted, map[string]any{
		"message": messageID.String(),
		"channel": existing.ChannelID.String(),
	})
	s.replyOk(msg.Verb, nil)
}

type messageHistoryRequest struct {
	ChannelID string `json:"channelID"`
	Before    int64  `json:"before,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

func (s *Session) handleMessageHistory(msg *message) {
	var req messageHistoryRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}

	channelID, err := uuid.Parse(req.ChannelID)
	if err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}

	var messages []models.ChatMessage
	err = withRetries(func() error {
		var err error
		messages, err = database.ListMessages(database.Conn(), channelID, req.Before, req.Limit)
		return err
	})
	if err != nil {
		s.replyErr(msg.Verb, err)
		return
	}
	s.replyOk(msg.Verb, messages)
}
