package signaling

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"speakeasy-server/internal/auth"
	"speakeasy-server/internal/database"
	"speakeasy-server/internal/hub"
	"speakeasy-server/internal/models"
	"speakeasy-server/internal/permissions"
	"speakeasy-server/internal/validator"
)

// treeMutex serializes channel-tree mutations and join/leave so capacity
// checks and temporary-channel reaping observe a consistent occupancy.
var treeMutex sync.Mutex

const repositoryRetries = 3

// withRetries wraps repository calls per the failure policy: transient
// errors retry with backoff before surfacing unavailable.
func withRetries(fn func() error) error {
	return database.WithRetry(repositoryRetries, fn)
}

// getChannelUnlocked reads a channel with retry policy; caller holds
// treeMutex when occupancy consistency matters.
func getChannelUnlocked(channelID uuid.UUID) (models.Channel, error) {
	var channel models.Channel
	err := withRetries(func() error {
		var err error
		channel, err = database.GetChannel(database.Conn(), channelID)
		return err
	})
	return channel, err
}

type joinChannelRequest struct {
	ChannelID string `json:"channelID"`
	Password  string `json:"password,omitempty"`
}

type voiceGrant struct {
	UdpPort  string `json:"udpPort"`
	Ssrc     uint32 `json:"ssrc"`
	KeyEpoch uint16 `json:"keyEpoch"`
	E2E      bool   `json:"e2e"`
}

func (s *Session) handleJoinChannel(msg *message) {
	var req joinChannelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}
	channelID, err := uuid.Parse(req.ChannelID)
	if err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}

	grant, err := s.joinChannel(channelID, req.Password)
	if err != nil {
		s.replyErr(msg.Verb, err)
		return
	}
	s.replyOk(msg.Verb, grant)
}

// joinChannel implements the join sequence: authorization, capacity,
// password, temporary-channel bookkeeping, event emission and voice
// subscription update.
func (s *Session) joinChannel(channelID uuid.UUID, password string) (*voiceGrant, error) {
	treeMutex.Lock()
	defer treeMutex.Unlock()

	channel, err := getChannelUnlocked(channelID)
	if err != nil {
		return nil, err
	}

	// 1. authorization
	snapshot, err := auth.SnapshotFor(s.UserID, &channelID)
	if err != nil {
		return nil, err
	}
	decision := permissions.Resolve(snapshot, "channel.join")
	auth.AuditDecision(s.UserID, "channel.join", "channel", channelID.String(), decision)
	if !decision.Granted() {
		return nil, errForbidden
	}

	// 2. capacity; max_clients 0 is unbounded
	if channel.MaxClients > 0 && Occupants(channelID) >= channel.MaxClients {
		return nil, errChannelFull
	}

	// 3. channel password
	if channel.HasPassword() {
		ok, err := auth.VerifyPassword(password, channel.PasswordHash)
		if err != nil || !ok {
			return nil, errForbidden
		}
	}

	previous := s.CurrentChannel()
	s.setCurrentChannel(&channelID)

	// 4. leaving a temporary channel empty deletes it
	if previous != nil && *previous != channelID {
		hub.Publish(hub.ClientLeftChannel, map[string]any{
			"session": s.ID,
			"user":    s.UserID.String(),
			"channel": previous.String(),
		})
		s.reapIfTemporary(*previous)
	}

	// 5. event + voice subscription
	hub.Publish(hub.ClientJoinedChannel, map[string]any{
		"session":  s.ID,
		"user":     s.UserID.String(),
		"channel":  channelID.String(),
		"nickname": s.Nickname,
	})

	if channel.Kind == models.ChannelKindVoice {
		e2e := channel.E2E || cfg.E2EMandatory
		epoch := router.Subscribe(s.ID, s.Ssrc, channelID, e2e)
		return &voiceGrant{
			UdpPort:  cfg.UdpVoicePort,
			Ssrc:     s.Ssrc,
			KeyEpoch: epoch,
			E2E:      e2e,
		}, nil
	}
	router.Unsubscribe(s.ID)
	return nil, nil
}

func (s *Session) handleLeaveChannel(msg *message) {
	s.leaveCurrentChannel()
	s.replyOk(msg.Verb, nil)
}

// leaveCurrentChannel detaches the session from its channel and reaps an
// emptied temporary channel.
func (s *Session) leaveCurrentChannel() {
	previous := s.CurrentChannel()
	if previous == nil {
		return
	}

	treeMutex.Lock()
	defer treeMutex.Unlock()

	s.setCurrentChannel(nil)
	router.Unsubscribe(s.ID)

	hub.Publish(hub.ClientLeftChannel, map[string]any{
		"session": s.ID,
		"user":    s.UserID.String(),
		"channel": previous.String(),
	})
	s.reapIfTemporary(*previous)
}

// reapIfTemporary deletes a temporary channel that has just become
// empty. Caller holds treeMutex, so concurrent leaves reap exactly once:
// the second caller finds the channel already gone.
func (s *Session) reapIfTemporary(channelID uuid.UUID) {
	if Occupants(channelID) > 0 {
		return
	}

	channel, err := database.GetChannel(database.Conn(), channelID)
	if err != nil {
		return
	}
	if channel.Persistence != models.ChannelTemporary {
		return
	}

	removed, err := database.DeleteChannel(database.Conn(), channelID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			sugar.Error(err)
		}
		return
	}

	for _, id := range removed {
		hub.Publish(hub.ChannelDeleted, map[string]any{"channel": id.String(), "reason": "temporary_empty"})
		router.Keys().Forget(id)
	}
}

type createChannelRequest struct {
	Name        string `json:"name"`
	Parent      string `json:"parent,omitempty"`
	Topic       string `json:"topic,omitempty"`
	Password    string `json:"password,omitempty"`
	MaxClients  int    `json:"maxClients,omitempty"`
	SortOrder   int    `json:"sortOrder,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Persistence string `json:"persistence,omitempty"`
	E2E         bool   `json:"e2e,omitempty"`
}

func (s *Session) handleCreateChannel(msg *message) {
	var req createChannelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}

	channel, err := s.createChannel(&req)
	if err != nil {
		s.replyErr(msg.Verb, err)
		return
	}
	s.replyOk(msg.Verb, channel)
}

func (s *Session) createChannel(req *createChannelRequest) (*models.Channel, error) {
	if err := validator.ChannelName(req.Name); err != nil {
		return nil, errors.Join(errBadRequest, err)
	}

	snapshot, err := auth.SnapshotFor(s.UserID, nil)
	if err != nil {
		return nil, err
	}
	decision := permissions.Resolve(snapshot, "channel.create")
	auth.AuditDecision(s.UserID, "channel.create", "channel", req.Name, decision)
	if !decision.Granted() {
		return nil, errForbidden
	}

	kind := models.ChannelKind(req.Kind)
	if kind == "" {
		kind = models.ChannelKindVoice
	}
	if kind != models.ChannelKindVoice && kind != models.ChannelKindText {
		return nil, errBadRequest
	}

	persistence := models.ChannelPersistence(req.Persistence)
	if persistence == "" {
		persistence = models.ChannelPermanent
	}
	switch persistence {
	case models.ChannelPermanent, models.ChannelSemiPermanent, models.ChannelTemporary:
	default:
		return nil, errBadRequest
	}

	var parent *uuid.UUID
	if req.Parent != "" {
		parsed, err := uuid.Parse(req.Parent)
		if err != nil {
			return nil, errBadRequest
		}
		parent = &parsed
	}

	passwordHash := ""
	if req.Password != "" {
		passwordHash, err = auth.HashPassword(req.Password)
		if err != nil {
			return nil, err
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	channel := models.Channel{
		ID:           id,
		Name:         req.Name,
		ParentID:     parent,
		Topic:        req.Topic,
		PasswordHash: passwordHash,
		MaxClients:   req.MaxClients,
		SortOrder:    req.SortOrder,
		Kind:         kind,
		Persistence:  persistence,
		E2E:          req.E2E,
		CreatedAt:    time.Now().UTC(),
	}

	treeMutex.Lock()
	defer treeMutex.Unlock()

	err = withRetries(func() error {
		return database.CreateChannel(database.Conn(), &channel)
	})
	if err != nil {
		return nil, err
	}

	auth.Audit(&s.UserID, "channel.created", "channel", channel.ID.String(), map[string]any{"name": channel.Name})
	hub.Publish(hub.ChannelCreated, channel)
	return &channel, nil
}

type editChannelRequest struct {
	ChannelID   string  `json:"channelID"`
	Name        *string `json:"name,omitempty"`
	Parent      *string `json:"parent,omitempty"` // empty string moves to root
	Topic       *string `json:"topic,omitempty"`
	Password    *string `json:"password,omitempty"`
	MaxClients  *int    `json:"maxClients,omitempty"`
	SortOrder   *int    `json:"sortOrder,omitempty"`
	Default     *bool   `json:"default,omitempty"`
	Persistence *string `json:"persistence,omitempty"`
	E2E         *bool   `json:"e2e,omitempty"`
}

func (s *Session) handleEditChannel(msg *message) {
	var req editChannelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}

	channel, err := s.editChannel(&req)
	if err != nil {
		s.replyErr(msg.Verb, err)
		return
	}
	s.replyOk(msg.Verb, channel)
}

func (s *Session) editChannel(req *editChannelRequest) (*models.Channel, error) {
	channelID, err := uuid.Parse(req.ChannelID)
	if err != nil {
		return nil, errBadRequest
	}

	snapshot, err := auth.SnapshotFor(s.UserID, &channelID)
	if err != nil {
		return nil, err
	}
	decision := permissions.Resolve(snapshot, "channel.edit")
	auth.AuditDecision(s.UserID, "channel.edit", "channel", channelID.String(), decision)
	if !decision.Granted() {
		return nil, errForbidden
	}

	treeMutex.Lock()
	defer treeMutex.Unlock()

	channel, err := database.GetChannel(database.Conn(), channelID)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		if err := validator.ChannelName(*req.Name); err != nil {
			return nil, errors.Join(errBadRequest, err)
		}
		channel.Name = *req.Name
	}
	if req.Parent != nil {
		if *req.Parent == "" {
			// editing the parent to null moves the channel to root
			channel.ParentID = nil
		} else {
			parsed, err := uuid.Parse(*req.Parent)
			if err != nil {
				return nil, errBadRequest
			}
			channel.ParentID = &parsed
		}
	}
	if req.Topic != nil {
		channel.Topic = *req.Topic
	}
	if req.Password != nil {
		if *req.Password == "" {
			channel.PasswordHash = ""
		} else {
			hash, err := auth.HashPassword(*req.Password)
			if err != nil {
				return nil, err
			}
			channel.PasswordHash = hash
		}
	}
	if req.MaxClients != nil {
		channel.MaxClients = *req.MaxClients
	}
	if req.SortOrder != nil {
		channel.SortOrder = *req.SortOrder
	}
	if req.Default != nil {
		channel.Default = *req.Default
	}
	if req.Persistence != nil {
		persistence := models.ChannelPersistence(*req.Persistence)
		switch persistence {
		case models.ChannelPermanent, models.ChannelSemiPermanent, models.ChannelTemporary:
			channel.Persistence = persistence
		default:
			return nil, errBadRequest
		}
	}
	if req.E2E != nil {
		channel.E2E = *req.E2E
	}

	err = withRetries(func() error {
		return database.UpdateChannel(database.Conn(), &channel)
	})
	if err != nil {
		return nil, err
	}

	auth.Audit(&s.UserID, "channel.edited", "channel", channel.ID.String(), nil)
	hub.Publish(hub.ChannelEdited, channel)
	if req.Parent != nil {
		hub.Publish(hub.ChannelMoved, map[string]any{"channel": channel.ID.String(), "parent": *req.Parent})
	}
	return &channel, nil
}

type deleteChannelRequest struct {
	ChannelID string `json:"channelID"`
}

func (s *Session) handleDeleteChannel(msg *message) {
	var req deleteChannelRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}

	channelID, err := uuid.Parse(req.ChannelID)
	if err != nil {
		s.replyErr(msg.Verb, errBadRequest)
		return
	}

	if err := s.deleteChannel(channelID); err != nil {
		s.replyErr(msg.Verb, err)
		return
	}
	s.replyOk(msg.Verb, nil)
}

func (s *Session) deleteChannel(channelID uuid.UUID) error {
	snapshot, err := auth.SnapshotFor(s.UserID, &channelID)
	if err != nil {
		return err
	}
	decision := permissions.Resolve(snapshot, "channel.delete")
	auth.AuditDecision(s.UserID, "channel.delete", "channel", channelID.String(), decision)
	if !decision.Granted() {
		return errForbidden
	}

	treeMutex.Lock()
	defer treeMutex.Unlock()

	var removed []uuid.UUID
	err = withRetries(func() error {
		var err error
		removed, err = database.DeleteChannel(database.Conn(), channelID)
		return err
	})
	if err != nil {
		return err
	}

	// occupants of the removed subtree fall back to no channel
	for _, id := range removed {
		for _, occupant := range sessionsInChannel(id) {
			occupant.setCurrentChannel(nil)
			router.Unsubscribe(occupant.ID)
		}
		router.Keys().Forget(id)
		hub.Publish(hub.ChannelDeleted, map[string]any{"channel": id.String()})
	}

	auth.Audit(&s.UserID, "channel.deleted", "channel", channelID.String(), map[string]any{"removed": len(removed)})
	return nil
}

func (s *Session) handleListChannels(msg *message) {
	var channels []models.Channel
	err := withRetries(func() error {
		var err error
		channels, err = database.ListChannels(database.Conn())
		return err
	})
	if err != nil {
		s.replyErr(msg.Verb, err)
		return
	}

	type channelView struct {
		models.Channel
		Occupants   int  `json:"occupants"`
		HasPassword bool `json:"hasPassword"`
	}

	views := make([]channelView, 0, len(channels))
	for _, channel := range channels {
		views = append(views, channelView{
			Channel:     channel,
			Occupants:   Occupants(channel.ID),
			HasPassword: channel.HasPassword(),
		})
	}
	s.replyOk(msg.Verb, views)
}
