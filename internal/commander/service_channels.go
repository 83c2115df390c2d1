package commander

import (
	"time"

	"github.com/google/uuid"

	"speakeasy-server/internal/auth"
	"speakeasy-server/internal/database"
	"speakeasy-server/internal/hub"
	"speakeasy-server/internal/models"
	"speakeasy-server/internal/signaling"
)

func (s *Service) ChannelList(p *Principal) ([]models.Channel, error) {
	if err := requireScope(p, auth.ScopeChannelRead); err != nil {
		return nil, err
	}
	return database.ListChannels(database.Conn())
}

func (s *Service) ChannelCreate(p *Principal, args map[string]any) (*models.Channel, error) {
	if err := requireScope(p, auth.ScopeChannelWrite); err != nil {
		return nil, err
	}

	name := stringArg(args, "name")
	if name == "" {
		return nil, errBadRequest
	}

	var parent *uuid.UUID
	if raw := stringArg(args, "parent"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return nil, errBadRequest
		}
		parent = &parsed
	}

	kind := models.ChannelKind(stringArg(args, "kind"))
	if kind == "" {
		kind = models.ChannelKindVoice
	}
	persistence := models.ChannelPersistence(stringArg(args, "persistence"))
	if persistence == "" {
		persistence = models.ChannelPermanent
	}

	passwordHash := ""
	if password := stringArg(args, "password"); password != "" {
		var err error
		passwordHash, err = auth.HashPassword(password)
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
		Name:         name,
		ParentID:     parent,
		Topic:        stringArg(args, "topic"),
		PasswordHash: passwordHash,
		MaxClients:   int(intArg(args, "maxClients")),
		SortOrder:    int(intArg(args, "sortOrder")),
		Kind:         kind,
		Persistence:  persistence,
		E2E:          boolArg(args, "e2e"),
		CreatedAt:    time.Now().UTC(),
	}
	if err := database.CreateChannel(database.Conn(), &channel); err != nil {
		return nil, err
	}

	auth.Audit(&p.UserID, "channel.created", "channel", channel.ID.String(), map[string]any{"name": name, "via": "commander"})
	hub.Publish(hub.ChannelCreated, channel)
	return &channel, nil
}

func (s *Service) ChannelEdit(p *Principal, args map[string]any) error {
	if err := requireScope(p, auth.ScopeChannelWrite); err != nil {
		return err
	}

	channelID, err := uuid.Parse(stringArg(args, "channelID"))
	if err != nil {
		return errBadRequest
	}

	channel, err := database.GetChannel(database.Conn(), channelID)
	if err != nil {
		return err
	}

	if v, ok := args["name"].(string); ok {
		channel.Name = v
	}
	if v, ok := args["topic"].(string); ok {
		channel.Topic = v
	}
	if raw, ok := args["parent"].(string); ok {
		if raw == "" {
			channel.ParentID = nil
		} else {
			parsed, err := uuid.Parse(raw)
			if err != nil {
				return errBadRequest
			}
			channel.ParentID = &parsed
		}
	}
	if _, ok := args["maxClients"]; ok {
		channel.MaxClients = int(intArg(args, "maxClients"))
	}
	if v, ok := args["default"].(bool); ok {
		channel.Default = v
	}
	if v, ok := args["e2e"].(bool); ok {
		channel.E2E = v
	}

	if err := database.UpdateChannel(database.Conn(), &channel); err != nil {
		return err
	}

	auth.Audit(&p.UserID, "channel.edited", "channel", channelID.String(), map[string]any{"via": "commander"})
	hub.Publish(hub.ChannelEdited, channel)
	return nil
}

func (s *Service) ChannelDelete(p *Principal, rawID string) error {
	if err := requireScope(p, auth.ScopeChannelWrite); err != nil {
		return err
	}

	channelID, err := uuid.Parse(rawID)
	if err != nil {
		return errBadRequest
	}

	removed, err := database.DeleteChannel(database.Conn(), channelID)
	if err != nil {
		return err
	}

	for _, id := range removed {
		hub.Publish(hub.ChannelDeleted, map[string]any{"channel": id.String()})
	}
	auth.Audit(&p.UserID, "channel.deleted", "channel", rawID, map[string]any{"removed": len(removed), "via": "commander"})
	return nil
}

func (s *Service) ChannelExport(p *Principal, rawID string) (database.ChannelExport, error) {
	if err := requireScope(p, auth.ScopeChannelRead); err != nil {
		return database.ChannelExport{}, err
	}

	channelID, err := uuid.Parse(rawID)
	if err != nil {
		return database.ChannelExport{}, errBadRequest
	}
	return database.ExportSubtree(database.Conn(), channelID)
}

func (s *Service) ChannelImport(p *Principal, args map[string]any) (map[string]any, error) {
	if err := requireScope(p, auth.ScopeChannelWrite); err != nil {
		return nil, err
	}

	export, err := exportFromArgs(args["subtree"])
	if err != nil {
		return nil, err
	}

	var parent *uuid.UUID
	if raw := stringArg(args, "parent"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return nil, errBadRequest
		}
		parent = &parsed
	}

	rootID, err := database.ImportSubtree(database.Conn(), parent, export, time.Now().UTC().Unix())
	if err != nil {
		return nil, err
	}

	auth.Audit(&p.UserID, "channel.imported", "channel", rootID.String(), nil)
	return map[string]any{"channelID": rootID.String()}, nil
}

// exportFromArgs rebuilds a ChannelExport from the generic args value
// every binding produces.
func exportFromArgs(raw any) (database.ChannelExport, error) {
	node, ok := raw.(map[string]any)
	if !ok {
		return database.ChannelExport{}, errBadRequest
	}

	export := database.ChannelExport{
		Name:        stringArg(node, "name"),
		Topic:       stringArg(node, "topic"),
		MaxClients:  int(intArg(node, "maxClients")),
		SortOrder:   int(intArg(node, "sortOrder")),
		Kind:        models.ChannelKind(stringArg(node, "kind")),
		Persistence: models.ChannelPersistence(stringArg(node, "persistence")),
		E2E:         boolArg(node, "e2e"),
		Children:    []database.ChannelExport{},
	}
	if export.Name == "" {
		return database.ChannelExport{}, errBadRequest
	}
	if export.Kind == "" {
		export.Kind = models.ChannelKindVoice
	}
	if export.Persistence == "" {
		export.Persistence = models.ChannelPermanent
	}

	if children, ok := node["children"].([]any); ok {
		for _, child := range children {
			childExport, err := exportFromArgs(child)
			if err != nil {
				return database.ChannelExport{}, err
			}
			export.Children = append(export.Children, childExport)
		}
	}
	return export, nil
}

// --- clients ---

func (s *Service) ClientList(p *Principal) ([]signaling.SessionInfo, error) {
	if err := requireScope(p, auth.ScopeClientRead); err != nil {
		return nil, err
	}
	return signaling.ListSessions(), nil
}

func (s *Service) ClientKick(p *Principal, sessionID int64, reason string) error {
	if err := requireScope(p, auth.ScopeClientWrite); err != nil {
		return err
	}

	session, exists := signaling.GetSession(sessionID)
	if !exists {
		return database.ErrNotFound
	}
	session.Kick(p.UserID, reason)
	return nil
}

func (s *Service) ClientBan(p *Principal, args map[string]any) (*models.Ban, error) {
	if err := requireScope(p, auth.ScopeClientWrite); err != nil {
		return nil, err
	}

	var userID *uuid.UUID
	if raw := stringArg(args, "userID"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return nil, errBadRequest
		}
		userID = &parsed
	}
	ip := stringArg(args, "ip")
	if userID == nil && ip == "" {
		return nil, errBadRequest
	}

	var expiresAt *time.Time
	if seconds := intArg(args, "durationSeconds"); seconds > 0 {
		expiry := time.Now().UTC().Add(time.Duration(seconds) * time.Second)
		expiresAt = &expiry
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	ban := models.Ban{
		ID:        id,
		UserID:    userID,
		IP:        ip,
		Reason:    stringArg(args, "reason"),
		BannedBy:  &p.UserID,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
	if err := database.CreateBan(database.Conn(), &ban); err != nil {
		return nil, err
	}

	// drop live sessions that match the new ban
	if userID != nil {
		for _, session := range signaling.SessionsOfUser(*userID) {
			hub.Publish(hub.ClientBanned, map[string]any{"session": session.ID, "user": userID.String()})
			session.Disconnect("banned")
		}
	}

	auth.Audit(&p.UserID, "client.banned", "ban", ban.ID.String(), map[string]any{"reason": ban.Reason})
	return &ban, nil
}

func (s *Service) BanList(p *Principal) ([]models.Ban, error) {
	if err := requireScope(p, auth.ScopeClientRead); err != nil {
		return nil, err
	}
	return database.ListBans(database.Conn())
}

func (s *Service) BanDelete(p *Principal, rawID string) error {
	if err := requireScope(p, auth.ScopeClientWrite); err != nil {
		return err
	}
	banID, err := uuid.Parse(rawID)
	if err != nil {
		return errBadRequest
	}
	if err := database.DeleteBan(database.Conn(), banID); err != nil {
		return err
	}
	auth.Audit(&p.UserID, "client.unbanned", "ban", rawID, nil)
	return nil
}

func (s *Service) ClientMove(p *Principal, sessionID int64, rawChannel string) error {
	if err := requireScope(p, auth.ScopeClientWrite); err != nil {
		return err
	}

	channelID, err := uuid.Parse(rawChannel)
	if err != nil {
		return errBadRequest
	}
	session, exists := signaling.GetSession(sessionID)
	if !exists {
		return database.ErrNotFound
	}
	return session.Move(p.UserID, channelID)
}

func (s *Service) ClientPoke(p *Principal, sessionID int64, text string) error {
	if err := requireScope(p, auth.ScopeClientWrite); err != nil {
		return err
	}

	session, exists := signaling.GetSession(sessionID)
	if !exists {
		return database.ErrNotFound
	}
	session.Poke(p.UserID, text)
	return nil
}
