package commander

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"speakeasy-server/internal/auth"
	"speakeasy-server/internal/database"
	"speakeasy-server/internal/hub"
	"speakeasy-server/internal/models"
	"speakeasy-server/internal/validator"
)

// --- permissions ---

func (s *Service) PermissionList(p *Principal) ([]models.Permission, error) {
	if err := requireScope(p, auth.ScopePermissionRead); err != nil {
		return nil, err
	}
	return database.ListPermissions(database.Conn())
}

func (s *Service) PermissionAdd(p *Principal, args map[string]any) error {
	if err := requireScope(p, auth.ScopePermissionWrite); err != nil {
		return err
	}

	key := stringArg(args, "key")
	if err := validator.PermissionKey(key); err != nil {
		return errBadRequest
	}

	targetType := models.PermTargetType(stringArg(args, "targetType"))
	switch targetType {
	case models.TargetUser, models.TargetServerGroup, models.TargetChannelGroup,
		models.TargetServerDefault, models.TargetChannelDefault:
	default:
		return errBadRequest
	}

	targetID := database.ServerDefaultTarget
	if raw := stringArg(args, "targetID"); raw != "" {
		var err error
		targetID, err = uuid.Parse(raw)
		if err != nil {
			return errBadRequest
		}
	}

	value := models.PermValue{Kind: models.PermValueKind(stringArg(args, "valueKind"))}
	switch value.Kind {
	case models.PermTriState:
		value.TriState = models.TriState(stringArg(args, "triState"))
		switch value.TriState {
		case models.TriStateGrant, models.TriStateDeny, models.TriStateSkip:
		default:
			return errBadRequest
		}
	case models.PermIntLimit:
		value.IntLimit = intArg(args, "intLimit")
	case models.PermScope:
		if scope, ok := args["scope"].([]any); ok {
			for _, entry := range scope {
				if str, ok := entry.(string); ok {
					value.Scope = append(value.Scope, str)
				}
			}
		}
	default:
		return errBadRequest
	}

	perm := models.Permission{
		TargetType: targetType,
		TargetID:   targetID,
		Key:        key,
		Value:      value,
	}
	if err := database.SetPermission(database.Conn(), &perm); err != nil {
		return err
	}

	auth.Audit(&p.UserID, "permission.added", string(targetType), targetID.String(), map[string]any{"key": key})
	hub.Publish(hub.PermissionChanged, map[string]any{"key": key, "targetType": targetType})
	return nil
}

func (s *Service) PermissionRemove(p *Principal, args map[string]any) error {
	if err := requireScope(p, auth.ScopePermissionWrite); err != nil {
		return err
	}

	targetType := models.PermTargetType(stringArg(args, "targetType"))
	targetID := database.ServerDefaultTarget
	if raw := stringArg(args, "targetID"); raw != "" {
		var err error
		targetID, err = uuid.Parse(raw)
		if err != nil {
			return errBadRequest
		}
	}
	key := stringArg(args, "key")

	if err := database.RemovePermission(database.Conn(), targetType, targetID, key); err != nil {
		return err
	}

	auth.Audit(&p.UserID, "permission.removed", string(targetType), targetID.String(), map[string]any{"key": key})
	hub.Publish(hub.PermissionChanged, map[string]any{"key": key, "targetType": targetType})
	return nil
}

// --- files ---

func (s *Service) FileList(p *Principal, rawChannel string) ([]models.File, error) {
	if err := requireScope(p, auth.ScopeFileRead); err != nil {
		return nil, err
	}

	channelID, err := uuid.Parse(rawChannel)
	if err != nil {
		return nil, errBadRequest
	}
	return database.ListFiles(database.Conn(), channelID)
}

func (s *Service) FileDelete(p *Principal, rawID string) error {
	if err := requireScope(p, auth.ScopeFileWrite); err != nil {
		return err
	}

	fileID, err := uuid.Parse(rawID)
	if err != nil {
		return errBadRequest
	}
	if err := database.DeleteFile(database.Conn(), fileID); err != nil {
		return err
	}
	auth.Audit(&p.UserID, "file.deleted", "file", rawID, nil)
	return nil
}

// --- audit log ---

func (s *Service) LogList(p *Principal, args map[string]any) ([]models.AuditLogEntry, error) {
	if err := requireScope(p, auth.ScopeLogRead); err != nil {
		return nil, err
	}

	filter := database.AuditLogFilter{
		Action: stringArg(args, "action"),
		Since:  intArg(args, "since"),
		Until:  intArg(args, "until"),
		Limit:  int(intArg(args, "limit")),
		Offset: int(intArg(args, "offset")),
	}
	if raw := stringArg(args, "actorID"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return nil, errBadRequest
		}
		filter.ActorID = &parsed
	}
	return database.ListAuditLog(database.Conn(), filter)
}

// LogExport streams the filtered audit log as zstd-compressed NDJSON;
// the expensive-operation budget gates it at the binding edge.
func (s *Service) LogExport(p *Principal, args map[string]any) ([]byte, error) {
	entries, err := s.LogList(p, args)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	writer, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	encoder := json.NewEncoder(writer)
	for i := range entries {
		if err := encoder.Encode(&entries[i]); err != nil {
			writer.Close()
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	auth.Audit(&p.UserID, "log.exported", "", "", map[string]any{"entries": len(entries)})
	return buf.Bytes(), nil
}

// --- plugins ---

type pluginView struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Author       string   `json:"author"`
	State        string   `json:"state"`
	Trust        string   `json:"trust"`
	Reason       string   `json:"reason,omitempty"`
	Capabilities []string `json:"capabilities"`
}

func (s *Service) PluginList(p *Principal) ([]pluginView, error) {
	if err := requireScope(p, auth.ScopePluginManage); err != nil {
		return nil, err
	}

	views := []pluginView{}
	for _, plugin := range s.plugins.List() {
		views = append(views, pluginView{
			Name:         plugin.Manifest.Name,
			Version:      plugin.Manifest.Version,
			Author:       plugin.Manifest.Author,
			State:        string(plugin.State),
			Trust:        string(plugin.Trust),
			Reason:       plugin.Reason,
			Capabilities: plugin.Manifest.Capabilities.Enabled(),
		})
	}
	return views, nil
}

func (s *Service) PluginInstall(p *Principal, name string, confirmUnsigned bool) (*pluginView, error) {
	if err := requireScope(p, auth.ScopePluginManage); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errBadRequest
	}

	plugin, err := s.plugins.Install(name, p.UserID, confirmUnsigned)
	if err != nil {
		return nil, err
	}
	return &pluginView{
		Name:         plugin.Manifest.Name,
		Version:      plugin.Manifest.Version,
		Author:       plugin.Manifest.Author,
		State:        string(plugin.State),
		Trust:        string(plugin.Trust),
		Capabilities: plugin.Manifest.Capabilities.Enabled(),
	}, nil
}

func (s *Service) PluginEnable(p *Principal, name string) error {
	if err := requireScope(p, auth.ScopePluginManage); err != nil {
		return err
	}
	return s.plugins.Enable(name, p.UserID)
}

func (s *Service) PluginDisable(p *Principal, name string) error {
	if err := requireScope(p, auth.ScopePluginManage); err != nil {
		return err
	}
	return s.plugins.Disable(name, p.UserID)
}

// --- invites ---

func (s *Service) InviteCreate(p *Principal, args map[string]any) (*models.Invite, error) {
	if err := requireScope(p, auth.ScopeClientWrite); err != nil {
		return nil, err
	}

	var channelID *uuid.UUID
	if raw := stringArg(args, "channelID"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return nil, errBadRequest
		}
		channelID = &parsed
	}
	var assignedGroup *uuid.UUID
	if raw := stringArg(args, "assignedGroup"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return nil, errBadRequest
		}
		assignedGroup = &parsed
	}

	var expiresAt *time.Time
	if seconds := intArg(args, "ttlSeconds"); seconds > 0 {
		expiry := time.Now().UTC().Add(time.Duration(seconds) * time.Second)
		expiresAt = &expiry
	}

	code, err := auth.GenerateInviteCode()
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	invite := models.Invite{
		ID:            id,
		Code:          code,
		ChannelID:     channelID,
		AssignedGroup: assignedGroup,
		MaxUses:       int(intArg(args, "maxUses")),
		ExpiresAt:     expiresAt,
		CreatedBy:     p.UserID,
		CreatedAt:     time.Now().UTC(),
	}
	if err := database.CreateInvite(database.Conn(), &invite); err != nil {
		return nil, err
	}

	auth.Audit(&p.UserID, "invite.created", "invite", invite.ID.String(), map[string]any{"maxUses": invite.MaxUses})
	return &invite, nil
}

func (s *Service) InviteList(p *Principal) ([]models.Invite, error) {
	if err := requireScope(p, auth.ScopeClientRead); err != nil {
		return nil, err
	}
	return database.ListInvites(database.Conn())
}

func (s *Service) InviteDelete(p *Principal, rawID string) error {
	if err := requireScope(p, auth.ScopeClientWrite); err != nil {
		return err
	}
	inviteID, err := uuid.Parse(rawID)
	if err != nil {
		return errBadRequest
	}
	if err := database.DeleteInvite(database.Conn(), inviteID); err != nil {
		return err
	}
	auth.Audit(&p.UserID, "invite.deleted", "invite", rawID, nil)
	return nil
}

// --- api tokens ---

func (s *Service) TokenCreate(p *Principal, args map[string]any) (map[string]any, error) {
	// only password-derived sessions mint tokens; a token minting more
	// tokens would escape its scope bound
	if p.Via != "session" {
		return nil, errForbidden
	}

	scopes := []string{}
	if raw, ok := args["scopes"].([]any); ok {
		for _, entry := range raw {
			if str, ok := entry.(string); ok {
				scopes = append(scopes, str)
			}
		}
	}

	var expiresAt *time.Time
	if seconds := intArg(args, "ttlSeconds"); seconds > 0 {
		expiry := time.Now().UTC().Add(time.Duration(seconds) * time.Second)
		expiresAt = &expiry
	}

	token, value, err := auth.CreateApiToken(p.UserID, stringArg(args, "description"), scopes, expiresAt)
	if err != nil {
		return nil, err
	}

	auth.Audit(&p.UserID, "token.created", "token", token.ID.String(), map[string]any{"prefix": token.TokenPrefix})
	// the cleartext value appears exactly once, in this response
	return map[string]any{"token": value, "id": token.ID.String(), "prefix": token.TokenPrefix}, nil
}

func (s *Service) TokenList(p *Principal) ([]models.ApiToken, error) {
	if p.Via != "session" {
		return nil, errForbidden
	}
	return database.ListApiTokens(database.Conn(), p.UserID)
}

func (s *Service) TokenRevoke(p *Principal, rawID string) error {
	if p.Via != "session" {
		return errForbidden
	}

	tokenID, err := uuid.Parse(rawID)
	if err != nil {
		return errBadRequest
	}
	if err := database.RevokeApiToken(database.Conn(), tokenID); err != nil {
		return err
	}
	auth.Audit(&p.UserID, "token.revoked", "token", rawID, nil)
	return nil
}
