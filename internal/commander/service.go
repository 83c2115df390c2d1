// Package commander exposes the administrative operation set through
// three equivalent bindings: a REST surface under /v1, a line-oriented
// TLS protocol, and a CBOR-framed RPC. The operations live here,
// binding-independent; rate limiting and token verification sit in
// front of every binding so all three share policy.
package commander

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"speakeasy-server/internal/auth"
	"speakeasy-server/internal/database"
	"speakeasy-server/internal/hub"
	"speakeasy-server/internal/metrics"
	"speakeasy-server/internal/models"
	"speakeasy-server/internal/plugins"
	"speakeasy-server/internal/signaling"
)

var (
	errForbidden  = errors.New("forbidden")
	errBadRequest = errors.New("bad_request")
)

// Principal is an authenticated admin caller. Password-derived sessions
// carry every scope; API tokens are bounded to their stored scope set.
type Principal struct {
	UserID uuid.UUID
	Via    string // "session" or "token"
	Scopes []string
	// token id for per-token rate limiting
	TokenID string
}

func (p *Principal) HasScope(scope string) bool {
	if p.Via == "session" {
		return true
	}
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func requireScope(p *Principal, scope string) error {
	if !p.HasScope(scope) {
		return fmt.Errorf("%w: missing scope %s", errForbidden, scope)
	}
	return nil
}

type Service struct {
	cfg     *models.ConfigFile
	sugar   *zap.SugaredLogger
	plugins *plugins.Manager
	limiter *RateLimiter
	started time.Time
}

func NewService(cfg *models.ConfigFile, pluginManager *plugins.Manager, limiter *RateLimiter, sugar *zap.SugaredLogger) *Service {
	return &Service{
		cfg:     cfg,
		sugar:   sugar,
		plugins: pluginManager,
		limiter: limiter,
		started: time.Now().UTC(),
	}
}

// Login exchanges username/password for a short-lived session token.
func (s *Service) Login(username string, password string, ip string) (string, error) {
	user, err := auth.Login(username, password, ip)
	if err != nil {
		return "", err
	}
	if user.MustChangePassword {
		return "", fmt.Errorf("%w: password change required", errForbidden)
	}

	session, err := auth.CreateAdminSession(user.ID)
	if err != nil {
		return "", err
	}
	auth.Audit(&user.ID, "commander.login", "user", user.Username, nil)
	return session.Token, nil
}

// Authenticate resolves a bearer credential: admin session tokens first,
// long-lived API tokens by prefix otherwise.
func (s *Service) Authenticate(credential string) (Principal, error) {
	if session, err := auth.ValidateAdminSession(credential); err == nil {
		return Principal{UserID: session.UserID, Via: "session"}, nil
	}

	token, err := auth.VerifyApiToken(credential)
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		UserID:  token.UserID,
		Via:     "token",
		Scopes:  token.Scopes,
		TokenID: token.ID.String(),
	}, nil
}

// expensiveOps draw from the separate rate-limit budget.
var expensiveOps = map[string]bool{
	"loglist":   true,
	"logexport": true,
	"filelist":  true,
}

// Dispatch routes one named operation. All three bindings funnel here,
// so authorization, auditing and semantics cannot drift between them.
func (s *Service) Dispatch(p *Principal, op string, args map[string]any) (any, error) {
	switch op {
	case "serverinfo":
		return s.ServerInfo(p)
	case "serveredit":
		return nil, s.ServerEdit(p, stringArg(args, "name"), stringArg(args, "value"))
	case "channellist":
		return s.ChannelList(p)
	case "channelcreate":
		return s.ChannelCreate(p, args)
	case "channeledit":
		return nil, s.ChannelEdit(p, args)
	case "channeldelete":
		return nil, s.ChannelDelete(p, stringArg(args, "channelID"))
	case "channelexport":
		return s.ChannelExport(p, stringArg(args, "channelID"))
	case "channelimport":
		return s.ChannelImport(p, args)
	case "clientlist":
		return s.ClientList(p)
	case "clientkick":
		return nil, s.ClientKick(p, intArg(args, "sessionID"), stringArg(args, "reason"))
	case "clientban":
		return s.ClientBan(p, args)
	case "banlist":
		return s.BanList(p)
	case "bandelete":
		return nil, s.BanDelete(p, stringArg(args, "banID"))
	case "clientmove":
		return nil, s.ClientMove(p, intArg(args, "sessionID"), stringArg(args, "channelID"))
	case "clientpoke":
		return nil, s.ClientPoke(p, intArg(args, "sessionID"), stringArg(args, "text"))
	case "permissionlist":
		return s.PermissionList(p)
	case "permissionadd":
		return nil, s.PermissionAdd(p, args)
	case "permissionremove":
		return nil, s.PermissionRemove(p, args)
	case "filelist":
		return s.FileList(p, stringArg(args, "channelID"))
	case "filedelete":
		return nil, s.FileDelete(p, stringArg(args, "fileID"))
	case "loglist":
		return s.LogList(p, args)
	case "logexport":
		return s.LogExport(p, args)
	case "pluginlist":
		return s.PluginList(p)
	case "plugininstall":
		return s.PluginInstall(p, stringArg(args, "name"), boolArg(args, "confirmUnsigned"))
	case "pluginenable":
		return nil, s.PluginEnable(p, stringArg(args, "name"))
	case "plugindisable":
		return nil, s.PluginDisable(p, stringArg(args, "name"))
	case "invitecreate":
		return s.InviteCreate(p, args)
	case "invitelist":
		return s.InviteList(p)
	case "invitedelete":
		return nil, s.InviteDelete(p, stringArg(args, "inviteID"))
	case "tokencreate":
		return s.TokenCreate(p, args)
	case "tokenlist":
		return s.TokenList(p)
	case "tokenrevoke":
		return nil, s.TokenRevoke(p, stringArg(args, "tokenID"))
	}
	return nil, fmt.Errorf("%w: unknown operation %q", errBadRequest, op)
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func intArg(args map[string]any, key string) int64 {
	switch v := args[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case uint64:
		return int64(v)
	case string:
		// the line binding and REST query parameters carry text values
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err == nil {
			return parsed
		}
	}
	return 0
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

// --- server ---

func (s *Service) ServerInfo(p *Principal) (map[string]any, error) {
	if err := requireScope(p, auth.ScopeServerInfo); err != nil {
		return nil, err
	}

	settings, err := database.ListSettings(database.Conn())
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"name":          s.cfg.ServerName,
		"uptimeSeconds": int64(time.Since(s.started).Seconds()),
		"sessions":      len(signaling.ListSessions()),
		"maxClients":    s.cfg.MaxClients,
		"settings":      settings,
		"metrics":       metrics.Snapshot(),
	}, nil
}

func (s *Service) ServerEdit(p *Principal, name string, value string) error {
	if err := requireScope(p, auth.ScopeServerEdit); err != nil {
		return err
	}
	if name == "" {
		return errBadRequest
	}
	if err := database.SetSetting(database.Conn(), name, value); err != nil {
		return err
	}
	auth.Audit(&p.UserID, "server.edited", "setting", name, map[string]any{"value": value})
	hub.Publish(hub.ServerEdited, map[string]any{"setting": name})
	return nil
}
