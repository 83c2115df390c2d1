package commander

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"speakeasy-server/internal/auth"
	"speakeasy-server/internal/database"
	"speakeasy-server/internal/hub"
	"speakeasy-server/internal/models"
	"speakeasy-server/internal/plugins"
)

func setupService(t *testing.T) (*Service, uuid.UUID) {
	t.Helper()

	nop := zap.NewNop().Sugar()
	if err := database.SetupForTest(); err != nil {
		t.Fatal(err)
	}
	if err := auth.Setup(nop); err != nil {
		t.Fatal(err)
	}
	hub.Setup(nop, nil, true)

	hash, err := auth.HashPassword("Admin-Pass1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := database.SeedAdmin(database.Conn(), hash); err != nil {
		t.Fatal(err)
	}
	admin, err := database.GetUserByUsername(database.Conn(), "admin")
	if err != nil {
		t.Fatal(err)
	}
	// clear the first-login gate for commander logins
	if err := database.UpdateUserPassword(database.Conn(), admin.ID, hash, false); err != nil {
		t.Fatal(err)
	}

	pluginManager, err := plugins.NewManager(t.TempDir(), nil, nop)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &models.ConfigFile{ServerName: "test server", MaxClients: 64}
	service := NewService(cfg, pluginManager, NewRateLimiter(DefaultRateLimitConfig()), nop)
	return service, admin.ID
}

func sessionPrincipal(userID uuid.UUID) *Principal {
	return &Principal{UserID: userID, Via: "session"}
}

func TestLoginAndAuthenticate(t *testing.T) {
	service, admin := setupService(t)

	token, err := service.Login("admin", "Admin-Pass1", "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	principal, err := service.Authenticate(token)
	if err != nil {
		t.Fatal(err)
	}
	if principal.UserID != admin || principal.Via != "session" {
		t.Errorf("unexpected principal: %+v", principal)
	}
}

func TestTokenScopesBoundOperations(t *testing.T) {
	service, admin := setupService(t)

	// token with read-only server scope
	_, value, err := auth.CreateApiToken(admin, "readonly", []string{auth.ScopeServerInfo}, nil)
	if err != nil {
		t.Fatal(err)
	}

	principal, err := service.Authenticate(value)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := service.Dispatch(&principal, "serverinfo", nil); err != nil {
		t.Errorf("scoped operation must pass: %v", err)
	}
	if _, err := service.Dispatch(&principal, "channelcreate", map[string]any{"name": "Nope"}); err == nil {
		t.Error("operation outside the token scope must be forbidden")
	}
}

func TestChannelOperationsViaDispatch(t *testing.T) {
	service, admin := setupService(t)
	p := sessionPrincipal(admin)

	created, err := service.Dispatch(p, "channelcreate", map[string]any{"name": "Ops Room", "kind": "voice"})
	if err != nil {
		t.Fatal(err)
	}
	channel := created.(*models.Channel)

	listed, err := service.Dispatch(p, "channellist", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(listed.([]models.Channel)) != 1 {
		t.Fatalf("expected 1 channel, got %d", len(listed.([]models.Channel)))
	}

	if _, err := service.Dispatch(p, "channeldelete", map[string]any{"channelID": channel.ID.String()}); err != nil {
		t.Fatal(err)
	}

	listed, _ = service.Dispatch(p, "channellist", nil)
	if len(listed.([]models.Channel)) != 0 {
		t.Error("channel should be deleted")
	}
}

func TestChannelImportExportRoundTrip(t *testing.T) {
	service, admin := setupService(t)
	p := sessionPrincipal(admin)

	subtree := map[string]any{
		"name": "Root", "kind": "voice", "persistence": "permanent",
		"children": []any{
			map[string]any{"name": "Leaf", "kind": "text", "persistence": "permanent"},
		},
	}

	imported, err := service.Dispatch(p, "channelimport", map[string]any{"subtree": subtree})
	if err != nil {
		t.Fatal(err)
	}
	rootID := imported.(map[string]any)["channelID"].(string)

	exported, err := service.Dispatch(p, "channelexport", map[string]any{"channelID": rootID})
	if err != nil {
		t.Fatal(err)
	}

	export := exported.(database.ChannelExport)
	if export.Name != "Root" || len(export.Children) != 1 || export.Children[0].Name != "Leaf" {
		t.Errorf("round trip lost structure: %+v", export)
	}
}

func TestPermissionMutationAudited(t *testing.T) {
	service, admin := setupService(t)
	p := sessionPrincipal(admin)

	args := map[string]any{
		"targetType": "server_default",
		"key":        "channel.join",
		"valueKind":  "tri_state",
		"triState":   "grant",
	}
	if _, err := service.Dispatch(p, "permissionadd", args); err != nil {
		t.Fatal(err)
	}

	entries, err := database.ListAuditLog(database.Conn(), database.AuditLogFilter{Action: "permission.added"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("permission mutation must be audited, got %d entries", len(entries))
	}
	if entries[0].ActorID == nil || *entries[0].ActorID != admin {
		t.Error("audit actor mismatch")
	}
}

func TestLogExportIsZstdNdjson(t *testing.T) {
	service, admin := setupService(t)
	p := sessionPrincipal(admin)

	// generate a few entries
	for i := 0; i < 3; i++ {
		auth.Audit(&admin, "server.edited", "setting", "x", nil)
	}

	compressed, err := service.LogExport(p, map[string]any{})
	if err != nil {
		t.Fatal(err)
	}

	reader, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		t.Fatal(err)
	}

	lines := bytes.Split(bytes.TrimSpace(raw), []byte("\n"))
	if len(lines) < 3 {
		t.Fatalf("expected at least 3 NDJSON lines, got %d", len(lines))
	}
	var entry models.AuditLogEntry
	if err := json.Unmarshal(lines[0], &entry); err != nil {
		t.Errorf("line is not valid JSON: %v", err)
	}
}

func TestRestSurface(t *testing.T) {
	service, _ := setupService(t)
	server := httptest.NewServer(service.RestRouter())
	defer server.Close()

	// login
	body, _ := json.Marshal(map[string]string{"username": "admin", "password": "Admin-Pass1"})
	response, err := http.Post(server.URL+"/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if response.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", response.StatusCode)
	}
	var login map[string]string
	json.NewDecoder(response.Body).Decode(&login)
	response.Body.Close()

	// authenticated request
	request, _ := http.NewRequest("GET", server.URL+"/v1/server", nil)
	request.Header.Set("Authorization", "Bearer "+login["token"])
	response, err = http.DefaultClient.Do(request)
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("server info status = %d", response.StatusCode)
	}

	var info map[string]any
	json.NewDecoder(response.Body).Decode(&info)
	if info["name"] != "test server" {
		t.Errorf("unexpected server info: %v", info)
	}

	// missing credentials carry a stable error code
	response, err = http.Get(server.URL + "/v1/server")
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", response.StatusCode)
	}
	var errBody errorBody
	json.NewDecoder(response.Body).Decode(&errBody)
	if errBody.Error.Code != "unauthenticated" {
		t.Errorf("got error code %q, want unauthenticated", errBody.Error.Code)
	}

	// bad login is 401
	body, _ = json.Marshal(map[string]string{"username": "admin", "password": "nope"})
	response, err = http.Post(server.URL+"/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad login status = %d, want 401", response.StatusCode)
	}
}

func TestGatedAdminCannotLogin(t *testing.T) {
	service, admin := setupService(t)

	// re-arm the first-login gate
	user, err := database.GetUser(database.Conn(), admin)
	if err != nil {
		t.Fatal(err)
	}
	if err := database.UpdateUserPassword(database.Conn(), admin, user.PasswordHash, true); err != nil {
		t.Fatal(err)
	}

	if _, err := service.Login("admin", "Admin-Pass1", "127.0.0.1"); err == nil {
		t.Error("commander login must be gated until the seed password rotates")
	}
}
