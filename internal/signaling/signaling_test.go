package signaling_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"speakeasy-server/internal/auth"
	"speakeasy-server/internal/database"
	"speakeasy-server/internal/hub"
	"speakeasy-server/internal/models"
	"speakeasy-server/internal/signaling"
	"speakeasy-server/internal/snowflake"
	"speakeasy-server/internal/voice"
)

func setupServer(t *testing.T) *httptest.Server {
	t.Helper()

	nop := zap.NewNop().Sugar()
	if err := database.SetupForTest(); err != nil {
		t.Fatal(err)
	}
	if err := auth.Setup(nop); err != nil {
		t.Fatal(err)
	}
	hub.Setup(nop, nil, true)
	snowflake.Setup(0)

	cfg := &models.ConfigFile{
		UdpVoicePort:             "4011",
		HeartbeatIntervalSeconds: 10,
		HeartbeatMaxMisses:       3,
	}

	router := voice.NewRouter(voice.DefaultRouterConfig(), nop)
	listener := voice.NewListener(router, nop)
	signaling.Setup(nop, cfg, router, listener)

	server := httptest.NewServer(http.HandlerFunc(signaling.HandleWebSocket))
	t.Cleanup(server.Close)
	return server
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, server *httptest.Server) *testClient {
	t.Helper()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	client := &testClient{t: t, conn: conn}
	// consume the capability announcement
	frame := client.readFrame()
	if frame["verb"] != "capabilities" {
		t.Fatalf("expected capabilities first, got %v", frame["verb"])
	}
	return client
}

func (c *testClient) readFrame() map[string]any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame map[string]any
	if err := c.conn.ReadJSON(&frame); err != nil {
		c.t.Fatal(err)
	}
	return frame
}

func (c *testClient) call(verb string, data any) map[string]any {
	c.t.Helper()

	payload := map[string]any{"verb": verb}
	if data != nil {
		payload["data"] = data
	}
	if err := c.conn.WriteJSON(payload); err != nil {
		c.t.Fatal(err)
	}

	for {
		frame := c.readFrame()
		if frame["verb"] == "reply" && frame["to"] == verb {
			return frame
		}
	}
}

func (c *testClient) mustOk(verb string, data any) map[string]any {
	c.t.Helper()
	frame := c.call(verb, data)
	if frame["ok"] != true {
		c.t.Fatalf("%s failed: %v", verb, frame["error"])
	}
	return frame
}

func seedAdminUser(t *testing.T) models.User {
	t.Helper()
	hash, err := auth.HashPassword("admin")
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
	return admin
}

func grantAll(t *testing.T, userID uuid.UUID) {
	t.Helper()
	for _, key := range []string{"channel.join", "channel.create", "channel.edit", "channel.delete", "chat.send", "chat.moderate"} {
		perm := models.Permission{
			TargetType: models.TargetUser,
			TargetID:   userID,
			Key:        key,
			Value:      models.Grant(),
		}
		if err := database.SetPermission(database.Conn(), &perm); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFirstLoginFlow(t *testing.T) {
	server := setupServer(t)
	seedAdminUser(t)

	client := dial(t, server)

	// authenticate with seed credentials lands in the password gate
	frame := client.mustOk("authenticate", map[string]any{"username": "admin", "password": "admin"})
	data := frame["data"].(map[string]any)
	if data["state"] != "password_change_required" {
		t.Fatalf("expected password gate, got %v", data["state"])
	}

	// any non-password operation is forbidden
	frame = client.call("list_channels", nil)
	if frame["ok"] == true || frame["error"] != "forbidden" {
		t.Fatalf("gated session must reply forbidden, got %v", frame)
	}

	// change_password clears the gate and activates the session
	frame = client.mustOk("change_password", map[string]any{"oldPassword": "admin", "newPassword": "NewPw_2024!"})
	data = frame["data"].(map[string]any)
	if data["state"] != "active" {
		t.Fatalf("expected active after change, got %v", data["state"])
	}

	// re-authenticating on a fresh connection with the new credential works
	second := dial(t, server)
	frame = second.mustOk("authenticate", map[string]any{"username": "admin", "password": "NewPw_2024!"})
	data = frame["data"].(map[string]any)
	if data["state"] != "active" {
		t.Fatalf("expected active, got %v", data["state"])
	}
}

func TestBadCredentialsDoNotAdvance(t *testing.T) {
	server := setupServer(t)
	seedAdminUser(t)

	client := dial(t, server)
	frame := client.call("authenticate", map[string]any{"username": "admin", "password": "wrong"})
	if frame["ok"] == true || frame["error"] != "unauthenticated" {
		t.Fatalf("wrong password must reply unauthenticated, got %v", frame)
	}

	// session stays usable for another attempt
	client.mustOk("authenticate", map[string]any{"username": "admin", "password": "admin"})
}

func activeClient(t *testing.T, server *httptest.Server) (*testClient, models.User) {
	t.Helper()
	admin := seedAdminUser(t)
	if err := database.UpdateUserPassword(database.Conn(), admin.ID, admin.PasswordHash, false); err != nil {
		t.Fatal(err)
	}
	grantAll(t, admin.ID)

	client := dial(t, server)
	client.mustOk("authenticate", map[string]any{"username": "admin", "password": "admin"})
	return client, admin
}

func TestChannelLifecycleOverControlPlane(t *testing.T) {
	server := setupServer(t)
	client, _ := activeClient(t, server)

	frame := client.mustOk("create_channel", map[string]any{"name": "Team Room", "kind": "voice"})
	created := frame["data"].(map[string]any)
	channelID := created["id"].(string)

	// join negotiates a voice endpoint
	frame = client.mustOk("join_channel", map[string]any{"channelID": channelID})
	grant := frame["data"].(map[string]any)
	if grant["udpPort"] != "4011" {
		t.Errorf("voice grant missing udp port: %v", grant)
	}
	if grant["ssrc"] == nil {
		t.Error("voice grant missing ssrc")
	}

	// edit into a cycle is rejected
	frame = client.mustOk("create_channel", map[string]any{"name": "Child", "parent": channelID})
	childID := frame["data"].(map[string]any)["id"].(string)

	frame = client.call("edit_channel", map[string]any{"channelID": channelID, "parent": childID})
	if frame["ok"] == true || frame["error"] != "conflict" {
		t.Fatalf("cycle edit must conflict, got %v", frame)
	}

	// delete removes the subtree
	client.mustOk("leave_channel", nil)
	client.mustOk("delete_channel", map[string]any{"channelID": channelID})

	frame = client.call("join_channel", map[string]any{"channelID": channelID})
	if frame["ok"] == true || frame["error"] != "not_found" {
		t.Fatalf("deleted channel must be gone, got %v", frame)
	}
}

func TestChannelFull(t *testing.T) {
	server := setupServer(t)
	client, admin := activeClient(t, server)

	frame := client.mustOk("create_channel", map[string]any{"name": "Tiny", "kind": "voice", "maxClients": 1})
	channelID := frame["data"].(map[string]any)["id"].(string)
	client.mustOk("join_channel", map[string]any{"channelID": channelID})

	// a second session of the same user hits the capacity wall
	second := dial(t, server)
	second.mustOk("authenticate", map[string]any{"username": "admin", "password": "admin"})
	frame = second.call("join_channel", map[string]any{"channelID": channelID})
	if frame["ok"] == true || frame["error"] != "conflict" {
		t.Fatalf("full channel must conflict, got %v", frame)
	}

	_ = admin
}

func TestUnauthorizedJoinForbidden(t *testing.T) {
	server := setupServer(t)
	admin := seedAdminUser(t)
	if err := database.UpdateUserPassword(database.Conn(), admin.ID, admin.PasswordHash, false); err != nil {
		t.Fatal(err)
	}

	// a channel exists but the user has no channel.join grant anywhere
	channelID, _ := uuid.NewV7()
	channel := models.Channel{
		ID: channelID, Name: "Locked", Kind: models.ChannelKindVoice,
		Persistence: models.ChannelPermanent, CreatedAt: time.Now().UTC(),
	}
	if err := database.CreateChannel(database.Conn(), &channel); err != nil {
		t.Fatal(err)
	}

	client := dial(t, server)
	client.mustOk("authenticate", map[string]any{"username": "admin", "password": "admin"})

	frame := client.call("join_channel", map[string]any{"channelID": channelID.String()})
	if frame["ok"] == true || frame["error"] != "forbidden" {
		t.Fatalf("join without grant must be forbidden, got %v", frame)
	}

	// the denial is audited with the originating layer
	entries, err := database.ListAuditLog(database.Conn(), database.AuditLogFilter{Action: "channel.join"})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatal("denied join must be audited")
	}
	if entries[0].Details["layer"] != "none" {
		t.Errorf("expected layer none in audit details, got %v", entries[0].Details["layer"])
	}
}

func TestTemporaryChannelReapedOnLeave(t *testing.T) {
	server := setupServer(t)
	client, _ := activeClient(t, server)

	frame := client.mustOk("create_channel", map[string]any{"name": "Scratch", "kind": "voice", "persistence": "temporary"})
	channelID := frame["data"].(map[string]any)["id"].(string)

	client.mustOk("join_channel", map[string]any{"channelID": channelID})
	client.mustOk("leave_channel", nil)

	parsed, _ := uuid.Parse(channelID)
	if _, err := database.GetChannel(database.Conn(), parsed); err == nil {
		t.Error("temporary channel must be deleted once empty")
	}
}

func TestChatOverControlPlane(t *testing.T) {
	server := setupServer(t)
	client, _ := activeClient(t, server)

	frame := client.mustOk("create_channel", map[string]any{"name": "General", "kind": "text"})
	channelID := frame["data"].(map[string]any)["id"].(string)
	client.mustOk("join_channel", map[string]any{"channelID": channelID})

	frame = client.mustOk("send_message", map[string]any{"channelID": channelID, "content": "hello there"})
	messageID := frame["data"].(map[string]any)["id"].(string)

	frame = client.mustOk("message_history", map[string]any{"channelID": channelID})
	var history []models.ChatMessage
	raw, _ := json.Marshal(frame["data"])
	if err := json.Unmarshal(raw, &history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Content != "hello there" {
		t.Fatalf("unexpected history: %+v", history)
	}

	client.mustOk("delete_message", map[string]any{"messageID": messageID})

	frame = client.mustOk("message_history", map[string]any{"channelID": channelID})
	raw, _ = json.Marshal(frame["data"])
	if err := json.Unmarshal(raw, &history); err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].DeletedAt == nil || history[0].Content != "" {
		t.Fatalf("expected a tombstone, got %+v", history)
	}
}

func TestProtocolViolationClosesSession(t *testing.T) {
	server := setupServer(t)
	seedAdminUser(t)

	client := dial(t, server)
	if err := client.conn.WriteMessage(websocket.TextMessage, []byte("this is not json")); err != nil {
		t.Fatal(err)
	}

	client.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return // connection closed as expected
		}
	}
}
