package database

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"speakeasy-server/internal/models"
)

func makeUser(t *testing.T, username string) models.User {
	t.Helper()
	id, err := uuid.NewV7()
	if err != nil {
		t.Fatal(err)
	}
	user := models.User{
		ID:           id,
		Username:     username,
		PasswordHash: "$argon2id$test",
		CreatedAt:    time.Now().UTC(),
		Active:       true,
	}
	if err := CreateUser(Conn(), &user); err != nil {
		t.Fatalf("CreateUser(%s) failed: %v", username, err)
	}
	return user
}

func TestUserCreateReadDelete(t *testing.T) {
	mustSetup(t)

	user := makeUser(t, "alice")

	got, err := GetUser(Conn(), user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Username != "alice" {
		t.Errorf("got username %q, want alice", got.Username)
	}

	if err := DeleteUser(Conn(), user.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := GetUser(Conn(), user.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not_found after delete, got %v", err)
	}
}

func TestUsernameCaseFoldedUnique(t *testing.T) {
	mustSetup(t)

	makeUser(t, "bob")

	got, err := GetUserByUsername(Conn(), "BOB")
	if err != nil {
		t.Fatalf("case-folded lookup failed: %v", err)
	}
	if got.Username != "bob" {
		t.Errorf("got %q, want bob", got.Username)
	}
}

func TestDuplicateUsernameConflicts(t *testing.T) {
	mustSetup(t)

	makeUser(t, "carol")

	id, _ := uuid.NewV7()
	dup := models.User{ID: id, Username: "carol", PasswordHash: "x", CreatedAt: time.Now().UTC()}
	if err := CreateUser(Conn(), &dup); !errors.Is(err, ErrConflict) {
		t.Errorf("expected conflict for duplicate username, got %v", err)
	}
}

func TestPermissionReplayIsNoOp(t *testing.T) {
	mustSetup(t)

	user := makeUser(t, "dave")
	perm := models.Permission{
		TargetType: models.TargetUser,
		TargetID:   user.ID,
		Key:        "channel.create",
		Value:      models.Grant(),
	}

	if err := SetPermission(Conn(), &perm); err != nil {
		t.Fatal(err)
	}
	// replay
	if err := SetPermission(Conn(), &perm); err != nil {
		t.Fatalf("replaying the same mutation must not fail: %v", err)
	}

	perms, err := PermissionsForTarget(Conn(), models.TargetUser, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(perms) != 1 {
		t.Errorf("expected exactly 1 permission row after replay, got %d", len(perms))
	}
}

func TestConsumeInviteRespectsMaxUses(t *testing.T) {
	mustSetup(t)

	user := makeUser(t, "erin")
	id, _ := uuid.NewV7()
	invite := models.Invite{
		ID:        id,
		Code:      "join-me-123",
		MaxUses:   2,
		CreatedBy: user.ID,
		CreatedAt: time.Now().UTC(),
	}
	if err := CreateInvite(Conn(), &invite); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := ConsumeInvite(Conn(), invite.ID); err != nil {
			t.Fatalf("use %d failed: %v", i+1, err)
		}
	}
	if err := ConsumeInvite(Conn(), invite.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("expected conflict once max_uses reached, got %v", err)
	}
}

func TestUnlimitedInvite(t *testing.T) {
	mustSetup(t)

	user := makeUser(t, "frank")
	id, _ := uuid.NewV7()
	invite := models.Invite{
		ID:        id,
		Code:      "open-invite",
		MaxUses:   0,
		CreatedBy: user.ID,
		CreatedAt: time.Now().UTC(),
	}
	if err := CreateInvite(Conn(), &invite); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		if err := ConsumeInvite(Conn(), invite.ID); err != nil {
			t.Fatalf("unlimited invite rejected on use %d: %v", i+1, err)
		}
	}
}

func TestBanMatching(t *testing.T) {
	userID, _ := uuid.NewV7()
	otherID, _ := uuid.NewV7()

	tests := []struct {
		name    string
		ban     models.Ban
		userID  uuid.UUID
		ip      string
		matches bool
	}{
		{
			name:    "user ban matches the user",
			ban:     models.Ban{UserID: &userID},
			userID:  userID,
			ip:      "10.0.0.1",
			matches: true,
		},
		{
			name:    "user ban does not match others",
			ban:     models.Ban{UserID: &userID},
			userID:  otherID,
			ip:      "10.0.0.1",
			matches: false,
		},
		{
			name:    "exact ip match",
			ban:     models.Ban{IP: "192.168.1.5"},
			userID:  otherID,
			ip:      "192.168.1.5",
			matches: true,
		},
		{
			name:    "cidr range match",
			ban:     models.Ban{IP: "192.168.1.0/24"},
			userID:  otherID,
			ip:      "192.168.1.77",
			matches: true,
		},
		{
			name:    "cidr range miss",
			ban:     models.Ban{IP: "192.168.1.0/24"},
			userID:  otherID,
			ip:      "192.168.2.77",
			matches: false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := BanMatches(&tc.ban, tc.userID, tc.ip); got != tc.matches {
				t.Errorf("BanMatches() = %v, want %v", got, tc.matches)
			}
		})
	}
}

func TestMessageTombstone(t *testing.T) {
	mustSetup(t)

	user := makeUser(t, "grace")
	channel := makeChannel(t, "General", nil)

	id, _ := uuid.NewV7()
	message := models.ChatMessage{
		ID:        id,
		ChannelID: channel.ID,
		SenderID:  user.ID,
		Content:   "hello",
		Kind:      models.MessageText,
		CreatedAt: time.Now().UTC(),
	}
	if err := CreateMessage(Conn(), &message); err != nil {
		t.Fatal(err)
	}

	if err := DeleteMessage(Conn(), message.ID); err != nil {
		t.Fatal(err)
	}

	got, err := GetMessage(Conn(), message.ID)
	if err != nil {
		t.Fatalf("tombstoned message should still resolve: %v", err)
	}
	if got.DeletedAt == nil {
		t.Error("expected deleted_at to be set")
	}
	if got.Content != "" {
		t.Errorf("tombstone should blank content, got %q", got.Content)
	}

	// double delete is not_found: the live row is gone
	if err := DeleteMessage(Conn(), message.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not_found on second delete, got %v", err)
	}
}

func TestSeedAdminOnlyOnce(t *testing.T) {
	mustSetup(t)

	created, err := SeedAdmin(Conn(), "$argon2id$seed")
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected first seed to create the admin")
	}

	admin, err := GetUserByUsername(Conn(), "admin")
	if err != nil {
		t.Fatal(err)
	}
	if !admin.MustChangePassword {
		t.Error("seeded admin must be flagged must_change_password")
	}

	created, err = SeedAdmin(Conn(), "$argon2id$seed")
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second seed must be a no-op")
	}
}
