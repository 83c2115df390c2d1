package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"speakeasy-server/internal/database"
	"speakeasy-server/internal/hub"
	"speakeasy-server/internal/models"
	"speakeasy-server/internal/permissions"
	"speakeasy-server/internal/validator"
)

var (
	ErrBadCredentials = errors.New("unauthenticated")
	ErrBanned         = errors.New("forbidden")
	ErrInactive       = errors.New("forbidden")
	ErrWeakPassword   = errors.New("bad_request")
)

var sugar *zap.SugaredLogger

// dummyHash keeps the login path constant-time for unknown usernames.
var dummyHash string

func Setup(_sugar *zap.SugaredLogger) error {
	sugar = _sugar

	var err error
	dummyHash, err = HashPassword(uuid.NewString())
	return err
}

// Login authenticates a username/password pair against the user row.
// The argon2id verify runs even when the username is unknown so timing
// does not leak which usernames exist. Ban and active checks come after
// the credential check.
func Login(username string, password string, ip string) (models.User, error) {
	user, lookupErr := database.GetUserByUsername(database.Conn(), username)

	hash := dummyHash
	if lookupErr == nil {
		hash = user.PasswordHash
	}

	ok, err := VerifyPassword(password, hash)
	if err != nil {
		sugar.Error(err)
		return models.User{}, ErrBadCredentials
	}
	if lookupErr != nil || !ok {
		return models.User{}, ErrBadCredentials
	}

	if !user.Active {
		return models.User{}, ErrInactive
	}
	if err := CheckBanned(user.ID, ip); err != nil {
		return models.User{}, err
	}

	if err := database.TouchUserLogin(database.Conn(), user.ID); err != nil {
		sugar.Error(err)
	}
	return user, nil
}

// LoginWithToken authenticates an API token value and resolves its user.
func LoginWithToken(value string, ip string) (models.User, models.ApiToken, error) {
	token, err := VerifyApiToken(value)
	if err != nil {
		return models.User{}, models.ApiToken{}, err
	}

	user, err := database.GetUser(database.Conn(), token.UserID)
	if err != nil {
		return models.User{}, models.ApiToken{}, ErrBadCredentials
	}
	if !user.Active {
		return models.User{}, models.ApiToken{}, ErrInactive
	}
	if err := CheckBanned(user.ID, ip); err != nil {
		return models.User{}, models.ApiToken{}, err
	}
	return user, token, nil
}

// CheckBanned returns ErrBanned when an active ban matches the user or
// the source address.
func CheckBanned(userID uuid.UUID, ip string) error {
	bans, err := database.ActiveBans(database.Conn())
	if err != nil {
		return err
	}
	for i := range bans {
		if database.BanMatches(&bans[i], userID, ip) {
			return ErrBanned
		}
	}
	return nil
}

// ChangePassword rotates the credential and clears the first-login gate.
// Every admin session of the user is invalidated.
func ChangePassword(userID uuid.UUID, oldPassword string, newPassword string) error {
	user, err := database.GetUser(database.Conn(), userID)
	if err != nil {
		return err
	}

	ok, err := VerifyPassword(oldPassword, user.PasswordHash)
	if err != nil || !ok {
		return ErrBadCredentials
	}

	if err := validator.Password(newPassword); err != nil {
		return errors.Join(ErrWeakPassword, err)
	}

	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}

	if err := database.UpdateUserPassword(database.Conn(), userID, hash, false); err != nil {
		return err
	}

	InvalidateUserSessions(userID)
	Audit(&userID, "user.password_changed", "user", userID.String(), nil)
	return nil
}

// GenerateInviteCode mints a URL-safe high-entropy invite code.
func GenerateInviteCode() (string, error) {
	bytes := make([]byte, 18)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// RedeemInvite creates a user from an invite code. The consume and the
// user insert share one transaction so a burned code never loses the
// account or vice versa.
func RedeemInvite(code string, username string, password string) (models.User, error) {
	if err := validator.Username(username); err != nil {
		return models.User{}, errors.Join(ErrWeakPassword, err)
	}
	if err := validator.Password(password); err != nil {
		return models.User{}, errors.Join(ErrWeakPassword, err)
	}

	invite, err := database.GetInviteByCode(database.Conn(), code)
	if err != nil {
		return models.User{}, err
	}
	if invite.ExpiresAt != nil && time.Now().UTC().After(*invite.ExpiresAt) {
		return models.User{}, database.ErrConflict
	}

	hash, err := HashPassword(password)
	if err != nil {
		return models.User{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.User{}, err
	}

	user := models.User{
		ID:           id,
		Username:     username,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
		Active:       true,
	}

	err = database.WithTx(database.Conn(), func(tx database.Querier) error {
		if err := database.ConsumeInvite(tx, invite.ID); err != nil {
			return err
		}
		if err := database.CreateUser(tx, &user); err != nil {
			return err
		}
		if invite.AssignedGroup != nil {
			if err := database.AddUserToServerGroup(tx, user.ID, *invite.AssignedGroup); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.User{}, err
	}

	Audit(&user.ID, "user.invite_redeemed", "invite", invite.ID.String(), map[string]any{"code": invite.Code})
	return user, nil
}

// Audit appends an entry and lets bus subscribers observe it. Audit
// failures are logged, never propagated; the action itself already
// happened.
func Audit(actor *uuid.UUID, action string, targetType string, targetID string, details map[string]any) {
	id, err := uuid.NewV7()
	if err != nil {
		sugar.Error(err)
		return
	}

	entry := models.AuditLogEntry{
		ID:         id,
		ActorID:    actor,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Details:    details,
		Timestamp:  time.Now().UTC(),
	}
	if err := database.AppendAuditLog(database.Conn(), &entry); err != nil {
		sugar.Error(err)
	}
}

// AuditDecision records an authorization decision that was acted upon,
// with the resolved value and originating layer in the details.
func AuditDecision(actor uuid.UUID, action string, targetType string, targetID string, decision permissions.Decision) {
	details := map[string]any{
		"key":   decision.Key,
		"layer": string(decision.Layer),
		"value": decision.Value,
	}
	Audit(&actor, action, targetType, targetID, details)
	hub.Publish(hub.PermissionDecision, map[string]any{
		"actor":   actor.String(),
		"action":  action,
		"key":     decision.Key,
		"layer":   string(decision.Layer),
		"granted": decision.Granted(),
	})
}

// SnapshotFor loads the resolver input for one user and optional channel
// context through the repository.
func SnapshotFor(userID uuid.UUID, channelID *uuid.UUID) (permissions.Snapshot, error) {
	snapshot, err := database.LoadPermissionSnapshot(database.Conn(), userID, channelID)
	if err != nil {
		return permissions.Snapshot{}, err
	}
	return permissions.Snapshot(snapshot), nil
}
