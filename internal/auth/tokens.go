package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"speakeasy-server/internal/database"
	"speakeasy-server/internal/keyValue"
	"speakeasy-server/internal/models"
)

var (
	ErrTokenInvalid   = errors.New("unauthenticated")
	ErrSessionInvalid = errors.New("unauthenticated")
)

// API token scopes checked by the commander.
const (
	ScopeServerInfo      = "server:info"
	ScopeServerEdit      = "server:edit"
	ScopeChannelRead     = "channel:read"
	ScopeChannelWrite    = "channel:write"
	ScopeClientRead      = "client:read"
	ScopeClientWrite     = "client:write"
	ScopePermissionRead  = "permission:read"
	ScopePermissionWrite = "permission:write"
	ScopeFileRead        = "file:read"
	ScopeFileWrite       = "file:write"
	ScopeLogRead         = "log:read"
	ScopePluginManage    = "plugin:manage"
)

const tokenPrefixLen = 8

func randomToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return "sk_" + base64.RawURLEncoding.EncodeToString(bytes), nil
}

// CreateApiToken mints a long-lived scope-bounded token. The cleartext
// value is returned exactly once; only the argon2id verifier and the
// display prefix are persisted.
func CreateApiToken(userID uuid.UUID, description string, scopes []string, expiresAt *time.Time) (models.ApiToken, string, error) {
	value, err := randomToken()
	if err != nil {
		return models.ApiToken{}, "", err
	}

	hash, err := HashPassword(value)
	if err != nil {
		return models.ApiToken{}, "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return models.ApiToken{}, "", err
	}

	token := models.ApiToken{
		ID:          id,
		UserID:      userID,
		Description: description,
		Scopes:      scopes,
		TokenHash:   hash,
		TokenPrefix: value[:tokenPrefixLen],
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   expiresAt,
	}
	if err := database.CreateApiToken(database.Conn(), &token); err != nil {
		return models.ApiToken{}, "", err
	}
	return token, value, nil
}

// VerifyApiToken identifies the candidate rows by public prefix, then
// runs the argon2id check against each. Revoked and expired tokens never
// match. A positive verification is cached by value digest so repeated
// requests skip the argon2id work; revocation and expiry are still read
// from the row on every call.
func VerifyApiToken(value string) (models.ApiToken, error) {
	if len(value) < tokenPrefixLen {
		return models.ApiToken{}, ErrTokenInvalid
	}

	tokens, err := database.ApiTokensByPrefix(database.Conn(), value[:tokenPrefixLen])
	if err != nil {
		return models.ApiToken{}, err
	}

	digest := sha256.Sum256([]byte(value))
	cacheKey := fmt.Sprintf("token_ok:%x", digest)
	now := time.Now().UTC()

	if cachedID, err := keyValue.Get(cacheKey); err == nil && cachedID != "" {
		for i := range tokens {
			if tokens[i].ID.String() == cachedID && tokens[i].Valid(now) {
				return tokens[i], nil
			}
		}
	}

	for i := range tokens {
		if !tokens[i].Valid(now) {
			continue
		}
		ok, err := VerifyPassword(value, tokens[i].TokenHash)
		if err != nil {
			continue
		}
		if ok {
			keyValue.Set(cacheKey, tokens[i].ID.String(), 5*time.Minute)
			return tokens[i], nil
		}
	}
	return models.ApiToken{}, ErrTokenInvalid
}

// AdminSession is a short-lived in-memory token handed out after a
// username/password login on the commander surface.
type AdminSession struct {
	Token     string
	UserID    uuid.UUID
	CreatedAt time.Time
	ExpiresAt time.Time
}

const adminSessionTTL = 24 * time.Hour

var sessionsMutex sync.RWMutex
var adminSessions = make(map[string]AdminSession)

func CreateAdminSession(userID uuid.UUID) (AdminSession, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return AdminSession{}, err
	}

	now := time.Now().UTC()
	session := AdminSession{
		Token:     base64.RawURLEncoding.EncodeToString(bytes),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(adminSessionTTL),
	}

	sessionsMutex.Lock()
	adminSessions[session.Token] = session
	sessionsMutex.Unlock()

	return session, nil
}

func ValidateAdminSession(token string) (AdminSession, error) {
	sessionsMutex.RLock()
	session, exists := adminSessions[token]
	sessionsMutex.RUnlock()

	if !exists {
		return AdminSession{}, ErrSessionInvalid
	}
	if time.Now().UTC().After(session.ExpiresAt) {
		return AdminSession{}, fmt.Errorf("%w: session expired", ErrSessionInvalid)
	}
	return session, nil
}

func InvalidateAdminSession(token string) {
	sessionsMutex.Lock()
	delete(adminSessions, token)
	sessionsMutex.Unlock()
}

// InvalidateUserSessions drops every admin session of one user, e.g.
// after a password change.
func InvalidateUserSessions(userID uuid.UUID) int {
	sessionsMutex.Lock()
	defer sessionsMutex.Unlock()

	removed := 0
	for token, session := range adminSessions {
		if session.UserID == userID {
			delete(adminSessions, token)
			removed++
		}
	}
	return removed
}

// CleanupAdminSessions removes expired sessions; run periodically.
func CleanupAdminSessions() int {
	now := time.Now().UTC()

	sessionsMutex.Lock()
	defer sessionsMutex.Unlock()

	removed := 0
	for token, session := range adminSessions {
		if now.After(session.ExpiresAt) {
			delete(adminSessions, token)
			removed++
		}
	}
	return removed
}
