package database

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"speakeasy-server/internal/models"
)

// SeedAdmin creates the well-known initial admin account when no user
// exists yet. The account is flagged must_change_password so the first
// login is gated until the credential is rotated.
func SeedAdmin(q Querier, passwordHash string) (bool, error) {
	var count int
	if err := q.QueryRow("SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return false, mapError(err)
	}
	if count > 0 {
		return false, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return false, err
	}

	admin := models.User{
		ID:                 id,
		Username:           "admin",
		PasswordHash:       passwordHash,
		CreatedAt:          time.Now().UTC(),
		Active:             true,
		MustChangePassword: true,
	}
	if err := CreateUser(q, &admin); err != nil {
		return false, err
	}
	return true, nil
}

// SeedDefaultChannel makes sure at least one joinable channel exists.
func SeedDefaultChannel(q Querier) (bool, error) {
	_, err := GetDefaultChannel(q)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return false, err
	}

	lobby := models.Channel{
		ID:          id,
		Name:        "Lobby",
		Default:     true,
		Kind:        models.ChannelKindVoice,
		Persistence: models.ChannelPermanent,
		CreatedAt:   time.Now().UTC(),
	}
	if err := CreateChannel(q, &lobby); err != nil {
		return false, err
	}
	return true, nil
}
