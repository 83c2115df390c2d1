package database

import (
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"speakeasy-server/internal/models"
)

func CreateApiToken(q Querier, token *models.ApiToken) error {
	scopesJson, err := json.Marshal(token.Scopes)
	if err != nil {
		return err
	}

	_, err = q.Exec(`INSERT INTO api_tokens (id, user_id, description, scopes, token_hash, token_prefix, created_at, expires_at, revoked)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID.String(), token.UserID.String(), token.Description, string(scopesJson), token.TokenHash,
		token.TokenPrefix, token.CreatedAt.UTC().Unix(), timePtrToUnix(token.ExpiresAt), token.Revoked)
	return mapError(err)
}

const tokenColumns = "id, user_id, description, scopes, token_hash, token_prefix, created_at, expires_at, revoked"

func scanApiToken(row interface{ Scan(...any) error }) (models.ApiToken, error) {
	var token models.ApiToken
	var id, userID, scopesJson string
	var createdAt int64
	var expiresAt sql.NullInt64

	err := row.Scan(&id, &userID, &token.Description, &scopesJson, &token.TokenHash, &token.TokenPrefix,
		&createdAt, &expiresAt, &token.Revoked)
	if err != nil {
		return token, mapError(err)
	}

	token.ID, err = uuid.Parse(id)
	if err != nil {
		return token, err
	}
	token.UserID, err = uuid.Parse(userID)
	if err != nil {
		return token, err
	}
	if err := json.Unmarshal([]byte(scopesJson), &token.Scopes); err != nil {
		return token, err
	}
	token.CreatedAt = unixToTime(createdAt)
	token.ExpiresAt = unixPtrToTime(expiresAt)
	return token, nil
}

// ApiTokensByPrefix narrows verification work to tokens sharing the short
// public prefix carried in the request.
func ApiTokensByPrefix(q Querier, prefix string) ([]models.ApiToken, error) {
	rows, err := q.Query("SELECT "+tokenColumns+" FROM api_tokens WHERE token_prefix = ?", prefix)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	tokens := []models.ApiToken{}
	for rows.Next() {
		token, err := scanApiToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, mapError(rows.Err())
}

func ListApiTokens(q Querier, userID uuid.UUID) ([]models.ApiToken, error) {
	rows, err := q.Query("SELECT "+tokenColumns+" FROM api_tokens WHERE user_id = ? ORDER BY created_at DESC", userID.String())
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	tokens := []models.ApiToken{}
	for rows.Next() {
		token, err := scanApiToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, mapError(rows.Err())
}

func RevokeApiToken(q Querier, id uuid.UUID) error {
	res, err := q.Exec("UPDATE api_tokens SET revoked = TRUE WHERE id = ?", id.String())
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func GetSetting(q Querier, name string) (string, error) {
	var value string
	err := q.QueryRow("SELECT value FROM server_settings WHERE name = ?", name).Scan(&value)
	if err != nil {
		return "", mapError(err)
	}
	return value, nil
}

func SetSetting(q Querier, name string, value string) error {
	return WithTx(q, func(tx Querier) error {
		if _, err := tx.Exec("DELETE FROM server_settings WHERE name = ?", name); err != nil {
			return mapError(err)
		}
		_, err := tx.Exec("INSERT INTO server_settings (name, value) VALUES (?, ?)", name, value)
		return mapError(err)
	})
}

func ListSettings(q Querier) (map[string]string, error) {
	rows, err := q.Query("SELECT name, value FROM server_settings")
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	settings := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, mapError(err)
		}
		settings[name] = value
	}
	return settings, mapError(rows.Err())
}
