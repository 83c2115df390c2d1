package database

import (
	"database/sql"
	"strings"

	"github.com/google/uuid"

	"speakeasy-server/internal/models"
)

func CreateUser(q Querier, user *models.User) error {
	// stored folded so the UNIQUE constraint holds under case folding
	user.Username = strings.ToLower(user.Username)
	_, err := q.Exec(`INSERT INTO users (id, username, password_hash, created_at, active, must_change_password)
			VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID.String(), user.Username, user.PasswordHash, user.CreatedAt.UTC().Unix(), user.Active, user.MustChangePassword)
	return mapError(err)
}

func scanUser(row interface{ Scan(...any) error }) (models.User, error) {
	var user models.User
	var id string
	var createdAt int64
	var lastLogin sql.NullInt64

	err := row.Scan(&id, &user.Username, &user.PasswordHash, &createdAt, &lastLogin, &user.Active, &user.MustChangePassword)
	if err != nil {
		return user, mapError(err)
	}

	user.ID, err = uuid.Parse(id)
	if err != nil {
		return user, err
	}
	user.CreatedAt = unixToTime(createdAt)
	user.LastLogin = unixPtrToTime(lastLogin)
	return user, nil
}

const userColumns = "id, username, password_hash, created_at, last_login, active, must_change_password"

func GetUser(q Querier, id uuid.UUID) (models.User, error) {
	return scanUser(q.QueryRow("SELECT "+userColumns+" FROM users WHERE id = ?", id.String()))
}

// GetUserByUsername looks the user up case-insensitively; usernames are
// unique under case folding.
func GetUserByUsername(q Querier, username string) (models.User, error) {
	return scanUser(q.QueryRow("SELECT "+userColumns+" FROM users WHERE LOWER(username) = LOWER(?)", username))
}

func ListUsers(q Querier) ([]models.User, error) {
	rows, err := q.Query("SELECT " + userColumns + " FROM users ORDER BY username")
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, mapError(rows.Err())
}

func UpdateUserPassword(q Querier, id uuid.UUID, passwordHash string, mustChange bool) error {
	res, err := q.Exec("UPDATE users SET password_hash = ?, must_change_password = ? WHERE id = ?",
		passwordHash, mustChange, id.String())
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func TouchUserLogin(q Querier, id uuid.UUID) error {
	res, err := q.Exec("UPDATE users SET last_login = ? WHERE id = ?", nowUnix(), id.String())
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

// SetUserActive deactivates instead of deleting so audit references stay
// resolvable.
func SetUserActive(q Querier, id uuid.UUID, active bool) error {
	res, err := q.Exec("UPDATE users SET active = ? WHERE id = ?", active, id.String())
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func DeleteUser(q Querier, id uuid.UUID) error {
	res, err := q.Exec("DELETE FROM users WHERE id = ?", id.String())
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
