package database

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"speakeasy-server/internal/models"
)

// SetPermission writes or replaces one permission row. Replaying the same
// mutation is a no-op beyond the first application.
func SetPermission(q Querier, perm *models.Permission) error {
	scopeJson := ""
	if perm.Value.Kind == models.PermScope {
		bytes, err := json.Marshal(perm.Value.Scope)
		if err != nil {
			return err
		}
		scopeJson = string(bytes)
	}

	return WithTx(q, func(tx Querier) error {
		if _, err := tx.Exec("DELETE FROM permissions WHERE target_type = ? AND target_id = ? AND perm_key = ?",
			perm.TargetType, perm.TargetID.String(), perm.Key); err != nil {
			return mapError(err)
		}

		_, err := tx.Exec(`INSERT INTO permissions (target_type, target_id, perm_key, value_kind, tri_state, int_limit, scope)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
			perm.TargetType, perm.TargetID.String(), perm.Key,
			perm.Value.Kind, string(perm.Value.TriState), perm.Value.IntLimit, scopeJson)
		return mapError(err)
	})
}

func RemovePermission(q Querier, targetType models.PermTargetType, targetID uuid.UUID, key string) error {
	res, err := q.Exec("DELETE FROM permissions WHERE target_type = ? AND target_id = ? AND perm_key = ?",
		targetType, targetID.String(), key)
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func scanPermissions(rows *sql.Rows) ([]models.Permission, error) {
	perms := []models.Permission{}
	for rows.Next() {
		var perm models.Permission
		var rawTarget string
		var triState sql.NullString
		var intLimit sql.NullInt64
		var scopeJson sql.NullString

		if err := rows.Scan(&perm.TargetType, &rawTarget, &perm.Key, &perm.Value.Kind, &triState, &intLimit, &scopeJson); err != nil {
			return nil, mapError(err)
		}

		var err error
		perm.TargetID, err = uuid.Parse(rawTarget)
		if err != nil {
			return nil, err
		}

		switch perm.Value.Kind {
		case models.PermTriState:
			perm.Value.TriState = models.TriState(triState.String)
		case models.PermIntLimit:
			perm.Value.IntLimit = intLimit.Int64
		case models.PermScope:
			if scopeJson.Valid && scopeJson.String != "" {
				if err := json.Unmarshal([]byte(scopeJson.String), &perm.Value.Scope); err != nil {
					return nil, err
				}
			}
		}
		perms = append(perms, perm)
	}
	return perms, mapError(rows.Err())
}

const permissionColumns = "target_type, target_id, perm_key, value_kind, tri_state, int_limit, scope"

func PermissionsForTarget(q Querier, targetType models.PermTargetType, targetID uuid.UUID) ([]models.Permission, error) {
	rows, err := q.Query("SELECT "+permissionColumns+" FROM permissions WHERE target_type = ? AND target_id = ?",
		targetType, targetID.String())
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	return scanPermissions(rows)
}

func ListPermissions(q Querier) ([]models.Permission, error) {
	rows, err := q.Query("SELECT " + permissionColumns + " FROM permissions ORDER BY target_type, target_id, perm_key")
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	return scanPermissions(rows)
}

// PermissionSnapshot is everything the resolver needs for one (user,
// channel) decision, read in a single consistent pass.
type PermissionSnapshot struct {
	Individual     []models.Permission
	ChannelGroup   []models.Permission
	ChannelDefault []models.Permission
	ServerGroups   [][]models.Permission
	ServerDefault  []models.Permission
}

// ServerDefaultTarget is the pseudo target id for server-wide defaults.
var ServerDefaultTarget = uuid.Nil

// LoadPermissionSnapshot gathers the five resolver layers. channelID nil
// means a server-context decision; the channel layers stay empty.
func LoadPermissionSnapshot(q Querier, userID uuid.UUID, channelID *uuid.UUID) (PermissionSnapshot, error) {
	var snapshot PermissionSnapshot
	err := WithTx(q, func(tx Querier) error {
		var err error

		snapshot.Individual, err = PermissionsForTarget(tx, models.TargetUser, userID)
		if err != nil {
			return err
		}

		if channelID != nil {
			groupID, err := UserChannelGroup(tx, userID, *channelID)
			if err == nil {
				snapshot.ChannelGroup, err = PermissionsForTarget(tx, models.TargetChannelGroup, groupID)
				if err != nil {
					return err
				}
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}

			snapshot.ChannelDefault, err = PermissionsForTarget(tx, models.TargetChannelDefault, *channelID)
			if err != nil {
				return err
			}
		}

		groups, err := UserServerGroups(tx, userID)
		if err != nil {
			return err
		}
		for _, group := range groups {
			perms, err := PermissionsForTarget(tx, models.TargetServerGroup, group.ID)
			if err != nil {
				return err
			}
			snapshot.ServerGroups = append(snapshot.ServerGroups, perms)
		}

		snapshot.ServerDefault, err = PermissionsForTarget(tx, models.TargetServerDefault, ServerDefaultTarget)
		return err
	})
	return snapshot, err
}
