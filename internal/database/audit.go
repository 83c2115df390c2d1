package database

import (
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"speakeasy-server/internal/models"
)

func AppendAuditLog(q Querier, entry *models.AuditLogEntry) error {
	detailsJson := ""
	if entry.Details != nil {
		bytes, err := json.Marshal(entry.Details)
		if err != nil {
			return err
		}
		detailsJson = string(bytes)
	}

	_, err := q.Exec(`INSERT INTO audit_log (id, actor_id, action, target_type, target_id, details, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), uuidPtrToArg(entry.ActorID), entry.Action, entry.TargetType, entry.TargetID,
		detailsJson, entry.Timestamp.UTC().Unix())
	return mapError(err)
}

// AuditLogFilter narrows ListAuditLog; zero values mean "no filter".
type AuditLogFilter struct {
	Action  string
	ActorID *uuid.UUID
	Since   int64
	Until   int64
	Limit   int
	Offset  int
}

func ListAuditLog(q Querier, filter AuditLogFilter) ([]models.AuditLogEntry, error) {
	query := "SELECT id, actor_id, action, target_type, target_id, details, created_at FROM audit_log WHERE 1=1"
	args := []any{}

	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, filter.Action)
	}
	if filter.ActorID != nil {
		query += " AND actor_id = ?"
		args = append(args, filter.ActorID.String())
	}
	if filter.Since > 0 {
		query += " AND created_at >= ?"
		args = append(args, filter.Since)
	}
	if filter.Until > 0 {
		query += " AND created_at <= ?"
		args = append(args, filter.Until)
	}

	query += " ORDER BY created_at DESC, id DESC"

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	entries := []models.AuditLogEntry{}
	for rows.Next() {
		var entry models.AuditLogEntry
		var id string
		var actorID sql.NullString
		var detailsJson string
		var createdAt int64

		if err := rows.Scan(&id, &actorID, &entry.Action, &entry.TargetType, &entry.TargetID, &detailsJson, &createdAt); err != nil {
			return nil, mapError(err)
		}

		entry.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, err
		}
		if actorID.Valid {
			parsed, err := uuid.Parse(actorID.String)
			if err != nil {
				return nil, err
			}
			entry.ActorID = &parsed
		}
		if detailsJson != "" {
			if err := json.Unmarshal([]byte(detailsJson), &entry.Details); err != nil {
				return nil, err
			}
		}
		entry.Timestamp = unixToTime(createdAt)
		entries = append(entries, entry)
	}
	return entries, mapError(rows.Err())
}
