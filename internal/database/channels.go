package database

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"speakeasy-server/internal/models"
)

const channelColumns = "id, name, parent_id, topic, password_hash, max_clients, is_default, sort_order, kind, persistence, e2e, created_at"

func scanChannel(row interface{ Scan(...any) error }) (models.Channel, error) {
	var channel models.Channel
	var id string
	var parentID sql.NullString
	var createdAt int64

	err := row.Scan(&id, &channel.Name, &parentID, &channel.Topic, &channel.PasswordHash,
		&channel.MaxClients, &channel.Default, &channel.SortOrder, &channel.Kind, &channel.Persistence, &channel.E2E, &createdAt)
	if err != nil {
		return channel, mapError(err)
	}

	channel.ID, err = uuid.Parse(id)
	if err != nil {
		return channel, err
	}
	if parentID.Valid {
		parsed, err := uuid.Parse(parentID.String)
		if err != nil {
			return channel, err
		}
		channel.ParentID = &parsed
	}
	channel.CreatedAt = unixToTime(createdAt)
	return channel, nil
}

func uuidPtrToArg(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func CreateChannel(q Querier, channel *models.Channel) error {
	return WithTx(q, func(tx Querier) error {
		if channel.ParentID != nil {
			if _, err := GetChannel(tx, *channel.ParentID); err != nil {
				return err
			}
		}

		if channel.Default {
			if err := clearDefaultChannel(tx); err != nil {
				return err
			}
		}

		_, err := tx.Exec(`INSERT INTO channels (id, name, parent_id, topic, password_hash, max_clients, is_default, sort_order, kind, persistence, e2e, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			channel.ID.String(), channel.Name, uuidPtrToArg(channel.ParentID), channel.Topic, channel.PasswordHash,
			channel.MaxClients, channel.Default, channel.SortOrder, channel.Kind, channel.Persistence, channel.E2E, channel.CreatedAt.UTC().Unix())
		return mapError(err)
	})
}

func GetChannel(q Querier, id uuid.UUID) (models.Channel, error) {
	return scanChannel(q.QueryRow("SELECT "+channelColumns+" FROM channels WHERE id = ?", id.String()))
}

func GetDefaultChannel(q Querier) (models.Channel, error) {
	return scanChannel(q.QueryRow("SELECT " + channelColumns + " FROM channels WHERE is_default = TRUE"))
}

func ListChannels(q Querier) ([]models.Channel, error) {
	rows, err := q.Query("SELECT " + channelColumns + " FROM channels ORDER BY sort_order, name")
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	channels := []models.Channel{}
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}
	return channels, mapError(rows.Err())
}

func ListChildChannels(q Querier, parent uuid.UUID) ([]models.Channel, error) {
	rows, err := q.Query("SELECT "+channelColumns+" FROM channels WHERE parent_id = ? ORDER BY sort_order, name", parent.String())
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	channels := []models.Channel{}
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, channel)
	}
	return channels, mapError(rows.Err())
}

// UpdateChannel rewrites the mutable channel fields. Re-parenting walks the
// new parent chain first so the tree stays a forest; a chain that reaches
// the channel itself is a cycle and fails with conflict.
func UpdateChannel(q Querier, channel *models.Channel) error {
	return WithTx(q, func(tx Querier) error {
		if channel.ParentID != nil {
			if err := checkNoCycle(tx, channel.ID, *channel.ParentID); err != nil {
				return err
			}
		}

		if channel.Default {
			if err := clearDefaultChannel(tx); err != nil {
				return err
			}
		}

		res, err := tx.Exec(`UPDATE channels SET name = ?, parent_id = ?, topic = ?, password_hash = ?, max_clients = ?, is_default = ?, sort_order = ?, kind = ?, persistence = ?, e2e = ?
				WHERE id = ?`,
			channel.Name, uuidPtrToArg(channel.ParentID), channel.Topic, channel.PasswordHash, channel.MaxClients,
			channel.Default, channel.SortOrder, channel.Kind, channel.Persistence, channel.E2E, channel.ID.String())
		if err != nil {
			return mapError(err)
		}
		return requireRow(res)
	})
}

func checkNoCycle(q Querier, channelID uuid.UUID, newParent uuid.UUID) error {
	if newParent == channelID {
		return ErrConflict
	}

	current := newParent
	for range 1024 {
		var parent sql.NullString
		err := q.QueryRow("SELECT parent_id FROM channels WHERE id = ?", current.String()).Scan(&parent)
		if err != nil {
			return mapError(err)
		}
		if !parent.Valid {
			return nil
		}

		parsed, err := uuid.Parse(parent.String)
		if err != nil {
			return err
		}
		if parsed == channelID {
			return ErrConflict
		}
		current = parsed
	}
	// a chain this deep means the stored tree is already broken
	return ErrConflict
}

func clearDefaultChannel(q Querier) error {
	_, err := q.Exec("UPDATE channels SET is_default = FALSE WHERE is_default = TRUE")
	return mapError(err)
}

// DescendantChannelIDs returns the subtree below id, not including id.
func DescendantChannelIDs(q Querier, id uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.Query(`
			WITH RECURSIVE subtree (id) AS (
				SELECT id FROM channels WHERE parent_id = ?
				UNION ALL
				SELECT c.id FROM channels c JOIN subtree s ON c.parent_id = s.id
			)
			SELECT id FROM subtree`, id.String())
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	ids := []uuid.UUID{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, mapError(err)
		}
		parsed, err := uuid.Parse(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, parsed)
	}
	return ids, mapError(rows.Err())
}

// DeleteChannel removes the channel and all descendants in one atomic step.
func DeleteChannel(q Querier, id uuid.UUID) ([]uuid.UUID, error) {
	var removed []uuid.UUID
	err := WithTx(q, func(tx Querier) error {
		descendants, err := DescendantChannelIDs(tx, id)
		if err != nil {
			return err
		}

		if _, err := GetChannel(tx, id); err != nil {
			return err
		}

		// leaves first so the parent foreign key never dangles
		for i := len(descendants) - 1; i >= 0; i-- {
			if _, err := tx.Exec("DELETE FROM channels WHERE id = ?", descendants[i].String()); err != nil {
				return mapError(err)
			}
		}
		if _, err := tx.Exec("DELETE FROM channels WHERE id = ?", id.String()); err != nil {
			return mapError(err)
		}

		removed = append(descendants, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// PurgeSemiPermanent drops every semi_permanent channel (and its subtree)
// on server restart. Runs before any session connects.
func PurgeSemiPermanent(q Querier) (int, error) {
	rows, err := q.Query("SELECT id FROM channels WHERE persistence = ?", models.ChannelSemiPermanent)
	if err != nil {
		return 0, mapError(err)
	}

	ids := []uuid.UUID{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return 0, mapError(err)
		}
		parsed, err := uuid.Parse(raw)
		if err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, parsed)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, mapError(err)
	}

	purged := 0
	for _, id := range ids {
		removed, err := DeleteChannel(q, id)
		if err != nil {
			// subtree may already be gone through an earlier root
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return purged, err
		}
		purged += len(removed)
	}
	return purged, nil
}

// ChannelExport is the structural form of a subtree used by the commander
// import/export operations. Timestamps and verifiers are intentionally
// not part of the structural output.
type ChannelExport struct {
	Name        string                    `json:"name"`
	Topic       string                    `json:"topic"`
	MaxClients  int                       `json:"maxClients"`
	SortOrder   int                       `json:"sortOrder"`
	Kind        models.ChannelKind        `json:"kind"`
	Persistence models.ChannelPersistence `json:"persistence"`
	E2E         bool                      `json:"e2e"`
	Children    []ChannelExport           `json:"children"`
}

func ExportSubtree(q Querier, id uuid.UUID) (ChannelExport, error) {
	channel, err := GetChannel(q, id)
	if err != nil {
		return ChannelExport{}, err
	}
	return exportChannel(q, channel)
}

func exportChannel(q Querier, channel models.Channel) (ChannelExport, error) {
	export := ChannelExport{
		Name:        channel.Name,
		Topic:       channel.Topic,
		MaxClients:  channel.MaxClients,
		SortOrder:   channel.SortOrder,
		Kind:        channel.Kind,
		Persistence: channel.Persistence,
		E2E:         channel.E2E,
		Children:    []ChannelExport{},
	}

	children, err := ListChildChannels(q, channel.ID)
	if err != nil {
		return export, err
	}
	for _, child := range children {
		childExport, err := exportChannel(q, child)
		if err != nil {
			return export, err
		}
		export.Children = append(export.Children, childExport)
	}
	return export, nil
}

func ImportSubtree(q Querier, parent *uuid.UUID, export ChannelExport, createdAt int64) (uuid.UUID, error) {
	var rootID uuid.UUID
	err := WithTx(q, func(tx Querier) error {
		var err error
		rootID, err = importChannel(tx, parent, export, createdAt)
		return err
	})
	return rootID, err
}

func importChannel(q Querier, parent *uuid.UUID, export ChannelExport, createdAt int64) (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, err
	}

	channel := models.Channel{
		ID:          id,
		Name:        export.Name,
		ParentID:    parent,
		Topic:       export.Topic,
		MaxClients:  export.MaxClients,
		SortOrder:   export.SortOrder,
		Kind:        export.Kind,
		Persistence: export.Persistence,
		E2E:         export.E2E,
		CreatedAt:   unixToTime(createdAt),
	}
	if err := CreateChannel(q, &channel); err != nil {
		return uuid.Nil, err
	}

	for _, child := range export.Children {
		if _, err := importChannel(q, &id, child, createdAt); err != nil {
			return uuid.Nil, err
		}
	}
	return id, nil
}
