package database

import (
	"github.com/google/uuid"

	"speakeasy-server/internal/models"
)

func CreateServerGroup(q Querier, group *models.ServerGroup) error {
	_, err := q.Exec("INSERT INTO server_groups (id, name, priority) VALUES (?, ?, ?)",
		group.ID.String(), group.Name, group.Priority)
	return mapError(err)
}

func GetServerGroup(q Querier, id uuid.UUID) (models.ServerGroup, error) {
	var group models.ServerGroup
	var raw string
	err := q.QueryRow("SELECT id, name, priority FROM server_groups WHERE id = ?", id.String()).
		Scan(&raw, &group.Name, &group.Priority)
	if err != nil {
		return group, mapError(err)
	}
	group.ID, err = uuid.Parse(raw)
	return group, err
}

func ListServerGroups(q Querier) ([]models.ServerGroup, error) {
	rows, err := q.Query("SELECT id, name, priority FROM server_groups ORDER BY priority DESC, name")
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	groups := []models.ServerGroup{}
	for rows.Next() {
		var group models.ServerGroup
		var raw string
		if err := rows.Scan(&raw, &group.Name, &group.Priority); err != nil {
			return nil, mapError(err)
		}
		group.ID, err = uuid.Parse(raw)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, mapError(rows.Err())
}

func DeleteServerGroup(q Querier, id uuid.UUID) error {
	res, err := q.Exec("DELETE FROM server_groups WHERE id = ?", id.String())
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

func CreateChannelGroup(q Querier, group *models.ChannelGroup) error {
	_, err := q.Exec("INSERT INTO channel_groups (id, name) VALUES (?, ?)", group.ID.String(), group.Name)
	return mapError(err)
}

func ListChannelGroups(q Querier) ([]models.ChannelGroup, error) {
	rows, err := q.Query("SELECT id, name FROM channel_groups ORDER BY name")
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	groups := []models.ChannelGroup{}
	for rows.Next() {
		var group models.ChannelGroup
		var raw string
		if err := rows.Scan(&raw, &group.Name); err != nil {
			return nil, mapError(err)
		}
		group.ID, err = uuid.Parse(raw)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, mapError(rows.Err())
}

func AddUserToServerGroup(q Querier, userID uuid.UUID, groupID uuid.UUID) error {
	_, err := q.Exec("INSERT INTO user_server_groups (user_id, group_id) VALUES (?, ?)",
		userID.String(), groupID.String())
	return mapError(err)
}

func RemoveUserFromServerGroup(q Querier, userID uuid.UUID, groupID uuid.UUID) error {
	res, err := q.Exec("DELETE FROM user_server_groups WHERE user_id = ? AND group_id = ?",
		userID.String(), groupID.String())
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

// UserServerGroups returns the user's server groups ordered by display
// priority, highest first.
func UserServerGroups(q Querier, userID uuid.UUID) ([]models.ServerGroup, error) {
	rows, err := q.Query(`SELECT g.id, g.name, g.priority FROM server_groups g
			JOIN user_server_groups ug ON ug.group_id = g.id
			WHERE ug.user_id = ?
			ORDER BY g.priority DESC, g.name`, userID.String())
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	groups := []models.ServerGroup{}
	for rows.Next() {
		var group models.ServerGroup
		var raw string
		if err := rows.Scan(&raw, &group.Name, &group.Priority); err != nil {
			return nil, mapError(err)
		}
		group.ID, err = uuid.Parse(raw)
		if err != nil {
			return nil, err
		}
		groups = append(groups, group)
	}
	return groups, mapError(rows.Err())
}

// SetUserChannelGroup assigns the user's channel group for one channel;
// at most one assignment per (user, channel) so the insert upserts.
func SetUserChannelGroup(q Querier, userID uuid.UUID, channelID uuid.UUID, groupID uuid.UUID) error {
	return WithTx(q, func(tx Querier) error {
		if _, err := tx.Exec("DELETE FROM user_channel_groups WHERE user_id = ? AND channel_id = ?",
			userID.String(), channelID.String()); err != nil {
			return mapError(err)
		}
		_, err := tx.Exec("INSERT INTO user_channel_groups (user_id, channel_id, group_id) VALUES (?, ?, ?)",
			userID.String(), channelID.String(), groupID.String())
		return mapError(err)
	})
}

func RemoveUserChannelGroup(q Querier, userID uuid.UUID, channelID uuid.UUID) error {
	res, err := q.Exec("DELETE FROM user_channel_groups WHERE user_id = ? AND channel_id = ?",
		userID.String(), channelID.String())
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

// UserChannelGroup returns the group assigned to the user in one channel,
// or ErrNotFound when none is assigned.
func UserChannelGroup(q Querier, userID uuid.UUID, channelID uuid.UUID) (uuid.UUID, error) {
	var raw string
	err := q.QueryRow("SELECT group_id FROM user_channel_groups WHERE user_id = ? AND channel_id = ?",
		userID.String(), channelID.String()).Scan(&raw)
	if err != nil {
		return uuid.Nil, mapError(err)
	}
	return uuid.Parse(raw)
}
