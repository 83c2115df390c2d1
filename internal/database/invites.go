package database

import (
	"database/sql"

	"github.com/google/uuid"

	"speakeasy-server/internal/models"
)

func CreateInvite(q Querier, invite *models.Invite) error {
	_, err := q.Exec(`INSERT INTO invites (id, code, channel_id, assigned_group, max_uses, used_count, expires_at, created_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invite.ID.String(), invite.Code, uuidPtrToArg(invite.ChannelID), uuidPtrToArg(invite.AssignedGroup),
		invite.MaxUses, invite.UsedCount, timePtrToUnix(invite.ExpiresAt), invite.CreatedBy.String(), invite.CreatedAt.UTC().Unix())
	return mapError(err)
}

const inviteColumns = "id, code, channel_id, assigned_group, max_uses, used_count, expires_at, created_by, created_at"

func scanInvite(row interface{ Scan(...any) error }) (models.Invite, error) {
	var invite models.Invite
	var id, createdBy string
	var channelID, assignedGroup sql.NullString
	var expiresAt sql.NullInt64
	var createdAt int64

	err := row.Scan(&id, &invite.Code, &channelID, &assignedGroup, &invite.MaxUses, &invite.UsedCount,
		&expiresAt, &createdBy, &createdAt)
	if err != nil {
		return invite, mapError(err)
	}

	invite.ID, err = uuid.Parse(id)
	if err != nil {
		return invite, err
	}
	invite.CreatedBy, err = uuid.Parse(createdBy)
	if err != nil {
		return invite, err
	}
	if channelID.Valid {
		parsed, err := uuid.Parse(channelID.String)
		if err != nil {
			return invite, err
		}
		invite.ChannelID = &parsed
	}
	if assignedGroup.Valid {
		parsed, err := uuid.Parse(assignedGroup.String)
		if err != nil {
			return invite, err
		}
		invite.AssignedGroup = &parsed
	}
	invite.ExpiresAt = unixPtrToTime(expiresAt)
	invite.CreatedAt = unixToTime(createdAt)
	return invite, nil
}

func GetInviteByCode(q Querier, code string) (models.Invite, error) {
	return scanInvite(q.QueryRow("SELECT "+inviteColumns+" FROM invites WHERE code = ?", code))
}

func ListInvites(q Querier) ([]models.Invite, error) {
	rows, err := q.Query("SELECT " + inviteColumns + " FROM invites ORDER BY created_at DESC")
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	invites := []models.Invite{}
	for rows.Next() {
		invite, err := scanInvite(rows)
		if err != nil {
			return nil, err
		}
		invites = append(invites, invite)
	}
	return invites, mapError(rows.Err())
}

// ConsumeInvite increments used_count iff the invite is still below its
// use limit; the guarded UPDATE makes concurrent redemptions safe.
func ConsumeInvite(q Querier, id uuid.UUID) error {
	res, err := q.Exec(`UPDATE invites SET used_count = used_count + 1
			WHERE id = ? AND (max_uses = 0 OR used_count < max_uses)`, id.String())
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapError(err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func DeleteInvite(q Querier, id uuid.UUID) error {
	res, err := q.Exec("DELETE FROM invites WHERE id = ?", id.String())
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}
