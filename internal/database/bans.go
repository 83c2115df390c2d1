package database

import (
	"database/sql"
	"net"

	"github.com/google/uuid"

	"speakeasy-server/internal/models"
)

func CreateBan(q Querier, ban *models.Ban) error {
	if ban.UserID == nil && ban.IP == "" {
		return ErrConflict
	}
	_, err := q.Exec(`INSERT INTO bans (id, user_id, ip, reason, banned_by, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ban.ID.String(), uuidPtrToArg(ban.UserID), ban.IP, ban.Reason, uuidPtrToArg(ban.BannedBy),
		timePtrToUnix(ban.ExpiresAt), ban.CreatedAt.UTC().Unix())
	return mapError(err)
}

func DeleteBan(q Querier, id uuid.UUID) error {
	res, err := q.Exec("DELETE FROM bans WHERE id = ?", id.String())
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

const banColumns = "id, user_id, ip, reason, banned_by, expires_at, created_at"

func scanBan(rows *sql.Rows) (models.Ban, error) {
	var ban models.Ban
	var id string
	var userID, bannedBy sql.NullString
	var expiresAt sql.NullInt64
	var createdAt int64

	if err := rows.Scan(&id, &userID, &ban.IP, &ban.Reason, &bannedBy, &expiresAt, &createdAt); err != nil {
		return ban, mapError(err)
	}

	var err error
	ban.ID, err = uuid.Parse(id)
	if err != nil {
		return ban, err
	}
	if userID.Valid {
		parsed, err := uuid.Parse(userID.String)
		if err != nil {
			return ban, err
		}
		ban.UserID = &parsed
	}
	if bannedBy.Valid {
		parsed, err := uuid.Parse(bannedBy.String)
		if err != nil {
			return ban, err
		}
		ban.BannedBy = &parsed
	}
	ban.ExpiresAt = unixPtrToTime(expiresAt)
	ban.CreatedAt = unixToTime(createdAt)
	return ban, nil
}

func ListBans(q Querier) ([]models.Ban, error) {
	rows, err := q.Query("SELECT " + banColumns + " FROM bans ORDER BY created_at DESC")
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	bans := []models.Ban{}
	for rows.Next() {
		ban, err := scanBan(rows)
		if err != nil {
			return nil, err
		}
		bans = append(bans, ban)
	}
	return bans, mapError(rows.Err())
}

// ActiveBans filters out expired entries at read time; expired rows stay
// until pruned so the ban history is inspectable.
func ActiveBans(q Querier) ([]models.Ban, error) {
	all, err := ListBans(q)
	if err != nil {
		return nil, err
	}

	now := nowUnix()
	active := []models.Ban{}
	for _, ban := range all {
		if ban.ExpiresAt != nil && ban.ExpiresAt.Unix() <= now {
			continue
		}
		active = append(active, ban)
	}
	return active, nil
}

// BanMatches reports whether a connection from ip as user would be
// rejected by the ban. IP bans match exact addresses and CIDR ranges.
func BanMatches(ban *models.Ban, userID uuid.UUID, ip string) bool {
	if ban.UserID != nil && *ban.UserID == userID {
		return true
	}
	if ban.IP == "" || ip == "" {
		return false
	}
	if ban.IP == ip {
		return true
	}

	_, network, err := net.ParseCIDR(ban.IP)
	if err != nil {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return network.Contains(parsed)
}

func PruneExpiredBans(q Querier) (int64, error) {
	res, err := q.Exec("DELETE FROM bans WHERE expires_at IS NOT NULL AND expires_at <= ?", nowUnix())
	if err != nil {
		return 0, mapError(err)
	}
	n, err := res.RowsAffected()
	return n, mapError(err)
}
