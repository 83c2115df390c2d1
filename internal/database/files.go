package database

import (
	"database/sql"

	"github.com/google/uuid"

	"speakeasy-server/internal/models"
)

func CreateFile(q Querier, file *models.File) error {
	_, err := q.Exec(`INSERT INTO files (id, channel_id, uploader_id, filename, mime, size, storage_path, sha256, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.ID.String(), file.ChannelID.String(), file.UploaderID.String(), file.Filename, file.Mime,
		file.Size, file.StoragePath, file.Sha256, file.CreatedAt.UTC().Unix())
	return mapError(err)
}

const fileColumns = "id, channel_id, uploader_id, filename, mime, size, storage_path, sha256, created_at, deleted_at"

func scanFile(row interface{ Scan(...any) error }) (models.File, error) {
	var file models.File
	var id, channelID, uploaderID string
	var createdAt int64
	var deletedAt sql.NullInt64

	err := row.Scan(&id, &channelID, &uploaderID, &file.Filename, &file.Mime, &file.Size,
		&file.StoragePath, &file.Sha256, &createdAt, &deletedAt)
	if err != nil {
		return file, mapError(err)
	}

	file.ID, err = uuid.Parse(id)
	if err != nil {
		return file, err
	}
	file.ChannelID, err = uuid.Parse(channelID)
	if err != nil {
		return file, err
	}
	file.UploaderID, err = uuid.Parse(uploaderID)
	if err != nil {
		return file, err
	}
	file.CreatedAt = unixToTime(createdAt)
	file.DeletedAt = unixPtrToTime(deletedAt)
	return file, nil
}

func GetFile(q Querier, id uuid.UUID) (models.File, error) {
	return scanFile(q.QueryRow("SELECT "+fileColumns+" FROM files WHERE id = ? AND deleted_at IS NULL", id.String()))
}

func ListFiles(q Querier, channelID uuid.UUID) ([]models.File, error) {
	rows, err := q.Query("SELECT "+fileColumns+" FROM files WHERE channel_id = ? AND deleted_at IS NULL ORDER BY created_at DESC",
		channelID.String())
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	files := []models.File{}
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, mapError(rows.Err())
}

func DeleteFile(q Querier, id uuid.UUID) error {
	res, err := q.Exec("UPDATE files SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL", nowUnix(), id.String())
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

// ChannelFileUsage sums live file bytes per channel for quota checks.
func ChannelFileUsage(q Querier, channelID uuid.UUID) (int64, error) {
	var total sql.NullInt64
	err := q.QueryRow("SELECT SUM(size) FROM files WHERE channel_id = ? AND deleted_at IS NULL", channelID.String()).Scan(&total)
	if err != nil {
		return 0, mapError(err)
	}
	return total.Int64, nil
}
