package database

import (
	"database/sql"

	"github.com/google/uuid"

	"speakeasy-server/internal/models"
)

// MaxMessageLength bounds chat message content.
const MaxMessageLength = 4000

func CreateMessage(q Querier, message *models.ChatMessage) error {
	if len(message.Content) > MaxMessageLength {
		return ErrConflict
	}
	_, err := q.Exec(`INSERT INTO messages (id, channel_id, sender_id, content, kind, reply_to, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
		message.ID.String(), message.ChannelID.String(), message.SenderID.String(), message.Content,
		message.Kind, uuidPtrToArg(message.ReplyTo), message.CreatedAt.UTC().Unix())
	return mapError(err)
}

const messageColumns = "id, channel_id, sender_id, content, kind, reply_to, created_at, edited_at, deleted_at"

func scanMessage(row interface{ Scan(...any) error }) (models.ChatMessage, error) {
	var message models.ChatMessage
	var id, channelID, senderID string
	var replyTo sql.NullString
	var createdAt int64
	var editedAt, deletedAt sql.NullInt64

	err := row.Scan(&id, &channelID, &senderID, &message.Content, &message.Kind, &replyTo, &createdAt, &editedAt, &deletedAt)
	if err != nil {
		return message, mapError(err)
	}

	message.ID, err = uuid.Parse(id)
	if err != nil {
		return message, err
	}
	message.ChannelID, err = uuid.Parse(channelID)
	if err != nil {
		return message, err
	}
	message.SenderID, err = uuid.Parse(senderID)
	if err != nil {
		return message, err
	}
	if replyTo.Valid {
		parsed, err := uuid.Parse(replyTo.String)
		if err != nil {
			return message, err
		}
		message.ReplyTo = &parsed
	}
	message.CreatedAt = unixToTime(createdAt)
	message.EditedAt = unixPtrToTime(editedAt)
	message.DeletedAt = unixPtrToTime(deletedAt)

	// tombstone: deleted content is never returned
	if message.DeletedAt != nil {
		message.Content = ""
	}
	return message, nil
}

func GetMessage(q Querier, id uuid.UUID) (models.ChatMessage, error) {
	return scanMessage(q.QueryRow("SELECT "+messageColumns+" FROM messages WHERE id = ?", id.String()))
}

func ListMessages(q Querier, channelID uuid.UUID, before int64, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if before <= 0 {
		before = nowUnix() + 1
	}

	rows, err := q.Query("SELECT "+messageColumns+" FROM messages WHERE channel_id = ? AND created_at < ? ORDER BY created_at DESC, id DESC LIMIT ?",
		channelID.String(), before, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	messages := []models.ChatMessage{}
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, mapError(rows.Err())
}

func EditMessage(q Querier, id uuid.UUID, content string) error {
	if len(content) > MaxMessageLength {
		return ErrConflict
	}
	res, err := q.Exec("UPDATE messages SET content = ?, edited_at = ? WHERE id = ? AND deleted_at IS NULL",
		content, nowUnix(), id.String())
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}

// DeleteMessage tombstones the row: content is blanked, the id survives so
// replies keep a stable anchor.
func DeleteMessage(q Querier, id uuid.UUID) error {
	res, err := q.Exec("UPDATE messages SET content = '', deleted_at = ? WHERE id = ? AND deleted_at IS NULL",
		nowUnix(), id.String())
	if err != nil {
		return mapError(err)
	}
	return requireRow(res)
}
