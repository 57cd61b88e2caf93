package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"advisorhub/pkg/types"
)

const messageColumns = `id, session_id, sender_id, receiver_id, content, message_type, timestamp, is_read, read_at, response`

func scanMessage(row rowScanner) (*types.Message, error) {
	var msg types.Message
	var readAt sql.NullTime

	err := row.Scan(
		&msg.ID,
		&msg.SessionID,
		&msg.SenderID,
		&msg.ReceiverID,
		&msg.Content,
		&msg.MessageType,
		&msg.Timestamp,
		&msg.Read,
		&readAt,
		&msg.Response,
	)
	if err != nil {
		return nil, err
	}
	msg.ReadAt = nullTime(readAt)
	return &msg, nil
}

func (m *Manager) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*types.Message, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []*types.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

// CreateMessage stores an already validated message.
func (m *Manager) CreateMessage(ctx context.Context, req *types.CreateMessageRequest) (*types.Message, error) {
	kind := req.MessageType
	if kind == "" {
		kind = types.MessageKindText
	}
	msg := &types.Message{
		SessionID:   req.SessionID,
		SenderID:    req.SenderID,
		ReceiverID:  req.ReceiverID,
		Content:     req.Content,
		MessageType: kind,
		Timestamp:   m.now(),
	}

	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO messages (session_id, sender_id, receiver_id, content, message_type, timestamp)
			VALUES (?, ?, ?, ?, ?, ?)`,
			msg.SessionID,
			msg.SenderID,
			msg.ReceiverID,
			msg.Content,
			msg.MessageType,
			msg.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read message id: %w", err)
		}
		msg.ID = id
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetConversation returns non-deleted messages between two users, newest first.
func (m *Manager) GetConversation(ctx context.Context, user1, user2 int64, limit, offset int) ([]*types.Message, error) {
	return m.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE deleted_at IS NULL
		  AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?`,
		user1, user2, user2, user1, limit, offset,
	)
}

func (m *Manager) GetUnreadMessageCount(ctx context.Context, userID int64) (int, error) {
	var n int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE receiver_id = ? AND is_read = 0 AND deleted_at IS NULL`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return n, nil
}

// MarkMessageAsRead marks an unread message addressed to userID.
func (m *Manager) MarkMessageAsRead(ctx context.Context, messageID, userID int64) (bool, error) {
	var marked bool
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE messages SET is_read = 1, read_at = ?
			WHERE id = ? AND receiver_id = ? AND is_read = 0 AND deleted_at IS NULL`,
			m.now(), messageID, userID,
		)
		if err != nil {
			return fmt.Errorf("failed to mark message read: %w", err)
		}
		marked, err = affectedOne(res)
		return err
	})
	return marked, err
}

// DeleteMessage soft-deletes a message sent by userID.
func (m *Manager) DeleteMessage(ctx context.Context, messageID, userID int64) (bool, error) {
	var deleted bool
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE messages SET deleted_at = ?
			WHERE id = ? AND sender_id = ? AND deleted_at IS NULL`,
			m.now(), messageID, userID,
		)
		if err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		deleted, err = affectedOne(res)
		return err
	})
	return deleted, err
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// SearchMessages matches content case-insensitively among messages userID
// sent or received.
func (m *Manager) SearchMessages(ctx context.Context, userID int64, q types.SearchQuery) ([]*types.Message, error) {
	var where strings.Builder
	where.WriteString(`deleted_at IS NULL AND (sender_id = ? OR receiver_id = ?)`)
	args := []interface{}{userID, userID}

	if q.Query != "" {
		where.WriteString(` AND content LIKE ? ESCAPE '\'`)
		args = append(args, "%"+likeEscaper.Replace(q.Query)+"%")
	}
	if q.SessionID > 0 {
		where.WriteString(` AND session_id = ?`)
		args = append(args, q.SessionID)
	}
	if q.From != nil {
		where.WriteString(` AND timestamp >= ?`)
		args = append(args, q.From.UTC())
	}
	if q.To != nil {
		where.WriteString(` AND timestamp <= ?`)
		args = append(args, q.To.UTC())
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit, q.Offset)

	return m.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE `+where.String()+` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`,
		args...,
	)
}

func (m *Manager) GetMessageStats(ctx context.Context, userID int64) (*types.MessageStats, error) {
	stats := &types.MessageStats{UserID: userID}
	err := m.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN sender_id = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN receiver_id = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN receiver_id = ? AND is_read = 0 THEN 1 ELSE 0 END), 0)
		FROM messages
		WHERE deleted_at IS NULL AND (sender_id = ? OR receiver_id = ?)`,
		userID, userID, userID, userID, userID,
	).Scan(&stats.Sent, &stats.Received, &stats.Unread)
	if err != nil {
		return nil, fmt.Errorf("failed to compute message stats: %w", err)
	}
	return stats, nil
}
