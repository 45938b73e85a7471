package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/matheus3301/rtchat/internal/domain"
)

const messageColumns = `id, conversation_id, sender_id, text, status, created_at`

func scanMessage(row interface{ Scan(...any) error }) (domain.Message, error) {
	var (
		m       domain.Message
		created int64
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.Status, &created); err != nil {
		return domain.Message{}, err
	}
	m.CreatedAt = msToTime(created)
	return m, nil
}

// InsertMessage stores a message with its attachments and bumps the unread
// counter of every other participant. Either all of it commits or none.
func (db *DB) InsertMessage(ctx context.Context, m domain.Message) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, text, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SenderID, m.Text, m.Status, timeToMs(m.CreatedAt)); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	for i, a := range m.Attachments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO attachments (message_id, position, type, url, name) VALUES (?, ?, ?, ?, ?)`,
			m.ID, i, a.Type, a.URL, a.Name); err != nil {
			return fmt.Errorf("insert attachment: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversation_participants SET unread_count = unread_count + 1
		WHERE conversation_id = ? AND user_id != ?`, m.ConversationID, m.SenderID); err != nil {
		return fmt.Errorf("bump unread: %w", err)
	}
	return tx.Commit()
}

// GetMessage returns a single message with its attachments.
func (db *DB) GetMessage(ctx context.Context, id string) (domain.Message, error) {
	m, err := scanMessage(db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, ErrNotFound
	}
	if err != nil {
		return domain.Message{}, err
	}
	m.Attachments, err = db.attachments(ctx, m.ID)
	return m, err
}

// LastMessage returns the newest message of a conversation.
func (db *DB) LastMessage(ctx context.Context, conversationID string) (domain.Message, error) {
	var id string
	err := db.QueryRowContext(ctx, `
		SELECT id FROM messages WHERE conversation_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, conversationID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, ErrNotFound
	}
	if err != nil {
		return domain.Message{}, err
	}
	return db.GetMessage(ctx, id)
}

// ListMessages returns the full history of a conversation, oldest first.
func (db *DB) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	var msgs []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range msgs {
		if msgs[i].Attachments, err = db.attachments(ctx, msgs[i].ID); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// AdvanceStatus moves every message in a conversation not sent by readerID
// whose status is one of from to status to, and returns the updated rows.
func (db *DB) AdvanceStatus(ctx context.Context, conversationID, readerID string, from []domain.MessageStatus, to domain.MessageStatus) ([]domain.Message, error) {
	if len(from) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{conversationID, readerID}
	for _, s := range from {
		args = append(args, s)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND status IN (`+placeholders+`)
		ORDER BY created_at ASC, rowid ASC`, args...)
	if err != nil {
		return nil, err
	}
	var updated []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		m.Status = to
		updated = append(updated, m)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	for _, m := range updated {
		if _, err := tx.ExecContext(ctx, `UPDATE messages SET status = ? WHERE id = ?`, to, m.ID); err != nil {
			return nil, fmt.Errorf("update status %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	for i := range updated {
		if updated[i].Attachments, err = db.attachments(ctx, updated[i].ID); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

func (db *DB) attachments(ctx context.Context, messageID string) ([]domain.Attachment, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT type, url, name FROM attachments WHERE message_id = ? ORDER BY position`, messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.Attachment
	for rows.Next() {
		var a domain.Attachment
		if err := rows.Scan(&a.Type, &a.URL, &a.Name); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
