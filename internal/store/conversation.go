package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateConversation inserts a conversation and its participants.
func (db *DB) CreateConversation(ctx context.Context, id string, userIDs []string, at time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `INSERT INTO conversations (id, created_at) VALUES (?, ?)`, id, timeToMs(at)); err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	for _, uid := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING`, id, uid); err != nil {
			return fmt.Errorf("insert participant %s: %w", uid, err)
		}
	}
	return tx.Commit()
}

// FindDirectConversation returns the id of the conversation whose
// participants are exactly a and b.
func (db *DB) FindDirectConversation(ctx context.Context, a, b string) (string, error) {
	want := 2
	if a == b {
		want = 1
	}
	var id string
	err := db.QueryRowContext(ctx, `
		SELECT p.conversation_id
		FROM conversation_participants p
		GROUP BY p.conversation_id
		HAVING COUNT(*) = ?
			AND SUM(p.user_id = ?) = 1
			AND SUM(p.user_id = ?) = 1
		LIMIT 1`, want, a, b).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

// ParticipantIDs returns every participant of a conversation.
func (db *DB) ParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = ? ORDER BY user_id`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return ids, nil
}

// ListConversations returns the conversations userID takes part in, most
// recently active first.
func (db *DB) ListConversations(ctx context.Context, userID string) ([]ConversationRow, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT c.id, p.unread_count,
			COALESCE((SELECT MAX(m.created_at) FROM messages m WHERE m.conversation_id = c.id), c.created_at) AS active_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id AND p.user_id = ?
		ORDER BY active_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	var convs []ConversationRow
	for rows.Next() {
		var (
			c        ConversationRow
			activeAt int64
		)
		if err := rows.Scan(&c.ID, &c.UnreadCount, &activeAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range convs {
		ids, err := db.ParticipantIDs(ctx, convs[i].ID)
		if err != nil {
			return nil, err
		}
		others := ids[:0:0]
		for _, id := range ids {
			if id != userID {
				others = append(others, id)
			}
		}
		if len(others) == 0 {
			others = append(others, userID)
		}
		convs[i].ParticipantIDs = others

		last, err := db.LastMessage(ctx, convs[i].ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if err == nil {
			convs[i].LastMessage = &last
		}
	}
	return convs, nil
}

// ResetUnread zeroes the unread counter of userID in a conversation.
func (db *DB) ResetUnread(ctx context.Context, conversationID, userID string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE conversation_participants SET unread_count = 0
		WHERE conversation_id = ? AND user_id = ?`, conversationID, userID)
	return err
}
