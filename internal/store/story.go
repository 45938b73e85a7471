package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/matheus3301/rtchat/internal/domain"
)

const storyColumns = `s.id, s.user_id, u.username, u.avatar, s.media_url, s.media_type,
	s.text_content, s.background_color, s.font_style, s.created_at`

func scanStory(row interface{ Scan(...any) error }) (domain.Story, error) {
	var (
		s       domain.Story
		created int64
	)
	err := row.Scan(&s.ID, &s.UserID, &s.Username, &s.UserAvatar, &s.MediaURL, &s.MediaType,
		&s.TextContent, &s.BackgroundColor, &s.FontStyle, &created)
	if err != nil {
		return domain.Story{}, err
	}
	s.CreatedAt = msToTime(created)
	return s, nil
}

// InsertStory stores a story.
func (db *DB) InsertStory(ctx context.Context, s domain.Story) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO stories (id, user_id, media_url, media_type, text_content, background_color, font_style, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.MediaURL, s.MediaType, s.TextContent, s.BackgroundColor, s.FontStyle, timeToMs(s.CreatedAt))
	return err
}

// GetStory returns a story with its viewers.
func (db *DB) GetStory(ctx context.Context, id string) (domain.Story, error) {
	s, err := scanStory(db.QueryRowContext(ctx, `
		SELECT `+storyColumns+` FROM stories s JOIN users u ON u.id = s.user_id
		WHERE s.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Story{}, ErrNotFound
	}
	if err != nil {
		return domain.Story{}, err
	}
	s.Viewers, err = db.storyViewers(ctx, s.ID)
	return s, err
}

// DeleteStory removes a story owned by userID.
func (db *DB) DeleteStory(ctx context.Context, id, userID string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM stories WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStories returns stories by any of userIDs created at or after since,
// newest first.
func (db *DB) ListStories(ctx context.Context, userIDs []string, since time.Time) ([]domain.Story, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(userIDs)), ",")
	args := make([]any, 0, len(userIDs)+1)
	for _, id := range userIDs {
		args = append(args, id)
	}
	args = append(args, timeToMs(since))

	rows, err := db.QueryContext(ctx, `
		SELECT `+storyColumns+` FROM stories s JOIN users u ON u.id = s.user_id
		WHERE s.user_id IN (`+placeholders+`) AND s.created_at >= ?
		ORDER BY s.created_at DESC`, args...)
	if err != nil {
		return nil, err
	}
	var stories []domain.Story
	for rows.Next() {
		s, err := scanStory(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		stories = append(stories, s)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range stories {
		if stories[i].Viewers, err = db.storyViewers(ctx, stories[i].ID); err != nil {
			return nil, err
		}
	}
	return stories, nil
}

// AddStoryViewer records that viewerID saw a story. It reports whether the
// view is new.
func (db *DB) AddStoryViewer(ctx context.Context, storyID, viewerID string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO story_views (story_id, viewer_id, viewed_at) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`, storyID, viewerID, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (db *DB) storyViewers(ctx context.Context, storyID string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT viewer_id FROM story_views WHERE story_id = ? ORDER BY viewed_at`, storyID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	viewers := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		viewers = append(viewers, v)
	}
	return viewers, rows.Err()
}
