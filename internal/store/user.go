package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/rtchat/internal/domain"
)

const userColumns = `id, username, avatar, is_online, last_active, is_bot`

func scanUser(row interface{ Scan(...any) error }) (domain.User, error) {
	var (
		u          domain.User
		lastActive int64
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Avatar, &u.Online, &lastActive, &u.IsBot); err != nil {
		return domain.User{}, err
	}
	u.LastActive = msToTime(lastActive)
	return u, nil
}

// UpsertUser inserts or updates a profile row (idempotent on id).
func (db *DB) UpsertUser(ctx context.Context, u domain.User) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO users (id, username, avatar, is_online, last_active, is_bot)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			avatar = excluded.avatar,
			is_bot = excluded.is_bot`,
		u.ID, u.Username, u.Avatar, u.Online, timeToMs(u.LastActive), u.IsBot)
	return err
}

// GetUser returns a single user by id.
func (db *DB) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := scanUser(db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	return u, err
}

// GetUserByName returns a single user by username.
func (db *DB) GetUserByName(ctx context.Context, username string) (domain.User, error) {
	u, err := scanUser(db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, ErrNotFound
	}
	return u, err
}

// GetUsers returns the users with the given ids, in no particular order.
// Unknown ids are skipped.
func (db *DB) GetUsers(ctx context.Context, ids []string) ([]domain.User, error) {
	users := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		u, err := db.GetUser(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, nil
}

// SetPresence records the online flag and last activity of a user and
// returns the updated row.
func (db *DB) SetPresence(ctx context.Context, id string, online bool, at time.Time) (domain.User, error) {
	res, err := db.ExecContext(ctx, `UPDATE users SET is_online = ?, last_active = ? WHERE id = ?`,
		online, timeToMs(at), id)
	if err != nil {
		return domain.User{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.User{}, ErrNotFound
	}
	return db.GetUser(ctx, id)
}

// SearchUsers returns users whose username contains query, excluding
// excludeID, ordered by username.
func (db *DB) SearchUsers(ctx context.Context, query, excludeID string, limit int) ([]domain.User, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE username LIKE '%' || ? || '%' AND id != ?
		ORDER BY username
		LIMIT ?`, query, excludeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
