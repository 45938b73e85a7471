package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Block records that blockerID blocks blockedID. Blocking twice is a no-op.
func (db *DB) Block(ctx context.Context, blockerID, blockedID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO blocks (blocker_id, blocked_id, created_at) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`, blockerID, blockedID, time.Now().UnixMilli())
	return err
}

// Unblock removes a block. Removing a missing block is a no-op.
func (db *DB) Unblock(ctx context.Context, blockerID, blockedID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM blocks WHERE blocker_id = ? AND blocked_id = ?`, blockerID, blockedID)
	return err
}

// BlockStatus reports whether a blocks b and whether b blocks a.
func (db *DB) BlockStatus(ctx context.Context, a, b string) (aBlocksB, bBlocksA bool, err error) {
	rows, err := db.QueryContext(ctx, `
		SELECT blocker_id FROM blocks
		WHERE (blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)`,
		a, b, b, a)
	if err != nil {
		return false, false, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var blocker string
		if err := rows.Scan(&blocker); err != nil {
			return false, false, err
		}
		if blocker == a {
			aBlocksB = true
		} else {
			bBlocksA = true
		}
	}
	return aBlocksB, bBlocksA, rows.Err()
}

// RequestFriendship records a pending request from requesterID to
// addresseeID. A request crossing an existing one in the other direction
// accepts it instead.
func (db *DB) RequestFriendship(ctx context.Context, requesterID, addresseeID string) (Friendship, error) {
	existing, err := db.Friendship(ctx, requesterID, addresseeID)
	if err == nil {
		if existing.Status == FriendshipPending && existing.RequesterID == addresseeID {
			return db.AcceptFriendship(ctx, addresseeID, requesterID)
		}
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Friendship{}, err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO friendships (requester_id, addressee_id, status, created_at) VALUES (?, ?, ?, ?)`,
		requesterID, addresseeID, FriendshipPending, time.Now().UnixMilli())
	if err != nil {
		return Friendship{}, err
	}
	return Friendship{RequesterID: requesterID, AddresseeID: addresseeID, Status: FriendshipPending}, nil
}

// AcceptFriendship accepts the pending request sent by requesterID to
// addresseeID.
func (db *DB) AcceptFriendship(ctx context.Context, requesterID, addresseeID string) (Friendship, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE friendships SET status = ? WHERE requester_id = ? AND addressee_id = ?`,
		FriendshipAccepted, requesterID, addresseeID)
	if err != nil {
		return Friendship{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Friendship{}, ErrNotFound
	}
	return Friendship{RequesterID: requesterID, AddresseeID: addresseeID, Status: FriendshipAccepted}, nil
}

// Friendship returns the relation between a and b in either direction.
func (db *DB) Friendship(ctx context.Context, a, b string) (Friendship, error) {
	var f Friendship
	err := db.QueryRowContext(ctx, `
		SELECT requester_id, addressee_id, status FROM friendships
		WHERE (requester_id = ? AND addressee_id = ?) OR (requester_id = ? AND addressee_id = ?)
		LIMIT 1`, a, b, b, a).Scan(&f.RequesterID, &f.AddresseeID, &f.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return Friendship{}, ErrNotFound
	}
	return f, err
}

// Friendships returns every relation userID takes part in.
func (db *DB) Friendships(ctx context.Context, userID string) ([]Friendship, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT requester_id, addressee_id, status FROM friendships
		WHERE requester_id = ? OR addressee_id = ?
		ORDER BY created_at`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Friendship
	for rows.Next() {
		var f Friendship
		if err := rows.Scan(&f.RequesterID, &f.AddresseeID, &f.Status); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
