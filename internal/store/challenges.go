// ABOUTME: Persistence for single-use ceremony challenges
// ABOUTME: TakeChallenge deletes and returns in one statement so a nonce is consumed once

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutChallenge stores an outstanding challenge.
func (s *SQLiteStore) PutChallenge(ctx context.Context, c *Challenge) error {
	query := `
		INSERT INTO challenges (nonce, purpose, identity, session_id, user_handle, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		c.Nonce,
		c.Purpose,
		c.Identity,
		c.SessionID,
		c.UserHandle,
		c.IssuedAt.UnixNano(),
		c.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting challenge: %w", err)
	}
	return nil
}

// TakeChallenge atomically removes the challenge and returns it, whether or
// not it has expired. Returns ErrNotFound if the nonce is unknown or was
// already taken.
func (s *SQLiteStore) TakeChallenge(ctx context.Context, nonce []byte) (*Challenge, error) {
	query := `
		DELETE FROM challenges
		WHERE nonce = ?
		RETURNING nonce, purpose, identity, session_id, user_handle, issued_at, expires_at
	`
	var c Challenge
	var issued, expires int64
	err := s.db.QueryRowContext(ctx, query, nonce).Scan(
		&c.Nonce, &c.Purpose, &c.Identity, &c.SessionID, &c.UserHandle, &issued, &expires,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("taking challenge: %w", err)
	}
	c.IssuedAt = time.Unix(0, issued).UTC()
	c.ExpiresAt = time.Unix(0, expires).UTC()
	return &c, nil
}

// DeleteChallenge removes a challenge if present.
func (s *SQLiteStore) DeleteChallenge(ctx context.Context, nonce []byte) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE nonce = ?`, nonce); err != nil {
		return fmt.Errorf("deleting challenge: %w", err)
	}
	return nil
}

// DeleteExpiredChallenges removes challenges that expired at or before now.
func (s *SQLiteStore) DeleteExpiredChallenges(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE expires_at <= ?`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("deleting expired challenges: %w", err)
	}
	return result.RowsAffected()
}
