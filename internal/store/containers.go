// ABOUTME: Persistence for sealed content containers
// ABOUTME: Stores only ciphertext, nonce, tag and the per-container derivation secret

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutContainer inserts or replaces a container. CreatedAt is preserved
// across replacements.
func (s *SQLiteStore) PutContainer(ctx context.Context, c *Container) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}

	query := `
		INSERT INTO containers (id, scope, secret, nonce, ciphertext, tag, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			scope = excluded.scope,
			secret = excluded.secret,
			nonce = excluded.nonce,
			ciphertext = excluded.ciphertext,
			tag = excluded.tag,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		c.ID,
		c.Scope,
		c.Secret,
		c.Nonce,
		c.Ciphertext,
		c.Tag,
		formatTime(c.CreatedAt),
		formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting container: %w", err)
	}

	s.logger.Debug("stored container", "id", c.ID, "scope", c.Scope, "size", len(c.Ciphertext))
	return nil
}

// GetContainer retrieves a container by ID.
// Returns ErrNotFound if the container doesn't exist.
func (s *SQLiteStore) GetContainer(ctx context.Context, id string) (*Container, error) {
	var c Container
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, scope, secret, nonce, ciphertext, tag, created_at, updated_at
		FROM containers WHERE id = ?
	`, id).Scan(&c.ID, &c.Scope, &c.Secret, &c.Nonce, &c.Ciphertext, &c.Tag, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying container: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// ListContainers returns metadata for all containers ordered by ID.
func (s *SQLiteStore) ListContainers(ctx context.Context) ([]*ContainerInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, length(ciphertext), created_at, updated_at
		FROM containers ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying containers: %w", err)
	}
	defer rows.Close()

	infos := []*ContainerInfo{}
	for rows.Next() {
		var info ContainerInfo
		var createdAt, updatedAt string
		if err := rows.Scan(&info.ID, &info.Scope, &info.Size, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning container: %w", err)
		}
		if info.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if info.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		infos = append(infos, &info)
	}
	return infos, rows.Err()
}

// DeleteContainer removes a container.
// Returns ErrNotFound if the container doesn't exist.
func (s *SQLiteStore) DeleteContainer(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM containers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting container: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Debug("deleted container", "id", id)
	return nil
}
