// ABOUTME: Identity and credential persistence for passkey ceremonies
// ABOUTME: Enrollment is transactional and counter updates are compare-and-swap

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const credentialColumns = `id, identity, credential_id, public_key, algorithm, attestation_type,
	transports, sign_count, created_at, last_used_at`

// RegisterIdentity creates the identity and its first credential in a single
// transaction. Returns ErrIdentityExists if the name is taken and
// ErrCredentialExists if the credential id is already enrolled; nothing is
// written in either case.
func (s *SQLiteStore) RegisterIdentity(ctx context.Context, identity *Identity, cred *Credential) error {
	if cred.Identity != identity.Name {
		return fmt.Errorf("credential identity %q does not match %q", cred.Identity, identity.Name)
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO identities (name, handle, created_at) VALUES (?, ?, ?)`,
		identity.Name, identity.Handle, formatTime(identity.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrIdentityExists
		}
		return fmt.Errorf("inserting identity: %w", err)
	}

	if err := insertCredential(ctx, tx, cred); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Info("registered identity", "identity", identity.Name, "credential", cred.ID)
	return nil
}

// EnrollCredential adds a credential to an existing identity.
// Returns ErrNotFound if the identity doesn't exist.
func (s *SQLiteStore) EnrollCredential(ctx context.Context, cred *Credential) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM identities WHERE name = ?`, cred.Identity).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking identity: %w", err)
	}

	if err := insertCredential(ctx, tx, cred); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Info("enrolled credential", "identity", cred.Identity, "credential", cred.ID)
	return nil
}

func insertCredential(ctx context.Context, tx *sql.Tx, cred *Credential) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO credentials (` + credentialColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, query,
		cred.ID,
		cred.Identity,
		cred.CredentialID,
		cred.PublicKey,
		cred.Algorithm,
		cred.AttestationType,
		strings.Join(cred.Transports, ","),
		int64(cred.SignCount),
		formatTime(cred.CreatedAt),
		formatNullTime(cred.LastUsedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrCredentialExists
		}
		return fmt.Errorf("inserting credential: %w", err)
	}
	return nil
}

// GetIdentity retrieves an identity by name.
// Returns ErrNotFound if the identity doesn't exist.
func (s *SQLiteStore) GetIdentity(ctx context.Context, name string) (*Identity, error) {
	var id Identity
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT name, handle, created_at FROM identities WHERE name = ?`, name,
	).Scan(&id.Name, &id.Handle, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying identity: %w", err)
	}
	id.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &id, nil
}

// GetCredentialsByIdentity returns all credentials for an identity, oldest first.
func (s *SQLiteStore) GetCredentialsByIdentity(ctx context.Context, identity string) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE identity = ? ORDER BY created_at, id`,
		identity,
	)
	if err != nil {
		return nil, fmt.Errorf("querying credentials: %w", err)
	}
	defer rows.Close()

	creds := []*Credential{}
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// GetCredentialByCredentialID looks up a credential by its authenticator id.
// Returns ErrNotFound if no such credential is enrolled.
func (s *SQLiteStore) GetCredentialByCredentialID(ctx context.Context, credentialID []byte) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials WHERE credential_id = ?`,
		credentialID,
	)
	c, err := scanCredential(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// RecordCredentialUse advances the stored signature counter. The update only
// applies when signCount is strictly greater than the stored value, so two
// concurrent assertions carrying the same counter cannot both succeed.
func (s *SQLiteStore) RecordCredentialUse(ctx context.Context, credentialID []byte, signCount uint32, usedAt time.Time) error {
	query := `
		UPDATE credentials
		SET sign_count = ?, last_used_at = ?
		WHERE credential_id = ?
		  AND sign_count < ?
	`
	result, err := s.db.ExecContext(ctx, query,
		int64(signCount), formatTime(usedAt), credentialID, int64(signCount),
	)
	if err != nil {
		return fmt.Errorf("updating sign count: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	// rowsAffected == 0 - either unknown credential or stale counter
	if _, err := s.GetCredentialByCredentialID(ctx, credentialID); err != nil {
		return err
	}
	return ErrStaleSignCount
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCredential(row rowScanner) (*Credential, error) {
	var c Credential
	var signCount int64
	var transports, createdAt string
	var lastUsed sql.NullString

	err := row.Scan(
		&c.ID,
		&c.Identity,
		&c.CredentialID,
		&c.PublicKey,
		&c.Algorithm,
		&c.AttestationType,
		&transports,
		&signCount,
		&createdAt,
		&lastUsed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning credential: %w", err)
	}

	c.SignCount = uint32(signCount)
	if transports != "" {
		c.Transports = strings.Split(transports, ",")
	}
	c.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	c.LastUsedAt, err = parseNullTime(lastUsed)
	if err != nil {
		return nil, fmt.Errorf("parsing last_used_at: %w", err)
	}
	return &c, nil
}
