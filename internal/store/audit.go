// ABOUTME: Audit log entity and store methods for security events
// ABOUTME: Records ceremony outcomes, integrity failures and content changes

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditRegisterIdentity   AuditAction = "register_identity"
	AuditEnrollCredential   AuditAction = "enroll_credential"
	AuditAuthenticate       AuditAction = "authenticate"
	AuditSignatureInvalid   AuditAction = "signature_invalid"
	AuditCloneDetected      AuditAction = "clone_detected"
	AuditIntegrityViolation AuditAction = "integrity_violation"
	AuditPutContainer       AuditAction = "put_container"
	AuditDeleteContainer    AuditAction = "delete_container"
	AuditLogout             AuditAction = "logout"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	ID         string         // UUID v4
	Actor      string         // identity or admin subject, empty when unknown
	Action     AuditAction    // what happened
	TargetType string         // "identity", "credential", "container", "session"
	TargetID   string         // ID of the affected resource
	Timestamp  time.Time      // when it happened
	Detail     map[string]any // additional context
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since  *time.Time
	Action *AuditAction
	Actor  *string
	Limit  int // default 100, max 1000
}

// prepareAuditEntry fills in ID and Timestamp when unset.
func prepareAuditEntry(e *AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}

// AppendAuditLog appends a new entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	prepareAuditEntry(e)

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO audit_log (audit_id, actor, action, target_type, target_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Actor,
		string(e.Action),
		e.TargetType,
		e.TargetID,
		formatTime(e.Timestamp),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	s.logger.Debug("appended audit log",
		"id", e.ID,
		"actor", e.Actor,
		"action", e.Action,
		"target", e.TargetType+"/"+e.TargetID,
	)
	return nil
}

// normalizeAuditLimit applies default (100) and cap (1000) to audit limit.
func normalizeAuditLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// ListAuditLog returns entries newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	var conds []string
	var args []any

	if filter.Since != nil {
		conds = append(conds, "ts >= ?")
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Action != nil {
		conds = append(conds, "action = ?")
		args = append(args, string(*filter.Action))
	}
	if filter.Actor != nil {
		conds = append(conds, "actor = ?")
		args = append(args, *filter.Actor)
	}

	query := `SELECT audit_id, actor, action, target_type, target_id, ts, detail_json FROM audit_log`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC, rowid DESC LIMIT ?"
	args = append(args, normalizeAuditLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var action, ts string
		var detail sql.NullString
		if err := rows.Scan(&e.ID, &e.Actor, &action, &e.TargetType, &e.TargetID, &ts, &detail); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Action = AuditAction(action)
		e.Timestamp, err = parseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parsing audit timestamp: %w", err)
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("unmarshaling audit detail: %w", err)
			}
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
