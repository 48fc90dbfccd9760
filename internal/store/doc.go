// Package store provides persistent storage for coven-locker using SQLite.
//
// # Architecture
//
// The store package is interface-driven. Each consumer depends on the
// narrowest interface it needs:
//
//   - CredentialStore: identities and their passkey credentials
//   - ChallengeStore: outstanding single-use ceremony challenges
//   - SessionStore: sessions established by a completed authentication
//   - ContainerStore: sealed content containers
//   - AuditStore: security event log
//
// SQLiteStore and MockStore both implement the combined Store interface.
//
// # Data Models
//
//   - Identity: a unique name plus an opaque WebAuthn user handle
//   - Credential: COSE public key, algorithm and monotonic signature counter
//   - Challenge: 32-byte nonce bound to a purpose and identity with an expiry
//   - Session: keyed by the SHA-256 of the bearer token; the token is never stored
//   - Container: AEAD ciphertext, nonce, tag and a per-container derivation secret
//   - AuditEntry: who did what to which resource
//
// # Atomicity
//
// Two operations carry the concurrency guarantees of the system and are
// single SQL statements:
//
//	DELETE FROM challenges WHERE nonce = ? RETURNING ...        -- TakeChallenge
//	UPDATE credentials SET sign_count = ? WHERE ... AND sign_count < ?  -- RecordCredentialUse
//
// Of two concurrent callers, exactly one observes the row.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and foreign keys:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Two drivers are supported: "sqlite" (modernc.org/sqlite, pure Go, the
// default) and "sqlite3" (github.com/mattn/go-sqlite3, requires cgo).
//
// Database file locations:
//
//   - Production: /var/lib/coven-locker/locker.db
//   - Development: ~/.local/share/coven/locker.db
//   - Testing: t.TempDir() or :memory:
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrIdentityExists: the identity name is taken
//   - ErrCredentialExists: the credential id is already enrolled
//   - ErrStaleSignCount: a signature counter did not advance
//
// # Thread Safety
//
// All store implementations are safe for concurrent use.
package store
