package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"lukechampine.com/blake3"
	_ "modernc.org/sqlite"
)

// ErrIdempotencyMismatch signals that an idempotency key was reused with a
// different request payload.
var ErrIdempotencyMismatch = errors.New("idempotency key reused with different request")

// IdempotencyRecord captures a completed write so replays return the original
// response without touching the node again.
type IdempotencyRecord struct {
	Principal   string
	Key         string
	RequestHash string
	StatusCode  int
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// AuditEntry is one row of the request audit trail.
type AuditEntry struct {
	CreatedAt      time.Time
	Principal      string
	Method         string
	Path           string
	StatusCode     int
	IdempotencyKey string
	RequestHash    string
}

// SQLiteStore persists idempotency records and the audit trail.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			principal TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			response_body BLOB NOT NULL,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			PRIMARY KEY (principal, idempotency_key)
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TIMESTAMP NOT NULL,
			principal TEXT NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL,
			status_code INTEGER NOT NULL,
			idempotency_key TEXT,
			request_hash TEXT
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// LookupIdempotency returns the stored record for (principal, key), nil when
// the key is unused or expired, and ErrIdempotencyMismatch when the key exists
// with a different request hash. Expired rows are evicted on read.
func (s *SQLiteStore) LookupIdempotency(ctx context.Context, principal, key, requestHash string) (*IdempotencyRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_hash, status_code, response_body, created_at, expires_at
		FROM idempotency_keys WHERE principal = ? AND idempotency_key = ?`,
		principal, key)
	record := IdempotencyRecord{Principal: principal, Key: key}
	err := row.Scan(&record.RequestHash, &record.StatusCode, &record.Body, &record.CreatedAt, &record.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}
	if !record.ExpiresAt.IsZero() && time.Now().After(record.ExpiresAt) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE principal = ? AND idempotency_key = ?`, principal, key)
		return nil, nil
	}
	if record.RequestHash != requestHash {
		return nil, ErrIdempotencyMismatch
	}
	return &record, nil
}

// SaveIdempotency stores the response for future replays.
func (s *SQLiteStore) SaveIdempotency(ctx context.Context, record IdempotencyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO idempotency_keys
			(principal, idempotency_key, request_hash, status_code, response_body, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.Principal, record.Key, record.RequestHash, record.StatusCode,
		record.Body, record.CreatedAt, record.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save idempotency key: %w", err)
	}
	return nil
}

// AppendAudit records one handled request.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log
			(created_at, principal, method, path, status_code, idempotency_key, request_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.CreatedAt, entry.Principal, entry.Method, entry.Path,
		entry.StatusCode, entry.IdempotencyKey, entry.RequestHash)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// AuditCount reports how many audit rows a principal has accumulated.
func (s *SQLiteStore) AuditCount(ctx context.Context, principal string) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE principal = ?`, principal)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// hashRequest fingerprints a request so an idempotency key cannot be replayed
// with a different payload.
func hashRequest(method, path string, body []byte) string {
	var buf bytes.Buffer
	buf.WriteString(method)
	buf.WriteByte('|')
	buf.WriteString(path)
	buf.WriteByte('|')
	buf.Write(body)
	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}
