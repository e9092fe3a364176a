package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/argus-ops/argus/pkg/models"
)

// DB wraps a SQLite database shared by the SQLite-backed stores.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and ensures the
// schema exists. An empty path selects an in-memory database.
func Open(path string) (*DB, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc's driver serializes writes per connection; a single
	// connection avoids SQLITE_BUSY under concurrent store access.
	db.SetMaxOpenConns(1)

	d := &DB{db: db}
	if err := d.init(); err != nil {
		db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS approvals (
			token      TEXT PRIMARY KEY,
			user_id    TEXT,
			action     TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id         TEXT PRIMARY KEY,
			actor      TEXT NOT NULL,
			action     TEXT NOT NULL,
			target     TEXT,
			detail     TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_expires ON approvals(expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (d *DB) Close() error { return d.db.Close() }

// Timestamps are stored as fixed-width RFC 3339 strings so lexical
// comparison in SQL matches chronological order. RFC3339Nano is not
// used because it trims trailing zeros, which breaks string ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteApprovalStore persists approvals in SQLite.
type SQLiteApprovalStore struct {
	db *DB
}

// NewSQLiteApprovalStore creates an approval store over the database.
func NewSQLiteApprovalStore(db *DB) *SQLiteApprovalStore {
	return &SQLiteApprovalStore{db: db}
}

func (s *SQLiteApprovalStore) Create(ctx context.Context, userID, action string, ttl time.Duration) (models.ApprovalRecord, error) {
	now := time.Now().UTC()
	record := models.ApprovalRecord{
		Token:     uuid.NewString(),
		UserID:    userID,
		Action:    action,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO approvals (token, user_id, action, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		record.Token, record.UserID, record.Action,
		record.CreatedAt.Format(timeLayout), record.ExpiresAt.Format(timeLayout))
	if err != nil {
		return models.ApprovalRecord{}, fmt.Errorf("insert approval: %w", err)
	}
	return record, nil
}

func (s *SQLiteApprovalStore) GetByToken(ctx context.Context, token string) (*models.ApprovalRecord, error) {
	row := s.db.db.QueryRowContext(ctx,
		`SELECT token, user_id, action, created_at, expires_at
		 FROM approvals WHERE token = ?`, token)

	var record models.ApprovalRecord
	var createdAt, expiresAt string
	err := row.Scan(&record.Token, &record.UserID, &record.Action, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query approval: %w", err)
	}
	if record.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if record.ExpiresAt, err = time.Parse(timeLayout, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if record.Expired(time.Now().UTC()) {
		return nil, nil
	}
	return &record, nil
}

func (s *SQLiteApprovalStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	result, err := s.db.db.ExecContext(ctx,
		`DELETE FROM approvals WHERE expires_at < ?`, now.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("delete expired approvals: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// SQLiteAuditStore persists audit events in SQLite.
type SQLiteAuditStore struct {
	db *DB
}

// NewSQLiteAuditStore creates an audit store over the database.
func NewSQLiteAuditStore(db *DB) *SQLiteAuditStore {
	return &SQLiteAuditStore{db: db}
}

func (s *SQLiteAuditStore) Add(ctx context.Context, event models.AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, actor, action, target, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Actor, event.Action, event.Target, event.Detail,
		event.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *SQLiteAuditStore) List(ctx context.Context, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.db.QueryContext(ctx,
		`SELECT id, actor, action, target, detail, created_at
		 FROM audit_events ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var event models.AuditEvent
		var createdAt string
		if err := rows.Scan(&event.ID, &event.Actor, &event.Action,
			&event.Target, &event.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if event.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func (s *SQLiteAuditStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.db.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE created_at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("delete audit events: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}
