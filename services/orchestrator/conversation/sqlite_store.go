// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianFolio/services/orchestrator/datatypes"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore is the relational SessionStore. It also records notifications.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens dsn, applies pending migrations and returns the store.
//
// # Description
//
// Foreign keys are switched on through the DSN so the messages→sessions
// reference is enforced by the database, not just by AppendMessage. File
// databases run in WAL mode with a busy timeout; in-memory databases are
// pinned to one connection because every new connection to ":memory:" is a
// different, empty database.
//
// # Inputs
//
//   - dsn: go-sqlite3 DSN, e.g. "file:folio.db" or ":memory:".
//
// # Outputs
//
//   - *SQLiteStore: Ready store.
//   - error: Non-nil if the database cannot be opened or migrated.
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	memory := strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")

	db, err := sql.Open("sqlite3", withSQLiteParams(dsn, memory))
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("SQLite session store ready", "dsn", dsn)
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func withSQLiteParams(dsn string, memory bool) string {
	params := []string{"_foreign_keys=on"}
	if !memory {
		params = append(params, "_journal_mode=WAL", "_busy_timeout=5000")
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func migrate(ctx context.Context, db *sql.DB) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run goose migrations: %w", err)
	}
	for _, r := range results {
		slog.Debug("applied migration", "source", r.Source.Path, "duration", r.Duration)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetOrCreateSession upserts the session, so repeated calls with the same id
// never duplicate it.
func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, candidateID string) (string, error) {
	id, _ := resolveSessionID(candidateID)
	now := s.now().UnixNano()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, last_activity_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_activity_at = MAX(last_activity_at, excluded.last_activity_at)`,
		id, now, now)
	if err != nil {
		return "", fmt.Errorf("upsert session: %w", err)
	}
	return id, nil
}

// AppendMessage inserts the message and advances the session's activity time
// in one transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, sessionID string, role datatypes.Role, content string, metadata map[string]any) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var last int64
	err = tx.QueryRowContext(ctx, `SELECT last_activity_at FROM sessions WHERE id = ?`, sessionID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}

	created := nextMessageTime(s.now(), time.Unix(0, last)).UnixNano()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, metadata, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		datatypes.NewID(), sessionID, string(role), content, meta, created); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ? WHERE id = ?`, created, sessionID); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return tx.Commit()
}

// LoadRecentMessages returns the newest limit messages, oldest first.
func (s *SQLiteStore) LoadRecentMessages(ctx context.Context, sessionID string, limit int) ([]datatypes.ConversationMessage, error) {
	if limit <= 0 {
		return []datatypes.ConversationMessage{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, metadata, created_at FROM (
			SELECT id, session_id, role, content, metadata, created_at FROM messages
			WHERE session_id = ? ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at ASC`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	return scanMessages(rows)
}

// LoadMessages returns the whole history or ErrSessionNotFound.
func (s *SQLiteStore) LoadMessages(ctx context.Context, sessionID string) ([]datatypes.ConversationMessage, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, sessionID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, metadata, created_at FROM messages
		WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return scanMessages(rows)
}

// SaveNotification records a successful notification send.
func (s *SQLiteStore) SaveNotification(ctx context.Context, rec datatypes.NotificationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, visitor_email, visitor_name, inquiry_type, message,
			conversation_excerpt, session_id, sent_at, provider_message_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.VisitorEmail, rec.VisitorName, rec.InquiryType, rec.Message,
		rec.ConversationExcerpt, rec.SessionID, rec.SentAt.UnixNano(), rec.ProviderMessageID)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// ListNotifications returns the newest limit records, newest first.
func (s *SQLiteStore) ListNotifications(ctx context.Context, limit int) ([]datatypes.NotificationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, visitor_email, visitor_name, inquiry_type, message, conversation_excerpt,
			session_id, sent_at, provider_message_id
		FROM notifications ORDER BY sent_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []datatypes.NotificationRecord
	for rows.Next() {
		var (
			rec                         datatypes.NotificationRecord
			name, kind, excerpt, sessID sql.NullString
			sentAt                      int64
		)
		if err := rows.Scan(&rec.ID, &rec.VisitorEmail, &name, &kind, &rec.Message, &excerpt,
			&sessID, &sentAt, &rec.ProviderMessageID); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		rec.VisitorName = name.String
		rec.InquiryType = kind.String
		rec.ConversationExcerpt = excerpt.String
		rec.SessionID = sessID.String
		rec.SentAt = time.Unix(0, sentAt).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanMessages(rows *sql.Rows) ([]datatypes.ConversationMessage, error) {
	defer rows.Close()

	out := []datatypes.ConversationMessage{}
	for rows.Next() {
		var (
			m       datatypes.ConversationMessage
			role    string
			meta    sql.NullString
			created int64
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &meta, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = datatypes.Role(role)
		m.CreatedAt = time.Unix(0, created).UTC()
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
				slog.Warn("dropping unreadable message metadata", "message_id", m.ID, "error", err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func encodeMetadata(metadata map[string]any) (sql.NullString, error) {
	if len(metadata) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

var _ SessionStore = (*SQLiteStore)(nil)
