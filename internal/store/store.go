// Package store persists chat activity and the outbound delivery audit in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"nanoclaw/internal/domain"
)

// Fixed-width UTC layout so stored times compare correctly as text.
const timeLayout = "2006-01-02 15:04:05.000000000"

// SQLiteStore implements domain.ChatStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SchemaVersion reports the applied migration version.
func (s *SQLiteStore) SchemaVersion() (int, error) {
	return GetSchemaVersion(s.db)
}

// TouchChat records activity for a conversation. The stored last message
// time only moves forward.
func (s *SQLiteStore) TouchChat(ctx context.Context, jid, channel string, lastMessage time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (jid, channel, last_message_time, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			channel = excluded.channel,
			updated_at = excluded.updated_at,
			last_message_time = MAX(chats.last_message_time, excluded.last_message_time)`,
		jid, channel, formatTime(lastMessage), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("touch chat %s: %w", jid, err)
	}
	return nil
}

// GetChat returns the chat for jid, or nil if it has never been seen.
func (s *SQLiteStore) GetChat(ctx context.Context, jid string) (*domain.Chat, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT jid, channel, last_message_time, updated_at FROM chats WHERE jid = ?`, jid)
	chat, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat %s: %w", jid, err)
	}
	return &chat, nil
}

// ListChats returns chats by most recent activity.
func (s *SQLiteStore) ListChats(ctx context.Context, limit int) ([]domain.Chat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT jid, channel, last_message_time, updated_at FROM chats
		 ORDER BY last_message_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []domain.Chat
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

// RecordDelivery appends one outbound send outcome to the audit table.
func (s *SQLiteStore) RecordDelivery(ctx context.Context, report domain.DeliveryReport) error {
	sentAt := report.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	errText := ""
	if report.Err != nil {
		errText = report.Err.Error()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deliveries (channel, jid, channel_id, length, threaded, ok, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		report.Channel, report.JID, report.ChannelID, report.Length,
		report.Threaded, report.Err == nil, errText, formatTime(sentAt),
	)
	if err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	return nil
}

// RecentDeliveries returns the newest delivery records first.
func (s *SQLiteStore) RecentDeliveries(ctx context.Context, limit int) ([]domain.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, jid, channel_id, length, threaded, ok, error, created_at
		FROM deliveries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent deliveries: %w", err)
	}
	defer rows.Close()

	var out []domain.DeliveryRecord
	for rows.Next() {
		var (
			rec       domain.DeliveryRecord
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.Channel, &rec.JID, &rec.ChannelID, &rec.Length,
			&rec.Threaded, &rec.OK, &rec.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(row scanner) (domain.Chat, error) {
	var (
		chat            domain.Chat
		last, updatedAt string
	)
	if err := row.Scan(&chat.JID, &chat.Channel, &last, &updatedAt); err != nil {
		return chat, err
	}
	var err error
	if chat.LastMessageTime, err = parseTime(last); err != nil {
		return chat, err
	}
	if chat.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return chat, err
	}
	return chat, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(timeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

var _ domain.ChatStore = (*SQLiteStore)(nil)
