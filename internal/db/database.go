package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/copypaste/internal/store"
)

// WAL for concurrent readers; writers wait on the lock instead of failing with SQLITE_BUSY
const connPragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// Fixed-width UTC timestamps stored as TEXT sort lexically in time order
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Database is the sqlite-backed room document store.
type Database struct {
	db     *sql.DB
	logger *zap.Logger
}

var (
	_ store.Store     = (*Database)(nil)
	_ store.Inventory = (*Database)(nil)
)

func New(dbPath string, logger *zap.Logger) (*Database, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	db, err := sql.Open("sqlite", dbPath+connPragmas)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info("Database initialized", zap.String("path", dbPath))
	return &Database{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS pastes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL UNIQUE,
		content TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pastes_updated_at ON pastes(updated_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room document operations

func (d *Database) FetchRoom(ctx context.Context, roomID string) (*store.Document, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT room_id, content, created_at, updated_at FROM pastes WHERE room_id = ?",
		roomID,
	)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, store.Wrap("fetch", roomID, err)
	}
	return doc, nil
}

// CreateRoom upserts the row so two racing creators both succeed.
func (d *Database) CreateRoom(ctx context.Context, roomID, initialContent string) (*store.Document, error) {
	now := time.Now().UTC().Format(timeLayout)
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO pastes (room_id, content, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			content = excluded.content,
			updated_at = excluded.updated_at
	`, roomID, initialContent, now, now)
	if err != nil {
		return nil, store.Wrap("create", roomID, err)
	}

	d.logger.Debug("Room created", zap.String("room", roomID))
	return d.FetchRoom(ctx, roomID)
}

func (d *Database) WriteContent(ctx context.Context, roomID, content string, ts time.Time) error {
	result, err := d.db.ExecContext(ctx,
		"UPDATE pastes SET content = ?, updated_at = ? WHERE room_id = ?",
		content, ts.UTC().Format(timeLayout), roomID,
	)
	if err != nil {
		return store.Wrap("write", roomID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return store.Wrap("write", roomID, err)
	}
	if n == 0 {
		return &store.Error{Op: "write", RoomID: roomID, Err: store.ErrNotFound}
	}
	return nil
}

// ListRooms returns the most recently updated rooms first.
func (d *Database) ListRooms(ctx context.Context, limit, offset int) ([]store.Document, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT room_id, content, created_at, updated_at FROM pastes ORDER BY updated_at DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (*store.Document, error) {
	var doc store.Document
	var createdAt, updatedAt string
	if err := s.Scan(&doc.RoomID, &doc.Content, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if doc.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("bad created_at %q: %w", createdAt, err)
	}
	if doc.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("bad updated_at %q: %w", updatedAt, err)
	}
	return &doc, nil
}

// Maintenance

// Checkpoint folds the WAL back into the main database file.
func (d *Database) Checkpoint(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// Stats

func (d *Database) GetStats(ctx context.Context) (store.Usage, error) {
	var stats store.Usage
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(LENGTH(CAST(content AS BLOB))), 0) FROM pastes",
	).Scan(&stats.RoomCount, &stats.ContentBytes)
	return stats, err
}
