package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/groupchat/internal/metrics"
	"github.com/eldtechnologies/groupchat/internal/models"
)

// SQLiteStore handles SQLite database operations.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/groupchat.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/groupchat.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		remote_addr TEXT DEFAULT '',
		detail TEXT DEFAULT '',
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordEvent appends an event to the audit log.
func (s *SQLiteStore) RecordEvent(ctx context.Context, event *models.Event) error {
	defer observe(time.Now())
	prepareEvent(event)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, kind, remote_addr, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, event.ID, event.Kind, event.RemoteAddr, event.Detail, event.CreatedAt)
	return err
}

// RecentEvents returns the newest events first.
func (s *SQLiteStore) RecentEvents(ctx context.Context, limit int) ([]models.Event, error) {
	defer observe(time.Now())

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, remote_addr, detail, created_at
		FROM events
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.Event, 0)
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.RemoteAddr, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountEvents counts events of the given kind. An empty kind counts all.
func (s *SQLiteStore) CountEvents(ctx context.Context, kind string) (int64, error) {
	var count int64
	var err error
	if kind == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE kind = ?`, kind).Scan(&count)
	}
	return count, err
}

func observe(start time.Time) {
	metrics.StoreLatency.Observe(time.Since(start).Seconds())
}
