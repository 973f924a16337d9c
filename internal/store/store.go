package store

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/eldtechnologies/groupchat/internal/models"
)

// EventStore defines the interface for the supervisor's audit log.
// Both PostgresStore and SQLiteStore implement this interface.
type EventStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Event operations
	RecordEvent(ctx context.Context, event *models.Event) error
	RecentEvents(ctx context.Context, limit int) ([]models.Event, error)
	CountEvents(ctx context.Context, kind string) (int64, error)
}

// OpenEventStore picks the audit store from configuration. A postgres URL
// wins over a SQLite path; with neither, no store is opened.
func OpenEventStore(ctx context.Context, databaseURL, sqlitePath string) (EventStore, error) {
	switch {
	case databaseURL != "":
		if err := RunMigrations(ctx, databaseURL); err != nil {
			return nil, err
		}
		return NewPostgresStore(ctx, databaseURL)
	case sqlitePath != "":
		return NewSQLiteStore(ctx, sqlitePath)
	default:
		return nil, nil
	}
}

// prepareEvent fills in the ID and timestamp if not set.
func prepareEvent(event *models.Event) {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}
