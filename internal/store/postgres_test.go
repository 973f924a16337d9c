package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/groupchat/internal/models"
)

func TestPostgresEvents(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	require.NoError(t, RunMigrations(ctx, url))
	// Running twice is a no-op.
	require.NoError(t, RunMigrations(ctx, url))

	s, err := NewPostgresStore(ctx, url)
	require.NoError(t, err)
	defer s.Close()

	before, err := s.CountEvents(ctx, models.EventEngineStarted)
	require.NoError(t, err)

	e := &models.Event{Kind: models.EventEngineStarted, Detail: "pid 42"}
	require.NoError(t, s.RecordEvent(ctx, e))

	after, err := s.CountEvents(ctx, models.EventEngineStarted)
	require.NoError(t, err)
	assert.Equal(t, before+1, after)

	events, err := s.RecentEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, e.ID, events[0].ID)
}
