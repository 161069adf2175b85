package db

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-viewer/internal/transit"
)

// TestFetchFeeds runs against a live database when TEST_DATABASE_URL is set.
func TestFetchFeeds(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := Open(dsn)
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1) // temp tables are per connection
	require.NoError(t, Ping(ctx, db))

	_, err = db.ExecContext(ctx, `CREATE TEMP TABLE feeds (feed_uid text, feed_title text, feed_publisher_name text, feed_publisher_url text)`)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `INSERT INTO feeds VALUES ('b', 'Beta', 'Beta GmbH', 'https://beta.example'), ('a', 'Alpha', NULL, NULL)`)
	require.NoError(t, err)

	feeds, err := FetchFeeds(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, []transit.Feed{
		{UID: "a", Title: "Alpha"},
		{UID: "b", Title: "Beta", PublisherName: "Beta GmbH", PublisherURL: "https://beta.example"},
	}, feeds)
}
