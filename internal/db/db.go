package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"transit-viewer/internal/transit"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// FetchFeeds returns the imported feeds ordered by title.
func FetchFeeds(ctx context.Context, db *sql.DB) ([]transit.Feed, error) {
	q := `SELECT feed_uid, feed_title, COALESCE(feed_publisher_name, ''), COALESCE(feed_publisher_url, '')
FROM feeds ORDER BY feed_title`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer rows.Close()

	var feeds []transit.Feed
	for rows.Next() {
		var f transit.Feed
		if err := rows.Scan(&f.UID, &f.Title, &f.PublisherName, &f.PublisherURL); err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}
