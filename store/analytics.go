package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/marcboeker/go-duckdb"
)

// AnalyticsIndex is an optional secondary index over append events, backed by
// DuckDB, for ad-hoc SQL analysis (e.g. "messages per stream per hour")
// without touching the segment files that serve the live protocol.
type AnalyticsIndex struct {
	db *sql.DB
}

// NewAnalyticsIndex opens (or creates) a DuckDB database at path and ensures
// the append_events table exists.
func NewAnalyticsIndex(path string) (*AnalyticsIndex, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open analytics database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS append_events (
			stream_path  VARCHAR,
			offset_str   VARCHAR,
			size_bytes   BIGINT,
			content_type VARCHAR,
			recorded_at  TIMESTAMP
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create append_events table: %w", err)
	}

	return &AnalyticsIndex{db: db}, nil
}

// RecordAppend records one append event. Failures are non-fatal to the
// caller's append path — analytics is best-effort observability, not the
// source of truth for stream contents.
func (a *AnalyticsIndex) RecordAppend(streamPath, offset string, sizeBytes int, contentType string) error {
	_, err := a.db.Exec(
		`INSERT INTO append_events (stream_path, offset_str, size_bytes, content_type, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		streamPath, offset, sizeBytes, contentType, time.Now(),
	)
	return err
}

// Close closes the underlying DuckDB connection.
func (a *AnalyticsIndex) Close() error {
	return a.db.Close()
}
