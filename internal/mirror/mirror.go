// Package mirror keeps a local SQLite copy of calendar events fetched from a
// CalDAV collection so they can be listed without talking to the server.
package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one mirrored calendar object.
type Entry struct {
	Href        string
	ETag        string
	UID         string
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
}

type Store struct {
	db *sql.DB
}

// Open creates the database file and its parent directory if needed.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS calendars (
			url TEXT PRIMARY KEY,
			etag TEXT NOT NULL DEFAULT '',
			synced_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			calendar_url TEXT NOT NULL,
			href TEXT NOT NULL,
			etag TEXT NOT NULL DEFAULT '',
			uid TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			start_at DATETIME,
			end_at DATETIME,
			PRIMARY KEY (calendar_url, href),
			FOREIGN KEY (calendar_url) REFERENCES calendars(url) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_start ON events(calendar_url, start_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

// Replace swaps the mirrored contents of a calendar for entries in a single
// transaction and records etag as the collection version they came from.
func (s *Store) Replace(ctx context.Context, calendarURL, etag string, entries []Entry) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO calendars (url, etag, synced_at) VALUES (?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET etag = excluded.etag, synced_at = excluded.synced_at`,
		calendarURL, etag, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("upsert calendar: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE calendar_url = ?`, calendarURL); err != nil {
		return fmt.Errorf("clear events: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (calendar_url, href, etag, uid, summary, description, location, start_at, end_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err = stmt.ExecContext(ctx,
			calendarURL, e.Href, e.ETag, e.UID, e.Summary, e.Description, e.Location,
			nullTime(e.Start), nullTime(e.End),
		); err != nil {
			return fmt.Errorf("insert %s: %w", e.Href, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// List returns the mirrored entries of a calendar ordered by start time.
// Entries without a start time come last.
func (s *Store) List(ctx context.Context, calendarURL string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT href, etag, uid, summary, description, location, start_at, end_at
		 FROM events WHERE calendar_url = ?
		 ORDER BY start_at IS NULL, start_at, href`,
		calendarURL,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var start, end sql.NullTime
		if err := rows.Scan(&e.Href, &e.ETag, &e.UID, &e.Summary, &e.Description, &e.Location, &start, &end); err != nil {
			return nil, err
		}
		if start.Valid {
			e.Start = start.Time.UTC()
		}
		if end.Valid {
			e.End = end.Time.UTC()
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CalendarETag returns the collection version recorded by the last Replace.
// ok is false when the calendar was never mirrored.
func (s *Store) CalendarETag(ctx context.Context, calendarURL string) (etag string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT etag FROM calendars WHERE url = ?`, calendarURL).Scan(&etag)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return etag, true, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
