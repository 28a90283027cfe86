package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Schema for the mend_pages table.
const Schema = `
CREATE TABLE IF NOT EXISTS mend_pages (
	id         TEXT PRIMARY KEY,
	url        TEXT NOT NULL,
	mode       TEXT NOT NULL DEFAULT 'browser',
	snapshot   INTEGER NOT NULL DEFAULT 0,
	rules      TEXT NOT NULL DEFAULT '[]',
	status     TEXT NOT NULL DEFAULT 'active',
	updated_at INTEGER NOT NULL
);
`

var pragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"busy_timeout(10000)",
	"synchronous(NORMAL)",
}

// OpenDB opens (creating if needed) the SQLite file at path with the
// connection pragmas set on every pooled connection, and applies the
// mend_pages schema. ":memory:" yields a single-connection database.
func OpenDB(path string) (*sql.DB, error) {
	memory := path == ":memory:"
	dsn := path
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("config: mkdir: %w", err)
		}
		dsn = "file:" + path + "?_pragma=" + strings.Join(pragmas, "&_pragma=")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("config: schema: %w", err)
	}
	return db, nil
}

// LoadPages reads all active pages from the database.
func LoadPages(ctx context.Context, db *sql.DB) ([]PageConfig, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, url, mode, snapshot, rules
		FROM mend_pages
		WHERE status = 'active'
		ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []PageConfig
	for rows.Next() {
		var p PageConfig
		var snapshot int
		var rulesJSON string
		if err := rows.Scan(&p.ID, &p.URL, &p.Mode, &snapshot, &rulesJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(rulesJSON), &p.Rules); err != nil {
			return nil, fmt.Errorf("config: page %s: rules: %w", p.ID, err)
		}
		p.Snapshot = snapshot != 0
		p.ApplyDefaults()
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// SavePage inserts or replaces a page and marks it active.
func SavePage(ctx context.Context, db *sql.DB, p PageConfig) error {
	p.ApplyDefaults()
	if err := p.Validate(); err != nil {
		return err
	}
	rulesJSON, err := json.Marshal(p.Rules)
	if err != nil {
		return err
	}
	if p.Rules == nil {
		rulesJSON = []byte("[]")
	}
	snapshot := 0
	if p.Snapshot {
		snapshot = 1
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO mend_pages (id, url, mode, snapshot, rules, status, updated_at)
		VALUES (?, ?, ?, ?, ?, 'active', `+nextStamp+`)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url, mode = excluded.mode, snapshot = excluded.snapshot,
			rules = excluded.rules, status = 'active', updated_at = excluded.updated_at
	`, p.ID, p.URL, p.Mode, snapshot, string(rulesJSON), time.Now().UnixMilli())
	return err
}

// RemovePage deactivates a page. It reports whether the page existed.
func RemovePage(ctx context.Context, db *sql.DB, id string) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE mend_pages SET status = 'removed', updated_at = `+nextStamp+`
		WHERE id = ? AND status = 'active'
	`, time.Now().UnixMilli(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// nextStamp keeps updated_at strictly increasing across writes in the same
// millisecond, so MaxStamp sees every write.
const nextStamp = `MAX(?, COALESCE((SELECT MAX(updated_at) FROM mend_pages), 0) + 1)`
