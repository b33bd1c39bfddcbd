// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite implements the checkpoint store (C1) on top of
// modernc.org/sqlite, a pure-Go CGo-free driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/extractord/internal/store"
	pkgerrors "github.com/tombee/extractord/pkg/errors"
)

// Backend implements store.Backend on a single-writer SQLite database.
type Backend struct {
	db *sql.DB
}

var _ store.Backend = (*Backend)(nil)

// Open opens (and migrates) the checkpoint store at path. Use ":memory:"
// for an in-process database, as the teacher's tests do.
func Open(path string) (*Backend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "opening sqlite database")
	}

	// Single-writer discipline: SQLite serialises writers internally;
	// capping the pool at one connection avoids SQLITE_BUSY storms under
	// WAL and keeps write ordering predictable.
	db.SetMaxOpenConns(1)

	b := &Backend{db: db}
	if err := b.configurePragmas(); err != nil {
		db.Close()
		return nil, err
	}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := b.normalizeLegacyPaths(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return pkgerrors.Wrapf(err, "applying pragma %q", p)
		}
	}
	return nil
}

func (b *Backend) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS file_registry (
			relative_path  TEXT PRIMARY KEY,
			full_path      TEXT NOT NULL,
			brand          TEXT NOT NULL,
			purchaser      TEXT NOT NULL,
			size           INTEGER NOT NULL,
			etag           TEXT,
			sha256         TEXT,
			synced_at      TEXT NOT NULL,
			registered_at  TEXT NOT NULL,
			extract_status TEXT NOT NULL,
			extracted_at   TEXT,
			last_run_id    TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_file_registry_scope ON file_registry(brand, purchaser)`,
		`CREATE INDEX IF NOT EXISTS idx_file_registry_status ON file_registry(extract_status)`,
		`CREATE TABLE IF NOT EXISTS extraction_records (
			run_id         TEXT NOT NULL,
			relative_path  TEXT NOT NULL,
			file_path      TEXT,
			brand          TEXT,
			purchaser      TEXT,
			status         TEXT NOT NULL,
			started_at     TEXT NOT NULL,
			finished_at    TEXT,
			latency_ms     INTEGER,
			status_code    INTEGER,
			error_message  TEXT,
			pattern_key    TEXT,
			full_response  BLOB,
			PRIMARY KEY (run_id, relative_path)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_extraction_records_status ON extraction_records(run_id, status)`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id      TEXT PRIMARY KEY,
			started_at  TEXT NOT NULL,
			finished_at TEXT,
			status      TEXT NOT NULL,
			summary     BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			id         TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			brands     TEXT NOT NULL,
			purchasers TEXT NOT NULL,
			cron       TEXT NOT NULL,
			timezone   TEXT NOT NULL,
			UNIQUE(cron, timezone)
		)`,
		`CREATE TABLE IF NOT EXISTS sync_history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp  TEXT NOT NULL,
			synced     INTEGER NOT NULL,
			skipped    INTEGER NOT NULL,
			errors     INTEGER NOT NULL,
			brands     TEXT NOT NULL,
			purchasers TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS schedule_audit (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp   TEXT NOT NULL,
			schedule_id TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			level       TEXT NOT NULL,
			message     TEXT NOT NULL,
			data        BLOB
		)`,
		`CREATE TABLE IF NOT EXISTS app_config_kv (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := b.db.Exec(s); err != nil {
			return pkgerrors.Wrapf(err, "running migration %q", firstLine(s))
		}
	}
	return nil
}

// normalizeLegacyPaths applies relativePath normalisation to any rows
// written before normalisation was enforced on write.
func (b *Backend) normalizeLegacyPaths() error {
	rows, err := b.db.Query(`SELECT relative_path FROM file_registry`)
	if err != nil {
		return pkgerrors.Wrap(err, "scanning file_registry for legacy paths")
	}
	defer rows.Close()

	var stale []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return pkgerrors.Wrap(err, "scanning relative_path")
		}
		if normalizePath(p) != p {
			stale = append(stale, p)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, p := range stale {
		if _, err := b.db.Exec(
			`UPDATE file_registry SET relative_path = ? WHERE relative_path = ?`,
			normalizePath(p), p,
		); err != nil {
			return pkgerrors.Wrapf(err, "normalising legacy path %q", p)
		}
	}
	return nil
}

func normalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimLeft(p, "/")
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return s
}

// Close releases the underlying database handle.
func (b *Backend) Close() error {
	return b.db.Close()
}

// --- NULL-safe binding helpers ---

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseInt64(s string) (int64, error) {
	var n int64
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func formatInt64(n int64) string {
	return fmt.Sprintf("%d", n)
}

func joinCSV(values []string) string {
	return strings.Join(values, ",")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func marshalPairs(pairs []store.BrandPurchaserPair) (string, error) {
	b, err := json.Marshal(pairs)
	if err != nil {
		return "", fmt.Errorf("marshalling pairs: %w", err)
	}
	return string(b), nil
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error (including a panic, which is re-raised after rollback).
func (b *Backend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "beginning transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return pkgerrors.Wrapf(err, "rolling back after error (rollback error: %v)", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return pkgerrors.Wrap(err, "committing transaction")
	}
	return nil
}
