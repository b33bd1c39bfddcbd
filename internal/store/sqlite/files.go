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

package sqlite

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/tombee/extractord/internal/store"
	pkgerrors "github.com/tombee/extractord/pkg/errors"
)

// RegisterFiles upserts entries by relativePath, preserving registeredAt
// across updates.
func (b *Backend) RegisterFiles(ctx context.Context, entries []store.FileRegistryEntry) error {
	if len(entries) == 0 {
		return nil
	}

	return b.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO file_registry (
				relative_path, full_path, brand, purchaser, size, etag, sha256,
				synced_at, registered_at, extract_status, extracted_at, last_run_id
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(relative_path) DO UPDATE SET
				full_path = excluded.full_path,
				brand = excluded.brand,
				purchaser = excluded.purchaser,
				size = excluded.size,
				etag = excluded.etag,
				sha256 = excluded.sha256,
				synced_at = excluded.synced_at
		`)
		if err != nil {
			return pkgerrors.Wrap(err, "preparing RegisterFiles statement")
		}
		defer stmt.Close()

		for _, e := range entries {
			path := normalizePath(e.RelativePath)
			status := e.ExtractStatus
			if status == "" {
				status = store.ExtractPending
			}
			registeredAt := e.RegisteredAt
			if registeredAt.IsZero() {
				registeredAt = e.SyncedAt
			}
			if _, err := stmt.ExecContext(ctx,
				path, e.FullPath, e.Brand, e.Purchaser, e.Size,
				nullString(e.ETag), nullString(e.SHA256),
				formatTime(e.SyncedAt), formatTime(registeredAt),
				string(status), nullTime(e.ExtractedAt), nullString(e.LastRunID),
			); err != nil {
				return pkgerrors.Wrapf(err, "registering file %q", path)
			}
		}
		return nil
	})
}

// UpdateFileStatus transitions a file's extractStatus.
func (b *Backend) UpdateFileStatus(ctx context.Context, relativePath string, status store.ExtractStatus, runID string, extractedAt *time.Time) error {
	path := normalizePath(relativePath)
	_, err := b.db.ExecContext(ctx, `
		UPDATE file_registry
		SET extract_status = ?, last_run_id = ?, extracted_at = COALESCE(?, extracted_at)
		WHERE relative_path = ?
	`, string(status), nullString(runID), nullTime(extractedAt), path)
	if err != nil {
		return pkgerrors.Wrapf(err, "updating status for %q", path)
	}
	return nil
}

// GetUnextractedFiles returns registry rows with extractStatus != done.
func (b *Backend) GetUnextractedFiles(ctx context.Context, filter store.FileFilter) ([]store.FileRegistryEntry, error) {
	query := `SELECT relative_path, full_path, brand, purchaser, size, etag, sha256,
		synced_at, registered_at, extract_status, extracted_at, last_run_id
		FROM file_registry WHERE extract_status != ?`
	args := []any{string(store.ExtractDone)}

	cond, condArgs := filterClause(filter)
	if cond != "" {
		query += " AND " + cond
		args = append(args, condArgs...)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "querying unextracted files")
	}
	defer rows.Close()

	return scanFileRegistryRows(rows)
}

// GetFailedFiles returns the distinct relativePaths whose latest
// extraction record has status=error, under filter.
func (b *Backend) GetFailedFiles(ctx context.Context, filter store.FileFilter) ([]string, error) {
	query := `
		SELECT er.relative_path FROM extraction_records er
		INNER JOIN (
			SELECT relative_path, MAX(started_at) AS max_started
			FROM extraction_records GROUP BY relative_path
		) latest ON er.relative_path = latest.relative_path AND er.started_at = latest.max_started
		WHERE er.status = ?`
	args := []any{string(store.ExtractError)}

	cond, condArgs := filterClauseAliased(filter, "er")
	if cond != "" {
		query += " AND " + cond
		args = append(args, condArgs...)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "querying failed files")
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, pkgerrors.Wrap(err, "scanning failed file path")
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

func filterClause(filter store.FileFilter) (string, []any) {
	return filterClauseAliased(filter, "")
}

func filterClauseAliased(filter store.FileFilter, alias string) (string, []any) {
	col := func(name string) string {
		if alias == "" {
			return name
		}
		return alias + "." + name
	}

	if len(filter.Pairs) > 0 {
		var parts []string
		var args []any
		for _, p := range filter.Pairs {
			parts = append(parts, "("+col("brand")+" = ? AND "+col("purchaser")+" = ?)")
			args = append(args, p.Brand, p.Purchaser)
		}
		return "(" + strings.Join(parts, " OR ") + ")", args
	}

	var conds []string
	var args []any
	if filter.Brand != "" {
		conds = append(conds, col("brand")+" = ?")
		args = append(args, filter.Brand)
	}
	if filter.Purchaser != "" {
		conds = append(conds, col("purchaser")+" = ?")
		args = append(args, filter.Purchaser)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return strings.Join(conds, " AND "), args
}

func scanFileRegistryRows(rows *sql.Rows) ([]store.FileRegistryEntry, error) {
	var out []store.FileRegistryEntry
	for rows.Next() {
		var (
			e                       store.FileRegistryEntry
			etag, sha256, lastRunID sql.NullString
			syncedAt, registeredAt  string
			status                  string
			extractedAt             sql.NullString
		)
		if err := rows.Scan(
			&e.RelativePath, &e.FullPath, &e.Brand, &e.Purchaser, &e.Size,
			&etag, &sha256, &syncedAt, &registeredAt, &status, &extractedAt, &lastRunID,
		); err != nil {
			return nil, pkgerrors.Wrap(err, "scanning file_registry row")
		}

		var err error
		if e.SyncedAt, err = parseTime(syncedAt); err != nil {
			return nil, pkgerrors.Wrap(err, "parsing synced_at")
		}
		if e.RegisteredAt, err = parseTime(registeredAt); err != nil {
			return nil, pkgerrors.Wrap(err, "parsing registered_at")
		}
		if e.ExtractedAt, err = parseNullTime(extractedAt); err != nil {
			return nil, pkgerrors.Wrap(err, "parsing extracted_at")
		}
		e.ETag = etag.String
		e.SHA256 = sha256.String
		e.LastRunID = lastRunID.String
		e.ExtractStatus = store.ExtractStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}
