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

	"github.com/tombee/extractord/internal/store"
	pkgerrors "github.com/tombee/extractord/pkg/errors"
)

// UpsertRecord atomically writes one extraction record and the matching
// file-registry status update.
func (b *Backend) UpsertRecord(ctx context.Context, record store.ExtractionRecord) error {
	return b.UpsertRecords(ctx, []store.ExtractionRecord{record})
}

// UpsertRecords atomically writes a batch of extraction records and their
// matching file-registry status updates in a single transaction, per
// spec §4.1's atomicity mandate.
func (b *Backend) UpsertRecords(ctx context.Context, records []store.ExtractionRecord) error {
	if len(records) == 0 {
		return nil
	}

	return b.withTx(ctx, func(tx *sql.Tx) error {
		recordStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO extraction_records (
				run_id, relative_path, file_path, brand, purchaser, status,
				started_at, finished_at, latency_ms, status_code, error_message,
				pattern_key, full_response
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, relative_path) DO UPDATE SET
				status = excluded.status,
				finished_at = excluded.finished_at,
				latency_ms = excluded.latency_ms,
				status_code = excluded.status_code,
				error_message = excluded.error_message,
				pattern_key = excluded.pattern_key,
				full_response = excluded.full_response
		`)
		if err != nil {
			return pkgerrors.Wrap(err, "preparing UpsertRecords statement")
		}
		defer recordStmt.Close()

		statusStmt, err := tx.PrepareContext(ctx, `
			UPDATE file_registry
			SET extract_status = ?, last_run_id = ?, extracted_at = COALESCE(?, extracted_at)
			WHERE relative_path = ?
		`)
		if err != nil {
			return pkgerrors.Wrap(err, "preparing file status update statement")
		}
		defer statusStmt.Close()

		for _, r := range records {
			path := normalizePath(r.RelativePath)
			if _, err := recordStmt.ExecContext(ctx,
				r.RunID, path, r.FilePath, r.Brand, r.Purchaser, string(r.Status),
				formatTime(r.StartedAt), nullTime(r.FinishedAt), r.LatencyMs, r.StatusCode,
				nullString(r.ErrorMessage), nullString(r.PatternKey), nullBytes(r.FullResponse),
			); err != nil {
				return pkgerrors.Wrapf(err, "upserting extraction record %s/%s", r.RunID, path)
			}

			if _, err := statusStmt.ExecContext(ctx,
				string(r.Status), r.RunID, nullTime(r.FinishedAt), path,
			); err != nil {
				return pkgerrors.Wrapf(err, "updating file registry status for %q", path)
			}
		}
		return nil
	})
}

// GetRecordsForRun returns every extraction record for runID.
func (b *Backend) GetRecordsForRun(ctx context.Context, runID string) ([]store.ExtractionRecord, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT run_id, relative_path, file_path, brand, purchaser, status,
			started_at, finished_at, latency_ms, status_code, error_message,
			pattern_key, full_response
		FROM extraction_records WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "querying extraction records for %q", runID)
	}
	defer rows.Close()

	var out []store.ExtractionRecord
	for rows.Next() {
		var (
			r                       store.ExtractionRecord
			filePath, brand, purch  sql.NullString
			status                  string
			startedAt               string
			finishedAt              sql.NullString
			latencyMs               sql.NullInt64
			statusCode              sql.NullInt64
			errorMessage, patternKy sql.NullString
			fullResponse            []byte
		)
		if err := rows.Scan(
			&r.RunID, &r.RelativePath, &filePath, &brand, &purch, &status,
			&startedAt, &finishedAt, &latencyMs, &statusCode, &errorMessage,
			&patternKy, &fullResponse,
		); err != nil {
			return nil, pkgerrors.Wrap(err, "scanning extraction_records row")
		}

		r.FilePath = filePath.String
		r.Brand = brand.String
		r.Purchaser = purch.String
		r.Status = store.ExtractStatus(status)
		r.LatencyMs = latencyMs.Int64
		r.StatusCode = int(statusCode.Int64)
		r.ErrorMessage = errorMessage.String
		r.PatternKey = patternKy.String
		r.FullResponse = fullResponse

		var err error
		if r.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, pkgerrors.Wrap(err, "parsing started_at")
		}
		if r.FinishedAt, err = parseNullTime(finishedAt); err != nil {
			return nil, pkgerrors.Wrap(err, "parsing finished_at")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *Backend) pathsWithStatuses(ctx context.Context, runID string, statuses []store.ExtractStatus) ([]string, error) {
	placeholders := make([]string, len(statuses))
	args := make([]any, 0, len(statuses)+1)
	args = append(args, runID)
	for i, s := range statuses {
		placeholders[i] = "?"
		args = append(args, string(s))
	}

	query := `SELECT relative_path FROM extraction_records WHERE run_id = ? AND status IN (` +
		joinPlaceholders(placeholders) + `)`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "querying paths for run %q", runID)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, pkgerrors.Wrap(err, "scanning relative_path")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func joinPlaceholders(ph []string) string {
	out := ""
	for i, p := range ph {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// GetProcessedPaths returns relativePaths with status in {done, skipped, error}.
func (b *Backend) GetProcessedPaths(ctx context.Context, runID string) ([]string, error) {
	return b.pathsWithStatuses(ctx, runID, []store.ExtractStatus{
		store.ExtractDone, store.ExtractSkipped, store.ExtractError,
	})
}

// GetCompletedPaths returns relativePaths with status in {done, skipped}.
func (b *Backend) GetCompletedPaths(ctx context.Context, runID string) ([]string, error) {
	return b.pathsWithStatuses(ctx, runID, []store.ExtractStatus{
		store.ExtractDone, store.ExtractSkipped,
	})
}

// GetErrorPaths returns relativePaths with status=error.
func (b *Backend) GetErrorPaths(ctx context.Context, runID string) ([]string, error) {
	return b.pathsWithStatuses(ctx, runID, []store.ExtractStatus{store.ExtractError})
}
