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
	"encoding/json"
	"time"

	"github.com/tombee/extractord/internal/store"
	pkgerrors "github.com/tombee/extractord/pkg/errors"
	"github.com/tombee/extractord/pkg/ids"
)

// StartNewRun allocates the next sequential run id (read-increment-write
// inside a transaction), sets current_run_id, and inserts a running Run row.
func (b *Backend) StartNewRun(ctx context.Context) (string, error) {
	var runID string
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		var current int64
		row := tx.QueryRowContext(ctx, `SELECT value FROM app_config_kv WHERE key = ?`, store.KeyLastRunNumber)
		var raw string
		switch err := row.Scan(&raw); err {
		case nil:
			n, convErr := parseInt64(raw)
			if convErr != nil {
				return pkgerrors.Wrapf(convErr, "parsing %s value %q", store.KeyLastRunNumber, raw)
			}
			current = n
		case sql.ErrNoRows:
			current = 0
		default:
			return pkgerrors.Wrap(err, "reading last_run_number")
		}

		next := current + 1
		runID = ids.FormatRunID(next)

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO app_config_kv (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, store.KeyLastRunNumber, formatInt64(next)); err != nil {
			return pkgerrors.Wrap(err, "persisting last_run_number")
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO app_config_kv (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, store.KeyCurrentRunID, runID); err != nil {
			return pkgerrors.Wrap(err, "persisting current_run_id")
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO runs (run_id, started_at, status) VALUES (?, ?, ?)
		`, runID, formatTime(time.Now()), string(store.RunRunning)); err != nil {
			return pkgerrors.Wrapf(err, "inserting run row %q", runID)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

// MarkRunCompleted sets last_run_completed and the run's finishedAt/status=done.
func (b *Backend) MarkRunCompleted(ctx context.Context, runID string) error {
	return b.finalizeRun(ctx, runID, store.RunDone)
}

// MarkRunFailed sets the run's finishedAt/status=error.
func (b *Backend) MarkRunFailed(ctx context.Context, runID string) error {
	return b.finalizeRun(ctx, runID, store.RunError)
}

func (b *Backend) finalizeRun(ctx context.Context, runID string, status store.RunStatus) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(time.Now())
		if _, err := tx.ExecContext(ctx, `
			UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ?
		`, string(status), now, runID); err != nil {
			return pkgerrors.Wrapf(err, "finalising run %q", runID)
		}

		if status == store.RunDone {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO app_config_kv (key, value) VALUES (?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value
			`, store.KeyLastRunCompleted, runID); err != nil {
				return pkgerrors.Wrap(err, "persisting last_run_completed")
			}
		}
		return nil
	})
}

// SaveRunSummary persists the computed run summary blob.
func (b *Backend) SaveRunSummary(ctx context.Context, runID string, summaryJSON []byte) error {
	_, err := b.db.ExecContext(ctx, `UPDATE runs SET summary = ? WHERE run_id = ?`, summaryJSON, runID)
	if err != nil {
		return pkgerrors.Wrapf(err, "saving summary for run %q", runID)
	}
	return nil
}

// GetRun returns a single run by id.
func (b *Backend) GetRun(ctx context.Context, runID string) (store.Run, bool, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, finished_at, status, summary FROM runs WHERE run_id = ?
	`, runID)

	var (
		r          store.Run
		startedAt  string
		finishedAt sql.NullString
		status     string
		summary    []byte
	)
	switch err := row.Scan(&r.RunID, &startedAt, &finishedAt, &status, &summary); err {
	case nil:
		// fallthrough to parse below
	case sql.ErrNoRows:
		return store.Run{}, false, nil
	default:
		return store.Run{}, false, pkgerrors.Wrapf(err, "reading run %q", runID)
	}

	var err error
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return store.Run{}, false, pkgerrors.Wrap(err, "parsing started_at")
	}
	if r.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return store.Run{}, false, pkgerrors.Wrap(err, "parsing finished_at")
	}
	r.Status = store.RunStatus(status)
	r.Summary = summary
	return r, true, nil
}

// GetRunState reads the transient resume record for caseID.
func (b *Backend) GetRunState(ctx context.Context, caseID string) (store.RunState, bool, error) {
	value, ok, err := b.GetKV(ctx, store.LastRunStateKey(caseID))
	if err != nil || !ok {
		return store.RunState{}, false, err
	}

	var s store.RunState
	if err := json.Unmarshal([]byte(value), &s); err != nil {
		return store.RunState{}, false, pkgerrors.Wrapf(err, "decoding run state for %q", caseID)
	}
	return s, true, nil
}

// SetRunState persists the resume record for caseID.
func (b *Backend) SetRunState(ctx context.Context, caseID string, state store.RunState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return pkgerrors.Wrapf(err, "encoding run state for %q", caseID)
	}
	return b.SetKV(ctx, store.LastRunStateKey(caseID), string(data))
}

// ClearRunState removes the resume record for caseID.
func (b *Backend) ClearRunState(ctx context.Context, caseID string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM app_config_kv WHERE key = ?`, store.LastRunStateKey(caseID))
	if err != nil {
		return false, pkgerrors.Wrapf(err, "clearing run state for %q", caseID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, pkgerrors.Wrap(err, "reading rows affected")
	}
	return n > 0, nil
}
