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

// GetKV reads a scalar app-config value.
func (b *Backend) GetKV(ctx context.Context, key string) (string, bool, error) {
	var value string
	switch err := b.db.QueryRowContext(ctx, `SELECT value FROM app_config_kv WHERE key = ?`, key).Scan(&value); err {
	case nil:
		return value, true, nil
	case sql.ErrNoRows:
		return "", false, nil
	default:
		return "", false, pkgerrors.Wrapf(err, "reading kv %q", key)
	}
}

// SetKV writes a scalar app-config value.
func (b *Backend) SetKV(ctx context.Context, key, value string) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO app_config_kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return pkgerrors.Wrapf(err, "writing kv %q", key)
	}
	return nil
}

// AppendSyncHistory appends one sync invocation's summary.
func (b *Backend) AppendSyncHistory(ctx context.Context, entry store.SyncHistoryEntry) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO sync_history (timestamp, synced, skipped, errors, brands, purchasers)
		VALUES (?, ?, ?, ?, ?, ?)
	`, formatTime(entry.Timestamp), entry.Synced, entry.Skipped, entry.Errors, joinCSV(entry.Brands), joinCSV(entry.Purchasers))
	if err != nil {
		return pkgerrors.Wrap(err, "appending sync history")
	}
	return nil
}

// ListSyncHistory returns the most recent sync history entries, newest first.
func (b *Backend) ListSyncHistory(ctx context.Context, limit int) ([]store.SyncHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := b.db.QueryContext(ctx, `
		SELECT timestamp, synced, skipped, errors, brands, purchasers
		FROM sync_history ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "listing sync history")
	}
	defer rows.Close()

	var out []store.SyncHistoryEntry
	for rows.Next() {
		var (
			e          store.SyncHistoryEntry
			timestamp  string
			brands     string
			purchasers string
		)
		if err := rows.Scan(&timestamp, &e.Synced, &e.Skipped, &e.Errors, &brands, &purchasers); err != nil {
			return nil, pkgerrors.Wrap(err, "scanning sync_history row")
		}
		t, err := parseTime(timestamp)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "parsing timestamp")
		}
		e.Timestamp = t
		e.Brands = splitCSV(brands)
		e.Purchasers = splitCSV(purchasers)
		out = append(out, e)
	}
	return out, rows.Err()
}
