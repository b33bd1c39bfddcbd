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

	"github.com/tombee/extractord/internal/apierr"
	"github.com/tombee/extractord/internal/store"
	pkgerrors "github.com/tombee/extractord/pkg/errors"
)

// CreateSchedule inserts a new schedule. The (cron, timezone) unique index
// enforces invariant 4; a conflict is surfaced as a ValidationError so the
// control-plane API can return the documented 400.
func (b *Backend) CreateSchedule(ctx context.Context, sched store.Schedule) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO schedules (id, created_at, brands, purchasers, cron, timezone)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sched.ID, formatTime(sched.CreatedAt), joinCSV(sched.Brands), joinCSV(sched.Purchasers), sched.Cron, sched.Timezone)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return apierr.NewValidation("a schedule for this time and timezone already exists")
		}
		return pkgerrors.Wrapf(err, "creating schedule %q", sched.ID)
	}
	return nil
}

// UpdateSchedule replaces an existing schedule's fields.
func (b *Backend) UpdateSchedule(ctx context.Context, sched store.Schedule) error {
	res, err := b.db.ExecContext(ctx, `
		UPDATE schedules SET brands = ?, purchasers = ?, cron = ?, timezone = ?
		WHERE id = ?
	`, joinCSV(sched.Brands), joinCSV(sched.Purchasers), sched.Cron, sched.Timezone, sched.ID)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return apierr.NewValidation("a schedule for this time and timezone already exists")
		}
		return pkgerrors.Wrapf(err, "updating schedule %q", sched.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return pkgerrors.Wrap(err, "reading rows affected")
	}
	if n == 0 {
		return apierr.NewNotFound("schedule %q not found", sched.ID)
	}
	return nil
}

// DeleteSchedule removes a schedule by id.
func (b *Backend) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return false, pkgerrors.Wrapf(err, "deleting schedule %q", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, pkgerrors.Wrap(err, "reading rows affected")
	}
	return n > 0, nil
}

// GetSchedule returns a schedule by id.
func (b *Backend) GetSchedule(ctx context.Context, id string) (store.Schedule, bool, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT id, created_at, brands, purchasers, cron, timezone FROM schedules WHERE id = ?
	`, id)
	return scanSchedule(row)
}

// ListSchedules returns every schedule.
func (b *Backend) ListSchedules(ctx context.Context) ([]store.Schedule, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT id, created_at, brands, purchasers, cron, timezone FROM schedules ORDER BY created_at
	`)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "listing schedules")
	}
	defer rows.Close()

	var out []store.Schedule
	for rows.Next() {
		sched, _, err := scanScheduleRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

func scanSchedule(row *sql.Row) (store.Schedule, bool, error) {
	var (
		s          store.Schedule
		createdAt  string
		brands     string
		purchasers string
	)
	switch err := row.Scan(&s.ID, &createdAt, &brands, &purchasers, &s.Cron, &s.Timezone); err {
	case nil:
	case sql.ErrNoRows:
		return store.Schedule{}, false, nil
	default:
		return store.Schedule{}, false, pkgerrors.Wrap(err, "scanning schedule row")
	}

	t, err := parseTime(createdAt)
	if err != nil {
		return store.Schedule{}, false, pkgerrors.Wrap(err, "parsing created_at")
	}
	s.CreatedAt = t
	s.Brands = splitCSV(brands)
	s.Purchasers = splitCSV(purchasers)
	return s, true, nil
}

func scanScheduleRows(rows *sql.Rows) (store.Schedule, bool, error) {
	var (
		s          store.Schedule
		createdAt  string
		brands     string
		purchasers string
	)
	if err := rows.Scan(&s.ID, &createdAt, &brands, &purchasers, &s.Cron, &s.Timezone); err != nil {
		return store.Schedule{}, false, pkgerrors.Wrap(err, "scanning schedule row")
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return store.Schedule{}, false, pkgerrors.Wrap(err, "parsing created_at")
	}
	s.CreatedAt = t
	s.Brands = splitCSV(brands)
	s.Purchasers = splitCSV(purchasers)
	return s, true, nil
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "UNIQUE CONSTRAINT")
}

// AppendScheduleAudit appends a tick-attempt audit entry. Per spec §4.1,
// audit-log write failures must never fail the calling operation — callers
// should wrap the returned error in apierr.AuditFailure and swallow it.
func (b *Backend) AppendScheduleAudit(ctx context.Context, entry store.ScheduleAuditEntry) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO schedule_audit (timestamp, schedule_id, outcome, level, message, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, formatTime(entry.Timestamp), entry.ScheduleID, string(entry.Outcome), string(entry.Level), entry.Message, nullBytes(entry.Data))
	if err != nil {
		return pkgerrors.Wrapf(err, "appending schedule audit for %q", entry.ScheduleID)
	}
	return nil
}

// ListScheduleAudit returns a page of audit entries, most recent first,
// and the total row count.
func (b *Backend) ListScheduleAudit(ctx context.Context, page, limit int) ([]store.ScheduleAuditEntry, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	var total int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedule_audit`).Scan(&total); err != nil {
		return nil, 0, pkgerrors.Wrap(err, "counting schedule_audit rows")
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT timestamp, schedule_id, outcome, level, message, data
		FROM schedule_audit ORDER BY id DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, 0, pkgerrors.Wrap(err, "listing schedule_audit")
	}
	defer rows.Close()

	var out []store.ScheduleAuditEntry
	for rows.Next() {
		var (
			e         store.ScheduleAuditEntry
			timestamp string
			outcome   string
			level     string
			data      []byte
		)
		if err := rows.Scan(&timestamp, &e.ScheduleID, &outcome, &level, &e.Message, &data); err != nil {
			return nil, 0, pkgerrors.Wrap(err, "scanning schedule_audit row")
		}
		t, err := parseTime(timestamp)
		if err != nil {
			return nil, 0, pkgerrors.Wrap(err, "parsing timestamp")
		}
		e.Timestamp = t
		e.Outcome = store.ScheduleAuditOutcome(outcome)
		e.Level = store.AuditLevel(level)
		e.Data = data
		out = append(out, e)
	}
	return out, total, rows.Err()
}
