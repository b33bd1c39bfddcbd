package sqlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/extractord/internal/store"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestRegisterFiles_InsertThenUpdate_PreservesRegisteredAt(t *testing.T) {
	b := newTestBackend(t)
	ctx := t.Context()

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, b.RegisterFiles(ctx, []store.FileRegistryEntry{{
		RelativePath: "acme/p1/invoice.pdf",
		FullPath:     "/staging/acme/p1/invoice.pdf",
		Brand:        "acme",
		Purchaser:    "p1",
		Size:         100,
		ETag:         "etag1",
		SyncedAt:     first,
		RegisteredAt: first,
	}}))

	second := first.Add(24 * time.Hour)
	require.NoError(t, b.RegisterFiles(ctx, []store.FileRegistryEntry{{
		RelativePath: "acme/p1/invoice.pdf",
		FullPath:     "/staging/acme/p1/invoice.pdf",
		Brand:        "acme",
		Purchaser:    "p1",
		Size:         200,
		ETag:         "etag2",
		SyncedAt:     second,
		RegisteredAt: second, // should be ignored; registeredAt is insert-only
	}}))

	got, err := b.GetUnextractedFiles(ctx, store.FileFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(200), got[0].Size)
	require.Equal(t, "etag2", got[0].ETag)
	require.True(t, got[0].RegisteredAt.Equal(first), "registeredAt should be preserved across updates")
}

func TestPathNormalization_RoundTrips(t *testing.T) {
	b := newTestBackend(t)
	ctx := t.Context()

	now := time.Now()
	for _, raw := range []string{`\a\b\c`, "/a/b/c", "a/b/c"} {
		require.NoError(t, b.RegisterFiles(ctx, []store.FileRegistryEntry{{
			RelativePath: raw,
			FullPath:     "/staging/a/b/c",
			Brand:        "acme",
			Purchaser:    "p1",
			SyncedAt:     now,
			RegisteredAt: now,
		}}))
	}

	got, err := b.GetUnextractedFiles(ctx, store.FileFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1, "all three raw forms should normalize to the same stored row")
	require.Equal(t, "a/b/c", got[0].RelativePath)
}

func TestUpsertRecord_UpdatesFileRegistryAtomically(t *testing.T) {
	b := newTestBackend(t)
	ctx := t.Context()

	now := time.Now()
	require.NoError(t, b.RegisterFiles(ctx, []store.FileRegistryEntry{{
		RelativePath: "acme/p1/a.pdf",
		FullPath:     "/staging/acme/p1/a.pdf",
		Brand:        "acme",
		Purchaser:    "p1",
		SyncedAt:     now,
		RegisteredAt: now,
	}}))

	runID, err := b.StartNewRun(ctx)
	require.NoError(t, err)
	require.Equal(t, "RUN1", runID)

	finishedAt := now.Add(time.Second)
	require.NoError(t, b.UpsertRecord(ctx, store.ExtractionRecord{
		RunID:        runID,
		RelativePath: "acme/p1/a.pdf",
		Status:       store.ExtractDone,
		StartedAt:    now,
		FinishedAt:   &finishedAt,
		StatusCode:   200,
		PatternKey:   "P1",
	}))

	unextracted, err := b.GetUnextractedFiles(ctx, store.FileFilter{})
	require.NoError(t, err)
	require.Empty(t, unextracted, "file should no longer be unextracted after a done record")

	completed, err := b.GetCompletedPaths(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, []string{"acme/p1/a.pdf"}, completed)

	errored, err := b.GetErrorPaths(ctx, runID)
	require.NoError(t, err)
	require.Empty(t, errored, "GetErrorPaths must be disjoint from GetCompletedPaths")
}

func TestStartNewRun_SequencesAcrossCalls(t *testing.T) {
	b := newTestBackend(t)
	ctx := t.Context()

	first, err := b.StartNewRun(ctx)
	require.NoError(t, err)
	second, err := b.StartNewRun(ctx)
	require.NoError(t, err)

	require.Equal(t, "RUN1", first)
	require.Equal(t, "RUN2", second)
}

func TestMarkRunCompleted_SetsFinishedAtAndStatus(t *testing.T) {
	b := newTestBackend(t)
	ctx := t.Context()

	runID, err := b.StartNewRun(ctx)
	require.NoError(t, err)

	require.NoError(t, b.MarkRunCompleted(ctx, runID))

	run, ok, err := b.GetRun(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.RunDone, run.Status)
	require.NotNil(t, run.FinishedAt)

	completed, ok, err := b.GetKV(ctx, store.KeyLastRunCompleted)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, runID, completed)
}

func TestRunState_SetGetClear(t *testing.T) {
	b := newTestBackend(t)
	ctx := t.Context()

	_, ok, err := b.GetRunState(ctx, "PIPE")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.SetRunState(ctx, "PIPE", store.RunState{Status: "stopped", RunID: "RUN1"}))

	state, ok, err := b.GetRunState(ctx, "PIPE")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "RUN1", state.RunID)

	cleared, err := b.ClearRunState(ctx, "PIPE")
	require.NoError(t, err)
	require.True(t, cleared)

	_, ok, err = b.GetRunState(ctx, "PIPE")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCreateSchedule_DuplicateCronTimezoneRejected(t *testing.T) {
	b := newTestBackend(t)
	ctx := t.Context()

	sched := store.Schedule{
		ID: "sched-1", CreatedAt: time.Now(),
		Brands: []string{"acme"}, Purchasers: []string{"p1"},
		Cron: "0 9 * * *", Timezone: "UTC",
	}
	require.NoError(t, b.CreateSchedule(ctx, sched))

	dup := sched
	dup.ID = "sched-2"
	err := b.CreateSchedule(ctx, dup)
	require.Error(t, err)
}

func TestScheduleCRUD(t *testing.T) {
	b := newTestBackend(t)
	ctx := t.Context()

	sched := store.Schedule{
		ID: "sched-1", CreatedAt: time.Now(),
		Brands: []string{"acme"}, Purchasers: []string{"p1"},
		Cron: "30 9 * * *", Timezone: "UTC",
	}
	require.NoError(t, b.CreateSchedule(ctx, sched))

	got, ok, err := b.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sched.Cron, got.Cron)

	got.Timezone = "Asia/Kolkata"
	require.NoError(t, b.UpdateSchedule(ctx, got))

	got2, _, err := b.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	require.Equal(t, "Asia/Kolkata", got2.Timezone)

	deleted, err := b.DeleteSchedule(ctx, "sched-1")
	require.NoError(t, err)
	require.True(t, deleted)

	_, ok, err = b.GetSchedule(ctx, "sched-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScheduleAudit_AppendAndList(t *testing.T) {
	b := newTestBackend(t)
	ctx := t.Context()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.AppendScheduleAudit(ctx, store.ScheduleAuditEntry{
			Timestamp:  time.Now(),
			ScheduleID: "sched-1",
			Outcome:    store.AuditExecuted,
			Level:      store.AuditInfo,
			Message:    "scheduled job started",
		}))
	}

	entries, total, err := b.ListScheduleAudit(ctx, 1, 2)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, entries, 2)
}
