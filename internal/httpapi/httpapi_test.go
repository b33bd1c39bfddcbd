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

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/extractord/internal/admission"
	"github.com/tombee/extractord/internal/crondispatch"
	"github.com/tombee/extractord/internal/extractapi"
	"github.com/tombee/extractord/internal/extractpool"
	"github.com/tombee/extractord/internal/middleware"
	"github.com/tombee/extractord/internal/objectstore"
	"github.com/tombee/extractord/internal/runcoord"
	"github.com/tombee/extractord/internal/store"
	"github.com/tombee/extractord/internal/store/sqlite"
	"github.com/tombee/extractord/internal/syncengine"
)

func newTestServer(t *testing.T, auth AuthConfig) (*Server, store.Backend) {
	t.Helper()
	backend, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	adm := admission.New()
	client := extractapi.NewFakeClient()

	coord := runcoord.New(runcoord.Deps{
		Checkpoint: backend,
		Admission:  adm,
		Objects:    objectstore.NewMemStore(),
		Extract:    client,
		Manifest:   syncengine.NewMemManifest(),
		StagingDir: t.TempDir(),
		PoolConfig: extractpool.Config{Concurrency: 1},
		Buckets:    func(params runcoord.Params) []syncengine.BucketConfig { return nil },
	})

	purchasers := func(brand string) []string { return []string{"p1"} }
	dispatcher := crondispatch.New(backend, adm, coord, purchasers)

	s := NewServer(backend, coord, adm, dispatcher, auth, middleware.CORSConfig{}, RateLimitConfig{})
	return s, backend
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestHandleRunStatus_UnknownCaseIDReportsNotRunning(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{})
	w := doJSON(t, s, http.MethodGet, "/api/run-status?caseId=PIPE", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp caseRunStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "PIPE", resp.CaseID)
	require.False(t, resp.IsRunning)
	require.False(t, resp.CanResume)
}

func TestHandleRunStatus_PipelineWideShapeWithoutCaseID(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{})
	w := doJSON(t, s, http.MethodGet, "/api/run-status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp pipelineRunStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.False(t, resp.CanResume)
}

func TestHandleActiveRuns_EmptyByDefault(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{})
	w := doJSON(t, s, http.MethodGet, "/api/active-runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"activeRuns":[]}`, w.Body.String())
}

func TestHandleRun_MissingCaseIDIsBadRequest(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{})
	w := doJSON(t, s, http.MethodPost, "/api/run", map[string]any{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRun_NamedRateLimitRejectsBurstAboveLimit(t *testing.T) {
	backend, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	adm := admission.New()
	coord := runcoord.New(runcoord.Deps{
		Checkpoint: backend,
		Admission:  adm,
		Objects:    objectstore.NewMemStore(),
		Extract:    extractapi.NewFakeClient(),
		Manifest:   syncengine.NewMemManifest(),
		StagingDir: t.TempDir(),
		PoolConfig: extractpool.Config{Concurrency: 1},
		Buckets:    func(params runcoord.Params) []syncengine.BucketConfig { return nil },
	})
	dispatcher := crondispatch.New(backend, adm, coord, func(string) []string { return nil })
	s := NewServer(backend, coord, adm, dispatcher, AuthConfig{}, middleware.CORSConfig{}, RateLimitConfig{
		Enabled: true, Global: "100/second", RunLimit: "1/day",
	})

	first := doJSON(t, s, http.MethodPost, "/api/run", map[string]any{"caseId": "BOGUS"})
	require.Equal(t, http.StatusBadRequest, first.Code, "the first request still consumes the one allowed token but is rejected on its own merits")

	second := doJSON(t, s, http.MethodPost, "/api/run", map[string]any{"caseId": "BOGUS"})
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	require.Equal(t, "1", second.Header().Get("Retry-After"))
}

func TestHandleRun_UnknownCaseIDIsBadRequest(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{})
	w := doJSON(t, s, http.MethodPost, "/api/run", map[string]any{"caseId": "BOGUS"})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleRun_StreamsNDJSONEventsToCompletion(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{})
	w := doJSON(t, s, http.MethodPost, "/api/run", map[string]any{"caseId": "SYNC", "tenant": "acme"})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))

	lines := bytes.Split(bytes.TrimSpace(w.Body.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)

	var first runcoord.Event
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.Equal(t, "run_id", first.Type)

	// This SYNC run has no buckets configured, so execute() can finish
	// (and publish every event) before handleRun ever reaches
	// Subscribe() — without event replay this would hang forever instead
	// of returning, since the stream's only other exit is client
	// disconnect. The test having completed at all, plus seeing the
	// terminal event, is the regression assertion.
	var last runcoord.Event
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &last))
	require.Equal(t, "report", last.Type)
}

func TestHandleStop_UnknownCaseIDIsNotFound(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{})
	w := doJSON(t, s, http.MethodPost, "/api/stop", map[string]any{"caseId": "PIPE"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestScheduleCRUD_CreateListUpdateDelete(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{})

	w := doJSON(t, s, http.MethodPost, "/api/schedules", map[string]any{
		"brands": []string{"acme"}, "purchasers": []string{"p1"}, "cron": "0 9 * * *", "timezone": "UTC",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var created store.Schedule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	w = doJSON(t, s, http.MethodGet, "/api/schedules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listResp struct {
		Schedules []store.Schedule `json:"schedules"`
		Timezones []string         `json:"timezones"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listResp))
	require.Len(t, listResp.Schedules, 1)
	require.NotEmpty(t, listResp.Timezones)

	w = doJSON(t, s, http.MethodPost, "/api/schedules", map[string]any{
		"brands": []string{"acme"}, "purchasers": []string{"p1"}, "cron": "0 9 * * *", "timezone": "UTC",
	})
	require.Equal(t, http.StatusBadRequest, w.Code, "duplicate (cron,timezone) must be rejected")

	req := httptest.NewRequest(http.MethodPut, "/api/schedules/"+created.ID, bytes.NewBufferString(
		`{"brands":["acme"],"purchasers":["p1","p2"],"cron":"5 10 * * *","timezone":"UTC"}`))
	w = httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/schedules/"+created.ID, nil)
	w = httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodDelete, "/api/schedules/"+created.ID, nil)
	w = httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestScheduleCreate_RejectsInvalidCron(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{})
	w := doJSON(t, s, http.MethodPost, "/api/schedules", map[string]any{
		"brands": []string{"acme"}, "cron": "bogus", "timezone": "UTC",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleScheduleLog_EmptyByDefault(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{})
	w := doJSON(t, s, http.MethodGet, "/api/schedule-log?page=1&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestEmailConfig_RoundTrip(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{})

	w := doJSON(t, s, http.MethodGet, "/api/email-config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{}`, w.Body.String())

	w = doJSON(t, s, http.MethodPost, "/api/email-config", map[string]any{"to": "ops@example.com"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/email-config", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"to":"ops@example.com"}`, w.Body.String())
}

func TestHandleClearRunState_NotFoundWhenUnset(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{})
	w := doJSON(t, s, http.MethodPost, "/api/clear-run-state", map[string]any{"caseId": "PIPE"})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleClearRunState_ClearsExistingState(t *testing.T) {
	s, backend := newTestServer(t, AuthConfig{})
	require.NoError(t, backend.SetRunState(t.Context(), "PIPE", store.RunState{Status: "stopped", RunID: "RUN1"}))

	w := doJSON(t, s, http.MethodPost, "/api/clear-run-state", map[string]any{"caseId": "PIPE"})
	require.Equal(t, http.StatusOK, w.Code)

	_, found, err := backend.GetRunState(t.Context(), "PIPE")
	require.NoError(t, err)
	require.False(t, found)
}

func TestRequireAuth_RejectsMissingBearerToken(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{Enabled: true, Token: "secret"})
	w := doJSON(t, s, http.MethodPost, "/api/schedules", map[string]any{"cron": "0 9 * * *", "timezone": "UTC"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAuth_AcceptsValidBearerToken(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{Enabled: true, Token: "secret"})
	req := httptest.NewRequest(http.MethodPost, "/api/schedules", bytes.NewBufferString(
		`{"brands":["acme"],"purchasers":["p1"],"cron":"0 9 * * *","timezone":"UTC"}`))
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleHealth_ReportsLiveAndNotDraining(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{})
	w := doJSON(t, s, http.MethodGet, "/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp["status"])
	require.Equal(t, false, resp["draining"])
}

func TestHandleDrain_StopsAdmittingNewRuns(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{})

	w := doJSON(t, s, http.MethodPost, "/api/drain", nil)
	require.Equal(t, http.StatusOK, w.Code)

	health := doJSON(t, s, http.MethodGet, "/v1/health", nil)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(health.Body.Bytes(), &resp))
	require.Equal(t, true, resp["draining"])

	run := doJSON(t, s, http.MethodPost, "/api/run", map[string]any{"caseId": "PIPE"})
	require.Equal(t, http.StatusServiceUnavailable, run.Code)
}

func TestHandleRunLogs_UnknownRunIsNotFound(t *testing.T) {
	s, _ := newTestServer(t, AuthConfig{})
	w := doJSON(t, s, http.MethodGet, "/api/runs/RUN999/logs", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

// blockingObjects holds a SYNC run's List call open until release is
// closed, so a concurrent request can observe the run while in flight.
type blockingObjects struct {
	inner   objectstore.Client
	started chan struct{}
	release chan struct{}
}

func (b *blockingObjects) List(ctx context.Context, bucket, prefix string) ([]objectstore.Object, error) {
	close(b.started)
	<-b.release
	return b.inner.List(ctx, bucket, prefix)
}

func (b *blockingObjects) Get(ctx context.Context, bucket, key string) (io.ReadCloser, string, int64, error) {
	return b.inner.Get(ctx, bucket, key)
}

func TestHandleRunLogs_JSONSnapshotForInFlightRun(t *testing.T) {
	backend, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	adm := admission.New()
	blocking := &blockingObjects{inner: objectstore.NewMemStore(), started: make(chan struct{}), release: make(chan struct{})}
	coord := runcoord.New(runcoord.Deps{
		Checkpoint: backend,
		Admission:  adm,
		Objects:    blocking,
		Extract:    extractapi.NewFakeClient(),
		Manifest:   syncengine.NewMemManifest(),
		StagingDir: t.TempDir(),
		PoolConfig: extractpool.Config{Concurrency: 1},
		Buckets:    func(params runcoord.Params) []syncengine.BucketConfig { return nil },
	})
	dispatcher := crondispatch.New(backend, adm, coord, func(string) []string { return nil })
	s := NewServer(backend, coord, adm, dispatcher, AuthConfig{}, middleware.CORSConfig{}, RateLimitConfig{})

	run, err := coord.Start(t.Context(), runcoord.CaseSync, runcoord.Params{Tenant: "acme"}, store.OriginManual, "")
	require.NoError(t, err)
	<-blocking.started

	w := doJSON(t, s, http.MethodGet, "/api/runs/"+run.RunID+"/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, run.RunID, resp["runId"])
	require.Equal(t, "running", resp["status"])

	close(blocking.release)
}
