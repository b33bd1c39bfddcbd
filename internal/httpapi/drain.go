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
	"encoding/json"
	"net/http"
	"time"

	"github.com/tombee/extractord/internal/apierr"
	"github.com/tombee/extractord/internal/runcoord"
)

// handleDrain implements `POST /api/drain`: stops admitting new runs
// while letting in-flight ones finish. Idempotent — calling it again
// while already draining is a no-op.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	s.coord.StartDraining()
	writeJSON(w, http.StatusOK, map[string]bool{"draining": true})
}

// handleHealth implements `GET /v1/health`: liveness plus schedule and
// active-run counts, for a load balancer or orchestrator probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"draining":   s.coord.IsDraining(),
		"uptime":     time.Since(s.startedAt).String(),
		"activeRuns": len(s.admission.Active()),
		"schedules":  s.dispatcher.ScheduleCount(),
	})
}

// handleRunLogs implements `GET /api/runs/{runId}/logs` for a run the
// coordinator still holds a reference to: a JSON snapshot of its current
// state (runId, caseId, status, origin, startedAt; no event list) or, with
// `Accept: text/event-stream`, an SSE feed of its replayed and live events.
// Runs that have already dropped out of the coordinator's in-memory table
// (the process restarted, or the run has finished, since the coordinator
// drops a run as soon as it finalizes) return 404 — no separate persisted
// log table exists for this
// daemon, since every terminal run summary is already captured by the
// checkpoint store's run-state and file-registry records.
func (s *Server) handleRunLogs(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	run, ok := s.coord.GetByRunID(runID)
	if !ok {
		writeError(w, http.StatusNotFound, apierr.NewNotFound("run %s not found (or no longer held in memory)", runID).Error())
		return
	}

	if r.Header.Get("Accept") == "text/event-stream" {
		s.streamRunLogsSSE(w, r, run)
		return
	}

	snap := run.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"runId":     snap.RunID,
		"caseId":    snap.CaseID,
		"status":    snap.Status,
		"origin":    snap.Origin,
		"startedAt": snap.StartedAt,
	})
}

func (s *Server) streamRunLogsSSE(w http.ResponseWriter, r *http.Request, run *runcoord.Run) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	events, unsub := run.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if _, err := w.Write([]byte("data: " + string(payload) + "\n\n")); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			if ev.Type == "report" || ev.Type == "error" {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
