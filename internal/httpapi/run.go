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
	"io"
	"net/http"

	"github.com/tombee/extractord/internal/apierr"
	"github.com/tombee/extractord/internal/runcoord"
	"github.com/tombee/extractord/internal/store"
)

const maxRunBodyBytes = 1 << 20 // 1MB cap, per spec's start-handler body limit.

type runRequest struct {
	CaseID       string                     `json:"caseId"`
	SyncLimit    int                        `json:"syncLimit,omitempty"`
	ExtractLimit int                        `json:"extractLimit,omitempty"`
	Tenant       string                     `json:"tenant,omitempty"`
	Purchaser    string                     `json:"purchaser,omitempty"`
	Pairs        []store.BrandPurchaserPair `json:"pairs,omitempty"`
	RetryFailed  bool                       `json:"retryFailed,omitempty"`
}

// handleRun implements `POST /api/run`: starts a run and streams its
// events back as NDJSON, one JSON object per line, never buffering more
// than one event at a time (spec §4.7).
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRunBodyBytes)

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.CaseID == "" {
		writeError(w, http.StatusBadRequest, "caseId is required")
		return
	}

	run, err := s.coord.Start(r.Context(), runcoord.CaseID(req.CaseID), runcoord.Params{
		SyncLimit: req.SyncLimit, ExtractLimit: req.ExtractLimit,
		Tenant: req.Tenant, Purchaser: req.Purchaser, Pairs: req.Pairs, RetryFailed: req.RetryFailed,
	}, store.OriginManual, "")
	if err != nil {
		status := apierr.HTTPStatus(err)
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "10")
		}
		writeError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	// Subscribe replays whatever Start already published (at minimum
	// run_id, possibly progress/report/error too if execute() finished
	// before this handler reached here), so no event started before this
	// line can be missed.
	events, unsub := run.Subscribe()
	defer unsub()

	ctx := r.Context()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			if ev.Type == "report" || ev.Type == "error" {
				return
			}
		case <-ctx.Done():
			// Client disconnected: cooperatively cancel the run rather
			// than leave it running unobserved.
			s.coord.Stop(run.CaseID)
			return
		}
	}
}

// handleStop implements `POST /api/stop`.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRunBodyBytes)
	var req struct {
		CaseID string `json:"caseId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.CaseID == "" {
		writeError(w, http.StatusBadRequest, "caseId is required")
		return
	}
	if !s.coord.Stop(runcoord.CaseID(req.CaseID)) {
		writeError(w, http.StatusNotFound, "no in-flight run for caseId "+req.CaseID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
