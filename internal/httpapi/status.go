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
	"net/http"

	"github.com/tombee/extractord/internal/runcoord"
	"github.com/tombee/extractord/internal/store"
)

type caseRunStatus struct {
	CaseID    string `json:"caseId"`
	IsRunning bool   `json:"isRunning"`
	CanResume bool   `json:"canResume"`
	State     *store.RunState `json:"state,omitempty"`
}

type pipelineRunStatus struct {
	CanResume bool `json:"canResume"`
	RunID     string `json:"runId,omitempty"`
	Done      int  `json:"done"`
	Failed    int  `json:"failed"`
	Total     int  `json:"total"`
}

// handleRunStatus implements `GET /api/run-status`: a per-caseId shape
// when `?caseId=` is given, or a pipeline-wide resume summary otherwise.
func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if caseID := r.URL.Query().Get("caseId"); caseID != "" {
		_, isRunning := s.coord.Get(runcoord.CaseID(caseID))

		state, found, err := s.checkpoint.GetRunState(ctx, caseID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := caseRunStatus{CaseID: caseID, IsRunning: isRunning, CanResume: found && state.Status == "stopped"}
		if found {
			resp.State = &state
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	state, found, err := s.checkpoint.GetRunState(ctx, string(runcoord.CasePipe))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := pipelineRunStatus{CanResume: found && state.Status == "stopped"}
	if !found {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.RunID = state.RunID

	done, err := s.checkpoint.GetCompletedPaths(ctx, state.RunID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	failed, err := s.checkpoint.GetErrorPaths(ctx, state.RunID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pending, err := s.checkpoint.GetUnextractedFiles(ctx, store.FileFilter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp.Done = len(done)
	resp.Failed = len(failed)
	resp.Total = len(done) + len(failed) + len(pending)
	writeJSON(w, http.StatusOK, resp)
}

// handleActiveRuns implements `GET /api/active-runs`.
func (s *Server) handleActiveRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"activeRuns": s.admission.Active()})
}
