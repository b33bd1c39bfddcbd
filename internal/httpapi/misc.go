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
)

// notificationConfigKV is the AppConfigKV key backing the email-config
// endpoints. Its value is an opaque JSON blob the core never interprets:
// notification templating is an external collaborator (spec §1).
const notificationConfigKV = "notification_config"

// handleGetEmailConfig implements `GET /api/email-config`: a KV
// pass-through, returning `{}` when nothing has been set yet.
func (s *Server) handleGetEmailConfig(w http.ResponseWriter, r *http.Request) {
	value, found, err := s.checkpoint.GetKV(r.Context(), notificationConfigKV)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, json.RawMessage("{}"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(value))
}

// handleSetEmailConfig implements `POST /api/email-config`: stores the
// request body verbatim as the notification config blob.
func (s *Server) handleSetEmailConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRunBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	var probe json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if err := s.checkpoint.SetKV(r.Context(), notificationConfigKV, string(body)); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleClearRunState implements `POST /api/clear-run-state`.
func (s *Server) handleClearRunState(w http.ResponseWriter, r *http.Request) {
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
	cleared, err := s.checkpoint.ClearRunState(r.Context(), req.CaseID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !cleared {
		writeError(w, http.StatusNotFound, "no resume state for caseId "+req.CaseID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
