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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tombee/extractord/internal/crondispatch"
	"github.com/tombee/extractord/internal/store"
	"github.com/tombee/extractord/pkg/ids"
)

type scheduleRequest struct {
	Brands     []string `json:"brands"`
	Purchasers []string `json:"purchasers"`
	Cron       string   `json:"cron"`
	Timezone   string   `json:"timezone"`
}

// handleListSchedules implements `GET /api/schedules`.
func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.checkpoint.ListSchedules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedules": scheds,
		"timezones": crondispatch.AllowedTimezones,
	})
}

// handleCreateSchedule implements `POST /api/schedules`.
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if err := s.checkDuplicateSchedule(r.Context(), "", req.Cron, req.Timezone); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, _, err := crondispatch.ValidateSchedule(req.Cron, req.Timezone); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sched := store.Schedule{
		ID: ids.NewScheduleID(), CreatedAt: time.Now().UTC(),
		Brands: req.Brands, Purchasers: req.Purchasers, Cron: req.Cron, Timezone: req.Timezone,
	}
	if err := s.checkpoint.CreateSchedule(r.Context(), sched); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.dispatcher.Register(sched); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

// handleUpdateSchedule implements `PUT /api/schedules/{id}`.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	existing, found, err := s.checkpoint.GetSchedule(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "unknown schedule id "+id)
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	if err := s.checkDuplicateSchedule(r.Context(), id, req.Cron, req.Timezone); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, _, err := crondispatch.ValidateSchedule(req.Cron, req.Timezone); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing.Brands, existing.Purchasers, existing.Cron, existing.Timezone = req.Brands, req.Purchasers, req.Cron, req.Timezone
	if err := s.checkpoint.UpdateSchedule(r.Context(), existing); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.dispatcher.Register(existing); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, existing)
}

// handleDeleteSchedule implements `DELETE /api/schedules/{id}`.
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ok, err := s.checkpoint.DeleteSchedule(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "unknown schedule id "+id)
		return
	}
	s.dispatcher.Unregister(id)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// checkDuplicateSchedule enforces the "for any two distinct schedules,
// (cron, timezone) must differ" invariant, excluding excludeID (the
// schedule being updated, if any).
func (s *Server) checkDuplicateSchedule(ctx context.Context, excludeID, cron, timezone string) error {
	scheds, err := s.checkpoint.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for _, sched := range scheds {
		if sched.ID == excludeID {
			continue
		}
		if sched.Cron == cron && sched.Timezone == timezone {
			return fmt.Errorf("a schedule for this time and timezone already exists")
		}
	}
	return nil
}

// handleScheduleLog implements `GET /api/schedule-log?page=&limit=`.
func (s *Server) handleScheduleLog(w http.ResponseWriter, r *http.Request) {
	page := intQuery(r, "page", 1)
	limit := intQuery(r, "limit", 50)

	entries, total, err := s.checkpoint.ListScheduleAudit(r.Context(), page, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries, "total": total, "page": page, "limit": limit,
	})
}

func intQuery(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
