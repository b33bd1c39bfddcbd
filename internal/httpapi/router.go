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

// Package httpapi implements the control-plane HTTP API (C9): the
// run-invocation, status, schedule-CRUD, and KV-passthrough surface of
// spec §6, backed by the run coordinator (C6), admission controller
// (C7), and checkpoint store (C1).
package httpapi

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tombee/extractord/internal/admission"
	"github.com/tombee/extractord/internal/authn"
	"github.com/tombee/extractord/internal/crondispatch"
	"github.com/tombee/extractord/internal/middleware"
	"github.com/tombee/extractord/internal/runcoord"
	"github.com/tombee/extractord/internal/store"
	"github.com/tombee/extractord/internal/tracing"
)

// AuthConfig optionally gates mutating routes behind a bearer token.
type AuthConfig struct {
	Enabled bool
	Token   string
}

// RateLimitConfig throttles the control plane. Global applies per client
// (the X-User-ID header, else the remote address) across every route; RunLimit is a tighter named limit applied
// only to POST /api/run. Both are "count/period" strings (e.g. "20/second"),
// parsed via authn.ParseRateLimit.
type RateLimitConfig struct {
	Enabled  bool
	Global   string
	RunLimit string
}

// Server wires the checkpoint store, run coordinator, admission
// controller, and cron dispatcher into one http.Handler.
type Server struct {
	checkpoint store.Backend
	coord      *runcoord.Coordinator
	admission  *admission.Controller
	dispatcher *crondispatch.Dispatcher
	auth       AuthConfig
	bearer     *authn.BearerAuthenticator
	rateLimit  RateLimitConfig
	named      *authn.NamedRateLimiter
	logger     *slog.Logger
	startedAt  time.Time

	mux     *http.ServeMux
	handler http.Handler
}

// NewServer builds the control-plane HTTP server.
func NewServer(checkpoint store.Backend, coord *runcoord.Coordinator, adm *admission.Controller, dispatcher *crondispatch.Dispatcher, auth AuthConfig, cors middleware.CORSConfig, rateLimit RateLimitConfig) *Server {
	s := &Server{
		checkpoint: checkpoint,
		coord:      coord,
		admission:  adm,
		dispatcher: dispatcher,
		auth:       auth,
		bearer:     authn.NewBearerAuthenticator(),
		rateLimit:  rateLimit,
		named:      authn.NewNamedRateLimiter(),
		logger:     slog.Default().With(slog.String("component", "httpapi")),
		startedAt:  time.Now(),
		mux:        http.NewServeMux(),
	}
	s.routes()

	global := authn.NewRateLimiter(authn.RateLimitConfig{Enabled: false})
	if rateLimit.Enabled {
		rps, burst, err := authn.ParseRateLimit(rateLimit.Global)
		if err == nil {
			global = authn.NewRateLimiter(authn.RateLimitConfig{Enabled: true, RequestsPerSecond: rps, BurstSize: burst})
		}
		if rateLimit.RunLimit != "" {
			if err := s.named.AddLimit("run", rateLimit.RunLimit); err != nil {
				s.logger.Warn("ignoring invalid run rate limit", slog.String("limit", rateLimit.RunLimit), slog.Any("error", err))
			}
		}
	}

	var handler http.Handler = s.mux
	handler = tracing.CorrelationMiddleware(handler)
	handler = global.Middleware(handler)
	handler = middleware.CORS(cors)(handler)
	handler = requestLogging(s.logger)(handler)
	s.handler = handler
	return s
}

// ServeHTTP implements http.Handler, running requests through the full
// middleware chain (request logging, then CORS, then the global rate
// limit, then correlation IDs) before routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/run", s.rateLimitNamed("run", s.handleRun))
	s.mux.HandleFunc("POST /api/stop", s.handleStop)
	s.mux.HandleFunc("GET /api/run-status", s.handleRunStatus)
	s.mux.HandleFunc("GET /api/active-runs", s.handleActiveRuns)
	s.mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	s.mux.HandleFunc("POST /api/schedules", s.requireAuth(s.handleCreateSchedule))
	s.mux.HandleFunc("PUT /api/schedules/{id}", s.requireAuth(s.handleUpdateSchedule))
	s.mux.HandleFunc("DELETE /api/schedules/{id}", s.requireAuth(s.handleDeleteSchedule))
	s.mux.HandleFunc("GET /api/schedule-log", s.handleScheduleLog)
	s.mux.HandleFunc("GET /api/email-config", s.handleGetEmailConfig)
	s.mux.HandleFunc("POST /api/email-config", s.requireAuth(s.handleSetEmailConfig))
	s.mux.HandleFunc("POST /api/clear-run-state", s.requireAuth(s.handleClearRunState))
	s.mux.HandleFunc("POST /api/drain", s.requireAuth(s.handleDrain))
	s.mux.HandleFunc("GET /v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/runs/{runId}/logs", s.handleRunLogs)
}

// rateLimitNamed wraps a handler with a named rate limit when rate
// limiting is enabled and a limit was registered for name; it is a no-op
// otherwise, matching requireAuth's disabled-is-a-no-op convention.
// Successful requests get the remaining-capacity headers CORS already
// exposes (X-RateLimit-*); throttled requests get 429 plus Retry-After.
func (s *Server) rateLimitNamed(name string, next http.HandlerFunc) http.HandlerFunc {
	if !s.rateLimit.Enabled {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.named.Allow(name) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, fmt.Sprintf("rate limit exceeded for %q", name))
			return
		}
		if remaining, limit, resetAt, ok := s.named.GetStatus(name); ok {
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))
		}
		next(w, r)
	}
}

// requireAuth wraps a handler with bearer-token validation when auth is
// enabled, per spec §6's optional admin-endpoint gate. A disabled config
// is a no-op, matching middleware.CORS's same convention.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	if !s.auth.Enabled {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.bearer.Authenticate(r, s.auth.Token); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next(w, r)
	}
}
