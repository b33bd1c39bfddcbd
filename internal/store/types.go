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

// Package store defines the checkpoint store's data model and contract.
// It owns every persisted row in the pipeline: file registry, per-run
// extraction records, run lifecycle, schedules, sync history, audit logs,
// and key-value app state. All other components mutate this state only
// through the Backend interface.
package store

import "time"

// ExtractStatus is the lifecycle state of a staged file's extraction.
type ExtractStatus string

const (
	ExtractPending ExtractStatus = "pending"
	ExtractRunning ExtractStatus = "running"
	ExtractDone    ExtractStatus = "done"
	ExtractError   ExtractStatus = "error"
	ExtractSkipped ExtractStatus = "skipped"
)

// RunStatus is the lifecycle state of a Run row.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunDone    RunStatus = "done"
	RunError   RunStatus = "error"
)

// RunOrigin distinguishes manually-invoked runs from cron-fired ones.
type RunOrigin string

const (
	OriginManual    RunOrigin = "manual"
	OriginScheduled RunOrigin = "scheduled"
)

// ScheduleAuditOutcome is the result of one cron tick attempt.
type ScheduleAuditOutcome string

const (
	AuditExecuted ScheduleAuditOutcome = "executed"
	AuditSkipped  ScheduleAuditOutcome = "skipped"
)

// AuditLevel is the severity of a ScheduleAuditEntry.
type AuditLevel string

const (
	AuditInfo  AuditLevel = "info"
	AuditWarn  AuditLevel = "warn"
	AuditError AuditLevel = "error"
)

// FileRegistryEntry is one row per unique staged object. relativePath is
// its primary identity: forward-slash separated, no leading slash.
type FileRegistryEntry struct {
	RelativePath  string
	FullPath      string
	Brand         string
	Purchaser     string
	Size          int64
	ETag          string
	SHA256        string
	SyncedAt      time.Time
	RegisteredAt  time.Time
	ExtractStatus ExtractStatus
	ExtractedAt   *time.Time
	LastRunID     string
}

// ExtractionRecord is one row per (runId, relativePath) attempt result.
type ExtractionRecord struct {
	RunID        string
	RelativePath string
	FilePath     string
	Brand        string
	Purchaser    string
	Status       ExtractStatus
	StartedAt    time.Time
	FinishedAt   *time.Time
	LatencyMs    int64
	StatusCode   int
	ErrorMessage string
	PatternKey   string
	FullResponse []byte // opaque JSON-shaped blob of the API response
}

// Run is one row per run.
type Run struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	Summary    []byte // opaque metrics blob, JSON-encoded
}

// Schedule is a user-defined recurring trigger.
type Schedule struct {
	ID         string
	CreatedAt  time.Time
	Brands     []string
	Purchasers []string
	Cron       string // restricted form "M H * * *"
	Timezone   string // from the fixed allow-list
}

// SyncHistoryEntry is one row per sync invocation.
type SyncHistoryEntry struct {
	Timestamp  time.Time
	Synced     int
	Skipped    int
	Errors     int
	Brands     []string
	Purchasers []string
}

// ScheduleAuditEntry is one row per schedule tick attempt.
type ScheduleAuditEntry struct {
	Timestamp  time.Time
	ScheduleID string
	Outcome    ScheduleAuditOutcome
	Level      AuditLevel
	Message    string
	Data       []byte // opaque JSON-shaped detail blob
}

// RunState is the transient resume record persisted under
// last_run_state:{caseId} in AppConfigKV (see LastRunStateKey).
type RunState struct {
	Status string // "running" | "stopped"
	RunID  string
}

// Well-known AppConfigKV keys.
const (
	KeyLastRunNumber     = "last_run_number"
	KeyCurrentRunID      = "current_run_id"
	KeyLastRunCompleted  = "last_run_completed"
	KeyNotificationConfig = "notification_config"
)

// LastRunStateKey returns the AppConfigKV key holding the RunState for
// the given caseId.
func LastRunStateKey(caseID string) string {
	return "last_run_state:" + caseID
}

// FileFilter narrows GetUnextractedFiles/GetFailedFiles to a scope.
type FileFilter struct {
	Brand     string
	Purchaser string
	Pairs     []BrandPurchaserPair
}

// BrandPurchaserPair is the (brand, purchaser) admission/scheduling unit.
type BrandPurchaserPair struct {
	Brand     string
	Purchaser string
}
