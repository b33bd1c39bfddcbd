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

// Package runcoord implements the run coordinator (C6): it owns a run's
// lifecycle end to end — allocating the run id, orchestrating SYNC then
// EXTRACT, handling cancellation and resume, and writing the run summary.
package runcoord

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tombee/extractord/internal/admission"
	"github.com/tombee/extractord/internal/apierr"
	"github.com/tombee/extractord/internal/extractapi"
	"github.com/tombee/extractord/internal/extractpool"
	"github.com/tombee/extractord/internal/objectstore"
	"github.com/tombee/extractord/internal/store"
	"github.com/tombee/extractord/internal/syncengine"
)

// CaseID names one of the three fixed workflow stages.
type CaseID string

const (
	CaseSync    CaseID = "SYNC"
	CaseExtract CaseID = "EXTRACT"
	CasePipe    CaseID = "PIPE"
)

// resumeCapableCases is the set of caseIds whose interruption is
// recorded as a resumable RunState, per spec §4.3 step 3/6.
var resumeCapableCases = map[CaseID]bool{CasePipe: true, CaseExtract: true}

// BrandPurchaserPair is the (tenant, purchaser) scoping unit.
type BrandPurchaserPair = store.BrandPurchaserPair

// Params narrows a run's scope and behaviour.
type Params struct {
	SyncLimit    int
	ExtractLimit int
	Tenant       string
	Purchaser    string
	Pairs        []BrandPurchaserPair
	RetryFailed  bool
}

// Event is one typed item on a run's progress stream, matching the
// NDJSON shapes of spec §6.
type Event struct {
	Type        string `json:"type"`
	RunID       string `json:"runId,omitempty"`
	Message     string `json:"message,omitempty"`
	Level       string `json:"level,omitempty"`
	Phase       string `json:"phase,omitempty"`
	Done        int    `json:"done,omitempty"`
	Total       int    `json:"total,omitempty"`
	Skipped     int    `json:"skipped,omitempty"`
	SuccessCnt  int    `json:"successCount,omitempty"`
	AvgLatency  int64  `json:"avgLatency,omitempty"`
}

// BucketResolver maps a run's scope to the concrete buckets to sync.
type BucketResolver func(params Params) []syncengine.BucketConfig

// Run is one in-flight or finished run's shared, concurrency-safe state.
type Run struct {
	CaseID     CaseID
	RunID      string
	Params     Params
	Origin     store.RunOrigin
	ScheduleID string
	StartedAt  time.Time

	mu         sync.Mutex
	status     string // "running" | "done" | "error" | "stopped"
	err        error
	subs       map[int]chan Event
	nextSub    int
	replay     []Event
	cancel     context.CancelFunc
	cancelOnce sync.Once
}

// replayBufferSize bounds how many already-published events a late
// Subscribe replays before joining the live fan-out. It matches the
// subscriber channel's own buffer (below), so a subscriber that joins
// late never has access to more history than one that was present from
// the start would have been able to hold anyway.
const replayBufferSize = 64

// Snapshot is a deep-copied, safe-to-read view of a Run.
type Snapshot struct {
	CaseID    CaseID
	RunID     string
	Status    string
	Origin    store.RunOrigin
	StartedAt time.Time
}

func newRun(caseID CaseID, runID string, params Params, origin store.RunOrigin, scheduleID string, cancel context.CancelFunc) *Run {
	return &Run{
		CaseID: caseID, RunID: runID, Params: params, Origin: origin, ScheduleID: scheduleID,
		StartedAt: time.Now(), status: "running",
		subs: make(map[int]chan Event), cancel: cancel,
	}
}

// Snapshot returns a safe, deep-copied view of the run's current state.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{CaseID: r.CaseID, RunID: r.RunID, Status: r.status, Origin: r.Origin, StartedAt: r.StartedAt}
}

// Subscribe registers a buffered event channel and returns it with an
// unsubscribe func. Safe to call concurrently with Publish. Subscribe
// first replays whatever was already published before this call — a run
// started on its own goroutine can reach "report" before any caller gets
// here, and without a replay those events would simply never have had a
// subscriber to reach.
func (r *Run) Subscribe() (<-chan Event, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan Event, 64)
	for _, ev := range r.replay {
		select {
		case ch <- ev:
		default:
		}
	}
	r.subs[id] = ch
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if sub, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(sub)
		}
	}
}

// Publish records the event for future late subscribers and fans it out
// to every current one, dropping it for any subscriber whose buffer is
// full rather than blocking the run.
func (r *Run) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replay = append(r.replay, ev)
	if len(r.replay) > replayBufferSize {
		r.replay = r.replay[len(r.replay)-replayBufferSize:]
	}
	for _, sub := range r.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

// Cancel cooperatively cancels the run's context exactly once.
func (r *Run) Cancel() {
	r.cancelOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
	})
}

func (r *Run) finish(status string, err error) {
	r.mu.Lock()
	r.status = status
	r.err = err
	r.mu.Unlock()
}

// Deps bundles the Coordinator's required collaborators.
type Deps struct {
	Checkpoint store.Backend
	Admission  *admission.Controller
	Objects    objectstore.Client
	Extract    extractapi.Client
	Manifest   syncengine.Manifest
	Buckets    BucketResolver
	StagingDir string
	PoolConfig extractpool.Config
}

func scopeOf(params Params) admission.Scope {
	return admission.Scope{Tenant: params.Tenant, Purchaser: params.Purchaser, Pairs: params.Pairs}
}

// Coordinator drives run lifecycles per spec §4.3.
type Coordinator struct {
	deps Deps
	sync *syncengine.Engine
	pool *extractpool.Pool

	mu   sync.Mutex
	runs map[CaseID]*Run

	draining atomic.Bool
	drainWG  sync.WaitGroup
}

// New builds a Coordinator.
func New(deps Deps) *Coordinator {
	if deps.Admission == nil {
		deps.Admission = admission.New()
	}
	return &Coordinator{
		deps: deps,
		sync: syncengine.New(deps.Objects, deps.Manifest),
		pool: extractpool.New(deps.Extract, deps.Checkpoint),
		runs: make(map[CaseID]*Run),
	}
}

// Start admits and begins a run, returning the live Run handle
// immediately; the run itself proceeds on its own goroutine. Callers
// observe progress via Run.Subscribe.
func (c *Coordinator) Start(ctx context.Context, caseID CaseID, params Params, origin store.RunOrigin, scheduleID string) (*Run, error) {
	if caseID != CaseSync && caseID != CaseExtract && caseID != CasePipe {
		return nil, apierr.NewValidation("unknown caseId %q", caseID)
	}

	if c.draining.Load() {
		return nil, apierr.NewDraining("daemon is draining: new runs are not accepted until it restarts")
	}

	if err := c.deps.Admission.Admit(admission.ActiveRun{
		CaseID: string(caseID), Scope: scopeOf(params), Origin: origin, ScheduleID: scheduleID,
	}); err != nil {
		return nil, err
	}

	runID, err := c.allocateRunID(ctx, caseID)
	if err != nil {
		c.deps.Admission.Release(string(caseID))
		return nil, err
	}
	c.deps.Admission.SetRunID(string(caseID), runID)

	runCtx, cancel := context.WithCancel(context.Background())
	run := newRun(caseID, runID, params, origin, scheduleID, cancel)

	c.mu.Lock()
	c.runs[caseID] = run
	c.mu.Unlock()

	c.drainWG.Add(1)
	go func() {
		defer c.drainWG.Done()
		c.execute(runCtx, run)
	}()

	run.Publish(Event{Type: "run_id", RunID: runID})
	return run, nil
}

// StartDraining stops admitting new runs; in-flight runs continue to
// completion. It is irreversible for the lifetime of the Coordinator.
func (c *Coordinator) StartDraining() {
	c.draining.Store(true)
}

// IsDraining reports whether the coordinator is refusing new runs.
func (c *Coordinator) IsDraining() bool {
	return c.draining.Load()
}

// WaitForDrain blocks until every in-flight run has finished or ctx is
// done, whichever comes first.
func (c *Coordinator) WaitForDrain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.drainWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns the in-flight run for caseID, if any.
func (c *Coordinator) Get(caseID CaseID) (*Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.runs[caseID]
	return r, ok
}

// GetByRunID returns the in-flight run with the given run id, if the
// coordinator still holds a reference to it; finalize drops a run from
// the table once its terminal state is written.
func (c *Coordinator) GetByRunID(runID string) (*Run, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.runs {
		if r.RunID == runID {
			return r, true
		}
	}
	return nil, false
}

// Stop cancels the in-flight run for caseID. Returns false if none.
func (c *Coordinator) Stop(caseID CaseID) bool {
	c.mu.Lock()
	r, ok := c.runs[caseID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	r.Cancel()
	return true
}

// allocateRunID implements the resume check of spec §4.3 step 3: for
// resume-capable caseIds, a stopped RunState reuses its runId instead of
// allocating a new sequenced one.
func (c *Coordinator) allocateRunID(ctx context.Context, caseID CaseID) (string, error) {
	if resumeCapableCases[caseID] {
		state, found, err := c.deps.Checkpoint.GetRunState(ctx, string(caseID))
		if err != nil {
			return "", fmt.Errorf("reading resume state for %q: %w", caseID, err)
		}
		if found && state.Status == "stopped" && state.RunID != "" {
			return state.RunID, nil
		}
	}
	return c.deps.Checkpoint.StartNewRun(ctx)
}

func (c *Coordinator) execute(ctx context.Context, run *Run) {
	var (
		syncedPaths []string
		summary     runSummary
		runErr      error
	)

	if run.CaseID == CaseSync || run.CaseID == CasePipe {
		syncedPaths, runErr = c.runSync(ctx, run, &summary)
	}

	if runErr == nil && (run.CaseID == CaseExtract || run.CaseID == CasePipe) {
		runErr = c.runExtract(ctx, run, syncedPaths, &summary)
	}

	// Persistence here must outlive run cancellation: ctx may already be
	// Done (Stop was called, or the process is shutting down), but the
	// stopped/failed/done state still needs to be written so a future
	// resume sees it.
	c.finalize(context.Background(), run, summary, runErr)
}

type runSummary struct {
	TotalFiles int       `json:"totalFiles"`
	Success    int       `json:"success"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	StartedAt  time.Time `json:"startedAt"`
}

func (c *Coordinator) runSync(ctx context.Context, run *Run, summary *runSummary) ([]string, error) {
	summary.StartedAt = time.Now()
	buckets := c.deps.Buckets(run.Params)

	var (
		limitPtr *int
		initial  int
	)
	if run.Params.SyncLimit > 0 {
		l := run.Params.SyncLimit
		limitPtr = &l
		initial = l
	}

	var synced []string
	for _, b := range buckets {
		if ctx.Err() != nil {
			break
		}
		result, err := c.sync.SyncBucket(ctx, b, c.deps.StagingDir, syncengine.Options{
			LimitRemaining: limitPtr,
			InitialLimit:   initial,
			OnProgress: func(done, total int) {
				run.Publish(Event{Type: "progress", Phase: "sync", Done: done, Total: total})
			},
			OnFileSynced: func(f syncengine.SyncedFile) {
				_ = c.deps.Checkpoint.RegisterFiles(ctx, []store.FileRegistryEntry{{
					RelativePath: f.RelativePath, FullPath: f.FullPath, Brand: f.Brand, Purchaser: f.Purchaser,
					Size: f.Size, ETag: f.ETag, SHA256: f.SHA256, SyncedAt: f.SyncedAt, RegisteredAt: f.SyncedAt,
				}})
				synced = append(synced, f.RelativePath)
			},
		})
		if err != nil {
			return synced, fmt.Errorf("syncing bucket %q: %w", b.Name, err)
		}
		summary.Skipped += result.Skipped
	}
	if ctx.Err() != nil {
		return synced, ctx.Err()
	}
	return synced, nil
}

func (c *Coordinator) runExtract(ctx context.Context, run *Run, syncedPaths []string, summary *runSummary) error {
	filter := store.FileFilter{Brand: run.Params.Tenant, Purchaser: run.Params.Purchaser, Pairs: run.Params.Pairs}

	var candidates []string
	if run.Params.RetryFailed {
		failed, err := c.deps.Checkpoint.GetFailedFiles(ctx, filter)
		if err != nil {
			return fmt.Errorf("reading failed files: %w", err)
		}
		candidates = failed
	} else {
		unextracted, err := c.deps.Checkpoint.GetUnextractedFiles(ctx, filter)
		if err != nil {
			return fmt.Errorf("reading unextracted files: %w", err)
		}
		seen := make(map[string]bool, len(syncedPaths))
		for _, p := range syncedPaths {
			seen[p] = true
			candidates = append(candidates, p)
		}
		for _, f := range unextracted {
			if !seen[f.RelativePath] {
				candidates = append(candidates, f.RelativePath)
				seen[f.RelativePath] = true
			}
		}
	}
	sort.Strings(candidates)

	if run.Params.ExtractLimit > 0 && len(candidates) > run.Params.ExtractLimit {
		candidates = candidates[:run.Params.ExtractLimit]
	}

	tasks := make([]extractpool.FileTask, 0, len(candidates))
	entries, err := c.deps.Checkpoint.GetUnextractedFiles(ctx, store.FileFilter{})
	if err != nil {
		return fmt.Errorf("resolving file paths: %w", err)
	}
	byPath := make(map[string]store.FileRegistryEntry, len(entries))
	for _, e := range entries {
		byPath[e.RelativePath] = e
	}
	for _, p := range candidates {
		e, ok := byPath[p]
		if !ok {
			continue
		}
		tasks = append(tasks, extractpool.FileTask{RelativePath: e.RelativePath, FullPath: e.FullPath, Brand: e.Brand, Purchaser: e.Purchaser})
	}

	summary.TotalFiles = len(tasks)
	err = c.pool.Run(ctx, tasks, run.RunID, c.deps.PoolConfig, func(done, total int) {
		run.Publish(Event{Type: "progress", Phase: "extract", Done: done, Total: total})
	})
	if err != nil {
		return fmt.Errorf("running extraction pool: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	recs, err := c.deps.Checkpoint.GetRecordsForRun(ctx, run.RunID)
	if err == nil {
		for _, r := range recs {
			if r.Status == store.ExtractDone {
				summary.Success++
			} else if r.Status == store.ExtractError {
				summary.Failed++
			}
		}
	}
	return nil
}

func (c *Coordinator) finalize(ctx context.Context, run *Run, summary runSummary, runErr error) {
	var abort *extractpool.NetworkAbort
	isAbort := runErr != nil && asNetworkAbort(runErr, &abort)

	switch {
	case runErr == nil:
		_ = c.deps.Checkpoint.MarkRunCompleted(ctx, run.RunID)
		if blob, err := json.Marshal(summary); err == nil {
			_ = c.deps.Checkpoint.SaveRunSummary(ctx, run.RunID, blob)
		}
		if resumeCapableCases[run.CaseID] {
			_, _ = c.deps.Checkpoint.ClearRunState(ctx, string(run.CaseID))
		}
		run.finish("done", nil)
		run.Publish(Event{Type: "report", RunID: run.RunID, SuccessCnt: summary.Success})

	case isAbort:
		_ = c.deps.Checkpoint.MarkRunFailed(ctx, run.RunID)
		run.finish("error", runErr)
		run.Publish(Event{Type: "error", Message: runErr.Error()})

	default:
		if resumeCapableCases[run.CaseID] {
			_ = c.deps.Checkpoint.SetRunState(ctx, string(run.CaseID), store.RunState{Status: "stopped", RunID: run.RunID})
		}
		run.finish("stopped", runErr)
		run.Publish(Event{Type: "error", Message: runErr.Error()})
	}

	c.deps.Admission.Release(string(run.CaseID))

	c.mu.Lock()
	if c.runs[run.CaseID] == run {
		delete(c.runs, run.CaseID)
	}
	c.mu.Unlock()
}

func asNetworkAbort(err error, target **extractpool.NetworkAbort) bool {
	for err != nil {
		if abort, ok := err.(*extractpool.NetworkAbort); ok {
			*target = abort
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
