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

package crondispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/extractord/internal/admission"
	"github.com/tombee/extractord/internal/runcoord"
	"github.com/tombee/extractord/internal/store"
)

// PurchaserMap resolves the purchasers a brand is known to have, so a
// schedule's (brands, purchasers) lists can be expanded to a concrete
// pair list per spec §4.6 step 1.
type PurchaserMap func(brand string) []string

// job is a registered schedule's in-memory runtime state: the parsed
// cron, resolved timezone, and next fire time. The durable row lives in
// store.Schedule; this is purely a scheduling cache rebuilt from it.
type job struct {
	sched   store.Schedule
	cron    DailyCron
	loc     *time.Location
	nextRun time.Time
}

// Dispatcher ticks once a second, fires any job whose nextRun has
// passed, and re-derives the next occurrence. It competes with manual
// runs for the same admission gate (C7) and writes one ScheduleAuditEntry
// per tick attempt via the checkpoint store (C1).
type Dispatcher struct {
	checkpoint store.Backend
	admission  *admission.Controller
	coord      *runcoord.Coordinator
	purchasers PurchaserMap
	logger     *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*job
	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Dispatcher. purchasers resolves a schedule's configured
// brands to their known purchasers.
func New(checkpoint store.Backend, adm *admission.Controller, coord *runcoord.Coordinator, purchasers PurchaserMap) *Dispatcher {
	return &Dispatcher{
		checkpoint: checkpoint,
		admission:  adm,
		coord:      coord,
		purchasers: purchasers,
		logger:     slog.Default().With(slog.String("component", "crondispatch")),
		jobs:       make(map[string]*job),
	}
}

// LoadSchedules rebuilds the in-memory job table from every persisted
// schedule row. Call once at startup after the store is open.
func (d *Dispatcher) LoadSchedules(ctx context.Context) error {
	scheds, err := d.checkpoint.ListSchedules(ctx)
	if err != nil {
		return fmt.Errorf("listing schedules: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range scheds {
		d.registerLocked(s)
	}
	return nil
}

// Register validates and installs sched, replacing any existing job
// under the same id (spec §4.6: "jobs re-registered for the same id stop
// and replace the prior schedule").
func (d *Dispatcher) Register(sched store.Schedule) error {
	cron, loc, err := ValidateSchedule(sched.Cron, sched.Timezone)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs[sched.ID] = &job{sched: sched, cron: cron, loc: loc, nextRun: cron.Next(time.Now(), loc)}
	return nil
}

func (d *Dispatcher) registerLocked(sched store.Schedule) {
	cron, loc, err := ValidateSchedule(sched.Cron, sched.Timezone)
	if err != nil {
		d.logger.Error("dropping invalid persisted schedule", slog.String("scheduleId", sched.ID), slog.Any("error", err))
		return
	}
	d.jobs[sched.ID] = &job{sched: sched, cron: cron, loc: loc, nextRun: cron.Next(time.Now(), loc)}
}

// ScheduleCount returns the number of currently registered cron jobs.
func (d *Dispatcher) ScheduleCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

// Unregister removes a schedule's in-memory job (its durable row is
// deleted separately via the control-plane API).
func (d *Dispatcher) Unregister(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.jobs, id)
}

// Start launches the tick loop. Stop to shut it down.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	d.mu.Unlock()
	go d.run(ctx)
}

// Stop halts the tick loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	stopCh := d.stopCh
	d.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-d.doneCh
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.doneCh)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case now := <-ticker.C:
			d.tick(ctx, now)
		}
	}
}

// tick fires every due job. Implements spec §4.6's 5-step tick sequence.
func (d *Dispatcher) tick(ctx context.Context, now time.Time) {
	if d.coord.IsDraining() {
		return
	}

	var due []*job
	d.mu.Lock()
	for _, j := range d.jobs {
		if !now.Before(j.nextRun) {
			due = append(due, j)
			j.nextRun = j.cron.Next(now, j.loc)
		}
	}
	d.mu.Unlock()

	for _, j := range due {
		d.fire(ctx, j.sched)
	}
}

func (d *Dispatcher) fire(ctx context.Context, sched store.Schedule) {
	pairs := expandPairs(sched, d.purchasers)
	scope := admission.Scope{Pairs: pairs}

	// Step 2: pre-check overlap against currently active runs.
	if conflict, found := d.admission.Overlaps(scope); found {
		d.audit(ctx, sched.ID, store.AuditSkipped, store.AuditWarn,
			fmt.Sprintf("overlap with %s run %s (caseId %s)", conflict.Origin, conflict.RunID, conflict.CaseID), nil)
		return
	}

	// Step 3: any resume-capable caseId paused (RunState.status=stopped)
	// blocks new scheduled activity until explicitly resumed or cleared.
	for _, caseID := range []string{"PIPE", "EXTRACT"} {
		if state, found, err := d.checkpoint.GetRunState(ctx, caseID); err == nil && found && state.Status == "stopped" {
			d.audit(ctx, sched.ID, store.AuditSkipped, store.AuditWarn,
				fmt.Sprintf("caseId %s is paused (runId %s); run or clear it before scheduling resumes", caseID, state.RunID), nil)
			return
		}
	}

	// Step 4: admit and invoke C6 with caseId=PIPE.
	d.audit(ctx, sched.ID, store.AuditExecuted, store.AuditInfo, "Scheduled job started", nil)

	run, err := d.coord.Start(ctx, runcoord.CasePipe, runcoord.Params{Pairs: pairs}, store.OriginScheduled, sched.ID)
	if err != nil {
		d.audit(ctx, sched.ID, store.AuditExecuted, store.AuditError, fmt.Sprintf("failed: %v", err), nil)
		return
	}

	go d.awaitCompletion(ctx, sched.ID, run)
}

// awaitCompletion blocks until run reaches a terminal event and writes
// the step-5 completion audit entry.
func (d *Dispatcher) awaitCompletion(ctx context.Context, scheduleID string, run *runcoord.Run) {
	events, unsub := run.Subscribe()
	defer unsub()
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case "report":
				d.audit(ctx, scheduleID, store.AuditExecuted, store.AuditInfo, "finished", nil)
				return
			case "error":
				d.audit(ctx, scheduleID, store.AuditExecuted, store.AuditError, fmt.Sprintf("failed: %s", ev.Message), nil)
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) audit(ctx context.Context, scheduleID string, outcome store.ScheduleAuditOutcome, level store.AuditLevel, message string, data any) {
	var blob []byte
	if data != nil {
		blob, _ = json.Marshal(data)
	}
	entry := store.ScheduleAuditEntry{Timestamp: time.Now(), ScheduleID: scheduleID, Outcome: outcome, Level: level, Message: message, Data: blob}
	if err := d.checkpoint.AppendScheduleAudit(ctx, entry); err != nil {
		d.logger.Error("failed to append schedule audit entry", slog.String("scheduleId", scheduleID), slog.Any("error", err))
	}
}

// expandPairs implements spec §4.6 step 1: expand a schedule's
// (brands, purchasers) lists to a concrete pair list using purchasers to
// resolve each brand's known purchasers. An empty sched.Purchasers means
// "every purchaser known for this brand"; a non-empty list narrows to
// the intersection.
func expandPairs(sched store.Schedule, purchasers PurchaserMap) []store.BrandPurchaserPair {
	var pairs []store.BrandPurchaserPair
	for _, brand := range sched.Brands {
		known := purchasers(brand)
		wanted := sched.Purchasers
		if len(wanted) == 0 {
			wanted = known
		}
		knownSet := make(map[string]bool, len(known))
		for _, p := range known {
			knownSet[p] = true
		}
		for _, p := range wanted {
			if knownSet[p] {
				pairs = append(pairs, store.BrandPurchaserPair{Brand: brand, Purchaser: p})
			}
		}
	}
	return pairs
}
