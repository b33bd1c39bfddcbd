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

// Package admission implements the admission controller (C7): an
// in-memory table of active runs that serialises admission decisions and
// rejects new requests that overlap an already-running scope.
package admission

import (
	"fmt"
	"sync"

	"github.com/tombee/extractord/internal/apierr"
	"github.com/tombee/extractord/internal/store"
)

// Scope is the admission/scheduling unit: {tenant?, purchaser?, pairs?}.
// A scope with no tenant and no pairs is global.
type Scope struct {
	Tenant    string
	Purchaser string
	Pairs     []store.BrandPurchaserPair
}

// ActiveRun is one row of the in-memory admitted-run table.
type ActiveRun struct {
	CaseID     string
	Scope      Scope
	Origin     store.RunOrigin
	ScheduleID string
	RunID      string
}

// Controller serialises admission decisions under a single mutex, per
// spec §5's "admission mutations in C7 are serialised" guarantee.
type Controller struct {
	mu    sync.Mutex
	byID  map[string]*ActiveRun
}

// New builds an empty Controller.
func New() *Controller {
	return &Controller{byID: make(map[string]*ActiveRun)}
}

// pairSet converts a scope to its pair set. A nil/empty result together
// with an empty tenant means the scope is global.
func pairSet(s Scope) map[store.BrandPurchaserPair]bool {
	set := make(map[store.BrandPurchaserPair]bool, len(s.Pairs))
	for _, p := range s.Pairs {
		set[p] = true
	}
	return set
}

func isGlobal(s Scope) bool {
	return s.Tenant == "" && len(s.Pairs) == 0
}

// overlaps implements spec §4.5's scope-overlap rule: either scope is
// global, or their pair sets intersect, or both have a tenant set, the
// tenants are equal, and either lacks a purchaser or the purchasers
// match.
func overlaps(a, b Scope) bool {
	if isGlobal(a) || isGlobal(b) {
		return true
	}
	pa, pb := pairSet(a), pairSet(b)
	for p := range pa {
		if pb[p] {
			return true
		}
	}
	if a.Tenant != "" && b.Tenant != "" && a.Tenant == b.Tenant {
		if a.Purchaser == "" || b.Purchaser == "" || a.Purchaser == b.Purchaser {
			return true
		}
	}
	return false
}

// Admit attempts to register run as active. It rejects with an
// AdmissionError if caseId is already in flight, or if scope overlaps any
// currently active run's scope. Admission decisions are made before any
// other state is mutated: on success the run is registered atomically
// with the decision.
func (c *Controller) Admit(run ActiveRun) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byID[run.CaseID]; ok {
		return apierr.NewAdmission("caseId %q already running (runId %s)", run.CaseID, existing.RunID)
	}
	for _, existing := range c.byID {
		if overlaps(run.Scope, existing.Scope) {
			return apierr.NewAdmission(
				"scope conflict: overlaps %s run %s (caseId %s)",
				existing.Origin, existing.RunID, existing.CaseID,
			)
		}
	}

	cp := run
	c.byID[run.CaseID] = &cp
	return nil
}

// Overlaps reports whether scope overlaps any currently active run,
// without mutating state. Used by the cron dispatcher (C8) to decide
// whether to skip a tick before attempting admission.
func (c *Controller) Overlaps(scope Scope) (conflict ActiveRun, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.byID {
		if overlaps(scope, existing.Scope) {
			return *existing, true
		}
	}
	return ActiveRun{}, false
}

// SetRunID patches the runId of an already-admitted caseId, once C6 has
// allocated it (admission happens before resume-check/run-id allocation
// per spec, so the row starts with an empty runId and is patched after).
func (c *Controller) SetRunID(caseID, runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.byID[caseID]; ok {
		r.RunID = runID
	}
}

// Release removes caseId from the active-run table. Safe to call even if
// caseId is not currently admitted.
func (c *Controller) Release(caseID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, caseID)
}

// Active returns a snapshot of every currently admitted run.
func (c *Controller) Active() []ActiveRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ActiveRun, 0, len(c.byID))
	for _, r := range c.byID {
		out = append(out, *r)
	}
	return out
}

func (s Scope) String() string {
	return fmt.Sprintf("{tenant:%q purchaser:%q pairs:%v}", s.Tenant, s.Purchaser, s.Pairs)
}
