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

package extractpool

import (
	"context"
	"sync"

	"github.com/tombee/extractord/internal/store"
)

// memRecords is an in-memory store.ExtractionStore fake for pool tests.
type memRecords struct {
	mu   sync.Mutex
	rows map[string]store.ExtractionRecord // keyed by runID+"/"+relativePath
}

func newMemRecords() *memRecords {
	return &memRecords{rows: make(map[string]store.ExtractionRecord)}
}

func key(runID, relativePath string) string { return runID + "/" + relativePath }

func (m *memRecords) UpsertRecord(_ context.Context, r store.ExtractionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[key(r.RunID, r.RelativePath)] = r
	return nil
}

func (m *memRecords) UpsertRecords(ctx context.Context, rs []store.ExtractionRecord) error {
	for _, r := range rs {
		if err := m.UpsertRecord(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (m *memRecords) GetRecordsForRun(_ context.Context, runID string) ([]store.ExtractionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.ExtractionRecord
	for _, r := range m.rows {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRecords) pathsWithStatus(runID string, statuses ...store.ExtractStatus) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[store.ExtractStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []string
	for _, r := range m.rows {
		if r.RunID == runID && want[r.Status] {
			out = append(out, r.RelativePath)
		}
	}
	return out
}

func (m *memRecords) GetProcessedPaths(_ context.Context, runID string) ([]string, error) {
	return m.pathsWithStatus(runID, store.ExtractDone, store.ExtractSkipped, store.ExtractError), nil
}

func (m *memRecords) GetCompletedPaths(_ context.Context, runID string) ([]string, error) {
	return m.pathsWithStatus(runID, store.ExtractDone, store.ExtractSkipped), nil
}

func (m *memRecords) GetErrorPaths(_ context.Context, runID string) ([]string, error) {
	return m.pathsWithStatus(runID, store.ExtractError), nil
}
