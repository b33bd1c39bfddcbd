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

package syncengine

import (
	"context"
	"sync"
)

// MemManifest is an in-memory Manifest fake for sync-engine tests. It can
// seed legacy bare-SHA entries to exercise the migration-on-read path.
type MemManifest struct {
	mu      sync.Mutex
	entries map[string]ManifestEntry
	legacy  map[string]string
}

var _ Manifest = (*MemManifest)(nil)

// NewMemManifest returns an empty fake manifest.
func NewMemManifest() *MemManifest {
	return &MemManifest{entries: make(map[string]ManifestEntry), legacy: make(map[string]string)}
}

// SeedLegacy records key as a bare SHA-256 string, as older builds did
// before structured manifest entries existed.
func (m *MemManifest) SeedLegacy(key, sha string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legacy[key] = sha
}

func (m *MemManifest) Get(_ context.Context, key string) (ManifestEntry, string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sha, ok := m.legacy[key]; ok {
		return ManifestEntry{}, sha, true, nil
	}
	entry, ok := m.entries[key]
	return entry, "", ok, nil
}

func (m *MemManifest) Put(_ context.Context, key string, entry ManifestEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.legacy, key)
	m.entries[key] = entry
	return nil
}
