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

package extractapi

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedResponse is one queued outcome for FakeClient.Submit.
type ScriptedResponse struct {
	Response Response
	Err      error
}

// FakeClient is an in-memory Client for extraction-worker-pool and
// run-coordinator tests. Responses are scripted per relativePath (a FIFO
// queue per path), falling back to Default when a path has none queued.
type FakeClient struct {
	mu       sync.Mutex
	queued   map[string][]ScriptedResponse
	Default  ScriptedResponse
	Requests []string // every relativePath Submit was called with, in order
}

var _ Client = (*FakeClient)(nil)

// NewFakeClient returns a FakeClient that returns a 200 {"success":true}
// body by default until Queue overrides a specific path.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		queued:  make(map[string][]ScriptedResponse),
		Default: ScriptedResponse{Response: Response{StatusCode: 200, Body: []byte(`{"success":true}`)}},
	}
}

// Queue appends one scripted response for relativePath's next Submit call.
func (f *FakeClient) Queue(relativePath string, resp ScriptedResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[relativePath] = append(f.queued[relativePath], resp)
}

func (f *FakeClient) Submit(_ context.Context, relativePath string, _ []byte) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Requests = append(f.Requests, relativePath)

	q := f.queued[relativePath]
	if len(q) == 0 {
		return f.Default.Response, f.Default.Err
	}
	next := q[0]
	f.queued[relativePath] = q[1:]
	if next.Err != nil {
		return Response{}, fmt.Errorf("scripted failure for %q: %w", relativePath, next.Err)
	}
	return next.Response, nil
}
