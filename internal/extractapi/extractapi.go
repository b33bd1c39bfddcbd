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

// Package extractapi defines the extraction API client contract (C3):
// the pipeline's sole collaborator for submitting staged file bodies to
// the external document-extraction service.
package extractapi

import (
	"context"
	"time"
)

// Response is one extraction attempt's raw outcome. The pipeline treats
// Body as opaque: the extraction worker pool parses pattern.pattern_key
// and the success flag out of it, storing the remainder verbatim.
type Response struct {
	StatusCode int
	Latency    time.Duration
	Body       []byte
}

// Client submits one file's content for extraction. Implementations must
// not retry internally — retry policy belongs to the extraction worker
// pool (C5), which classifies errors and decides whether to retry.
type Client interface {
	// Submit posts body (the staged file's raw bytes, base64-encoded
	// per the wire contract) to the configured extraction endpoint and
	// returns its response. A non-nil error indicates a transport-level
	// failure (the request never reached the server, or its response
	// could not be read); HTTP error statuses are returned as a
	// Response with StatusCode set, not as an error.
	Submit(ctx context.Context, relativePath string, body []byte) (Response, error)
}
