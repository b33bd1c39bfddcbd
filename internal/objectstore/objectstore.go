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

// Package objectstore defines the object-store client contract (C2): the
// pipeline's sole collaborator for listing and fetching staged source
// files from the bucket(s) configured under run.s3.buckets.
package objectstore

import (
	"context"
	"io"
	"time"
)

// Object is one listed entry under a bucket/prefix.
type Object struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Client lists and fetches objects from a staging bucket. Implementations
// must be safe for concurrent use by multiple sync-engine goroutines.
type Client interface {
	// List returns every object under prefix in bucket. Implementations
	// paginate internally; callers see one flat slice.
	List(ctx context.Context, bucket, prefix string) ([]Object, error)

	// Get opens key in bucket for streaming read. Callers must Close the
	// returned ReadCloser.
	Get(ctx context.Context, bucket, key string) (body io.ReadCloser, etag string, size int64, err error)
}
