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

// Package config describes the daemon's configuration shape. It mirrors
// the teacher's yaml-tagged config structs for documentation and future
// loader compatibility, but ships no YAML parsing: the daemon is always
// constructed from an in-memory *Config built by its caller.
package config

import "time"

// Config is the root configuration accepted by the daemon.
type Config struct {
	API       APIConfig       `yaml:"api"`
	S3        S3Config        `yaml:"s3"`
	Run       RunConfig       `yaml:"run"`
	HTTP      HTTPConfig      `yaml:"http,omitempty"`
	Log       LogConfig       `yaml:"log,omitempty"`
	Auth      AuthConfig      `yaml:"auth,omitempty"`
	Cron      CronConfig      `yaml:"cron,omitempty"`
	RateLimit RateLimitConfig `yaml:"rateLimit,omitempty"`
}

// APIConfig describes the extraction API collaborator (C3).
type APIConfig struct {
	BaseURL   string `yaml:"baseUrl"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

// S3Config describes the object-store collaborator (C2) and sync scope.
type S3Config struct {
	Buckets    []BucketConfig `yaml:"buckets"`
	StagingDir string         `yaml:"stagingDir"`
	Region     string         `yaml:"region"`
	SyncLimit  int            `yaml:"syncLimit,omitempty"`
}

// BucketConfig names one bucket/prefix a brand's files are staged from.
type BucketConfig struct {
	Name      string `yaml:"name"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Brand     string `yaml:"brand"`
	Purchaser string `yaml:"purchaser,omitempty"`
}

// RunConfig configures the extraction worker pool (C5) and checkpoint
// store (C1).
type RunConfig struct {
	Concurrency       int    `yaml:"concurrency"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	MaxRetries        int    `yaml:"maxRetries"`
	RetryBackoffMs    int    `yaml:"retryBackoffMs"`
	CheckpointPath    string `yaml:"checkpointPath"`
	SkipCompleted     bool   `yaml:"skipCompleted"`
}

// HTTPConfig configures the control-plane listener (C9).
type HTTPConfig struct {
	Addr            string        `yaml:"addr,omitempty"`
	ReadTimeout     time.Duration `yaml:"readTimeout,omitempty"`
	WriteTimeout    time.Duration `yaml:"writeTimeout,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout,omitempty"`
	AllowedOrigins  []string      `yaml:"allowedOrigins,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// AuthConfig optionally gates mutating control-plane endpoints behind a
// bearer token (spec §6's admin endpoints).
type AuthConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BearerToken string `yaml:"bearerToken,omitempty"`
}

// RateLimitConfig throttles the control-plane HTTP surface. Global is a
// "count/period" string (spec §6) applied per client (the X-User-ID header,
// else the remote address) across every route; RunLimit is a tighter named limit applied only to POST /api/run,
// since a run spawns a worker-pool-backed goroutine rather than answering
// from memory.
type RateLimitConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Global   string `yaml:"global,omitempty"`
	RunLimit string `yaml:"runLimit,omitempty"`
}

// CronConfig maps brands to their known purchasers, resolving a
// schedule's (brands, purchasers) lists to concrete pairs (spec §4.6
// step 1). This is supplied by the operator; the core never discovers
// it on its own.
type CronConfig struct {
	BrandPurchasers map[string][]string `yaml:"brandPurchasers,omitempty"`
}

// Default returns a Config with the teacher's conservative defaults
// applied to the run-execution knobs.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			Concurrency:       4,
			RequestsPerSecond: 5,
			MaxRetries:        3,
			RetryBackoffMs:    1000,
			SkipCompleted:     true,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // NDJSON streams are long-lived; no write deadline.
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		RateLimit: RateLimitConfig{
			Enabled:  false,
			Global:   "20/second",
			RunLimit: "2/second",
		},
	}
}
