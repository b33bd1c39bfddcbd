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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault_AppliesConservativeRunDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 4, cfg.Run.Concurrency)
	require.Equal(t, 5.0, cfg.Run.RequestsPerSecond)
	require.Equal(t, 3, cfg.Run.MaxRetries)
	require.Equal(t, 1000, cfg.Run.RetryBackoffMs)
	require.True(t, cfg.Run.SkipCompleted)
}

func TestDefault_HTTPListensWithNoWriteDeadline(t *testing.T) {
	cfg := Default()
	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, time.Duration(0), cfg.HTTP.WriteTimeout, "NDJSON streams are long-lived")
	require.Equal(t, 10*time.Second, cfg.HTTP.ShutdownTimeout)
}

func TestDefault_LogsJSONAtInfo(t *testing.T) {
	cfg := Default()
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
}

func TestDefault_AuthDisabledUnlessConfigured(t *testing.T) {
	cfg := Default()
	require.False(t, cfg.Auth.Enabled)
	require.Empty(t, cfg.Auth.BearerToken)
}

func TestDefault_RateLimitDisabledWithSensibleLimits(t *testing.T) {
	cfg := Default()
	require.False(t, cfg.RateLimit.Enabled)
	require.Equal(t, "20/second", cfg.RateLimit.Global)
	require.Equal(t, "2/second", cfg.RateLimit.RunLimit)
}

func TestDefault_ReturnsDistinctInstances(t *testing.T) {
	a, b := Default(), Default()
	a.Run.Concurrency = 99
	require.Equal(t, 4, b.Run.Concurrency, "Default must not share state across calls")
}
