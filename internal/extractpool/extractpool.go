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

// Package extractpool implements the extraction worker pool (C5): a
// bounded-concurrency, rate-limited executor that submits staged files
// to the extraction API with classified retries and persists one
// checkpoint row per attempt.
package extractpool

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/extractord/internal/extractapi"
	"github.com/tombee/extractord/internal/store"
)

const (
	// NetworkMaxRetries bounds the transport-failure retry loop.
	NetworkMaxRetries = 5
	// NetworkRetryDelay is the fixed delay between network retries.
	NetworkRetryDelay = 12 * time.Second
)

// NetworkAbort is raised when the network-retry budget is exhausted; it
// cascades out of the pool and fails the owning run.
type NetworkAbort struct {
	RelativePath string
	Attempts     int
}

func (e *NetworkAbort) Error() string {
	return fmt.Sprintf("network abort for %q after %d attempts", e.RelativePath, e.Attempts)
}

// ErrorClass is the §4.4.2 classification used by the run summary.
type ErrorClass string

const (
	ClassNone        ErrorClass = ""
	ClassTimeout     ErrorClass = "timeout"
	ClassReadError   ErrorClass = "readError"
	ClassClientError ErrorClass = "clientError"
	ClassServerError ErrorClass = "serverError"
	ClassOther       ErrorClass = "other"
)

var timeoutPattern = regexp.MustCompile(`(?i)timeout|abort|etimedout|econnaborted`)

// Classify maps a terminal (statusCode, errorMessage) pair to an
// ErrorClass. Returns ClassNone for successful attempts.
func Classify(statusCode int, errorMessage string) ErrorClass {
	switch {
	case statusCode == 0 && timeoutPattern.MatchString(errorMessage):
		return ClassTimeout
	case statusCode == 0 && strings.HasPrefix(strings.ToLower(errorMessage), "read file:"):
		return ClassReadError
	case statusCode >= 400 && statusCode < 500:
		return ClassClientError
	case statusCode >= 500 && statusCode < 600:
		return ClassServerError
	case statusCode == 0:
		return ClassOther
	default:
		return ClassOther
	}
}

// FileTask is one file to submit for extraction.
type FileTask struct {
	RelativePath string
	FullPath     string
	Brand        string
	Purchaser    string
}

// Config governs one Run invocation.
type Config struct {
	Concurrency       int
	RequestsPerSecond float64 // 0 disables rate limiting
	MaxRetries        int     // application-retry budget
	RetryBackoffMs    int     // linear backoff unit
}

// Pool runs extraction attempts against files, writing one checkpoint
// row per attempt via store.ExtractionStore.
type Pool struct {
	client  extractapi.Client
	records store.ExtractionStore
	clock   func() time.Time
	sleep   func(context.Context, time.Duration)
}

// New builds a Pool. client and records are required collaborators.
func New(client extractapi.Client, records store.ExtractionStore) *Pool {
	return &Pool{
		client:  client,
		records: records,
		clock:   time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Run executes files with up to cfg.Concurrency in flight, gating
// request starts to cfg.RequestsPerSecond when set. onProgress is called
// with monotonically increasing (done, total) after every completion. A
// NetworkAbort from any file cancels the remaining work and is returned.
func (p *Pool) Run(ctx context.Context, files []FileTask, runID string, cfg Config, onProgress func(done, total int)) error {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	total := len(files)
	if total == 0 {
		return nil
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, cfg.Concurrency)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		done     int
		firstErr error
	)

	for _, f := range files {
		select {
		case <-runCtx.Done():
		default:
		}
		if runCtx.Err() != nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(task FileTask) {
			defer wg.Done()
			defer func() { <-sem }()

			if limiter != nil {
				if err := limiter.Wait(runCtx); err != nil {
					return
				}
			}

			err := p.processOne(runCtx, task, runID, cfg)

			mu.Lock()
			done++
			if onProgress != nil {
				onProgress(done, total)
			}
			mu.Unlock()

			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				cancel()
			}
		}(f)
	}

	wg.Wait()
	return firstErr
}

// processOne implements the per-file procedure of spec §4.4.
func (p *Pool) processOne(ctx context.Context, task FileTask, runID string, cfg Config) error {
	startedAt := p.clock()
	if err := p.records.UpsertRecord(ctx, store.ExtractionRecord{
		RunID: runID, RelativePath: task.RelativePath, FilePath: task.FullPath,
		Brand: task.Brand, Purchaser: task.Purchaser,
		Status: store.ExtractRunning, StartedAt: startedAt,
	}); err != nil {
		return fmt.Errorf("writing running record for %q: %w", task.RelativePath, err)
	}

	body, err := os.ReadFile(task.FullPath)
	if err != nil {
		return p.finish(ctx, task, runID, startedAt, 0, fmt.Sprintf("Read file: %v", err), nil, "", 1)
	}
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(body)))
	base64.StdEncoding.Encode(encoded, body)

	resp, attempts, errMsg, abort := p.submitWithRetries(ctx, task, encoded, cfg)
	if abort {
		return &NetworkAbort{RelativePath: task.RelativePath, Attempts: attempts}
	}
	if errMsg != "" {
		return p.finish(ctx, task, runID, startedAt, 0, errMsg, nil, "", attempts)
	}

	patternKey, appFailed, appMsg, fullResponse := parseResponse(resp.Body)
	httpSuccess := resp.StatusCode >= 200 && resp.StatusCode < 300
	success := httpSuccess && !appFailed

	finalMsg := ""
	if !success {
		if appFailed {
			finalMsg = appMsg
		} else {
			finalMsg = fmt.Sprintf("extraction API returned status %d", resp.StatusCode)
		}
	}
	return p.finish(ctx, task, runID, startedAt, resp.StatusCode, finalMsg, fullResponse, patternKey, attempts)
}

// submitWithRetries runs the two independent retry loops of §4.4.1. A
// returned abort=true means the network-retry budget was exhausted.
func (p *Pool) submitWithRetries(ctx context.Context, task FileTask, body []byte, cfg Config) (resp extractapi.Response, attempts int, errMsg string, abort bool) {
	maxAppRetries := cfg.MaxRetries
	if maxAppRetries < 0 {
		maxAppRetries = 0
	}

	networkAttempt := 0
	appAttempt := 0
	for {
		attempts++
		r, err := p.client.Submit(ctx, task.RelativePath, body)
		if err != nil {
			networkAttempt++
			if networkAttempt > NetworkMaxRetries {
				return extractapi.Response{}, attempts, "", true
			}
			p.sleep(ctx, NetworkRetryDelay)
			continue
		}

		if isApplicationRetriable(r.StatusCode) && appAttempt < maxAppRetries {
			appAttempt++
			p.sleep(ctx, time.Duration(cfg.RetryBackoffMs)*time.Millisecond*time.Duration(appAttempt))
			continue
		}

		return r, attempts, "", false
	}
}

func isApplicationRetriable(statusCode int) bool {
	return statusCode == 429 || (statusCode >= 500 && statusCode < 600)
}

func (p *Pool) finish(ctx context.Context, task FileTask, runID string, startedAt time.Time, statusCode int, errMsg string, fullResponse []byte, patternKey string, attempts int) error {
	finishedAt := p.clock()
	status := store.ExtractDone
	if errMsg != "" {
		status = store.ExtractError
		errMsg = truncate(errMsg, 500)
		if attempts > 1 {
			errMsg = fmt.Sprintf("%s (after %d attempt(s))", errMsg, attempts)
		}
	}

	return p.records.UpsertRecord(ctx, store.ExtractionRecord{
		RunID: runID, RelativePath: task.RelativePath, FilePath: task.FullPath,
		Brand: task.Brand, Purchaser: task.Purchaser,
		Status: status, StartedAt: startedAt, FinishedAt: &finishedAt,
		LatencyMs: finishedAt.Sub(startedAt).Milliseconds(),
		StatusCode: statusCode, ErrorMessage: errMsg,
		PatternKey: patternKey, FullResponse: fullResponse,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// parseResponse parses body as JSON if possible, extracting
// pattern.pattern_key and an explicit success=false application failure.
// Unparsable bodies are wrapped as {"raw": bodyText}.
func parseResponse(body []byte) (patternKey string, appFailed bool, appMessage string, normalized []byte) {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		raw, _ := json.Marshal(map[string]string{"raw": string(body)})
		return "", false, "", raw
	}

	if pattern, ok := parsed["pattern"].(map[string]any); ok {
		if pk, ok := pattern["pattern_key"].(string); ok {
			patternKey = pk
		}
	}

	if successVal, ok := parsed["success"].(bool); ok && !successVal {
		appFailed = true
		if msg, ok := parsed["error"].(string); ok && msg != "" {
			appMessage = msg
		} else if msg, ok := parsed["message"].(string); ok {
			appMessage = msg
		} else {
			appMessage = "application reported failure"
		}
	}

	normalized, _ = json.Marshal(parsed)
	return patternKey, appFailed, appMessage, normalized
}
