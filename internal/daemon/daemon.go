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

// Package daemon wires the checkpoint store, run coordinator, admission
// controller, cron dispatcher, and control-plane HTTP API into one
// long-lived process.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/tombee/extractord/internal/admission"
	"github.com/tombee/extractord/internal/config"
	"github.com/tombee/extractord/internal/crondispatch"
	"github.com/tombee/extractord/internal/extractapi"
	"github.com/tombee/extractord/internal/extractpool"
	"github.com/tombee/extractord/internal/httpapi"
	internallog "github.com/tombee/extractord/internal/log"
	"github.com/tombee/extractord/internal/middleware"
	"github.com/tombee/extractord/internal/objectstore"
	"github.com/tombee/extractord/internal/runcoord"
	"github.com/tombee/extractord/internal/store"
	"github.com/tombee/extractord/internal/store/sqlite"
	"github.com/tombee/extractord/internal/syncengine"
	"github.com/tombee/extractord/internal/tracing"
)

// Options contains daemon options set at build time.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the extractord control-plane process: it owns the checkpoint
// store, run coordinator, admission controller, cron dispatcher, and the
// HTTP listener that fronts them.
type Daemon struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	backend    store.Backend
	admission  *admission.Controller
	coord      *runcoord.Coordinator
	dispatcher *crondispatch.Dispatcher
	metrics    *tracing.Provider

	server *http.Server
	ln     net.Listener

	mu      sync.Mutex
	started bool
}

// New wires a Daemon from cfg. objects and extract are the object-store
// and extraction-API collaborators (spec §1 treats both as external,
// interface-only dependencies); callers supply concrete implementations
// (or objectstore.NewMemStore/extractapi.NewFakeClient for local runs).
func New(cfg *config.Config, opts Options, objects objectstore.Client, extract extractapi.Client) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "daemon")

	backend, err := sqlite.Open(cfg.Run.CheckpointPath)
	if err != nil {
		return nil, fmt.Errorf("opening checkpoint store: %w", err)
	}

	adm := admission.New()

	if extract == nil {
		extract = extractapi.NewHTTPClient(cfg.API.BaseURL, time.Duration(cfg.API.TimeoutMs)*time.Millisecond)
	}
	if objects == nil {
		objects = objectstore.NewMemStore()
	}

	coord := runcoord.New(runcoord.Deps{
		Checkpoint: backend,
		Admission:  adm,
		Objects:    objects,
		Extract:    extract,
		Manifest:   syncengine.NewMemManifest(),
		Buckets:    bucketResolver(cfg.S3.Buckets),
		StagingDir: cfg.S3.StagingDir,
		PoolConfig: extractpool.Config{
			Concurrency:       cfg.Run.Concurrency,
			RequestsPerSecond: cfg.Run.RequestsPerSecond,
			MaxRetries:        cfg.Run.MaxRetries,
			RetryBackoffMs:    cfg.Run.RetryBackoffMs,
		},
	})

	purchasers := purchaserMap(cfg.Cron.BrandPurchasers)
	dispatcher := crondispatch.New(backend, adm, coord, purchasers)
	if err := dispatcher.LoadSchedules(context.Background()); err != nil {
		return nil, fmt.Errorf("loading schedules: %w", err)
	}

	metrics, err := tracing.NewProvider()
	if err != nil {
		logger.Warn("failed to initialize metrics provider", internallog.Error(err))
		logger.Warn("metrics will not be available")
	}

	return &Daemon{
		cfg: cfg, opts: opts, logger: logger,
		backend: backend, admission: adm, coord: coord, dispatcher: dispatcher,
		metrics: metrics,
	}, nil
}

// bucketResolver narrows the configured bucket list to the pairs/tenant a
// run's Params names; an empty Params scope (global) returns every bucket.
func bucketResolver(buckets []config.BucketConfig) runcoord.BucketResolver {
	return func(params runcoord.Params) []syncengine.BucketConfig {
		var out []syncengine.BucketConfig
		for _, b := range buckets {
			if !bucketInScope(b, params) {
				continue
			}
			out = append(out, syncengine.BucketConfig{
				Name: b.Name, Bucket: b.Bucket, Prefix: b.Prefix,
				Tenant: b.Brand, Purchaser: b.Purchaser,
			})
		}
		return out
	}
}

func bucketInScope(b config.BucketConfig, params runcoord.Params) bool {
	if len(params.Pairs) > 0 {
		for _, p := range params.Pairs {
			if p.Brand == b.Brand && (p.Purchaser == "" || p.Purchaser == b.Purchaser) {
				return true
			}
		}
		return false
	}
	if params.Tenant != "" && params.Tenant != b.Brand {
		return false
	}
	if params.Purchaser != "" && params.Purchaser != b.Purchaser {
		return false
	}
	return true
}

// purchaserMap adapts a static brand->purchasers config table to the
// crondispatch.PurchaserMap signature.
func purchaserMap(table map[string][]string) crondispatch.PurchaserMap {
	return func(brand string) []string { return table[brand] }
}

// Start starts the daemon and blocks until the context is cancelled or the
// HTTP listener fails.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	ln, err := net.Listen("tcp", d.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("creating listener: %w", err)
	}
	d.ln = ln

	cors := middleware.CORSConfig{
		Enabled:        len(d.cfg.HTTP.AllowedOrigins) > 0,
		AllowedOrigins: d.cfg.HTTP.AllowedOrigins,
	}
	auth := httpapi.AuthConfig{Enabled: d.cfg.Auth.Enabled, Token: d.cfg.Auth.BearerToken}
	rateLimit := httpapi.RateLimitConfig{
		Enabled:  d.cfg.RateLimit.Enabled,
		Global:   d.cfg.RateLimit.Global,
		RunLimit: d.cfg.RateLimit.RunLimit,
	}

	srv := httpapi.NewServer(d.backend, d.coord, d.admission, d.dispatcher, auth, cors, rateLimit)

	var handler http.Handler = srv
	if d.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/", handler)
		mux.Handle("/metrics", d.metrics.Handler())
		handler = mux
	}

	d.server = &http.Server{
		Handler:      handler,
		ReadTimeout:  d.cfg.HTTP.ReadTimeout,
		WriteTimeout: d.cfg.HTTP.WriteTimeout,
	}

	d.dispatcher.Start(ctx)

	d.logger.Info("extractord starting",
		slog.String("version", d.opts.Version),
		slog.String("listen_addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server, the cron dispatcher, and
// closes the checkpoint store.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}

	d.coord.StartDraining()
	drainCtx, drainCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := d.coord.WaitForDrain(drainCtx); err != nil {
		d.logger.Warn("shutdown proceeding before all runs finished draining", internallog.Error(err))
	}
	drainCancel()

	d.dispatcher.Stop()

	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, d.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("HTTP server shutdown error", internallog.Error(err))
		}
	}

	if d.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.metrics.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("metrics provider shutdown error", internallog.Error(err))
		}
	}

	if err := d.backend.Close(); err != nil {
		d.logger.Error("failed to close checkpoint store", internallog.Error(err))
	}

	d.started = false
	d.logger.Info("daemon stopped")
	return nil
}
