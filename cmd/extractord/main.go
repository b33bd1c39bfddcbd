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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/extractord/internal/config"
	"github.com/tombee/extractord/internal/daemon"
	"github.com/tombee/extractord/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extractord",
		Short: "extractord runs the extraction pipeline's control plane",
		Long: `extractord drives the resumable sync-then-extract pipeline: it admits
and serialises SYNC/EXTRACT/PIPE runs, fires cron-scheduled PIPE runs, and
exposes an HTTP API to start/stop runs and manage schedules.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("extractord %s (commit: %s, built: %s)\n", version, commit, buildDate)
			return nil
		},
	}
}

func newServeCommand() *cobra.Command {
	cfg := config.Default()
	var checkpointPath string

	c := &cobra.Command{
		Use:   "serve",
		Short: "Start the control-plane daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if checkpointPath != "" {
				cfg.Run.CheckpointPath = checkpointPath
			}
			return runServe(cfg)
		},
	}

	flags := c.Flags()
	flags.StringVar(&cfg.HTTP.Addr, "addr", cfg.HTTP.Addr, "HTTP listen address")
	flags.StringVar(&checkpointPath, "db", "extractord.db", "Checkpoint store path")
	flags.StringVar(&cfg.S3.StagingDir, "staging-dir", cfg.S3.StagingDir, "Local staging directory for synced files")
	flags.StringVar(&cfg.API.BaseURL, "api-base-url", cfg.API.BaseURL, "Extraction API base URL")
	flags.IntVar(&cfg.Run.Concurrency, "concurrency", cfg.Run.Concurrency, "Extraction worker pool concurrency")
	flags.Float64Var(&cfg.Run.RequestsPerSecond, "rps", cfg.Run.RequestsPerSecond, "Extraction API rate limit")
	flags.BoolVar(&cfg.Auth.Enabled, "auth-enabled", cfg.Auth.Enabled, "Require a bearer token on admin endpoints")
	flags.StringVar(&cfg.Auth.BearerToken, "auth-token", cfg.Auth.BearerToken, "Bearer token for admin endpoints")
	flags.StringSliceVar(&cfg.HTTP.AllowedOrigins, "cors-origin", cfg.HTTP.AllowedOrigins, "Allowed CORS origins (repeatable)")
	flags.BoolVar(&cfg.RateLimit.Enabled, "rate-limit-enabled", cfg.RateLimit.Enabled, "Throttle the control-plane API")
	flags.StringVar(&cfg.RateLimit.Global, "rate-limit-global", cfg.RateLimit.Global, "Per-client request limit across all routes, as \"count/period\"")
	flags.StringVar(&cfg.RateLimit.RunLimit, "rate-limit-run", cfg.RateLimit.RunLimit, "Request limit for POST /api/run, as \"count/period\"")

	return c
}

func runServe(cfg *config.Config) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	d, err := daemon.New(cfg, daemon.Options{Version: version, Commit: commit, BuildDate: buildDate}, nil, nil)
	if err != nil {
		return fmt.Errorf("creating daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- d.Start(ctx) }()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", slog.String("signal", sig.String()))
		cancel()
		return d.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
