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

// Command extractctl is a thin HTTP client for extractord's control-plane
// API: it starts/stops runs, streams run progress, and manages schedules.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type clientOpts struct {
	serverAddr string
	authToken  string
}

func newRootCommand() *cobra.Command {
	opts := &clientOpts{}
	cmd := &cobra.Command{
		Use:           "extractctl",
		Short:         "Control client for the extractord pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.serverAddr, "server", "http://localhost:8080", "extractord base URL")
	cmd.PersistentFlags().StringVar(&opts.authToken, "token", "", "bearer token for admin endpoints")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newStopCommand(opts))
	cmd.AddCommand(newSchedulesCommand(opts))
	return cmd
}

func (o *clientOpts) newRequest(method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, o.serverAddr+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if o.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+o.authToken)
	}
	return req, nil
}

func newRunCommand(opts *clientOpts) *cobra.Command {
	var caseID, tenant, purchaser string
	var syncLimit, extractLimit int
	var retryFailed bool

	c := &cobra.Command{
		Use:   "run",
		Short: "Start a run and stream its progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"caseId": caseID}
			if syncLimit > 0 {
				body["syncLimit"] = syncLimit
			}
			if extractLimit > 0 {
				body["extractLimit"] = extractLimit
			}
			if tenant != "" {
				body["tenant"] = tenant
			}
			if purchaser != "" {
				body["purchaser"] = purchaser
			}
			if retryFailed {
				body["retryFailed"] = retryFailed
			}

			req, err := opts.newRequest(http.MethodPost, "/api/run", body)
			if err != nil {
				return err
			}
			req = req.WithContext(cmd.Context())

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned %s: %s", resp.Status, readBody(resp.Body))
			}
			return streamEvents(cmd.OutOrStdout(), resp.Body)
		},
	}

	flags := c.Flags()
	flags.StringVar(&caseID, "case", "", "run mode: SYNC, EXTRACT, or PIPE")
	flags.IntVar(&syncLimit, "sync-limit", 0, "max files to sync")
	flags.IntVar(&extractLimit, "extract-limit", 0, "max files to extract")
	flags.StringVar(&tenant, "tenant", "", "restrict the run to a single tenant/brand")
	flags.StringVar(&purchaser, "purchaser", "", "restrict the run to a single purchaser")
	flags.BoolVar(&retryFailed, "retry-failed", false, "retry previously failed files")
	_ = c.MarkFlagRequired("case")

	return c
}

func streamEvents(w io.Writer, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &ev); err != nil {
			fmt.Fprintln(w, string(line))
			continue
		}
		fmt.Fprintf(w, "[%s] %s\n", ev.Type, string(line))
		if ev.Type == "report" || ev.Type == "error" {
			return nil
		}
	}
	return scanner.Err()
}

func newStopCommand(opts *clientOpts) *cobra.Command {
	var caseID string
	c := &cobra.Command{
		Use:   "stop",
		Short: "Stop the in-flight run for a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.newRequest(http.MethodPost, "/api/stop", map[string]string{"caseId": caseID})
			if err != nil {
				return err
			}
			req = req.WithContext(cmd.Context())
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned %s: %s", resp.Status, readBody(resp.Body))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stopped")
			return nil
		},
	}
	c.Flags().StringVar(&caseID, "case", "", "run mode to stop: SYNC, EXTRACT, or PIPE")
	_ = c.MarkFlagRequired("case")
	return c
}

func newSchedulesCommand(opts *clientOpts) *cobra.Command {
	c := &cobra.Command{
		Use:   "schedules",
		Short: "List, add, and remove cron schedules",
	}
	c.AddCommand(newSchedulesListCommand(opts))
	c.AddCommand(newSchedulesAddCommand(opts))
	c.AddCommand(newSchedulesRemoveCommand(opts))
	return c
}

func newSchedulesListCommand(opts *clientOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.newRequest(http.MethodGet, "/api/schedules", nil)
			if err != nil {
				return err
			}
			req = req.WithContext(cmd.Context())
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned %s: %s", resp.Status, readBody(resp.Body))
			}
			_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
			return err
		},
	}
}

func newSchedulesAddCommand(opts *clientOpts) *cobra.Command {
	var cron, timezone string
	var brands, purchasers []string

	c := &cobra.Command{
		Use:   "add",
		Short: "Add a daily cron schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"brands":     brands,
				"purchasers": purchasers,
				"cron":       cron,
				"timezone":   timezone,
			}
			req, err := opts.newRequest(http.MethodPost, "/api/schedules", body)
			if err != nil {
				return err
			}
			req = req.WithContext(cmd.Context())
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return fmt.Errorf("server returned %s: %s", resp.Status, readBody(resp.Body))
			}
			_, err = io.Copy(cmd.OutOrStdout(), resp.Body)
			return err
		},
	}

	flags := c.Flags()
	flags.StringVar(&cron, "cron", "", `schedule expression, e.g. "30 2 * * *"`)
	flags.StringVar(&timezone, "timezone", "UTC", "IANA timezone name")
	flags.StringSliceVar(&brands, "brand", nil, "brand to include (repeatable)")
	flags.StringSliceVar(&purchasers, "purchaser", nil, "purchaser to include (repeatable)")
	_ = c.MarkFlagRequired("cron")

	return c
}

func newSchedulesRemoveCommand(opts *clientOpts) *cobra.Command {
	c := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a schedule by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.newRequest(http.MethodDelete, "/api/schedules/"+args[0], nil)
			if err != nil {
				return err
			}
			req = req.WithContext(cmd.Context())
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server returned %s: %s", resp.Status, readBody(resp.Body))
			}
			fmt.Fprintln(cmd.OutOrStdout(), "removed")
			return nil
		},
	}
	return c
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4096))
	return string(b)
}
