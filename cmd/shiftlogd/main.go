// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command shiftlogd runs the offline-resilient sync core for the
// ShiftLog time-tracking client.
//
// Usage:
//
//	shiftlogd run                     # start the sync daemon
//	shiftlogd sync-once               # run a single sync cycle and exit
//	shiftlogd status                  # query the running daemon
//	shiftlogd prune                   # apply the retention policy
//
// The configuration file defaults to shiftlog.yaml in the working
// directory; override with --config. The remote API key is read from
// the environment variable named in remote.api_key_env (default
// SHIFTLOG_API_KEY) and never from the config file itself.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/shiftlog/pkg/logging"
	"github.com/AleutianAI/shiftlog/services/tracker/app"
	"github.com/AleutianAI/shiftlog/services/tracker/config"
	"github.com/AleutianAI/shiftlog/services/tracker/engine"
	"github.com/AleutianAI/shiftlog/services/tracker/queue"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "shiftlogd",
	Short: "ShiftLog offline-resilient sync core",
	Long: `shiftlogd records time-tracking actions in a durable local queue and
synchronizes them to the remote service whenever connectivity allows.
Actions are never lost to a network outage: they queue locally and
drain once the network returns.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the sync daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		a, err := app.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return a.Run(ctx)
	},
}

var syncOnceCmd = &cobra.Command{
	Use:   "sync-once",
	Short: "Run a single sync cycle and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		// A one-shot run needs neither the heartbeat socket nor the
		// status endpoint.
		cfg.Sync.HeartbeatPort = 0
		cfg.Status.ListenAddr = ""

		a, err := app.New(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		report := a.Engine.RunOnce(ctx)

		fmt.Fprintf(cmd.OutOrStdout(),
			"outcome=%s synced=%d failed=%d backlog=%d duration=%s\n",
			report.Outcome, report.Synced, report.Failed, report.Backlog,
			report.Duration.Round(time.Millisecond))
		if report.Outcome == engine.OutcomeError {
			return fmt.Errorf("sync cycle failed")
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running daemon's status endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Status.ListenAddr == "" {
			return fmt.Errorf("status endpoint is disabled in configuration")
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://" + cfg.Status.ListenAddr + "/status")
		if err != nil {
			return fmt.Errorf("daemon unreachable: %w", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(body))
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete synced records past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger := logging.New(logging.Config{
			Level:   logging.LevelInfo,
			Service: "shiftlogd",
		})
		store, err := queue.Open(queue.Options{
			Path:          cfg.Queue.Path,
			LockWait:      cfg.Queue.LockWait,
			CommentMaxLen: cfg.Queue.MaxCommentLength,
			Logger:        logger,
		})
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		retention := time.Duration(cfg.Queue.RetentionDays) * 24 * time.Hour
		actions, diags, err := store.PruneOlderThan(ctx, retention)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(),
			"pruned %d action records and %d diagnostic rows older than %d days\n",
			actions, diags, cfg.Queue.RetentionDays)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "shiftlog.yaml",
		"path to the configuration file")
	rootCmd.AddCommand(runCmd, syncOnceCmd, statusCmd, pruneCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
