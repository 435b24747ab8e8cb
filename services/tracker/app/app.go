// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package app assembles the sync core from configuration: queue,
// prober, breakers, remote client, health checker, degradation
// manager, engine and the loopback status endpoint. Everything is
// wired through explicit construction; no package-level singletons.
package app

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/AleutianAI/shiftlog/pkg/logging"
	"github.com/AleutianAI/shiftlog/services/tracker/breaker"
	"github.com/AleutianAI/shiftlog/services/tracker/cache"
	"github.com/AleutianAI/shiftlog/services/tracker/config"
	"github.com/AleutianAI/shiftlog/services/tracker/degrade"
	"github.com/AleutianAI/shiftlog/services/tracker/engine"
	"github.com/AleutianAI/shiftlog/services/tracker/health"
	"github.com/AleutianAI/shiftlog/services/tracker/httpapi"
	"github.com/AleutianAI/shiftlog/services/tracker/netprobe"
	"github.com/AleutianAI/shiftlog/services/tracker/notify"
	"github.com/AleutianAI/shiftlog/services/tracker/queue"
	"github.com/AleutianAI/shiftlog/services/tracker/remote"
	"github.com/AleutianAI/shiftlog/services/tracker/telemetry"
)

// App owns every long-lived component of the sync core.
type App struct {
	Config    config.Config
	Logger    *logging.Logger
	Queue     *queue.Store
	Cache     *cache.Directory
	Prober    *netprobe.Prober
	Breakers  *breaker.Registry
	Remote    remote.API
	Health    *health.Checker
	Degrade   *degrade.Manager
	Notifier  notify.Notifier
	Metrics   *telemetry.Metrics
	Heartbeat *engine.HeartbeatListener
	Engine    *engine.Engine
	Status    *httpapi.Server
}

// New constructs and wires the sync core. It does not start any
// background work; call Run for that.
func New(cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  cfg.LogDir,
		Service: "shiftlogd",
	})

	a := &App{Config: cfg, Logger: logger}

	store, err := queue.Open(queue.Options{
		Path:          cfg.Queue.Path,
		LockWait:      cfg.Queue.LockWait,
		CommentMaxLen: cfg.Queue.MaxCommentLength,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	a.Queue = store

	// Warn+ log entries also land in the queue's app_logs table so a
	// support engineer can read them from an offline machine.
	logger = logging.New(logging.Config{
		Level:   logging.LevelInfo,
		LogDir:  cfg.LogDir,
		Service: "shiftlogd",
		Sink:    store.DiagnosticSink(),
	})
	a.Logger = logger

	dir, err := cache.Open(cache.Options{
		Path:     cfg.Queue.CachePath,
		InMemory: cfg.Queue.CachePath == "",
		TTL:      cfg.Queue.CacheTTL,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Cache = dir

	a.Prober = netprobe.New(netprobe.Options{
		ProbeURL: cfg.Remote.ProbeURL,
		Logger:   logger,
	})

	a.Metrics = telemetry.New()

	a.Breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		OnStateChange: func(name string, from, to breaker.State) {
			logger.Warn("breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
			a.Metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			switch {
			case to == breaker.StateOpen:
				a.Notifier.Notify(context.Background(), notify.SeverityWarning,
					fmt.Sprintf("circuit breaker %q opened, pausing remote calls", name))
			case to == breaker.StateClosed && from == breaker.StateHalfOpen:
				a.Notifier.Notify(context.Background(), notify.SeverityInfo,
					fmt.Sprintf("circuit breaker %q recovered", name))
			}
		},
	})

	a.Notifier = buildNotifier(cfg.Notify, logger)

	api, err := buildRemote(cfg.Remote, cfg.Sync.RatePerMinute, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Remote = api

	a.Health = health.New(health.Options{
		Interval:         cfg.Health.CheckInterval,
		FailureThreshold: cfg.Health.FailureThreshold,
		Logger:           logger,
		OnChange: func(snap health.Snapshot) {
			a.Degrade.Evaluate(snap)
		},
	})
	a.Health.Register(health.CheckDatabase, true, health.DatabaseCheck(store))
	a.Health.Register(health.CheckInternet, false, health.InternetCheck(a.Prober))
	a.Health.Register(health.CheckRemote, false, health.RemoteAPICheck(api))
	if cfg.Queue.Path != "" && cfg.Queue.Path != ":memory:" {
		minFree := uint64(cfg.Health.MinDiskFreeMB) * 1024 * 1024
		a.Health.Register(health.CheckDisk, false,
			health.DiskSpaceCheck(filepath.Dir(cfg.Queue.Path), minFree))
	}
	a.Health.Register(health.CheckMemory, false,
		health.MemoryCheck(uint64(cfg.Health.MaxHeapMB)*1024*1024))
	a.Health.Register(health.CheckBacklog, false,
		health.BacklogCheck(store, cfg.Health.MaxBacklog))

	a.Degrade = degrade.New(degrade.Options{
		Notifier: a.Notifier,
		Logger:   logger,
		OnChange: func(from, to degrade.Mode, caps degrade.Capabilities) {
			a.Metrics.Mode.Set(float64(to))
		},
	})

	if cfg.Sync.HeartbeatPort > 0 {
		a.Heartbeat = engine.NewHeartbeatListener(cfg.Sync.HeartbeatPort,
			a.Metrics.HeartbeatsSeen.Inc, logger)
	}

	eng, err := engine.New(engine.Options{
		Sync:         cfg.Sync,
		Queue:        store,
		Remote:       api,
		Connectivity: a.Prober,
		Breaker:      a.Breakers.Get("remote_api"),
		Capabilities: a.Degrade,
		Users:        cache.NewResolver(api, a.Cache),
		Heartbeat:    a.Heartbeat,
		Notifier:     a.Notifier,
		Metrics:      a.Metrics,
		Logger:       logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = eng

	if cfg.Status.ListenAddr != "" {
		srv, err := httpapi.New(httpapi.Options{
			ListenAddr: cfg.Status.ListenAddr,
			Engine:     eng,
			Health:     a.Health,
			Degrade:    a.Degrade,
			Breakers:   a.Breakers,
			Queue:      store,
			Metrics:    a.Metrics,
			Logger:     logger,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Status = srv
	}

	return a, nil
}

// buildRemote constructs the REST client, pulling the API key from the
// configured environment variable. The client shares the sync layer's
// per-minute quota so the two cannot disagree.
func buildRemote(cfg config.RemoteConfig, ratePerMinute int, logger *logging.Logger) (remote.API, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("app: remote.base_url is required")
	}
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "SHIFTLOG_API_KEY"
	}
	key := os.Getenv(keyEnv)
	if key == "" {
		return nil, fmt.Errorf("app: API key environment variable %s is empty", keyEnv)
	}
	return remote.NewRESTClient(remote.ClientOptions{
		BaseURL:       cfg.BaseURL,
		APIKey:        key,
		CallTimeout:   cfg.CallTimeout,
		RatePerMinute: ratePerMinute,
		Logger:        logger,
	})
}

func buildNotifier(cfg config.NotifyConfig, logger *logging.Logger) notify.Notifier {
	if cfg.TokenEnv == "" || cfg.ChatID == "" {
		return notify.Nop{}
	}
	token := os.Getenv(cfg.TokenEnv)
	if token == "" {
		logger.Warn("notification token env is empty, notifications disabled",
			"env", cfg.TokenEnv)
		return notify.Nop{}
	}
	tg, err := notify.NewTelegram(notify.TelegramOptions{
		Token:  token,
		ChatID: cfg.ChatID,
		Logger: logger,
	})
	if err != nil {
		logger.Warn("telegram notifier unavailable", "error", err)
		return notify.Nop{}
	}
	return tg
}

// RemoteHost returns the host the connectivity checks should probe for
// remote reachability.
func (a *App) RemoteHost() string {
	if a.Config.Remote.Host != "" {
		return a.Config.Remote.Host
	}
	if u, err := url.Parse(a.Config.Remote.BaseURL); err == nil {
		return u.Hostname()
	}
	return ""
}

// Run starts every background component and blocks until ctx is
// canceled, then shuts everything down in reverse order.
func (a *App) Run(ctx context.Context) error {
	if a.Heartbeat != nil {
		if err := a.Heartbeat.Start(ctx); err != nil {
			return err
		}
	}
	if err := a.Health.Start(ctx); err != nil {
		return err
	}
	if err := a.Degrade.StartAutoEvaluation(ctx,
		a.Config.Health.EvaluationInterval, a.Health.Snapshot); err != nil {
		return err
	}
	if err := a.Engine.Start(ctx); err != nil {
		return err
	}
	if a.Status != nil {
		a.Status.Start()
	}
	retentionDone := make(chan struct{})
	go func() {
		defer close(retentionDone)
		a.retentionLoop(ctx)
	}()
	a.Logger.Info("sync core running",
		"queue", a.Config.Queue.Path,
		"remote", a.Config.Remote.BaseURL,
		"status_addr", a.Config.Status.ListenAddr)

	<-ctx.Done()

	<-retentionDone
	a.Engine.Stop()
	a.Degrade.Stop()
	a.Health.Stop()
	if a.Heartbeat != nil {
		a.Heartbeat.Stop()
	}
	if a.Status != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Status.Shutdown(shutdownCtx)
	}
	return a.Close()
}

// retentionLoop prunes records past the retention window once at
// startup and then daily, so local storage stays bounded without the
// operator ever running the prune command.
func (a *App) retentionLoop(ctx context.Context) {
	retention := time.Duration(a.Config.Queue.RetentionDays) * 24 * time.Hour
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		pruneCtx, cancel := context.WithTimeout(ctx, time.Minute)
		actions, diags, err := a.Queue.PruneOlderThan(pruneCtx, retention)
		cancel()
		if err != nil && ctx.Err() == nil {
			a.Logger.Warn("retention prune failed", "error", err)
		} else if actions+diags > 0 {
			a.Logger.Info("retention prune",
				"actions", actions, "diagnostics", diags)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close releases storage resources. Safe to call more than once.
func (a *App) Close() error {
	var firstErr error
	if a.Cache != nil {
		if err := a.Cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.Cache = nil
	}
	if a.Queue != nil {
		if err := a.Queue.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		a.Queue = nil
	}
	if a.Logger != nil {
		_ = a.Logger.Close()
	}
	return firstErr
}
