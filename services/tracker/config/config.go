// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the tunable surface of the sync core.
//
// Configuration is a single YAML file. Defaults are applied before
// validation so a partial file (or no file at all) yields a working
// setup. Validation uses struct tags; a config that fails validation is
// rejected at startup rather than producing surprising runtime behavior.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface consumed by the sync core.
type Config struct {
	// Sync controls the engine cadence and batching.
	Sync SyncConfig `yaml:"sync"`

	// Breaker controls circuit breaker thresholds for remote dependencies.
	Breaker BreakerConfig `yaml:"breaker"`

	// Health controls the periodic health checker.
	Health HealthConfig `yaml:"health"`

	// Queue controls the durable local queue.
	Queue QueueConfig `yaml:"queue"`

	// Remote identifies the delivery backend.
	Remote RemoteConfig `yaml:"remote"`

	// Notify configures the Telegram notification collaborator.
	Notify NotifyConfig `yaml:"notify"`

	// Status configures the local status HTTP endpoint for the UI.
	Status StatusConfig `yaml:"status"`

	// LogDir enables file logging when set (see pkg/logging).
	LogDir string `yaml:"log_dir"`
}

// SyncConfig controls the sync engine's cadence state machine, batching
// and retry behavior.
type SyncConfig struct {
	// IntervalNormal is the steady-state polling interval.
	IntervalNormal time.Duration `yaml:"interval_normal" validate:"gt=0"`

	// IntervalOfflineWait is the short interval used while connectivity
	// is down, to detect its return quickly.
	IntervalOfflineWait time.Duration `yaml:"interval_offline_wait" validate:"gt=0"`

	// IntervalRecovery is the minimum interval used right after
	// connectivity returns or while the backlog is large.
	IntervalRecovery time.Duration `yaml:"interval_recovery" validate:"gt=0"`

	// RecoveryBacklogExit is the backlog size below which the engine
	// leaves recovery mode.
	RecoveryBacklogExit int `yaml:"recovery_backlog_exit" validate:"gte=1"`

	// BatchSize is the pull limit for one non-prioritized cycle.
	BatchSize int `yaml:"batch_size" validate:"gte=1"`

	// FreshWindow bounds the freshness-first tier: records newer than
	// this are synced ahead of the backlog.
	FreshWindow time.Duration `yaml:"fresh_window" validate:"gt=0"`

	// FreshBatchLimit is the pull limit inside the fresh tier.
	FreshBatchLimit int `yaml:"fresh_batch_limit" validate:"gte=1"`

	// MaxRetries is the per-user delivery attempt cap within one cycle.
	MaxRetries int `yaml:"max_retries" validate:"gte=1"`

	// BackoffBase is the base delay for jittered exponential backoff.
	BackoffBase time.Duration `yaml:"backoff_base" validate:"gt=0"`

	// BackoffCap bounds a single backoff sleep.
	BackoffCap time.Duration `yaml:"backoff_cap" validate:"gt=0"`

	// RatePerMinute is the remote API's per-minute request quota. The
	// derived minimum spacing floors every retry delay so bursts never
	// exceed the quota even under retry storms.
	RatePerMinute int `yaml:"rate_per_minute" validate:"gte=1"`

	// HeartbeatTimeout is how long the engine tolerates silence from
	// the UI liveness ping before it considers itself orphaned.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" validate:"gt=0"`

	// HeartbeatPort is the loopback UDP port for liveness pings.
	// 0 disables the listener (heartbeats come via Heartbeat() calls).
	HeartbeatPort int `yaml:"heartbeat_port" validate:"gte=0,lte=65535"`
}

// BreakerConfig holds circuit breaker thresholds shared by the remote
// dependencies (one breaker per dependency name).
type BreakerConfig struct {
	// FailureThreshold opens the circuit after this many consecutive
	// failures.
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=1"`

	// RecoveryTimeout is how long the circuit stays open before the
	// next call may probe for recovery.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" validate:"gt=0"`

	// SuccessThreshold closes a half-open circuit after this many
	// consecutive successes.
	SuccessThreshold int `yaml:"success_threshold" validate:"gte=1"`
}

// HealthConfig controls the health checker and degradation evaluator.
type HealthConfig struct {
	// CheckInterval is the monitor tick period.
	CheckInterval time.Duration `yaml:"check_interval" validate:"gt=0"`

	// FailureThreshold is the consecutive-failure streak that fires an
	// alert (once per streak crossing).
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=1"`

	// EvaluationInterval is the degradation manager re-evaluation period.
	EvaluationInterval time.Duration `yaml:"evaluation_interval" validate:"gt=0"`

	// MinDiskFreeMB is the free-space floor for the disk check.
	MinDiskFreeMB int `yaml:"min_disk_free_mb" validate:"gte=1"`

	// MaxHeapMB is the process heap ceiling for the memory check.
	MaxHeapMB int `yaml:"max_heap_mb" validate:"gte=1"`

	// MaxBacklog is the unsynced-record count above which the backlog
	// check reports unhealthy.
	MaxBacklog int `yaml:"max_backlog" validate:"gte=1"`
}

// QueueConfig controls the durable local queue.
type QueueConfig struct {
	// Path is the SQLite database file. Empty means in-memory (tests).
	Path string `yaml:"path"`

	// MaxCommentLength caps free-text comments on ActionRecords.
	MaxCommentLength int `yaml:"max_comment_length" validate:"gte=1"`

	// RetentionDays bounds local storage: records older than this are
	// pruned regardless of sync state.
	RetentionDays int `yaml:"retention_days" validate:"gte=1"`

	// LockWait bounds how long a writer waits for the queue lock before
	// failing with a timeout error.
	LockWait time.Duration `yaml:"lock_wait" validate:"gt=0"`

	// CachePath is the directory for the Badger reference-data cache.
	// Empty means in-memory (tests).
	CachePath string `yaml:"cache_path"`

	// CacheTTL is how long cached directory entries stay fresh.
	CacheTTL time.Duration `yaml:"cache_ttl" validate:"gt=0"`
}

// RemoteConfig identifies the delivery backend (a PostgREST-style API).
type RemoteConfig struct {
	// BaseURL is the API root, e.g. "https://xyz.supabase.co".
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// Host is the hostname probed for connectivity. Derived from
	// BaseURL when empty.
	Host string `yaml:"host"`

	// APIKeyEnv names the environment variable carrying the API key.
	// The key itself never appears in the config file.
	APIKeyEnv string `yaml:"api_key_env"`

	// CallTimeout is the hard per-call timeout.
	CallTimeout time.Duration `yaml:"call_timeout" validate:"gt=0"`

	// ProbeURL is the secondary well-known URL used by the thorough
	// connectivity check.
	ProbeURL string `yaml:"probe_url" validate:"omitempty,url"`
}

// NotifyConfig configures the Telegram notifier. Both values empty
// disables notifications entirely.
type NotifyConfig struct {
	// TokenEnv names the environment variable carrying the bot token.
	TokenEnv string `yaml:"token_env"`

	// ChatID is the monitoring chat that receives alerts.
	ChatID string `yaml:"chat_id"`
}

// StatusConfig configures the loopback HTTP endpoint the UI polls.
type StatusConfig struct {
	// ListenAddr is the bind address. Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration used when no file is present.
// Values mirror the shipped client defaults.
func Default() Config {
	return Config{
		Sync: SyncConfig{
			IntervalNormal:      30 * time.Second,
			IntervalOfflineWait: 5 * time.Second,
			IntervalRecovery:    2 * time.Second,
			RecoveryBacklogExit: 10,
			BatchSize:           50,
			FreshWindow:         15 * time.Minute,
			FreshBatchLimit:     20,
			MaxRetries:          5,
			BackoffBase:         time.Second,
			BackoffCap:          5 * time.Minute,
			RatePerMinute:       50,
			HeartbeatTimeout:    time.Hour,
			HeartbeatPort:       43333,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  60 * time.Second,
			SuccessThreshold: 2,
		},
		Health: HealthConfig{
			CheckInterval:      60 * time.Second,
			FailureThreshold:   3,
			EvaluationInterval: 30 * time.Second,
			MinDiskFreeMB:      100,
			MaxHeapMB:          512,
			MaxBacklog:         1000,
		},
		Queue: QueueConfig{
			Path:             "shiftlog.db",
			MaxCommentLength: 500,
			RetentionDays:    30,
			LockWait:         5 * time.Second,
			CachePath:        "",
			CacheTTL:         5 * time.Minute,
		},
		Remote: RemoteConfig{
			CallTimeout: 15 * time.Second,
			ProbeURL:    "https://www.google.com",
		},
		Status: StatusConfig{
			ListenAddr: "127.0.0.1:43334",
		},
	}
}

// Load reads the YAML file at path, applies defaults for absent fields
// and validates the result. A missing file yields Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration using struct tags plus the
// cross-field rules the tags can't express.
func (c Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Sync.IntervalRecovery > c.Sync.IntervalNormal {
		return fmt.Errorf("sync.interval_recovery (%v) must not exceed interval_normal (%v)",
			c.Sync.IntervalRecovery, c.Sync.IntervalNormal)
	}
	if c.Sync.BackoffCap < c.Sync.BackoffBase {
		return fmt.Errorf("sync.backoff_cap (%v) must be at least backoff_base (%v)",
			c.Sync.BackoffCap, c.Sync.BackoffBase)
	}
	if c.Sync.FreshBatchLimit > c.Sync.BatchSize {
		return fmt.Errorf("sync.fresh_batch_limit (%d) must not exceed batch_size (%d)",
			c.Sync.FreshBatchLimit, c.Sync.BatchSize)
	}
	return nil
}

// MinSpacing derives the minimum delay between remote calls from the
// per-minute quota. Backoff sleeps are floored by this value.
func (s SyncConfig) MinSpacing() time.Duration {
	if s.RatePerMinute <= 0 {
		return 0
	}
	return time.Minute / time.Duration(s.RatePerMinute)
}
