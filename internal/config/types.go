package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Suggestions SuggestionsConfig `json:"suggestions"`

	// ScheduledTasks maps a task name to a daily "HH:MM" or "disabled".
	// Invalid entries are not rejected here; the scheduler logs and skips them.
	ScheduledTasks map[string]string `json:"scheduled_tasks"`

	Notifier NotifierConfig `json:"notifier"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the store.
//
//	"storage": { "driver": "sqlite", "path": "./data/lotkeeper.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the background job loop. Durations are Go
// duration strings.
type SchedulerConfig struct {
	Timezone string `json:"timezone,omitempty"`
	Tick     string `json:"tick,omitempty"`

	// GuardFile is the runner lock file. GuardStaleAfter is how old its mtime
	// may get before another process takes it over ("0s" disables takeover).
	GuardFile       string `json:"guard_file,omitempty"`
	GuardStaleAfter string `json:"guard_stale_after,omitempty"`

	QueueSize   int    `json:"queue_size,omitempty"`
	JobTimeout  string `json:"job_timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
}

// SuggestionsConfig keeps the historical key names of the decision thresholds.
type SuggestionsConfig struct {
	ThresholdRestockDays    int             `json:"threshold_restock_days"`
	ThresholdPriceIncrease  decimal.Decimal `json:"threshold_price_increase"`
	ThresholdPriceDecrease  decimal.Decimal `json:"threshold_price_decrease"`
	MultiplierPriceIncrease decimal.Decimal `json:"multiplier_price_increase"`
	MultiplierPriceDecrease decimal.Decimal `json:"multiplier_price_decrease"`
}

// NotifierConfig sends a Telegram summary after each suggestion batch.
type NotifierConfig struct {
	Enabled    bool    `json:"enabled"`
	Token      string  `json:"token,omitempty"`
	ChatID     int64   `json:"chat_id,omitempty"`
	ThreadID   int     `json:"thread_id,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
}

// Default is the configuration written when no config file exists.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite", Path: "./data/lotkeeper.db", BusyTimeout: "5s"},
		Scheduler: SchedulerConfig{
			Tick:            "1s",
			GuardFile:       "./.task_scheduler_running",
			GuardStaleAfter: "10m",
			QueueSize:       64,
			JobTimeout:      "10m",
			HistorySize:     200,
		},
		Suggestions: SuggestionsConfig{
			ThresholdRestockDays:    7,
			ThresholdPriceIncrease:  decimal.RequireFromString("0.7"),
			ThresholdPriceDecrease:  decimal.RequireFromString("-0.4"),
			MultiplierPriceIncrease: decimal.RequireFromString("0.12"),
			MultiplierPriceDecrease: decimal.RequireFromString("0.2"),
		},
		ScheduledTasks: map[string]string{
			"auto_suggestions": "02:00",
			"auto_cleanup":     "03:00",
		},
		Notifier: NotifierConfig{RatePerSec: 1},
	}
}

// Validate checks values that would make a component fail to start.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: want sqlite or memory", c.Storage.Driver))
	}

	for path, raw := range map[string]string{
		"storage.busy_timeout":        c.Storage.BusyTimeout,
		"scheduler.tick":              c.Scheduler.Tick,
		"scheduler.guard_stale_after": c.Scheduler.GuardStaleAfter,
		"scheduler.job_timeout":       c.Scheduler.JobTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}
	if c.Scheduler.QueueSize < 0 || c.Scheduler.HistorySize < 0 || c.Scheduler.RetryMax < 0 {
		errs = append(errs, errors.New("scheduler: queue_size, history_size and retry_max must be >= 0"))
	}

	s := c.Suggestions
	if s.ThresholdRestockDays < 0 {
		errs = append(errs, errors.New("suggestions.threshold_restock_days must be >= 0"))
	}
	if s.ThresholdPriceDecrease.GreaterThanOrEqual(s.ThresholdPriceIncrease) {
		errs = append(errs, errors.New("suggestions.threshold_price_decrease must be below threshold_price_increase"))
	}
	if s.MultiplierPriceIncrease.IsNegative() || s.MultiplierPriceDecrease.IsNegative() {
		errs = append(errs, errors.New("suggestions: multipliers must be >= 0"))
	}

	if c.Notifier.Enabled {
		if strings.TrimSpace(c.Notifier.Token) == "" {
			errs = append(errs, errors.New("notifier.token is required when enabled"))
		}
		if c.Notifier.ChatID == 0 {
			errs = append(errs, errors.New("notifier.chat_id is required when enabled"))
		}
	}
	return errors.Join(errs...)
}
