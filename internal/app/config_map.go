package app

import (
	"errors"
	"strings"
	"time"

	"lotkeeper/internal/config"
	"lotkeeper/internal/notifier"
	"lotkeeper/internal/storage"
	"lotkeeper/internal/suggest"
	"lotkeeper/internal/task/engine"
	"lotkeeper/internal/task/scheduler"
	"lotkeeper/pkg/logx"
)

// The mappers below assume cfg passed config.Validate, so duration parse
// errors cannot occur and are ignored.

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storageConfig(cfg *config.Config) storage.Config {
	busy, _ := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: busy,
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	tick, _ := config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, time.Second)
	timeout, _ := config.ParseDurationField("scheduler.job_timeout", cfg.Scheduler.JobTimeout)
	return scheduler.Config{
		Timezone:   cfg.Scheduler.Timezone,
		Tick:       tick,
		QueueSize:  cfg.Scheduler.QueueSize,
		JobTimeout: timeout,
	}
}

func engineConfig(cfg *config.Config) engine.Config {
	timeout, _ := config.ParseDurationField("scheduler.job_timeout", cfg.Scheduler.JobTimeout)
	return engine.Config{
		DefaultTimeout: timeout,
		HistorySize:    cfg.Scheduler.HistorySize,
		RetryMax:       cfg.Scheduler.RetryMax,
	}
}

func suggestConfig(cfg *config.Config) suggest.Config {
	s := cfg.Suggestions
	return suggest.Config{
		RestockThresholdDays:    s.ThresholdRestockDays,
		PriceIncreaseThreshold:  s.ThresholdPriceIncrease,
		PriceDecreaseThreshold:  s.ThresholdPriceDecrease,
		PriceIncreaseMultiplier: s.MultiplierPriceIncrease,
		PriceDecreaseMultiplier: s.MultiplierPriceDecrease,
	}
}

func notifierConfig(cfg *config.Config) notifier.Config {
	return notifier.Config{
		Enabled:    cfg.Notifier.Enabled,
		ChatID:     cfg.Notifier.ChatID,
		ThreadID:   cfg.Notifier.ThreadID,
		RatePerSec: cfg.Notifier.RatePerSec,
	}
}

func guardStaleAfter(cfg *config.Config) time.Duration {
	d, _ := config.ParseDurationField("scheduler.guard_stale_after", cfg.Scheduler.GuardStaleAfter)
	return d
}

// location is the business timezone used for calendar dates. An empty or
// unknown zone means Local, matching the scheduler.
func location(cfg *config.Config) *time.Location {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Local
	}
	return loc
}

// jobErr tells the runner how to retry a job failure: a closed store is
// permanent, anything else waits at least one busy timeout.
func jobErr(err error, busy time.Duration) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrDisabled):
		return engine.NoRetry(err)
	default:
		return engine.RetryAfter(err, busy)
	}
}
