package engine

import (
	"context"
	"time"
)

type Config struct {
	// DefaultTimeout applies when Task.Timeout is 0. 0 means no timeout.
	DefaultTimeout time.Duration

	HistorySize int

	// RetryMax is the number of extra attempts after a failure.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	return c
}

// Trigger says why a task ran.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerInstant  Trigger = "instant"
	TriggerManual   Trigger = "manual"
)

// Task is one invocation of a job body.
type Task struct {
	ID      string
	Name    string
	Trigger Trigger
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type HistoryItem struct {
	ID       string
	Name     string
	Trigger  Trigger
	Started  time.Time
	Duration time.Duration
	Attempts int
	Error    string
}

// TaskEvent is the Data of task.* bus events.
type TaskEvent struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Trigger  Trigger       `json:"trigger"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Error    string        `json:"error,omitempty"`
}

// Stats are cumulative counters since the Runner was created.
type Stats struct {
	Runs     uint64
	Failures uint64
	Panics   uint64
}
