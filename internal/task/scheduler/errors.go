package scheduler

import (
	"errors"
	"fmt"

	"lotkeeper/internal/task/registry"
)

var (
	ErrConfiguration = errors.New("scheduler: invalid schedule entry")
	ErrGuardConflict = errors.New("scheduler: runner already active")
	ErrQueueFull     = errors.New("scheduler: instant queue full")
	// ErrUnknownTask is registry.ErrUnknownTask.
	ErrUnknownTask = registry.ErrUnknownTask
)

// ConfigurationError describes one skipped schedule entry.
type ConfigurationError struct {
	Task   string
	Value  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("scheduler: entry %s=%q skipped: %s", e.Task, e.Value, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// GuardConflictError is returned by Start when this process already runs a
// schedule or another runner holds the guard, and by QueueTaskAsap when no
// loop is alive and the guard is held elsewhere.
type GuardConflictError struct {
	InProcess bool
	Err       error
}

func (e *GuardConflictError) Error() string {
	if e.InProcess {
		return "scheduler: runner already active in this process"
	}
	if e.Err != nil {
		return fmt.Sprintf("scheduler: runner guard unavailable: %v", e.Err)
	}
	return "scheduler: runner guard held by another runner"
}

func (e *GuardConflictError) Is(target error) bool { return target == ErrGuardConflict }

func (e *GuardConflictError) Unwrap() error { return e.Err }
