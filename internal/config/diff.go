package config

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
)

// Change describes which sections differ between two configs.
type Change struct {
	Logging        bool
	Storage        bool
	Scheduler      bool
	Suggestions    bool
	ScheduledTasks bool
	Notifier       bool
}

func (c Change) Any() bool {
	return c.Logging || c.Storage || c.Scheduler || c.Suggestions || c.ScheduledTasks || c.Notifier
}

// RestartScheduler reports whether the running scheduler must be stopped and
// started again to pick the change up.
func (c Change) RestartScheduler() bool { return c.Scheduler || c.ScheduledTasks }

// Diff compares old and next section by section. A nil old counts as
// everything changed.
func Diff(old, next *Config) Change {
	if old == nil || next == nil {
		return Change{true, true, true, true, true, true}
	}
	return Change{
		Logging:        old.Logging != next.Logging,
		Storage:        old.Storage != next.Storage,
		Scheduler:      old.Scheduler != next.Scheduler,
		Suggestions:    !suggestionsEqual(old.Suggestions, next.Suggestions),
		ScheduledTasks: !maps.Equal(old.ScheduledTasks, next.ScheduledTasks),
		Notifier:       old.Notifier != next.Notifier,
	}
}

func suggestionsEqual(a, b SuggestionsConfig) bool {
	return a.ThresholdRestockDays == b.ThresholdRestockDays &&
		a.ThresholdPriceIncrease.Equal(b.ThresholdPriceIncrease) &&
		a.ThresholdPriceDecrease.Equal(b.ThresholdPriceDecrease) &&
		a.MultiplierPriceIncrease.Equal(b.MultiplierPriceIncrease) &&
		a.MultiplierPriceDecrease.Equal(b.MultiplierPriceDecrease)
}

// Summarize renders a one-line, log-safe description of what changed.
// Secrets are never included.
func Summarize(old, next *Config) string {
	if old == nil || next == nil {
		return "initial"
	}
	ch := Diff(old, next)
	if !ch.Any() {
		return "no changes"
	}
	var parts []string
	if ch.Logging {
		parts = append(parts, fmt.Sprintf("logging.level=%s", next.Logging.Level))
	}
	if ch.Storage {
		parts = append(parts, "storage (restart required)")
	}
	if ch.Scheduler {
		parts = append(parts, "scheduler:"+strings.Join(changedFields(old.Scheduler, next.Scheduler), ","))
	}
	if ch.Suggestions {
		parts = append(parts, "suggestions")
	}
	if ch.ScheduledTasks {
		var names []string
		for _, k := range slices.Sorted(maps.Keys(next.ScheduledTasks)) {
			if old.ScheduledTasks[k] != next.ScheduledTasks[k] {
				names = append(names, k+"="+next.ScheduledTasks[k])
			}
		}
		for k := range old.ScheduledTasks {
			if _, ok := next.ScheduledTasks[k]; !ok {
				names = append(names, k+" removed")
			}
		}
		parts = append(parts, "scheduled_tasks:"+strings.Join(names, ","))
	}
	if ch.Notifier {
		parts = append(parts, fmt.Sprintf("notifier.enabled=%t", next.Notifier.Enabled))
	}
	return strings.Join(parts, "; ")
}

// changedFields lists the json names of the top-level fields that differ.
func changedFields[T any](a, b T) []string {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	t := va.Type()
	var out []string
	for i := range t.NumField() {
		if reflect.DeepEqual(va.Field(i).Interface(), vb.Field(i).Interface()) {
			continue
		}
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		if name == "" {
			name = t.Field(i).Name
		}
		out = append(out, name)
	}
	return out
}
