// Package registry is the closed set of jobs the scheduler can run.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrUnknownTask = errors.New("unknown task")

type Job int

const (
	JobAutoSuggestions Job = iota + 1
	JobAutoCleanup
)

// All lists every job in declaration order.
var All = []Job{JobAutoSuggestions, JobAutoCleanup}

var names = map[Job]string{
	JobAutoSuggestions: "auto_suggestions",
	JobAutoCleanup:     "auto_cleanup",
}

func (j Job) String() string {
	if s, ok := names[j]; ok {
		return s
	}
	return fmt.Sprintf("Job(%d)", int(j))
}

func (j Job) Valid() bool {
	_, ok := names[j]
	return ok
}

// Parse maps a canonical job name to its Job.
func Parse(name string) (Job, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for j, s := range names {
		if s == n {
			return j, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTask, name)
}

// Names returns the canonical names, sorted.
func Names() []string {
	out := make([]string, 0, len(names))
	for _, s := range names {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Func is a job body.
type Func func(ctx context.Context) error

// Table dispatches jobs to their bodies.
type Table map[Job]Func

// Validate reports jobs without a handler.
func (t Table) Validate() error {
	var missing []string
	for _, j := range All {
		if t[j] == nil {
			missing = append(missing, j.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("task table missing handlers: %s", strings.Join(missing, ", "))
	}
	return nil
}
