package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"lotkeeper/internal/eventbus"
	logx "lotkeeper/pkg/logx"
)

type Runner struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	hmu     sync.Mutex
	history []HistoryItem

	runs     atomic.Uint64
	failures atomic.Uint64
	panics   atomic.Uint64
}

// New creates a runner. bus may be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{
		cfg: cfg.withDefaults(),
		log: log.With(logx.String("comp", "taskengine")),
		bus: bus,
	}
}

func (r *Runner) Apply(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg.withDefaults()
	r.mu.Unlock()
}

// Run executes t synchronously and returns its final error. Panics inside
// t.Run are returned as errors wrapping ErrPanic.
func (r *Runner) Run(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	r.mu.Lock()
	cfg := r.cfg
	r.mu.Unlock()

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	start := time.Now()
	r.runs.Add(1)
	r.log.Debug("task.started", logx.String("task", t.Name), logx.String("id", t.ID), logx.String("trigger", string(t.Trigger)))
	r.publish(eventbus.TypeTaskStarted, TaskEvent{ID: t.ID, Name: t.Name, Trigger: t.Trigger, Started: start})

	var err error
	attempts := 0
	maxAttempts := 1 + cfg.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = r.attempt(ctx, t, timeout)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if errors.Is(err, ErrPanic) || ctx.Err() != nil || attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(cfg, attempt, err)
		r.log.Debug("task retry scheduled", logx.String("task", t.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Name: t.Name, Trigger: t.Trigger, Started: start, Duration: dur, Attempts: attempts}
	ev := TaskEvent{ID: t.ID, Name: t.Name, Trigger: t.Trigger, Started: start, Duration: dur, Attempts: attempts}
	if err != nil {
		r.failures.Add(1)
		item.Error = err.Error()
		ev.Error = item.Error
		r.log.Debug("task.failed", logx.String("task", t.Name), logx.String("id", t.ID), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		r.publish(eventbus.TypeTaskFailed, ev)
	} else {
		if dur >= 750*time.Millisecond {
			r.log.Info("task.completed", logx.String("task", t.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			r.log.Debug("task.completed", logx.String("task", t.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		r.publish(eventbus.TypeTaskFinished, ev)
	}
	r.record(item, cfg.HistorySize)
	return err
}

func (r *Runner) attempt(ctx context.Context, t Task, timeout time.Duration) (err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.panics.Add(1)
			err = fmt.Errorf("%w: %v", ErrPanic, rec)
			r.log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.Run(runCtx)
}

func (r *Runner) publish(typ string, ev TaskEvent) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func (r *Runner) record(item HistoryItem, size int) {
	r.hmu.Lock()
	r.history = append(r.history, item)
	if len(r.history) > size {
		r.history = r.history[len(r.history)-size:]
	}
	r.hmu.Unlock()
}

// History returns a copy of recent runs, oldest first.
func (r *Runner) History() []HistoryItem {
	r.hmu.Lock()
	defer r.hmu.Unlock()
	out := make([]HistoryItem, len(r.history))
	copy(out, r.history)
	return out
}

func (r *Runner) Stats() Stats {
	return Stats{Runs: r.runs.Load(), Failures: r.failures.Load(), Panics: r.panics.Load()}
}

func backoffDelayWithHint(cfg Config, retry int, err error) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
		}
		return jitter(d, cfg.RetryJitter, cfg.RetryMaxDelay)
	}
	return backoffDelay(cfg, retry)
}

func backoffDelay(cfg Config, retry int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg.RetryJitter, cfg.RetryMaxDelay)
}

func jitter(d time.Duration, j float64, maxD time.Duration) time.Duration {
	if j > 0 && d > 0 {
		f := (rand.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + f))
	}
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
