// Package app owns the lifetime of a lotkeeper process: it builds every
// component from the config file, starts the scheduler and notifier, applies
// config changes while running and shuts everything down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lotkeeper/internal/cleanup"
	"lotkeeper/internal/config"
	"lotkeeper/internal/eventbus"
	"lotkeeper/internal/notifier"
	"lotkeeper/internal/runtime/supervisor"
	"lotkeeper/internal/storage"
	"lotkeeper/internal/suggest"
	"lotkeeper/internal/task/engine"
	"lotkeeper/internal/task/guard"
	"lotkeeper/internal/task/registry"
	"lotkeeper/internal/task/scheduler"
	"lotkeeper/pkg/logx"
)

// StopReason is logged when the app stops.
type StopReason string

const (
	StopSignal  StopReason = "signal"
	StopCommand StopReason = "command"
	StopFatal   StopReason = "fatal"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	opts options

	bus     eventbus.Bus
	store   storage.Store
	runner  *engine.Runner
	suggest *suggest.Engine
	cleanup *cleanup.Job
	table   registry.Table
	sched   *scheduler.Service
	notif   *notifier.Service

	mu  sync.Mutex
	sup *supervisor.Supervisor
}

type options struct {
	store  storage.Store
	sender notifier.Sender
	now    func() time.Time
}

type Option func(*options)

// WithStore uses st instead of opening the configured store.
func WithStore(st storage.Store) Option { return func(o *options) { o.store = st } }

// WithSender replaces the Telegram sender.
func WithSender(s notifier.Sender) Option { return func(o *options) { o.sender = s } }

// WithClock overrides time.Now for the suggestion engine and the scheduler.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New loads cfgPath, writing a default config first if the file does not
// exist, and builds a stopped App.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath, logx.NewConsole("info"))
	if _, err := cfgm.EnsureFile(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", cfgPath, err)
	}

	logs, root := logx.New(logConfig(cfg))
	cfgm.SetLogger(root)
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, logs: logs, log: log, opts: o, bus: eventbus.New()}

	a.store = o.store
	if a.store == nil {
		a.store, err = storage.Open(storageConfig(cfg), root)
		if err != nil {
			logs.Close()
			return nil, fmt.Errorf("storage: %w", err)
		}
	}

	loc := location(cfg)
	sopts := []suggest.Option{suggest.WithLocation(loc), suggest.WithBus(a.bus)}
	if o.now != nil {
		sopts = append(sopts, suggest.WithClock(o.now))
	}
	a.suggest = suggest.New(a.store, suggestConfig(cfg), root, sopts...)
	a.cleanup = cleanup.New(a.store, root, a.bus)
	a.runner = engine.New(engineConfig(cfg), root, a.bus)

	a.table = registry.Table{
		registry.JobAutoSuggestions: func(ctx context.Context) error {
			_, err := a.suggest.RegenerateAll(ctx)
			return a.retryHint(err)
		},
		registry.JobAutoCleanup: func(ctx context.Context) error {
			_, err := a.cleanup.Run(ctx)
			return a.retryHint(err)
		},
	}

	var g guard.Guard = guard.NewLocal()
	if path := cfg.Scheduler.GuardFile; path != "" {
		g = guard.NewFile(path, guardStaleAfter(cfg), root)
	}
	var schedOpts []scheduler.Option
	if o.now != nil {
		schedOpts = append(schedOpts, scheduler.WithClock(o.now))
	}
	a.sched, err = scheduler.New(schedulerConfig(cfg), a.table, a.runner, g, root, schedOpts...)
	if err != nil {
		_ = a.store.Close()
		logs.Close()
		return nil, err
	}

	sender, err := a.newSender(cfg)
	if err != nil {
		log.Warn("notifier sender unavailable", logx.Err(err))
	}
	a.notif = notifier.New(notifierConfig(cfg), sender, a.bus, root)
	return a, nil
}

func (a *App) newSender(cfg *config.Config) (notifier.Sender, error) {
	if a.opts.sender != nil {
		return a.opts.sender, nil
	}
	if !cfg.Notifier.Enabled {
		return nil, nil
	}
	tg, err := notifier.NewTelegram(cfg.Notifier.Token)
	if err != nil {
		return nil, err
	}
	return tg, nil
}

func (a *App) Config() *config.Config        { return a.cfgm.Get() }
func (a *App) Logger() logx.Logger           { return a.log }
func (a *App) Bus() eventbus.Bus             { return a.bus }
func (a *App) Store() storage.Store          { return a.store }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
func (a *App) Suggestions() *suggest.Engine  { return a.suggest }
func (a *App) Runner() *engine.Runner        { return a.runner }
func (a *App) Notifier() *notifier.Service   { return a.notif }

// Start installs the configured daily schedule, starts the notifier and
// begins watching the config file. Calling Start twice is a no-op.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.sup != nil {
		a.mu.Unlock()
		return nil
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(a.log))
	a.sup = sup
	a.mu.Unlock()

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return suggestConfig(cfg).Validate()
	})

	cfg := a.cfgm.Get()
	a.notif.Start(sup.Context())
	a.startScheduler(cfg)

	sub := a.cfgm.Subscribe(4)
	sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub, cfg)
		return nil
	})
	sup.GoRestart("config.watch", a.cfgm.Watch)

	sdNotify(a.log, sdReady)
	a.log.Info("started", logx.String("config", a.cfgm.Path()))
	return nil
}

// retryHint applies jobErr with the busy timeout of the current config.
func (a *App) retryHint(err error) error {
	return jobErr(err, storageConfig(a.cfgm.Get()).BusyTimeout)
}

// startScheduler starts the scheduler with cfg's schedule. Skipped entries
// and guard conflicts are logged and do not stop the app. When the previous
// loop of this process is still exiting, the schedule is installed once it
// has gone.
func (a *App) startScheduler(cfg *config.Config) {
	err := a.sched.Start(context.Background(), cfg.ScheduledTasks)
	var gc *scheduler.GuardConflictError
	if !errors.As(err, &gc) {
		return
	}
	if !gc.InProcess {
		a.log.Warn("another runner holds the guard; daily tasks will not run here", logx.Err(err))
		return
	}

	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		a.log.Warn("schedule not installed: previous loop still running", logx.Err(err))
		return
	}
	a.log.Warn("previous loop still running; schedule deferred until it exits")
	sup.Go("scheduler.restart", func(ctx context.Context) error {
		if err := a.WaitIdle(ctx); err != nil {
			return nil
		}
		a.startScheduler(a.cfgm.Get())
		return nil
	})
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config, last *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: apply only the newest pending config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

// applyConfig moves the running components from old to next. The scheduler
// is restarted (stop, then start) when its settings or schedule changed.
func (a *App) applyConfig(ctx context.Context, old, next *config.Config) {
	ch := config.Diff(old, next)
	if !ch.Any() {
		a.log.Debug("config reload without effective changes")
		return
	}
	a.log.Info("applying config", logx.String("changes", config.Summarize(old, next)))

	if ch.Logging {
		a.logs.Apply(logConfig(next))
	}
	if ch.Storage {
		a.log.Warn("storage settings changed; restart required")
	}
	if ch.Scheduler {
		a.runner.Apply(engineConfig(next))
		if old.Scheduler.GuardFile != next.Scheduler.GuardFile || old.Scheduler.GuardStaleAfter != next.Scheduler.GuardStaleAfter {
			a.log.Warn("guard settings changed; restart required")
		}
	}
	if ch.Suggestions || ch.Scheduler {
		a.suggest.Reconfigure(suggestConfig(next), location(next))
	}
	if ch.RestartScheduler() {
		stopCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := a.sched.Stop(stopCtx); err != nil {
			a.log.Warn("scheduler stop before restart incomplete", logx.Err(err))
		}
		cancel()
		a.sched.Apply(schedulerConfig(next))
		a.startScheduler(next)
	}
	if ch.Notifier {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
		sender, err := a.newSender(next)
		if err != nil {
			a.log.Warn("notifier sender unavailable", logx.Err(err))
		}
		a.notif.SetSender(sender)
		a.notif.Apply(notifierConfig(next))
		a.notif.Start(ctx)
	}
}

// RequestRegenerate recomputes all suggestions. With sync it runs now on the
// caller's goroutine and returns the number stored; otherwise the job is
// queued on the scheduler and 0 is returned. Queueing fails with
// scheduler.ErrGuardConflict when another process holds the runner guard.
func (a *App) RequestRegenerate(ctx context.Context, sync bool) (int, error) {
	if !sync {
		if err := a.sched.QueueTaskAsap(registry.JobAutoSuggestions.String()); err != nil {
			return 0, fmt.Errorf("queue %s: %w", registry.JobAutoSuggestions, err)
		}
		return 0, nil
	}
	var n int
	err := a.runner.Run(ctx, engine.Task{
		Name:    registry.JobAutoSuggestions.String(),
		Trigger: engine.TriggerManual,
		Run: func(ctx context.Context) error {
			var err error
			n, err = a.suggest.RegenerateAll(ctx)
			return err
		},
	})
	return n, err
}

// RunCleanup removes depleted lots now and returns how many were removed.
func (a *App) RunCleanup(ctx context.Context) (int, error) {
	var n int
	err := a.runner.Run(ctx, engine.Task{
		Name:    registry.JobAutoCleanup.String(),
		Trigger: engine.TriggerManual,
		Run: func(ctx context.Context) error {
			var err error
			n, err = a.cleanup.Run(ctx)
			return err
		},
	})
	return n, err
}

// RunTask runs the named job synchronously through the job runner.
func (a *App) RunTask(ctx context.Context, name string) error {
	job, err := registry.Parse(name)
	if err != nil {
		return err
	}
	return a.runner.Run(ctx, engine.Task{Name: job.String(), Trigger: engine.TriggerManual, Run: a.table[job]})
}

// WaitIdle blocks until the scheduler loop has exited or ctx is done.
func (a *App) WaitIdle(ctx context.Context) error {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for a.sched.Running() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Stop shuts components down in order: scheduler, notifier, background
// goroutines, store, logs. Each step is bounded so one slow component cannot
// hold up the rest. Stop also releases an App that was never started.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.mu.Lock()
	sup := a.sup
	a.sup = nil
	a.mu.Unlock()

	a.log.Info("stopping", logx.String("reason", string(reason)))
	if sup != nil {
		sdNotify(a.log, sdStopping)
		sup.Cancel()
	}

	var errs []error
	errs = append(errs, a.step(ctx, "scheduler", 30*time.Second, a.sched.Stop))
	errs = append(errs, a.step(ctx, "notifier", 5*time.Second, func(c context.Context) error {
		a.notif.Stop(c)
		return nil
	}))
	if sup != nil {
		errs = append(errs, a.step(ctx, "supervisor", 2*time.Second, sup.Wait))
	}
	errs = append(errs, a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() }))

	a.log.Info("stopped")
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// step runs fn with at most limit of the caller's remaining time.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	c, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(c)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step failed", logx.String("step", name), logx.Err(err))
			return fmt.Errorf("%s: %w", name, err)
		}
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
		return nil
	case <-c.Done():
		a.log.Warn("stop step deadline reached", logx.String("step", name), logx.Duration("elapsed", time.Since(start)))
		return fmt.Errorf("%s: %w", name, c.Err())
	}
}
