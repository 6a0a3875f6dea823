package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"lotkeeper/internal/task/engine"
	"lotkeeper/internal/task/guard"
	"lotkeeper/internal/task/registry"
	logx "lotkeeper/pkg/logx"
)

type Config struct {
	Timezone   string        // IANA TZ, e.g. "Europe/Berlin"; empty means Local
	Tick       time.Duration // loop period; default 1s
	QueueSize  int           // instant queue capacity; default 64
	JobTimeout time.Duration // per invocation; 0 means none
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

type entry struct {
	job   registry.Job
	at    string
	sched cron.Schedule
	next  time.Time
	prev  time.Time
}

type Service struct {
	mu sync.Mutex

	cfg    Config
	loc    *time.Location
	log    logx.Logger
	parser cron.Parser
	now    func() time.Time

	table  registry.Table
	runner *engine.Runner
	guard  guard.Guard

	entries map[registry.Job]*entry
	instant chan registry.Job
	wake    chan struct{}

	// Non-nil while a loop goroutine is alive.
	loopDone   chan struct{}
	loopCtx    context.Context
	cancelLoop context.CancelFunc

	failures failureReporter
}

type Option func(*Service)

// WithClock overrides time.Now for due-time evaluation.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New builds a stopped scheduler. table must have a handler for every job.
func New(cfg Config, table registry.Table, runner *engine.Runner, g guard.Guard, log logx.Logger, opts ...Option) (*Service, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if runner == nil {
		return nil, errors.New("scheduler: runner required")
	}
	if g == nil {
		g = guard.NewLocal()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "scheduler")),
		parser:  newParser(),
		now:     time.Now,
		table:   table,
		runner:  runner,
		guard:   g,
		entries: map[registry.Job]*entry{},
		instant: make(chan registry.Job, cfg.QueueSize),
		wake:    make(chan struct{}, 1),
	}
	s.loc = s.loadLocation(cfg.Timezone)
	s.failures.log = s.log
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s, nil
}

// Apply swaps tick, timezone and job timeout. Queue capacity is fixed at New.
// Entries keep their next-run times until the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	loc := s.loadLocation(cfg.Timezone)
	s.mu.Lock()
	cfg.QueueSize = cap(s.instant)
	s.cfg = cfg
	s.loc = loc
	s.mu.Unlock()
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Start installs the daily entries from schedule (task name -> "HH:MM" or
// "disabled") and spawns the loop.
//
// If the guard is held elsewhere, or this Service's loop already runs a
// schedule, Start changes nothing and returns a *GuardConflictError. A loop
// spawned only for queued tasks adopts the new entries instead. Invalid
// entries are logged and skipped; they are returned joined (errors.Is
// ErrConfiguration) while the valid entries run regardless.
func (s *Service) Start(ctx context.Context, schedule map[string]string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().In(s.loc)

	if s.loopDone != nil {
		// A loop cancelled by a timed-out Stop must exit before a schedule
		// can run again.
		if len(s.entries) > 0 || s.loopCtx.Err() != nil {
			err := &GuardConflictError{InProcess: true}
			s.log.Warn("start ignored", logx.Err(err))
			return err
		}
		entries, cfgErrs := s.buildEntries(schedule, now)
		s.entries = entries
		s.signal()
		s.log.Info("schedule adopted by running loop", logx.Int("tasks", len(entries)))
		return errors.Join(cfgErrs...)
	}

	entries, cfgErrs := s.buildEntries(schedule, now)

	if len(entries) == 0 && len(s.instant) == 0 {
		s.entries = entries
		s.log.Info("scheduler idle: no enabled tasks", logx.Int("skipped", len(cfgErrs)))
		return errors.Join(cfgErrs...)
	}

	ok, gerr := s.guard.TryAcquire()
	if !ok {
		err := &GuardConflictError{Err: gerr}
		s.log.Warn("start ignored", logx.Err(err))
		return err
	}

	s.entries = entries
	s.spawnLocked()

	fields := []logx.Field{logx.String("tz", s.loc.String()), logx.Int("tasks", len(entries))}
	for _, e := range sortedEntries(entries) {
		fields = append(fields, logx.String(e.job.String(), e.next.Format("2006-01-02 15:04")))
	}
	s.log.Info("scheduler started", fields...)
	return errors.Join(cfgErrs...)
}

func (s *Service) buildEntries(schedule map[string]string, now time.Time) (map[registry.Job]*entry, []error) {
	entries := map[registry.Job]*entry{}
	var errs []error

	names := make([]string, 0, len(schedule))
	for name := range schedule {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		at := strings.TrimSpace(schedule[name])
		if strings.EqualFold(at, Disabled) {
			s.log.Info("task disabled", logx.String("task", name))
			continue
		}
		fail := func(reason string) {
			err := &ConfigurationError{Task: name, Value: at, Reason: reason}
			s.log.Warn("schedule entry skipped", logx.Err(err))
			errs = append(errs, err)
		}

		job, err := registry.Parse(name)
		if err != nil {
			fail("unknown task")
			continue
		}
		spec, err := DailySpec(at)
		if err != nil {
			fail(err.Error())
			continue
		}
		sched, err := s.parser.Parse(spec)
		if err != nil {
			fail(err.Error())
			continue
		}
		entries[job] = &entry{job: job, at: at, sched: sched, next: sched.Next(now)}
	}
	return entries, errs
}

// QueueTaskAsap queues name for execution on the next tick, spawning the
// loop if none is alive. When no loop is alive and the guard is held by
// another runner, the queue is left unchanged and a *GuardConflictError is
// returned.
func (s *Service) QueueTaskAsap(name string) error {
	job, err := registry.Parse(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	spawn := false
	if s.loopDone == nil {
		ok, gerr := s.guard.TryAcquire()
		if !ok {
			err := &GuardConflictError{Err: gerr}
			s.log.Warn("task not queued: no runner can be spawned", logx.String("task", job.String()), logx.Err(err))
			return err
		}
		spawn = true
	}

	select {
	case s.instant <- job:
	default:
		if spawn {
			if rerr := s.guard.Release(); rerr != nil {
				s.log.Warn("guard release failed", logx.Err(rerr))
			}
		}
		return fmt.Errorf("%w: %s", ErrQueueFull, job)
	}

	if !spawn {
		s.signal()
		s.log.Debug("task queued", logx.String("task", job.String()), logx.Int("queue_len", len(s.instant)))
		return nil
	}
	s.spawnLocked()
	s.log.Debug("task queued; runner spawned", logx.String("task", job.String()))
	return nil
}

// Stop clears every entry and the instant queue and waits until the loop has
// exited. A job already running finishes unless ctx expires first, in which
// case it is cancelled and ctx.Err() is returned.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.entries = map[registry.Job]*entry{}
	dropped := s.drainQueueLocked()
	done, cancel := s.loopDone, s.cancelLoop
	s.signal()
	s.mu.Unlock()

	s.log.Info("stop requested", logx.Int("dropped_instant", dropped))
	return s.waitLoop(ctx, done, cancel)
}

// StopTask removes one daily entry. If nothing is left afterwards and a loop
// is alive, it waits for the loop to exit.
func (s *Service) StopTask(ctx context.Context, name string) error {
	job, err := registry.Parse(name)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	_, had := s.entries[job]
	delete(s.entries, job)
	empty := len(s.entries) == 0 && len(s.instant) == 0
	done, cancel := s.loopDone, s.cancelLoop
	if empty {
		s.signal()
	}
	s.mu.Unlock()

	if had {
		s.log.Info("task unscheduled", logx.String("task", job.String()))
	}
	if !empty {
		return nil
	}
	return s.waitLoop(ctx, done, cancel)
}

func (s *Service) waitLoop(ctx context.Context, done chan struct{}, cancel context.CancelFunc) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		s.log.Warn("stop timed out; in-flight job cancelled", logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

// Running reports whether a loop goroutine is alive.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopDone != nil
}

func (s *Service) drainQueueLocked() int {
	n := 0
	for {
		select {
		case <-s.instant:
			n++
		default:
			return n
		}
	}
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// spawnLocked starts the loop. Call with s.mu held and the guard acquired.
func (s *Service) spawnLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.loopDone = done
	s.loopCtx = ctx
	s.cancelLoop = cancel
	tick := s.cfg.Tick
	go s.loop(ctx, cancel, done, tick)
}

func (s *Service) loop(ctx context.Context, cancel context.CancelFunc, done chan struct{}, tick time.Duration) {
	defer close(done)
	defer cancel()

	t := time.NewTicker(tick)
	defer t.Stop()
	s.log.Debug("loop started", logx.Duration("tick", tick))

	for {
		s.runDue(ctx)
		s.drainInstant(ctx)

		s.mu.Lock()
		if len(s.entries) == 0 && len(s.instant) == 0 {
			s.loopDone = nil
			s.loopCtx = nil
			s.cancelLoop = nil
			if err := s.guard.Release(); err != nil {
				s.log.Warn("guard release failed", logx.Err(err))
			}
			s.mu.Unlock()
			s.log.Debug("loop exited: nothing scheduled or queued")
			return
		}
		s.mu.Unlock()

		select {
		case <-t.C:
		case <-s.wake:
		}
	}
}

func (s *Service) runDue(ctx context.Context) {
	s.mu.Lock()
	now := s.now().In(s.loc)
	var due []registry.Job
	for _, e := range sortedEntries(s.entries) {
		if now.Before(e.next) {
			continue
		}
		e.prev = now
		e.next = e.sched.Next(now)
		due = append(due, e.job)
	}
	s.mu.Unlock()

	for _, job := range due {
		s.invoke(ctx, job, engine.TriggerSchedule)
	}
}

// drainInstant runs the items queued when the drain started, each once.
// Items queued during the drain wait for the next tick.
func (s *Service) drainInstant(ctx context.Context) {
	n := len(s.instant)
	for i := 0; i < n; i++ {
		select {
		case job := <-s.instant:
			s.invoke(ctx, job, engine.TriggerInstant)
		default:
			return
		}
	}
}

func (s *Service) invoke(ctx context.Context, job registry.Job, trigger engine.Trigger) {
	s.mu.Lock()
	timeout := s.cfg.JobTimeout
	s.mu.Unlock()

	err := s.runner.Run(ctx, engine.Task{
		Name:    job.String(),
		Trigger: trigger,
		Timeout: timeout,
		Run:     s.table[job],
	})
	if err != nil {
		s.failures.report(job, trigger, err)
	}
}

func sortedEntries(m map[registry.Job]*entry) []*entry {
	out := make([]*entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].job < out[j].job })
	return out
}
