package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lotkeeper/internal/task/engine"
	"lotkeeper/internal/task/guard"
	"lotkeeper/internal/task/registry"
	logx "lotkeeper/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type counters struct {
	suggestions atomic.Int32
	cleanup     atomic.Int32
}

func (c *counters) table() registry.Table {
	return registry.Table{
		registry.JobAutoSuggestions: func(context.Context) error { c.suggestions.Add(1); return nil },
		registry.JobAutoCleanup:     func(context.Context) error { c.cleanup.Add(1); return nil },
	}
}

func newService(t *testing.T, table registry.Table, g guard.Guard, opts ...Option) *Service {
	t.Helper()
	s, err := New(Config{Tick: 10 * time.Millisecond, Timezone: "UTC"}, table, engine.New(engine.Config{}, logx.Nop(), nil), g, logx.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestNewRejectsIncompleteTable(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, registry.Table{}, engine.New(engine.Config{}, logx.Nop(), nil), nil, logx.Nop())
	assert.Error(t, err)
}

func TestQueueTaskAsapRunsOnceAndLoopExits(t *testing.T) {
	t.Parallel()
	var c counters
	g := guard.NewFile(filepath.Join(t.TempDir(), ".task_scheduler_running"), time.Hour, logx.Nop())
	s := newService(t, c.table(), g)

	require.NoError(t, s.QueueTaskAsap("auto_cleanup"))
	require.Eventually(t, func() bool { return c.cleanup.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !s.Running() }, 2*time.Second, 5*time.Millisecond)

	assert.False(t, g.Held())
	assert.Equal(t, int32(0), c.suggestions.Load())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), c.cleanup.Load())
}

func TestQueueTaskAsapUnknown(t *testing.T) {
	t.Parallel()
	var c counters
	s := newService(t, c.table(), nil)

	err := s.QueueTaskAsap("nonexistent")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownTask))

	snap := s.Snapshot()
	assert.Zero(t, snap.QueueLen)
	assert.False(t, snap.Running)
}

func TestQueueTaskAsapGuardHeldElsewhere(t *testing.T) {
	t.Parallel()
	var c counters
	held := guard.NewLocal()
	ok, _ := held.TryAcquire()
	require.True(t, ok)
	s := newService(t, c.table(), held)

	err := s.QueueTaskAsap("auto_cleanup")
	assert.ErrorIs(t, err, ErrGuardConflict)
	var gc *GuardConflictError
	require.ErrorAs(t, err, &gc)
	assert.False(t, gc.InProcess)

	snap := s.Snapshot()
	assert.Zero(t, snap.QueueLen)
	assert.False(t, snap.Running)

	require.NoError(t, held.Release())
	require.NoError(t, s.QueueTaskAsap("auto_cleanup"))
	require.Eventually(t, func() bool { return c.cleanup.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	table := registry.Table{
		registry.JobAutoSuggestions: func(ctx context.Context) error {
			once.Do(func() { close(started) })
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
		registry.JobAutoCleanup: func(context.Context) error { return nil },
	}
	s, err := New(Config{Tick: 10 * time.Millisecond, QueueSize: 1}, table, engine.New(engine.Config{}, logx.Nop(), nil), nil, logx.Nop())
	require.NoError(t, err)

	require.NoError(t, s.QueueTaskAsap("auto_suggestions"))
	<-started
	require.NoError(t, s.QueueTaskAsap("auto_cleanup"))
	assert.ErrorIs(t, s.QueueTaskAsap("auto_cleanup"), ErrQueueFull)

	close(release)
	require.Eventually(t, func() bool { return !s.Running() }, 2*time.Second, 5*time.Millisecond)
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	var c counters
	g := guard.NewFile(filepath.Join(t.TempDir(), "lock"), time.Hour, logx.Nop())
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := newService(t, c.table(), g, WithClock(clock.Now))

	require.NoError(t, s.Start(context.Background(), map[string]string{
		"auto_suggestions": "02:00",
		"auto_cleanup":     "03:00",
	}))
	snap := s.Snapshot()
	require.True(t, snap.Running)
	assert.True(t, snap.GuardHeld)
	require.Len(t, snap.Entries, 2)
	assert.Equal(t, "auto_suggestions", snap.Entries[0].Name)
	assert.True(t, snap.Entries[0].Next.Equal(time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC)), "next = %s", snap.Entries[0].Next)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	snap = s.Snapshot()
	assert.False(t, snap.Running)
	assert.False(t, snap.GuardHeld)
	assert.Empty(t, snap.Entries)
	assert.Zero(t, snap.QueueLen)
	assert.Zero(t, c.suggestions.Load())
}

func TestDueEntryRunsOncePerDay(t *testing.T) {
	t.Parallel()
	var c counters
	clock := &fakeClock{t: time.Date(2024, 1, 1, 1, 59, 59, 0, time.UTC)}
	s := newService(t, c.table(), nil, WithClock(clock.Now))

	require.NoError(t, s.Start(context.Background(), map[string]string{"auto_suggestions": "02:00"}))
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, c.suggestions.Load())

	clock.Set(time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC))
	require.Eventually(t, func() bool { return c.suggestions.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), c.suggestions.Load())

	snap := s.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.True(t, snap.Entries[0].Next.Equal(time.Date(2024, 1, 2, 2, 0, 0, 0, time.UTC)), "next = %s", snap.Entries[0].Next)
	require.NotEmpty(t, snap.History)
	assert.Equal(t, engine.TriggerSchedule, snap.History[0].Trigger)
}

func TestStartConfigurationErrors(t *testing.T) {
	t.Parallel()
	var c counters
	s := newService(t, c.table(), nil)

	err := s.Start(context.Background(), map[string]string{
		"auto_suggestions": "25:00",
		"auto_cleanup":     "03:00",
		"auto_coffee":      "04:00",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfiguration))
	var ce *ConfigurationError
	require.True(t, errors.As(err, &ce))

	snap := s.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "auto_cleanup", snap.Entries[0].Name)
	assert.True(t, snap.Running)
}

func TestStartAllDisabledStaysIdle(t *testing.T) {
	t.Parallel()
	var c counters
	s := newService(t, c.table(), nil)
	require.NoError(t, s.Start(context.Background(), map[string]string{
		"auto_suggestions": "disabled",
		"auto_cleanup":     "Disabled",
	}))
	assert.False(t, s.Running())
}

func TestStartGuardConflict(t *testing.T) {
	t.Parallel()
	var c counters
	path := filepath.Join(t.TempDir(), "lock")
	other := guard.NewFile(path, time.Hour, logx.Nop())
	ok, err := other.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer other.Release()

	s := newService(t, c.table(), guard.NewFile(path, time.Hour, logx.Nop()))
	err = s.Start(context.Background(), map[string]string{"auto_cleanup": "03:00"})
	assert.ErrorIs(t, err, ErrGuardConflict)
	assert.False(t, s.Running())
	assert.Empty(t, s.Snapshot().Entries)
}

func TestSecondStartIsNoop(t *testing.T) {
	t.Parallel()
	var c counters
	s := newService(t, c.table(), nil)
	require.NoError(t, s.Start(context.Background(), map[string]string{"auto_cleanup": "03:00"}))

	err := s.Start(context.Background(), map[string]string{"auto_suggestions": "02:00"})
	var gc *GuardConflictError
	require.True(t, errors.As(err, &gc))
	assert.True(t, gc.InProcess)

	snap := s.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "auto_cleanup", snap.Entries[0].Name)
}

func TestStartAdoptsLoopSpawnedForQueuedTask(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	table := registry.Table{
		registry.JobAutoSuggestions: func(ctx context.Context) error {
			once.Do(func() { close(started) })
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		},
		registry.JobAutoCleanup: func(context.Context) error { return nil },
	}
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := newService(t, table, nil, WithClock(clock.Now))

	require.NoError(t, s.QueueTaskAsap("auto_suggestions"))
	<-started
	require.NoError(t, s.Start(context.Background(), map[string]string{"auto_cleanup": "03:00"}))
	close(release)

	time.Sleep(50 * time.Millisecond)
	snap := s.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "auto_cleanup", snap.Entries[0].Name)
	assert.True(t, snap.Running)
}

func TestStartCancelledContext(t *testing.T) {
	t.Parallel()
	var c counters
	s := newService(t, c.table(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Start(ctx, map[string]string{"auto_cleanup": "03:00"}), context.Canceled)
	assert.False(t, s.Running())
	assert.Empty(t, s.Snapshot().Entries)
}

func TestFailingJobDoesNotKillLoop(t *testing.T) {
	t.Parallel()
	var ran atomic.Int32
	table := registry.Table{
		registry.JobAutoSuggestions: func(context.Context) error { panic("bad lot") },
		registry.JobAutoCleanup:     func(context.Context) error { ran.Add(1); return nil },
	}
	s := newService(t, table, nil)

	require.NoError(t, s.QueueTaskAsap("auto_suggestions"))
	require.NoError(t, s.QueueTaskAsap("auto_cleanup"))
	require.Eventually(t, func() bool { return ran.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.QueueTaskAsap("auto_suggestions"))
	require.NoError(t, s.QueueTaskAsap("auto_cleanup"))
	require.Eventually(t, func() bool { return ran.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	st := s.Snapshot().Stats
	assert.EqualValues(t, 2, st.Panics)
}

func TestAtMostOneLoop(t *testing.T) {
	t.Parallel()
	var active, maxActive, total atomic.Int32
	body := func(context.Context) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		active.Add(-1)
		total.Add(1)
		return nil
	}
	table := registry.Table{registry.JobAutoSuggestions: body, registry.JobAutoCleanup: body}
	s := newService(t, table, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := "auto_cleanup"
			if i%2 == 0 {
				name = "auto_suggestions"
			}
			assert.NoError(t, s.QueueTaskAsap(name))
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return total.Load() == 20 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestStopTask(t *testing.T) {
	t.Parallel()
	var c counters
	s := newService(t, c.table(), nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx, map[string]string{"auto_suggestions": "02:00", "auto_cleanup": "03:00"}))
	assert.ErrorIs(t, s.StopTask(ctx, "nope"), ErrUnknownTask)

	require.NoError(t, s.StopTask(ctx, "auto_cleanup"))
	assert.True(t, s.Running())
	require.Len(t, s.Snapshot().Entries, 1)

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, s.StopTask(wctx, "auto_suggestions"))
	assert.False(t, s.Running())
}

func TestStopCancelsOnTimeout(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	table := registry.Table{
		registry.JobAutoSuggestions: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
		registry.JobAutoCleanup: func(context.Context) error { return nil },
	}
	s := newService(t, table, nil)
	require.NoError(t, s.QueueTaskAsap("auto_suggestions"))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	require.Eventually(t, func() bool { return !s.Running() }, 2*time.Second, 5*time.Millisecond)
}

func TestDailySpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"02:00", "0 2 * * *", true},
		{" 23:59 ", "59 23 * * *", true},
		{"7:05", "5 7 * * *", true},
		{"24:00", "", false},
		{"12:60", "", false},
		{"12:5", "", false},
		{"noon", "", false},
	}
	for _, tt := range tests {
		got, err := DailySpec(tt.in)
		if tt.ok != (err == nil) {
			t.Fatalf("DailySpec(%q) err = %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("DailySpec(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
