package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lotkeeper/internal/eventbus"
	"lotkeeper/internal/suggest"
	"lotkeeper/internal/task/engine"
	"lotkeeper/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	fails int
	sent  []Message
}

func (f *fakeSender) Send(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("telegram: 502")
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSender) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

func testConfig() Config {
	return Config{Enabled: true, ChatID: 42, ThreadID: 7, RatePerSec: 1000, RetryMax: 2, RetryBase: time.Millisecond}
}

func TestNotifyDisabled(t *testing.T) {
	s := New(Config{}, &fakeSender{}, nil, logx.Nop())
	s.Start(context.Background())
	assert.False(t, s.Enabled())
	assert.ErrorIs(t, s.Notify(context.Background(), "hi"), ErrDisabled)
	s.Stop(context.Background())
}

func TestNotifyBeforeStart(t *testing.T) {
	s := New(testConfig(), &fakeSender{}, nil, logx.Nop())
	assert.ErrorIs(t, s.Notify(context.Background(), "hi"), ErrStopped)
}

func TestStopDrainsQueue(t *testing.T) {
	fs := &fakeSender{}
	s := New(testConfig(), fs, nil, logx.Nop())
	s.Start(context.Background())
	s.Start(context.Background())

	for _, txt := range []string{"one", "two", "  ", "three"} {
		require.NoError(t, s.Notify(context.Background(), txt))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	msgs := fs.messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, Message{ChatID: 42, ThreadID: 7, Text: "one"}, msgs[0])
	assert.Equal(t, "three", msgs[2].Text)
	assert.ErrorIs(t, s.Notify(context.Background(), "late"), ErrStopped)
	assert.Len(t, s.History(), 3)
}

func TestRetryThenGiveUp(t *testing.T) {
	fs := &fakeSender{fails: 1}
	s := New(testConfig(), fs, nil, logx.Nop())
	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), "retried"))
	s.Stop(context.Background())
	require.Len(t, fs.messages(), 1)

	fs = &fakeSender{fails: 10}
	s = New(testConfig(), fs, nil, logx.Nop())
	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), "lost"))
	s.Stop(context.Background())
	assert.Empty(t, fs.messages())
	h := s.History()
	require.Len(t, h, 1)
	assert.Contains(t, h[0].Err, "502")
}

func TestForwardsBusEvents(t *testing.T) {
	bus := eventbus.New()
	fs := &fakeSender{}
	s := New(testConfig(), fs, bus, logx.Nop())
	s.Start(context.Background())

	bus.Publish(eventbus.Event{Type: eventbus.TypeTaskStarted, Data: engine.TaskEvent{Name: "auto_cleanup"}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeSuggestionsRegenerated, Data: suggest.RegenerateReport{
		Eligible: 3, Stored: 2, ByType: map[string]int{"Restock": 1, "Dispose": 1}, Took: 1500 * time.Microsecond,
	}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeLotsCleaned, Data: 0})
	bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFailed, Data: engine.TaskEvent{Name: "auto_cleanup", Attempts: 2, Error: "db locked"}})

	require.Eventually(t, func() bool { return len(fs.messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	s.Stop(context.Background())

	msgs := fs.messages()
	assert.Equal(t, "Suggestions updated: 2 of 3 eligible lots (Dispose 1, Restock 1) in 2ms", msgs[0].Text)
	assert.Equal(t, "Task auto_cleanup failed after 2 attempt(s): db locked", msgs[1].Text)
}

func TestFormatEvent(t *testing.T) {
	text, ok := formatEvent(eventbus.Event{Type: eventbus.TypeLotsCleaned, Data: 4})
	assert.True(t, ok)
	assert.Equal(t, "Cleanup removed 4 depleted lots", text)

	_, ok = formatEvent(eventbus.Event{Type: eventbus.TypeSuggestionsRegenerated, Data: "garbage"})
	assert.False(t, ok)
}

func TestRetryDelayBounds(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
	assert.GreaterOrEqual(t, retryDelay(cfg, 1), 70*time.Millisecond)
}
