// Package eventbus carries in-process lifecycle signals (job runs, batch
// reports) from the scheduler and suggestion engine to optional listeners
// such as the notifier.
package eventbus

import (
	"sync"
	"time"
)

// Event types published by lotkeeper components.
const (
	TypeTaskStarted            = "task.started"
	TypeTaskFinished           = "task.finished"
	TypeTaskFailed             = "task.failed"
	TypeSuggestionsRegenerated = "suggestions.regenerated"
	TypeLotsCleaned            = "lots.cleaned"
)

// Event is a small in-memory signal.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a full buffer drops the event.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscription{}}
}

type subscription struct {
	ch chan Event
}

type memBus struct {
	// Publish holds the read lock while sending so an unsubscribe, which
	// closes the channel under the write lock, can never race a send.
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscription{ch: make(chan Event, buffer)}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Filter returns a subscription that only yields events whose type is in
// types. The returned unsubscribe stops the filter goroutine.
func Filter(b Bus, buffer int, types ...string) (<-chan Event, func()) {
	src, unsub := b.Subscribe(buffer)
	want := make(map[string]struct{}, len(types))
	for _, t := range types {
		want[t] = struct{}{}
	}
	out := make(chan Event, cap(src))
	go func() {
		defer close(out)
		for e := range src {
			if _, ok := want[e.Type]; !ok {
				continue
			}
			select {
			case out <- e:
			default:
			}
		}
	}()
	return out, unsub
}
