package scheduler

import (
	"time"

	"lotkeeper/internal/task/engine"
)

type EntryInfo struct {
	Name string
	At   string
	Next time.Time
	Prev time.Time
}

type Snapshot struct {
	Running   bool
	GuardHeld bool
	Timezone  string
	Tick      time.Duration
	Entries   []EntryInfo
	QueueLen  int
	QueueCap  int
	Stats     engine.Stats
	History   []engine.HistoryItem
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running:  s.loopDone != nil,
		Timezone: s.loc.String(),
		Tick:     s.cfg.Tick,
		QueueLen: len(s.instant),
		QueueCap: cap(s.instant),
	}
	for _, e := range sortedEntries(s.entries) {
		snap.Entries = append(snap.Entries, EntryInfo{Name: e.job.String(), At: e.at, Next: e.next, Prev: e.prev})
	}
	s.mu.Unlock()

	snap.GuardHeld = s.guard.Held()
	snap.Stats = s.runner.Stats()
	snap.History = s.runner.History()
	return snap
}
