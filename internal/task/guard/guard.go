// Package guard provides the advisory single-runner lock used by the
// scheduler loop. It is single-host only.
package guard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	logx "lotkeeper/pkg/logx"
)

// Guard is held by at most one scheduler loop at a time.
type Guard interface {
	// TryAcquire never blocks. ok is false when someone else holds the guard.
	TryAcquire() (ok bool, err error)
	Release() error
	Held() bool
}

// ---- in-process ----

// Local is a Guard shared by schedulers inside one process.
type Local struct {
	mu   sync.Mutex
	held bool
}

func NewLocal() *Local { return &Local{} }

func (l *Local) TryAcquire() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

func (l *Local) Release() error {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
	return nil
}

func (l *Local) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// ---- lock file ----

// File is a Guard backed by an exclusively created lock file. The owner
// refreshes the file's mtime while holding it; a file whose mtime is older
// than StaleAfter is treated as abandoned and taken over.
type File struct {
	path       string
	staleAfter time.Duration
	heartbeat  time.Duration
	log        logx.Logger

	mu     sync.Mutex
	held   bool
	stopHB chan struct{}
	hbDone chan struct{}
}

type lockInfo struct {
	PID  int   `json:"pid"`
	Time int64 `json:"time"`
}

// NewFile returns a lock-file guard. staleAfter <= 0 disables takeover.
func NewFile(path string, staleAfter time.Duration, log logx.Logger) *File {
	if log.IsZero() {
		log = logx.Nop()
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	hb := staleAfter / 3
	if hb <= 0 || hb > time.Minute {
		hb = time.Minute
	}
	return &File{
		path:       path,
		staleAfter: staleAfter,
		heartbeat:  hb,
		log:        log.With(logx.String("comp", "guard"), logx.String("path", path)),
	}
}

func (g *File) Path() string { return g.path }

func (g *File) TryAcquire() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return false, nil
	}

	// Bounded: one create, at most one stale takeover, one re-create.
	for i := 0; i < 2; i++ {
		f, err := os.OpenFile(g.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			b, _ := json.Marshal(lockInfo{PID: os.Getpid(), Time: time.Now().Unix()})
			_, werr := f.Write(append(b, '\n'))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(g.path)
				return false, fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
			}
			g.held = true
			g.startHeartbeatLocked()
			return true, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return false, fmt.Errorf("create lock file: %w", err)
		}

		seen, rerr := os.ReadFile(g.path)
		fi, err := os.Stat(g.path)
		if errors.Is(rerr, fs.ErrNotExist) || errors.Is(err, fs.ErrNotExist) {
			continue // released between our create and stat
		}
		if err != nil {
			return false, fmt.Errorf("stat lock file: %w", err)
		}
		age := time.Since(fi.ModTime())
		if g.staleAfter <= 0 || age < g.staleAfter {
			return false, nil
		}
		g.log.Warn("taking over stale lock file", logx.Duration("age", age))
		removed, err := g.removeIfUnchanged(seen)
		if err != nil {
			return false, err
		}
		if !removed {
			return false, nil
		}
	}
	return false, nil
}

// removeIfUnchanged deletes the lock file only if it still holds seen, so a
// lock re-created by another taker is left alone. The check and the remove
// are not atomic: two processes racing on the same stale file can still both
// succeed. The guard is single-host and advisory; that window is a known gap.
func (g *File) removeIfUnchanged(seen []byte) (bool, error) {
	cur, err := os.ReadFile(g.path)
	if errors.Is(err, fs.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lock file: %w", err)
	}
	if !bytes.Equal(cur, seen) {
		return false, nil
	}
	if err := os.Remove(g.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("remove stale lock file: %w", err)
	}
	return true, nil
}

func (g *File) startHeartbeatLocked() {
	stop := make(chan struct{})
	done := make(chan struct{})
	g.stopHB, g.hbDone = stop, done
	go func() {
		defer close(done)
		t := time.NewTicker(g.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case now := <-t.C:
				if err := os.Chtimes(g.path, now, now); err != nil {
					g.log.Warn("lock heartbeat failed", logx.Err(err))
				}
			}
		}
	}()
}

func (g *File) Release() error {
	g.mu.Lock()
	if !g.held {
		g.mu.Unlock()
		return nil
	}
	g.held = false
	stop, done := g.stopHB, g.hbDone
	g.stopHB, g.hbDone = nil, nil
	g.mu.Unlock()

	close(stop)
	<-done
	if err := os.Remove(g.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

func (g *File) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}
