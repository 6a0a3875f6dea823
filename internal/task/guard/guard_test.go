package guard

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "lotkeeper/pkg/logx"
)

func TestFileExclusive(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), ".task_scheduler_running")
	a := NewFile(path, time.Hour, logx.Nop())
	b := NewFile(path, time.Hour, logx.Nop())

	ok, err := a.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, a.Held())

	ok, err = b.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"pid":`)

	require.NoError(t, a.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	ok, err = b.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release())
	require.NoError(t, b.Release())
}

func TestFileStaleTakeover(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lock")
	require.NoError(t, os.WriteFile(path, []byte(`{"pid":1,"time":0}`), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	g := NewFile(path, time.Hour, logx.Nop())
	ok, err := g.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, g.Release())
}

func TestStaleRemovalSkipsReplacedLock(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lock")
	stale := []byte(`{"pid":1,"time":0}` + "\n")
	fresh := []byte(`{"pid":2,"time":1700000000}` + "\n")
	g := NewFile(path, time.Hour, logx.Nop())

	// Another taker re-created the file after we judged it stale.
	require.NoError(t, os.WriteFile(path, fresh, 0o644))
	removed, err := g.removeIfUnchanged(stale)
	require.NoError(t, err)
	assert.False(t, removed)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fresh, raw)

	require.NoError(t, os.WriteFile(path, stale, 0o644))
	removed, err = g.removeIfUnchanged(stale)
	require.NoError(t, err)
	assert.True(t, removed)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFileNoTakeoverWhenDisabled(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lock")
	require.NoError(t, os.WriteFile(path, nil, 0o644))
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	ok, err := NewFile(path, 0, logx.Nop()).TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileHeartbeat(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "lock")
	g := NewFile(path, 90*time.Millisecond, logx.Nop())
	ok, err := g.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	defer g.Release()

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	assert.Eventually(t, func() bool {
		fi, err := os.Stat(path)
		return err == nil && time.Since(fi.ModTime()) < time.Minute
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLocal(t *testing.T) {
	t.Parallel()
	l := NewLocal()
	ok, _ := l.TryAcquire()
	assert.True(t, ok)
	ok, _ = l.TryAcquire()
	assert.False(t, ok)
	require.NoError(t, l.Release())
	assert.False(t, l.Held())
}
