package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestWriterFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "test"))

	log.Debug("hidden")
	log.Info("shown", Int("n", 3), Err(errors.New("boom")), Err(nil), String("comp", "override"))

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["message"])
	assert.Equal(t, float64(3), lines[0]["n"])
	assert.Equal(t, "boom", lines[0]["err"])
	assert.Equal(t, "override", lines[0]["comp"])
	assert.Contains(t, lines[0]["caller"], "logx_test.go:")
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Info("dropped")
	assert.False(t, Nop().IsZero())
	Nop().Error("dropped")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.WarnLevel, parseLevel("WARNING"))
	assert.Equal(t, zerolog.DebugLevel, parseLevel(" debug "))
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("loud"))
}

func TestServiceApplySwitchesFile(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.log")
	second := filepath.Join(dir, "logs", "b.log")

	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	log = log.With(String("comp", "svc"))
	log.Info("to a")

	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: second}})
	log.Info("filtered")
	log.Error("to b")
	require.NoError(t, svc.Close())

	a, err := os.ReadFile(first)
	require.NoError(t, err)
	b, err := os.ReadFile(second)
	require.NoError(t, err)

	la, lb := decodeLines(t, a), decodeLines(t, b)
	require.Len(t, la, 1)
	require.Len(t, lb, 1)
	assert.Equal(t, "to a", la[0]["message"])
	assert.Equal(t, "to b", lb[0]["message"])
	assert.Equal(t, "svc", lb[0]["comp"])
}
