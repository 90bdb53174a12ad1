package eventlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAndReadAll(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, nil)
	require.NoError(t, err)
	defer log.Close()

	require.NoError(t, log.Log(Event{Kind: KindTaskAdded, TaskID: "a"}))
	require.NoError(t, log.Log(Event{Kind: KindTaskStarted, TaskID: "a"}))
	require.NoError(t, log.Log(Event{Kind: KindTaskAdded, TaskID: "b"}))

	events, err := log.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, KindTaskAdded, events[0].Kind)
	assert.Equal(t, "a", events[0].TaskID)
	assert.Equal(t, "b", events[2].TaskID)
}

func TestReadAllToleratesCorruptLines(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, nil)
	require.NoError(t, err)

	require.NoError(t, log.Log(Event{Kind: KindTaskAdded, TaskID: "a"}))
	require.NoError(t, log.Log(Event{Kind: KindTaskStarted, TaskID: "a"}))
	require.NoError(t, log.Log(Event{Kind: KindTaskAdded, TaskID: "b"}))
	require.NoError(t, log.Close())

	path := filepath.Join(dir, "events.jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := splitLines(string(data))
	require.Len(t, lines, 3)
	lines[1] = "{not valid json"
	require.NoError(t, os.WriteFile(path, []byte(joinLines(lines)), 0o644))

	log2, err := Open(dir, nil)
	require.NoError(t, err)
	defer log2.Close()

	events, err := log2.ReadAll()
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].TaskID)
	assert.Equal(t, "b", events[1].TaskID)
}

func TestReadAllMissingFile(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, nil)
	require.NoError(t, err)
	defer log.Close()
	require.NoError(t, os.Remove(filepath.Join(dir, "events.jsonl")))

	events, err := log.ReadAll()
	require.NoError(t, err)
	assert.Nil(t, events)
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func joinLines(lines []string) string {
	out := ""
	for _, l := range lines {
		out += l + "\n"
	}
	return out
}
