package appconfig

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-dl/kestrel/internal/kerrors"
)

func TestLoadAppliesDocumentedDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, _, err := Load(filepath.Join(dir, "does-not-exist.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Segments)
	assert.Equal(t, 5, cfg.MaxConcurrent)
	assert.Equal(t, 8192, cfg.ChunkSizeBytes)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 2*time.Second, cfg.RetryDelay)
	assert.True(t, cfg.EnableResume)
	assert.Equal(t, 100*time.Millisecond, cfg.RequestDelay)
	assert.Equal(t, "Best", cfg.Quality)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.True(t, cfg.Logging.Color)
}

func TestLoadReadsConfigFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kestrel.yaml")
	contents := "segments: 4\nmax_concurrent: 2\nquality: Worst\nlog_level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, _, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Segments)
	assert.Equal(t, 2, cfg.MaxConcurrent)
	assert.Equal(t, "Worst", cfg.Quality)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Unset keys still fall back to defaults.
	assert.Equal(t, 3, cfg.RetryAttempts)
}

func TestLoadAppliesEnvOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kestrel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("segments: 4\n"), 0o644))

	t.Setenv("KESTREL_SEGMENTS", "9")

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Segments)
}

func TestSaveDefaultConfigRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "kestrel.yaml")

	require.NoError(t, SaveDefaultConfig(path))
	require.FileExists(t, path)

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Segments)
	assert.Equal(t, "Best", cfg.Quality)
}

func TestQueueConfigProjection(t *testing.T) {
	cfg := &Config{
		MaxConcurrent: 3,
		Segments:      8,
		RetryAttempts: 2,
		RetryDelay:    time.Second,
		RequestDelay:  50 * time.Millisecond,
		EnableResume:  true,
		ExtractorPath: "/usr/bin/yt-dlp",
	}

	qc := cfg.QueueConfig("/tmp/scratch")
	assert.Equal(t, 3, qc.MaxConcurrent)
	assert.Equal(t, 8, qc.MaxSegments)
	assert.Equal(t, "/tmp/scratch", qc.ScratchDir)
	assert.Equal(t, "/usr/bin/yt-dlp", qc.ExtractorPath)
}

func TestLoadRejectsOutOfRangeSegments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kestrel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("segments: 9999\n"), 0o644))

	_, _, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrValidation))
}

func TestLoadRejectsZeroMaxConcurrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kestrel.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrent: 0\n"), 0o644))

	_, _, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrValidation))
}

func TestValidateAcceptsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, _, err := Load(filepath.Join(dir, "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.NoError(t, Validate(cfg))
}

func TestEngineConfigProjection(t *testing.T) {
	cfg := &Config{Segments: 12, RetryAttempts: 4, RetryDelay: time.Second, RequestDelay: time.Millisecond, EnableResume: false}
	ec := cfg.EngineConfig()
	assert.Equal(t, 12, ec.MaxSegments)
	assert.Equal(t, 4, ec.RetryAttempts)
	assert.False(t, ec.EnableResume)
}
