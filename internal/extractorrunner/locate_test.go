package extractorrunner

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocateExplicitPath(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-extractor")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	path, err := Locate(bin, "fake-extractor")
	require.NoError(t, err)
	assert.Equal(t, bin, path)
}

func TestLocateExplicitPathMissing(t *testing.T) {
	_, err := Locate("/nonexistent/path/to/extractor", "extractor")
	assert.Error(t, err)
}

func TestLocateNotFoundAnywhere(t *testing.T) {
	_, err := Locate("", "definitely-not-a-real-binary-name-xyz")
	assert.Error(t, err)
}
