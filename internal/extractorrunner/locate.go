package extractorrunner

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kestrel-dl/kestrel/internal/kerrors"
)

// Locate resolves the extractor binary: an explicit path if given, else a
// lookup on PATH, else a file adjacent to the host executable. Adapted from
// the teacher's external-tool detector, generalized to a single named binary.
func Locate(explicitPath, binaryName string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err == nil {
			return explicitPath, nil
		}
		return "", fmt.Errorf("%w: configured extractor path %q does not exist", kerrors.ErrValidation, explicitPath)
	}

	if p, err := exec.LookPath(binaryName); err == nil {
		return p, nil
	}

	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), binaryName)
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: %q not found on PATH or next to the host executable", kerrors.ErrValidation, binaryName)
}
