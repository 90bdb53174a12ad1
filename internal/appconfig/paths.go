package appconfig

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "kestrel"

// DataDir returns the platform app-data directory that holds events.jsonl
// (and, on macOS and Windows, the default config file; see ConfigDir):
// "~/Library/Application Support/kestrel" on
// macOS, "%APPDATA%\kestrel" on Windows, "$XDG_DATA_HOME/kestrel" (or
// "~/.local/share/kestrel") on Linux and other Unixes.
func DataDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", appName)
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "AppData", "Roaming", appName)
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", appName)
	}
}

// ConfigDir returns the directory kestrel.yaml is searched for by default.
// On Linux this follows XDG_CONFIG_HOME; elsewhere it mirrors DataDir, which
// matches how single-binary desktop tools on those platforms are typically
// laid out.
func ConfigDir() string {
	switch runtime.GOOS {
	case "darwin", "windows":
		return DataDir()
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultLibraryDir returns the platform Downloads folder joined with
// "Kestrel", the organizer's default base directory.
func DefaultLibraryDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Downloads", "Kestrel")
}

// EnsureDirs creates the app-data and config directories if missing.
func EnsureDirs() error {
	for _, d := range []string{DataDir(), ConfigDir()} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}
