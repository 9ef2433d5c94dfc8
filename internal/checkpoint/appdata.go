// Package checkpoint provides a per-session, SQLite-backed store for
// ReasoningGraph turn state, giving the turn orchestrator deterministic
// replay and crash recovery without keeping every session's full history
// resident in memory.
package checkpoint

import (
	"os"
	"path/filepath"
	"runtime"
)

// appID matches the desktop client's bundle identifier so that both
// processes agree on where session state lives on disk.
const appID = "com.voco.mcp-gateway"

// AppDataDir returns the platform-specific application data root, mirroring
// the desktop client's own resolution logic (Tauri's app_data_dir):
//
//   - windows: %APPDATA%/<appID>
//   - darwin:  ~/Library/Application Support/<appID>
//   - other:   $XDG_DATA_HOME/<appID>, or ~/.local/share/<appID>
//
// override, when non-empty, is returned verbatim (the server config's
// app_data_dir setting takes precedence over platform detection).
func AppDataDir(override string) (string, error) {
	if override != "" {
		return override, nil
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		return filepath.Join(base, appID), nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", appID), nil
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appID), nil
		}
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, ".local", "share", appID), nil
	}
}

// SessionDBPath returns the absolute path to the SQLite checkpoint database
// for sessionID, creating its parent directory if necessary.
func SessionDBPath(appDataDir, sessionID string) (string, error) {
	dir := filepath.Join(appDataDir, "sessions", sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, "checkpoints.db"), nil
}
