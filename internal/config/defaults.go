package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/sealedlog/
//   - Linux:   ~/.local/share/sealedlog/
//   - Windows: %APPDATA%\sealedlog\
//
// Falls back to ~/.sealedlog if platform detection fails.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "sealedlog")
	case "linux":
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "sealedlog")
		}
		return filepath.Join(homeDir(), ".local", "share", "sealedlog")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "sealedlog")
		}
		return filepath.Join(homeDir(), "AppData", "Roaming", "sealedlog")
	default:
		return filepath.Join(homeDir(), ".sealedlog")
	}
}

// PlatformLogDir returns the platform-specific diagnostics log directory.
//
// Platform paths:
//   - macOS:   ~/Library/Logs/sealedlog/
//   - Linux:   $XDG_STATE_HOME/sealedlog/ or ~/.local/state/sealedlog/
//   - Windows: %LOCALAPPDATA%\sealedlog\logs\
func PlatformLogDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Logs", "sealedlog")
	case "linux":
		if xdgState := os.Getenv("XDG_STATE_HOME"); xdgState != "" {
			return filepath.Join(xdgState, "sealedlog")
		}
		return filepath.Join(homeDir(), ".local", "state", "sealedlog")
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "sealedlog", "logs")
		}
		return filepath.Join(homeDir(), "AppData", "Local", "sealedlog", "logs")
	default:
		return filepath.Join(homeDir(), ".sealedlog", "logs")
	}
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

// SupportedConfigFormats returns the list of supported config file formats.
func SupportedConfigFormats() []string {
	return []string{"toml", "json", "yaml", "yml"}
}

// FindConfigFile searches for a config file in the current directory and
// then the data directory. It returns "" when none exists.
func FindConfigFile() string {
	for _, dir := range []string{".", DataDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
