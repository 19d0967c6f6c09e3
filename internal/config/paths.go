// Package config provides layered configuration loading and the
// project-scoped permission grant store.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths contains the standard paths for codedesk data.
type Paths struct {
	Data   string // ~/.local/share/codedesk
	Config string // ~/.config/codedesk
	State  string // ~/.local/state/codedesk
}

// GetPaths returns the standard paths for codedesk data.
func GetPaths() *Paths {
	return &Paths{
		Data:   filepath.Join(getEnvOrDefault("XDG_DATA_HOME", defaultDataHome()), "codedesk"),
		Config: filepath.Join(getEnvOrDefault("XDG_CONFIG_HOME", defaultConfigHome()), "codedesk"),
		State:  filepath.Join(getEnvOrDefault("XDG_STATE_HOME", defaultStateHome()), "codedesk"),
	}
}

// EnsurePaths creates all required directories.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Config, p.State} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// SessionsPath returns the path of the persisted session index.
func (p *Paths) SessionsPath() string {
	return filepath.Join(p.Data, "sessions.json")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func defaultDataHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "share")
}

func defaultConfigHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".config")
}

func defaultStateHome() string {
	if runtime.GOOS == "windows" {
		return os.Getenv("APPDATA")
	}
	return filepath.Join(os.Getenv("HOME"), ".local", "state")
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	return filepath.Join(GetPaths().Config, "settings.json")
}

// ProjectConfigDir returns the project config directory.
func ProjectConfigDir(directory string) string {
	return filepath.Join(directory, ".codedesk")
}

// ProjectConfigPath returns the path to the project config file.
func ProjectConfigPath(directory string) string {
	return filepath.Join(ProjectConfigDir(directory), "settings.json")
}
