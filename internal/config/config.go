package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/tidwall/jsonc"

	"github.com/codedesk-ai/codedesk/pkg/types"
)

// Defaults applied after the merge.
const (
	DefaultPermissionTimeoutSecs = 30
	DefaultDrainTimeoutSecs      = 5
	DefaultPoolPrefix            = "codedesk"
)

// Load loads configuration from multiple sources (priority order):
// 1. Global config (~/.config/codedesk/settings.json[c])
// 2. Project config (<dir>/.codedesk/settings.json[c])
// 3. Environment variables
// Later sources override earlier ones; slices and maps are replaced,
// not concatenated, except permission.allowedTools which merges.
func Load(directory string) (*types.Config, error) {
	config := &types.Config{}

	loaded := make(map[string]bool)
	loadOnce := func(path string) {
		absPath, err := filepath.Abs(path)
		if err != nil || loaded[absPath] {
			return
		}
		if loadFile(path, config) == nil {
			loaded[absPath] = true
		}
	}

	globalDir := GetPaths().Config
	loadOnce(filepath.Join(globalDir, "settings.json"))
	loadOnce(filepath.Join(globalDir, "settings.jsonc"))

	if directory != "" {
		projectDir := ProjectConfigDir(directory)
		loadOnce(filepath.Join(projectDir, "settings.json"))
		loadOnce(filepath.Join(projectDir, "settings.jsonc"))
	}

	applyEnv(config)
	applyDefaults(config)

	return config, nil
}

// loadFile reads one config file and merges it into dst. Files may
// contain comments and trailing commas (JSONC).
func loadFile(path string, dst *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var overlay types.Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &overlay); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	merge(dst, &overlay)
	return nil
}

// merge overlays src onto dst field by field.
func merge(dst, src *types.Config) {
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.Server.Host != "" {
		dst.Server.Host = src.Server.Host
	}
	if src.Server.Port != 0 {
		dst.Server.Port = src.Server.Port
	}
	if len(src.Provider.Command) > 0 {
		dst.Provider.Command = src.Provider.Command
	}
	if src.Provider.PermissionMode != "" {
		dst.Provider.PermissionMode = src.Provider.PermissionMode
	}
	if src.Permission.TimeoutSecs != 0 {
		dst.Permission.TimeoutSecs = src.Permission.TimeoutSecs
	}
	// Grant lists accumulate across layers; a project grant never
	// hides a global one.
	dst.Permission.AllowedTools = mergeTools(dst.Permission.AllowedTools, src.Permission.AllowedTools)
	if src.Session.DrainTimeoutSecs != 0 {
		dst.Session.DrainTimeoutSecs = src.Session.DrainTimeoutSecs
	}
	if src.Channel.SocketPath != "" {
		dst.Channel.SocketPath = src.Channel.SocketPath
	}
	if src.Channel.PoolPrefix != "" {
		dst.Channel.PoolPrefix = src.Channel.PoolPrefix
	}
}

func mergeTools(base, extra []string) []string {
	seen := make(map[string]bool, len(base))
	out := append([]string(nil), base...)
	for _, t := range base {
		seen[t] = true
	}
	for _, t := range extra {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func applyEnv(config *types.Config) {
	if v := os.Getenv("CODEDESK_LOG_LEVEL"); v != "" {
		config.LogLevel = v
	}
	if v := os.Getenv("CODEDESK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			config.Server.Port = port
		}
	}
	if v := os.Getenv("CODEDESK_SOCKET"); v != "" {
		config.Channel.SocketPath = v
	}
}

func applyDefaults(config *types.Config) {
	if config.Permission.TimeoutSecs == 0 {
		config.Permission.TimeoutSecs = DefaultPermissionTimeoutSecs
	}
	if config.Session.DrainTimeoutSecs == 0 {
		config.Session.DrainTimeoutSecs = DefaultDrainTimeoutSecs
	}
	if config.Channel.PoolPrefix == "" {
		config.Channel.PoolPrefix = DefaultPoolPrefix
	}
	if config.Channel.SocketPath == "" {
		home, _ := os.UserHomeDir()
		config.Channel.SocketPath = filepath.Join(home, ".codedesk", "channel.sock")
	}
}

// SaveProjectGrant appends a tool to the project's always-allow list
// and writes the project config file, creating it if needed. Other
// fields in the file are preserved.
func SaveProjectGrant(directory, toolName string) error {
	path := ProjectConfigPath(directory)

	raw := map[string]json.RawMessage{}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(jsonc.ToJSON(data), &raw); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}

	var perm types.PermissionConfig
	if existing, ok := raw["permission"]; ok {
		if err := json.Unmarshal(existing, &perm); err != nil {
			return fmt.Errorf("parse permission block: %w", err)
		}
	}
	perm.AllowedTools = mergeTools(perm.AllowedTools, []string{toolName})

	permData, err := json.Marshal(perm)
	if err != nil {
		return err
	}
	raw["permission"] = permData

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	// Atomic replace so a concurrent read-through never sees a torn file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
