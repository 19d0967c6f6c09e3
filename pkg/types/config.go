package types

// Config is the merged engine configuration. See internal/config for
// the load order and file locations.
type Config struct {
	// LogLevel is one of DEBUG, INFO, WARN, ERROR, FATAL.
	LogLevel string `json:"logLevel,omitempty"`

	Server     ServerConfig     `json:"server,omitempty"`
	Provider   ProviderConfig   `json:"provider,omitempty"`
	Permission PermissionConfig `json:"permission,omitempty"`
	Session    SessionConfig    `json:"session,omitempty"`
	Channel    ChannelConfig    `json:"channel,omitempty"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`
}

// ProviderConfig configures the agent subprocess.
type ProviderConfig struct {
	// Command launches the agent bridge process; argv[0] is the binary.
	Command []string `json:"command,omitempty"`
	// PermissionMode is forwarded to the provider on initialize.
	PermissionMode string `json:"permissionMode,omitempty"`
}

// PermissionConfig holds tool-authorization settings. AllowedTools is
// the project-scoped "always allow" grant list; allow-always decisions
// append to it and persist.
type PermissionConfig struct {
	AllowedTools []string `json:"allowedTools,omitempty"`
	// TimeoutSecs bounds the interactive decision wait. Zero means the
	// default of 30 seconds.
	TimeoutSecs int `json:"timeoutSecs,omitempty"`
}

// SessionConfig holds session lifecycle tuning.
type SessionConfig struct {
	// DrainTimeoutSecs bounds how long an interrupted query may keep
	// draining its stream. Zero means the default of 5 seconds.
	DrainTimeoutSecs int `json:"drainTimeoutSecs,omitempty"`
}

// ChannelConfig configures the channel daemon connection.
type ChannelConfig struct {
	SocketPath string `json:"socketPath,omitempty"`
	// PoolPrefix is the namespace this process registers under; session
	// keys are "<PoolPrefix>.<numeric-id>".
	PoolPrefix string `json:"poolPrefix,omitempty"`
}
