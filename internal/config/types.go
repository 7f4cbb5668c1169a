package config

// Config is the on-disk process configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets may be left empty here and supplied through the environment
// (see ApplyEnv).
type Config struct {
	Platform PlatformConfig `json:"platform"`
	Control  ControlConfig  `json:"control"`
	Fleet    FleetConfig    `json:"fleet"`
	Commands CommandsConfig `json:"commands"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	HTTP     HTTPConfig     `json:"http"`
}

// PlatformConfig selects the chat platform every connection speaks.
//
// Driver is "discord" (default) or "telegram".
type PlatformConfig struct {
	Driver      string `json:"driver"`
	PollTimeout string `json:"poll_timeout,omitempty"` // telegram long-poll timeout
}

// ControlConfig configures the control (manager) bot that accepts registrations.
type ControlConfig struct {
	Token      string `json:"token,omitempty" env:"FLEETBOT_CONTROL_TOKEN"`
	Prefix     string `json:"prefix,omitempty"`      // default "+"
	LogChannel string `json:"log_channel,omitempty"` // channel receiving mirrored warnings
}

type FleetConfig struct {
	// Activity is the presence text set on every spawned connection.
	Activity       string `json:"activity,omitempty"`
	SpawnTimeout   string `json:"spawn_timeout,omitempty"`   // default "30s"
	ExpirySchedule string `json:"expiry_schedule,omitempty"` // cron spec, default "@every 1m"
	ExpiryLookback string `json:"expiry_lookback,omitempty"` // default "24h"
	EventBuffer    int    `json:"event_buffer,omitempty"`    // per connection, default 64
}

type CommandsConfig struct {
	Timeout          string `json:"timeout,omitempty"`           // per command, default "30s"
	SpeedtestTimeout string `json:"speedtest_timeout,omitempty"` // default "90s"
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file"`
	Chat    LoggingChatConfig `json:"chat"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingChatConfig mirrors log lines into control.log_channel.
type LoggingChatConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./fleetbot.db" }
//
// Driver is "memory", "sqlite" or "postgres".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty" env:"FLEETBOT_DATABASE_URL"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int32  `json:"max_conns,omitempty"`    // postgres
}

// HTTPConfig controls the read-only HTTP API.
//
// Prefer binding to localhost. A non-loopback address requires a token.
type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:8085"
	Token        string `json:"token,omitempty" env:"FLEETBOT_HTTP_TOKEN"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Pprof exposes /debug/pprof behind the same token.
	Pprof bool `json:"pprof,omitempty"`
}
