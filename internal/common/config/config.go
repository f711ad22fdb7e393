// Package config provides configuration management for Conduit.
// It supports loading configuration from environment variables, config files,
// command-line flags and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Repro modes.
const (
	ReproModeOff          = "off"
	ReproModeRecord       = "record"
	ReproModeReplay       = "replay"
	ReproModeContinueLive = "replay-then-continue-live"
)

// Config holds all configuration sections for Conduit.
type Config struct {
	DataDir string        `mapstructure:"dataDir"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Agents  AgentsConfig  `mapstructure:"agents"`
	Session SessionConfig `mapstructure:"session"`
	Repro   ReproConfig   `mapstructure:"repro"`
	NATS    NATSConfig    `mapstructure:"nats"`
}

// ServerConfig holds HTTP relay configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// AgentsConfig holds per-backend settings.
type AgentsConfig struct {
	Default string        `mapstructure:"default"`
	Claude  BackendConfig `mapstructure:"claude"`
	Codex   BackendConfig `mapstructure:"codex"`
	Gemini  BackendConfig `mapstructure:"gemini"`
}

// BackendConfig configures how one backend binary is invoked.
type BackendConfig struct {
	Binary       string   `mapstructure:"binary"`
	Model        string   `mapstructure:"model"`
	ExtraArgs    []string `mapstructure:"extraArgs"`
	AllowedTools []string `mapstructure:"allowedTools"`
	Env          []string `mapstructure:"env"`
	// Models lists the model ids sessions may select. Empty allows any.
	Models []string `mapstructure:"models"`
}

// AllowsModel reports whether model may be selected for this backend.
func (b *BackendConfig) AllowsModel(model string) bool {
	if len(b.Models) == 0 {
		return true
	}
	return slices.Contains(b.Models, model)
}

// For returns the settings for the named backend.
func (a *AgentsConfig) For(backend string) BackendConfig {
	switch backend {
	case "claude":
		return a.Claude
	case "codex":
		return a.Codex
	case "gemini":
		return a.Gemini
	}
	return BackendConfig{}
}

// SessionConfig tunes the per-session loop.
type SessionConfig struct {
	HistorySize      int    `mapstructure:"historySize"`
	SubscriberBuffer int    `mapstructure:"subscriberBuffer"`
	QueueDelivery    string `mapstructure:"queueDelivery"`  // sequential, concat, numbered
	TerminateGrace   int    `mapstructure:"terminateGrace"` // in milliseconds
	MaxLineBytes     int    `mapstructure:"maxLineBytes"`
}

// ReproConfig selects record/replay behavior.
type ReproConfig struct {
	Mode  string  `mapstructure:"mode"`
	Speed float64 `mapstructure:"speed"` // replay acceleration; <= 0 replays without delays
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TerminateGraceDuration returns the SIGTERM to SIGKILL grace period.
func (s *SessionConfig) TerminateGraceDuration() time.Duration {
	return time.Duration(s.TerminateGrace) * time.Millisecond
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns host:port for the HTTP listener.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Recording reports whether the tape should be written.
func (r *ReproConfig) Recording() bool {
	return r.Mode == ReproModeRecord
}

// Replaying reports whether the tape drives sessions.
func (r *ReproConfig) Replaying() bool {
	return r.Mode == ReproModeReplay || r.Mode == ReproModeContinueLive
}

// DBPath returns the storage snapshot location inside the data directory.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "conduit.db")
}

// TapePath returns the tape location inside the data directory.
func (c *Config) TapePath() string {
	return filepath.Join(c.DataDir, "repro", "tape.jsonl")
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CONDUIT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conduit"
	}
	return filepath.Join(home, ".conduit")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("dataDir", defaultDataDir())

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7433)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("agents.default", "claude")
	v.SetDefault("agents.claude.binary", "claude")
	v.SetDefault("agents.claude.allowedTools", []string{"Read", "Edit", "Write", "Bash", "Glob", "Grep"})
	v.SetDefault("agents.codex.binary", "codex")
	v.SetDefault("agents.gemini.binary", "gemini")

	v.SetDefault("session.historySize", 1000)
	v.SetDefault("session.subscriberBuffer", 256)
	v.SetDefault("session.queueDelivery", "sequential")
	v.SetDefault("session.terminateGrace", 2000)
	v.SetDefault("session.maxLineBytes", 10*1024*1024)

	v.SetDefault("repro.mode", ReproModeOff)
	v.SetDefault("repro.speed", 1.0)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "conduit")
	v.SetDefault("nats.maxReconnects", 10)
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("", nil)
}

// LoadWithPath reads configuration from the specified path or default
// locations. Flags that were explicitly set on the command line override
// every other source.
func LoadWithPath(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CONDUIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// camelCase keys do not map onto SNAKE_CASE env vars automatically.
	_ = v.BindEnv("dataDir", "CONDUIT_DATA_DIR")
	_ = v.BindEnv("repro.mode", "CONDUIT_REPRO_MODE")
	_ = v.BindEnv("repro.speed", "CONDUIT_REPRO_SPEED")
	_ = v.BindEnv("session.queueDelivery", "CONDUIT_SESSION_QUEUE_DELIVERY")
	_ = v.BindEnv("agents.default", "CONDUIT_AGENT")

	if flags != nil {
		bindFlag(v, flags, "dataDir", "data-dir")
		bindFlag(v, flags, "repro.mode", "repro-mode")
		bindFlag(v, flags, "repro.speed", "speed")
		bindFlag(v, flags, "server.port", "port")
		bindFlag(v, flags, "logging.level", "log-level")
		bindFlag(v, flags, "agents.default", "agent")
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultDataDir())

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func bindFlag(v *viper.Viper, flags *pflag.FlagSet, key, name string) {
	if f := flags.Lookup(name); f != nil {
		_ = v.BindPFlag(key, f)
	}
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.DataDir == "" {
		errs = append(errs, "dataDir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	switch cfg.Agents.Default {
	case "claude", "codex", "gemini":
	default:
		errs = append(errs, "agents.default must be one of: claude, codex, gemini")
	}

	switch cfg.Repro.Mode {
	case "", ReproModeOff, ReproModeRecord, ReproModeReplay, ReproModeContinueLive:
	default:
		errs = append(errs, fmt.Sprintf("repro.mode must be one of: %s, %s, %s, %s",
			ReproModeOff, ReproModeRecord, ReproModeReplay, ReproModeContinueLive))
	}

	switch cfg.Session.QueueDelivery {
	case "sequential", "concat", "numbered":
	default:
		errs = append(errs, "session.queueDelivery must be one of: sequential, concat, numbered")
	}
	if cfg.Session.HistorySize <= 0 {
		errs = append(errs, "session.historySize must be positive")
	}
	if cfg.Session.SubscriberBuffer <= 0 {
		errs = append(errs, "session.subscriberBuffer must be positive")
	}
	if cfg.Session.MaxLineBytes < 1024 {
		errs = append(errs, "session.maxLineBytes must be at least 1024")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
