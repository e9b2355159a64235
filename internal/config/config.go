// ABOUTME: Configuration loading and parsing for the t2b gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables consulted by the loader.
const (
	EnvConfigPath = "T2B_CONFIG"
	EnvSecret     = "T2B_SECRET"
	EnvDBPath     = "T2B_DB_PATH"
)

// MinSecretLength is the minimum accepted length of auth.secret in bytes.
const MinSecretLength = 32

// ErrNoConfig is returned by Resolve when no configuration file can be found.
var ErrNoConfig = errors.New("no configuration file found")

// Config represents the complete gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Sessions SessionsConfig `yaml:"sessions" toml:"sessions"`
	Limits   LimitsConfig   `yaml:"limits" toml:"limits"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Bots     BotsConfig     `yaml:"bots" toml:"bots"`
	Tunnel   TunnelConfig   `yaml:"tunnel" toml:"tunnel"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	Addr           string   `yaml:"addr" toml:"addr"`
	WSPath         string   `yaml:"ws_path" toml:"ws_path"`
	BotPath        string   `yaml:"bot_path" toml:"bot_path"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// Port returns the numeric port of Addr, or 0 when it has none.
func (s ServerConfig) Port() int {
	_, port, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(port)
	if err != nil {
		return 0
	}
	return n
}

// AuthConfig holds credential configuration
type AuthConfig struct {
	Secret          string `yaml:"secret" toml:"secret"`
	KeyPrefix       string `yaml:"key_prefix" toml:"key_prefix"`
	SignatureLength int    `yaml:"signature_length" toml:"signature_length"`
	// AdminTokenHash is a bcrypt hash of the admin bearer token.
	AdminTokenHash string `yaml:"admin_token_hash" toml:"admin_token_hash"`
}

// SessionsConfig holds session and heartbeat timing
type SessionsConfig struct {
	Timeout           time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	TimeoutRaw           string `yaml:"timeout" toml:"timeout"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
}

// LimitsConfig holds rate limits and per-connection bounds
type LimitsConfig struct {
	MessagesPerMinute int `yaml:"messages_per_minute" toml:"messages_per_minute"`
	MessageBurst      int `yaml:"message_burst" toml:"message_burst"`
	TasksPerMinute    int `yaml:"tasks_per_minute" toml:"tasks_per_minute"`
	TaskBurst         int `yaml:"task_burst" toml:"task_burst"`
	AuthPerMinute     int `yaml:"auth_per_minute" toml:"auth_per_minute"`
	AuthBurst         int `yaml:"auth_burst" toml:"auth_burst"`
	QueueSize         int `yaml:"queue_size" toml:"queue_size"`
	DedupeMaxSize     int `yaml:"dedupe_max_size" toml:"dedupe_max_size"`

	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// DatabaseConfig holds task store configuration. An empty path keeps tasks
// in memory for the life of the process.
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// BotsConfig holds bot link configuration
type BotsConfig struct {
	// Backlog is how many frames are held for a bot that is not connected.
	Backlog int `yaml:"backlog" toml:"backlog"`
}

// TunnelConfig holds tunnel supervision configuration
type TunnelConfig struct {
	Provider    string `yaml:"provider" toml:"provider"`
	AutoStart   bool   `yaml:"auto_start" toml:"auto_start"`
	MaxAttempts int    `yaml:"max_attempts" toml:"max_attempts"`
	AutoRestart *bool  `yaml:"auto_restart" toml:"auto_restart"`

	GracePeriod  time.Duration `yaml:"-" toml:"-"`
	RestartDelay time.Duration `yaml:"-" toml:"-"`
	StopGrace    time.Duration `yaml:"-" toml:"-"`
	RetryBackoff time.Duration `yaml:"-" toml:"-"`

	GracePeriodRaw  string `yaml:"grace_period" toml:"grace_period"`
	RestartDelayRaw string `yaml:"restart_delay" toml:"restart_delay"`
	StopGraceRaw    string `yaml:"stop_grace" toml:"stop_grace"`
	RetryBackoffRaw string `yaml:"retry_backoff" toml:"retry_backoff"`

	Reverse     ReverseTunnelConfig     `yaml:"reverse" toml:"reverse"`
	Tailscale   TailscaleTunnelConfig   `yaml:"tailscale" toml:"tailscale"`
	Localtunnel LocaltunnelTunnelConfig `yaml:"localtunnel" toml:"localtunnel"`
}

// RestartOnCrash reports whether a crashed tunnel is restarted automatically.
func (t TunnelConfig) RestartOnCrash() bool {
	return t.AutoRestart == nil || *t.AutoRestart
}

// ReverseTunnelConfig configures the self-hosted reverse tunnel client
type ReverseTunnelConfig struct {
	Binary string `yaml:"binary" toml:"binary"`
	Server string `yaml:"server" toml:"server"`
	Token  string `yaml:"token" toml:"token"`
}

// TailscaleTunnelConfig configures tailscale funnel/serve
type TailscaleTunnelConfig struct {
	Binary        string `yaml:"binary" toml:"binary"`
	DNSName       string `yaml:"dns_name" toml:"dns_name"`
	DisableFunnel bool   `yaml:"disable_funnel" toml:"disable_funnel"`
}

// LocaltunnelTunnelConfig configures the localtunnel CLI
type LocaltunnelTunnelConfig struct {
	Binary          string `yaml:"binary" toml:"binary"`
	Subdomain       string `yaml:"subdomain" toml:"subdomain"`
	Host            string `yaml:"host" toml:"host"`
	RandomSubdomain bool   `yaml:"random_subdomain" toml:"random_subdomain"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then
// T2B_SECRET and T2B_DB_PATH override the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied and no secret.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// FromEnv builds a configuration from defaults and environment overrides
// alone, for running without a configuration file.
func FromEnv() (*Config, error) {
	cfg := Default()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Resolve picks the configuration file to load: the explicit path, then
// $T2B_CONFIG, then ./t2b.yaml, then ~/.config/t2b/gateway.yaml.
func Resolve(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}
	candidates := []string{"t2b.yaml", "t2b.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, ".config", "t2b", "gateway.yaml"),
			filepath.Join(home, ".config", "t2b", "gateway.toml"),
		)
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", ErrNoConfig
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvSecret); v != "" {
		cfg.Auth.Secret = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.Database.Path = v
	}
}

func (c *Config) applyDefaults() {
	setString(&c.Server.Addr, "127.0.0.1:8080")
	setString(&c.Server.WSPath, "/ws")
	setString(&c.Server.BotPath, "/bot")

	setDuration(&c.Sessions.Timeout, 30*time.Minute)
	setDuration(&c.Sessions.HeartbeatInterval, 30*time.Second)
	setDuration(&c.Sessions.HeartbeatTimeout, 90*time.Second)

	setInt(&c.Limits.MessagesPerMinute, 60)
	setInt(&c.Limits.MessageBurst, 10)
	setInt(&c.Limits.TasksPerMinute, 20)
	setInt(&c.Limits.TaskBurst, 5)
	setInt(&c.Limits.AuthPerMinute, 10)
	setInt(&c.Limits.AuthBurst, 5)
	setInt(&c.Limits.QueueSize, 64)
	setInt(&c.Limits.DedupeMaxSize, 10000)
	setDuration(&c.Limits.DedupeTTL, 5*time.Minute)

	setInt(&c.Bots.Backlog, 100)

	setInt(&c.Tunnel.MaxAttempts, 3)
	setDuration(&c.Tunnel.GracePeriod, 5*time.Second)
	setDuration(&c.Tunnel.RestartDelay, time.Second)
	setDuration(&c.Tunnel.StopGrace, 5*time.Second)
	setDuration(&c.Tunnel.RetryBackoff, 2*time.Second)

	setString(&c.Logging.Level, "info")
	setString(&c.Logging.Format, "text")
}

func setString(p *string, v string) {
	if *p == "" {
		*p = v
	}
}

func setInt(p *int, v int) {
	if *p == 0 {
		*p = v
	}
}

func setDuration(p *time.Duration, v time.Duration) {
	if *p == 0 {
		*p = v
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if len(c.Auth.Secret) < MinSecretLength {
		return fmt.Errorf("auth.secret must be at least %d bytes (set %s)", MinSecretLength, EnvSecret)
	}
	if strings.Contains(c.Auth.KeyPrefix, "_") {
		return fmt.Errorf("auth.key_prefix must not contain '_'")
	}
	if c.Auth.SignatureLength != 0 && (c.Auth.SignatureLength < 16 || c.Auth.SignatureLength > 64) {
		return fmt.Errorf("auth.signature_length must be between 16 and 64")
	}

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return fmt.Errorf("server.addr %q: %w", c.Server.Addr, err)
	}
	if !strings.HasPrefix(c.Server.WSPath, "/") || !strings.HasPrefix(c.Server.BotPath, "/") {
		return fmt.Errorf("server.ws_path and server.bot_path must start with '/'")
	}
	if c.Server.WSPath == c.Server.BotPath {
		return fmt.Errorf("server.ws_path and server.bot_path must differ")
	}

	if c.Sessions.HeartbeatTimeout <= c.Sessions.HeartbeatInterval {
		return fmt.Errorf("sessions.heartbeat_timeout must exceed sessions.heartbeat_interval")
	}

	for name, v := range map[string]int{
		"limits.messages_per_minute": c.Limits.MessagesPerMinute,
		"limits.message_burst":       c.Limits.MessageBurst,
		"limits.tasks_per_minute":    c.Limits.TasksPerMinute,
		"limits.task_burst":          c.Limits.TaskBurst,
		"limits.auth_per_minute":     c.Limits.AuthPerMinute,
		"limits.auth_burst":          c.Limits.AuthBurst,
		"limits.queue_size":          c.Limits.QueueSize,
		"bots.backlog":               c.Bots.Backlog,
		"tunnel.max_attempts":        c.Tunnel.MaxAttempts,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	switch c.Tunnel.Provider {
	case "", "tailscale", "localtunnel":
	case "reverse":
		if c.Tunnel.Reverse.Server == "" || c.Tunnel.Reverse.Token == "" {
			return fmt.Errorf("tunnel.reverse.server and tunnel.reverse.token are required for the reverse provider")
		}
	default:
		return fmt.Errorf("tunnel.provider %q must be one of reverse, tailscale, localtunnel", c.Tunnel.Provider)
	}
	if c.Tunnel.AutoStart && c.Tunnel.Provider == "" {
		return fmt.Errorf("tunnel.auto_start requires tunnel.provider")
	}
	if c.Tunnel.AutoStart && c.Server.Port() == 0 {
		return fmt.Errorf("tunnel.auto_start requires a fixed port in server.addr")
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Logging.Level) {
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"sessions.timeout", cfg.Sessions.TimeoutRaw, &cfg.Sessions.Timeout},
		{"sessions.heartbeat_interval", cfg.Sessions.HeartbeatIntervalRaw, &cfg.Sessions.HeartbeatInterval},
		{"sessions.heartbeat_timeout", cfg.Sessions.HeartbeatTimeoutRaw, &cfg.Sessions.HeartbeatTimeout},
		{"limits.dedupe_ttl", cfg.Limits.DedupeTTLRaw, &cfg.Limits.DedupeTTL},
		{"tunnel.grace_period", cfg.Tunnel.GracePeriodRaw, &cfg.Tunnel.GracePeriod},
		{"tunnel.restart_delay", cfg.Tunnel.RestartDelayRaw, &cfg.Tunnel.RestartDelay},
		{"tunnel.stop_grace", cfg.Tunnel.StopGraceRaw, &cfg.Tunnel.StopGrace},
		{"tunnel.retry_backoff", cfg.Tunnel.RetryBackoffRaw, &cfg.Tunnel.RetryBackoff},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
