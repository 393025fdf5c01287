// ABOUTME: Configuration loading and parsing for opamp-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultOpAMPPath       = "/v1/opamp"
	DefaultReadLimit       = 4 * 1024 * 1024
	DefaultChunkSize       = 4 * 1024
	DefaultShutdownTimeout = 5 * time.Second
	DefaultStatusDedupeTTL = 10 * time.Minute
	DefaultKeepAlive       = 2 * time.Minute
	DefaultEventBuffer     = 256
	DefaultMetricsPath     = "/metrics"
)

// Config represents the complete opamp-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale" toml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	OpAMP        OpAMPConfig        `yaml:"opamp" toml:"opamp"`
	RemoteConfig RemoteConfigConfig `yaml:"remote_config" toml:"remote_config"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics" toml:"metrics"`

	// baseDir is the directory of the loaded file, used for relative paths
	baseDir string
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr  string `yaml:"http_addr" toml:"http_addr"`
	OpAMPPath string `yaml:"opamp_path" toml:"opamp_path"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // Serve HTTPS with Tailscale-issued certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// OpAMPConfig holds per-session protocol settings
type OpAMPConfig struct {
	ReadLimit       int64 `yaml:"read_limit" toml:"read_limit"`               // Max bytes per inbound message
	ChunkSize       int   `yaml:"chunk_size" toml:"chunk_size"`               // Read buffer per chunk
	DisableWSHeader bool  `yaml:"disable_ws_header" toml:"disable_ws_header"` // Omit the OpAMP WebSocket header on responses
	EventBuffer     int   `yaml:"event_buffer" toml:"event_buffer"`           // Queued status events before dropping

	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`
	StatusDedupeTTL time.Duration `yaml:"-" toml:"-"`
	KeepAlive       time.Duration `yaml:"-" toml:"-"` // Ping interval; negative disables

	// Raw string values for YAML unmarshaling
	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	StatusDedupeTTLRaw string `yaml:"status_dedupe_ttl" toml:"status_dedupe_ttl"`
	KeepAliveRaw       string `yaml:"keepalive_interval" toml:"keepalive_interval"`
}

// RemoteConfigConfig lists the files offered to agents as remote config
type RemoteConfigConfig struct {
	Files []RemoteConfigFile `yaml:"files" toml:"files"`
}

// RemoteConfigFile is one entry of the agent config map
type RemoteConfigFile struct {
	Name        string `yaml:"name" toml:"name"` // Defaults to the base name of Path
	Path        string `yaml:"path" toml:"path"`
	ContentType string `yaml:"content_type" toml:"content_type"` // Guessed from the extension if empty
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()
	cfg.baseDir = filepath.Dir(path)

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// BaseDir returns the directory of the file the config was loaded from.
func (c *Config) BaseDir() string {
	return c.baseDir
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Server.OpAMPPath == "" {
		c.Server.OpAMPPath = DefaultOpAMPPath
	}
	if c.OpAMP.ReadLimit == 0 {
		c.OpAMP.ReadLimit = DefaultReadLimit
	}
	if c.OpAMP.ChunkSize == 0 {
		c.OpAMP.ChunkSize = DefaultChunkSize
	}
	if c.OpAMP.EventBuffer == 0 {
		c.OpAMP.EventBuffer = DefaultEventBuffer
	}
	if c.OpAMP.ShutdownTimeout == 0 {
		c.OpAMP.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.OpAMP.StatusDedupeTTL == 0 {
		c.OpAMP.StatusDedupeTTL = DefaultStatusDedupeTTL
	}
	if c.OpAMP.KeepAlive == 0 {
		c.OpAMP.KeepAlive = DefaultKeepAlive
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if !strings.HasPrefix(c.Server.OpAMPPath, "/") {
		return fmt.Errorf("server.opamp_path must start with /")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.OpAMP.ReadLimit < 0 {
		return fmt.Errorf("opamp.read_limit must not be negative")
	}
	if c.OpAMP.ChunkSize < 0 {
		return fmt.Errorf("opamp.chunk_size must not be negative")
	}

	for i, f := range c.RemoteConfig.Files {
		if f.Path == "" {
			return fmt.Errorf("remote_config.files[%d].path is required", i)
		}
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.OpAMP.ShutdownTimeoutRaw != "" {
		cfg.OpAMP.ShutdownTimeout, err = time.ParseDuration(cfg.OpAMP.ShutdownTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing shutdown_timeout %q: %w", cfg.OpAMP.ShutdownTimeoutRaw, err)
		}
	}

	if cfg.OpAMP.StatusDedupeTTLRaw != "" {
		cfg.OpAMP.StatusDedupeTTL, err = time.ParseDuration(cfg.OpAMP.StatusDedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing status_dedupe_ttl %q: %w", cfg.OpAMP.StatusDedupeTTLRaw, err)
		}
	}

	if cfg.OpAMP.KeepAliveRaw != "" {
		cfg.OpAMP.KeepAlive, err = time.ParseDuration(cfg.OpAMP.KeepAliveRaw)
		if err != nil {
			return fmt.Errorf("parsing keepalive_interval %q: %w", cfg.OpAMP.KeepAliveRaw, err)
		}
	}

	return nil
}
