package config

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix is the prefix for environment overrides (CODESTATION_SERVER_ADDR)
const EnvPrefix = "CODESTATION"

// Disconnect cleanup scopes
const (
	CleanupOwner = "owner"
	CleanupRoom  = "room"
)

// MCP transports
const (
	MCPOff   = "off"
	MCPHTTP  = "http"
	MCPStdio = "stdio"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Rooms     RoomsConfig         `mapstructure:"rooms"`
	Execution ExecutionConfig     `mapstructure:"execution"`
	Transport TransportConfig     `mapstructure:"transport"`
	MCP       MCPConfig           `mapstructure:"mcp"`
	Languages map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds HTTP listener configuration
type ServerConfig struct {
	Addr            string `mapstructure:"addr"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout_sec"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode     string `mapstructure:"mode"`
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// RoomsConfig holds room state configuration
type RoomsConfig struct {
	MessageCapacity int    `mapstructure:"message_capacity"`
	DefaultLanguage string `mapstructure:"default_language"`
}

// ExecutionConfig holds execution supervisor and runner configuration
type ExecutionConfig struct {
	MaxOutputBytes    int    `mapstructure:"max_output_bytes"`
	TimeoutSec        int    `mapstructure:"timeout_sec"`
	WorkspaceDir      string `mapstructure:"workspace_dir"`
	DisconnectCleanup string `mapstructure:"disconnect_cleanup"`
	Engine            string `mapstructure:"engine"`
	MemoryMB          int    `mapstructure:"memory_mb"`
	NetworkEnabled    bool   `mapstructure:"network_enabled"`
}

// TransportConfig holds websocket connection limits
type TransportConfig struct {
	MaxMessageBytes   int64   `mapstructure:"max_message_bytes"`
	SendBuffer        int     `mapstructure:"send_buffer"`
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	MessageBurst      int     `mapstructure:"message_burst"`
}

// MCPConfig holds the operator MCP surface configuration
type MCPConfig struct {
	Transport string `mapstructure:"transport"`
	Path      string `mapstructure:"path"`
}

// Language describes how one language is run.
// Environment entries have the form KEY=VALUE; viper would lowercase map keys.
type Language struct {
	Command      []string `mapstructure:"command"`
	FileName     string   `mapstructure:"file_name"`
	Image        string   `mapstructure:"image"`
	Environment  []string `mapstructure:"environment"`
	DenyPatterns []string `mapstructure:"deny_patterns"`
}

// EnvironmentMap returns Environment as a map. Entries without '=' are skipped.
func (l Language) EnvironmentMap() map[string]string {
	if len(l.Environment) == 0 {
		return nil
	}
	env := make(map[string]string, len(l.Environment))
	for _, entry := range l.Environment {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}

// New loads config.yaml from the working directory or ./config, if present,
// applies environment overrides and validates the result.
func New() (*Config, error) {
	v := newViper()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	return build(v)
}

// Load reads configuration from an explicit file path
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	return build(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":3000")
	v.SetDefault("server.shutdown_timeout_sec", 10)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "")

	v.SetDefault("rooms.message_capacity", 80)
	v.SetDefault("rooms.default_language", "python")

	v.SetDefault("execution.max_output_bytes", 128*1024)
	v.SetDefault("execution.timeout_sec", 0)
	v.SetDefault("execution.workspace_dir", "")
	v.SetDefault("execution.disconnect_cleanup", CleanupOwner)
	v.SetDefault("execution.engine", "local")
	v.SetDefault("execution.memory_mb", 256)
	v.SetDefault("execution.network_enabled", false)

	v.SetDefault("transport.max_message_bytes", 1<<20)
	v.SetDefault("transport.send_buffer", 512)
	v.SetDefault("transport.messages_per_second", 100)
	v.SetDefault("transport.message_burst", 200)

	v.SetDefault("mcp.transport", MCPOff)
	v.SetDefault("mcp.path", "/mcp")

	// Python defaults
	v.SetDefault("languages.python.command", []string{"python3", "-I"})
	v.SetDefault("languages.python.file_name", "main.py")
	v.SetDefault("languages.python.image", "python:3.12-slim")
	v.SetDefault("languages.python.environment", []string{"PYTHONUNBUFFERED=1"})
	v.SetDefault("languages.python.deny_patterns", []string{
		`import\s+os`,
		`import\s+sys`,
		`import\s+subprocess`,
		`\bexec\s*\(`,
		`\beval\s*\(`,
		`\bopen\s*\(`,
	})

	// JavaScript defaults
	v.SetDefault("languages.javascript.command", []string{"node"})
	v.SetDefault("languages.javascript.file_name", "main.js")
	v.SetDefault("languages.javascript.image", "node:20-alpine")

	return v
}

func build(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
//
//nolint:gocyclo // Flat list of independent checks
func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}
	if c.Logging.Encoding != "" && c.Logging.Encoding != "json" && c.Logging.Encoding != "console" {
		return fmt.Errorf("invalid logging.encoding: %s, must be 'json' or 'console'", c.Logging.Encoding)
	}

	if c.Rooms.MessageCapacity <= 0 {
		return fmt.Errorf("rooms.message_capacity must be positive, got: %d", c.Rooms.MessageCapacity)
	}
	switch c.Rooms.DefaultLanguage {
	case "python", "javascript", "html":
	default:
		return fmt.Errorf("invalid rooms.default_language: %s", c.Rooms.DefaultLanguage)
	}

	if c.Execution.MaxOutputBytes <= 0 {
		return fmt.Errorf("execution.max_output_bytes must be positive, got: %d", c.Execution.MaxOutputBytes)
	}
	if c.Execution.TimeoutSec < 0 {
		return fmt.Errorf("execution.timeout_sec must not be negative, got: %d", c.Execution.TimeoutSec)
	}
	if c.Execution.DisconnectCleanup != CleanupOwner && c.Execution.DisconnectCleanup != CleanupRoom {
		return fmt.Errorf("invalid execution.disconnect_cleanup: %s, must be 'owner' or 'room'", c.Execution.DisconnectCleanup)
	}

	supportedEngines := map[string]bool{
		"local":  true,
		"docker": true,
		"podman": true,
	}
	if !supportedEngines[c.Execution.Engine] {
		return fmt.Errorf("unsupported execution.engine: %s", c.Execution.Engine)
	}
	if c.Execution.Engine != "local" && c.Execution.MemoryMB <= 0 {
		return fmt.Errorf("execution.memory_mb must be positive, got: %d", c.Execution.MemoryMB)
	}

	if c.Transport.MaxMessageBytes <= 0 {
		return fmt.Errorf("transport.max_message_bytes must be positive, got: %d", c.Transport.MaxMessageBytes)
	}
	if c.Transport.SendBuffer <= 0 {
		return fmt.Errorf("transport.send_buffer must be positive, got: %d", c.Transport.SendBuffer)
	}
	if c.Transport.MessagesPerSecond <= 0 || c.Transport.MessageBurst <= 0 {
		return errors.New("transport.messages_per_second and transport.message_burst must be positive")
	}

	switch c.MCP.Transport {
	case MCPOff, MCPStdio:
	case MCPHTTP:
		if !strings.HasPrefix(c.MCP.Path, "/") || c.MCP.Path == "/" || c.MCP.Path == "/ws" || c.MCP.Path == "/health" {
			return fmt.Errorf("invalid mcp.path: %q", c.MCP.Path)
		}
	default:
		return fmt.Errorf("invalid mcp.transport: %s, must be 'off', 'http' or 'stdio'", c.MCP.Transport)
	}

	return c.validateLanguages()
}

func (c *Config) validateLanguages() error {
	names := make([]string, 0, len(c.Languages))
	for name := range c.Languages {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		lang := c.Languages[name]
		if name == "html" {
			return errors.New("languages.html: html is rendered by the client and cannot be executed")
		}
		if len(lang.Command) == 0 {
			return fmt.Errorf("languages.%s.command must not be empty", name)
		}
		if lang.FileName == "" {
			return fmt.Errorf("languages.%s.file_name must not be empty", name)
		}
		if c.Execution.Engine != "local" && lang.Image == "" {
			return fmt.Errorf("languages.%s.image is required for engine %s", name, c.Execution.Engine)
		}
		for _, entry := range lang.Environment {
			if key, _, ok := strings.Cut(entry, "="); !ok || key == "" {
				return fmt.Errorf("languages.%s.environment: entry %q must have the form KEY=VALUE", name, entry)
			}
		}
		for _, pattern := range lang.DenyPatterns {
			if _, err := regexp.Compile(pattern); err != nil {
				return fmt.Errorf("languages.%s.deny_patterns: %w", name, err)
			}
		}
	}
	return nil
}

// GetTimeout returns the execution timeout as a duration; zero disables it
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Execution.TimeoutSec) * time.Second
}

// GetShutdownTimeout returns the HTTP shutdown grace period
func (c *Config) GetShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeout) * time.Second
}
