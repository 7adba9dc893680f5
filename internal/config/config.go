package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrMissingAPIKey is returned by Load when no completion credential is configured.
var ErrMissingAPIKey = errors.New("llm.api_key is not set (use RELAY_LLM_API_KEY or DEEPSEEK_API_KEY)")

// ErrMissingMatrix is returned by Load when the chat transport is not configured.
var ErrMissingMatrix = errors.New("matrix.homeserver_url and matrix.access_token must be set")

// ClientType selects the MCP transport used to reach a prompt server.
type ClientType string

const (
	ClientTypeSSE            ClientType = "sse"
	ClientTypeStreamableHTTP ClientType = "streamable_http"
	ClientTypeStdio          ClientType = "stdio"
)

// Config holds the application configuration
type Config struct {
	LLM          LLMConfig
	Matrix       MatrixConfig
	History      HistoryConfig
	Server       ServerConfig
	SystemPrompt string            `mapstructure:"system_prompt"`
	MCPServers   []MCPServerConfig `mapstructure:"mcp_servers"`
	LogLevel     string            `mapstructure:"log_level"`
}

// LLMConfig holds the completion endpoint configuration
type LLMConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MatrixConfig holds the chat transport configuration
type MatrixConfig struct {
	HomeserverURL string        `mapstructure:"homeserver_url"`
	AccessToken   string        `mapstructure:"access_token"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

// HistoryConfig holds the conversation window configuration
type HistoryConfig struct {
	MaxLength int    `mapstructure:"max_length"`
	DBPath    string `mapstructure:"db_path"`
}

// ServerConfig holds the admin HTTP server configuration. An empty port disables it.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// MCPServerConfig describes one MCP server consulted for system prompts.
type MCPServerConfig struct {
	Name    string            `mapstructure:"name"`
	Type    ClientType        `mapstructure:"type"`
	URL     string            `mapstructure:"url"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Headers map[string]string `mapstructure:"headers"`
}

// Flags returns the command-line flags understood by Load.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	fs.String("config", "", "path to the YAML configuration file (default ./config.yaml or $CONFIG_PATH)")
	fs.String("log-level", "", "log verbosity: debug, info, warn or error")
	fs.Int("history-length", 0, "maximum number of messages kept per conversation")
	return fs
}

// Load loads the configuration from config.yaml, the environment and, when
// non-nil, already parsed command-line flags.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("llm.api_key", "RELAY_LLM_API_KEY", "DEEPSEEK_API_KEY")
	_ = v.BindEnv("llm.base_url", "RELAY_LLM_BASE_URL", "DEEPSEEK_API_URL")
	_ = v.BindEnv("llm.model", "RELAY_LLM_MODEL", "DEEPSEEK_MODEL")
	_ = v.BindEnv("log_level", "RELAY_LOG_LEVEL", "LOG_LEVEL")

	path := os.Getenv("CONFIG_PATH")
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Changed {
			path = f.Value.String()
		}
		bindFlag(v, fs, "log_level", "log-level")
		bindFlag(v, fs, "history.max_length", "history-length")
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	config.LLM.BaseURL = normalizeBaseURL(config.LLM.BaseURL)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate reports configuration that makes the relay impossible to start.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.LLM.APIKey) == "" {
		return ErrMissingAPIKey
	}
	if c.Matrix.HomeserverURL == "" || c.Matrix.AccessToken == "" {
		return ErrMissingMatrix
	}
	if c.History.MaxLength < 1 {
		return fmt.Errorf("history.max_length must be at least 1, got %d", c.History.MaxLength)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.base_url", "https://api.deepseek.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "deepseek-chat")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("matrix.homeserver_url", "")
	v.SetDefault("matrix.access_token", "")
	v.SetDefault("matrix.retry_delay", 5*time.Second)
	v.SetDefault("history.max_length", 10)
	v.SetDefault("history.db_path", "")
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "")
	v.SetDefault("system_prompt", "")
	v.SetDefault("log_level", "info")
}

func bindFlag(v *viper.Viper, fs *pflag.FlagSet, key, name string) {
	if f := fs.Lookup(name); f != nil && f.Changed {
		_ = v.BindPFlag(key, f)
	}
}

// normalizeBaseURL accepts either the API root or the full chat/completions
// URL (the form DEEPSEEK_API_URL has historically used).
func normalizeBaseURL(u string) string {
	u = strings.TrimRight(strings.TrimSpace(u), "/")
	return strings.TrimSuffix(u, "/chat/completions")
}
