package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultNiaBaseURL     = "https://apigcp.trynia.ai/v2"
	DefaultGatewayBaseURL = "https://ai-gateway.vercel.sh/v1"
	DefaultFunctionID     = "cursor-forum-chat"
)

type Config struct {
	DefaultModel string          `mapstructure:"default_model" yaml:"default_model"`
	SystemPrompt string          `mapstructure:"system_prompt" yaml:"system_prompt,omitempty"`
	LogLevel     string          `mapstructure:"log_level" yaml:"log_level"`
	Models       []ModelEntry    `mapstructure:"models" yaml:"models"`
	Providers    ProvidersConfig `mapstructure:"providers" yaml:"providers"`
	Nia          NiaConfig       `mapstructure:"nia" yaml:"nia"`
	Loop         LoopConfig      `mapstructure:"loop" yaml:"loop"`
	Serve        ServeConfig     `mapstructure:"serve" yaml:"serve"`
	Telemetry    TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Usage        UsageConfig     `mapstructure:"usage" yaml:"usage"`
}

type ProvidersConfig struct {
	Gateway   GatewayConfig   `mapstructure:"gateway" yaml:"gateway"`
	Anthropic AnthropicConfig `mapstructure:"anthropic" yaml:"anthropic"`
	Gemini    GeminiConfig    `mapstructure:"gemini" yaml:"gemini"`
}

// GatewayConfig configures the OpenAI-compatible AI gateway that fronts
// every vendor/model id in the catalog.
type GatewayConfig struct {
	APIKey  string `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key" yaml:"api_key,omitempty"`
}

// NiaConfig configures the retrieval backend.
type NiaConfig struct {
	APIKey            string        `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	Sources           []string      `mapstructure:"sources" yaml:"sources"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
}

type LoopConfig struct {
	MaxSteps       int           `mapstructure:"max_steps" yaml:"max_steps"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
}

type ServeConfig struct {
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// TelemetryConfig is attached to every run span.
type TelemetryConfig struct {
	FunctionID    string `mapstructure:"function_id" yaml:"function_id"`
	RecordInputs  bool   `mapstructure:"record_inputs" yaml:"record_inputs"`
	RecordOutputs bool   `mapstructure:"record_outputs" yaml:"record_outputs"`
}

type UsageConfig struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path,omitempty"`
	Log    bool   `mapstructure:"log" yaml:"log"`
}

// Load reads config.yaml from the config dir (a missing file is fine),
// applies defaults and resolves credentials from the environment.
func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}
	return load(viper.New(), configPath)
}

func load(v *viper.Viper, configPath string) (*Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.Models) == 0 {
		cfg.Models = DefaultModels()
	}
	cfg.Models = normalizeModels(cfg.Models)

	resolveProviderCredentials(&cfg.Providers)
	resolveNiaCredentials(&cfg.Nia)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Defaults returns the built-in configuration, reading neither a file nor
// the environment.
func Defaults() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	cfg.Models = DefaultModels()
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("default_model", DefaultModelID)
	v.SetDefault("log_level", "info")
	v.SetDefault("providers.gateway.base_url", DefaultGatewayBaseURL)
	v.SetDefault("nia.base_url", DefaultNiaBaseURL)
	v.SetDefault("nia.timeout", 60*time.Second)
	v.SetDefault("nia.requests_per_second", 5.0)
	v.SetDefault("loop.max_steps", 20)
	v.SetDefault("loop.max_retries", 3)
	v.SetDefault("loop.retry_base_delay", time.Second)
	v.SetDefault("serve.host", "127.0.0.1")
	v.SetDefault("serve.port", 8080)
	v.SetDefault("serve.request_timeout", 15*time.Minute)
	v.SetDefault("telemetry.function_id", DefaultFunctionID)
	v.SetDefault("telemetry.record_inputs", true)
	v.SetDefault("telemetry.record_outputs", true)
	v.SetDefault("usage.log", true)
}

// Validate rejects values the loop cannot run with.
func (c *Config) Validate() error {
	if c.Loop.MaxSteps <= 0 {
		return fmt.Errorf("loop.max_steps must be positive, got %d", c.Loop.MaxSteps)
	}
	if c.Loop.MaxRetries < 0 {
		return fmt.Errorf("loop.max_retries must not be negative, got %d", c.Loop.MaxRetries)
	}
	if c.Nia.Timeout <= 0 {
		return fmt.Errorf("nia.timeout must be positive, got %s", c.Nia.Timeout)
	}
	if _, ok := c.LookupModel(c.DefaultModel); !ok {
		return fmt.Errorf("default_model %q is not in the model list", c.DefaultModel)
	}
	return nil
}

// ApplyOverrides applies command-line overrides. An empty value leaves the
// config untouched.
func (c *Config) ApplyOverrides(model, systemPrompt string) {
	if model != "" {
		c.DefaultModel = model
	}
	if systemPrompt != "" {
		c.SystemPrompt = systemPrompt
	}
}

// ServeAddr returns host:port for the HTTP server.
func (c *Config) ServeAddr() string {
	return fmt.Sprintf("%s:%d", c.Serve.Host, c.Serve.Port)
}

func resolveProviderCredentials(cfg *ProvidersConfig) {
	cfg.Gateway.APIKey = expandEnv(cfg.Gateway.APIKey)
	if cfg.Gateway.APIKey == "" {
		cfg.Gateway.APIKey = os.Getenv("AI_GATEWAY_API_KEY")
	}
	cfg.Gateway.BaseURL = expandEnv(cfg.Gateway.BaseURL)

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	if cfg.Anthropic.APIKey == "" {
		cfg.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	cfg.Gemini.APIKey = expandEnv(cfg.Gemini.APIKey)
	if cfg.Gemini.APIKey == "" {
		cfg.Gemini.APIKey = os.Getenv("GEMINI_API_KEY")
	}
}

// resolveNiaCredentials fills the key and source list from the environment.
// NIA_CURSOR_FORUM_SOURCES is a comma separated list of data source ids.
func resolveNiaCredentials(cfg *NiaConfig) {
	cfg.APIKey = expandEnv(cfg.APIKey)
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("NIA_API_KEY")
	}
	cfg.BaseURL = strings.TrimRight(expandEnv(cfg.BaseURL), "/")
	if len(cfg.Sources) == 0 {
		cfg.Sources = ParseSources(os.Getenv("NIA_CURSOR_FORUM_SOURCES"))
	} else {
		cfg.Sources = ParseSources(strings.Join(cfg.Sources, ","))
	}
}

// ParseSources splits a comma separated list, dropping blanks.
func ParseSources(csv string) []string {
	var out []string
	for _, s := range strings.Split(csv, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// expandEnv expands ${VAR} or $VAR in a string
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		varName := s[2 : len(s)-1]
		return os.Getenv(varName)
	}
	if strings.HasPrefix(s, "$") {
		return os.Getenv(s[1:])
	}
	return s
}

// GetConfigDir returns the XDG config directory for forumchat.
// Uses $XDG_CONFIG_HOME if set, otherwise ~/.config
func GetConfigDir() (string, error) {
	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		return filepath.Join(xdgHome, "forumchat"), nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".config", "forumchat"), nil
}

// GetConfigPath returns the path of config.yaml.
func GetConfigPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Redacted returns a copy with secrets masked, for display.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.Providers.Gateway.APIKey = mask(c.Providers.Gateway.APIKey)
	c.Providers.Anthropic.APIKey = mask(c.Providers.Anthropic.APIKey)
	c.Providers.Gemini.APIKey = mask(c.Providers.Gemini.APIKey)
	c.Nia.APIKey = mask(c.Nia.APIKey)
	return c
}

// YAML renders the config as YAML.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Save writes the config to path, creating parent directories.
func Save(c Config, path string) error {
	data, err := c.YAML()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
