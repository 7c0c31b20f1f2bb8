package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/newthinker/relaybot/internal/core"
	"github.com/spf13/viper"
)

// Provider keys in selection priority order.
const (
	ProviderOllama   = "ollama"
	ProviderOpenAI   = "openai"
	ProviderDeepSeek = "deepseek"
	ProviderGenAPI   = "genapi"
	ProviderProxyAPI = "proxyapi"
)

// ProviderKeys lists the recognized provider keys in selection priority order.
var ProviderKeys = []string{ProviderOllama, ProviderOpenAI, ProviderDeepSeek, ProviderGenAPI, ProviderProxyAPI}

// ProxyAPI wire protocols.
const (
	ProtocolOpenAI    = "openai"
	ProtocolAnthropic = "anthropic"
)

type Config struct {
	Bot     BotConfig     `mapstructure:"bot"`
	Context ContextConfig `mapstructure:"context"`
	LLM     LLMConfig     `mapstructure:"llm"`
	Archive ArchiveConfig `mapstructure:"archive"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

type BotConfig struct {
	Token        string        `mapstructure:"token"`
	APIURL       string        `mapstructure:"api_url"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	Workers      int           `mapstructure:"workers"`
	SystemPrompt string        `mapstructure:"system_prompt"`
}

type ContextConfig struct {
	MaxMessages int `mapstructure:"max_messages"`
}

type LLMConfig struct {
	Provider    string         `mapstructure:"provider"`
	Temperature float64        `mapstructure:"temperature"`
	MaxTokens   int            `mapstructure:"max_tokens"` // 0 means unset
	Ollama      ProviderConfig `mapstructure:"ollama"`
	OpenAI      ProviderConfig `mapstructure:"openai"`
	DeepSeek    ProviderConfig `mapstructure:"deepseek"`
	GenAPI      GenAPIConfig   `mapstructure:"genapi"`
	ProxyAPI    ProxyAPIConfig `mapstructure:"proxyapi"`
}

// ProviderConfig describes one backend. Key is fixed by its position in LLMConfig.
type ProviderConfig struct {
	Key         string        `mapstructure:"-"`
	DisplayName string        `mapstructure:"display_name"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type GenAPIConfig struct {
	ProviderConfig `mapstructure:",squash"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	PollMaxWait    time.Duration `mapstructure:"poll_max_wait"`
}

type ProxyAPIConfig struct {
	ProviderConfig `mapstructure:",squash"`
	Protocol       string `mapstructure:"protocol"` // "openai" or "anthropic"
}

type ArchiveConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Type    string   `mapstructure:"type"` // "localfs" or "s3"
	Path    string   `mapstructure:"path"` // For localfs
	S3      S3Config `mapstructure:"s3"`   // For S3
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
	// APIKey guards the /api/v1 admin routes. Empty disables the check.
	APIKey  string `mapstructure:"api_key"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// envAliases maps config keys to the plain environment variable names the bot
// has always honored. AutomaticEnv additionally accepts LLM_OPENAI_API_KEY style names.
var envAliases = map[string][]string{
	"bot.token":             {"BOT_TOKEN"},
	"bot.system_prompt":     {"SYSTEM_PROMPT"},
	"context.max_messages":  {"MAX_CONTEXT_MESSAGES"},
	"llm.provider":          {"AI_PROVIDER"},
	"llm.temperature":       {"TEMPERATURE"},
	"llm.max_tokens":        {"MAX_TOKENS"},
	"llm.ollama.base_url":   {"OLLAMA_BASE_URL"},
	"llm.ollama.model":      {"OLLAMA_MODEL"},
	"llm.openai.api_key":    {"OPENAI_API_KEY"},
	"llm.openai.base_url":   {"OPENAI_BASE_URL"},
	"llm.openai.model":      {"OPENAI_MODEL"},
	"llm.deepseek.api_key":  {"DEEPSEEK_API_KEY"},
	"llm.deepseek.base_url": {"DEEPSEEK_BASE_URL"},
	"llm.deepseek.model":    {"DEEPSEEK_MODEL"},
	"llm.genapi.api_key":    {"GENAPI_API_KEY", "GENAPI_KEY"},
	"llm.genapi.base_url":   {"GENAPI_BASE_URL"},
	"llm.genapi.model":      {"GENAPI_MODEL"},
	"llm.proxyapi.api_key":  {"PROXYAPI_API_KEY", "PROXYAPI_KEY"},
	"llm.proxyapi.base_url": {"PROXYAPI_BASE_URL"},
	"llm.proxyapi.model":    {"PROXYAPI_MODEL"},
	"llm.proxyapi.protocol": {"PROXYAPI_PROTOCOL"},
	"log.level":             {"LOG_LEVEL"},
	"metrics.api_key":       {"ADMIN_API_KEY"},
}

// Load reads configuration on top of Defaults. An empty path loads defaults
// and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Support environment variable overrides
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, names := range envAliases {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// Expand environment variables in string values
	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
			envKey := strings.TrimSuffix(strings.TrimPrefix(val, "${"), "}")
			v.Set(key, os.Getenv(envKey))
		}
	}

	cfg := Defaults()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.LLM.Provider = NormalizeKey(cfg.LLM.Provider)
	cfg.LLM.ProxyAPI.Protocol = strings.ToLower(strings.TrimSpace(cfg.LLM.ProxyAPI.Protocol))
	cfg.LLM.assignKeys()

	return cfg, nil
}

// Defaults returns a config with sensible defaults
func Defaults() *Config {
	cfg := &Config{
		Bot: BotConfig{
			APIURL:      "https://api.telegram.org",
			PollTimeout: 30 * time.Second,
			Workers:     8,
		},
		Context: ContextConfig{
			MaxMessages: 20,
		},
		LLM: LLMConfig{
			Temperature: 0.7,
			Ollama: ProviderConfig{
				DisplayName: "Ollama",
				BaseURL:     "http://localhost:11434/api/chat",
				Model:       "qwen3:4b",
				Timeout:     300 * time.Second,
			},
			OpenAI: ProviderConfig{
				DisplayName: "OpenAI",
				Model:       "gpt-4o-mini",
				Timeout:     30 * time.Second,
			},
			DeepSeek: ProviderConfig{
				DisplayName: "DeepSeek",
				BaseURL:     "https://api.deepseek.com",
				Model:       "deepseek-chat",
				Timeout:     60 * time.Second,
			},
			GenAPI: GenAPIConfig{
				ProviderConfig: ProviderConfig{
					DisplayName: "GenAPI",
					BaseURL:     "https://api.gen-api.ru/api/v1",
					Model:       "gpt-4o-mini",
					Timeout:     60 * time.Second,
				},
				PollInterval: 2 * time.Second,
				PollMaxWait:  120 * time.Second,
			},
			ProxyAPI: ProxyAPIConfig{
				ProviderConfig: ProviderConfig{
					DisplayName: "ProxyAPI",
					BaseURL:     "https://api.proxyapi.ru/openai/v1",
					Model:       "gpt-4o-mini",
					Timeout:     60 * time.Second,
				},
				Protocol: ProtocolOpenAI,
			},
		},
		Archive: ArchiveConfig{
			Enabled: false,
			Type:    "localfs",
			Path:    "./data/transcripts",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9090,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
	cfg.LLM.assignKeys()
	return cfg
}

func (c *LLMConfig) assignKeys() {
	c.Ollama.Key = ProviderOllama
	c.OpenAI.Key = ProviderOpenAI
	c.DeepSeek.Key = ProviderDeepSeek
	c.GenAPI.Key = ProviderGenAPI
	c.ProxyAPI.Key = ProviderProxyAPI
}

// NormalizeKey trims and lower-cases a provider key.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// IsProviderKey reports whether key names one of the recognized providers.
func IsProviderKey(key string) bool {
	for _, k := range ProviderKeys {
		if k == key {
			return true
		}
	}
	return false
}

// MaxTokensPtr returns the configured max tokens, nil when unset.
func (c LLMConfig) MaxTokensPtr() *int {
	if c.MaxTokens <= 0 {
		return nil
	}
	n := c.MaxTokens
	return &n
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Context.MaxMessages < 1 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("context.max_messages must be at least 1, got %d", c.Context.MaxMessages))
	}
	if c.Bot.Workers < 1 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("bot.workers must be at least 1, got %d", c.Bot.Workers))
	}
	if c.Bot.PollTimeout < 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("bot.poll_timeout cannot be negative, got %s", c.Bot.PollTimeout))
	}

	// LLM validation
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("llm.temperature must be between 0 and 2, got %f", c.LLM.Temperature))
	}
	if c.LLM.MaxTokens < 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("llm.max_tokens cannot be negative, got %d", c.LLM.MaxTokens))
	}
	if c.LLM.Provider != "" && !IsProviderKey(c.LLM.Provider) {
		return core.WrapError(core.ErrUnknownProviderKey,
			fmt.Errorf("llm.provider must be one of %s, got %q", strings.Join(ProviderKeys, ", "), c.LLM.Provider))
	}
	switch c.LLM.ProxyAPI.Protocol {
	case ProtocolOpenAI, ProtocolAnthropic:
	default:
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("llm.proxyapi.protocol must be openai or anthropic, got %q", c.LLM.ProxyAPI.Protocol))
	}
	if c.LLM.GenAPI.PollInterval <= 0 || c.LLM.GenAPI.PollMaxWait <= 0 {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("llm.genapi poll_interval and poll_max_wait must be positive"))
	}

	// Archive validation
	if c.Archive.Enabled {
		switch c.Archive.Type {
		case "localfs":
			if c.Archive.Path == "" {
				return core.WrapError(core.ErrConfigMissing,
					fmt.Errorf("archive.path required for localfs archive"))
			}
		case "s3":
			if c.Archive.S3.Bucket == "" {
				return core.WrapError(core.ErrConfigMissing,
					fmt.Errorf("archive.s3.bucket required for s3 archive"))
			}
		default:
			return core.WrapError(core.ErrConfigInvalid,
				fmt.Errorf("archive.type must be localfs or s3, got %q", c.Archive.Type))
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return core.WrapError(core.ErrConfigInvalid,
			fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port))
	}

	return nil
}

// RequireBot checks the settings only the chat front end needs.
func (c *Config) RequireBot() error {
	if c.Bot.Token == "" {
		return core.WrapError(core.ErrConfigMissing,
			fmt.Errorf("bot.token (BOT_TOKEN) is required"))
	}
	return nil
}
