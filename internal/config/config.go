package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig
	Webhook  WebhookConfig
	Attendee AttendeeConfig
	Session  SessionConfig
	Hub      HubConfig
	LLM      LLMConfig
	History  HistoryConfig
	Redis    RedisConfig
	MCP      MCPConfig
	Demo     DemoConfig
	Log      LogConfig
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              string        `mapstructure:"port"`
	KeepAlive         time.Duration `mapstructure:"keep_alive"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MaxWebhookBytes   int64         `mapstructure:"max_webhook_bytes"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// WebhookConfig holds the inbound event authentication settings
type WebhookConfig struct {
	// Secret is base64 encoded unless prefixed with "raw:".
	Secret string `mapstructure:"secret"`
	Header string `mapstructure:"header"`
}

// AttendeeConfig holds the bot control API configuration
type AttendeeConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	BotName string        `mapstructure:"bot_name"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SessionConfig holds per-session buffer and eviction settings
type SessionConfig struct {
	BufferCapacity int           `mapstructure:"buffer_capacity"`
	Retention      time.Duration `mapstructure:"retention"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

// HubConfig holds the distribution hub settings
type HubConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// HistoryConfig holds the analysis archive configuration
type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig holds the optional cross-instance relay configuration
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// MCPConfig holds the MCP server configuration
type MCPConfig struct {
	Addr    string `mapstructure:"addr"`
	BaseURL string `mapstructure:"base_url"`
}

// DemoConfig holds the demo conversation loader configuration
type DemoConfig struct {
	Dir string `mapstructure:"dir"`
}

// LogConfig holds the logger configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%s", s.Host, s.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "5005")
	v.SetDefault("server.keep_alive", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_webhook_bytes", 1<<20)
	v.SetDefault("server.read_header_timeout", 10*time.Second)

	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.header", "X-Webhook-Signature")

	v.SetDefault("attendee.base_url", "https://app.attendee.dev")
	v.SetDefault("attendee.api_key", "")
	v.SetDefault("attendee.bot_name", "Transcription-Demo")
	v.SetDefault("attendee.timeout", 30*time.Second)

	v.SetDefault("session.buffer_capacity", 50)
	v.SetDefault("session.retention", 10*time.Minute)
	v.SetDefault("session.sweep_interval", 30*time.Second)

	v.SetDefault("hub.queue_size", 64)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("llm.timeout", 60*time.Second)

	v.SetDefault("history.path", "history.db")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "botrelay:notifications")

	v.SetDefault("mcp.addr", "")
	v.SetDefault("mcp.base_url", "")

	v.SetDefault("demo.dir", "demo_conversations")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load loads the configuration from CONFIG_PATH (or ./config.yaml when present),
// then applies BOTRELAY_* environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("botrelay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// names used by the Attendee tooling
	_ = v.BindEnv("webhook.secret", "BOTRELAY_WEBHOOK_SECRET", "WEBHOOK_SECRET")
	_ = v.BindEnv("attendee.api_key", "BOTRELAY_ATTENDEE_API_KEY", "ATTENDEE_API_KEY")
	_ = v.BindEnv("attendee.base_url", "BOTRELAY_ATTENDEE_BASE_URL", "ATTENDEE_API_BASE")
	_ = v.BindEnv("llm.api_key", "BOTRELAY_LLM_API_KEY", "GEMINI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("redis.addr", "BOTRELAY_REDIS_ADDR", "REDIS_ADDR")

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, err
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate reports settings the server cannot start without.
func (c *Config) Validate() error {
	if c.Webhook.Secret == "" {
		return errors.New("webhook secret is required (webhook.secret or WEBHOOK_SECRET)")
	}
	if c.Session.BufferCapacity <= 0 {
		return fmt.Errorf("session.buffer_capacity must be positive, got %d", c.Session.BufferCapacity)
	}
	if c.Hub.QueueSize <= 0 {
		return fmt.Errorf("hub.queue_size must be positive, got %d", c.Hub.QueueSize)
	}
	return nil
}
