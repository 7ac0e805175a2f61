// Package config loads agentd configuration from file, environment, and
// defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full agentd runtime configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Storage StorageConfig `mapstructure:"storage"`
	Engines EnginesConfig `mapstructure:"engines"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	EnableCORS   bool          `mapstructure:"enable_cors"`
	Debug        bool          `mapstructure:"debug"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// StreamConfig controls event fan-out.
type StreamConfig struct {
	BufferSize        int           `mapstructure:"buffer_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// ReplaySize > 0 replays that many recent session events to late
	// joiners; 0 keeps replay off.
	ReplaySize int `mapstructure:"replay_size"`
}

// StorageConfig controls persistence.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// EnginesConfig selects and tunes engine adapters.
type EnginesConfig struct {
	Default      string        `mapstructure:"default"`
	CodexBinary  string        `mapstructure:"codex_binary"`
	CodexTimeout time.Duration `mapstructure:"codex_timeout"`
	ClaudeAPIKey string        `mapstructure:"claude_api_key"`
	ClaudeTokens int64         `mapstructure:"claude_max_tokens"`
}

// Load reads agentd-config.(json|yaml) from the home directory or the
// working directory, then applies AGENTD_* environment overrides. A missing
// config file is not an error; defaults apply.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("agentd-config")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")
	v.SetEnvPrefix("AGENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.enable_cors", true)
	v.SetDefault("server.debug", false)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 0)

	v.SetDefault("stream.buffer_size", 64)
	v.SetDefault("stream.heartbeat_interval", 30*time.Second)
	v.SetDefault("stream.replay_size", 0)

	v.SetDefault("storage.path", "agentd.db")

	v.SetDefault("engines.default", "claude")
	v.SetDefault("engines.codex_binary", "codex")
	v.SetDefault("engines.codex_timeout", 15*time.Minute)
	v.SetDefault("engines.claude_max_tokens", 8192)
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
