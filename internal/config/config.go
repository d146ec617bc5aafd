// Package config loads gateway configuration from a YAML file with CORTEX_*
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage types recognized for the dynamic pathway store.
const (
	StorageLocal = "local"
	StorageRedis = "redis"
)

// Tokenizer modes for the token codec.
const (
	TokenizerTiktoken = "tiktoken"
	TokenizerEstimate = "estimate"
)

// StorageConfig selects the dynamic pathway store backend.
type StorageConfig struct {
	Type string `mapstructure:"type"`
	// Path is the document location for the local backend.
	Path string `mapstructure:"path"`
	// Connection is the redis address for the redis backend.
	Connection string `mapstructure:"connection"`
}

// BusConfig wires the cross-instance event bus.
type BusConfig struct {
	// Connection is the shared redis address; empty runs single-instance.
	Connection string `mapstructure:"connection"`
	// Capacity is the per-subscriber buffer before events are dropped.
	Capacity int `mapstructure:"capacity"`
}

// TokenizerConfig selects the codec implementation.
type TokenizerConfig struct {
	Mode     string `mapstructure:"mode"`
	Encoding string `mapstructure:"encoding"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Port int `mapstructure:"port"`
}

// Config is the gateway's configuration.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Bus       BusConfig       `mapstructure:"bus"`
	Tokenizer TokenizerConfig `mapstructure:"tokenizer"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`

	PublishKey         string `mapstructure:"publish_key"`
	EnableGraphQLCache bool   `mapstructure:"enable_graphql_cache"`

	DefaultTimeoutSeconds          int `mapstructure:"default_timeout_seconds"`
	ClientToolTimeoutSeconds       int `mapstructure:"client_tool_timeout_seconds"`
	ClientToolCleanupMaxAgeSeconds int `mapstructure:"client_tool_cleanup_max_age_seconds"`

	DefaultModel string `mapstructure:"default_model"`
	OpenAIAPIKey string `mapstructure:"openai_api_key"`
}

// DefaultTimeout returns the pathway timeout as a duration.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSeconds) * time.Second
}

// ClientToolTimeout returns the client-tool wait as a duration.
func (c *Config) ClientToolTimeout() time.Duration {
	return time.Duration(c.ClientToolTimeoutSeconds) * time.Second
}

// ClientToolCleanupMaxAge returns the callback watchdog threshold.
func (c *Config) ClientToolCleanupMaxAge() time.Duration {
	return time.Duration(c.ClientToolCleanupMaxAgeSeconds) * time.Second
}

// Load reads configuration from CORTEX_CONFIG_PATH (default
// config/cortex.yaml when present) and the environment.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CORTEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfgPath := os.Getenv("CORTEX_CONFIG_PATH")
	if cfgPath == "" {
		if _, err := os.Stat("config/cortex.yaml"); err == nil {
			cfgPath = "config/cortex.yaml"
		}
	}
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", cfgPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Every key needs a default registered for environment overrides to
	// bind during Unmarshal.
	v.SetDefault("storage.type", StorageLocal)
	v.SetDefault("storage.path", "pathways.json")
	v.SetDefault("storage.connection", "")
	v.SetDefault("bus.connection", "")
	v.SetDefault("publish_key", "")
	v.SetDefault("enable_graphql_cache", false)
	v.SetDefault("openai_api_key", "")
	v.SetDefault("bus.capacity", 256)
	v.SetDefault("tokenizer.mode", TokenizerTiktoken)
	v.SetDefault("tokenizer.encoding", "cl100k_base")
	v.SetDefault("metrics.port", 2112)
	v.SetDefault("default_timeout_seconds", 120)
	v.SetDefault("client_tool_timeout_seconds", 300)
	v.SetDefault("client_tool_cleanup_max_age_seconds", 600)
	v.SetDefault("default_model", "gpt-4o")
}
