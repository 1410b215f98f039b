// Package config loads runtime configuration from defaults, an
// optional YAML file, and PHOENIX_* environment variables, in
// increasing order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/petrijr/phoenix/pkg/api"
)

// Config holds every recognized option.
type Config struct {
	// StoreURI selects the backend: "memory", a mongodb:// URI, or a
	// path to a SQLite database file.
	StoreURI string `mapstructure:"store_uri"`

	// Database is the MongoDB database name.
	Database string `mapstructure:"database"`

	// WorkerID is a stable worker identifier; generated per process
	// when empty.
	WorkerID string `mapstructure:"worker_id"`

	// WorkerName is the human label in the worker registration.
	WorkerName string `mapstructure:"worker_name"`

	// TaskTypes the worker claims.
	TaskTypes []string `mapstructure:"task_types"`

	// PollInterval between store scans for workers and the orchestrator.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// LeaseTTL is the maximum IN_PROGRESS age before reclamation.
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`

	// MaxRetriesDefault is the max_retries the planner gives the child
	// tasks it inserts. Other tasks inserted without max_retries (the
	// seed PLAN task, direct inserts) get api.DefaultMaxRetries instead.
	MaxRetriesDefault int `mapstructure:"max_retries_default"`

	// BackoffOnError is the worker sleep after loop exceptions.
	BackoffOnError time.Duration `mapstructure:"backoff_on_error"`

	// HTTPAddr is the control-plane listen address.
	HTTPAddr string `mapstructure:"http_addr"`

	// AnthropicModel overrides the model used by LLM handlers.
	AnthropicModel string `mapstructure:"anthropic_model"`

	// HeartbeatTimeout before the watchdog declares the orchestrator dead.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

// Load reads configuration. cfgFile may be empty, in which case only
// defaults and environment variables apply.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("store_uri", "")
	v.SetDefault("database", "phoenix")
	v.SetDefault("worker_id", "")
	v.SetDefault("worker_name", "")
	v.SetDefault("task_types", []string{})
	v.SetDefault("poll_interval", time.Second)
	v.SetDefault("lease_ttl", 5*time.Minute)
	v.SetDefault("max_retries_default", api.DefaultMaxRetries)
	v.SetDefault("backoff_on_error", 5*time.Second)
	v.SetDefault("http_addr", ":8000")
	v.SetDefault("anthropic_model", "")
	v.SetDefault("heartbeat_timeout", 30*time.Second)

	v.SetEnvPrefix("PHOENIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// ParsedTaskTypes converts the configured task type strings into tags.
func (c *Config) ParsedTaskTypes() []api.TaskType {
	out := make([]api.TaskType, 0, len(c.TaskTypes))
	for _, raw := range c.TaskTypes {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, api.TaskType(strings.ToUpper(part)))
			}
		}
	}
	return out
}
