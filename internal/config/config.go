// Package config loads and exposes server configuration.
// Precedence: environment (LOOM_*) > config file > defaults.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Version     string            `mapstructure:"version" yaml:"version"`
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage"`
	Context     ContextConfig     `mapstructure:"context" yaml:"context"`
	Providers   ProvidersConfig   `mapstructure:"providers" yaml:"providers"`
	Tools       ToolsConfig       `mapstructure:"tools" yaml:"tools"`
	Hooks       HooksConfig       `mapstructure:"hooks" yaml:"hooks"`
	Guardrails  GuardrailsConfig  `mapstructure:"guardrails" yaml:"guardrails"`
	Memory      MemoryConfig      `mapstructure:"memory" yaml:"memory"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace" yaml:"workspace"`
	Cron        CronConfig        `mapstructure:"cron" yaml:"cron"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency" yaml:"idempotency"`
}

// ServerConfig configures the gateway listener and the RPC layer.
type ServerConfig struct {
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	EventQueueSize int           `mapstructure:"event_queue_size" yaml:"event_queue_size"`
	// Protocol is the semver constraint clients must satisfy in client.identify.
	Protocol string `mapstructure:"protocol" yaml:"protocol"`
}

// LogConfig mirrors pkg/logger.Config.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file"`
}

// StorageConfig configures the embedded event store.
type StorageConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// ContextConfig configures per-session context accounting and compaction.
type ContextConfig struct {
	MaxTokens           int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	CompactionThreshold float64 `mapstructure:"compaction_threshold" yaml:"compaction_threshold"`
	KeepRecent          int     `mapstructure:"keep_recent" yaml:"keep_recent"`
	AutoCompact         bool    `mapstructure:"auto_compact" yaml:"auto_compact"`
}

// ProvidersConfig configures the provider boundary.
type ProvidersConfig struct {
	Default        string        `mapstructure:"default" yaml:"default"`
	DefaultModel   string        `mapstructure:"default_model" yaml:"default_model"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	RetryDelay     time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// ToolsConfig configures tool invocation.
type ToolsConfig struct {
	CallTimeout time.Duration `mapstructure:"call_timeout" yaml:"call_timeout"`
	Parallel    bool          `mapstructure:"parallel" yaml:"parallel"`
}

// HooksConfig configures the hook engine.
type HooksConfig struct {
	ScriptDir      string        `mapstructure:"script_dir" yaml:"script_dir"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	WatchScripts   bool          `mapstructure:"watch_scripts" yaml:"watch_scripts"`
}

// GuardrailsConfig carries declarative tool-call rules.
type GuardrailsConfig struct {
	Rules []RuleConfig `mapstructure:"rules" yaml:"rules,omitempty"`
}

// RuleConfig is one declarative guardrail rule. Kind is one of
// pattern, path, resource, composite.
type RuleConfig struct {
	Name    string       `mapstructure:"name" yaml:"name"`
	Kind    string       `mapstructure:"kind" yaml:"kind"`
	Pattern string       `mapstructure:"pattern" yaml:"pattern,omitempty"`
	Glob    string       `mapstructure:"glob" yaml:"glob,omitempty"`
	Tool    string       `mapstructure:"tool" yaml:"tool,omitempty"`
	Mode    string       `mapstructure:"mode" yaml:"mode,omitempty"` // all | any, composite only
	Action  string       `mapstructure:"action" yaml:"action"`      // block | warn
	Reason  string       `mapstructure:"reason" yaml:"reason,omitempty"`
	Rules   []RuleConfig `mapstructure:"rules" yaml:"rules,omitempty"` // composite children
}

// MemoryConfig configures the memory subsystem.
type MemoryConfig struct {
	Enabled  bool    `mapstructure:"enabled" yaml:"enabled"`
	TopK     int     `mapstructure:"top_k" yaml:"top_k"`
	MinScore float64 `mapstructure:"min_score" yaml:"min_score"`
}

// WorkspaceConfig configures workspace-confined file operations.
type WorkspaceConfig struct {
	BindingsPath string `mapstructure:"bindings_path" yaml:"bindings_path"`
	MaxReadBytes int64  `mapstructure:"max_read_bytes" yaml:"max_read_bytes"`
}

// CronConfig configures scheduled prompt jobs.
type CronConfig struct {
	Enabled      bool `mapstructure:"enabled" yaml:"enabled"`
	HistoryLimit int  `mapstructure:"history_limit" yaml:"history_limit"`
}

// IdempotencyConfig bounds the RPC idempotency cache.
type IdempotencyConfig struct {
	Capacity int           `mapstructure:"capacity" yaml:"capacity"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

var (
	globalConfig *Config
	configPath   string
	mu           sync.RWMutex
)

// Load reads configuration from the given path (optional) and the
// environment, applying defaults first.
func Load(path string) (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	SetDefaults()

	viper.SetEnvPrefix("LOOM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if path != "" {
		expandedPath, err := ExpandPath(path)
		if err != nil {
			return nil, err
		}
		configPath = expandedPath

		viper.SetConfigFile(expandedPath)
		if err := viper.ReadInConfig(); err != nil {
			// A missing file is fine; a malformed one is not.
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, err
			}
			var pathErr *os.PathError
			if !errors.As(err, &pathErr) && !os.IsNotExist(err) {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
					return nil, err
				}
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the currently loaded configuration, nil before Load.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// SaveTo writes a configuration snapshot as YAML.
func SaveTo(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Reset clears loaded state. Test helper.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	configPath = ""
	viper.Reset()
}

// SetTestConfig injects a configuration. Test helper.
func SetTestConfig(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = cfg
}
