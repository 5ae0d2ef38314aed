package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults registers the default value for every configuration key.
func SetDefaults() {
	// Server
	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.request_timeout", 60*time.Second)
	viper.SetDefault("server.event_queue_size", 1024)
	viper.SetDefault("server.protocol", ">=1.0.0 <2.0.0")

	// Log
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.file", "")

	// Storage
	viper.SetDefault("storage.driver", "sqlite")

	// Context accounting
	viper.SetDefault("context.max_tokens", 200000)
	viper.SetDefault("context.compaction_threshold", 0.75)
	viper.SetDefault("context.keep_recent", 10)
	viper.SetDefault("context.auto_compact", true)

	// Providers
	viper.SetDefault("providers.default", "anthropic")
	viper.SetDefault("providers.default_model", "claude-sonnet-4-5")
	viper.SetDefault("providers.request_timeout", 5*time.Minute)
	viper.SetDefault("providers.retry_delay", 1*time.Second)

	// Tools
	viper.SetDefault("tools.call_timeout", 30*time.Second)
	viper.SetDefault("tools.parallel", true)

	// Hooks
	viper.SetDefault("hooks.script_dir", "~/.loom/hooks")
	viper.SetDefault("hooks.default_timeout", 5*time.Second)
	viper.SetDefault("hooks.watch_scripts", true)

	// Memory
	viper.SetDefault("memory.enabled", true)
	viper.SetDefault("memory.top_k", 10)
	viper.SetDefault("memory.min_score", 0.0)

	// Workspace
	viper.SetDefault("workspace.bindings_path", "~/.loom/workspace_bindings.json")
	viper.SetDefault("workspace.max_read_bytes", int64(10*1024*1024))

	// Cron
	viper.SetDefault("cron.enabled", true)
	viper.SetDefault("cron.history_limit", 100)

	// Idempotency cache
	viper.SetDefault("idempotency.capacity", 1024)
	viper.SetDefault("idempotency.ttl", 10*time.Minute)
}
