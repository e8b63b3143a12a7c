package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

func applyEnv(cfg *RuntimeConfig, meta *Metadata, opts loadOptions) error {
	lookup := opts.envLookup
	if lookup == nil {
		lookup = DefaultEnvLookup
	}

	stringFields := []struct {
		key   string
		field string
		dst   *string
	}{
		{"MISSION_ENV", "environment", &cfg.Environment},
		{"MISSION_LOG_LEVEL", "log_level", &cfg.LogLevel},
		{"MISSION_LOG_FORMAT", "log_format", &cfg.LogFormat},
		{"MISSION_HTTP_ADDR", "http_addr", &cfg.HTTPAddr},
		{"MISSION_STORE_DRIVER", "store_driver", &cfg.StoreDriver},
		{"MISSION_SQLITE_PATH", "sqlite_path", &cfg.SQLitePath},
		{"MISSION_DATABASE_URL", "postgres_url", &cfg.PostgresURL},
		{"MISSION_REDIS_ADDR", "redis_addr", &cfg.RedisAddr},
		{"MISSION_REDIS_PREFIX", "redis_channel_prefix", &cfg.RedisChannelPrefix},
		{"MISSION_OTLP_ENDPOINT", "otlp_endpoint", &cfg.OTLPEndpoint},
		{"MISSION_PROVIDER", "provider", &cfg.Provider},
		{"MISSION_SCRIPT_PATH", "script_path", &cfg.ScriptPath},
		{"MISSION_LLM_BASE_URL", "llm_base_url", &cfg.LLMBaseURL},
		{"MISSION_LLM_MODEL", "llm_model", &cfg.LLMModel},
		{"MISSION_LLM_API_KEY", "llm_api_key", &cfg.LLMAPIKey},
	}
	for _, entry := range stringFields {
		if value, ok := lookup(entry.key); ok && value != "" {
			*entry.dst = value
			meta.sources[entry.field] = SourceEnv
		}
	}
	if cfg.LLMAPIKey == "" {
		if value, ok := lookup("OPENAI_API_KEY"); ok && value != "" {
			cfg.LLMAPIKey = value
			meta.sources["llm_api_key"] = SourceEnv
		}
	}

	ints := []struct {
		key   string
		field string
		dst   *int
	}{
		{"MISSION_MAX_STEPS", "max_steps", &cfg.MaxSteps},
		{"MISSION_PROVIDER_RETRIES", "provider_retries", &cfg.ProviderRetries},
		{"MISSION_TOOL_CACHE_SIZE", "tool_cache_size", &cfg.ToolCacheSize},
		{"MISSION_EVENT_BUFFER", "event_buffer_size", &cfg.EventBufferSize},
		{"MISSION_RUN_RETENTION_SIZE", "run_retention_size", &cfg.RunRetentionSize},
	}
	for _, entry := range ints {
		value, ok := lookup(entry.key)
		if !ok || value == "" {
			continue
		}
		parsed, err := strconv.Atoi(trim(value))
		if err != nil {
			return fmt.Errorf("parse %s: %w", entry.key, err)
		}
		*entry.dst = parsed
		meta.sources[entry.field] = SourceEnv
	}

	durations := []struct {
		key   string
		field string
		dst   *time.Duration
	}{
		{"MISSION_PROVIDER_TIMEOUT", "provider_timeout", &cfg.ProviderTimeout},
		{"MISSION_TOOL_TIMEOUT", "tool_timeout", &cfg.ToolTimeout},
		{"MISSION_RUN_RETENTION_TTL", "run_retention_ttl", &cfg.RunRetentionTTL},
	}
	for _, entry := range durations {
		value, ok := lookup(entry.key)
		if !ok || value == "" {
			continue
		}
		parsed, err := time.ParseDuration(trim(value))
		if err != nil {
			return fmt.Errorf("parse %s: %w", entry.key, err)
		}
		*entry.dst = parsed
		meta.sources[entry.field] = SourceEnv
	}

	if value, ok := lookup("MISSION_METRICS_ENABLED"); ok && value != "" {
		parsed, err := parseBoolEnv(value)
		if err != nil {
			return fmt.Errorf("parse MISSION_METRICS_ENABLED: %w", err)
		}
		cfg.MetricsEnabled = parsed
		meta.sources["metrics_enabled"] = SourceEnv
	}
	if value, ok := lookup("MISSION_ALLOWED_ORIGINS"); ok && value != "" {
		cfg.AllowedOrigins = splitList(value)
		meta.sources["allowed_origins"] = SourceEnv
	}

	return nil
}

func parseBoolEnv(value string) (bool, error) {
	switch strings.ToLower(trim(value)) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value %q", value)
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := trim(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func trim(value string) string {
	return strings.TrimSpace(value)
}
