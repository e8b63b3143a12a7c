package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors RuntimeConfig with optional fields so absent keys keep
// lower-precedence values.
type fileConfig struct {
	Environment        *string            `yaml:"environment"`
	LogLevel           *string            `yaml:"log_level"`
	LogFormat          *string            `yaml:"log_format"`
	HTTPAddr           *string            `yaml:"http_addr"`
	MaxSteps           *int               `yaml:"max_steps"`
	ProviderRetries    *int               `yaml:"provider_retries"`
	ProviderTimeout    *string            `yaml:"provider_timeout"`
	ToolTimeout        *string            `yaml:"tool_timeout"`
	ToolCacheSize      *int               `yaml:"tool_cache_size"`
	EventBufferSize    *int               `yaml:"event_buffer_size"`
	RunRetentionSize   *int               `yaml:"run_retention_size"`
	RunRetentionTTL    *string            `yaml:"run_retention_ttl"`
	StoreDriver        *string            `yaml:"store_driver"`
	SQLitePath         *string            `yaml:"sqlite_path"`
	PostgresURL        *string            `yaml:"postgres_url"`
	RedisAddr          *string            `yaml:"redis_addr"`
	RedisChannelPrefix *string            `yaml:"redis_channel_prefix"`
	MetricsEnabled     *bool              `yaml:"metrics_enabled"`
	OTLPEndpoint       *string            `yaml:"otlp_endpoint"`
	AllowedOrigins     []string           `yaml:"allowed_origins"`
	Provider           *string            `yaml:"provider"`
	ScriptPath         *string            `yaml:"script_path"`
	LLMBaseURL         *string            `yaml:"llm_base_url"`
	LLMModel           *string            `yaml:"llm_model"`
	LLMAPIKey          *string            `yaml:"llm_api_key"`
	Profiles           map[string]Profile `yaml:"profiles"`
}

// ResolveConfigPath returns the config file location: MISSION_CONFIG when
// set, otherwise ~/.missionloop/config.yaml.
func ResolveConfigPath(lookup EnvLookup, homeDir func() (string, error)) (string, error) {
	if lookup == nil {
		lookup = DefaultEnvLookup
	}
	if value, ok := lookup("MISSION_CONFIG"); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value), nil
	}
	if homeDir == nil {
		homeDir = os.UserHomeDir
	}
	home, err := homeDir()
	if err != nil || home == "" {
		return "", err
	}
	return filepath.Join(home, ".missionloop", "config.yaml"), nil
}

func applyFile(cfg *RuntimeConfig, meta *Metadata, opts loadOptions) error {
	configPath := strings.TrimSpace(opts.configPath)
	if configPath == "" {
		configPath, _ = ResolveConfigPath(opts.envLookup, opts.homeDir)
	}
	if configPath == "" {
		return nil
	}
	meta.path = configPath

	data, err := opts.readFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var parsed fileConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString := func(field string, dst *string, value *string) {
		if value == nil {
			return
		}
		*dst = expandEnvValue(opts.envLookup, *value)
		meta.sources[field] = SourceFile
	}
	setInt := func(field string, dst *int, value *int) {
		if value == nil {
			return
		}
		*dst = *value
		meta.sources[field] = SourceFile
	}
	setDuration := func(field string, dst *time.Duration, value *string) error {
		if value == nil {
			return nil
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(*value))
		if err != nil {
			return fmt.Errorf("parse %s: %w", field, err)
		}
		*dst = parsed
		meta.sources[field] = SourceFile
		return nil
	}

	setString("environment", &cfg.Environment, parsed.Environment)
	setString("log_level", &cfg.LogLevel, parsed.LogLevel)
	setString("log_format", &cfg.LogFormat, parsed.LogFormat)
	setString("http_addr", &cfg.HTTPAddr, parsed.HTTPAddr)
	setInt("max_steps", &cfg.MaxSteps, parsed.MaxSteps)
	setInt("provider_retries", &cfg.ProviderRetries, parsed.ProviderRetries)
	if err := setDuration("provider_timeout", &cfg.ProviderTimeout, parsed.ProviderTimeout); err != nil {
		return err
	}
	if err := setDuration("tool_timeout", &cfg.ToolTimeout, parsed.ToolTimeout); err != nil {
		return err
	}
	setInt("tool_cache_size", &cfg.ToolCacheSize, parsed.ToolCacheSize)
	setInt("event_buffer_size", &cfg.EventBufferSize, parsed.EventBufferSize)
	setInt("run_retention_size", &cfg.RunRetentionSize, parsed.RunRetentionSize)
	if err := setDuration("run_retention_ttl", &cfg.RunRetentionTTL, parsed.RunRetentionTTL); err != nil {
		return err
	}
	setString("store_driver", &cfg.StoreDriver, parsed.StoreDriver)
	setString("sqlite_path", &cfg.SQLitePath, parsed.SQLitePath)
	setString("postgres_url", &cfg.PostgresURL, parsed.PostgresURL)
	setString("redis_addr", &cfg.RedisAddr, parsed.RedisAddr)
	setString("redis_channel_prefix", &cfg.RedisChannelPrefix, parsed.RedisChannelPrefix)
	if parsed.MetricsEnabled != nil {
		cfg.MetricsEnabled = *parsed.MetricsEnabled
		meta.sources["metrics_enabled"] = SourceFile
	}
	setString("otlp_endpoint", &cfg.OTLPEndpoint, parsed.OTLPEndpoint)
	if len(parsed.AllowedOrigins) > 0 {
		origins := make([]string, 0, len(parsed.AllowedOrigins))
		for _, origin := range parsed.AllowedOrigins {
			origins = append(origins, expandEnvValue(opts.envLookup, origin))
		}
		cfg.AllowedOrigins = origins
		meta.sources["allowed_origins"] = SourceFile
	}
	setString("provider", &cfg.Provider, parsed.Provider)
	setString("script_path", &cfg.ScriptPath, parsed.ScriptPath)
	setString("llm_base_url", &cfg.LLMBaseURL, parsed.LLMBaseURL)
	setString("llm_model", &cfg.LLMModel, parsed.LLMModel)
	setString("llm_api_key", &cfg.LLMAPIKey, parsed.LLMAPIKey)
	if len(parsed.Profiles) > 0 {
		cfg.Profiles = make(map[string]Profile, len(parsed.Profiles))
		for name, profile := range parsed.Profiles {
			cfg.Profiles[strings.ToLower(strings.TrimSpace(name))] = profile
		}
		meta.sources["profiles"] = SourceFile
	}
	return nil
}

// expandEnvValue resolves ${VAR} references inside file values.
func expandEnvValue(lookup EnvLookup, value string) string {
	if !strings.Contains(value, "$") {
		return value
	}
	if lookup == nil {
		lookup = DefaultEnvLookup
	}
	return os.Expand(value, func(key string) string {
		resolved, _ := lookup(key)
		return resolved
	})
}
