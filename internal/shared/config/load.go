package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrUnknownProfile is returned when a mission selects a profile that was not configured.
var ErrUnknownProfile = errors.New("unknown profile")

// Load resolves the runtime configuration from defaults, the YAML file, the
// environment and caller overrides, in that order of precedence.
func Load(opts ...Option) (RuntimeConfig, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}

	cfg := RuntimeConfig{
		Environment:        "development",
		LogLevel:           "info",
		LogFormat:          "console",
		HTTPAddr:           DefaultHTTPAddr,
		MaxSteps:           DefaultMaxSteps,
		ProviderRetries:    DefaultProviderRetries,
		ProviderTimeout:    DefaultProviderTimeout,
		ToolTimeout:        DefaultToolTimeout,
		ToolCacheSize:      DefaultToolCacheSize,
		EventBufferSize:    DefaultEventBufferSize,
		RunRetentionSize:   DefaultRunRetentionSize,
		RunRetentionTTL:    DefaultRunRetentionTTL,
		StoreDriver:        StoreDriverSQLite,
		SQLitePath:         DefaultSQLitePath,
		RedisChannelPrefix: DefaultRedisChannelPrefix,
		MetricsEnabled:     true,
		Provider:           ProviderOpenAI,
		LLMBaseURL:         DefaultLLMBaseURL,
		LLMModel:           DefaultLLMModel,
	}

	// Load from config file if present.
	if err := applyFile(&cfg, &meta, options); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}

	// Apply environment overrides next.
	if err := applyEnv(&cfg, &meta, options); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}

	// Apply caller overrides last.
	applyOverrides(&cfg, &meta, options.overrides)

	normalizeRuntimeConfig(&cfg, options.homeDir)
	if err := Validate(cfg); err != nil {
		return RuntimeConfig{}, Metadata{}, err
	}
	return cfg, meta, nil
}

func applyOverrides(cfg *RuntimeConfig, meta *Metadata, overrides Overrides) {
	setString := func(field string, dst *string, value *string) {
		if value != nil {
			*dst = *value
			meta.sources[field] = SourceOverride
		}
	}
	setInt := func(field string, dst *int, value *int) {
		if value != nil {
			*dst = *value
			meta.sources[field] = SourceOverride
		}
	}

	setString("environment", &cfg.Environment, overrides.Environment)
	setString("log_level", &cfg.LogLevel, overrides.LogLevel)
	setString("log_format", &cfg.LogFormat, overrides.LogFormat)
	setString("http_addr", &cfg.HTTPAddr, overrides.HTTPAddr)
	setInt("max_steps", &cfg.MaxSteps, overrides.MaxSteps)
	setInt("provider_retries", &cfg.ProviderRetries, overrides.ProviderRetries)
	setString("store_driver", &cfg.StoreDriver, overrides.StoreDriver)
	setString("sqlite_path", &cfg.SQLitePath, overrides.SQLitePath)
	setString("postgres_url", &cfg.PostgresURL, overrides.PostgresURL)
	setString("redis_addr", &cfg.RedisAddr, overrides.RedisAddr)
	setString("provider", &cfg.Provider, overrides.Provider)
	setString("script_path", &cfg.ScriptPath, overrides.ScriptPath)
	setString("llm_model", &cfg.LLMModel, overrides.LLMModel)
	if overrides.MetricsEnabled != nil {
		cfg.MetricsEnabled = *overrides.MetricsEnabled
		meta.sources["metrics_enabled"] = SourceOverride
	}
}

func normalizeRuntimeConfig(cfg *RuntimeConfig, homeDir func() (string, error)) {
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.Provider = strings.ToLower(strings.TrimSpace(cfg.Provider))
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(cfg.LogFormat))
	cfg.SQLitePath = expandHome(cfg.SQLitePath, homeDir)
	cfg.ScriptPath = expandHome(cfg.ScriptPath, homeDir)
	// A scripted run needs no credentials; default to it when a script is
	// configured and no API key is available.
	if cfg.Provider == ProviderOpenAI && cfg.LLMAPIKey == "" && cfg.ScriptPath != "" {
		cfg.Provider = ProviderScripted
	}
}

// Validate rejects configurations the service cannot run with.
func Validate(cfg RuntimeConfig) error {
	var problems []string
	if cfg.MaxSteps <= 0 {
		problems = append(problems, "max_steps must be positive")
	}
	if cfg.ProviderRetries < 0 {
		problems = append(problems, "provider_retries must not be negative")
	}
	if cfg.EventBufferSize <= 0 {
		problems = append(problems, "event_buffer_size must be positive")
	}
	if cfg.RunRetentionSize <= 0 {
		problems = append(problems, "run_retention_size must be positive")
	}
	switch cfg.StoreDriver {
	case StoreDriverSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			problems = append(problems, "sqlite_path is required for the sqlite store")
		}
	case StoreDriverPostgres:
		if strings.TrimSpace(cfg.PostgresURL) == "" {
			problems = append(problems, "postgres_url is required for the postgres store")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported store_driver %q", cfg.StoreDriver))
	}
	switch cfg.Provider {
	case ProviderOpenAI, ProviderScripted:
	default:
		problems = append(problems, fmt.Sprintf("unsupported provider %q", cfg.Provider))
	}
	for name, profile := range cfg.Profiles {
		if profile.MaxSteps < 0 {
			problems = append(problems, fmt.Sprintf("profile %q: max_steps must not be negative", name))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ResolveProfile returns the effective profile for name. An empty name yields
// the global defaults; a zero step budget inherits MaxSteps.
func (c RuntimeConfig) ResolveProfile(name string) (Profile, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || key == "default" {
		if profile, ok := c.Profiles["default"]; ok {
			return c.fillProfile(profile), nil
		}
		return Profile{MaxSteps: c.MaxSteps}, nil
	}
	profile, ok := c.Profiles[key]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", ErrUnknownProfile, name)
	}
	return c.fillProfile(profile), nil
}

func (c RuntimeConfig) fillProfile(profile Profile) Profile {
	if profile.MaxSteps == 0 {
		profile.MaxSteps = c.MaxSteps
	}
	if len(profile.Tools) > 0 {
		profile.Tools = append([]string(nil), profile.Tools...)
	}
	return profile
}

func expandHome(path string, homeDir func() (string, error)) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	if homeDir == nil {
		homeDir = os.UserHomeDir
	}
	home, err := homeDir()
	if err != nil || home == "" {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
