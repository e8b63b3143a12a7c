package config

import (
	"os"
	"time"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"

	ProviderOpenAI   = "openai"
	ProviderScripted = "scripted"
)

const (
	DefaultHTTPAddr           = ":8080"
	DefaultMaxSteps           = 20
	DefaultProviderRetries    = 2
	DefaultProviderTimeout    = 60 * time.Second
	DefaultToolTimeout        = 2 * time.Minute
	DefaultEventBufferSize    = 256
	DefaultRunRetentionSize   = 1024
	DefaultRunRetentionTTL    = time.Hour
	DefaultToolCacheSize      = 128
	DefaultSQLitePath         = "~/.missionloop/missions.db"
	DefaultRedisChannelPrefix = "missionloop:events"
	DefaultLLMBaseURL         = "https://api.openai.com/v1"
	DefaultLLMModel           = "gpt-4o-mini"
)

// RuntimeConfig captures every tunable of the mission service.
type RuntimeConfig struct {
	Environment string `json:"environment"`
	LogLevel    string `json:"log_level"`
	LogFormat   string `json:"log_format"`
	HTTPAddr    string `json:"http_addr"`

	MaxSteps        int           `json:"max_steps"`
	ProviderRetries int           `json:"provider_retries"`
	ProviderTimeout time.Duration `json:"provider_timeout"`
	ToolTimeout     time.Duration `json:"tool_timeout"`
	ToolCacheSize   int           `json:"tool_cache_size"`

	EventBufferSize  int           `json:"event_buffer_size"`
	RunRetentionSize int           `json:"run_retention_size"`
	RunRetentionTTL  time.Duration `json:"run_retention_ttl"`

	StoreDriver string `json:"store_driver"`
	SQLitePath  string `json:"sqlite_path"`
	PostgresURL string `json:"-"`

	RedisAddr          string `json:"redis_addr"`
	RedisChannelPrefix string `json:"redis_channel_prefix"`

	MetricsEnabled bool     `json:"metrics_enabled"`
	OTLPEndpoint   string   `json:"otlp_endpoint"`
	AllowedOrigins []string `json:"allowed_origins"`

	Provider   string `json:"provider"`
	ScriptPath string `json:"script_path"`
	LLMBaseURL string `json:"llm_base_url"`
	LLMModel   string `json:"llm_model"`
	LLMAPIKey  string `json:"-"`

	Profiles map[string]Profile `json:"profiles"`
}

// Profile is a named execution preset selected per mission.
type Profile struct {
	MaxSteps int      `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	Tools    []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	Lean     bool     `json:"lean,omitempty" yaml:"lean,omitempty"`
}

// Metadata contains provenance details for loaded configuration.
type Metadata struct {
	sources  map[string]ValueSource
	path     string
	loadedAt time.Time
}

// Sources returns a copy of the provenance map for JSON serialization.
func (m Metadata) Sources() map[string]ValueSource {
	if m.sources == nil {
		return map[string]ValueSource{}
	}
	copy := make(map[string]ValueSource, len(m.sources))
	for key, value := range m.sources {
		copy[key] = value
	}
	return copy
}

// Source returns the origin for the given configuration field.
func (m Metadata) Source(field string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// ConfigPath returns the file consulted during loading, if any.
func (m Metadata) ConfigPath() string {
	return m.path
}

// LoadedAt returns the timestamp when the configuration was constructed.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}

// Overrides conveys caller-specified values that should win over env/file sources.
type Overrides struct {
	Environment     *string
	LogLevel        *string
	LogFormat       *string
	HTTPAddr        *string
	MaxSteps        *int
	ProviderRetries *int
	StoreDriver     *string
	SQLitePath      *string
	PostgresURL     *string
	RedisAddr       *string
	MetricsEnabled  *bool
	Provider        *string
	ScriptPath      *string
	LLMModel        *string
}

// EnvLookup resolves the value for an environment variable.
type EnvLookup func(string) (string, bool)

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Option customises the loader behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	homeDir    func() (string, error)
	overrides  Overrides
	configPath string
}

// WithEnv supplies a custom environment lookup implementation.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		o.envLookup = lookup
	}
}

// WithOverrides applies caller overrides that take highest precedence.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) {
		o.overrides = overrides
	}
}

// WithConfigPath forces the loader to read configuration from a specific file.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = path
	}
}

// WithFileReader injects a custom reader, used primarily for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) {
		o.readFile = reader
	}
}

// WithHomeDir overrides how the loader resolves the user's home directory.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) {
		o.homeDir = resolver
	}
}
