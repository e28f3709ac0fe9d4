package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the review assistant
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address          string `mapstructure:"address"`
	MigrationsDir    string `mapstructure:"migrations_dir"`
	MigrateOnStartup bool   `mapstructure:"migrate_on_startup"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// LLMConfig contains LLM provider configurations
type LLMConfig struct {
	Providers map[string]LLMProvider `mapstructure:"providers"`
	Routing   LLMRoutingConfig       `mapstructure:"routing"`
}

// LLMProvider represents a single LLM provider configuration
type LLMProvider struct {
	Type       string              `mapstructure:"type"` // openai, anthropic
	APIKey     string              `mapstructure:"api_key"`
	BaseURL    string              `mapstructure:"base_url"`
	Models     map[string]LLMModel `mapstructure:"models"`
	MaxRetries int                 `mapstructure:"max_retries"`
	Timeout    time.Duration       `mapstructure:"timeout"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	Name        string  `mapstructure:"name"`
	APIName     string  `mapstructure:"api_name"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// LLMRoutingConfig defines which model to use for each pipeline stage.
// Values have the form "<provider>:<model>" or just "<model>" for the
// first configured provider.
type LLMRoutingConfig struct {
	Metadata string `mapstructure:"metadata"`
	Planning string `mapstructure:"planning"`
	SQL      string `mapstructure:"sql"`
	Analysis string `mapstructure:"analysis"`
	Fallback string `mapstructure:"fallback"`
}

// Normalize fills empty stage routes with the fallback model.
func (r LLMRoutingConfig) Normalize() LLMRoutingConfig {
	for _, route := range []*string{&r.Metadata, &r.Planning, &r.SQL, &r.Analysis} {
		if strings.TrimSpace(*route) == "" {
			*route = r.Fallback
		}
	}
	return r
}

// Validate ensures every referenced provider exists.
func (c LLMConfig) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("llm.providers must contain at least one provider")
	}
	for name, p := range c.Providers {
		switch strings.ToLower(p.Type) {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("llm.providers.%s: unsupported type %q", name, p.Type)
		}
	}
	if strings.TrimSpace(c.Routing.Fallback) == "" {
		return fmt.Errorf("llm.routing.fallback required")
	}
	return nil
}

// EmbeddingConfig selects the embedding model used for similarity lookups.
type EmbeddingConfig struct {
	Provider   string        `mapstructure:"provider"`
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	CacheSize  uint64        `mapstructure:"cache_size"`
}

func (e EmbeddingConfig) Validate() error {
	if strings.TrimSpace(e.Model) == "" {
		return fmt.Errorf("embedding.model required")
	}
	if e.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be > 0")
	}
	return nil
}

// PipelineConfig bounds the question answering pipeline.
type PipelineConfig struct {
	TokenBudget    int           `mapstructure:"token_budget"`
	FetchBudget    int           `mapstructure:"fetch_budget"`
	SQLRowCap      int           `mapstructure:"sql_row_cap"`
	PilotSize      int           `mapstructure:"pilot_size"`
	TokenizerModel string        `mapstructure:"tokenizer_model"`
	MaxParallel    int           `mapstructure:"max_parallel"`
	MaxRetries     int           `mapstructure:"max_retries"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	MaxPlanSteps   int           `mapstructure:"max_plan_steps"`
	Analyse        bool          `mapstructure:"analyse"`
	ResolveCache   time.Duration `mapstructure:"resolve_cache_ttl"`
}

// Normalize applies defaults for unset pipeline values.
func (p PipelineConfig) Normalize() PipelineConfig {
	if p.TokenBudget <= 0 {
		p.TokenBudget = 5000
	}
	if p.FetchBudget <= 0 {
		p.FetchBudget = 150
	}
	if p.SQLRowCap <= 0 {
		p.SQLRowCap = 20
	}
	if p.PilotSize <= 0 {
		p.PilotSize = 300
	}
	if strings.TrimSpace(p.TokenizerModel) == "" {
		p.TokenizerModel = "gpt-4"
	}
	if p.MaxParallel <= 0 {
		p.MaxParallel = 4
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = 60 * time.Second
	}
	if p.MaxPlanSteps <= 0 {
		p.MaxPlanSteps = 4
	}
	return p
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings. Redis is optional and
// only backs the entity resolution cache.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a Redis endpoint is configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

// Addr returns host:port, defaulting the port to 6379.
func (r RedisConfig) Addr() string {
	port := strings.TrimSpace(r.Port)
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
	// ReaderRole overrides the role generated queries run under.
	ReaderRole string `mapstructure:"reader_role"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a connection string from either the URL or the discrete fields.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.default_timeout", "2m")
	v.SetDefault("server.address", ":10001")
	v.SetDefault("server.migrations_dir", "file://migrations")
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-ada-002")
	v.SetDefault("embedding.dimensions", 768)
	v.SetDefault("embedding.cache_ttl", "30m")
	v.SetDefault("embedding.cache_size", 4096)
	v.SetDefault("pipeline.token_budget", 5000)
	v.SetDefault("pipeline.fetch_budget", 150)
	v.SetDefault("pipeline.sql_row_cap", 20)
	v.SetDefault("pipeline.pilot_size", 300)
	v.SetDefault("pipeline.tokenizer_model", "gpt-4")
	v.SetDefault("pipeline.max_parallel", 4)
	v.SetDefault("pipeline.max_retries", 3)
	v.SetDefault("pipeline.call_timeout", "60s")
	v.SetDefault("pipeline.max_plan_steps", 4)
	v.SetDefault("pipeline.analyse", true)
	v.SetDefault("pipeline.resolve_cache_ttl", "24h")
}

// LoadConfig loads config from file and the REVIEWQA_* environment.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, ".."))
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("REVIEWQA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Pipeline = cfg.Pipeline.Normalize()
	cfg.LLM.Routing = cfg.LLM.Routing.Normalize()

	for _, validate := range []func() error{
		cfg.LLM.Validate,
		cfg.Embedding.Validate,
		cfg.Telemetry.Validate,
		cfg.Storage.Postgres.Validate,
	} {
		if err := validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
