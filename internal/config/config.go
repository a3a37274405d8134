package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Provider     ProviderConfig     `yaml:"provider" mapstructure:"provider"`
	Persistence  PersistenceConfig  `yaml:"persistence" mapstructure:"persistence"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" mapstructure:"rate_limit"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// ProviderConfig holds Provider Gateway credentials, endpoints, and retry
// policy for the complete-text and search-web capabilities.
type ProviderConfig struct {
	APIKeyText       string `yaml:"api_key_text" mapstructure:"api_key_text"`
	APIKeySearch     string `yaml:"api_key_search" mapstructure:"api_key_search"`
	BaseURLText      string `yaml:"base_url_text" mapstructure:"base_url_text"`
	BaseURLSearch    string `yaml:"base_url_search" mapstructure:"base_url_search"`
	ConnectTimeoutSec int   `yaml:"connect_timeout_sec" mapstructure:"connect_timeout_sec"`
	ReadTimeoutSec   int    `yaml:"read_timeout_sec" mapstructure:"read_timeout_sec"`
	MaxRetries       int    `yaml:"max_retries" mapstructure:"max_retries"`
	PlannerModel     string `yaml:"planner_model" mapstructure:"planner_model"`
	ResearcherModel  string `yaml:"researcher_model" mapstructure:"researcher_model"`
	EvaluatorModel   string `yaml:"evaluator_model" mapstructure:"evaluator_model"`
	WriterModel      string `yaml:"writer_model" mapstructure:"writer_model"`
}

// PersistenceConfig selects and configures the Persistence Layer backend.
type PersistenceConfig struct {
	URL    string `yaml:"url" mapstructure:"url"`
	DBName string `yaml:"db_name" mapstructure:"db_name"`
}

// OrchestratorConfig holds orchestration-wide knobs.
type OrchestratorConfig struct {
	MaxConcurrentTasks     int     `yaml:"max_concurrent_tasks" mapstructure:"max_concurrent_tasks"`
	DefaultTimeoutSec      int     `yaml:"default_timeout_sec" mapstructure:"default_timeout_sec"`
	QualityThreshold       float64 `yaml:"quality_threshold" mapstructure:"quality_threshold"`
	MaxEvidencePerSubtask  int     `yaml:"max_evidence_per_subtask" mapstructure:"max_evidence_per_subtask"`
	ResearcherConcurrency  int     `yaml:"researcher_concurrency" mapstructure:"researcher_concurrency"`
	MaxRefinementsPerGap   int     `yaml:"max_refinements_per_gap" mapstructure:"max_refinements_per_gap"`
}

// RateLimitConfig configures the Provider Gateway's per-capability token
// bucket.
type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute" mapstructure:"per_minute"`
	Burst     int `yaml:"burst" mapstructure:"burst"`
}

// ServerConfig configures the Intake API HTTP/WS server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from an optional config.yaml plus the process
// environment. Environment variables are bound individually because the
// names the external contract requires (PROVIDER_API_KEY_TEXT,
// PERSISTENCE_URL, RESEARCH_MAX_CONCURRENT_TASKS, RATE_LIMIT_PER_MINUTE,
// ...) do not share one common prefix.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	binds := map[string]string{
		"provider.api_key_text":        "PROVIDER_API_KEY_TEXT",
		"provider.api_key_search":      "PROVIDER_API_KEY_SEARCH",
		"provider.base_url_text":       "PROVIDER_BASE_URL_TEXT",
		"provider.base_url_search":     "PROVIDER_BASE_URL_SEARCH",
		"provider.connect_timeout_sec": "PROVIDER_CONNECT_TIMEOUT_SEC",
		"provider.read_timeout_sec":    "PROVIDER_READ_TIMEOUT_SEC",
		"provider.max_retries":         "PROVIDER_MAX_RETRIES",
		"persistence.url":              "PERSISTENCE_URL",
		"persistence.db_name":          "PERSISTENCE_DB_NAME",
		"orchestrator.max_concurrent_tasks":    "RESEARCH_MAX_CONCURRENT_TASKS",
		"orchestrator.default_timeout_sec":     "RESEARCH_DEFAULT_TIMEOUT_SEC",
		"orchestrator.quality_threshold":       "RESEARCH_QUALITY_THRESHOLD",
		"orchestrator.max_evidence_per_subtask": "RESEARCH_MAX_EVIDENCE_PER_SUBTASK",
		"rate_limit.per_minute": "RATE_LIMIT_PER_MINUTE",
		"rate_limit.burst":      "RATE_LIMIT_BURST",
		"server.port":           "SERVER_PORT",
		"log.level":             "LOG_LEVEL",
		"log.format":            "LOG_FORMAT",
	}
	for key, env := range binds {
		if err := v.BindEnv(key, env); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", env)
		}
	}

	v.SetDefault("provider.connect_timeout_sec", 30)
	v.SetDefault("provider.read_timeout_sec", 120)
	v.SetDefault("provider.max_retries", 3)
	v.SetDefault("provider.planner_model", "claude-haiku-4-5-20251001")
	v.SetDefault("provider.researcher_model", "claude-haiku-4-5-20251001")
	v.SetDefault("provider.evaluator_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("provider.writer_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("provider.base_url_search", "https://api.perplexity.ai")

	v.SetDefault("orchestrator.max_concurrent_tasks", 10)
	v.SetDefault("orchestrator.default_timeout_sec", 300)
	v.SetDefault("orchestrator.quality_threshold", 0.75)
	v.SetDefault("orchestrator.max_evidence_per_subtask", 10)
	v.SetDefault("orchestrator.researcher_concurrency", 5)
	v.SetDefault("orchestrator.max_refinements_per_gap", 4)

	v.SetDefault("rate_limit.per_minute", 100)
	v.SetDefault("rate_limit.burst", 20)

	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
