// Package config holds the single explicit configuration object for the
// agent. It is loaded once in cmd/* and passed into constructors.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Agent     AgentConfig      `yaml:"agent"`
	Executor  ExecutorConfig   `yaml:"executor"`
	Graph     GraphConfig      `yaml:"graph"`
	Providers []ProviderConfig `yaml:"providers" validate:"dive"`
	Breaker   BreakerConfig    `yaml:"breaker"`
	Backends  BackendsConfig   `yaml:"backends"`
	Audit     AuditConfig      `yaml:"audit"`
}

type ServerConfig struct {
	Port         string        `yaml:"port" validate:"required,numeric"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// APIKey, when set, is required as a bearer token on every API call.
	APIKey string `yaml:"api_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

type AgentConfig struct {
	RequestTimeout         time.Duration `yaml:"request_timeout" validate:"required,gt=0"`
	LowConfidenceThreshold float64       `yaml:"low_confidence_threshold" validate:"min=0,max=1"`
	// PrimaryBackend is used for model synthesis and the safe fallback template.
	PrimaryBackend string `yaml:"primary_backend" validate:"required,oneof=graph relational vector"`
}

type ExecutorConfig struct {
	RowCap  int           `yaml:"row_cap" validate:"min=1"`
	Timeout time.Duration `yaml:"timeout" validate:"required,gt=0"`
}

type GraphConfig struct {
	AnomalyMultiplier   float64 `yaml:"anomaly_multiplier" validate:"gt=0"`
	SimilarityThreshold float64 `yaml:"similarity_threshold" validate:"min=0,max=1"`
	// SeedFile is an optional JSON array of transaction records loaded at startup.
	SeedFile string `yaml:"seed_file"`
}

// ProviderConfig describes one entry in the ordered provider chain.
type ProviderConfig struct {
	Name    string        `yaml:"name" validate:"required"`
	Type    string        `yaml:"type" validate:"required,oneof=gemini openai anthropic ollama"`
	Model   string        `yaml:"model"`
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url" validate:"omitempty,url"`
	Timeout time.Duration `yaml:"timeout"`
	// RatePerSecond of zero disables rate limiting.
	RatePerSecond float64 `yaml:"rate_per_second" validate:"min=0"`
	Burst         int     `yaml:"burst" validate:"min=0"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" validate:"min=1"`
	Window           time.Duration `yaml:"window" validate:"required,gt=0"`
	Cooldown         time.Duration `yaml:"cooldown" validate:"required,gt=0"`
}

type BackendsConfig struct {
	Relational *RelationalConfig `yaml:"relational"`
	Neo4j      *Neo4jConfig      `yaml:"neo4j"`
	Vector     *VectorConfig     `yaml:"vector"`
}

// RelationalConfig selects one SQL engine for the relational backend.
type RelationalConfig struct {
	ID        string `yaml:"id"`
	Driver    string `yaml:"driver" validate:"required,oneof=sqlite postgres bigquery"`
	DSN       string `yaml:"dsn" validate:"required_unless=Driver bigquery"`
	ProjectID string `yaml:"project_id" validate:"required_if=Driver bigquery"`
	Dataset   string `yaml:"dataset" validate:"required_if=Driver bigquery"`
	Table     string `yaml:"table"`
}

type Neo4jConfig struct {
	ID       string `yaml:"id"`
	URI      string `yaml:"uri" validate:"required"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type VectorConfig struct {
	ID             string `yaml:"id"`
	URL            string `yaml:"url" validate:"required,url"`
	APIKey         string `yaml:"api_key"`
	Collection     string `yaml:"collection" validate:"required"`
	EmbeddingModel string `yaml:"embedding_model"`
	GeminiAPIKey   string `yaml:"gemini_api_key"`
}

type AuditConfig struct {
	QueueSize int            `yaml:"queue_size" validate:"min=1"`
	Workers   int            `yaml:"workers" validate:"min=1"`
	Log       bool           `yaml:"log"`
	BigQuery  *AuditBigQuery `yaml:"bigquery"`
	GCS       *AuditGCS      `yaml:"gcs"`
	Redis     *AuditRedis    `yaml:"redis"`
}

type AuditBigQuery struct {
	ProjectID string `yaml:"project_id" validate:"required"`
	Dataset   string `yaml:"dataset" validate:"required"`
	Table     string `yaml:"table" validate:"required"`
}

type AuditGCS struct {
	Bucket string `yaml:"bucket" validate:"required"`
	Prefix string `yaml:"prefix"`
}

type AuditRedis struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream" validate:"required"`
	MaxLen   int64  `yaml:"max_len"`
}

// Default returns a configuration that runs fully in-process: the graph
// engine as the only backend, no providers and a log-only audit sink.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         "8080",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 45 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		Agent: AgentConfig{
			RequestTimeout:         30 * time.Second,
			LowConfidenceThreshold: 0.35,
			PrimaryBackend:         "graph",
		},
		Executor: ExecutorConfig{RowCap: 1000, Timeout: 15 * time.Second},
		Graph:    GraphConfig{AnomalyMultiplier: 2.0, SimilarityThreshold: 0.8},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Window:           60 * time.Second,
			Cooldown:         30 * time.Second,
		},
		Audit: AuditConfig{QueueSize: 256, Workers: 2, Log: true},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("Load: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("Load: parsing %s: %w", path, err)
		}
	}
	applyEnv(cfg, os.Getenv)
	applyProviderDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	return cfg, nil
}

// applyEnv fills secrets and connection strings from the environment when
// the file leaves them blank.
func applyEnv(cfg *Config, getenv func(string) string) {
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.APIKey != "" {
			continue
		}
		switch p.Type {
		case "gemini":
			p.APIKey = getenv("GEMINI_API_KEY")
		case "openai":
			p.APIKey = getenv("OPENAI_API_KEY")
		case "anthropic":
			p.APIKey = getenv("ANTHROPIC_API_KEY")
		}
	}
	if r := cfg.Backends.Relational; r != nil {
		if r.DSN == "" && r.Driver == "postgres" {
			r.DSN = getenv("DATABASE_URL")
		}
		if r.ProjectID == "" && r.Driver == "bigquery" {
			r.ProjectID = getenv("GCP_PROJECT")
		}
	}
	if n := cfg.Backends.Neo4j; n != nil && n.Password == "" {
		n.Password = getenv("NEO4J_PASSWORD")
	}
	if v := cfg.Backends.Vector; v != nil {
		if v.APIKey == "" {
			v.APIKey = getenv("QDRANT_API_KEY")
		}
		if v.GeminiAPIKey == "" {
			v.GeminiAPIKey = getenv("GEMINI_API_KEY")
		}
	}
	if b := cfg.Audit.BigQuery; b != nil && b.ProjectID == "" {
		b.ProjectID = getenv("GCP_PROJECT")
	}
	if g := cfg.Audit.GCS; g != nil && g.Bucket == "" {
		g.Bucket = getenv("GCS_BUCKET")
	}
	if r := cfg.Audit.Redis; r != nil && r.Password == "" {
		r.Password = getenv("REDIS_PASSWORD")
	}
	if cfg.Server.APIKey == "" {
		cfg.Server.APIKey = getenv("AGENT_API_KEY")
	}
	if lvl := getenv("LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
}

func applyProviderDefaults(cfg *Config) {
	for i := range cfg.Providers {
		if cfg.Providers[i].Timeout == 0 {
			cfg.Providers[i].Timeout = 10 * time.Second
		}
	}
}
