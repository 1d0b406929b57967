// Package config provides configuration loading for feedbackd.
//
// Configuration is read from a YAML file, then overridden by environment
// variables, then filled in with defaults. Environment variables map to
// config keys by lowercasing and splitting on the first underscore:
// SERVER_HTTP_PORT becomes server.http_port.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Config holds the complete feedbackd configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	NATS        NATSConfig        `koanf:"nats"`
	LLM         LLMConfig         `koanf:"llm"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Notify      NotifyConfig      `koanf:"notify"`
	Pipeline    PipelineConfig    `koanf:"pipeline"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig holds the sqlite store configuration.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// NATSConfig holds the job queue connection configuration.
type NATSConfig struct {
	URL string `koanf:"url"`
}

// LLMConfig holds the generative model client configuration.
type LLMConfig struct {
	Provider string   `koanf:"provider"`
	Model    string   `koanf:"model"`
	APIKey   Secret   `koanf:"api_key"`
	BaseURL  string   `koanf:"base_url"`
	Timeout  Duration `koanf:"timeout"`
}

// EmbeddingsConfig holds the embedding service configuration.
type EmbeddingsConfig struct {
	BaseURL string   `koanf:"base_url"`
	Model   string   `koanf:"model"`
	APIKey  Secret   `koanf:"api_key"`
	Timeout Duration `koanf:"timeout"`
}

// VectorStoreConfig selects and configures the similarity search backend.
type VectorStoreConfig struct {
	Provider string        `koanf:"provider"`
	Chromem  ChromemConfig `koanf:"chromem"`
	Qdrant   QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig holds embedded vector store configuration.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantConfig holds external vector database configuration.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	APIKey     Secret `koanf:"api_key"`
	UseTLS     bool   `koanf:"use_tls"`
	VectorSize uint64 `koanf:"vector_size"`
}

// NotifyConfig holds the attribution mail API configuration. An empty
// base URL disables outbound notices.
type NotifyConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  Secret `koanf:"api_key"`
	From    string `koanf:"from"`
}

// PipelineConfig holds pipeline tuning knobs.
type PipelineConfig struct {
	// ExternalDomain is used in synthesized placeholder author emails.
	ExternalDomain string `koanf:"external_domain"`

	// SweepInterval between maintenance sweeps.
	SweepInterval Duration `koanf:"sweep_interval"`

	// IngestionConcurrency is the ingestion worker pool size.
	IngestionConcurrency int `koanf:"ingestion_concurrency"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Load reads configuration from the given YAML file (optional) and the
// environment, then applies defaults and validates.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	// SERVER_HTTP_PORT -> server.http_port: lowercase, split on the first
	// underscore, keep the rest intact.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "feedbackd.db"
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "disabled"
	}
	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://127.0.0.1:8080"
	}
	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.Chromem.Path == "" {
		cfg.VectorStore.Chromem.Path = "feedbackd.vectors"
	}
	if cfg.Pipeline.ExternalDomain == "" {
		cfg.Pipeline.ExternalDomain = "feedbackd.dev"
	}
	if cfg.Pipeline.SweepInterval == 0 {
		cfg.Pipeline.SweepInterval = Duration(5 * time.Minute)
	}
	if cfg.Pipeline.IngestionConcurrency == 0 {
		cfg.Pipeline.IngestionConcurrency = 4
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate checks the configuration for impossible values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	switch c.LLM.Provider {
	case "disabled", "anthropic", "openai":
	default:
		return fmt.Errorf("unknown llm provider: %q", c.LLM.Provider)
	}
	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("unknown vector store provider: %q", c.VectorStore.Provider)
	}
	if c.Pipeline.IngestionConcurrency < 1 {
		return errors.New("ingestion concurrency must be at least 1")
	}
	if c.Notify.BaseURL != "" && c.Notify.From == "" {
		return errors.New("notify.from is required when notify.base_url is set")
	}
	return nil
}
