// Package config loads the daemon configuration: YAML file first,
// TRACEGRAPH_* environment variables on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/tracegraph/internal/annotate"
	"github.com/fyrsmithlabs/tracegraph/internal/consolidate"
	"github.com/fyrsmithlabs/tracegraph/internal/entity"
	"github.com/fyrsmithlabs/tracegraph/internal/extraction"
	"github.com/fyrsmithlabs/tracegraph/internal/logging"
	"github.com/fyrsmithlabs/tracegraph/internal/retrieval"
	"github.com/fyrsmithlabs/tracegraph/internal/summary"
	"github.com/fyrsmithlabs/tracegraph/internal/telemetry"
)

// envPrefix namespaces environment overrides, e.g.
// TRACEGRAPH_SERVER_ADDR -> server.addr.
const envPrefix = "TRACEGRAPH_"

// ServerConfig holds the HTTP server settings.
type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StorageConfig selects where the ledger and graph live.
type StorageConfig struct {
	// Dir is the data directory for the badger stores and the
	// persistent similarity index.
	Dir string `koanf:"dir"`

	// InMemory switches everything to in-memory stores, for tests and
	// ephemeral runs.
	InMemory bool `koanf:"in_memory"`
}

// ModelConfig points at the OpenAI-compatible endpoint used for
// extraction and summarization.
type ModelConfig struct {
	Enabled bool   `koanf:"enabled"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`
}

// EmbeddingsConfig selects the embedding backend.
type EmbeddingsConfig struct {
	// Provider is "local" (deterministic hashing, no network) or
	// "openai" (any OpenAI-compatible endpoint, TEI included).
	Provider  string `koanf:"provider"`
	BaseURL   string `koanf:"base_url"`
	Model     string `koanf:"model"`
	APIKey    string `koanf:"api_key"`
	Dimension int    `koanf:"dimension"`
}

// ExtractionConfig groups the model extraction settings.
type ExtractionConfig struct {
	Model     ModelConfig                `koanf:"model"`
	LLM       extraction.LLMConfig       `koanf:"llm"`
	Validator extraction.ValidatorConfig `koanf:"validator"`
	Staging   extraction.StagingConfig   `koanf:"staging"`
}

// Config is the full daemon configuration.
type Config struct {
	Server      ServerConfig          `koanf:"server"`
	Storage     StorageConfig         `koanf:"storage"`
	Logging     logging.Config        `koanf:"logging"`
	Telemetry   telemetry.Config      `koanf:"telemetry"`
	Consolidate consolidate.Config    `koanf:"consolidate"`
	Entity      entity.ResolverConfig `koanf:"entity"`
	Extraction  ExtractionConfig      `koanf:"extraction"`
	Embeddings  EmbeddingsConfig      `koanf:"embeddings"`
	Summary     summary.Config        `koanf:"summary"`
	Retrieval   retrieval.Config      `koanf:"retrieval"`
	Annotate    annotate.Config       `koanf:"annotate"`
}

// applyDefaults fills every unset field.
func applyDefaults(c *Config) {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8844"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Storage.Dir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.Storage.Dir = filepath.Join(home, ".local", "share", "tracegraph")
		} else {
			c.Storage.Dir = "tracegraph-data"
		}
	}
	// Each logging field defaults independently so a partial override,
	// say just the level, still yields a valid config.
	logDefaults := logging.NewDefaultConfig()
	if c.Logging.Level == "" {
		c.Logging.Level = logDefaults.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = logDefaults.Format
	}
	if c.Logging.Fields == nil {
		c.Logging.Fields = logDefaults.Fields
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "tracegraphd"
	}
	if c.Embeddings.Provider == "" {
		c.Embeddings.Provider = "local"
	}
	if c.Embeddings.Dimension <= 0 {
		c.Embeddings.Dimension = 256
	}
	c.Consolidate.ApplyDefaults()
	c.Entity.ApplyDefaults()
	c.Extraction.LLM.ApplyDefaults()
	c.Extraction.Validator.ApplyDefaults()
	c.Extraction.Staging.ApplyDefaults()
	c.Summary.ApplyDefaults()
	c.Retrieval.ApplyDefaults()
	c.Annotate.ApplyDefaults()
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Entity.Validate(); err != nil {
		return err
	}
	switch c.Embeddings.Provider {
	case "local", "openai":
	default:
		return fmt.Errorf("embeddings provider must be 'local' or 'openai', got %q", c.Embeddings.Provider)
	}
	if c.Extraction.Model.Enabled && c.Extraction.Model.Model == "" {
		return fmt.Errorf("extraction model name is required when the model is enabled")
	}
	return nil
}

// Load builds the configuration from an optional YAML file plus
// environment overrides.
func Load(configPath string) (*Config, error) {
	var content []byte
	if configPath != "" {
		b, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		content = b
	}
	return LoadBytes(content)
}

// LoadBytes builds the configuration from raw YAML plus environment
// overrides. Nil content loads defaults and environment only.
func LoadBytes(content []byte) (*Config, error) {
	k := koanf.New(".")

	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	// TRACEGRAPH_SECTION_FIELD_NAME -> section.field_name: the first
	// underscore separates the section, the rest stay in the field.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
