package tariffproof

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/halverson/tariffproof/llm"
)

// Config holds all configuration for the tariffproof engine.
type Config struct {
	// DBPath is the full path to the SQLite database file.
	// If empty, defaults to ~/.tariffproof/<DBName>.db
	DBPath string `json:"db_path" yaml:"db_path"`

	// DBName is the name for the database (used when DBPath is empty).
	DBName string `json:"db_name" yaml:"db_name"`

	// StorageDir controls where the database is created when DBPath is
	// not set: "home" (default) uses ~/.tariffproof/, "local" the
	// working directory.
	StorageDir string `json:"storage_dir" yaml:"storage_dir"`

	// EmbeddingDim must match the embedding model; the corpus uses
	// 1536-dimensional vectors with cosine distance by default.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// LLM endpoints. Reader and Validator should be different models or
	// at least different families to reduce correlated error.
	Reader    llm.Config `json:"reader" yaml:"reader"`
	Validator llm.Config `json:"validator" yaml:"validator"`
	Discovery llm.Config `json:"discovery" yaml:"discovery"`
	Embedding llm.Config `json:"embedding" yaml:"embedding"`

	// Retrieval fusion weights and result count.
	WeightDense   float64 `json:"weight_dense" yaml:"weight_dense"`
	WeightLexical float64 `json:"weight_lexical" yaml:"weight_lexical"`
	RetrievalK    int     `json:"retrieval_k" yaml:"retrieval_k"`

	// Gate: how far from a quote (in chars, same chunk) the HTS may sit.
	HTSWindow int `json:"hts_window" yaml:"hts_window"`

	// Agent retry budget for non-conforming JSON.
	AgentRetries int `json:"agent_retries" yaml:"agent_retries"`

	// LLMTimeoutSeconds bounds each agent call.
	LLMTimeoutSeconds int `json:"llm_timeout_seconds" yaml:"llm_timeout_seconds"`

	// Discovery caps.
	DiscoveryMaxCandidates  int `json:"discovery_max_candidates" yaml:"discovery_max_candidates"`
	DiscoveryMaxPerHour     int `json:"discovery_max_per_hour" yaml:"discovery_max_per_hour"`
	DiscoveryTimeoutSeconds int `json:"discovery_timeout_seconds" yaml:"discovery_timeout_seconds"`

	// Cost estimation, micro-USD per 1000 tokens.
	CostInMicroPerK  int64 `json:"cost_in_micro_per_k" yaml:"cost_in_micro_per_k"`
	CostOutMicroPerK int64 `json:"cost_out_micro_per_k" yaml:"cost_out_micro_per_k"`

	// Seeds are per-program bootstrap locators ingested by `seed`.
	Seeds map[string][]SeedLocator `json:"seeds" yaml:"seeds"`
}

// SeedLocator is one bootstrap document reference.
type SeedLocator struct {
	SourceKind string `json:"source_kind" yaml:"source_kind"`
	Locator    string `json:"locator" yaml:"locator"`
}

// DefaultConfig returns a Config with production defaults. LLM endpoints
// still need API keys from the environment.
func DefaultConfig() Config {
	return Config{
		DBName:     "tariffproof",
		StorageDir: "home",
		Reader: llm.Config{
			Provider: "openai",
			Model:    "gpt-4o",
		},
		Validator: llm.Config{
			Provider: "openrouter",
			Model:    "anthropic/claude-sonnet-4",
		},
		Discovery: llm.Config{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
		Embedding: llm.Config{
			Provider: "openai",
			Model:    "text-embedding-3-small",
		},
		EmbeddingDim:            1536,
		WeightDense:             0.6,
		WeightLexical:           0.4,
		RetrievalK:              8,
		HTSWindow:               400,
		AgentRetries:            2,
		LLMTimeoutSeconds:       90,
		DiscoveryMaxCandidates:  3,
		DiscoveryMaxPerHour:     20,
		DiscoveryTimeoutSeconds: 300,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

// resolveDBPath computes the final database path from config fields.
func (c *Config) resolveDBPath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	name := c.DBName
	if name == "" {
		name = "tariffproof"
	}

	switch c.StorageDir {
	case "local", "cwd":
		return name + ".db"
	default: // "home" or empty
		home, err := os.UserHomeDir()
		if err != nil {
			return name + ".db" // fallback to cwd
		}
		return filepath.Join(home, ".tariffproof", name+".db")
	}
}
