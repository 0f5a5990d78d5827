// Package config loads service configuration from a YAML file and the
// environment. Secrets (API keys) are always taken from environment
// variables so they never have to live in the config file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the service.
type Config struct {
	Port      string `mapstructure:"port"`
	UploadDir string `mapstructure:"upload_dir"`
	DataDir   string `mapstructure:"data_dir"`

	OpenAIAPIKey string `mapstructure:"OPENAI_API_KEY"`

	Qdrant     QdrantConfig     `mapstructure:"qdrant"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Chunking   ChunkingConfig   `mapstructure:"chunking"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Completion CompletionConfig `mapstructure:"completion"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
}

// QdrantConfig locates the vector index.
type QdrantConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Collection string `mapstructure:"collection"`
}

// ExtractionConfig tunes the PDF text extractor and its OCR fallback.
type ExtractionConfig struct {
	// MinPageChars is the character-density floor below which a page is
	// treated as image-only and sent to OCR.
	MinPageChars int           `mapstructure:"min_page_chars"`
	OCRLanguages string        `mapstructure:"ocr_languages"`
	PageTimeout  time.Duration `mapstructure:"page_timeout"`
}

// ChunkingConfig holds the parent/child chunk size knobs. The exact
// thresholds are tunable rather than hard-coded; the defaults below were
// picked by eye and should be validated against a real corpus.
type ChunkingConfig struct {
	MaxParentSize int `mapstructure:"max_parent_size"`
	MinChunkSize  int `mapstructure:"min_chunk_size"`
	ChildSize     int `mapstructure:"child_size"`
	ChildOverlap  int `mapstructure:"child_overlap"`
}

// EmbeddingConfig selects the embedding model. The model identifier is
// recorded with every index entry; changing it requires re-indexing.
type EmbeddingConfig struct {
	Model     string `mapstructure:"model"`
	Dimension int    `mapstructure:"dimension"`
	BatchSize int    `mapstructure:"batch_size"`
}

// CompletionConfig tunes answer generation.
type CompletionConfig struct {
	Model string `mapstructure:"model"`
	// ContextBudget is the maximum number of context characters included
	// in the grounded prompt. Lowest-ranked parents are dropped first.
	ContextBudget int `mapstructure:"context_budget"`
}

// RetrievalConfig tunes similarity search and parent resolution.
type RetrievalConfig struct {
	TopK      int     `mapstructure:"top_k"`
	OverFetch int     `mapstructure:"over_fetch"`
	MinScore  float64 `mapstructure:"min_score"`
}

// Load reads configuration from the given YAML file (optional) and the
// environment. Environment variables override file values.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.AutomaticEnv()
	v.BindEnv("OPENAI_API_KEY")

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("upload_dir", "uploads")
	v.SetDefault("data_dir", "data")

	v.SetDefault("qdrant.host", "localhost")
	v.SetDefault("qdrant.port", 6334)
	v.SetDefault("qdrant.collection", "documents")

	v.SetDefault("extraction.min_page_chars", 32)
	v.SetDefault("extraction.ocr_languages", "eng")
	v.SetDefault("extraction.page_timeout", 60*time.Second)

	v.SetDefault("chunking.max_parent_size", 2000)
	v.SetDefault("chunking.min_chunk_size", 500)
	v.SetDefault("chunking.child_size", 400)
	v.SetDefault("chunking.child_overlap", 80)

	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimension", 1536)
	v.SetDefault("embedding.batch_size", 500)

	v.SetDefault("completion.model", "gpt-4o")
	v.SetDefault("completion.context_budget", 12000)

	v.SetDefault("retrieval.top_k", 5)
	v.SetDefault("retrieval.over_fetch", 3)
	v.SetDefault("retrieval.min_score", 0.4)
}

func (c *Config) validate() error {
	if c.Chunking.ChildOverlap >= c.Chunking.ChildSize {
		return fmt.Errorf("chunking: child_overlap (%d) must be smaller than child_size (%d)",
			c.Chunking.ChildOverlap, c.Chunking.ChildSize)
	}
	if c.Chunking.ChildSize > c.Chunking.MaxParentSize {
		return fmt.Errorf("chunking: child_size (%d) must not exceed max_parent_size (%d)",
			c.Chunking.ChildSize, c.Chunking.MaxParentSize)
	}
	if c.Retrieval.OverFetch < 1 {
		return fmt.Errorf("retrieval: over_fetch must be at least 1")
	}
	return nil
}
