// Package config is the typed view of the viper configuration shared by every
// command.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/viper"

	"hybridrag/src/circuitbreaker"
	"hybridrag/src/core/retrieval"
	"hybridrag/src/infrastructure/integrations/ollama"
	"hybridrag/src/infrastructure/job"
	"hybridrag/src/storage/elasticsearch"
	"hybridrag/src/storage/minioctrl"
	"hybridrag/src/storage/postgres"
)

const (
	BackendPostgres      = "postgres"
	BackendWeaviate      = "weaviate"
	BackendElasticsearch = "elasticsearch"
	BackendMemory        = "memory"
)

type Config struct {
	Log           LogConfig             `mapstructure:"log"`
	Server        ServerConfig          `mapstructure:"server"`
	Store         StoreConfig           `mapstructure:"store"`
	Postgres      postgres.Config       `mapstructure:"postgres"`
	Weaviate      WeaviateConfig        `mapstructure:"weaviate"`
	Elasticsearch elasticsearch.Config  `mapstructure:"elasticsearch"`
	Minio         minioctrl.Config      `mapstructure:"minio"`
	AMQP          AMQPConfig            `mapstructure:"amqp"`
	Jobs          job.RetryConfig       `mapstructure:"jobs"`
	Ollama        ollama.Config         `mapstructure:"ollama"`
	Embedding     EmbeddingConfig       `mapstructure:"embedding"`
	LLM           LLMConfig             `mapstructure:"llm"`
	Breaker       circuitbreaker.Config `mapstructure:"breaker"`
	Chunker       retrieval.ChunkPolicy `mapstructure:"chunker"`
	Search        SearchConfig          `mapstructure:"search"`
	Tags          retrieval.TagPolicy   `mapstructure:"tags"`
	Unstructured  UnstructuredConfig    `mapstructure:"unstructured"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects the chunk backend. Tags live in Postgres unless the
// backend is memory.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	// IDNode is the snowflake node of this process; writers sharing a store
	// need distinct nodes
	IDNode int64 `mapstructure:"id_node"`
}

type WeaviateConfig struct {
	URL   string `mapstructure:"url"`
	Class string `mapstructure:"class"`
}

// SchemeHost splits the URL into what the weaviate client expects.
func (c WeaviateConfig) SchemeHost() (string, string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", "", fmt.Errorf("invalid weaviate url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("invalid weaviate url %q", c.URL)
	}
	return u.Scheme, u.Host, nil
}

type AMQPConfig struct {
	URL string `mapstructure:"url"`
}

type EmbeddingConfig struct {
	Dimension int           `mapstructure:"dimension"`
	BatchSize int           `mapstructure:"batch_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Burst     int           `mapstructure:"burst"`
	// CachePath enables the local embedding cache when set
	CachePath string `mapstructure:"cache_path"`
}

type LLMConfig struct {
	// RewriteEnabled turns on query rewriting from conversation context
	RewriteEnabled bool          `mapstructure:"rewrite_enabled"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

type SearchConfig struct {
	RRFK      int `mapstructure:"rrf_k"`
	OverFetch int `mapstructure:"over_fetch"`
}

type UnstructuredConfig struct {
	URL string `mapstructure:"url"`
}

// Load unmarshals v and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Embedding.Dimension <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dimension must be positive, got %d", c.Embedding.Dimension))
	}
	switch c.Store.Backend {
	case BackendPostgres, BackendWeaviate, BackendElasticsearch, BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of postgres, weaviate, elasticsearch, memory", c.Store.Backend))
	}
	if c.Store.IDNode < 0 || c.Store.IDNode > 1023 {
		errs = append(errs, fmt.Errorf("store.id_node must be within [0, 1023], got %d", c.Store.IDNode))
	}
	if d := c.Tags.MergeDistance; d < 0 || d > 2 {
		errs = append(errs, fmt.Errorf("tags.merge_distance must be within [0, 2], got %v", d))
	}
	if a := c.Tags.AutoConfirm; a < 0 || a > 1 {
		errs = append(errs, fmt.Errorf("tags.auto_confirm must be within [0, 1], got %v", a))
	}
	if c.Search.OverFetch < 0 {
		errs = append(errs, fmt.Errorf("search.over_fetch must not be negative"))
	}
	if c.Search.RRFK < 0 {
		errs = append(errs, fmt.Errorf("search.rrf_k must not be negative"))
	}
	if c.Chunker.MaxChars < 0 {
		errs = append(errs, fmt.Errorf("chunker.max_chars must not be negative"))
	}
	if c.Store.Backend == BackendWeaviate {
		if _, _, err := c.Weaviate.SchemeHost(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Store.Backend == BackendElasticsearch && len(c.Elasticsearch.Addresses) == 0 {
		errs = append(errs, fmt.Errorf("elasticsearch.addresses is required"))
	}
	return errors.Join(errs...)
}
