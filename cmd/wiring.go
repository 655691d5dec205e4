package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"hybridrag/src/circuitbreaker"
	"hybridrag/src/config"
	"hybridrag/src/core/retrieval"
	"hybridrag/src/infrastructure/integrations/ollama"
	"hybridrag/src/infrastructure/job"
	"hybridrag/src/log"
	"hybridrag/src/storage/boltcache"
	"hybridrag/src/storage/elasticsearch"
	"hybridrag/src/storage/memory"
	"hybridrag/src/storage/minioctrl"
	"hybridrag/src/storage/postgres"
	"hybridrag/src/storage/postgres/chunkctrl"
	"hybridrag/src/storage/postgres/tagctrl"
	"hybridrag/src/storage/weaviate"
)

const (
	breakerEmbedding = "embedding"
	breakerLLM       = "llm"
)

type migrator interface {
	Migrate(ctx context.Context) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

type namedMigrator struct {
	name string
	m    migrator
}

// app holds everything a command needs, built from one config.
type app struct {
	cfg      *config.Config
	breakers *circuitbreaker.Registry
	ollama   *ollama.Client
	service  *retrieval.Service
	db       *gorm.DB

	migrators []namedMigrator
	checks    map[string]pinger
	closers   []func() error
}

func buildApp(cfg *config.Config) (*app, error) {
	a := &app{
		cfg:      cfg,
		breakers: circuitbreaker.NewRegistry(cfg.Breaker, circuitbreaker.WithLogger(log.WithName("breaker"))),
		checks:   make(map[string]pinger),
	}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build() error {
	cfg := a.cfg

	client, err := ollama.NewClient(cfg.Ollama, &http.Client{})
	if err != nil {
		return err
	}
	a.ollama = client
	a.checks["ollama"] = client

	var provider retrieval.EmbeddingProvider = client
	if cfg.Embedding.CachePath != "" {
		cached, err := boltcache.Open(cfg.Embedding.CachePath, cfg.Ollama.EmbeddingModel, client)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, cached.Close)
		provider = cached
	}

	embedder := retrieval.NewEmbeddingClient(provider, a.breakers.Get(breakerEmbedding), cfg.Embedding.Dimension,
		retrieval.WithBatchSize(cfg.Embedding.BatchSize),
		retrieval.WithEmbeddingTimeout(cfg.Embedding.Timeout),
		retrieval.WithRateLimit(cfg.Embedding.RateLimit, cfg.Embedding.Burst),
	)

	if cfg.Store.Backend != config.BackendMemory {
		db, err := postgres.Open(cfg.Postgres, cfg.Log.Level == "debug")
		if err != nil {
			return err
		}
		a.db = db
		a.closers = append(a.closers, func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		})
	}

	chunks, err := a.chunkStore(embedder.Dimension())
	if err != nil {
		return err
	}
	tags, err := a.tagStore(embedder.Dimension())
	if err != nil {
		return err
	}

	node, err := snowflake.NewNode(cfg.Store.IDNode)
	if err != nil {
		return fmt.Errorf("failed to create id node: %w", err)
	}

	var rewriter *retrieval.QueryRewriter
	if cfg.LLM.RewriteEnabled {
		rewriter = retrieval.NewQueryRewriter(client, a.breakers.Get(breakerLLM),
			retrieval.WithRewriteTimeout(cfg.LLM.Timeout))
	}

	a.service, err = retrieval.NewServiceFromDeps(retrieval.Dependencies{
		Embedder:  embedder,
		Rewriter:  rewriter,
		Chunks:    chunks,
		Tags:      tags,
		Chunking:  cfg.Chunker,
		TagPolicy: cfg.Tags,
		RRFK:      cfg.Search.RRFK,
		OverFetch: cfg.Search.OverFetch,
		IDNode:    node,
	})
	return err
}

func (a *app) chunkStore(dim int) (retrieval.ChunkStore, error) {
	cfg := a.cfg
	var store retrieval.ChunkStore
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return memory.NewChunkStore(), nil
	case config.BackendPostgres:
		svc, err := chunkctrl.NewChunkService(a.db, dim, cfg.Postgres.TextSearchConfig)
		if err != nil {
			return nil, err
		}
		store = svc
	case config.BackendWeaviate:
		scheme, host, err := cfg.Weaviate.SchemeHost()
		if err != nil {
			return nil, err
		}
		client, err := weaviate.NewClient(scheme, host)
		if err != nil {
			return nil, err
		}
		store = weaviate.NewChunkStore(weaviate.NewSDK(client), cfg.Weaviate.Class, dim)
	case config.BackendElasticsearch:
		client, err := elasticsearch.NewClient(cfg.Elasticsearch)
		if err != nil {
			return nil, err
		}
		store = elasticsearch.NewChunkStore(client, cfg.Elasticsearch.Index, dim)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if m, ok := store.(migrator); ok {
		a.migrators = append(a.migrators, namedMigrator{name: cfg.Store.Backend + " chunks", m: m})
	}
	if p, ok := store.(pinger); ok {
		a.checks[cfg.Store.Backend] = p
	}
	return store, nil
}

func (a *app) tagStore(dim int) (retrieval.TagStore, error) {
	if a.db == nil {
		return memory.NewTagStore(), nil
	}
	svc, err := tagctrl.NewTagService(a.db, dim)
	if err != nil {
		return nil, err
	}
	a.migrators = append(a.migrators, namedMigrator{name: "postgres tags", m: svc})
	return svc, nil
}

// Migrate brings every configured store schema up to date.
func (a *app) Migrate(ctx context.Context) error {
	for _, nm := range a.migrators {
		log.Info("migrating", "store", nm.name)
		if err := nm.m.Migrate(ctx); err != nil {
			return fmt.Errorf("%s: %w", nm.name, err)
		}
	}
	return nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// jobs is the asynchronous side of the app.
type jobs struct {
	service *job.JobService
	archive *minioctrl.SourceArchive
	logger  watermill.LoggerAdapter
}

// newJobs connects the queue publisher. Jobs need Postgres for their state.
func (a *app) newJobs(ctx context.Context) (*jobs, error) {
	if a.db == nil {
		return nil, fmt.Errorf("jobs require postgres, store.backend is %q", a.cfg.Store.Backend)
	}
	logger := job.NewLoggerAdapter(log.WithName("jobs"))

	archive, err := minioctrl.NewSourceArchive(a.cfg.Minio)
	if err != nil {
		return nil, err
	}
	if err := archive.EnsureBucketExists(ctx); err != nil {
		return nil, err
	}

	publisher, err := job.NewAMQPPublisher(a.cfg.AMQP.URL, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect publisher: %w", err)
	}
	a.closers = append(a.closers, publisher.Close)

	repo := job.NewPostgresJobRepository(a.db)
	a.migrators = append(a.migrators, namedMigrator{name: "postgres jobs", m: repo})

	svc := job.NewJobService(publisher, repo, logger)
	job.NewIndexTask(a.service, archive).RegisterWith(svc)

	return &jobs{service: svc, archive: archive, logger: logger}, nil
}

// newRouter subscribes to the jobs queue.
func (a *app) newRouter(j *jobs) (*message.Router, error) {
	subscriber, err := job.NewAMQPSubscriber(a.cfg.AMQP.URL, j.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect subscriber: %w", err)
	}
	a.closers = append(a.closers, subscriber.Close)
	return job.NewRouter(subscriber, j.service, a.cfg.Jobs, j.logger)
}
