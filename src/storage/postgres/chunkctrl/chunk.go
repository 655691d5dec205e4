package chunkctrl

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"hybridrag/src/core/retrieval"
	"hybridrag/src/storage/postgres"
)

type Chunk struct {
	ID         string            `gorm:"primaryKey;size:32" json:"id"`
	SourceID   string            `gorm:"not null;size:255" json:"source_id"`
	SourceType string            `gorm:"not null;size:32" json:"source_type"`
	ChunkIndex int               `gorm:"not null;column:chunk_index" json:"chunk_index"`
	OwnerID    string            `gorm:"not null;size:255" json:"owner_id"`
	Content    string            `gorm:"not null" json:"content"`
	Embedding  postgres.Vector   `json:"-"`
	Metadata   map[string]string `gorm:"serializer:json;type:jsonb" json:"metadata"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (Chunk) TableName() string {
	return "chunks"
}

// ChunkService is a retrieval.ChunkStore on Postgres with pgvector for the
// vector leg and a generated tsvector column for the keyword leg.
type ChunkService struct {
	db        *gorm.DB
	dimension int
	tsConfig  string
}

func NewChunkService(db *gorm.DB, dimension int, textSearchConfig string) (*ChunkService, error) {
	cfg, err := postgres.TextSearchConfig(textSearchConfig)
	if err != nil {
		return nil, err
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid embedding dimension %d", dimension)
	}
	return &ChunkService{db: db, dimension: dimension, tsConfig: cfg}, nil
}

// Migrate creates the chunks table and its indexes.
func (s *ChunkService) Migrate(ctx context.Context) error {
	if err := postgres.EnsureExtension(ctx, s.db); err != nil {
		return err
	}
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunks (
	id varchar(32) PRIMARY KEY,
	source_id varchar(255) NOT NULL,
	source_type varchar(32) NOT NULL,
	chunk_index integer NOT NULL,
	owner_id varchar(255) NOT NULL DEFAULT '',
	content text NOT NULL,
	embedding vector(%d),
	metadata jsonb,
	content_tsv tsvector GENERATED ALWAYS AS (to_tsvector('%s', content)) STORED,
	created_at timestamptz NOT NULL DEFAULT now(),
	UNIQUE (source_id, source_type, chunk_index)
)`, s.dimension, s.tsConfig),
		`CREATE INDEX IF NOT EXISTS idx_chunks_content_tsv ON chunks USING gin (content_tsv)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_owner_type ON chunks (owner_id, source_type)`,
	}
	if s.dimension <= postgres.MaxIndexedDimension {
		stmts = append(stmts,
			`CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON chunks USING hnsw (embedding vector_cosine_ops)`)
	}
	for _, stmt := range stmts {
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to migrate chunks: %w", err)
		}
	}
	return nil
}

// ReplaceChunks deletes the source's chunks and inserts the new set in one
// transaction, holding an advisory lock on the source key.
func (s *ChunkService) ReplaceChunks(ctx context.Context, key retrieval.SourceKey, chunks []retrieval.Chunk) error {
	rows := make([]Chunk, len(chunks))
	for i, c := range chunks {
		if err := retrieval.CheckDimension(c.Embedding, s.dimension); err != nil {
			return fmt.Errorf("chunk %d: %w", c.ChunkIndex, err)
		}
		rows[i] = fromDomain(c)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := postgres.AdvisoryXactLock(tx, key.String()); err != nil {
			return err
		}
		if err := deleteSource(tx, key); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(rows, 100).Error; err != nil {
			return fmt.Errorf("failed to insert chunks: %w", err)
		}
		return nil
	})
	return retrieval.StoreError("replace chunks", err)
}

func (s *ChunkService) DeleteSource(ctx context.Context, key retrieval.SourceKey) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := postgres.AdvisoryXactLock(tx, key.String()); err != nil {
			return err
		}
		return deleteSource(tx, key)
	})
	return retrieval.StoreError("delete source", err)
}

func deleteSource(tx *gorm.DB, key retrieval.SourceKey) error {
	result := tx.Where("source_id = ? AND source_type = ?", key.SourceID, string(key.SourceType)).Delete(&Chunk{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete chunks: %w", result.Error)
	}
	return nil
}

const hitColumns = "id, source_id, source_type, chunk_index, content, metadata"

func (s *ChunkService) NearestNeighbors(ctx context.Context, vector retrieval.Vector, filters retrieval.Filters, limit int) ([]retrieval.Hit, error) {
	var rows []Chunk
	q := s.db.WithContext(ctx).Model(&Chunk{}).
		Select(hitColumns).
		Where("embedding IS NOT NULL")
	q = applyFilters(q, filters).
		Order(clause.OrderBy{Expression: clause.Expr{
			SQL:                "embedding <=> ?::vector, id",
			Vars:               []interface{}{postgres.Vector(vector)},
			WithoutParentheses: true,
		}}).
		Limit(limit)
	if err := q.Find(&rows).Error; err != nil {
		return nil, retrieval.StoreError("nearest neighbors", err)
	}
	return toHits(rows), nil
}

func (s *ChunkService) LexicalSearch(ctx context.Context, text string, filters retrieval.Filters, limit int) ([]retrieval.Hit, error) {
	var rows []Chunk
	q := s.db.WithContext(ctx).Model(&Chunk{}).
		Select(hitColumns).
		Where("content_tsv @@ websearch_to_tsquery(?::regconfig, ?)", s.tsConfig, text)
	q = applyFilters(q, filters).
		Order(clause.OrderBy{Expression: clause.Expr{
			SQL:                "ts_rank_cd(content_tsv, websearch_to_tsquery(?::regconfig, ?)) DESC, id",
			Vars:               []interface{}{s.tsConfig, text},
			WithoutParentheses: true,
		}}).
		Limit(limit)
	if err := q.Find(&rows).Error; err != nil {
		return nil, retrieval.StoreError("lexical search", err)
	}
	return toHits(rows), nil
}

// Ping checks the connection for the health endpoint.
func (s *ChunkService) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func applyFilters(q *gorm.DB, filters retrieval.Filters) *gorm.DB {
	if len(filters.SourceTypes) > 0 {
		types := make([]string, len(filters.SourceTypes))
		for i, t := range filters.SourceTypes {
			types[i] = string(t)
		}
		q = q.Where("source_type IN ?", types)
	}
	if filters.OwnerID != "" {
		q = q.Where("owner_id = ?", filters.OwnerID)
	}
	return q
}

func fromDomain(c retrieval.Chunk) Chunk {
	return Chunk{
		ID:         c.ID,
		SourceID:   c.SourceID,
		SourceType: string(c.SourceType),
		ChunkIndex: c.ChunkIndex,
		OwnerID:    c.OwnerID,
		Content:    c.Content,
		Embedding:  postgres.Vector(c.Embedding),
		Metadata:   c.Metadata,
		CreatedAt:  c.CreatedAt,
	}
}

func toHits(rows []Chunk) []retrieval.Hit {
	hits := make([]retrieval.Hit, len(rows))
	for i, r := range rows {
		hits[i] = retrieval.Hit{
			ChunkID:    r.ID,
			SourceID:   r.SourceID,
			SourceType: retrieval.SourceType(r.SourceType),
			Content:    r.Content,
			ChunkIndex: r.ChunkIndex,
			Metadata:   r.Metadata,
		}
	}
	return hits
}
