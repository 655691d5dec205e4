package retrieval

import (
	"context"
)

// EmbeddingProvider maps text to dense vectors.
type EmbeddingProvider interface {
	// Embed returns the embedding of a single text
	Embed(ctx context.Context, text string) (Vector, error)
	// EmbedBatch returns one embedding per input, in input order
	EmbedBatch(ctx context.Context, texts []string) ([]Vector, error)
}

// LanguageModel generates text from a system and user prompt.
type LanguageModel interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ChunkStore persists chunks and answers both legs of a hybrid search.
type ChunkStore interface {
	// ReplaceChunks atomically swaps the whole chunk set of a source
	ReplaceChunks(ctx context.Context, key SourceKey, chunks []Chunk) error
	// DeleteSource removes every chunk of a source
	DeleteSource(ctx context.Context, key SourceKey) error
	// NearestNeighbors returns up to limit hits ordered by ascending cosine distance
	NearestNeighbors(ctx context.Context, vector Vector, filters Filters, limit int) ([]Hit, error)
	// LexicalSearch returns up to limit hits ordered by descending full-text relevance
	LexicalSearch(ctx context.Context, text string, filters Filters, limit int) ([]Hit, error)
}

// TagNeighbor is a tag together with its cosine distance to a query vector.
type TagNeighbor struct {
	Tag      Tag
	Distance float64
}

// TagStore persists tags and tag links.
type TagStore interface {
	// FindTagByName does a case-insensitive exact lookup; ErrNotFound when absent
	FindTagByName(ctx context.Context, name string) (*Tag, error)
	// NearestTag returns the closest tag with an embedding, ties broken by
	// earliest creation; ErrNotFound when no tag has an embedding
	NearestTag(ctx context.Context, vector Vector) (*TagNeighbor, error)
	CreateTag(ctx context.Context, tag *Tag) error
	// IncrementTagUsage adds delta to the usage count and returns the updated tag
	IncrementTagUsage(ctx context.Context, id string, delta int) (*Tag, error)
	// SetTagEmbedding stores the name embedding of a tag created without one
	SetTagEmbedding(ctx context.Context, id string, embedding Vector) error
	// ListTags returns every tag ordered by creation time
	ListTags(ctx context.Context) ([]Tag, error)
	// MergeTags folds from into into: usage added, links re-pointed, from deleted
	MergeTags(ctx context.Context, into, from string) error

	UpsertTagLink(ctx context.Context, link *TagLink) error
	GetTagLink(ctx context.Context, entityID, tagID string) (*TagLink, error)
	UpdateTagLink(ctx context.Context, link *TagLink) error
	ListTagLinks(ctx context.Context, entityID string) ([]TagLink, error)
}
