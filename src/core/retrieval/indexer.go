package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/go-logr/logr"

	"hybridrag/src/log"
)

// IndexRequest describes one source to (re)index. Exactly one of Text and
// Turns should be set; Turns wins when both are.
type IndexRequest struct {
	SourceID      string
	SourceType    SourceType
	Text          string
	Turns         []Turn
	MergeSameRole bool
	OwnerID       string
	Metadata      Metadata
}

func (r IndexRequest) Key() SourceKey {
	return SourceKey{SourceID: r.SourceID, SourceType: r.SourceType}
}

func (r IndexRequest) validate() error {
	if strings.TrimSpace(r.SourceID) == "" {
		return fmt.Errorf("%w: source id is required", ErrInvalidRequest)
	}
	if _, err := ParseSourceType(string(r.SourceType)); err != nil {
		return err
	}
	return r.Metadata.Validate()
}

// IndexResult reports how many chunks replaced the source's previous set.
// Zero with a nil error means the source was too short to index.
type IndexResult struct {
	ChunksWritten int `json:"chunksWritten"`
}

// Indexer turns sources into embedded chunk sets.
type Indexer struct {
	chunker  *Chunker
	embedder *EmbeddingClient
	store    ChunkStore
	ids      *snowflake.Node
	locks    *KeyedMutex
	now      func() time.Time
	logger   logr.Logger
}

type IndexerOption func(*Indexer)

func WithIndexerLogger(l logr.Logger) IndexerOption {
	return func(ix *Indexer) { ix.logger = l }
}

func WithIndexerClock(now func() time.Time) IndexerOption {
	return func(ix *Indexer) { ix.now = now }
}

// WithIDNode sets the snowflake node used for chunk ids. Processes writing to
// the same store should use distinct nodes.
func WithIDNode(node *snowflake.Node) IndexerOption {
	return func(ix *Indexer) { ix.ids = node }
}

func NewIndexer(chunker *Chunker, embedder *EmbeddingClient, store ChunkStore, opts ...IndexerOption) (*Indexer, error) {
	if chunker == nil || embedder == nil || store == nil {
		return nil, fmt.Errorf("indexer requires a chunker, an embedding client and a chunk store")
	}
	ix := &Indexer{
		chunker:  chunker,
		embedder: embedder,
		store:    store,
		locks:    NewKeyedMutex(),
		now:      time.Now,
		logger:   log.WithName("indexer"),
	}
	for _, opt := range opts {
		opt(ix)
	}
	if ix.ids == nil {
		node, err := snowflake.NewNode(1)
		if err != nil {
			return nil, fmt.Errorf("failed to create snowflake node: %w", err)
		}
		ix.ids = node
	}
	return ix, nil
}

// Index chunks, embeds and stores req as a single replace of the source's
// chunk set. Nothing is written unless every chunk was embedded.
func (ix *Indexer) Index(ctx context.Context, req IndexRequest) (IndexResult, error) {
	if err := req.validate(); err != nil {
		return IndexResult{}, err
	}
	key := req.Key()

	var texts []string
	if len(req.Turns) > 0 {
		texts = ix.chunker.SplitTurns(req.Turns, req.MergeSameRole)
	} else {
		texts = ix.chunker.Split(req.Text)
	}
	if len(texts) == 0 {
		ix.logger.V(1).Info("source too short, nothing indexed", "source", key.String())
		return IndexResult{}, nil
	}

	unlock := ix.locks.Lock(key.String())
	defer unlock()

	vectors, err := ix.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return IndexResult{}, fmt.Errorf("failed to embed %s: %w", key, err)
	}

	createdAt := ix.now().UTC()
	chunks := make([]Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = Chunk{
			ID:         ix.ids.Generate().String(),
			SourceID:   req.SourceID,
			SourceType: req.SourceType,
			Content:    text,
			Embedding:  vectors[i],
			ChunkIndex: i,
			OwnerID:    req.OwnerID,
			Metadata:   req.Metadata.Clone(),
			CreatedAt:  createdAt,
		}
	}

	if err := ix.store.ReplaceChunks(ctx, key, chunks); err != nil {
		return IndexResult{}, fmt.Errorf("failed to replace chunks of %s: %w", key, err)
	}

	ix.logger.Info("indexed source", "source", key.String(), "chunks", len(chunks))
	return IndexResult{ChunksWritten: len(chunks)}, nil
}

// Delete removes every chunk of a source.
func (ix *Indexer) Delete(ctx context.Context, key SourceKey) error {
	if strings.TrimSpace(key.SourceID) == "" {
		return fmt.Errorf("%w: source id is required", ErrInvalidRequest)
	}
	if _, err := ParseSourceType(string(key.SourceType)); err != nil {
		return err
	}

	unlock := ix.locks.Lock(key.String())
	defer unlock()

	if err := ix.store.DeleteSource(ctx, key); err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	ix.logger.Info("deleted source", "source", key.String())
	return nil
}
