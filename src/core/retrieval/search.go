package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"hybridrag/src/log"
)

const (
	DefaultTopK      = 10
	MaxTopK          = 100
	DefaultOverFetch = 2
)

// SearchOptions narrows and sizes a hybrid search.
type SearchOptions struct {
	TopK                int
	SourceTypes         []SourceType
	OwnerID             string
	ConversationContext string
}

// SearchEngine runs the vector and keyword legs concurrently and fuses them.
type SearchEngine struct {
	embedder  *EmbeddingClient
	store     ChunkStore
	rewriter  *QueryRewriter
	rrfK      int
	overFetch int
	logger    logr.Logger
}

type SearchOption func(*SearchEngine)

func WithRRFK(k int) SearchOption {
	return func(e *SearchEngine) {
		if k > 0 {
			e.rrfK = k
		}
	}
}

// WithOverFetch sets how many candidates per requested result each leg fetches.
func WithOverFetch(n int) SearchOption {
	return func(e *SearchEngine) {
		if n > 0 {
			e.overFetch = n
		}
	}
}

func WithSearchLogger(l logr.Logger) SearchOption {
	return func(e *SearchEngine) { e.logger = l }
}

// NewSearchEngine builds an engine. rewriter may be nil.
func NewSearchEngine(embedder *EmbeddingClient, store ChunkStore, rewriter *QueryRewriter, opts ...SearchOption) (*SearchEngine, error) {
	if embedder == nil || store == nil {
		return nil, fmt.Errorf("search engine requires an embedding client and a chunk store")
	}
	e := &SearchEngine{
		embedder:  embedder,
		store:     store,
		rewriter:  rewriter,
		rrfK:      DefaultRRFK,
		overFetch: DefaultOverFetch,
		logger:    log.WithName("search"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Search returns up to TopK fused results. A failing leg only empties its
// own list; ErrSearchFailed is returned when both legs fail.
func (e *SearchEngine) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return []SearchResult{}, nil
	}
	for _, st := range opts.SourceTypes {
		if _, err := ParseSourceType(string(st)); err != nil {
			return nil, err
		}
	}

	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	if topK > MaxTopK {
		topK = MaxTopK
	}
	limit := topK * e.overFetch
	filters := Filters{SourceTypes: opts.SourceTypes, OwnerID: opts.OwnerID}

	rewritten := e.rewriter.Rewrite(ctx, query, opts.ConversationContext)
	if rewritten != query {
		e.logger.V(1).Info("rewrote query", "query", query, "rewritten", rewritten)
	}

	var (
		wg                    sync.WaitGroup
		vectorHits, lexHits   []Hit
		vectorErr, lexicalErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		vectorHits, vectorErr = e.vectorLeg(ctx, rewritten, filters, limit)
	}()
	go func() {
		defer wg.Done()
		lexHits, lexicalErr = e.store.LexicalSearch(ctx, rewritten, filters, limit)
		if lexicalErr != nil {
			lexicalErr = fmt.Errorf("keyword search: %w", lexicalErr)
		}
	}()
	wg.Wait()

	// A wrong dimension is a deployment error, not an outage.
	if errors.Is(vectorErr, ErrDimensionMismatch) {
		return nil, vectorErr
	}
	if vectorErr != nil && lexicalErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrSearchFailed, errors.Join(vectorErr, lexicalErr))
	}
	if vectorErr != nil {
		e.logger.Error(vectorErr, "vector leg failed, continuing with keyword results")
		vectorHits = nil
	}
	if lexicalErr != nil {
		e.logger.Error(lexicalErr, "keyword leg failed, continuing with vector results")
		lexHits = nil
	}

	results := Fuse(vectorHits, lexHits, e.rrfK)
	if len(results) > topK {
		results = results[:topK]
	}

	e.logger.V(1).Info("search done",
		"vectorHits", len(vectorHits), "keywordHits", len(lexHits), "results", len(results))
	return results, nil
}

func (e *SearchEngine) vectorLeg(ctx context.Context, query string, filters Filters, limit int) ([]Hit, error) {
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	hits, err := e.store.NearestNeighbors(ctx, vec, filters, limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return hits, nil
}
