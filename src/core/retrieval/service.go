package retrieval

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Service is the produced interface of the retrieval core: indexing, hybrid
// search and tag resolution over explicitly injected dependencies.
type Service struct {
	indexer *Indexer
	search  *SearchEngine
	tags    *TagMatcher
}

func NewService(indexer *Indexer, search *SearchEngine, tags *TagMatcher) (*Service, error) {
	if indexer == nil || search == nil || tags == nil {
		return nil, fmt.Errorf("service requires an indexer, a search engine and a tag matcher")
	}
	return &Service{indexer: indexer, search: search, tags: tags}, nil
}

// Dependencies groups what NewServiceFromDeps wires together.
type Dependencies struct {
	Embedder  *EmbeddingClient
	Model     LanguageModel
	Rewriter  *QueryRewriter
	Chunks    ChunkStore
	Tags      TagStore
	Chunking  ChunkPolicy
	TagPolicy TagPolicy
	RRFK      int
	OverFetch int
	// IDNode generates chunk and tag ids; nil uses the package defaults
	IDNode *snowflake.Node
}

// NewServiceFromDeps builds every component of the core from deps.
func NewServiceFromDeps(deps Dependencies) (*Service, error) {
	var (
		indexerOpts []IndexerOption
		tagOpts     []TagMatcherOption
	)
	if deps.IDNode != nil {
		indexerOpts = append(indexerOpts, WithIDNode(deps.IDNode))
		tagOpts = append(tagOpts, WithTagIDNode(deps.IDNode))
	}
	indexer, err := NewIndexer(NewChunker(deps.Chunking), deps.Embedder, deps.Chunks, indexerOpts...)
	if err != nil {
		return nil, err
	}
	rewriter := deps.Rewriter
	if rewriter == nil && deps.Model != nil {
		rewriter = NewQueryRewriter(deps.Model, nil)
	}
	engine, err := NewSearchEngine(deps.Embedder, deps.Chunks, rewriter,
		WithRRFK(deps.RRFK), WithOverFetch(deps.OverFetch))
	if err != nil {
		return nil, err
	}
	matcher, err := NewTagMatcher(deps.Embedder, deps.Tags, deps.TagPolicy, tagOpts...)
	if err != nil {
		return nil, err
	}
	return NewService(indexer, engine, matcher)
}

func (s *Service) Index(ctx context.Context, req IndexRequest) (IndexResult, error) {
	return s.indexer.Index(ctx, req)
}

func (s *Service) DeleteSource(ctx context.Context, key SourceKey) error {
	return s.indexer.Delete(ctx, key)
}

func (s *Service) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	return s.search.Search(ctx, query, opts)
}

func (s *Service) ResolveOrCreateTag(ctx context.Context, candidate string) (TagResolution, error) {
	return s.tags.ResolveOrCreate(ctx, candidate)
}

func (s *Service) LinkTag(ctx context.Context, entityID, tagID string, confidence float64) (TagLink, error) {
	return s.tags.Link(ctx, entityID, tagID, confidence)
}

func (s *Service) SetLinkStatus(ctx context.Context, entityID, tagID string, status LinkStatus) (TagLink, error) {
	return s.tags.SetLinkStatus(ctx, entityID, tagID, status)
}

func (s *Service) ListTagLinks(ctx context.Context, entityID string) ([]TagLink, error) {
	return s.tags.ListLinks(ctx, entityID)
}

func (s *Service) RemergeTags(ctx context.Context) (int, error) {
	return s.tags.Remerge(ctx)
}
