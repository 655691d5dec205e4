// Package elasticsearch stores chunks in one Elasticsearch index: a
// dense_vector field answers the vector leg through kNN and the analysed
// content field answers the keyword leg through BM25.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/elastic/go-elasticsearch/v8/esutil"

	"hybridrag/src/core/retrieval"
)

const DefaultIndex = "chunks"

type Config struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

func NewClient(cfg Config) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return client, nil
}

type document struct {
	ChunkID    string            `json:"chunk_id"`
	SourceID   string            `json:"source_id"`
	SourceType string            `json:"source_type"`
	SourceKey  string            `json:"source_key"`
	OwnerID    string            `json:"owner_id"`
	Generation string            `json:"generation"`
	ChunkIndex int               `json:"chunk_index"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Embedding  []float32         `json:"embedding,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ChunkStore is a retrieval.ChunkStore on Elasticsearch. Replace indexes a new
// generation and then deletes older generations of the source by query.
type ChunkStore struct {
	es        *elasticsearch.Client
	index     string
	dimension int
	now       func() time.Time
}

func NewChunkStore(es *elasticsearch.Client, index string, dimension int) *ChunkStore {
	if index == "" {
		index = DefaultIndex
	}
	return &ChunkStore{es: es, index: index, dimension: dimension, now: time.Now}
}

// Migrate creates the index with its mapping unless it exists.
func (s *ChunkStore) Migrate(ctx context.Context) error {
	res, err := s.es.Indices.Exists([]string{s.index}, s.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to check index: %w", err)
	}
	res.Body.Close()
	if res.StatusCode == 200 {
		return nil
	}

	keyword := map[string]string{"type": "keyword"}
	mapping := map[string]interface{}{
		"mappings": map[string]interface{}{
			"properties": map[string]interface{}{
				"chunk_id":    keyword,
				"source_id":   keyword,
				"source_type": keyword,
				"source_key":  keyword,
				"owner_id":    keyword,
				"generation":  keyword,
				"chunk_index": map[string]string{"type": "integer"},
				"content":     map[string]string{"type": "text"},
				"metadata":    map[string]interface{}{"type": "object", "enabled": false},
				"created_at":  map[string]string{"type": "date"},
				"embedding": map[string]interface{}{
					"type":       "dense_vector",
					"dims":       s.dimension,
					"index":      true,
					"similarity": "cosine",
				},
			},
		},
	}
	res, err = s.es.Indices.Create(s.index,
		s.es.Indices.Create.WithBody(esutil.NewJSONReader(mapping)),
		s.es.Indices.Create.WithContext(ctx))
	if err := checkResponse(res, err); err != nil {
		return fmt.Errorf("failed to create index %s: %w", s.index, err)
	}
	return nil
}

func (s *ChunkStore) ReplaceChunks(ctx context.Context, key retrieval.SourceKey, chunks []retrieval.Chunk) error {
	generation := strconv.FormatInt(s.now().UnixNano(), 10)

	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, c := range chunks {
		if err := retrieval.CheckDimension(c.Embedding, s.dimension); err != nil {
			return fmt.Errorf("chunk %d: %w", c.ChunkIndex, err)
		}
		meta := map[string]interface{}{"index": map[string]string{"_id": c.ID}}
		doc := document{
			ChunkID:    c.ID,
			SourceID:   c.SourceID,
			SourceType: string(c.SourceType),
			SourceKey:  key.String(),
			OwnerID:    c.OwnerID,
			Generation: generation,
			ChunkIndex: c.ChunkIndex,
			Content:    c.Content,
			Metadata:   c.Metadata,
			Embedding:  c.Embedding,
			CreatedAt:  c.CreatedAt,
		}
		if err := enc.Encode(meta); err != nil {
			return err
		}
		if err := enc.Encode(doc); err != nil {
			return err
		}
	}

	if body.Len() > 0 {
		if err := s.bulk(ctx, &body); err != nil {
			rollback := s.deleteByQuery(context.WithoutCancel(ctx), sourceGenerationQuery(key, generation, true))
			if rollback != nil {
				err = fmt.Errorf("%w (rollback: %v)", err, rollback)
			}
			return retrieval.StoreError("replace chunks", err)
		}
	}

	if err := s.deleteByQuery(ctx, sourceGenerationQuery(key, generation, false)); err != nil {
		return retrieval.StoreError("drop previous generation", err)
	}
	return nil
}

func (s *ChunkStore) DeleteSource(ctx context.Context, key retrieval.SourceKey) error {
	q := map[string]interface{}{
		"query": map[string]interface{}{"term": map[string]string{"source_key": key.String()}},
	}
	if err := s.deleteByQuery(ctx, q); err != nil {
		return retrieval.StoreError("delete source", err)
	}
	return nil
}

func (s *ChunkStore) NearestNeighbors(ctx context.Context, vector retrieval.Vector, f retrieval.Filters, limit int) ([]retrieval.Hit, error) {
	hits, err := s.search(ctx, knnQuery(vector, f, limit), limit)
	if err != nil {
		return nil, retrieval.StoreError("nearest neighbors", err)
	}
	return hits, nil
}

func (s *ChunkStore) LexicalSearch(ctx context.Context, text string, f retrieval.Filters, limit int) ([]retrieval.Hit, error) {
	hits, err := s.search(ctx, matchQuery(text, f), limit)
	if err != nil {
		return nil, retrieval.StoreError("lexical search", err)
	}
	return hits, nil
}

func (s *ChunkStore) Ping(ctx context.Context) error {
	res, err := s.es.Ping(s.es.Ping.WithContext(ctx))
	return checkResponse(res, err)
}

func (s *ChunkStore) bulk(ctx context.Context, body io.Reader) error {
	res, err := s.es.Bulk(body,
		s.es.Bulk.WithIndex(s.index),
		s.es.Bulk.WithRefresh("true"),
		s.es.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("bulk request failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("bulk request failed: %s", res.String())
	}

	var out struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return fmt.Errorf("failed to decode bulk response: %w", err)
	}
	if !out.Errors {
		return nil
	}
	for _, item := range out.Items {
		for _, result := range item {
			if result.Error != nil {
				return fmt.Errorf("bulk item rejected: %s: %s", result.Error.Type, result.Error.Reason)
			}
		}
	}
	return fmt.Errorf("bulk request reported errors")
}

func (s *ChunkStore) deleteByQuery(ctx context.Context, query map[string]interface{}) error {
	res, err := s.es.DeleteByQuery([]string{s.index}, esutil.NewJSONReader(query),
		s.es.DeleteByQuery.WithRefresh(true),
		s.es.DeleteByQuery.WithConflicts("proceed"),
		s.es.DeleteByQuery.WithContext(ctx))
	return checkResponse(res, err)
}

func (s *ChunkStore) search(ctx context.Context, query map[string]interface{}, limit int) ([]retrieval.Hit, error) {
	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.index),
		s.es.Search.WithBody(esutil.NewJSONReader(query)),
		s.es.Search.WithSize(limit))
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search request failed: %s", res.String())
	}
	return decodeHits(res.Body)
}

func decodeHits(r io.Reader) ([]retrieval.Hit, error) {
	var out struct {
		Hits struct {
			Hits []struct {
				ID     string   `json:"_id"`
				Source document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	hits := make([]retrieval.Hit, len(out.Hits.Hits))
	for i, h := range out.Hits.Hits {
		id := h.Source.ChunkID
		if id == "" {
			id = h.ID
		}
		hits[i] = retrieval.Hit{
			ChunkID:    id,
			SourceID:   h.Source.SourceID,
			SourceType: retrieval.SourceType(h.Source.SourceType),
			Content:    h.Source.Content,
			ChunkIndex: h.Source.ChunkIndex,
			Metadata:   h.Source.Metadata,
		}
	}
	return hits, nil
}

func checkResponse(res *esapi.Response, err error) error {
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("elasticsearch: %s", res.String())
	}
	return nil
}

func filterClauses(f retrieval.Filters) []interface{} {
	clauses := []interface{}{}
	if len(f.SourceTypes) > 0 {
		types := make([]string, len(f.SourceTypes))
		for i, t := range f.SourceTypes {
			types[i] = string(t)
		}
		clauses = append(clauses, map[string]interface{}{"terms": map[string]interface{}{"source_type": types}})
	}
	if f.OwnerID != "" {
		clauses = append(clauses, map[string]interface{}{"term": map[string]string{"owner_id": f.OwnerID}})
	}
	return clauses
}

var noEmbedding = map[string]interface{}{"excludes": []string{"embedding"}}

func knnQuery(vector retrieval.Vector, f retrieval.Filters, limit int) map[string]interface{} {
	candidates := limit * 10
	if candidates < 100 {
		candidates = 100
	}
	if candidates > 10000 {
		candidates = 10000
	}
	knn := map[string]interface{}{
		"field":          "embedding",
		"query_vector":   []float32(vector),
		"k":              limit,
		"num_candidates": candidates,
	}
	if clauses := filterClauses(f); len(clauses) > 0 {
		knn["filter"] = clauses
	}
	return map[string]interface{}{"knn": knn, "_source": noEmbedding}
}

func matchQuery(text string, f retrieval.Filters) map[string]interface{} {
	return map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must":   map[string]interface{}{"match": map[string]interface{}{"content": map[string]string{"query": text}}},
				"filter": filterClauses(f),
			},
		},
		"_source": noEmbedding,
	}
}

// sourceGenerationQuery matches the chunks of key that belong (same=true) or
// do not belong (same=false) to generation.
func sourceGenerationQuery(key retrieval.SourceKey, generation string, same bool) map[string]interface{} {
	sourceTerm := map[string]interface{}{"term": map[string]string{"source_key": key.String()}}
	genTerm := map[string]interface{}{"term": map[string]string{"generation": generation}}
	boolQuery := map[string]interface{}{"filter": []interface{}{sourceTerm}}
	if same {
		boolQuery["filter"] = []interface{}{sourceTerm, genTerm}
	} else {
		boolQuery["must_not"] = []interface{}{genTerm}
	}
	return map[string]interface{}{"query": map[string]interface{}{"bool": boolQuery}}
}
