package weaviate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate/entities/models"

	"hybridrag/src/core/retrieval"
)

const DefaultChunkClass = "Chunk"

// chunkNamespace seeds the name based UUIDs of chunk objects.
var chunkNamespace = uuid.MustParse("6f1c3a52-3f7e-4f7c-9b1e-5d2d7c0e8a41")

var chunkFields = []string{"chunkId", "sourceId", "sourceType", "chunkIndex", "content", "metadata"}

// ChunkStore is a retrieval.ChunkStore on one Weaviate class. Every replace
// writes a new generation of objects and then drops the older generations,
// so a failed replace leaves the previous set in place.
type ChunkStore struct {
	sdk       *SDK
	className string
	dimension int
	now       func() time.Time
}

func NewChunkStore(sdk *SDK, className string, dimension int) *ChunkStore {
	if className == "" {
		className = DefaultChunkClass
	}
	return &ChunkStore{sdk: sdk, className: className, dimension: dimension, now: time.Now}
}

func (s *ChunkStore) Migrate(ctx context.Context) error {
	field := func(name, dataType, description string) *models.Property {
		return &models.Property{
			Name:         name,
			DataType:     []string{dataType},
			Description:  description,
			Tokenization: "field",
		}
	}
	properties := []*models.Property{
		{
			Name:        "content",
			DataType:    []string{"text"},
			Description: "The content of the chunk",
		},
		field("chunkId", "text", "Identifier of the chunk"),
		field("sourceId", "text", "ID of the source"),
		field("sourceType", "text", "document or conversation"),
		field("sourceKey", "text", "Source type and id"),
		field("ownerId", "text", "Owner of the source"),
		field("generation", "text", "Replace generation of the source"),
		{
			Name:        "chunkIndex",
			DataType:    []string{"int"},
			Description: "Order of the chunk within the source",
		},
		{
			Name:        "metadata",
			DataType:    []string{"text"},
			Description: "JSON encoded metadata",
		},
	}
	return s.sdk.EnsureSchema(ctx, s.className, properties)
}

func textEquals(path, value string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{path}).
		WithOperator(filters.Equal).
		WithValueText(value)
}

func (s *ChunkStore) ReplaceChunks(ctx context.Context, key retrieval.SourceKey, chunks []retrieval.Chunk) error {
	generation := strconv.FormatInt(s.now().UnixNano(), 10)

	objects := make([]*models.Object, len(chunks))
	for i, c := range chunks {
		if err := retrieval.CheckDimension(c.Embedding, s.dimension); err != nil {
			return fmt.Errorf("chunk %d: %w", c.ChunkIndex, err)
		}
		metadata, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		id := uuid.NewSHA1(chunkNamespace, []byte(key.String()+"/"+generation+"/"+strconv.Itoa(c.ChunkIndex)))
		objects[i] = &models.Object{
			Class: s.className,
			ID:    strfmt.UUID(id.String()),
			Properties: map[string]interface{}{
				"chunkId":    c.ID,
				"sourceId":   c.SourceID,
				"sourceType": string(c.SourceType),
				"sourceKey":  key.String(),
				"ownerId":    c.OwnerID,
				"generation": generation,
				"chunkIndex": c.ChunkIndex,
				"content":    c.Content,
				"metadata":   string(metadata),
			},
			Vector: models.C11yVector(c.Embedding),
		}
	}

	if err := s.sdk.BatchPut(ctx, objects); err != nil {
		rollback := filters.Where().WithOperator(filters.And).WithOperands([]*filters.WhereBuilder{
			textEquals("sourceKey", key.String()),
			textEquals("generation", generation),
		})
		if rbErr := s.sdk.DeleteWhere(context.WithoutCancel(ctx), s.className, rollback); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return retrieval.StoreError("replace chunks", err)
	}

	older := filters.Where().WithOperator(filters.And).WithOperands([]*filters.WhereBuilder{
		textEquals("sourceKey", key.String()),
		filters.Where().WithPath([]string{"generation"}).WithOperator(filters.NotEqual).WithValueText(generation),
	})
	if err := s.sdk.DeleteWhere(ctx, s.className, older); err != nil {
		return retrieval.StoreError("drop previous generation", err)
	}
	return nil
}

func (s *ChunkStore) DeleteSource(ctx context.Context, key retrieval.SourceKey) error {
	if err := s.sdk.DeleteWhere(ctx, s.className, textEquals("sourceKey", key.String())); err != nil {
		return retrieval.StoreError("delete source", err)
	}
	return nil
}

func (s *ChunkStore) NearestNeighbors(ctx context.Context, vector retrieval.Vector, f retrieval.Filters, limit int) ([]retrieval.Hit, error) {
	results, err := s.sdk.Get(ctx, s.className, chunkFields, whereFilters(f), s.sdk.NearVector(vector), nil, limit)
	if err != nil {
		return nil, retrieval.StoreError("nearest neighbors", err)
	}
	return toHits(results), nil
}

func (s *ChunkStore) LexicalSearch(ctx context.Context, text string, f retrieval.Filters, limit int) ([]retrieval.Hit, error) {
	results, err := s.sdk.Get(ctx, s.className, chunkFields, whereFilters(f), nil, s.sdk.BM25(text, "content"), limit)
	if err != nil {
		return nil, retrieval.StoreError("lexical search", err)
	}
	return toHits(results), nil
}

func (s *ChunkStore) Ping(ctx context.Context) error {
	return s.sdk.Ready(ctx)
}

// whereFilters returns nil when f does not restrict anything.
func whereFilters(f retrieval.Filters) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder
	if len(f.SourceTypes) > 0 {
		types := make([]*filters.WhereBuilder, len(f.SourceTypes))
		for i, t := range f.SourceTypes {
			types[i] = textEquals("sourceType", string(t))
		}
		if len(types) == 1 {
			operands = append(operands, types[0])
		} else {
			operands = append(operands, filters.Where().WithOperator(filters.Or).WithOperands(types))
		}
	}
	if f.OwnerID != "" {
		operands = append(operands, textEquals("ownerId", f.OwnerID))
	}
	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().WithOperator(filters.And).WithOperands(operands)
	}
}

func toHits(results []QueryResult) []retrieval.Hit {
	hits := make([]retrieval.Hit, 0, len(results))
	for _, r := range results {
		p := r.Properties
		h := retrieval.Hit{
			ChunkID:    stringProp(p, "chunkId"),
			SourceID:   stringProp(p, "sourceId"),
			SourceType: retrieval.SourceType(stringProp(p, "sourceType")),
			Content:    stringProp(p, "content"),
		}
		if h.ChunkID == "" {
			h.ChunkID = r.ID
		}
		if n, ok := p["chunkIndex"].(float64); ok {
			h.ChunkIndex = int(n)
		}
		if raw := stringProp(p, "metadata"); raw != "" && raw != "null" {
			var md retrieval.Metadata
			if err := json.Unmarshal([]byte(raw), &md); err == nil {
				h.Metadata = md
			}
		}
		hits = append(hits, h)
	}
	return hits
}

func stringProp(p map[string]interface{}, name string) string {
	s, _ := p[name].(string)
	return s
}
