package weaviate

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// SDK encapsulates all Weaviate operations
type SDK struct {
	client *weaviate.Client
}

// NewSDK creates a new instance of SDK
func NewSDK(client *weaviate.Client) *SDK {
	return &SDK{
		client: client,
	}
}

// NewClient builds a client for a host such as "localhost:8080".
func NewClient(scheme, host string) (*weaviate.Client, error) {
	client, err := weaviate.NewClient(weaviate.Config{Scheme: scheme, Host: host})
	if err != nil {
		return nil, fmt.Errorf("failed to create weaviate client: %w", err)
	}
	return client, nil
}

// EnsureSchema creates the class unless it already exists. Vectors are always
// supplied by the caller.
func (w *SDK) EnsureSchema(ctx context.Context, className string, properties []*models.Property) error {
	exists, err := w.classExists(ctx, className)
	if err != nil {
		return fmt.Errorf("failed to check if class exists: %w", err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class:      className,
		Properties: properties,
		Vectorizer: "none",
		VectorIndexConfig: map[string]interface{}{
			"distance": "cosine",
		},
	}
	if err := w.client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
		return fmt.Errorf("failed to create Weaviate class: %w", err)
	}
	return nil
}

// classExists checks if a class exists in the schema
func (w *SDK) classExists(ctx context.Context, className string) (bool, error) {
	schema, err := w.client.Schema().Getter().Do(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get schema: %w", err)
	}

	for _, class := range schema.Classes {
		if class.Class == className {
			return true, nil
		}
	}

	return false, nil
}

// DeleteSchema deletes a class schema from Weaviate
func (w *SDK) DeleteSchema(ctx context.Context, className string) error {
	err := w.client.Schema().ClassDeleter().WithClassName(className).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to delete Weaviate class: %w", err)
	}

	return nil
}

// BatchPut writes objects in one batch and fails if any object was rejected.
func (w *SDK) BatchPut(ctx context.Context, objects []*models.Object) error {
	if len(objects) == 0 {
		return nil
	}
	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to batch add objects: %w", err)
	}
	if len(resp) == 0 {
		return fmt.Errorf("batch operation returned no results")
	}
	for _, r := range resp {
		if r.Result != nil && r.Result.Errors != nil && len(r.Result.Errors.Error) > 0 {
			return fmt.Errorf("object %s rejected: %s", r.ID, r.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// DeleteWhere removes every object of the class matching where.
func (w *SDK) DeleteWhere(ctx context.Context, className string, where *filters.WhereBuilder) error {
	_, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(className).
		WithOutput("minimal").
		WithWhere(where).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to batch delete objects: %w", err)
	}
	return nil
}

// QueryResult represents a single result from a Get query
type QueryResult struct {
	ID         string
	Properties map[string]interface{}
}

// Get runs a Get query on the class. Exactly one of nearVector and bm25 is
// expected; where may be nil.
func (w *SDK) Get(ctx context.Context, className string, fields []string, where *filters.WhereBuilder,
	nearVector *graphql.NearVectorArgumentBuilder, bm25 *graphql.BM25ArgumentBuilder, limit int) ([]QueryResult, error) {
	gqlFields := make([]graphql.Field, 0, len(fields)+1)
	for _, f := range fields {
		gqlFields = append(gqlFields, graphql.Field{Name: f})
	}
	gqlFields = append(gqlFields, graphql.Field{Name: "_additional { id }"})

	q := w.client.GraphQL().Get().
		WithClassName(className).
		WithFields(gqlFields...).
		WithLimit(limit)
	if where != nil {
		q = q.WithWhere(where)
	}
	if nearVector != nil {
		q = q.WithNearVector(nearVector)
	}
	if bm25 != nil {
		q = q.WithBM25(bm25)
	}

	result, err := q.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query objects: %w", err)
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("failed to query objects: %s", result.Errors[0].Message)
	}
	return parseGet(result.Data, className), nil
}

// NearVector starts a nearVector argument for Get.
func (w *SDK) NearVector(vector []float32) *graphql.NearVectorArgumentBuilder {
	return w.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
}

// BM25 starts a bm25 argument for Get.
func (w *SDK) BM25(query string, properties ...string) *graphql.BM25ArgumentBuilder {
	return w.client.GraphQL().Bm25ArgBuilder().WithQuery(query).WithProperties(properties...)
}

// Ready reports whether the server answers.
func (w *SDK) Ready(ctx context.Context) error {
	ok, err := w.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("weaviate is not ready")
	}
	return nil
}

func parseGet(data map[string]models.JSONObject, className string) []QueryResult {
	var out []QueryResult
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	objects, ok := get[className].([]interface{})
	if !ok {
		return nil
	}
	for _, obj := range objects {
		objMap, ok := obj.(map[string]interface{})
		if !ok {
			continue
		}
		var id string
		if additional, ok := objMap["_additional"].(map[string]interface{}); ok {
			id, _ = additional["id"].(string)
		}
		properties := make(map[string]interface{}, len(objMap))
		for k, v := range objMap {
			if k != "_additional" {
				properties[k] = v
			}
		}
		out = append(out, QueryResult{ID: id, Properties: properties})
	}
	return out
}
