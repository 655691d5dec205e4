package elasticsearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/src/core/retrieval"
)

func TestFilterClauses(t *testing.T) {
	assert.Empty(t, filterClauses(retrieval.Filters{}))

	clauses := filterClauses(retrieval.Filters{
		SourceTypes: []retrieval.SourceType{retrieval.SourceDocument},
		OwnerID:     "u1",
	})
	require.Len(t, clauses, 2)
	raw, err := json.Marshal(clauses)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"terms":{"source_type":["document"]}},{"term":{"owner_id":"u1"}}]`, string(raw))
}

func TestKNNQuery(t *testing.T) {
	q := knnQuery(retrieval.Vector{0.5, 1}, retrieval.Filters{}, 20)
	knn := q["knn"].(map[string]interface{})
	assert.Equal(t, "embedding", knn["field"])
	assert.Equal(t, 20, knn["k"])
	assert.Equal(t, 200, knn["num_candidates"])
	assert.NotContains(t, knn, "filter")

	q = knnQuery(retrieval.Vector{1}, retrieval.Filters{OwnerID: "u1"}, 3)
	knn = q["knn"].(map[string]interface{})
	assert.Equal(t, 100, knn["num_candidates"])
	assert.Contains(t, knn, "filter")
}

func TestSourceGenerationQuery(t *testing.T) {
	key := retrieval.SourceKey{SourceID: "doc-1", SourceType: retrieval.SourceDocument}

	raw, err := json.Marshal(sourceGenerationQuery(key, "42", false))
	require.NoError(t, err)
	assert.JSONEq(t, `{"query":{"bool":{
		"filter":[{"term":{"source_key":"document:doc-1"}}],
		"must_not":[{"term":{"generation":"42"}}]}}}`, string(raw))

	raw, err = json.Marshal(sourceGenerationQuery(key, "42", true))
	require.NoError(t, err)
	assert.JSONEq(t, `{"query":{"bool":{
		"filter":[{"term":{"source_key":"document:doc-1"}},{"term":{"generation":"42"}}]}}}`, string(raw))
}

func TestDecodeHits(t *testing.T) {
	body := `{"hits":{"hits":[
		{"_id":"a","_source":{"chunk_id":"c1","source_id":"doc-1","source_type":"document","chunk_index":2,"content":"hello","metadata":{"title":"T"}}},
		{"_id":"b","_source":{"source_id":"doc-2","source_type":"conversation","content":"bye"}}
	]}}`
	hits, err := decodeHits(strings.NewReader(body))
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, retrieval.Hit{
		ChunkID:    "c1",
		SourceID:   "doc-1",
		SourceType: retrieval.SourceDocument,
		Content:    "hello",
		ChunkIndex: 2,
		Metadata:   retrieval.Metadata{"title": "T"},
	}, hits[0])
	assert.Equal(t, "b", hits[1].ChunkID)

	_, err = decodeHits(strings.NewReader("not json"))
	assert.Error(t, err)
}

// fakeCluster answers the few endpoints the store uses and records request bodies.
type fakeCluster struct {
	paths  []string
	bodies []string
	search string
	status int
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.paths = append(f.paths, r.Method+" "+r.URL.Path)
	f.bodies = append(f.bodies, string(body))
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error":{"type":"boom","reason":"down"}}`))
		return
	}
	switch {
	case strings.HasSuffix(r.URL.Path, "/_search"):
		_, _ = w.Write([]byte(f.search))
	case strings.HasSuffix(r.URL.Path, "/_bulk"):
		_, _ = w.Write([]byte(`{"errors":false,"items":[]}`))
	default:
		_, _ = w.Write([]byte(`{}`))
	}
}

func newFakeStore(t *testing.T, cluster *fakeCluster) *ChunkStore {
	t.Helper()
	srv := httptest.NewServer(cluster)
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return NewChunkStore(client, "", 2)
}

func TestLexicalSearch(t *testing.T) {
	cluster := &fakeCluster{search: `{"hits":{"hits":[{"_id":"x","_source":{"chunk_id":"c9","content":"tax law"}}]}}`}
	store := newFakeStore(t, cluster)

	hits, err := store.LexicalSearch(context.Background(), "tax", retrieval.Filters{OwnerID: "u1"}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c9", hits[0].ChunkID)
	assert.Equal(t, "POST /chunks/_search", cluster.paths[0])
	assert.Contains(t, cluster.bodies[0], `"match"`)
	assert.Contains(t, cluster.bodies[0], `"owner_id":"u1"`)
}

func TestReplaceChunks(t *testing.T) {
	cluster := &fakeCluster{}
	store := newFakeStore(t, cluster)
	key := retrieval.SourceKey{SourceID: "doc-1", SourceType: retrieval.SourceDocument}

	err := store.ReplaceChunks(context.Background(), key, []retrieval.Chunk{
		{ID: "1", SourceID: "doc-1", SourceType: retrieval.SourceDocument, Content: "a", Embedding: retrieval.Vector{1, 0}},
		{ID: "2", SourceID: "doc-1", SourceType: retrieval.SourceDocument, Content: "b", Embedding: retrieval.Vector{0, 1}, ChunkIndex: 1},
	})
	require.NoError(t, err)
	require.Len(t, cluster.paths, 2)
	assert.Equal(t, "POST /chunks/_bulk", cluster.paths[0])
	assert.Equal(t, 4, strings.Count(cluster.bodies[0], "\n"))
	assert.Equal(t, "POST /chunks/_delete_by_query", cluster.paths[1])
	assert.Contains(t, cluster.bodies[1], `"must_not"`)
}

func TestReplaceChunksRejectsWrongDimension(t *testing.T) {
	cluster := &fakeCluster{}
	store := newFakeStore(t, cluster)

	err := store.ReplaceChunks(context.Background(), retrieval.SourceKey{SourceID: "d", SourceType: retrieval.SourceDocument},
		[]retrieval.Chunk{{ID: "1", Embedding: retrieval.Vector{1, 0, 0}}})
	assert.ErrorIs(t, err, retrieval.ErrDimensionMismatch)
	assert.Empty(t, cluster.paths)
}

func TestSearchErrorIsStoreError(t *testing.T) {
	store := newFakeStore(t, &fakeCluster{status: http.StatusInternalServerError})

	_, err := store.NearestNeighbors(context.Background(), retrieval.Vector{1, 0}, retrieval.Filters{}, 5)
	assert.ErrorIs(t, err, retrieval.ErrStore)
}
