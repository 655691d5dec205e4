package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/src/core/retrieval"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{URL: srv.URL + "/api", EmbeddingModel: "nomic-embed-text", ChatModel: "llama3"}, srv.Client())
	require.NoError(t, err)
	return c
}

func TestEmbedBatch(t *testing.T) {
	var got map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"nomic-embed-text","embeddings":[[1,0],[0,1]]}`))
	})

	vectors, err := c.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, []retrieval.Vector{{1, 0}, {0, 1}}, vectors)
	assert.Equal(t, "nomic-embed-text", got["model"])
	assert.Equal(t, []interface{}{"a", "b"}, got["input"])
}

func TestEmbedBatchCountMismatch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[[1,0]]}`))
	})

	_, err := c.EmbedBatch(context.Background(), []string{"a", "b"})
	assert.Error(t, err)
}

func TestGenerate(t *testing.T) {
	var got map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"model":"llama3","response":"tax law 2023","done":true}` + "\n"))
	})

	out, err := c.Generate(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, "tax law 2023", out)
	assert.Equal(t, false, got["stream"])
	assert.Equal(t, "system", got["system"])
}

func TestGenerateServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"model not loaded"}`))
	})

	_, err := c.Generate(context.Background(), "s", "u")
	assert.Error(t, err)
}
