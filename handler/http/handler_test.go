package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybridrag/src/circuitbreaker"
	"hybridrag/src/core/retrieval"
	"hybridrag/src/infrastructure/job"
)

type fakeService struct {
	indexed   []retrieval.IndexRequest
	deleted   []retrieval.SourceKey
	searchOpt retrieval.SearchOptions
	results   []retrieval.SearchResult
	err       error
}

func (f *fakeService) Index(_ context.Context, req retrieval.IndexRequest) (retrieval.IndexResult, error) {
	f.indexed = append(f.indexed, req)
	return retrieval.IndexResult{ChunksWritten: 3}, f.err
}

func (f *fakeService) DeleteSource(_ context.Context, key retrieval.SourceKey) error {
	f.deleted = append(f.deleted, key)
	return f.err
}

func (f *fakeService) Search(_ context.Context, _ string, opts retrieval.SearchOptions) ([]retrieval.SearchResult, error) {
	f.searchOpt = opts
	return f.results, f.err
}

func (f *fakeService) ResolveOrCreateTag(_ context.Context, name string) (retrieval.TagResolution, error) {
	if f.err != nil {
		return retrieval.TagResolution{}, f.err
	}
	return retrieval.TagResolution{Tag: retrieval.Tag{ID: "t1", Name: name, UsageCount: 1}}, nil
}

func (f *fakeService) LinkTag(_ context.Context, entityID, tagID string, confidence float64) (retrieval.TagLink, error) {
	if f.err != nil {
		return retrieval.TagLink{}, f.err
	}
	return retrieval.TagLink{EntityID: entityID, TagID: tagID, Confidence: confidence, Status: retrieval.LinkPending}, nil
}

func (f *fakeService) SetLinkStatus(_ context.Context, entityID, tagID string, status retrieval.LinkStatus) (retrieval.TagLink, error) {
	if f.err != nil {
		return retrieval.TagLink{}, f.err
	}
	return retrieval.TagLink{EntityID: entityID, TagID: tagID, Status: status}, nil
}

func (f *fakeService) ListTagLinks(_ context.Context, entityID string) ([]retrieval.TagLink, error) {
	return []retrieval.TagLink{{EntityID: entityID, TagID: "t1", Status: retrieval.LinkConfirmed}}, f.err
}

type fakeQueue struct {
	payloads []json.RawMessage
}

func (q *fakeQueue) EnqueueJob(_ context.Context, taskType string, payload json.RawMessage) (*job.Job, error) {
	q.payloads = append(q.payloads, payload)
	return &job.Job{ID: len(q.payloads), TaskType: taskType, Payload: payload, Status: job.JobStatusPending}, nil
}

func (q *fakeQueue) GetJob(_ context.Context, id int) (*job.Job, error) {
	if id > len(q.payloads) {
		return nil, job.ErrJobNotFound
	}
	return &job.Job{ID: id, Status: job.JobStatusCompleted}, nil
}

type fakeArchive struct{}

func (fakeArchive) PutSource(_ context.Context, key retrieval.SourceKey, _ string) (string, error) {
	return "sources/" + string(key.SourceType) + "/" + key.SourceID + "/r.txt", nil
}

type pingFunc func(ctx context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

func newRouter(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h.RegisterRoutes(r)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestIndexSource(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(NewHandler(svc))

	w := do(t, r, http.MethodPost, "/api/v1/sources/document/doc-1/index", gin.H{
		"text":     "some text",
		"ownerId":  "u1",
		"metadata": gin.H{"title": "T"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"chunksWritten":3}`, w.Body.String())
	require.Len(t, svc.indexed, 1)
	assert.Equal(t, retrieval.IndexRequest{
		SourceID:   "doc-1",
		SourceType: retrieval.SourceDocument,
		Text:       "some text",
		OwnerID:    "u1",
		Metadata:   retrieval.Metadata{"title": "T"},
	}, svc.indexed[0])
}

func TestIndexSourceUnknownType(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(NewHandler(svc))

	w := do(t, r, http.MethodPost, "/api/v1/sources/email/1/index", gin.H{"text": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, svc.indexed)
}

func TestDeleteSource(t *testing.T) {
	svc := &fakeService{}
	r := newRouter(NewHandler(svc))

	w := do(t, r, http.MethodDelete, "/api/v1/sources/conversation/c-1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []retrieval.SourceKey{{SourceID: "c-1", SourceType: retrieval.SourceConversation}}, svc.deleted)
}

func TestSearch(t *testing.T) {
	svc := &fakeService{results: []retrieval.SearchResult{{ChunkID: "c1", Score: 0.03, Origin: retrieval.OriginBoth}}}
	r := newRouter(NewHandler(svc))

	w := do(t, r, http.MethodPost, "/api/v1/search", gin.H{
		"query":       "tax law",
		"topK":        5,
		"sourceTypes": []string{"document"},
		"ownerId":     "u1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp searchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, retrieval.OriginBoth, resp.Results[0].Origin)
	assert.Equal(t, retrieval.SearchOptions{
		TopK:        5,
		SourceTypes: []retrieval.SourceType{retrieval.SourceDocument},
		OwnerID:     "u1",
	}, svc.searchOpt)
}

func TestSearchEmptyResultIsArray(t *testing.T) {
	r := newRouter(NewHandler(&fakeService{}))
	w := do(t, r, http.MethodPost, "/api/v1/search", gin.H{"query": "nothing"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"results":[]}`, w.Body.String())
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: bad", retrieval.ErrInvalidRequest), http.StatusBadRequest},
		{retrieval.ErrInvalidTagName, http.StatusBadRequest},
		{retrieval.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: %w", retrieval.ErrSearchFailed, retrieval.ErrProviderUnavailable), http.StatusServiceUnavailable},
		{retrieval.StoreError("x", errors.New("down")), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		r := newRouter(NewHandler(&fakeService{err: tt.err}))
		w := do(t, r, http.MethodPost, "/api/v1/search", gin.H{"query": "q"})
		assert.Equal(t, tt.code, w.Code, tt.err.Error())
	}
}

func TestTagRoutes(t *testing.T) {
	r := newRouter(NewHandler(&fakeService{}))

	w := do(t, r, http.MethodPost, "/api/v1/tags/resolve", gin.H{"name": "Machine Learning"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"name":"Machine Learning"`)

	w = do(t, r, http.MethodPost, "/api/v1/tags/links", gin.H{"entityId": "e1", "tagId": "t1", "confidence": 0})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"pending"`)

	w = do(t, r, http.MethodPost, "/api/v1/tags/links", gin.H{"entityId": "e1", "tagId": "t1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodPut, "/api/v1/tags/links/e1/t1", gin.H{"status": "confirmed"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"confirmed"`)

	w = do(t, r, http.MethodPut, "/api/v1/tags/links/e1/t1", gin.H{"status": "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, r, http.MethodGet, "/api/v1/tags/links/e1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tagId":"t1"`)
}

func TestEnqueueIndexArchivesText(t *testing.T) {
	queue := &fakeQueue{}
	r := newRouter(NewHandler(&fakeService{}, WithJobs(queue, fakeArchive{})))

	w := do(t, r, http.MethodPost, "/api/v1/jobs/index", gin.H{
		"sourceId":   "doc-9",
		"sourceType": "document",
		"text":       "long text",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, queue.payloads, 1)

	var payload job.IndexSourcePayload
	require.NoError(t, json.Unmarshal(queue.payloads[0], &payload))
	assert.Equal(t, "sources/document/doc-9/r.txt", payload.ObjectRef)
	assert.Empty(t, payload.Text)

	w = do(t, r, http.MethodGet, "/api/v1/jobs/1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, r, http.MethodGet, "/api/v1/jobs/7", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestJobsDisabled(t *testing.T) {
	r := newRouter(NewHandler(&fakeService{}))
	w := do(t, r, http.MethodPost, "/api/v1/jobs/index", gin.H{"sourceId": "d", "sourceType": "document"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCheckHealth(t *testing.T) {
	registry := circuitbreaker.NewRegistry(circuitbreaker.Config{FailureThreshold: 1, Timeout: time.Minute})
	registry.Get("embedding")

	healthy := NewHandler(&fakeService{},
		WithBreakers(registry),
		WithHealthCheck("store", pingFunc(func(context.Context) error { return nil })))
	w := do(t, newRouter(healthy), http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"embedding"`)

	sick := NewHandler(&fakeService{},
		WithHealthCheck("ollama", pingFunc(func(context.Context) error { return errors.New("connection refused") })))
	w = do(t, newRouter(sick), http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}
