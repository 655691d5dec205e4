package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"hybridrag/src/circuitbreaker"
	"hybridrag/src/core/retrieval"
	"hybridrag/src/infrastructure/job"
)

// RetrievalService is the core surface the handlers expose.
type RetrievalService interface {
	Index(ctx context.Context, req retrieval.IndexRequest) (retrieval.IndexResult, error)
	DeleteSource(ctx context.Context, key retrieval.SourceKey) error
	Search(ctx context.Context, query string, opts retrieval.SearchOptions) ([]retrieval.SearchResult, error)
	ResolveOrCreateTag(ctx context.Context, candidate string) (retrieval.TagResolution, error)
	LinkTag(ctx context.Context, entityID, tagID string, confidence float64) (retrieval.TagLink, error)
	SetLinkStatus(ctx context.Context, entityID, tagID string, status retrieval.LinkStatus) (retrieval.TagLink, error)
	ListTagLinks(ctx context.Context, entityID string) ([]retrieval.TagLink, error)
}

type JobQueue interface {
	EnqueueJob(ctx context.Context, taskType string, payload json.RawMessage) (*job.Job, error)
	GetJob(ctx context.Context, id int) (*job.Job, error)
}

type SourceArchive interface {
	PutSource(ctx context.Context, key retrieval.SourceKey, text string) (string, error)
}

// Pinger is a dependency reported by the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	service  RetrievalService
	jobs     JobQueue
	archive  SourceArchive
	breakers *circuitbreaker.Registry
	checks   map[string]Pinger
}

type Option func(*Handler)

// WithJobs enables the asynchronous indexing endpoints.
func WithJobs(q JobQueue, archive SourceArchive) Option {
	return func(h *Handler) {
		h.jobs = q
		h.archive = archive
	}
}

func WithBreakers(r *circuitbreaker.Registry) Option {
	return func(h *Handler) { h.breakers = r }
}

// WithHealthCheck adds a named dependency to GET /health.
func WithHealthCheck(name string, p Pinger) Option {
	return func(h *Handler) { h.checks[name] = p }
}

func NewHandler(service RetrievalService, opts ...Option) *Handler {
	h := &Handler{service: service, checks: make(map[string]Pinger)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	v1 := r.Group("/api/v1")

	// Source routes
	v1.POST("/sources/:type/:id/index", h.IndexSource)
	v1.DELETE("/sources/:type/:id", h.DeleteSource)

	// Search routes
	v1.POST("/search", h.Search)

	// Tag routes
	v1.POST("/tags/resolve", h.ResolveTag)
	v1.POST("/tags/links", h.LinkTag)
	v1.PUT("/tags/links/:entityId/:tagId", h.SetLinkStatus)
	v1.GET("/tags/links/:entityId", h.ListTagLinks)

	// Job routes
	v1.POST("/jobs/index", h.EnqueueIndex)
	v1.GET("/jobs/:id", h.GetJob)

	// System routes
	v1.GET("/health", h.CheckHealth)
}

// Common error response structure
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func sendError(c *gin.Context, err error) {
	var (
		code   string
		status int
	)
	switch {
	case errors.Is(err, retrieval.ErrInvalidRequest), errors.Is(err, retrieval.ErrInvalidTagName):
		code = "INVALID_REQUEST"
		status = http.StatusBadRequest
	case errors.Is(err, retrieval.ErrNotFound), errors.Is(err, job.ErrJobNotFound):
		code = "NOT_FOUND"
		status = http.StatusNotFound
	case errors.Is(err, retrieval.ErrProviderUnavailable), errors.Is(err, retrieval.ErrSearchFailed):
		code = "UNAVAILABLE"
		status = http.StatusServiceUnavailable
	default:
		code = "INTERNAL_ERROR"
		status = http.StatusInternalServerError
	}

	c.JSON(status, ErrorResponse{
		Code:    code,
		Message: err.Error(),
	})
}

func sendBadRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Code: "INVALID_REQUEST", Message: err.Error()})
}

func sendJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}
