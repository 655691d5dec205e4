// Package mcp exposes search, indexing and tag resolution as Model Context
// Protocol tools.
package mcp

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"hybridrag/src/core/retrieval"
)

const Version = "0.1.0"

// ErrMissingService is returned when no retrieval service is provided.
var ErrMissingService = errors.New("mcp: retrieval service is required")

// RetrievalService is the part of retrieval.Service the tools call.
type RetrievalService interface {
	Index(ctx context.Context, req retrieval.IndexRequest) (retrieval.IndexResult, error)
	Search(ctx context.Context, query string, opts retrieval.SearchOptions) ([]retrieval.SearchResult, error)
	ResolveOrCreateTag(ctx context.Context, candidate string) (retrieval.TagResolution, error)
}

type Server struct {
	service RetrievalService
	server  *mcp.Server
}

func NewServer(service RetrievalService) (*Server, error) {
	if service == nil {
		return nil, ErrMissingService
	}
	s := &Server{
		service: service,
		server:  mcp.NewServer(&mcp.Implementation{Name: "hybridrag", Version: Version}, nil),
	}
	s.registerTools()
	return s, nil
}

// Run serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}
