package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"hybridrag/src/core/retrieval"
)

type SearchInput struct {
	Query       string   `json:"query" jsonschema:"the search query"`
	TopK        int      `json:"top_k,omitempty" jsonschema:"maximum number of results (default 10, at most 100)"`
	SourceTypes []string `json:"source_types,omitempty" jsonschema:"restrict to document and/or conversation sources"`
	OwnerID     string   `json:"owner_id,omitempty" jsonschema:"restrict to sources of this owner"`
	Context     string   `json:"context,omitempty" jsonschema:"recent conversation used to rewrite the query"`
}

type SearchOutput struct {
	Results []SearchResultOutput `json:"results"`
	Count   int                  `json:"count"`
}

type SearchResultOutput struct {
	ChunkID    string  `json:"chunk_id"`
	SourceID   string  `json:"source_id"`
	SourceType string  `json:"source_type"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	Origin     string  `json:"origin"`
}

type IndexTextInput struct {
	SourceID   string            `json:"source_id" jsonschema:"identifier of the source"`
	SourceType string            `json:"source_type,omitempty" jsonschema:"document (default) or conversation"`
	Text       string            `json:"text" jsonschema:"full text of the source; replaces any previous version"`
	OwnerID    string            `json:"owner_id,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

type IndexTextOutput struct {
	ChunksWritten int `json:"chunks_written"`
}

type ResolveTagInput struct {
	Name string `json:"name" jsonschema:"free text tag candidate"`
}

type ResolveTagOutput struct {
	TagID  string `json:"tag_id"`
	Name   string `json:"name"`
	Merged bool   `json:"merged"`
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "search",
		Description: "Hybrid semantic and keyword search over indexed documents and conversations",
	}, s.handleSearch)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "index_text",
		Description: "Index or re-index the text of a source",
	}, s.handleIndexText)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "resolve_tag",
		Description: "Map a tag candidate to an existing near-duplicate tag or create it",
	}, s.handleResolveTag)
}

func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (*mcp.CallToolResult, SearchOutput, error) {
	types := make([]retrieval.SourceType, 0, len(input.SourceTypes))
	for _, raw := range input.SourceTypes {
		t, err := retrieval.ParseSourceType(raw)
		if err != nil {
			return nil, SearchOutput{}, err
		}
		types = append(types, t)
	}

	results, err := s.service.Search(ctx, input.Query, retrieval.SearchOptions{
		TopK:                input.TopK,
		SourceTypes:         types,
		OwnerID:             input.OwnerID,
		ConversationContext: input.Context,
	})
	if err != nil {
		return nil, SearchOutput{}, err
	}

	output := SearchOutput{
		Results: make([]SearchResultOutput, len(results)),
		Count:   len(results),
	}
	for i, r := range results {
		output.Results[i] = SearchResultOutput{
			ChunkID:    r.ChunkID,
			SourceID:   r.SourceID,
			SourceType: string(r.SourceType),
			ChunkIndex: r.ChunkIndex,
			Content:    r.Content,
			Score:      r.Score,
			Origin:     string(r.Origin),
		}
	}
	return nil, output, nil
}

func (s *Server) handleIndexText(ctx context.Context, _ *mcp.CallToolRequest, input IndexTextInput) (*mcp.CallToolResult, IndexTextOutput, error) {
	sourceType := retrieval.SourceDocument
	if input.SourceType != "" {
		t, err := retrieval.ParseSourceType(input.SourceType)
		if err != nil {
			return nil, IndexTextOutput{}, err
		}
		sourceType = t
	}

	result, err := s.service.Index(ctx, retrieval.IndexRequest{
		SourceID:   input.SourceID,
		SourceType: sourceType,
		Text:       input.Text,
		OwnerID:    input.OwnerID,
		Metadata:   input.Metadata,
	})
	if err != nil {
		return nil, IndexTextOutput{}, fmt.Errorf("indexing %s: %w", input.SourceID, err)
	}
	return nil, IndexTextOutput{ChunksWritten: result.ChunksWritten}, nil
}

func (s *Server) handleResolveTag(ctx context.Context, _ *mcp.CallToolRequest, input ResolveTagInput) (*mcp.CallToolResult, ResolveTagOutput, error) {
	res, err := s.service.ResolveOrCreateTag(ctx, input.Name)
	if err != nil {
		return nil, ResolveTagOutput{}, err
	}
	return nil, ResolveTagOutput{TagID: res.Tag.ID, Name: res.Tag.Name, Merged: res.Merged}, nil
}
