package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"hybridrag/src/core/retrieval"
)

type searchRequest struct {
	Query               string   `json:"query" binding:"required"`
	TopK                int      `json:"topK"`
	SourceTypes         []string `json:"sourceTypes"`
	OwnerID             string   `json:"ownerId"`
	ConversationContext string   `json:"conversationContext"`
}

type searchResponse struct {
	Results []retrieval.SearchResult `json:"results"`
}

// Search handles POST /api/v1/search
func (h *Handler) Search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendBadRequest(c, err)
		return
	}

	types := make([]retrieval.SourceType, 0, len(req.SourceTypes))
	for _, s := range req.SourceTypes {
		t, err := retrieval.ParseSourceType(s)
		if err != nil {
			sendError(c, err)
			return
		}
		types = append(types, t)
	}

	results, err := h.service.Search(c.Request.Context(), req.Query, retrieval.SearchOptions{
		TopK:                req.TopK,
		SourceTypes:         types,
		OwnerID:             req.OwnerID,
		ConversationContext: req.ConversationContext,
	})
	if err != nil {
		sendError(c, err)
		return
	}
	if results == nil {
		results = []retrieval.SearchResult{}
	}
	sendJSON(c, http.StatusOK, searchResponse{Results: results})
}
