package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"hybridrag/src/core/retrieval"
)

type indexRequest struct {
	Text          string             `json:"text"`
	Turns         []retrieval.Turn   `json:"turns"`
	MergeSameRole bool               `json:"mergeSameRole"`
	OwnerID       string             `json:"ownerId"`
	Metadata      retrieval.Metadata `json:"metadata"`
}

func sourceKey(c *gin.Context) (retrieval.SourceKey, error) {
	t, err := retrieval.ParseSourceType(c.Param("type"))
	if err != nil {
		return retrieval.SourceKey{}, err
	}
	return retrieval.SourceKey{SourceID: c.Param("id"), SourceType: t}, nil
}

// IndexSource handles POST /api/v1/sources/:type/:id/index
func (h *Handler) IndexSource(c *gin.Context) {
	key, err := sourceKey(c)
	if err != nil {
		sendError(c, err)
		return
	}
	var req indexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendBadRequest(c, err)
		return
	}

	result, err := h.service.Index(c.Request.Context(), retrieval.IndexRequest{
		SourceID:      key.SourceID,
		SourceType:    key.SourceType,
		Text:          req.Text,
		Turns:         req.Turns,
		MergeSameRole: req.MergeSameRole,
		OwnerID:       req.OwnerID,
		Metadata:      req.Metadata,
	})
	if err != nil {
		sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, result)
}

// DeleteSource handles DELETE /api/v1/sources/:type/:id
func (h *Handler) DeleteSource(c *gin.Context) {
	key, err := sourceKey(c)
	if err != nil {
		sendError(c, err)
		return
	}
	if err := h.service.DeleteSource(c.Request.Context(), key); err != nil {
		sendError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
