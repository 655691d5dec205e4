package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"hybridrag/src/core/retrieval"
)

type tagResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	UsageCount int       `json:"usageCount"`
	CreatedAt  time.Time `json:"createdAt"`
}

type resolveResponse struct {
	Tag    tagResponse `json:"tag"`
	Merged bool        `json:"merged"`
}

type linkResponse struct {
	EntityID    string     `json:"entityId"`
	TagID       string     `json:"tagId"`
	Confidence  float64    `json:"confidence"`
	Status      string     `json:"status"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func toLinkResponse(l retrieval.TagLink) linkResponse {
	return linkResponse{
		EntityID:    l.EntityID,
		TagID:       l.TagID,
		Confidence:  l.Confidence,
		Status:      string(l.Status),
		ConfirmedAt: l.ConfirmedAt,
		CreatedAt:   l.CreatedAt,
		UpdatedAt:   l.UpdatedAt,
	}
}

// ResolveTag handles POST /api/v1/tags/resolve
func (h *Handler) ResolveTag(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		sendBadRequest(c, err)
		return
	}

	res, err := h.service.ResolveOrCreateTag(c.Request.Context(), req.Name)
	if err != nil {
		sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, resolveResponse{
		Tag: tagResponse{
			ID:         res.Tag.ID,
			Name:       res.Tag.Name,
			UsageCount: res.Tag.UsageCount,
			CreatedAt:  res.Tag.CreatedAt,
		},
		Merged: res.Merged,
	})
}

// LinkTag handles POST /api/v1/tags/links
func (h *Handler) LinkTag(c *gin.Context) {
	var req struct {
		EntityID   string   `json:"entityId" binding:"required"`
		TagID      string   `json:"tagId" binding:"required"`
		Confidence *float64 `json:"confidence" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		sendBadRequest(c, err)
		return
	}

	link, err := h.service.LinkTag(c.Request.Context(), req.EntityID, req.TagID, *req.Confidence)
	if err != nil {
		sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, toLinkResponse(link))
}

// SetLinkStatus handles PUT /api/v1/tags/links/:entityId/:tagId
func (h *Handler) SetLinkStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		sendBadRequest(c, err)
		return
	}
	status, err := retrieval.ParseLinkStatus(req.Status)
	if err != nil {
		sendError(c, err)
		return
	}

	link, err := h.service.SetLinkStatus(c.Request.Context(), c.Param("entityId"), c.Param("tagId"), status)
	if err != nil {
		sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, toLinkResponse(link))
}

// ListTagLinks handles GET /api/v1/tags/links/:entityId
func (h *Handler) ListTagLinks(c *gin.Context) {
	links, err := h.service.ListTagLinks(c.Request.Context(), c.Param("entityId"))
	if err != nil {
		sendError(c, err)
		return
	}
	items := make([]linkResponse, len(links))
	for i, l := range links {
		items[i] = toLinkResponse(l)
	}
	sendJSON(c, http.StatusOK, gin.H{"items": items})
}
