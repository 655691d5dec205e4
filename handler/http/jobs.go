package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"hybridrag/src/core/retrieval"
	"hybridrag/src/infrastructure/job"
)

type enqueueIndexRequest struct {
	SourceID   string `json:"sourceId" binding:"required"`
	SourceType string `json:"sourceType" binding:"required"`
	indexRequest
}

func (h *Handler) jobsEnabled(c *gin.Context) bool {
	if h.jobs == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Code:    "UNAVAILABLE",
			Message: "asynchronous jobs are not configured",
		})
		return false
	}
	return true
}

// EnqueueIndex handles POST /api/v1/jobs/index. Text is archived first when a
// source archive is configured so that the queue only carries a reference.
func (h *Handler) EnqueueIndex(c *gin.Context) {
	if !h.jobsEnabled(c) {
		return
	}
	var req enqueueIndexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendBadRequest(c, err)
		return
	}
	sourceType, err := retrieval.ParseSourceType(req.SourceType)
	if err != nil {
		sendError(c, err)
		return
	}

	ctx := c.Request.Context()
	payload := job.IndexSourcePayload{
		SourceID:      req.SourceID,
		SourceType:    string(sourceType),
		OwnerID:       req.OwnerID,
		Text:          req.Text,
		Turns:         req.Turns,
		MergeSameRole: req.MergeSameRole,
		Metadata:      req.Metadata,
	}
	if h.archive != nil && req.Text != "" {
		ref, err := h.archive.PutSource(ctx, retrieval.SourceKey{SourceID: req.SourceID, SourceType: sourceType}, req.Text)
		if err != nil {
			sendError(c, fmt.Errorf("failed to archive source: %w", err))
			return
		}
		payload.Text = ""
		payload.ObjectRef = ref
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		sendError(c, err)
		return
	}
	created, err := h.jobs.EnqueueJob(ctx, job.TaskTypeIndexSource, raw)
	if err != nil {
		sendError(c, err)
		return
	}
	sendJSON(c, http.StatusAccepted, created)
}

// GetJob handles GET /api/v1/jobs/:id
func (h *Handler) GetJob(c *gin.Context) {
	if !h.jobsEnabled(c) {
		return
	}
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		sendBadRequest(c, fmt.Errorf("invalid job id %q", c.Param("id")))
		return
	}
	found, err := h.jobs.GetJob(c.Request.Context(), id)
	if err != nil {
		sendError(c, err)
		return
	}
	sendJSON(c, http.StatusOK, found)
}
