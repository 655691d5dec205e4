package http

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"hybridrag/src/circuitbreaker"
)

type healthStatus struct {
	Status       string                    `json:"status"`
	Dependencies map[string]string         `json:"dependencies"`
	Breakers     []circuitbreaker.Snapshot `json:"breakers"`
}

// CheckHealth handles GET /api/v1/health. It answers 503 when a dependency
// does not respond; open breakers are reported but do not fail the check.
func (h *Handler) CheckHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := healthStatus{
		Status:       "ok",
		Dependencies: make(map[string]string, len(h.checks)),
		Breakers:     []circuitbreaker.Snapshot{},
	}
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.checks[name].Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Dependencies[name] = err.Error()
			continue
		}
		status.Dependencies[name] = "ok"
	}
	if h.breakers != nil {
		status.Breakers = h.breakers.Snapshot()
	}

	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	sendJSON(c, code, status)
}
