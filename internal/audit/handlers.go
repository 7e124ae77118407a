package audit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dog-best/meta-sub000/internal/apierr"
	"github.com/dog-best/meta-sub000/internal/domain"
)

// Handler provides HTTP endpoints for the audit log.
type Handler struct {
	service *Service
}

// NewHandler creates a new audit handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up admin-token routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/audit", h.Query)
}

// Query handles GET /v1/admin/audit
func (h *Handler) Query(c *gin.Context) {
	limit := 0
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	entries, err := h.service.Query(c.Request.Context(), domain.AuditFilter{
		EntityType: c.Query("entity_type"),
		EntityID:   c.Query("entity_id"),
		Action:     c.Query("action"),
		Limit:      limit,
	})
	if err != nil {
		apierr.Write(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}
