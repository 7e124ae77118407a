package dispute

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dog-best/meta-sub000/internal/apierr"
	"github.com/dog-best/meta-sub000/internal/auth"
	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/orders"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up authenticated routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/dispute", h.Open)
	r.GET("/orders/:id/dispute", h.Get)
}

// RegisterAdminRoutes sets up admin-token routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id/dispute", h.AdminGet)
	r.POST("/orders/:id/dispute/review", h.Review)
	r.POST("/orders/:id/dispute/resolve", h.Resolve)
}

// OpenRequest is the body of the open-dispute endpoint.
type OpenRequest struct {
	orders.VersionRequest
	Reason string `json:"reason" binding:"required"`
}

// Open handles POST /v1/orders/:id/dispute
func (h *Handler) Open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.InvalidRequest(c, "reason is required")
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	expected, err := h.service.machine.ExpectedVersion(ctx, id, req.ExpectedVersion, true)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	res, err := h.service.Open(ctx, auth.UserID(c), id, expected, req.Reason)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Get handles GET /v1/orders/:id/dispute
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), auth.UserID(c), c.Param("id"), false)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AdminGet handles GET /v1/admin/orders/:id/dispute
func (h *Handler) AdminGet(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), "", c.Param("id"), true)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ReviewRequest is the body of the review endpoint.
type ReviewRequest struct {
	Note string `json:"note"`
}

// Review handles POST /v1/admin/orders/:id/dispute/review
func (h *Handler) Review(c *gin.Context) {
	var req ReviewRequest
	if !orders.BindOptional(c, &req) {
		return
	}
	d, err := h.service.MarkUnderReview(c.Request.Context(), c.Param("id"), req.Note)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveRequest is the body of the resolve endpoint.
type ResolveRequest struct {
	Decision domain.Decision `json:"decision" binding:"required"`
	Note     string          `json:"note"`
}

// Resolve handles POST /v1/admin/orders/:id/dispute/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.InvalidRequest(c, "decision is required")
		return
	}
	res, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req.Decision, req.Note)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
