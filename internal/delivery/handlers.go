package delivery

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dog-best/meta-sub000/internal/apierr"
	"github.com/dog-best/meta-sub000/internal/auth"
	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/orders"
)

// Handler provides HTTP endpoints for delivery proofs.
type Handler struct {
	service *Service
}

// NewHandler creates a new delivery handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up authenticated routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/out-for-delivery", h.OutForDelivery)
	r.POST("/orders/:id/otp", h.GenerateOTP)
	r.POST("/orders/:id/otp/verify", h.VerifyOTP)
	r.POST("/orders/:id/deliverable", h.UploadDeliverable)
	r.GET("/orders/:id/deliverable", h.GetDeliverable)
	r.POST("/orders/:id/deliverable/approve", h.ApproveDeliverable)
	r.POST("/orders/:id/deliver-in-person", h.DeliverInPerson)
}

// OutForDelivery handles POST /v1/orders/:id/out-for-delivery
func (h *Handler) OutForDelivery(c *gin.Context) {
	var req orders.VersionRequest
	if !orders.BindOptional(c, &req) {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	expected, err := h.service.machine.ExpectedVersion(ctx, id, req.ExpectedVersion, false)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	res, err := h.service.MarkOutForDelivery(ctx, auth.UserID(c), id, expected)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GenerateOTP handles POST /v1/orders/:id/otp
func (h *Handler) GenerateOTP(c *gin.Context) {
	res, err := h.service.GenerateOTP(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// VerifyRequest is the body of the OTP verification endpoint.
type VerifyRequest struct {
	OTP string `json:"otp" binding:"required"`
}

// VerifyOTP handles POST /v1/orders/:id/otp/verify
func (h *Handler) VerifyOTP(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.InvalidRequest(c, "otp is required")
		return
	}
	order, err := h.service.VerifyOTP(c.Request.Context(), auth.UserID(c), c.Param("id"), req.OTP)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order, "verified": true})
}

// UploadRequest is the body of the deliverable upload endpoint. The file
// itself lives in external storage; only its reference is recorded.
type UploadRequest struct {
	orders.VersionRequest
	StorageRef string `json:"storage_ref" binding:"required"`
	Note       string `json:"note"`
}

// UploadDeliverable handles POST /v1/orders/:id/deliverable
func (h *Handler) UploadDeliverable(c *gin.Context) {
	var req UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.InvalidRequest(c, "storage_ref is required")
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	expected, err := h.service.machine.ExpectedVersion(ctx, id, req.ExpectedVersion, false)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	order, err := h.service.UploadDeliverable(ctx, auth.UserID(c), id, expected, req.StorageRef, req.Note)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// GetDeliverable handles GET /v1/orders/:id/deliverable
func (h *Handler) GetDeliverable(c *gin.Context) {
	d, err := h.service.Deliverable(c.Request.Context(), auth.UserID(c), c.Param("id"), false)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliverable": d})
}

// ApproveDeliverable handles POST /v1/orders/:id/deliverable/approve
func (h *Handler) ApproveDeliverable(c *gin.Context) {
	h.versioned(c, h.service.ApproveDeliverable)
}

// DeliverInPerson handles POST /v1/orders/:id/deliver-in-person
func (h *Handler) DeliverInPerson(c *gin.Context) {
	h.versioned(c, h.service.ConfirmInPerson)
}

func (h *Handler) versioned(c *gin.Context, op func(ctx context.Context, callerID, orderID string, expected int64) (*domain.Order, error)) {
	var req orders.VersionRequest
	if !orders.BindOptional(c, &req) {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	expected, err := h.service.machine.ExpectedVersion(ctx, id, req.ExpectedVersion, false)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	order, err := op(ctx, auth.UserID(c), id, expected)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}
