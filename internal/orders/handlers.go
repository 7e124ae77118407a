package orders

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dog-best/meta-sub000/internal/apierr"
	"github.com/dog-best/meta-sub000/internal/auth"
	"github.com/dog-best/meta-sub000/internal/domain"
)

// VersionRequest is embedded by every state-changing request body.
type VersionRequest struct {
	ExpectedVersion *int64 `json:"expected_version"`
}

// ExpectedVersion returns the caller's expected version. When the body
// omits it and optional is set, the stored version is used; the CAS
// still rejects the write if a concurrent writer wins.
func (m *Machine) ExpectedVersion(ctx context.Context, orderID string, v *int64, optional bool) (int64, error) {
	if v != nil {
		if *v < 0 {
			return 0, domain.ErrInvalidInput.With("expected_version must not be negative")
		}
		return *v, nil
	}
	if !optional {
		return 0, domain.ErrInvalidInput.With("expected_version is required")
	}
	return m.CurrentVersion(ctx, orderID)
}

// BindOptional binds a JSON body into dst, accepting an empty body.
func BindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		apierr.InvalidRequest(c, "Invalid request body")
		return false
	}
	return true
}

// QueryLimit parses ?limit=, defaulting to 0 (store default).
func QueryLimit(c *gin.Context) int {
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// Handler provides HTTP endpoints for listings and orders.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings/:id", h.GetListing)
}

// RegisterProtectedRoutes sets up authenticated routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/listings", h.CreateListing)
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/:id", h.GetOrder)
	r.POST("/orders/:id/cancel", h.CancelOrder)
}

// RegisterAdminRoutes sets up admin-token routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id", h.AdminGetOrder)
	r.POST("/orders/:id/transition", h.AdminTransition)
}

// CreateListing handles POST /v1/listings
func (h *Handler) CreateListing(c *gin.Context) {
	var req CreateListingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.InvalidRequest(c, "Invalid request body")
		return
	}

	listing, err := h.service.CreateListing(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"listing": listing})
}

// GetListing handles GET /v1/listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	listing, err := h.service.GetListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"listing": listing})
}

// createOrderBody tells an absent quantity (one unit) from an explicit
// zero, which the service rejects.
type createOrderBody struct {
	ListingID       string `json:"listing_id" binding:"required"`
	Quantity        *int   `json:"quantity"`
	DeliveryAddress string `json:"delivery_address"`
	BuyerWallet     string `json:"buyer_wallet"`
}

// CreateOrder handles POST /v1/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var body createOrderBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apierr.InvalidRequest(c, "Invalid request body")
		return
	}
	req := CreateRequest{
		ListingID:       body.ListingID,
		Quantity:        1,
		DeliveryAddress: body.DeliveryAddress,
		BuyerWallet:     body.BuyerWallet,
	}
	if body.Quantity != nil {
		req.Quantity = *body.Quantity
	}

	order, err := h.service.Create(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": order})
}

// ListOrders handles GET /v1/orders?role=buyer|seller&status=
func (h *Handler) ListOrders(c *gin.Context) {
	orders, err := h.service.ListMine(c.Request.Context(), auth.UserID(c),
		c.Query("role"), domain.Status(c.Query("status")), QueryLimit(c))
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orders": orders,
		"count":  len(orders),
	})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	order, err := h.service.Get(c.Request.Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// CancelOrder handles POST /v1/orders/:id/cancel
func (h *Handler) CancelOrder(c *gin.Context) {
	var req VersionRequest
	if !BindOptional(c, &req) {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	expected, err := h.service.machine.ExpectedVersion(ctx, id, req.ExpectedVersion, true)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	order, err := h.service.Cancel(ctx, auth.UserID(c), id, expected)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// AdminGetOrder handles GET /v1/admin/orders/:id
func (h *Handler) AdminGetOrder(c *gin.Context) {
	order, err := h.service.Lookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// TransitionRequest is the body of the admin transition endpoint.
type TransitionRequest struct {
	VersionRequest
	To   domain.Status `json:"to" binding:"required"`
	Note string        `json:"note"`
}

// AdminTransition handles POST /v1/admin/orders/:id/transition
func (h *Handler) AdminTransition(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.InvalidRequest(c, "Invalid request body")
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	expected, err := h.service.machine.ExpectedVersion(ctx, id, req.ExpectedVersion, false)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	order, err := h.service.Transition(ctx, id, expected, req.To, req.Note)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}
