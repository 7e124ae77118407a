package ledger

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dog-best/meta-sub000/internal/apierr"
	"github.com/dog-best/meta-sub000/internal/auth"
	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/orders"
)

// Handler provides HTTP endpoints for the NGN wallet rail.
type Handler struct {
	service *Service
	machine *orders.Machine
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service, machine: service.machine}
}

// RegisterProtectedRoutes sets up authenticated routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/transactions", h.GetHistory)
	r.POST("/orders/:id/lock", h.Lock)
	r.POST("/orders/:id/release", h.Release)
}

// RegisterAdminRoutes sets up admin-token routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/wallets/:user/fund", h.Fund)
	r.GET("/wallets/:user", h.AdminGetWallet)
	r.POST("/orders/:id/refund", h.Refund)
	r.GET("/orders/:id/reconcile", h.Reconcile)
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.service.Balance(c.Request.Context(), auth.UserID(c))
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// GetHistory handles GET /v1/wallet/transactions
func (h *Handler) GetHistory(c *gin.Context) {
	txs, err := h.service.History(c.Request.Context(), auth.UserID(c), orders.QueryLimit(c))
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

// Lock handles POST /v1/orders/:id/lock
func (h *Handler) Lock(c *gin.Context) {
	var req orders.VersionRequest
	if !orders.BindOptional(c, &req) {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	expected, err := h.machine.ExpectedVersion(ctx, id, req.ExpectedVersion, false)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	res, err := h.service.Lock(ctx, auth.UserID(c), id, expected)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Release handles POST /v1/orders/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req orders.VersionRequest
	if !orders.BindOptional(c, &req) {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	expected, err := h.machine.ExpectedVersion(ctx, id, req.ExpectedVersion, true)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	order, err := h.service.Release(ctx, auth.UserID(c), id, expected)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// FundRequest is the body of the admin funding endpoint.
type FundRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// Fund handles POST /v1/admin/wallets/:user/fund
func (h *Handler) Fund(c *gin.Context) {
	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.InvalidRequest(c, "Invalid request body")
		return
	}
	w, err := h.service.Fund(c.Request.Context(), c.Param("user"), req.Amount, req.Reference)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// AdminGetWallet handles GET /v1/admin/wallets/:user
func (h *Handler) AdminGetWallet(c *gin.Context) {
	w, err := h.service.Balance(c.Request.Context(), c.Param("user"))
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// RefundRequest is the body of the admin refund endpoint.
type RefundRequest struct {
	orders.VersionRequest
	Reason string `json:"reason"`
}

// Refund handles POST /v1/admin/orders/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if !orders.BindOptional(c, &req) {
		return
	}
	ctx := c.Request.Context()
	id := c.Param("id")

	expected, err := h.machine.ExpectedVersion(ctx, id, req.ExpectedVersion, true)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	order, err := h.service.Refund(ctx, id, expected, domain.PartyAdmin, req.Reason)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// Reconcile handles GET /v1/admin/orders/:id/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	rec, err := h.service.Reconcile(c.Request.Context(), c.Param("id"))
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": rec})
}
