package cryptoescrow

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dog-best/meta-sub000/internal/apierr"
	"github.com/dog-best/meta-sub000/internal/auth"
	"github.com/dog-best/meta-sub000/internal/domain"
	"github.com/dog-best/meta-sub000/internal/orders"
)

// Handler provides HTTP endpoints for the USDC rail.
type Handler struct {
	bridge *Bridge
}

// NewHandler creates a new crypto escrow handler.
func NewHandler(bridge *Bridge) *Handler {
	return &Handler{bridge: bridge}
}

// RegisterProtectedRoutes sets up authenticated routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/crypto/deposit-intent", h.DepositIntent)
	r.GET("/orders/:id/crypto", h.Get)
}

// RegisterAdminRoutes sets up admin-token routes. The intent report
// endpoint is also what the chain indexer calls.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:id/crypto", h.AdminGet)
	r.POST("/orders/:id/crypto/refund", h.Refund)
	r.POST("/orders/:id/crypto/release", h.Release)
	r.POST("/orders/:id/crypto/intents/:type", h.Report)
}

// DepositIntentRequest is the body of the deposit-intent endpoint.
type DepositIntentRequest struct {
	Chain string `json:"chain" binding:"required"`
}

// DepositIntent handles POST /v1/orders/:id/crypto/deposit-intent
func (h *Handler) DepositIntent(c *gin.Context) {
	var req DepositIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.InvalidRequest(c, "chain is required")
		return
	}
	params, err := h.bridge.DepositIntent(c.Request.Context(), auth.UserID(c), c.Param("id"), req.Chain)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, params)
}

// Get handles GET /v1/orders/:id/crypto
func (h *Handler) Get(c *gin.Context) {
	v, err := h.bridge.Get(c.Request.Context(), auth.UserID(c), c.Param("id"), false)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// AdminGet handles GET /v1/admin/orders/:id/crypto
func (h *Handler) AdminGet(c *gin.Context) {
	v, err := h.bridge.Get(c.Request.Context(), "", c.Param("id"), true)
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// SettleRequest is the body of the admin refund/release endpoints.
type SettleRequest struct {
	Reason string `json:"reason"`
}

// Refund handles POST /v1/admin/orders/:id/crypto/refund
func (h *Handler) Refund(c *gin.Context) {
	var req SettleRequest
	if !orders.BindOptional(c, &req) {
		return
	}
	in, err := h.bridge.RequestRefund(c.Request.Context(), c.Param("id"), req.Reason)
	h.writeIntent(c, in, err)
}

// Release handles POST /v1/admin/orders/:id/crypto/release
func (h *Handler) Release(c *gin.Context) {
	var req SettleRequest
	if !orders.BindOptional(c, &req) {
		return
	}
	in, err := h.bridge.RequestRelease(c.Request.Context(), c.Param("id"), req.Reason)
	h.writeIntent(c, in, err)
}

// A signer failure is recorded on the intent, so the intent is returned
// alongside the error.
func (h *Handler) writeIntent(c *gin.Context, in *domain.CryptoIntent, err error) {
	if err != nil {
		if in != nil {
			de := domain.AsError(err)
			c.JSON(de.Kind.HTTPStatus(), gin.H{
				"error":   de.Code,
				"message": de.Message,
				"intent":  in,
			})
			return
		}
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"intent": in})
}

// ReportRequest is the body of the intent report endpoint.
type ReportRequest struct {
	Status        domain.IntentStatus `json:"status" binding:"required"`
	TxHash        string              `json:"tx_hash"`
	FailureReason string              `json:"failure_reason"`
}

// Report handles POST /v1/admin/orders/:id/crypto/intents/:type
func (h *Handler) Report(c *gin.Context) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierr.InvalidRequest(c, "status is required")
		return
	}
	res, err := h.bridge.ReportIntent(c.Request.Context(), c.Param("id"), Report{
		Type:          domain.IntentType(strings.ToUpper(c.Param("type"))),
		Status:        domain.IntentStatus(strings.ToUpper(string(req.Status))),
		TxHash:        req.TxHash,
		FailureReason: req.FailureReason,
	})
	if err != nil {
		apierr.Write(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
