package escrow

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mversen/custodia/internal/gateway"
	"github.com/mversen/custodia/internal/money"
	"github.com/mversen/custodia/internal/pagination"
	"github.com/mversen/custodia/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/history", h.GetHistory)
	r.GET("/parties/:id/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up mutating escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateHold)
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/refund", h.Refund)
	r.POST("/escrows/:id/cancel", h.Cancel)
}

// CreateHold handles POST /v1/escrows
func (h *Handler) CreateHold(c *gin.Context) {
	var req HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	if errs := validation.Validate(
		validation.Required("contractId", req.ContractID),
		validation.Required("payerId", req.PayerID),
		validation.Required("payeeId", req.PayeeID),
		validation.ValidAmount("amount", req.Amount),
		validation.ValidRate("commissionRate", req.CommissionRate),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	rec, err := h.service.Hold(c.Request.Context(), req)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": rec})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// GetHistory handles GET /v1/escrows/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	entries, err := h.service.History(c.Request.Context(), c.Param("id"), validation.QueryLimit(c, 200, 1000))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

// ListEscrows handles GET /v1/parties/:id/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		badRequest(c, "Invalid cursor")
		return
	}
	limit := validation.QueryLimit(c, 50, 200)

	// Fetch one extra row to detect whether another page exists
	records, err := h.service.ListByParty(c.Request.Context(), c.Param("id"), cursor, limit+1)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	records, next, hasMore := pagination.ComputePage(records, limit, func(r *Record) (time.Time, string) {
		return r.CreatedAt, r.ID
	})
	if records == nil {
		records = []*Record{}
	}

	resp := gin.H{"escrows": records, "hasMore": hasMore}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// requirePayerActor gates mutating calls on the caller's identity: a
// mediator acts on role alone, anyone else must present the record's payer
// ID in X-Actor-Id. Payer ID is immutable, so checking against a fresh read
// here cannot race the settlement itself.
func (h *Handler) requirePayerActor(c *gin.Context) bool {
	if c.GetHeader("X-Actor-Role") == ReleasedByMediator {
		return true
	}
	rec, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeEscrowError(c, err)
		return false
	}
	if c.GetHeader("X-Actor-Id") != rec.PayerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only the escrow's payer or a mediator may perform this operation",
		})
		return false
	}
	return true
}

// Release handles POST /v1/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	role := c.GetHeader("X-Actor-Role")
	if role != ReleasedByPayer && role != ReleasedByMediator {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only the payer or a mediator may release an escrow",
		})
		return
	}
	if !h.requirePayerActor(c) {
		return
	}

	rec, err := h.service.Release(c.Request.Context(), c.Param("id"), role)
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

type refundRequest struct {
	Amount string `json:"amount"` // empty = full refund
	Reason string `json:"reason" binding:"required"`
}

// Refund handles POST /v1/escrows/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: reason is required")
		return
	}

	var amountCents int64
	if req.Amount != "" {
		parsed, ok := money.Parse(req.Amount)
		if !ok || parsed <= 0 {
			validationFailed(c, validation.Validate(validation.ValidAmount("amount", req.Amount)))
			return
		}
		amountCents = parsed
	}
	if !h.requirePayerActor(c) {
		return
	}

	rec, err := h.service.Refund(c.Request.Context(), c.Param("id"), amountCents,
		req.Reason, c.GetHeader("X-Actor-Id"), c.GetHeader("X-Actor-Role"))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

// Cancel handles POST /v1/escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	if !h.requirePayerActor(c) {
		return
	}
	rec, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetHeader("X-Actor-Id"))
	if err != nil {
		writeEscrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": msg,
	})
}

func validationFailed(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "validation_error",
		"message": errs.Error(),
		"details": errs,
	})
}

// writeEscrowError maps service errors onto the HTTP error envelope.
func writeEscrowError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Escrow not found"})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, money.ErrInvalidAmount), errors.Is(err, money.ErrInvalidRate):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrAuthorizationFailed):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "authorization_failed", "message": err.Error()})
	case errors.Is(err, ErrDisputeBlocksRelease), errors.Is(err, ErrDisputeAlreadyOpen), errors.Is(err, ErrNotDisputable):
		c.JSON(http.StatusConflict, gin.H{"error": "dispute_conflict", "message": err.Error()})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent_modification", "message": "Record changed, retry with fresh state", "retryable": true})
	case errors.Is(err, ErrSettlementPending):
		c.JSON(http.StatusAccepted, gin.H{"error": "settlement_pending", "message": err.Error(), "retryable": true})
	case errors.Is(err, gateway.ErrRejected):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "gateway_rejected", "message": err.Error()})
	case gateway.IsTransient(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "gateway_unavailable", "message": err.Error(), "retryable": true})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
