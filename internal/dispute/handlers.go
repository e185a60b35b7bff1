package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mversen/custodia/internal/escrow"
	"github.com/mversen/custodia/internal/history"
	"github.com/mversen/custodia/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/disputes/:id/history", h.GetHistory)
	r.GET("/disputes/:id/proposals", h.ListProposals)
	r.GET("/escrows/:id/disputes", h.ListByEscrow)
}

// RegisterProtectedRoutes sets up mutating dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.POST("/disputes/:id/comments", h.AddComment)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.POST("/disputes/:id/mediator", h.AssignMediator)
	r.POST("/disputes/:id/proposals", h.Propose)
	r.POST("/disputes/:id/proposals/:proposalId/respond", h.Respond)
	r.POST("/disputes/:id/resolve", h.ForceResolution)
	r.POST("/disputes/:id/abandon", h.Abandon)
	r.POST("/disputes/:id/escalate", h.EscalateLegal)
}

// OpenDispute handles POST /v1/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if req.DeclarantID == "" {
		req.DeclarantID = c.GetHeader("X-Actor-Id")
	}
	if req.DeclarantRole == "" {
		req.DeclarantRole = c.GetHeader("X-Actor-Role")
	}

	if errs := validation.Validate(
		validation.Required("escrowId", req.EscrowID),
		validation.Required("declarantId", req.DeclarantID),
		validation.Required("claimType", req.ClaimType),
		validation.ValidRole("declarantRole", req.DeclarantRole, history.RolePayer, history.RolePayee),
		validation.ValidAmount("disputedAmount", req.DisputedAmount),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	kase, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": kase})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	kase, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": kase})
}

// GetHistory handles GET /v1/disputes/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	entries, err := h.service.History(c.Request.Context(), c.Param("id"), validation.QueryLimit(c, 200, 1000))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

// ListByEscrow handles GET /v1/escrows/:id/disputes
func (h *Handler) ListByEscrow(c *gin.Context) {
	cases, err := h.service.ListByEscrow(c.Request.Context(), c.Param("id"), validation.QueryLimit(c, 50, 200))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	if cases == nil {
		cases = []*Case{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": cases})
}

type commentRequest struct {
	Text string `json:"text" binding:"required"`
}

// AddComment handles POST /v1/disputes/:id/comments
func (h *Handler) AddComment(c *gin.Context) {
	var req commentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: text is required")
		return
	}

	err := h.service.AddComment(c.Request.Context(), c.Param("id"),
		c.GetHeader("X-Actor-Id"), c.GetHeader("X-Actor-Role"),
		validation.SanitizeString(req.Text, validation.MaxStringLength))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "comment added"})
}

type evidenceRequest struct {
	URL       string `json:"url" binding:"required"`
	Type      string `json:"type" binding:"required"`
	SizeBytes int64  `json:"sizeBytes"`
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: url and type are required")
		return
	}

	kase, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"),
		c.GetHeader("X-Actor-Id"), c.GetHeader("X-Actor-Role"),
		Attachment{URL: req.URL, Type: req.Type, SizeBytes: req.SizeBytes})
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": kase})
}

type assignMediatorRequest struct {
	MediatorID string `json:"mediatorId"`
}

// AssignMediator handles POST /v1/disputes/:id/mediator
func (h *Handler) AssignMediator(c *gin.Context) {
	var req assignMediatorRequest
	_ = c.ShouldBindJSON(&req)
	if req.MediatorID == "" {
		req.MediatorID = c.GetHeader("X-Actor-Id")
	}
	if req.MediatorID == "" {
		badRequest(c, "mediatorId is required")
		return
	}

	kase, err := h.service.AssignMediator(c.Request.Context(), c.Param("id"), req.MediatorID)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": kase})
}

// Propose handles POST /v1/disputes/:id/proposals
func (h *Handler) Propose(c *gin.Context) {
	var req ProposeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: resolutionKind is required")
		return
	}
	if req.ProposerID == "" {
		req.ProposerID = c.GetHeader("X-Actor-Id")
	}
	if req.ProposerRole == "" {
		req.ProposerRole = c.GetHeader("X-Actor-Role")
	}

	if errs := validation.Validate(
		validation.Required("proposerId", req.ProposerID),
		validation.Required("resolutionKind", req.Kind),
		validation.ValidRole("proposerRole", req.ProposerRole, history.RolePayer, history.RolePayee, history.RoleMediator),
		validation.ValidAmount("compensationAmount", req.Compensation),
	); len(errs) > 0 {
		validationFailed(c, errs)
		return
	}

	proposal, err := h.service.Propose(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"proposal": proposal})
}

type respondRequest struct {
	Accept          bool   `json:"accept"`
	RejectionReason string `json:"rejectionReason"`
}

// Respond handles POST /v1/disputes/:id/proposals/:proposalId/respond
func (h *Handler) Respond(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}

	proposal, err := h.service.Respond(c.Request.Context(), c.Param("id"), c.Param("proposalId"),
		c.GetHeader("X-Actor-Id"), req.Accept, req.RejectionReason)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposal": proposal})
}

type forceResolutionRequest struct {
	Kind         string `json:"resolutionKind" binding:"required"`
	Compensation string `json:"compensationAmount"`
}

// ForceResolution handles POST /v1/disputes/:id/resolve
func (h *Handler) ForceResolution(c *gin.Context) {
	var req forceResolutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body: resolutionKind is required")
		return
	}
	if c.GetHeader("X-Actor-Role") != history.RoleMediator {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Only a mediator may force a resolution",
		})
		return
	}

	kase, err := h.service.ForceResolution(c.Request.Context(), c.Param("id"),
		c.GetHeader("X-Actor-Id"), req.Kind, req.Compensation)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": kase})
}

// Abandon handles POST /v1/disputes/:id/abandon
func (h *Handler) Abandon(c *gin.Context) {
	kase, err := h.service.Abandon(c.Request.Context(), c.Param("id"), c.GetHeader("X-Actor-Id"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": kase})
}

// EscalateLegal handles POST /v1/disputes/:id/escalate
func (h *Handler) EscalateLegal(c *gin.Context) {
	kase, err := h.service.EscalateLegal(c.Request.Context(), c.Param("id"), c.GetHeader("X-Actor-Id"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": kase})
}

// ListProposals handles GET /v1/disputes/:id/proposals
func (h *Handler) ListProposals(c *gin.Context) {
	proposals, err := h.service.Proposals(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	if proposals == nil {
		proposals = []*Proposal{}
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals})
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

// writeDisputeError maps service errors onto the HTTP error envelope.
func writeDisputeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrProposalNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidCompensation),
		errors.Is(err, ErrRejectionReasonRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrAlreadyOpen), errors.Is(err, ErrEscrowNotHeld),
		errors.Is(err, ErrDisputeClosed), errors.Is(err, ErrProposalPending),
		errors.Is(err, ErrProposalClosed), errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "state_conflict", "message": err.Error()})
	case errors.Is(err, ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent_modification", "message": "Record changed, retry with fresh state", "retryable": true})
	case errors.Is(err, escrow.ErrSettlementPending):
		c.JSON(http.StatusAccepted, gin.H{"error": "settlement_pending", "message": err.Error(), "retryable": true})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
