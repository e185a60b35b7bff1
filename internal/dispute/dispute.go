// Package dispute implements the mediation state machine for contested
// escrows.
//
// A case freezes its escrow record on open and stays attached to it until a
// terminal state. Resolution comes by bilateral agreement on a proposal, by
// mediator fiat, by abandonment, or by legal escalation; the first three hand
// an outcome back to the escrow state machine, the last leaves the record
// frozen for out-of-band handling.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mversen/custodia/internal/escrow"
	"github.com/mversen/custodia/internal/history"
	"github.com/mversen/custodia/internal/idgen"
	"github.com/mversen/custodia/internal/money"
	"github.com/mversen/custodia/internal/retry"
)

var (
	ErrNotFound                = errors.New("dispute not found")
	ErrProposalNotFound        = errors.New("proposal not found")
	ErrEscrowNotHeld           = errors.New("escrow cannot be disputed in its current state")
	ErrAlreadyOpen             = errors.New("a dispute is already open for this escrow")
	ErrDisputeClosed           = errors.New("dispute case is closed")
	ErrInvalidState            = errors.New("invalid dispute state for this operation")
	ErrInvalidAmount           = errors.New("invalid disputed amount")
	ErrInvalidCompensation     = errors.New("compensation exceeds the disputable amount")
	ErrRejectionReasonRequired = errors.New("a rejection requires a reason")
	ErrNotParticipant          = errors.New("actor is not a party to this dispute")
	ErrProposalPending         = errors.New("another proposal is already pending")
	ErrProposalClosed          = errors.New("proposal is no longer pending")
	ErrConcurrentModification  = errors.New("dispute was modified concurrently")
)

// State represents the lifecycle state of a dispute case.
type State string

const (
	StateOpen                State = "open"
	StateMediation           State = "mediation"
	StateProposalPending     State = "proposal_pending"
	StateResolvedByAgreement State = "resolved_by_agreement"
	StateResolvedByMediator  State = "resolved_by_mediator"
	StateAbandoned           State = "abandoned"
	StateEscalatedLegal      State = "escalated_legal"
)

// Claim types accepted on open. Free-form beyond these is allowed; they exist
// for filtering, not validation.
const (
	ClaimNonDelivery  = "non_delivery"
	ClaimQuality      = "quality"
	ClaimOverbilling  = "overbilling"
	ClaimScopeDispute = "scope"
	ClaimOther        = "other"
)

// Attachment is evidence metadata supplied by an external upload service.
// Contents are never inspected here, only the descriptor shape.
type Attachment struct {
	URL        string    `json:"url"`
	Type       string    `json:"type"`
	SizeBytes  int64     `json:"sizeBytes"`
	UploaderID string    `json:"uploaderId"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Case is the authoritative state of one contested claim against one escrow.
//
// PayerID and PayeeID are copied from the escrow record at open time; they
// are what proposal acceptance is checked against. A case is immutable once
// terminal.
type Case struct {
	ID            string `json:"id"`
	EscrowID      string `json:"escrowId"`
	ContractID    string `json:"contractId"`
	PayerID       string `json:"payerId"`
	PayeeID       string `json:"payeeId"`
	DeclarantID   string `json:"declarantId"`
	DeclarantRole string `json:"declarantRole"`
	ClaimType     string `json:"claimType"`
	Description   string `json:"description,omitempty"`

	DisputedCents  int64  `json:"-"`
	DisputedAmount string `json:"disputedAmount,omitempty"`

	State              State  `json:"state"`
	AssignedMediatorID string `json:"assignedMediatorId,omitempty"`
	PendingProposalID  string `json:"pendingProposalId,omitempty"`

	Attachments []Attachment `json:"attachments,omitempty"`

	OpenedAt   time.Time  `json:"openedAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`

	Revision int64 `json:"revision"`
}

// IsTerminal returns true if the case is in a final state.
func (c *Case) IsTerminal() bool {
	switch c.State {
	case StateResolvedByAgreement, StateResolvedByMediator, StateAbandoned, StateEscalatedLegal:
		return true
	}
	return false
}

// participantRole returns the party role actorID plays on this case, or ""
// when the actor is neither payer nor payee.
func (c *Case) participantRole(actorID string) string {
	switch actorID {
	case c.PayerID:
		return history.RolePayer
	case c.PayeeID:
		return history.RolePayee
	}
	return ""
}

// Store persists dispute cases and their proposals. Update and
// UpdateProposal are compare-and-swap writes conditioned on Revision,
// returning ErrConcurrentModification on mismatch.
type Store interface {
	Create(ctx context.Context, c *Case) error
	Get(ctx context.Context, id string) (*Case, error)
	Update(ctx context.Context, c *Case) error
	ListByEscrow(ctx context.Context, escrowID string, limit int) ([]*Case, error)
	ListByState(ctx context.Context, state State, limit int) ([]*Case, error)

	CreateProposal(ctx context.Context, p *Proposal) error
	GetProposal(ctx context.Context, id string) (*Proposal, error)
	UpdateProposal(ctx context.Context, p *Proposal) error
	ListProposals(ctx context.Context, disputeID string) ([]*Proposal, error)
}

// EventSink receives domain events, fire-and-forget.
type EventSink interface {
	Emit(ctx context.Context, eventType string, data map[string]any)
}

// Service implements the dispute state machine.
type Service struct {
	store   Store
	escrows *escrow.Service
	hist    history.Log
	events  EventSink
	logger  *slog.Logger
}

// NewService creates a new dispute service.
func NewService(store Store, escrows *escrow.Service, hist history.Log, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		escrows: escrows,
		hist:    hist,
		logger:  logger,
	}
}

// WithEvents adds a domain event sink.
func (s *Service) WithEvents(sink EventSink) *Service {
	s.events = sink
	return s
}

// OpenRequest contains the parameters for opening a dispute.
type OpenRequest struct {
	EscrowID       string `json:"escrowId" binding:"required"`
	DeclarantID    string `json:"declarantId"`
	DeclarantRole  string `json:"declarantRole"`
	ClaimType      string `json:"claimType" binding:"required"`
	Description    string `json:"description"`
	DisputedAmount string `json:"disputedAmount"` // optional, <= escrow gross
}

// Open creates a dispute case against an escrow record and freezes it.
//
// The freeze is the commit point: it CAS-writes the escrow's dispute guard,
// so a release racing this open either beats the freeze (and the open fails)
// or is blocked before any gateway call. Only the payer or payee of the
// escrow may open a case, while the record is held or inside the post-release
// contest window.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*Case, error) {
	rec, err := s.escrows.Get(ctx, req.EscrowID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			return nil, fmt.Errorf("%w: escrow %s", ErrNotFound, req.EscrowID)
		}
		return nil, err
	}

	switch {
	case req.DeclarantRole == history.RolePayer && req.DeclarantID == rec.PayerID:
	case req.DeclarantRole == history.RolePayee && req.DeclarantID == rec.PayeeID:
	default:
		return nil, fmt.Errorf("%w: %s is not the %s of escrow %s",
			ErrNotParticipant, req.DeclarantID, req.DeclarantRole, rec.ID)
	}

	var disputedCents int64
	if req.DisputedAmount != "" {
		parsed, ok := money.Parse(req.DisputedAmount)
		if !ok || parsed <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, req.DisputedAmount)
		}
		if parsed > rec.GrossCents {
			return nil, fmt.Errorf("%w: %s exceeds gross %s", ErrInvalidAmount,
				req.DisputedAmount, rec.Gross)
		}
		disputedCents = parsed
	}

	id := idgen.WithPrefix("dsp_")
	if _, err := s.escrows.FreezeForDispute(ctx, rec.ID, id); err != nil {
		switch {
		case errors.Is(err, escrow.ErrDisputeAlreadyOpen):
			return nil, ErrAlreadyOpen
		case errors.Is(err, escrow.ErrNotDisputable), errors.Is(err, escrow.ErrSettlementPending):
			return nil, fmt.Errorf("%w: %v", ErrEscrowNotHeld, err)
		}
		return nil, err
	}

	now := time.Now()
	c := &Case{
		ID:            id,
		EscrowID:      rec.ID,
		ContractID:    rec.ContractID,
		PayerID:       rec.PayerID,
		PayeeID:       rec.PayeeID,
		DeclarantID:   req.DeclarantID,
		DeclarantRole: req.DeclarantRole,
		ClaimType:     req.ClaimType,
		Description:   req.Description,
		DisputedCents: disputedCents,
		State:         StateOpen,
		OpenedAt:      now,
		UpdatedAt:     now,
	}
	if disputedCents > 0 {
		c.DisputedAmount = money.Format(disputedCents)
	}

	if err := s.store.Create(ctx, c); err != nil {
		// Roll the freeze back so the escrow is not stuck behind a case
		// that was never persisted.
		if uerr := s.escrows.Unfreeze(ctx, rec.ID, id); uerr != nil {
			s.logger.Error("failed to unfreeze escrow after dispute create failure",
				"escrowId", rec.ID, "disputeId", id, "error", uerr)
		}
		return nil, fmt.Errorf("failed to create dispute case: %w", err)
	}

	s.appendHistory(ctx, c, req.DeclarantID, req.DeclarantRole, "dispute.opened",
		fmt.Sprintf("dispute opened: %s", req.ClaimType))
	s.emit(ctx, "dispute.opened", c)
	return c, nil
}

// AddComment appends a discussion entry to an open or mediated case. The
// comment lands in the shared history log; the case state does not change.
func (s *Service) AddComment(ctx context.Context, disputeID, actorID, actorRole, text string) error {
	c, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return err
	}
	if c.IsTerminal() {
		return ErrDisputeClosed
	}
	if c.State != StateOpen && c.State != StateMediation {
		return fmt.Errorf("%w: comments are closed while a proposal is pending", ErrInvalidState)
	}
	if err := s.requireActor(c, actorID, actorRole); err != nil {
		return err
	}

	s.appendHistory(ctx, c, actorID, actorRole, "dispute.comment", text)
	return nil
}

// AddEvidence attaches evidence metadata to a non-terminal case. Only the
// descriptor shape is validated; the file itself lives elsewhere.
func (s *Service) AddEvidence(ctx context.Context, disputeID, actorID, actorRole string, att Attachment) (*Case, error) {
	if att.URL == "" || att.Type == "" {
		return nil, fmt.Errorf("%w: attachment needs url and type", ErrInvalidAmount)
	}

	var c *Case
	err := s.withCASRetry(ctx, func() error {
		var err error
		c, err = s.store.Get(ctx, disputeID)
		if err != nil {
			return err
		}
		if c.IsTerminal() {
			return ErrDisputeClosed
		}
		if err := s.requireActor(c, actorID, actorRole); err != nil {
			return err
		}

		att.UploaderID = actorID
		att.UploadedAt = time.Now()
		c.Attachments = append(c.Attachments, att)
		c.UpdatedAt = time.Now()
		return s.store.Update(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	s.appendHistory(ctx, c, actorID, actorRole, "dispute.evidence_added", att.URL)
	return c, nil
}

// AssignMediator moves an open case into mediation.
func (s *Service) AssignMediator(ctx context.Context, disputeID, mediatorID string) (*Case, error) {
	var c *Case
	err := s.withCASRetry(ctx, func() error {
		var err error
		c, err = s.store.Get(ctx, disputeID)
		if err != nil {
			return err
		}
		if c.IsTerminal() {
			return ErrDisputeClosed
		}
		if c.State != StateOpen {
			return fmt.Errorf("%w: cannot assign a mediator from %s", ErrInvalidState, c.State)
		}

		c.State = StateMediation
		c.AssignedMediatorID = mediatorID
		c.UpdatedAt = time.Now()
		return s.store.Update(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	s.appendHistory(ctx, c, mediatorID, history.RoleMediator, "dispute.mediator_assigned",
		fmt.Sprintf("mediator %s assigned", mediatorID))
	s.emit(ctx, "dispute.mediator_assigned", c)
	return c, nil
}

// Abandon closes a case without implying any outcome. The escrow unfreezes
// and its normal release and timeout logic resume.
func (s *Service) Abandon(ctx context.Context, disputeID, actorID string) (*Case, error) {
	var c *Case
	err := s.withCASRetry(ctx, func() error {
		var err error
		c, err = s.store.Get(ctx, disputeID)
		if err != nil {
			return err
		}
		if c.IsTerminal() {
			return ErrDisputeClosed
		}
		if c.State != StateOpen && c.State != StateMediation {
			return fmt.Errorf("%w: cannot abandon from %s", ErrInvalidState, c.State)
		}

		role := c.participantRole(actorID)
		if role == "" {
			return ErrNotParticipant
		}

		now := time.Now()
		c.State = StateAbandoned
		c.ResolvedAt = &now
		c.UpdatedAt = now
		return s.store.Update(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	if err := s.escrows.Unfreeze(ctx, c.EscrowID, c.ID); err != nil {
		s.logger.Error("failed to unfreeze escrow after dispute abandoned",
			"escrowId", c.EscrowID, "disputeId", c.ID, "error", err)
	}

	s.appendHistory(ctx, c, actorID, c.participantRole(actorID), "dispute.abandoned", "dispute abandoned by declarant")
	s.emit(ctx, "dispute.abandoned", c)
	return c, nil
}

// EscalateLegal moves any non-terminal case to legal escalation, superseding
// a pending proposal the same way a mediator ruling does. The escrow stays
// frozen indefinitely; there is no automated unfreeze from this state.
func (s *Service) EscalateLegal(ctx context.Context, disputeID, actorID string) (*Case, error) {
	var c *Case
	err := s.withCASRetry(ctx, func() error {
		var err error
		c, err = s.store.Get(ctx, disputeID)
		if err != nil {
			return err
		}
		if c.IsTerminal() {
			return ErrDisputeClosed
		}

		role := c.participantRole(actorID)
		if role == "" {
			return ErrNotParticipant
		}

		now := time.Now()
		if c.PendingProposalID != "" {
			if p, perr := s.store.GetProposal(ctx, c.PendingProposalID); perr == nil && p.State == ProposalPending {
				p.State = ProposalRejected
				p.RejectedBy = actorID
				p.RejectionReason = "superseded by legal escalation"
				p.DecidedAt = &now
				if err := s.store.UpdateProposal(ctx, p); err != nil {
					return err
				}
			}
		}

		c.State = StateEscalatedLegal
		c.PendingProposalID = ""
		c.ResolvedAt = &now
		c.UpdatedAt = now
		return s.store.Update(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	s.appendHistory(ctx, c, actorID, c.participantRole(actorID), "dispute.escalated_legal",
		"dispute escalated to legal proceedings, escrow frozen pending out-of-band resolution")
	s.emit(ctx, "dispute.escalated_legal", c)
	return c, nil
}

// Get returns a dispute case by ID.
func (s *Service) Get(ctx context.Context, id string) (*Case, error) {
	return s.store.Get(ctx, id)
}

// ListByEscrow returns all cases (open and closed) for an escrow record.
func (s *Service) ListByEscrow(ctx context.Context, escrowID string, limit int) ([]*Case, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByEscrow(ctx, escrowID, limit)
}

// History returns the case's audit trail in append order.
func (s *Service) History(ctx context.Context, id string, limit int) ([]*history.Entry, error) {
	if limit <= 0 {
		limit = 200
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.hist.ListByDispute(ctx, id, limit)
}

// settleEscrow hands the resolved case's outcome to the escrow state machine.
// The case is already terminal at this point; a settlement failure leaves the
// escrow frozen and inspectable rather than un-resolving the case.
func (s *Service) settleEscrow(ctx context.Context, c *Case, kind string, compensationCents int64, actorID, actorRole string) error {
	var outcome string
	amount := int64(0)
	switch kind {
	case KindRelease:
		outcome = escrow.OutcomeRelease
	case KindFullRefund:
		outcome = escrow.OutcomeFullRefund
	case KindPartialRefund:
		outcome = escrow.OutcomePartialRefund
		amount = compensationCents
	case KindAdditionalWork, KindOther:
		// No money moves; the escrow resumes its normal lifecycle.
		return s.escrows.Unfreeze(ctx, c.EscrowID, c.ID)
	default:
		return fmt.Errorf("unknown resolution kind %q", kind)
	}

	if _, err := s.escrows.SettleDisputeOutcome(ctx, c.EscrowID, c.ID, outcome, amount, actorID, actorRole); err != nil {
		if errors.Is(err, escrow.ErrSettlementPending) {
			// The pending marker survives on the escrow; the settlement
			// sweep finishes the job with the same idempotency keys.
			s.logger.Warn("dispute settlement left pending",
				"disputeId", c.ID, "escrowId", c.EscrowID, "outcome", outcome, "error", err)
			return nil
		}
		s.logger.Error("CRITICAL: dispute resolved but escrow settlement failed",
			"disputeId", c.ID, "escrowId", c.EscrowID, "outcome", outcome, "error", err)
		return fmt.Errorf("dispute resolved but escrow settlement failed: %w", err)
	}
	return nil
}

func (s *Service) requireActor(c *Case, actorID, actorRole string) error {
	if actorRole == history.RoleMediator {
		return nil
	}
	if role := c.participantRole(actorID); role == "" {
		return ErrNotParticipant
	}
	return nil
}

// withCASRetry retries fn on concurrent-modification conflicts with backoff.
func (s *Service) withCASRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, 3, 25*time.Millisecond, func() error {
		err := fn()
		if err == nil || errors.Is(err, ErrConcurrentModification) {
			return err
		}
		return retry.Permanent(err)
	})
}

func (s *Service) appendHistory(ctx context.Context, c *Case, actorID, actorRole, action, description string) {
	err := s.hist.Append(ctx, &history.Entry{
		EscrowID:    c.EscrowID,
		DisputeID:   c.ID,
		ActorID:     actorID,
		ActorRole:   actorRole,
		Action:      action,
		Description: description,
		ResultState: string(c.State),
	})
	if err != nil {
		s.logger.Warn("failed to append dispute history", "disputeId", c.ID, "action", action, "error", err)
	}
}

func (s *Service) emit(ctx context.Context, eventType string, c *Case) {
	if s.events == nil {
		return
	}
	s.events.Emit(ctx, eventType, map[string]any{
		"disputeId": c.ID,
		"escrowId":  c.EscrowID,
		"payerId":   c.PayerID,
		"payeeId":   c.PayeeID,
		"claimType": c.ClaimType,
		"state":     string(c.State),
	})
}
