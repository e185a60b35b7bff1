package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mversen/custodia/internal/history"
	"github.com/mversen/custodia/internal/idgen"
	"github.com/mversen/custodia/internal/money"
)

// Resolution kinds a proposal can carry. The first three drive the escrow
// record on acceptance; additional_work and other close the case without
// moving money.
const (
	KindFullRefund     = "full_refund"
	KindPartialRefund  = "partial_refund"
	KindRelease        = "release"
	KindAdditionalWork = "additional_work"
	KindOther          = "other"
)

// Proposal states.
const (
	ProposalPending  = "pending"
	ProposalAccepted = "accepted"
	ProposalRejected = "rejected"
)

// Proposal is a concrete settlement offer on a dispute case. At most one is
// pending per case at a time; acceptance requires both the payer and the
// payee regardless of who authored it. Proposing implies accepting: a party
// who authors a proposal is recorded as having accepted it.
type Proposal struct {
	ID         string `json:"id"`
	DisputeID  string `json:"disputeId"`
	ProposerID string `json:"proposerId"`
	ProposedBy string `json:"proposedBy"` // payer | payee | mediator
	Kind       string `json:"resolutionKind"`

	CompensationCents int64  `json:"-"`
	Compensation      string `json:"compensationAmount,omitempty"`

	State           string `json:"state"`
	PayerAccepted   bool   `json:"payerAccepted"`
	PayeeAccepted   bool   `json:"payeeAccepted"`
	RejectedBy      string `json:"rejectedBy,omitempty"`
	RejectionReason string `json:"rejectionReason,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	DecidedAt *time.Time `json:"decidedAt,omitempty"`

	Revision int64 `json:"revision"`
}

// ProposeRequest contains the parameters for creating a resolution proposal.
type ProposeRequest struct {
	ProposerID   string `json:"proposerId"`
	ProposerRole string `json:"proposerRole"` // payer | payee | mediator
	Kind         string `json:"resolutionKind" binding:"required"`
	Compensation string `json:"compensationAmount"`
}

// Propose creates a pending resolution proposal and moves the case to
// ProposalPending. Allowed from Open (parties self-negotiating) or Mediation.
// A partial refund must name a compensation amount no larger than the
// disputed amount when one was declared, and never larger than the escrow's
// gross.
func (s *Service) Propose(ctx context.Context, disputeID string, req ProposeRequest) (*Proposal, error) {
	switch req.Kind {
	case KindFullRefund, KindPartialRefund, KindRelease, KindAdditionalWork, KindOther:
	default:
		return nil, fmt.Errorf("%w: unknown resolution kind %q", ErrInvalidState, req.Kind)
	}

	var compensationCents int64
	if req.Compensation != "" {
		parsed, ok := money.Parse(req.Compensation)
		if !ok || parsed <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, req.Compensation)
		}
		compensationCents = parsed
	}
	if req.Kind == KindPartialRefund && compensationCents == 0 {
		return nil, fmt.Errorf("%w: partial refund requires a compensation amount", ErrInvalidAmount)
	}

	var (
		c *Case
		p *Proposal
	)
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
			if c.State == StateProposalPending {
				return ErrProposalPending
			}
			return fmt.Errorf("%w: cannot propose from %s", ErrInvalidState, c.State)
		}

		switch req.ProposerRole {
		case history.RoleMediator:
			if c.AssignedMediatorID != req.ProposerID {
				return fmt.Errorf("%w: %s is not the assigned mediator", ErrNotParticipant, req.ProposerID)
			}
		case history.RolePayer, history.RolePayee:
			if c.participantRole(req.ProposerID) != req.ProposerRole {
				return ErrNotParticipant
			}
		default:
			return fmt.Errorf("%w: role %q cannot propose", ErrNotParticipant, req.ProposerRole)
		}

		if compensationCents > 0 {
			rec, err := s.escrows.Get(ctx, c.EscrowID)
			if err != nil {
				return err
			}
			if compensationCents > rec.GrossCents {
				return fmt.Errorf("%w: %s exceeds gross %s", ErrInvalidCompensation,
					money.Format(compensationCents), rec.Gross)
			}
			if c.DisputedCents > 0 && compensationCents > c.DisputedCents {
				return fmt.Errorf("%w: %s exceeds disputed %s", ErrInvalidCompensation,
					money.Format(compensationCents), c.DisputedAmount)
			}
		}

		// Create the proposal once; a CAS conflict below retries only the
		// case write, keeping the same proposal.
		if p == nil {
			p = &Proposal{
				ID:                idgen.WithPrefix("prop_"),
				DisputeID:         c.ID,
				ProposerID:        req.ProposerID,
				ProposedBy:        req.ProposerRole,
				Kind:              req.Kind,
				CompensationCents: compensationCents,
				State:             ProposalPending,
				// Authoring a proposal is accepting it.
				PayerAccepted: req.ProposerRole == history.RolePayer,
				PayeeAccepted: req.ProposerRole == history.RolePayee,
				CreatedAt:     time.Now(),
			}
			if compensationCents > 0 {
				p.Compensation = money.Format(compensationCents)
			}
			if err := s.store.CreateProposal(ctx, p); err != nil {
				return err
			}
		}

		c.State = StateProposalPending
		c.PendingProposalID = p.ID
		c.UpdatedAt = time.Now()
		return s.store.Update(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	s.appendHistory(ctx, c, req.ProposerID, req.ProposerRole, "dispute.proposal_created",
		fmt.Sprintf("proposed %s", req.Kind))
	s.emit(ctx, "dispute.proposal_created", c)
	return p, nil
}

// Respond records a party's acceptance or rejection of a pending proposal.
//
// Acceptance from both the payer and the payee resolves the case by
// agreement and hands the proposal's outcome to the escrow state machine. A
// rejection needs a reason, closes the proposal, and returns the case to
// Mediation so a new proposal can follow.
func (s *Service) Respond(ctx context.Context, disputeID, proposalID, actorID string, accept bool, rejectionReason string) (*Proposal, error) {
	if !accept && rejectionReason == "" {
		return nil, ErrRejectionReasonRequired
	}

	var (
		c        *Case
		p        *Proposal
		resolved bool
		role     string
	)
	err := s.withCASRetry(ctx, func() error {
		resolved = false
		var err error
		c, err = s.store.Get(ctx, disputeID)
		if err != nil {
			return err
		}
		if c.IsTerminal() {
			return ErrDisputeClosed
		}
		if c.State != StateProposalPending || c.PendingProposalID != proposalID {
			return fmt.Errorf("%w: proposal %s is not pending on this case", ErrProposalClosed, proposalID)
		}

		role = c.participantRole(actorID)
		if role == "" {
			return ErrNotParticipant
		}

		p, err = s.store.GetProposal(ctx, proposalID)
		if err != nil {
			return err
		}
		if p.State != ProposalPending {
			return ErrProposalClosed
		}

		now := time.Now()
		if !accept {
			// The case write is the commit point; the proposal record is
			// closed out afterwards.
			c.State = StateMediation
			c.PendingProposalID = ""
			c.UpdatedAt = now
			if err := s.store.Update(ctx, c); err != nil {
				return err
			}

			p.State = ProposalRejected
			p.RejectedBy = actorID
			p.RejectionReason = rejectionReason
			p.DecidedAt = &now
			return s.forceProposalWrite(ctx, p)
		}

		if role == history.RolePayer {
			p.PayerAccepted = true
		} else {
			p.PayeeAccepted = true
		}

		if p.PayerAccepted && p.PayeeAccepted {
			c.State = StateResolvedByAgreement
			c.PendingProposalID = ""
			c.ResolvedAt = &now
			c.UpdatedAt = now
			if err := s.store.Update(ctx, c); err != nil {
				return err
			}
			resolved = true

			p.State = ProposalAccepted
			p.DecidedAt = &now
			return s.forceProposalWrite(ctx, p)
		}
		// First acceptance only: the case stays ProposalPending and the
		// proposal's own revision serializes concurrent responses.
		return s.store.UpdateProposal(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	if !accept {
		s.appendHistory(ctx, c, actorID, role, "dispute.proposal_rejected", rejectionReason)
		s.emit(ctx, "dispute.proposal_rejected", c)
		return p, nil
	}

	s.appendHistory(ctx, c, actorID, role, "dispute.proposal_accepted",
		fmt.Sprintf("accepted proposal %s", p.ID))

	if resolved {
		if err := s.settleEscrow(ctx, c, p.Kind, p.CompensationCents, actorID, role); err != nil {
			return nil, err
		}
		s.appendHistory(ctx, c, actorID, role, "dispute.resolved",
			fmt.Sprintf("resolved by agreement: %s", p.Kind))
		s.emit(ctx, "dispute.resolved", c)
	}
	return p, nil
}

// ForceResolution lets the assigned mediator impose an outcome without
// bilateral consent. The decision is always attributed to the mediator in
// the history log.
func (s *Service) ForceResolution(ctx context.Context, disputeID, mediatorID, kind, compensation string) (*Case, error) {
	switch kind {
	case KindFullRefund, KindPartialRefund, KindRelease, KindAdditionalWork, KindOther:
	default:
		return nil, fmt.Errorf("%w: unknown resolution kind %q", ErrInvalidState, kind)
	}

	var compensationCents int64
	if compensation != "" {
		parsed, ok := money.Parse(compensation)
		if !ok || parsed <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, compensation)
		}
		compensationCents = parsed
	}
	if kind == KindPartialRefund && compensationCents == 0 {
		return nil, fmt.Errorf("%w: partial refund requires a compensation amount", ErrInvalidAmount)
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
		if c.AssignedMediatorID != mediatorID {
			return fmt.Errorf("%w: %s is not the assigned mediator", ErrNotParticipant, mediatorID)
		}

		if compensationCents > 0 {
			rec, err := s.escrows.Get(ctx, c.EscrowID)
			if err != nil {
				return err
			}
			if compensationCents > rec.GrossCents {
				return fmt.Errorf("%w: %s exceeds gross %s", ErrInvalidCompensation,
					money.Format(compensationCents), rec.Gross)
			}
			if c.DisputedCents > 0 && compensationCents > c.DisputedCents {
				return fmt.Errorf("%w: %s exceeds disputed %s", ErrInvalidCompensation,
					money.Format(compensationCents), c.DisputedAmount)
			}
		}

		now := time.Now()
		if c.PendingProposalID != "" {
			if p, perr := s.store.GetProposal(ctx, c.PendingProposalID); perr == nil && p.State == ProposalPending {
				p.State = ProposalRejected
				p.RejectedBy = mediatorID
				p.RejectionReason = "superseded by mediator decision"
				p.DecidedAt = &now
				if err := s.store.UpdateProposal(ctx, p); err != nil {
					return err
				}
			}
		}

		c.State = StateResolvedByMediator
		c.PendingProposalID = ""
		c.ResolvedAt = &now
		c.UpdatedAt = now
		return s.store.Update(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	if err := s.settleEscrow(ctx, c, kind, compensationCents, mediatorID, history.RoleMediator); err != nil {
		return nil, err
	}

	s.appendHistory(ctx, c, mediatorID, history.RoleMediator, "dispute.resolved",
		fmt.Sprintf("mediator %s forced resolution: %s", mediatorID, kind))
	s.emit(ctx, "dispute.resolved", c)
	return c, nil
}

// forceProposalWrite lands a decided proposal state, re-reading through a
// CAS conflict: the case write already committed the decision, so the
// proposal record must follow.
func (s *Service) forceProposalWrite(ctx context.Context, p *Proposal) error {
	err := s.store.UpdateProposal(ctx, p)
	if err == nil || !errors.Is(err, ErrConcurrentModification) {
		return err
	}
	fresh, gerr := s.store.GetProposal(ctx, p.ID)
	if gerr != nil {
		return gerr
	}
	p.Revision = fresh.Revision
	return s.store.UpdateProposal(ctx, p)
}

// Proposals lists a case's proposals, oldest first.
func (s *Service) Proposals(ctx context.Context, disputeID string) ([]*Proposal, error) {
	if _, err := s.store.Get(ctx, disputeID); err != nil {
		return nil, err
	}
	return s.store.ListProposals(ctx, disputeID)
}
