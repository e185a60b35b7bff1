package escrow

import (
	"context"
	"fmt"
	"time"
)

// Dispute resolution outcomes that drive the escrow record.
const (
	OutcomeRelease       = "release"
	OutcomeFullRefund    = "full_refund"
	OutcomePartialRefund = "partial_refund"
)

// FreezeForDispute stamps disputeID onto the record, blocking Release,
// Refund, and Cancel until the case closes. The write is a CAS against the
// same revision counter every settlement uses, so whichever of a racing
// release and dispute-open commits first wins: a release marked in-transition
// rejects the freeze, a committed freeze blocks the release before any
// gateway call is issued.
func (s *Service) FreezeForDispute(ctx context.Context, escrowID, disputeID string) (*Record, error) {
	var rec *Record
	err := s.withCASRetry(ctx, func() error {
		var err error
		rec, err = s.store.Get(ctx, escrowID)
		if err != nil {
			return err
		}

		if rec.OpenDisputeID != "" {
			return ErrDisputeAlreadyOpen
		}
		if !rec.Disputable(time.Now()) {
			if rec.PendingOp != "" {
				return fmt.Errorf("%w: %s in flight", ErrSettlementPending, rec.PendingOp)
			}
			return fmt.Errorf("%w: state %s", ErrNotDisputable, rec.State)
		}

		rec.OpenDisputeID = disputeID
		rec.UpdatedAt = time.Now()
		return s.store.Update(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Unfreeze clears the dispute guard without implying any settlement outcome.
// Used when a case is abandoned: normal release and timeout logic resume.
func (s *Service) Unfreeze(ctx context.Context, escrowID, disputeID string) error {
	return s.withCASRetry(ctx, func() error {
		rec, err := s.store.Get(ctx, escrowID)
		if err != nil {
			return err
		}
		if rec.OpenDisputeID != disputeID {
			return nil // already cleared or superseded
		}
		rec.OpenDisputeID = ""
		rec.UpdatedAt = time.Now()
		return s.store.Update(ctx, rec)
	})
}

// SettleDisputeOutcome drives the record into the terminal state implied by
// a resolved dispute. Only the dispute that currently freezes the record may
// settle it; the guard is cleared as part of the terminal write.
func (s *Service) SettleDisputeOutcome(ctx context.Context, escrowID, disputeID, outcome string, amountCents int64, actorID, actorRole string) (*Record, error) {
	rec, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if rec.OpenDisputeID != disputeID {
		return nil, fmt.Errorf("%w: dispute %s does not hold the freeze", ErrInvalidState, disputeID)
	}

	switch outcome {
	case OutcomeRelease:
		if rec.State == StateReleased {
			// Dispute was opened in the contest window after release;
			// the funds already sit where this outcome puts them.
			if err := s.Unfreeze(ctx, escrowID, disputeID); err != nil {
				return nil, err
			}
			return s.store.Get(ctx, escrowID)
		}
		return s.release(ctx, escrowID, ReleasedByMediator, disputeID)
	case OutcomeFullRefund:
		return s.refund(ctx, escrowID, 0, "dispute resolved: full refund", actorID, actorRole, disputeID)
	case OutcomePartialRefund:
		if amountCents <= 0 || amountCents > rec.GrossCents {
			return nil, fmt.Errorf("%w: partial refund %d", ErrInvalidAmount, amountCents)
		}
		if amountCents == rec.GrossCents {
			return s.refund(ctx, escrowID, 0, "dispute resolved: full refund", actorID, actorRole, disputeID)
		}
		return s.refund(ctx, escrowID, amountCents, "dispute resolved: partial refund", actorID, actorRole, disputeID)
	default:
		return nil, fmt.Errorf("unknown dispute outcome %q", outcome)
	}
}
