// Package escrow implements the custody state machine for one held payment.
//
// Flow:
//  1. A contract becomes payable → funds held on the payer's instrument
//  2. Payer confirms (or the timeout actor fires) → capture + transfer to payee
//  3. Either party opens a dispute → the record freezes until the case closes
//  4. Dispute outcome → release, refund, or partial refund
//
// Records move Held → Released | Refunded | PartiallyRefunded | Cancelled and
// never backwards. Every mutation is a compare-and-swap against the record's
// revision; gateway calls happen only after the record is durably marked
// in-transition, so a crash mid-call is recovered by resuming the pending
// operation with the same idempotency keys rather than re-deciding it.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mversen/custodia/internal/gateway"
	"github.com/mversen/custodia/internal/history"
	"github.com/mversen/custodia/internal/idgen"
	"github.com/mversen/custodia/internal/money"
	"github.com/mversen/custodia/internal/pagination"
	"github.com/mversen/custodia/internal/retry"
)

var (
	ErrNotFound               = errors.New("escrow not found")
	ErrInvalidState           = errors.New("invalid escrow state for this operation")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrDisputeBlocksRelease   = errors.New("open dispute blocks this operation")
	ErrDisputeAlreadyOpen     = errors.New("a dispute is already open for this escrow")
	ErrConcurrentModification = errors.New("escrow was modified concurrently")
	ErrSettlementPending      = errors.New("settlement pending, retry later")
	ErrAuthorizationFailed    = errors.New("payment authorization failed")
	ErrNotDisputable          = errors.New("escrow cannot be disputed in its current state")
)

// State represents the custody state of a held payment.
type State string

const (
	StateHeld              State = "held"
	StateReleased          State = "released"
	StateRefunded          State = "refunded"
	StatePartiallyRefunded State = "partially_refunded"
	StateCancelled         State = "cancelled"
)

// Actors allowed to trigger Release.
const (
	ReleasedByPayer    = "payer"
	ReleasedByTimeout  = "auto-timeout"
	ReleasedByMediator = "mediator"
)

// Pending operation markers. A non-empty marker means a settlement was
// decided and durably recorded before the first gateway call; the operation
// must be resumed, never re-decided.
const (
	PendingRelease = "release"
	PendingRefund  = "refund"
	PendingCancel  = "cancel"
)

// Record is the authoritative state of one held payment.
//
// GrossCents, CommissionRate, and Currency are fixed at hold time and never
// recomputed afterwards. OpenDisputeID doubles as the dispute guard: setting
// it and settling the record serialize on the same revision counter, so a
// release racing a dispute open cannot issue a gateway call after the
// dispute's write commits.
type Record struct {
	ID             string  `json:"id"`
	ContractID     string  `json:"contractId"`
	PayerID        string  `json:"payerId"`
	PayeeID        string  `json:"payeeId"`
	GrossCents     int64   `json:"-"`
	Gross          string  `json:"grossAmount"`
	CommissionRate float64 `json:"commissionRate"`
	Currency       string  `json:"currency"`

	State         State  `json:"state"`
	OpenDisputeID string `json:"openDisputeId,omitempty"`

	PendingOp          string `json:"pendingOp,omitempty"`
	PendingAmountCents int64  `json:"-"`

	CommissionCents int64  `json:"-"`
	NetCents        int64  `json:"-"`
	RefundedCents   int64  `json:"-"`
	ReleasedBy      string `json:"releasedBy,omitempty"`
	RefundReason    string `json:"refundReason,omitempty"`
	RefundedBy      string `json:"refundedBy,omitempty"`

	GatewayHoldRef     string `json:"gatewayHoldRef,omitempty"`
	GatewayCaptureRef  string `json:"gatewayCaptureRef,omitempty"`
	GatewayTransferRef string `json:"gatewayTransferRef,omitempty"`
	GatewayRefundRef   string `json:"gatewayRefundRef,omitempty"`

	AutoReleaseAt      time.Time  `json:"autoReleaseAt"`
	ContestWindowUntil *time.Time `json:"contestWindowUntil,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
	ResolvedAt         *time.Time `json:"resolvedAt,omitempty"`

	Revision int64 `json:"revision"`
}

// IsTerminal returns true if the record is in a final state.
func (r *Record) IsTerminal() bool {
	switch r.State {
	case StateReleased, StateRefunded, StatePartiallyRefunded, StateCancelled:
		return true
	}
	return false
}

// Disputable reports whether a dispute may be opened against the record now:
// while held, or within the contest window after release.
func (r *Record) Disputable(now time.Time) bool {
	if r.OpenDisputeID != "" {
		return false
	}
	switch r.State {
	case StateHeld:
		return r.PendingOp == ""
	case StateReleased:
		return r.ContestWindowUntil != nil && now.Before(*r.ContestWindowUntil)
	}
	return false
}

// Store persists escrow records. Update is a compare-and-swap conditioned on
// Record.Revision: on success the store increments the revision, on mismatch
// it returns ErrConcurrentModification and writes nothing.
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, id string) (*Record, error)
	Update(ctx context.Context, rec *Record) error
	ListByParty(ctx context.Context, partyID string, cursor *pagination.Cursor, limit int) ([]*Record, error)
	ListReleasable(ctx context.Context, before time.Time, limit int) ([]*Record, error)
	ListPendingSettlement(ctx context.Context, limit int) ([]*Record, error)
}

// EventSink receives domain events. Delivery is fire-and-forget; failures
// never block a state transition.
type EventSink interface {
	Emit(ctx context.Context, eventType string, data map[string]any)
}

// HoldRequest contains the parameters for creating an escrow.
type HoldRequest struct {
	ContractID string `json:"contractId" binding:"required"`
	PayerID    string `json:"payerId" binding:"required"`
	PayeeID    string `json:"payeeId" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
	// Nil means the platform default applies. An explicit 0 is a valid
	// zero-commission hold.
	CommissionRate *float64 `json:"commissionRate"`
	Currency       string   `json:"currency"`
}

// Options tune service behavior; zero values get defaults.
type Options struct {
	AutoReleaseAfter time.Duration // default 7 days
	ContestWindow    time.Duration // default 72h
	GatewayAttempts  int           // bounded retries on transient gateway errors
	GatewayBackoff   time.Duration
	CASAttempts      int

	// Platform policy. An omitted commission rate on a hold request falls
	// back to DefaultCommissionRate; amount bounds of zero mean unbounded.
	DefaultCommissionRate float64
	DefaultCurrency       string
	MinAmountCents        int64
	MaxAmountCents        int64
}

func (o *Options) withDefaults() Options {
	out := Options{
		AutoReleaseAfter: 7 * 24 * time.Hour,
		ContestWindow:    72 * time.Hour,
		GatewayAttempts:  3,
		GatewayBackoff:   200 * time.Millisecond,
		CASAttempts:      3,
		DefaultCurrency:  "usd",
	}
	if o == nil {
		return out
	}
	if o.AutoReleaseAfter > 0 {
		out.AutoReleaseAfter = o.AutoReleaseAfter
	}
	if o.ContestWindow > 0 {
		out.ContestWindow = o.ContestWindow
	}
	if o.GatewayAttempts > 0 {
		out.GatewayAttempts = o.GatewayAttempts
	}
	if o.GatewayBackoff > 0 {
		out.GatewayBackoff = o.GatewayBackoff
	}
	if o.CASAttempts > 0 {
		out.CASAttempts = o.CASAttempts
	}
	if o.DefaultCommissionRate > 0 {
		out.DefaultCommissionRate = o.DefaultCommissionRate
	}
	if o.DefaultCurrency != "" {
		out.DefaultCurrency = o.DefaultCurrency
	}
	if o.MinAmountCents > 0 {
		out.MinAmountCents = o.MinAmountCents
	}
	if o.MaxAmountCents > 0 {
		out.MaxAmountCents = o.MaxAmountCents
	}
	return out
}

// Service implements the escrow state machine.
type Service struct {
	store  Store
	rail   gateway.PaymentGateway
	hist   history.Log
	events EventSink
	logger *slog.Logger
	opts   Options
}

// NewService creates a new escrow service.
func NewService(store Store, rail gateway.PaymentGateway, hist history.Log, logger *slog.Logger, opts *Options) *Service {
	return &Service{
		store:  store,
		rail:   rail,
		hist:   hist,
		logger: logger,
		opts:   opts.withDefaults(),
	}
}

// WithEvents adds a domain event sink.
func (s *Service) WithEvents(sink EventSink) *Service {
	s.events = sink
	return s
}

// Hold authorizes a hold on the payer's instrument and creates a record in
// Held. Nothing is persisted when the gateway rejects the authorization.
func (s *Service) Hold(ctx context.Context, req HoldRequest) (*Record, error) {
	grossCents, ok := money.Parse(req.Amount)
	if !ok || grossCents <= 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, req.Amount)
	}
	if s.opts.MinAmountCents > 0 && grossCents < s.opts.MinAmountCents {
		return nil, fmt.Errorf("%w: %s is below the minimum of %s",
			ErrInvalidAmount, money.Format(grossCents), money.Format(s.opts.MinAmountCents))
	}
	if s.opts.MaxAmountCents > 0 && grossCents > s.opts.MaxAmountCents {
		return nil, fmt.Errorf("%w: %s exceeds the maximum of %s",
			ErrInvalidAmount, money.Format(grossCents), money.Format(s.opts.MaxAmountCents))
	}
	rate := s.opts.DefaultCommissionRate
	if req.CommissionRate != nil {
		rate = *req.CommissionRate
	}
	if rate < 0 || rate >= 1 {
		return nil, money.ErrInvalidRate
	}
	currency := req.Currency
	if currency == "" {
		currency = s.opts.DefaultCurrency
	}

	id := idgen.WithPrefix("esc_")
	holdRef, err := s.callGateway(ctx, func() (string, error) {
		return s.rail.AuthorizeHold(ctx, req.PayerID, grossCents, currency, gateway.IdempotencyKey(id, "hold"))
	})
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			return nil, fmt.Errorf("%w: %v", ErrAuthorizationFailed, err)
		}
		return nil, err
	}

	now := time.Now()
	rec := &Record{
		ID:             id,
		ContractID:     req.ContractID,
		PayerID:        req.PayerID,
		PayeeID:        req.PayeeID,
		GrossCents:     grossCents,
		Gross:          money.Format(grossCents),
		CommissionRate: rate,
		Currency:       currency,
		State:          StateHeld,
		GatewayHoldRef: holdRef,
		AutoReleaseAt:  now.Add(s.opts.AutoReleaseAfter),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.Create(ctx, rec); err != nil {
		// Best-effort hold release if the record could not be persisted.
		_ = s.rail.CancelHold(ctx, holdRef, gateway.IdempotencyKey(id, "cancel"))
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}

	s.appendHistory(ctx, rec, "", req.PayerID, history.RolePayer, "escrow.held",
		fmt.Sprintf("hold authorized for %s %s", rec.Gross, currency))
	s.emit(ctx, "escrow.held", rec)
	return rec, nil
}

// Release captures the hold and transfers the net amount to the payee.
// Allowed only from Held with no open dispute. Safe to retry: capture and
// transfer are idempotent keyed by escrow ID, and a record already marked
// in-transition resumes instead of re-deciding.
func (s *Service) Release(ctx context.Context, id, releasedBy string) (*Record, error) {
	return s.release(ctx, id, releasedBy, "")
}

func (s *Service) release(ctx context.Context, id, releasedBy, viaDispute string) (*Record, error) {
	var rec *Record
	err := s.withCASRetry(ctx, func() error {
		var err error
		rec, err = s.beginRelease(ctx, id, releasedBy, viaDispute)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.completeRelease(ctx, rec, viaDispute)
}

// beginRelease validates and durably marks the record in-transition.
func (s *Service) beginRelease(ctx context.Context, id, releasedBy, viaDispute string) (*Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.State != StateHeld {
		return nil, fmt.Errorf("%w: cannot release from %s", ErrInvalidState, rec.State)
	}
	if rec.OpenDisputeID != "" && rec.OpenDisputeID != viaDispute {
		return nil, ErrDisputeBlocksRelease
	}
	if rec.PendingOp == PendingRelease && rec.ReleasedBy == releasedBy {
		// Crash recovery or caller retry: resume the committed decision.
		return rec, nil
	}
	if rec.PendingOp != "" {
		return nil, fmt.Errorf("%w: %s in flight", ErrSettlementPending, rec.PendingOp)
	}

	commission, net, err := money.Split(rec.GrossCents, rec.CommissionRate)
	if err != nil {
		return nil, err
	}

	rec.PendingOp = PendingRelease
	rec.ReleasedBy = releasedBy
	rec.CommissionCents = commission
	rec.NetCents = net
	rec.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// completeRelease drives the gateway side of a marked release to completion.
func (s *Service) completeRelease(ctx context.Context, rec *Record, viaDispute string) (*Record, error) {
	if rec.GatewayCaptureRef == "" {
		captureRef, err := s.callGateway(ctx, func() (string, error) {
			return s.rail.Capture(ctx, rec.GatewayHoldRef, gateway.IdempotencyKey(rec.ID, "capture"))
		})
		if err != nil {
			return nil, s.settlementFailure(ctx, rec, "capture", err)
		}
		rec.GatewayCaptureRef = captureRef
		if rec, err = s.persistProgress(ctx, rec); err != nil {
			return nil, err
		}
	}

	if rec.GatewayTransferRef == "" {
		transferRef, err := s.callGateway(ctx, func() (string, error) {
			return s.rail.TransferToPayee(ctx, rec.GatewayCaptureRef, rec.PayeeID, rec.NetCents, rec.Currency, gateway.IdempotencyKey(rec.ID, "transfer"))
		})
		if err != nil {
			return nil, s.settlementFailure(ctx, rec, "transfer", err)
		}
		rec.GatewayTransferRef = transferRef
	}

	now := time.Now()
	until := now.Add(s.opts.ContestWindow)
	rec.State = StateReleased
	rec.PendingOp = ""
	rec.ContestWindowUntil = &until
	rec.ResolvedAt = &now
	rec.UpdatedAt = now
	if viaDispute != "" {
		rec.OpenDisputeID = ""
	}

	if err := s.finalizeWrite(ctx, rec); err != nil {
		return nil, err
	}

	s.appendHistory(ctx, rec, viaDispute, rec.ReleasedBy, roleForReleaser(rec.ReleasedBy), "escrow.released",
		fmt.Sprintf("released %s to payee (commission %s)", money.Format(rec.NetCents), money.Format(rec.CommissionCents)))
	s.emit(ctx, "escrow.released", rec)
	return rec, nil
}

// Refund returns money to the payer: from Held it cancels the hold (full) or
// captures and splits (partial); from Released it refunds the captured
// charge. amountCents <= 0 means the full gross amount.
func (s *Service) Refund(ctx context.Context, id string, amountCents int64, reason, authorizedBy, actorRole string) (*Record, error) {
	return s.refund(ctx, id, amountCents, reason, authorizedBy, actorRole, "")
}

func (s *Service) refund(ctx context.Context, id string, amountCents int64, reason, authorizedBy, actorRole, viaDispute string) (*Record, error) {
	var rec *Record
	err := s.withCASRetry(ctx, func() error {
		var err error
		rec, err = s.beginRefund(ctx, id, amountCents, reason, authorizedBy, viaDispute)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.completeRefund(ctx, rec, actorRole, viaDispute)
}

func (s *Service) beginRefund(ctx context.Context, id string, amountCents int64, reason, authorizedBy, viaDispute string) (*Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.State != StateHeld && rec.State != StateReleased {
		return nil, fmt.Errorf("%w: cannot refund from %s", ErrInvalidState, rec.State)
	}
	if rec.OpenDisputeID != "" && rec.OpenDisputeID != viaDispute {
		return nil, ErrDisputeBlocksRelease
	}

	if amountCents <= 0 {
		amountCents = rec.GrossCents
	}
	if amountCents > rec.GrossCents {
		return nil, fmt.Errorf("%w: refund %s exceeds gross %s", ErrInvalidAmount,
			money.Format(amountCents), money.Format(rec.GrossCents))
	}

	if rec.PendingOp == PendingRefund && rec.PendingAmountCents == amountCents {
		return rec, nil
	}
	if rec.PendingOp != "" {
		return nil, fmt.Errorf("%w: %s in flight", ErrSettlementPending, rec.PendingOp)
	}

	rec.PendingOp = PendingRefund
	rec.PendingAmountCents = amountCents
	rec.RefundReason = reason
	rec.RefundedBy = authorizedBy
	rec.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) completeRefund(ctx context.Context, rec *Record, actorRole, viaDispute string) (*Record, error) {
	amount := rec.PendingAmountCents
	full := amount == rec.GrossCents

	switch {
	case rec.State == StateHeld && full && rec.GatewayCaptureRef == "":
		// Nothing was captured: releasing the hold is the whole refund.
		if err := s.cancelHold(ctx, rec); err != nil {
			return nil, err
		}

	case rec.State == StateHeld:
		// Partial refund before capture: capture the hold, refund the
		// disputed part, pay out the commission-split remainder.
		if rec.GatewayCaptureRef == "" {
			captureRef, err := s.callGateway(ctx, func() (string, error) {
				return s.rail.Capture(ctx, rec.GatewayHoldRef, gateway.IdempotencyKey(rec.ID, "capture"))
			})
			if err != nil {
				return nil, s.settlementFailure(ctx, rec, "capture", err)
			}
			rec.GatewayCaptureRef = captureRef
			if rec, err = s.persistProgress(ctx, rec); err != nil {
				return nil, err
			}
		}
		if rec.GatewayRefundRef == "" {
			refundRef, err := s.callGateway(ctx, func() (string, error) {
				return s.rail.Refund(ctx, rec.GatewayCaptureRef, amount, gateway.IdempotencyKey(rec.ID, "refund"))
			})
			if err != nil {
				return nil, s.settlementFailure(ctx, rec, "refund", err)
			}
			rec.GatewayRefundRef = refundRef
			if rec, err = s.persistProgress(ctx, rec); err != nil {
				return nil, err
			}
		}
		if retained := rec.GrossCents - amount; retained > 0 && rec.GatewayTransferRef == "" {
			// Commission applies to the retained portion only, at the
			// rate captured on the record.
			commission, net, err := money.Split(retained, rec.CommissionRate)
			if err != nil {
				return nil, err
			}
			transferRef, err := s.callGateway(ctx, func() (string, error) {
				return s.rail.TransferToPayee(ctx, rec.GatewayCaptureRef, rec.PayeeID, net, rec.Currency, gateway.IdempotencyKey(rec.ID, "transfer"))
			})
			if err != nil {
				return nil, s.settlementFailure(ctx, rec, "transfer", err)
			}
			rec.GatewayTransferRef = transferRef
			rec.CommissionCents = commission
			rec.NetCents = net
		}

	default: // StateReleased: refund against the captured charge
		if rec.GatewayRefundRef == "" {
			refundRef, err := s.callGateway(ctx, func() (string, error) {
				return s.rail.Refund(ctx, rec.GatewayCaptureRef, amount, gateway.IdempotencyKey(rec.ID, "refund"))
			})
			if err != nil {
				return nil, s.settlementFailure(ctx, rec, "refund", err)
			}
			rec.GatewayRefundRef = refundRef
		}
	}

	now := time.Now()
	if full {
		rec.State = StateRefunded
	} else {
		rec.State = StatePartiallyRefunded
	}
	rec.RefundedCents = amount
	rec.PendingOp = ""
	rec.PendingAmountCents = 0
	rec.ResolvedAt = &now
	rec.UpdatedAt = now
	if viaDispute != "" {
		rec.OpenDisputeID = ""
	}

	if err := s.finalizeWrite(ctx, rec); err != nil {
		return nil, err
	}

	if actorRole == "" {
		actorRole = history.RoleSystem
	}
	s.appendHistory(ctx, rec, viaDispute, rec.RefundedBy, actorRole, "escrow.refunded",
		fmt.Sprintf("refunded %s to payer: %s", money.Format(amount), rec.RefundReason))
	if full {
		s.emit(ctx, "escrow.refunded", rec)
	} else {
		s.emit(ctx, "escrow.partially_refunded", rec)
	}
	return rec, nil
}

// Cancel voids a held escrow before any dispute, releasing the hold without
// any transfer. Only valid from Held.
func (s *Service) Cancel(ctx context.Context, id, cancelledBy string) (*Record, error) {
	var rec *Record
	err := s.withCASRetry(ctx, func() error {
		var err error
		rec, err = s.beginCancel(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := s.cancelHold(ctx, rec); err != nil {
		return nil, err
	}

	now := time.Now()
	rec.State = StateCancelled
	rec.PendingOp = ""
	rec.ResolvedAt = &now
	rec.UpdatedAt = now
	if err := s.finalizeWrite(ctx, rec); err != nil {
		return nil, err
	}

	s.appendHistory(ctx, rec, "", cancelledBy, history.RoleSystem, "escrow.cancelled", "contract voided, hold released")
	s.emit(ctx, "escrow.cancelled", rec)
	return rec, nil
}

func (s *Service) beginCancel(ctx context.Context, id string) (*Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State != StateHeld {
		return nil, fmt.Errorf("%w: cannot cancel from %s", ErrInvalidState, rec.State)
	}
	if rec.OpenDisputeID != "" {
		return nil, ErrDisputeBlocksRelease
	}
	if rec.PendingOp == PendingCancel {
		return rec, nil
	}
	if rec.PendingOp != "" {
		return nil, fmt.Errorf("%w: %s in flight", ErrSettlementPending, rec.PendingOp)
	}

	rec.PendingOp = PendingCancel
	rec.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Service) cancelHold(ctx context.Context, rec *Record) error {
	_, err := s.callGateway(ctx, func() (string, error) {
		return "", s.rail.CancelHold(ctx, rec.GatewayHoldRef, gateway.IdempotencyKey(rec.ID, "cancel"))
	})
	if err != nil {
		return s.settlementFailure(ctx, rec, "cancel_hold", err)
	}
	return nil
}

// ResumeSettlement re-drives a settlement whose pending marker survived a
// crash or transient gateway outage. The stored idempotency keys make the
// replayed gateway calls no-ops for steps that already went through.
func (s *Service) ResumeSettlement(ctx context.Context, id string) (*Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch rec.PendingOp {
	case PendingRelease:
		return s.release(ctx, rec.ID, rec.ReleasedBy, rec.OpenDisputeID)
	case PendingRefund:
		return s.refund(ctx, rec.ID, rec.PendingAmountCents, rec.RefundReason, rec.RefundedBy, history.RoleSystem, rec.OpenDisputeID)
	case PendingCancel:
		return s.Cancel(ctx, rec.ID, history.RoleSystem)
	default:
		return nil, fmt.Errorf("%w: no settlement pending", ErrInvalidState)
	}
}

// Get returns an escrow record by ID.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns records where the party is payer or payee, newest
// first. A non-nil cursor resumes after that position.
func (s *Service) ListByParty(ctx context.Context, partyID string, cursor *pagination.Cursor, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, partyID, cursor, limit)
}

// History returns the record's audit trail in append order.
func (s *Service) History(ctx context.Context, id string, limit int) ([]*history.Entry, error) {
	if limit <= 0 {
		limit = 200
	}
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.hist.ListByEscrow(ctx, id, limit)
}

// callGateway runs one gateway operation with bounded retries on transient
// failures. Rejections and other errors are permanent.
func (s *Service) callGateway(ctx context.Context, fn func() (string, error)) (string, error) {
	var ref string
	err := retry.Do(ctx, s.opts.GatewayAttempts, s.opts.GatewayBackoff, func() error {
		var err error
		ref, err = fn()
		if err == nil {
			return nil
		}
		if gateway.IsTransient(err) {
			return err
		}
		return retry.Permanent(err)
	})
	return ref, err
}

// settlementFailure classifies a gateway failure mid-settlement. A transient
// exhaustion leaves the pending marker in place and surfaces as
// ErrSettlementPending for the sweep to pick up; a rejection rolls the marker
// back and surfaces the rejection, unless the settlement carries out a
// dispute decision that has no other path to execution.
func (s *Service) settlementFailure(ctx context.Context, rec *Record, step string, err error) error {
	if gateway.IsTransient(err) {
		s.logger.Warn("settlement left pending after transient gateway failure",
			"escrowId", rec.ID, "step", step, "error", err)
		s.emit(ctx, "escrow.settlement_pending", rec)
		return fmt.Errorf("%w: %s: %v", ErrSettlementPending, step, err)
	}

	// A rejection during a dispute-driven settlement must not strand the
	// record: the case is already terminal and its decision can only be
	// carried out here. Keep the marker so the sweep and ResumeSettlement
	// can re-drive the settlement once the gateway condition is resolved.
	if rec.OpenDisputeID != "" {
		s.logger.Error("dispute settlement rejected by gateway, left pending for retry",
			"escrowId", rec.ID, "disputeId", rec.OpenDisputeID, "step", step, "error", err)
		s.emit(ctx, "escrow.settlement_pending", rec)
		return fmt.Errorf("%w: %s: %v", ErrSettlementPending, step, err)
	}

	// Permanent rejection: the decision cannot proceed, clear the marker.
	rec.PendingOp = ""
	rec.PendingAmountCents = 0
	rec.ReleasedBy = ""
	rec.UpdatedAt = time.Now()
	if uerr := s.store.Update(ctx, rec); uerr != nil {
		s.logger.Error("failed to clear pending marker after gateway rejection",
			"escrowId", rec.ID, "step", step, "error", uerr)
	}
	return fmt.Errorf("gateway %s failed: %w", step, err)
}

// persistProgress saves a gateway reference mid-settlement. On a CAS
// conflict it re-reads and carries the local refs forward: the only
// concurrent writers inside a pending settlement are retries of this same
// operation, which share idempotency keys.
func (s *Service) persistProgress(ctx context.Context, rec *Record) (*Record, error) {
	err := s.store.Update(ctx, rec)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrConcurrentModification) {
		return nil, err
	}

	fresh, gerr := s.store.Get(ctx, rec.ID)
	if gerr != nil {
		return nil, gerr
	}
	if fresh.GatewayCaptureRef == "" {
		fresh.GatewayCaptureRef = rec.GatewayCaptureRef
	}
	if fresh.GatewayTransferRef == "" {
		fresh.GatewayTransferRef = rec.GatewayTransferRef
	}
	if fresh.GatewayRefundRef == "" {
		fresh.GatewayRefundRef = rec.GatewayRefundRef
	}
	fresh.UpdatedAt = time.Now()
	if err := s.store.Update(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}

// finalizeWrite persists the terminal transition, retrying through CAS
// conflicts by re-reading and re-applying: funds already moved, the state
// change must land.
func (s *Service) finalizeWrite(ctx context.Context, rec *Record) error {
	err := s.store.Update(ctx, rec)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrConcurrentModification) {
		s.logger.Error("CRITICAL: funds moved but escrow state write failed",
			"escrowId", rec.ID, "state", rec.State, "error", err)
		return fmt.Errorf("failed to persist settled state (requires operator attention): %w", err)
	}

	fresh, gerr := s.store.Get(ctx, rec.ID)
	if gerr != nil {
		return gerr
	}
	rec.Revision = fresh.Revision
	if err := s.store.Update(ctx, rec); err != nil {
		s.logger.Error("CRITICAL: funds moved but escrow state write failed",
			"escrowId", rec.ID, "state", rec.State, "error", err)
		return fmt.Errorf("failed to persist settled state (requires operator attention): %w", err)
	}
	return nil
}

// withCASRetry retries fn on concurrent-modification conflicts with backoff.
func (s *Service) withCASRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, s.opts.CASAttempts, 25*time.Millisecond, func() error {
		err := fn()
		if err == nil || errors.Is(err, ErrConcurrentModification) {
			return err
		}
		return retry.Permanent(err)
	})
}

func (s *Service) appendHistory(ctx context.Context, rec *Record, disputeID, actorID, actorRole, action, description string) {
	err := s.hist.Append(ctx, &history.Entry{
		EscrowID:    rec.ID,
		DisputeID:   disputeID,
		ActorID:     actorID,
		ActorRole:   actorRole,
		Action:      action,
		Description: description,
		ResultState: string(rec.State),
	})
	if err != nil {
		s.logger.Warn("failed to append escrow history", "escrowId", rec.ID, "action", action, "error", err)
	}
}

func (s *Service) emit(ctx context.Context, eventType string, rec *Record) {
	if s.events == nil {
		return
	}
	s.events.Emit(ctx, eventType, map[string]any{
		"escrowId":   rec.ID,
		"contractId": rec.ContractID,
		"payerId":    rec.PayerID,
		"payeeId":    rec.PayeeID,
		"amount":     rec.Gross,
		"state":      string(rec.State),
	})
}

func roleForReleaser(releasedBy string) string {
	switch releasedBy {
	case ReleasedByPayer:
		return history.RolePayer
	case ReleasedByMediator:
		return history.RoleMediator
	default:
		return history.RoleSystem
	}
}
