package escrow

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/mversen/custodia/internal/gateway"
	"github.com/mversen/custodia/internal/history"
	"github.com/mversen/custodia/internal/money"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *gateway.Fake, *history.MemoryLog) {
	t.Helper()
	store := NewMemoryStore()
	rail := gateway.NewFake()
	hist := history.NewMemoryLog()
	svc := NewService(store, rail, hist, testLogger(), &Options{
		GatewayBackoff: time.Millisecond,
	})
	return svc, store, rail, hist
}

func mustHold(t *testing.T, svc *Service, amount string, rate float64) *Record {
	t.Helper()
	rec, err := svc.Hold(context.Background(), HoldRequest{
		ContractID:     "ctr_1",
		PayerID:        "payer_1",
		PayeeID:        "payee_1",
		Amount:         amount,
		CommissionRate: &rate,
	})
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	return rec
}

func TestHoldCreatesHeldRecord(t *testing.T) {
	svc, _, rail, hist := newTestService(t)
	rec := mustHold(t, svc, "1000.00", 0.08)

	if rec.State != StateHeld {
		t.Errorf("State = %s, want held", rec.State)
	}
	if rec.GrossCents != 100000 {
		t.Errorf("GrossCents = %d, want 100000", rec.GrossCents)
	}
	if rec.Gross != "1000.00" {
		t.Errorf("Gross = %q, want 1000.00", rec.Gross)
	}
	if rec.GatewayHoldRef == "" {
		t.Error("Expected a gateway hold reference")
	}
	if rec.AutoReleaseAt.IsZero() {
		t.Error("Expected AutoReleaseAt to be set")
	}
	if rail.Holds != 1 {
		t.Errorf("Holds = %d, want 1", rail.Holds)
	}

	entries, err := hist.ListByEscrow(context.Background(), rec.ID, 10)
	if err != nil {
		t.Fatalf("ListByEscrow failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "escrow.held" {
		t.Errorf("Expected one escrow.held history entry, got %v", entries)
	}
}

func TestHoldInvalidAmount(t *testing.T) {
	svc, _, rail, _ := newTestService(t)

	for _, amount := range []string{"", "0", "0.00", "-5.00", "1.234", "abc"} {
		_, err := svc.Hold(context.Background(), HoldRequest{
			ContractID: "ctr_1", PayerID: "p", PayeeID: "q", Amount: amount,
		})
		if !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Hold(%q) error = %v, want ErrInvalidAmount", amount, err)
		}
	}
	if rail.Holds != 0 {
		t.Errorf("No gateway call expected for invalid amounts, got %d", rail.Holds)
	}
}

func TestHoldAuthorizationRejected(t *testing.T) {
	svc, store, rail, _ := newTestService(t)
	rail.SetFail("hold", gateway.Rejected("card_declined", "insufficient funds"))

	_, err := svc.Hold(context.Background(), HoldRequest{
		ContractID: "ctr_1", PayerID: "p", PayeeID: "q", Amount: "50.00",
	})
	if !errors.Is(err, ErrAuthorizationFailed) {
		t.Fatalf("error = %v, want ErrAuthorizationFailed", err)
	}

	// Nothing persisted when the authorization never went through.
	records, _ := store.ListByParty(context.Background(), "p", nil, 10)
	if len(records) != 0 {
		t.Errorf("Expected no records, got %d", len(records))
	}
}

func TestReleaseTransfersNetAndKeepsCommission(t *testing.T) {
	svc, _, rail, _ := newTestService(t)
	rec := mustHold(t, svc, "1000.00", 0.08)

	released, err := svc.Release(context.Background(), rec.ID, ReleasedByPayer)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	if released.State != StateReleased {
		t.Errorf("State = %s, want released", released.State)
	}
	if released.CommissionCents != 8000 || released.NetCents != 92000 {
		t.Errorf("Split = %d/%d, want 8000/92000", released.CommissionCents, released.NetCents)
	}
	if released.CommissionCents+released.NetCents != released.GrossCents {
		t.Error("commission + net must equal gross")
	}
	if released.ContestWindowUntil == nil || !released.ContestWindowUntil.After(time.Now()) {
		t.Error("Expected an open contest window after release")
	}
	if released.ReleasedBy != ReleasedByPayer {
		t.Errorf("ReleasedBy = %q, want payer", released.ReleasedBy)
	}
	if rail.Captures != 1 || rail.Transfers != 1 {
		t.Errorf("Captures/Transfers = %d/%d, want 1/1", rail.Captures, rail.Transfers)
	}
}

func TestReleaseOnlyFromHeld(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	rec := mustHold(t, svc, "100.00", 0.05)

	if _, err := svc.Release(context.Background(), rec.ID, ReleasedByPayer); err != nil {
		t.Fatalf("first release failed: %v", err)
	}
	_, err := svc.Release(context.Background(), rec.ID, ReleasedByPayer)
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("second release error = %v, want ErrInvalidState", err)
	}
}

func TestReleaseBlockedByOpenDispute(t *testing.T) {
	svc, _, rail, _ := newTestService(t)
	rec := mustHold(t, svc, "100.00", 0.05)

	if _, err := svc.FreezeForDispute(context.Background(), rec.ID, "dsp_1"); err != nil {
		t.Fatalf("FreezeForDispute failed: %v", err)
	}

	_, err := svc.Release(context.Background(), rec.ID, ReleasedByPayer)
	if !errors.Is(err, ErrDisputeBlocksRelease) {
		t.Fatalf("error = %v, want ErrDisputeBlocksRelease", err)
	}
	// The guard must trip before any money moves.
	if rail.Captures != 0 || rail.Transfers != 0 {
		t.Errorf("Captures/Transfers = %d/%d, want 0/0", rail.Captures, rail.Transfers)
	}
}

func TestTransientFailureLeavesResumableMarker(t *testing.T) {
	svc, store, rail, _ := newTestService(t)
	rec := mustHold(t, svc, "200.00", 0.10)

	rail.SetFail("transfer", gateway.Transient(errors.New("rail timeout")))
	_, err := svc.Release(context.Background(), rec.ID, ReleasedByPayer)
	if !errors.Is(err, ErrSettlementPending) {
		t.Fatalf("error = %v, want ErrSettlementPending", err)
	}

	stuck, _ := store.Get(context.Background(), rec.ID)
	if stuck.State != StateHeld || stuck.PendingOp != PendingRelease {
		t.Fatalf("record = %s/%s, want held/release marker", stuck.State, stuck.PendingOp)
	}
	if stuck.GatewayCaptureRef == "" {
		t.Error("capture reference should have been persisted before the transfer failed")
	}

	pending, err := store.ListPendingSettlement(context.Background(), 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListPendingSettlement = %v, %v; want the stuck record", pending, err)
	}

	// The rail comes back; the sweep resumes the same decision.
	rail.SetFail("transfer", nil)
	resumed, err := svc.ResumeSettlement(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("ResumeSettlement failed: %v", err)
	}
	if resumed.State != StateReleased {
		t.Errorf("State = %s, want released", resumed.State)
	}
	// The replay reused the idempotency key: still exactly one capture.
	if rail.Captures != 1 || rail.Transfers != 1 {
		t.Errorf("Captures/Transfers = %d/%d, want 1/1", rail.Captures, rail.Transfers)
	}
}

func TestRejectionRollsBackPendingMarker(t *testing.T) {
	svc, store, rail, _ := newTestService(t)
	rec := mustHold(t, svc, "200.00", 0.10)

	rail.SetFail("capture", gateway.Rejected("charge_failed", "issuer said no"))
	_, err := svc.Release(context.Background(), rec.ID, ReleasedByPayer)
	if err == nil || errors.Is(err, ErrSettlementPending) {
		t.Fatalf("error = %v, want a permanent gateway failure", err)
	}

	after, _ := store.Get(context.Background(), rec.ID)
	if after.State != StateHeld || after.PendingOp != "" {
		t.Errorf("record = %s/%q, want held with no marker", after.State, after.PendingOp)
	}
}

func TestDisputeSettlementRejectionStaysResumable(t *testing.T) {
	svc, store, rail, _ := newTestService(t)
	rec := mustHold(t, svc, "100.00", 0.05)

	if _, err := svc.FreezeForDispute(context.Background(), rec.ID, "dsp_1"); err != nil {
		t.Fatalf("FreezeForDispute failed: %v", err)
	}

	rail.SetFail("cancel", gateway.Rejected("hold_expired", "authorization no longer cancellable"))
	_, err := svc.SettleDisputeOutcome(context.Background(), rec.ID, "dsp_1",
		OutcomeFullRefund, 0, "med_1", history.RoleMediator)
	if !errors.Is(err, ErrSettlementPending) {
		t.Fatalf("error = %v, want ErrSettlementPending", err)
	}

	// The committed outcome has no other path to execution, so the marker
	// and the dispute guard must survive the rejection.
	stuck, _ := store.Get(context.Background(), rec.ID)
	if stuck.PendingOp != PendingRefund || stuck.OpenDisputeID != "dsp_1" {
		t.Fatalf("record = %q guard %q, want refund marker with dispute guard",
			stuck.PendingOp, stuck.OpenDisputeID)
	}
	pending, err := store.ListPendingSettlement(context.Background(), 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListPendingSettlement = %v, %v; want the stuck record", pending, err)
	}

	// The gateway condition clears; re-driving finishes the refund.
	rail.SetFail("cancel", nil)
	resumed, err := svc.ResumeSettlement(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("ResumeSettlement failed: %v", err)
	}
	if resumed.State != StateRefunded || resumed.OpenDisputeID != "" {
		t.Errorf("record = %s guard %q, want refunded with guard cleared",
			resumed.State, resumed.OpenDisputeID)
	}
}

func TestHoldExplicitZeroCommission(t *testing.T) {
	store := NewMemoryStore()
	rail := gateway.NewFake()
	svc := NewService(store, rail, history.NewMemoryLog(), testLogger(), &Options{
		GatewayBackoff:        time.Millisecond,
		DefaultCommissionRate: 0.10,
	})

	zero := 0.0
	rec, err := svc.Hold(context.Background(), HoldRequest{
		ContractID: "ctr_1", PayerID: "payer_1", PayeeID: "payee_1",
		Amount: "100.00", CommissionRate: &zero,
	})
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if rec.CommissionRate != 0 {
		t.Fatalf("CommissionRate = %v, want explicit 0", rec.CommissionRate)
	}

	released, err := svc.Release(context.Background(), rec.ID, ReleasedByPayer)
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.CommissionCents != 0 || released.NetCents != 10000 {
		t.Errorf("Split = %d/%d, want 0/10000", released.CommissionCents, released.NetCents)
	}

	// Omitting the rate entirely still picks up the platform default.
	def, err := svc.Hold(context.Background(), HoldRequest{
		ContractID: "ctr_2", PayerID: "payer_1", PayeeID: "payee_1", Amount: "100.00",
	})
	if err != nil {
		t.Fatalf("Hold failed: %v", err)
	}
	if def.CommissionRate != 0.10 {
		t.Errorf("CommissionRate = %v, want default 0.10", def.CommissionRate)
	}
}

func TestFullRefundFromHeldCancelsHold(t *testing.T) {
	svc, _, rail, _ := newTestService(t)
	rec := mustHold(t, svc, "300.00", 0.08)

	refunded, err := svc.Refund(context.Background(), rec.ID, 0, "not delivered", "payer_1", history.RolePayer)
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}

	if refunded.State != StateRefunded {
		t.Errorf("State = %s, want refunded", refunded.State)
	}
	if refunded.RefundedCents != 30000 {
		t.Errorf("RefundedCents = %d, want 30000", refunded.RefundedCents)
	}
	// Nothing was captured, so the refund is just a hold cancellation.
	if rail.Cancels != 1 || rail.Captures != 0 || rail.Refunds != 0 {
		t.Errorf("Cancels/Captures/Refunds = %d/%d/%d, want 1/0/0",
			rail.Cancels, rail.Captures, rail.Refunds)
	}
}

func TestPartialRefundFromHeldSplitsRemainder(t *testing.T) {
	svc, _, rail, _ := newTestService(t)
	rec := mustHold(t, svc, "100.00", 0.10)

	refunded, err := svc.Refund(context.Background(), rec.ID, 3000, "partial delivery", "med_1", history.RoleMediator)
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}

	if refunded.State != StatePartiallyRefunded {
		t.Errorf("State = %s, want partially_refunded", refunded.State)
	}
	if refunded.RefundedCents != 3000 {
		t.Errorf("RefundedCents = %d, want 3000", refunded.RefundedCents)
	}
	// Commission on the retained 70.00 only: 7.00 commission, 63.00 to payee.
	if refunded.CommissionCents != 700 || refunded.NetCents != 6300 {
		t.Errorf("Split = %d/%d, want 700/6300", refunded.CommissionCents, refunded.NetCents)
	}
	if rail.Captures != 1 || rail.Refunds != 1 || rail.Transfers != 1 {
		t.Errorf("Captures/Refunds/Transfers = %d/%d/%d, want 1/1/1",
			rail.Captures, rail.Refunds, rail.Transfers)
	}
}

func TestRefundAfterRelease(t *testing.T) {
	svc, _, rail, _ := newTestService(t)
	rec := mustHold(t, svc, "100.00", 0.05)

	if _, err := svc.Release(context.Background(), rec.ID, ReleasedByPayer); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	refunded, err := svc.Refund(context.Background(), rec.ID, 2500, "goodwill", "med_1", history.RoleMediator)
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if refunded.State != StatePartiallyRefunded {
		t.Errorf("State = %s, want partially_refunded", refunded.State)
	}
	// Refund goes against the already-captured charge.
	if rail.Refunds != 1 || rail.Captures != 1 {
		t.Errorf("Refunds/Captures = %d/%d, want 1/1", rail.Refunds, rail.Captures)
	}
}

func TestRefundExceedingGrossRejected(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	rec := mustHold(t, svc, "100.00", 0.05)

	_, err := svc.Refund(context.Background(), rec.ID, 10001, "too much", "payer_1", history.RolePayer)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("error = %v, want ErrInvalidAmount", err)
	}
}

func TestCancelReleasesHold(t *testing.T) {
	svc, _, rail, _ := newTestService(t)
	rec := mustHold(t, svc, "100.00", 0.05)

	cancelled, err := svc.Cancel(context.Background(), rec.ID, "payer_1")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.State != StateCancelled {
		t.Errorf("State = %s, want cancelled", cancelled.State)
	}
	if rail.Cancels != 1 || rail.Captures != 0 {
		t.Errorf("Cancels/Captures = %d/%d, want 1/0", rail.Cancels, rail.Captures)
	}

	_, err = svc.Cancel(context.Background(), rec.ID, "payer_1")
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("second cancel error = %v, want ErrInvalidState", err)
	}
}

func TestFreezeForDispute(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	rec := mustHold(t, svc, "100.00", 0.05)

	frozen, err := svc.FreezeForDispute(context.Background(), rec.ID, "dsp_1")
	if err != nil {
		t.Fatalf("FreezeForDispute failed: %v", err)
	}
	if frozen.OpenDisputeID != "dsp_1" {
		t.Errorf("OpenDisputeID = %q, want dsp_1", frozen.OpenDisputeID)
	}

	// Only one dispute at a time.
	_, err = svc.FreezeForDispute(context.Background(), rec.ID, "dsp_2")
	if !errors.Is(err, ErrDisputeAlreadyOpen) {
		t.Errorf("error = %v, want ErrDisputeAlreadyOpen", err)
	}
}

func TestFreezeRejectedOnTerminalRecord(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	rec := mustHold(t, svc, "100.00", 0.05)

	if _, err := svc.Cancel(context.Background(), rec.ID, "payer_1"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	_, err := svc.FreezeForDispute(context.Background(), rec.ID, "dsp_1")
	if !errors.Is(err, ErrNotDisputable) {
		t.Errorf("error = %v, want ErrNotDisputable", err)
	}
}

func TestFreezeAllowedDuringContestWindow(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	rec := mustHold(t, svc, "100.00", 0.05)

	if _, err := svc.Release(context.Background(), rec.ID, ReleasedByPayer); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := svc.FreezeForDispute(context.Background(), rec.ID, "dsp_1"); err != nil {
		t.Fatalf("FreezeForDispute during contest window failed: %v", err)
	}
}

func TestSettleDisputeOutcomeFullRefund(t *testing.T) {
	svc, _, rail, _ := newTestService(t)
	rec := mustHold(t, svc, "100.00", 0.05)

	if _, err := svc.FreezeForDispute(context.Background(), rec.ID, "dsp_1"); err != nil {
		t.Fatalf("FreezeForDispute failed: %v", err)
	}

	settled, err := svc.SettleDisputeOutcome(context.Background(), rec.ID, "dsp_1",
		OutcomeFullRefund, 0, "med_1", history.RoleMediator)
	if err != nil {
		t.Fatalf("SettleDisputeOutcome failed: %v", err)
	}
	if settled.State != StateRefunded {
		t.Errorf("State = %s, want refunded", settled.State)
	}
	if settled.OpenDisputeID != "" {
		t.Error("dispute guard should be cleared on settlement")
	}
	if rail.Cancels != 1 {
		t.Errorf("Cancels = %d, want 1", rail.Cancels)
	}
}

func TestSettleDisputeOutcomeRelease(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	rec := mustHold(t, svc, "100.00", 0.05)

	if _, err := svc.FreezeForDispute(context.Background(), rec.ID, "dsp_1"); err != nil {
		t.Fatalf("FreezeForDispute failed: %v", err)
	}

	settled, err := svc.SettleDisputeOutcome(context.Background(), rec.ID, "dsp_1",
		OutcomeRelease, 0, "med_1", history.RoleMediator)
	if err != nil {
		t.Fatalf("SettleDisputeOutcome failed: %v", err)
	}
	if settled.State != StateReleased || settled.ReleasedBy != ReleasedByMediator {
		t.Errorf("got %s by %q, want released by mediator", settled.State, settled.ReleasedBy)
	}
	if settled.OpenDisputeID != "" {
		t.Error("dispute guard should be cleared on settlement")
	}
}

func TestSettleDisputeOutcomeReleaseAfterContestedRelease(t *testing.T) {
	svc, _, rail, _ := newTestService(t)
	rec := mustHold(t, svc, "100.00", 0.05)

	if _, err := svc.Release(context.Background(), rec.ID, ReleasedByPayer); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, err := svc.FreezeForDispute(context.Background(), rec.ID, "dsp_1"); err != nil {
		t.Fatalf("FreezeForDispute failed: %v", err)
	}

	settled, err := svc.SettleDisputeOutcome(context.Background(), rec.ID, "dsp_1",
		OutcomeRelease, 0, "med_1", history.RoleMediator)
	if err != nil {
		t.Fatalf("SettleDisputeOutcome failed: %v", err)
	}
	if settled.State != StateReleased || settled.OpenDisputeID != "" {
		t.Errorf("got %s guard %q, want released with guard cleared", settled.State, settled.OpenDisputeID)
	}
	// Funds already sat with the payee; no second settlement.
	if rail.Captures != 1 || rail.Transfers != 1 {
		t.Errorf("Captures/Transfers = %d/%d, want 1/1", rail.Captures, rail.Transfers)
	}
}

func TestUnfreezeRestoresNormalFlow(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	rec := mustHold(t, svc, "100.00", 0.05)

	if _, err := svc.FreezeForDispute(context.Background(), rec.ID, "dsp_1"); err != nil {
		t.Fatalf("FreezeForDispute failed: %v", err)
	}
	if err := svc.Unfreeze(context.Background(), rec.ID, "dsp_1"); err != nil {
		t.Fatalf("Unfreeze failed: %v", err)
	}
	if _, err := svc.Release(context.Background(), rec.ID, ReleasedByPayer); err != nil {
		t.Fatalf("Release after unfreeze failed: %v", err)
	}
}

func TestMemoryStoreCAS(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := &Record{ID: "esc_1", PayerID: "p", PayeeID: "q", State: StateHeld}
	if err := store.Create(ctx, rec); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	a, _ := store.Get(ctx, "esc_1")
	b, _ := store.Get(ctx, "esc_1")

	a.ReleasedBy = ReleasedByPayer
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("first update failed: %v", err)
	}

	b.ReleasedBy = ReleasedByTimeout
	if err := store.Update(ctx, b); !errors.Is(err, ErrConcurrentModification) {
		t.Errorf("stale update error = %v, want ErrConcurrentModification", err)
	}

	final, _ := store.Get(ctx, "esc_1")
	if final.ReleasedBy != ReleasedByPayer || final.Revision != 1 {
		t.Errorf("record = %q rev %d, want payer rev 1", final.ReleasedBy, final.Revision)
	}
}

func TestListReleasableSkipsDisputedAndPending(t *testing.T) {
	svc, store, rail, _ := newTestService(t)

	due := mustHold(t, svc, "100.00", 0.05)
	disputed := mustHold(t, svc, "100.00", 0.05)
	stuck := mustHold(t, svc, "100.00", 0.05)

	if _, err := svc.FreezeForDispute(context.Background(), disputed.ID, "dsp_1"); err != nil {
		t.Fatalf("FreezeForDispute failed: %v", err)
	}
	rail.SetFail("capture", gateway.Transient(errors.New("down")))
	if _, err := svc.Release(context.Background(), stuck.ID, ReleasedByPayer); !errors.Is(err, ErrSettlementPending) {
		t.Fatalf("expected pending settlement, got %v", err)
	}
	rail.SetFail("capture", nil)

	// Everything is due once we look far enough ahead.
	horizon := time.Now().Add(30 * 24 * time.Hour)
	releasable, err := store.ListReleasable(context.Background(), horizon, 10)
	if err != nil {
		t.Fatalf("ListReleasable failed: %v", err)
	}
	if len(releasable) != 1 || releasable[0].ID != due.ID {
		t.Errorf("ListReleasable = %v, want only %s", releasable, due.ID)
	}
}

func TestHistoryTrailAcrossLifecycle(t *testing.T) {
	svc, _, _, hist := newTestService(t)
	rec := mustHold(t, svc, "1000.00", 0.08)

	if _, err := svc.Release(context.Background(), rec.ID, ReleasedByPayer); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	entries, err := hist.ListByEscrow(context.Background(), rec.ID, 10)
	if err != nil {
		t.Fatalf("ListByEscrow failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Action != "escrow.held" || entries[1].Action != "escrow.released" {
		t.Errorf("actions = %s, %s", entries[0].Action, entries[1].Action)
	}
	if entries[0].ID >= entries[1].ID {
		t.Error("history IDs must be monotonically increasing")
	}
	if entries[1].ResultState != string(StateReleased) {
		t.Errorf("ResultState = %q, want released", entries[1].ResultState)
	}
}

func TestSplitInvariantAcrossAmounts(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	for _, tc := range []struct {
		amount string
		rate   float64
	}{
		{"0.01", 0.08},
		{"0.50", 0.05},
		{"33.33", 0.10},
		{"999999.99", 0.025},
	} {
		rec := mustHold(t, svc, tc.amount, tc.rate)
		released, err := svc.Release(context.Background(), rec.ID, ReleasedByPayer)
		if err != nil {
			t.Fatalf("Release(%s @ %v) failed: %v", tc.amount, tc.rate, err)
		}
		if released.CommissionCents+released.NetCents != released.GrossCents {
			t.Errorf("%s @ %v: commission %d + net %d != gross %d",
				tc.amount, tc.rate, released.CommissionCents, released.NetCents, released.GrossCents)
		}
		if got := money.Format(released.GrossCents); got != tc.amount {
			t.Errorf("Format round trip = %q, want %q", got, tc.amount)
		}
	}
}
