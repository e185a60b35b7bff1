package dispute

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mversen/custodia/internal/testutil"
)

func seedCase(id, escrowID string) *Case {
	now := time.Now().UTC()
	return &Case{
		ID:            id,
		EscrowID:      escrowID,
		ContractID:    "ctr_1",
		PayerID:       "payer_1",
		PayeeID:       "payee_1",
		DeclarantID:   "payer_1",
		DeclarantRole: "payer",
		ClaimType:     "not_delivered",
		Description:   "nothing arrived",
		State:         StateOpen,
		OpenedAt:      now,
		UpdatedAt:     now,
	}
}

func TestPostgresStore_CaseRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	c := seedCase("dsp_pg1", "esc_1")
	c.Attachments = []Attachment{{
		URL:        "https://files.example.com/ev1.png",
		Type:       "image/png",
		SizeBytes:  2048,
		UploaderID: "payer_1",
		UploadedAt: time.Now().UTC(),
	}}
	if err := store.Create(ctx, c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "dsp_pg1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.State != StateOpen || got.ClaimType != "not_delivered" {
		t.Errorf("got state=%s claim=%s", got.State, got.ClaimType)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].URL != "https://files.example.com/ev1.png" {
		t.Errorf("attachments = %+v, want the evidence back", got.Attachments)
	}

	if _, err := store.Get(ctx, "dsp_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestPostgresStore_CaseUpdateCAS(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	c := seedCase("dsp_pg2", "esc_1")
	if err := store.Create(ctx, c); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	fresh, _ := store.Get(ctx, c.ID)
	fresh.State = StateMediation
	fresh.AssignedMediatorID = "med_1"
	if err := store.Update(ctx, fresh); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	stale := seedCase("dsp_pg2", "esc_1")
	stale.State = StateAbandoned
	if err := store.Update(ctx, stale); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("stale Update = %v, want ErrConcurrentModification", err)
	}

	got, _ := store.Get(ctx, c.ID)
	if got.State != StateMediation || got.AssignedMediatorID != "med_1" {
		t.Errorf("case = %s/%s, want mediation/med_1", got.State, got.AssignedMediatorID)
	}
}

func TestPostgresStore_ListByEscrowAndState(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, seedCase("dsp_a", "esc_1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	abandoned := seedCase("dsp_b", "esc_1")
	abandoned.State = StateAbandoned
	if err := store.Create(ctx, abandoned); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, seedCase("dsp_c", "esc_2")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	byEscrow, err := store.ListByEscrow(ctx, "esc_1", 10)
	if err != nil {
		t.Fatalf("ListByEscrow failed: %v", err)
	}
	if len(byEscrow) != 2 {
		t.Errorf("ListByEscrow = %d cases, want 2", len(byEscrow))
	}

	open, err := store.ListByState(ctx, StateOpen, 10)
	if err != nil {
		t.Fatalf("ListByState failed: %v", err)
	}
	if len(open) != 2 {
		t.Errorf("ListByState(open) = %d cases, want 2", len(open))
	}
}

func TestPostgresStore_ProposalRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	c := seedCase("dsp_pg3", "esc_1")
	if err := store.Create(ctx, c); err != nil {
		t.Fatalf("Create case failed: %v", err)
	}

	now := time.Now().UTC()
	p := &Proposal{
		ID:                "prop_pg1",
		DisputeID:         c.ID,
		ProposerID:        "payer_1",
		ProposedBy:        "payer",
		Kind:              KindPartialRefund,
		CompensationCents: 2500,
		State:             ProposalPending,
		PayerAccepted:     true,
		CreatedAt:         now,
	}
	if err := store.CreateProposal(ctx, p); err != nil {
		t.Fatalf("CreateProposal failed: %v", err)
	}

	got, err := store.GetProposal(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetProposal failed: %v", err)
	}
	if got.Kind != KindPartialRefund || got.CompensationCents != 2500 || !got.PayerAccepted {
		t.Errorf("proposal = %+v", got)
	}

	got.State = ProposalAccepted
	got.PayeeAccepted = true
	decided := time.Now().UTC()
	got.DecidedAt = &decided
	if err := store.UpdateProposal(ctx, got); err != nil {
		t.Fatalf("UpdateProposal failed: %v", err)
	}

	stale := &Proposal{ID: p.ID, DisputeID: c.ID, State: ProposalRejected}
	if err := store.UpdateProposal(ctx, stale); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("stale UpdateProposal = %v, want ErrConcurrentModification", err)
	}

	list, err := store.ListProposals(ctx, c.ID)
	if err != nil {
		t.Fatalf("ListProposals failed: %v", err)
	}
	if len(list) != 1 || list[0].State != ProposalAccepted {
		t.Errorf("proposals = %+v, want one accepted", list)
	}

	if _, err := store.GetProposal(ctx, "prop_missing"); !errors.Is(err, ErrProposalNotFound) {
		t.Errorf("GetProposal missing = %v, want ErrProposalNotFound", err)
	}
}
