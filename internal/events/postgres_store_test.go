package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mversen/custodia/internal/testutil"
)

func seedSubscription(id, partyID string, eventTypes ...EventType) *Subscription {
	return &Subscription{
		ID:        id,
		PartyID:   partyID,
		URL:       "https://hooks.example.com/" + id,
		Secret:    "whsec_test",
		Events:    eventTypes,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
}

func TestPostgresStore_SubscriptionRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	sub := seedSubscription("wh_pg1", "payer_1", EventEscrowHeld, EventDisputeOpened)
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "wh_pg1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.PartyID != "payer_1" || len(got.Events) != 2 || !got.Active {
		t.Errorf("subscription = %+v", got)
	}
	if got.Secret != "whsec_test" {
		t.Errorf("Secret = %q, want stored secret", got.Secret)
	}

	if _, err := store.Get(ctx, "wh_missing"); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("Get missing = %v, want ErrSubscriptionNotFound", err)
	}
}

func TestPostgresStore_GetByEventMatchesAndFilters(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	if err := store.Create(ctx, seedSubscription("wh_a", "payer_1", EventEscrowHeld)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := store.Create(ctx, seedSubscription("wh_b", "payee_1", EventDisputeOpened)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	inactive := seedSubscription("wh_c", "payer_2", EventEscrowHeld)
	inactive.Active = false
	if err := store.Create(ctx, inactive); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	subs, err := store.GetByEvent(ctx, EventEscrowHeld)
	if err != nil {
		t.Fatalf("GetByEvent failed: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != "wh_a" {
		t.Errorf("GetByEvent = %+v, want only wh_a (active escrow.held subscriber)", subs)
	}

	byParty, err := store.GetByParty(ctx, "payee_1")
	if err != nil {
		t.Fatalf("GetByParty failed: %v", err)
	}
	if len(byParty) != 1 || byParty[0].ID != "wh_b" {
		t.Errorf("GetByParty = %+v, want wh_b", byParty)
	}
}

func TestPostgresStore_UpdateAndDelete(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	sub := seedSubscription("wh_pg2", "payer_1", EventEscrowReleased)
	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	now := time.Now().UTC()
	sub.Active = false
	sub.LastError = "connection refused"
	sub.ConsecutiveFailures = 20
	sub.LastSuccess = &now
	if err := store.Update(ctx, sub); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	got, _ := store.Get(ctx, sub.ID)
	if got.Active || got.ConsecutiveFailures != 20 || got.LastError != "connection refused" {
		t.Errorf("after update = %+v", got)
	}
	if got.LastSuccess == nil {
		t.Error("LastSuccess not persisted")
	}

	if err := store.Delete(ctx, sub.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, sub.ID); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("Get after delete = %v, want ErrSubscriptionNotFound", err)
	}
}
