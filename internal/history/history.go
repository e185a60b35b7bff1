// Package history provides the append-only audit trail shared by the escrow
// and dispute state machines.
//
// Entries are never mutated or deleted. The log assigns each entry a
// monotonically increasing ID at append time; that ordering is the source of
// truth when reconstructing how a record reached its current state, and is
// what gets handed over as dispute evidence.
package history

import (
	"context"
	"errors"
	"time"
)

var ErrMissingEscrowID = errors.New("history entry requires an escrow id")

// Actor roles recorded on entries.
const (
	RolePayer    = "payer"
	RolePayee    = "payee"
	RoleMediator = "mediator"
	RoleSystem   = "system"
)

// Entry is a single audit record. EscrowID is always set; DisputeID is set
// for actions taken on a dispute case.
type Entry struct {
	ID          int64             `json:"id"`
	EscrowID    string            `json:"escrowId"`
	DisputeID   string            `json:"disputeId,omitempty"`
	ActorID     string            `json:"actorId"`
	ActorRole   string            `json:"actorRole"`
	Action      string            `json:"action"`
	Description string            `json:"description,omitempty"`
	ResultState string            `json:"resultState,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// Log persists history entries. Append assigns the entry ID and timestamp;
// the listing methods return entries in append order.
type Log interface {
	Append(ctx context.Context, entry *Entry) error
	ListByEscrow(ctx context.Context, escrowID string, limit int) ([]*Entry, error)
	ListByDispute(ctx context.Context, disputeID string, limit int) ([]*Entry, error)
}

// Record is a convenience for building and appending an entry in one call.
func Record(ctx context.Context, log Log, escrowID, disputeID, actorID, actorRole, action, description, resultState string) error {
	return log.Append(ctx, &Entry{
		EscrowID:    escrowID,
		DisputeID:   disputeID,
		ActorID:     actorID,
		ActorRole:   actorRole,
		Action:      action,
		Description: description,
		ResultState: resultState,
	})
}
