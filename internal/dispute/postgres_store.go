package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mversen/custodia/internal/money"
)

// PostgresStore persists dispute cases and proposals in PostgreSQL, with
// compare-and-swap updates conditioned on the stored revision.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, c *Case) error {
	attachments, err := json.Marshal(c.Attachments)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, escrow_id, contract_id, payer_id, payee_id,
			declarant_id, declarant_role, claim_type, description, disputed_cents,
			state, assigned_mediator_id, pending_proposal_id, attachments,
			opened_at, updated_at, resolved_at, revision
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17, $18
		)`,
		c.ID, c.EscrowID, c.ContractID, c.PayerID, c.PayeeID,
		c.DeclarantID, c.DeclarantRole, c.ClaimType, nullString(c.Description), c.DisputedCents,
		string(c.State), nullString(c.AssignedMediatorID), nullString(c.PendingProposalID), attachments,
		c.OpenedAt, c.UpdatedAt, nullTime(c.ResolvedAt), c.Revision,
	)
	return err
}

const caseColumns = `id, escrow_id, contract_id, payer_id, payee_id,
	       declarant_id, declarant_role, claim_type, description, disputed_cents,
	       state, assigned_mediator_id, pending_proposal_id, attachments,
	       opened_at, updated_at, resolved_at, revision`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Case, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM disputes WHERE id = $1`, id)

	c, err := scanCase(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return c, err
}

func (p *PostgresStore) Update(ctx context.Context, c *Case) error {
	attachments, err := json.Marshal(c.Attachments)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			state = $1, assigned_mediator_id = $2, pending_proposal_id = $3,
			attachments = $4, updated_at = $5, resolved_at = $6,
			revision = revision + 1
		WHERE id = $7 AND revision = $8`,
		string(c.State), nullString(c.AssignedMediatorID), nullString(c.PendingProposalID),
		attachments, c.UpdatedAt, nullTime(c.ResolvedAt),
		c.ID, c.Revision,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM disputes WHERE id = $1)`, c.ID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrConcurrentModification
		}
		return ErrNotFound
	}
	c.Revision++
	return nil
}

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID string, limit int) ([]*Case, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+caseColumns+`
		FROM disputes
		WHERE escrow_id = $1
		ORDER BY opened_at ASC
		LIMIT $2`, escrowID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanCases(rows)
}

func (p *PostgresStore) ListByState(ctx context.Context, state State, limit int) ([]*Case, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+caseColumns+`
		FROM disputes
		WHERE state = $1
		ORDER BY opened_at ASC
		LIMIT $2`, string(state), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanCases(rows)
}

func (p *PostgresStore) CreateProposal(ctx context.Context, pr *Proposal) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO resolution_proposals (
			id, dispute_id, proposer_id, proposed_by, kind, compensation_cents,
			state, payer_accepted, payee_accepted, rejected_by, rejection_reason,
			created_at, decided_at, revision
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11,
			$12, $13, $14
		)`,
		pr.ID, pr.DisputeID, pr.ProposerID, pr.ProposedBy, pr.Kind, pr.CompensationCents,
		pr.State, pr.PayerAccepted, pr.PayeeAccepted, nullString(pr.RejectedBy), nullString(pr.RejectionReason),
		pr.CreatedAt, nullTime(pr.DecidedAt), pr.Revision,
	)
	return err
}

const proposalColumns = `id, dispute_id, proposer_id, proposed_by, kind, compensation_cents,
	       state, payer_accepted, payee_accepted, rejected_by, rejection_reason,
	       created_at, decided_at, revision`

func (p *PostgresStore) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM resolution_proposals WHERE id = $1`, id)

	pr, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, ErrProposalNotFound
	}
	return pr, err
}

func (p *PostgresStore) UpdateProposal(ctx context.Context, pr *Proposal) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE resolution_proposals SET
			state = $1, payer_accepted = $2, payee_accepted = $3,
			rejected_by = $4, rejection_reason = $5, decided_at = $6,
			revision = revision + 1
		WHERE id = $7 AND revision = $8`,
		pr.State, pr.PayerAccepted, pr.PayeeAccepted,
		nullString(pr.RejectedBy), nullString(pr.RejectionReason), nullTime(pr.DecidedAt),
		pr.ID, pr.Revision,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM resolution_proposals WHERE id = $1)`, pr.ID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrConcurrentModification
		}
		return ErrProposalNotFound
	}
	pr.Revision++
	return nil
}

func (p *PostgresStore) ListProposals(ctx context.Context, disputeID string) ([]*Proposal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM resolution_proposals
		WHERE dispute_id = $1
		ORDER BY created_at ASC`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Proposal
	for rows.Next() {
		pr, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pr)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanCase(s scanner) (*Case, error) {
	c := &Case{}
	var (
		state             string
		description       sql.NullString
		mediatorID        sql.NullString
		pendingProposalID sql.NullString
		attachments       []byte
		resolvedAt        sql.NullTime
	)

	err := s.Scan(
		&c.ID, &c.EscrowID, &c.ContractID, &c.PayerID, &c.PayeeID,
		&c.DeclarantID, &c.DeclarantRole, &c.ClaimType, &description, &c.DisputedCents,
		&state, &mediatorID, &pendingProposalID, &attachments,
		&c.OpenedAt, &c.UpdatedAt, &resolvedAt, &c.Revision,
	)
	if err != nil {
		return nil, err
	}

	c.State = State(state)
	c.Description = description.String
	c.AssignedMediatorID = mediatorID.String
	c.PendingProposalID = pendingProposalID.String
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &c.Attachments); err != nil {
			return nil, err
		}
	}
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.Time
	}
	if c.DisputedCents > 0 {
		c.DisputedAmount = money.Format(c.DisputedCents)
	}

	return c, nil
}

func scanCases(rows *sql.Rows) ([]*Case, error) {
	var result []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func scanProposal(s scanner) (*Proposal, error) {
	pr := &Proposal{}
	var (
		rejectedBy      sql.NullString
		rejectionReason sql.NullString
		decidedAt       sql.NullTime
	)

	err := s.Scan(
		&pr.ID, &pr.DisputeID, &pr.ProposerID, &pr.ProposedBy, &pr.Kind, &pr.CompensationCents,
		&pr.State, &pr.PayerAccepted, &pr.PayeeAccepted, &rejectedBy, &rejectionReason,
		&pr.CreatedAt, &decidedAt, &pr.Revision,
	)
	if err != nil {
		return nil, err
	}

	pr.RejectedBy = rejectedBy.String
	pr.RejectionReason = rejectionReason.String
	if decidedAt.Valid {
		pr.DecidedAt = &decidedAt.Time
	}
	if pr.CompensationCents > 0 {
		pr.Compensation = money.Format(pr.CompensationCents)
	}

	return pr, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
