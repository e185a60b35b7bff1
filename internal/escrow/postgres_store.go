package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mversen/custodia/internal/money"
	"github.com/mversen/custodia/internal/pagination"
)

// PostgresStore persists escrow records in PostgreSQL. Updates are
// conditional on the stored revision (compare-and-swap); a mismatch writes
// nothing and surfaces ErrConcurrentModification.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, contract_id, payer_id, payee_id, gross_cents, commission_rate, currency,
			state, open_dispute_id, pending_op, pending_amount_cents,
			commission_cents, net_cents, refunded_cents,
			released_by, refund_reason, refunded_by,
			gateway_hold_ref, gateway_capture_ref, gateway_transfer_ref, gateway_refund_ref,
			auto_release_at, contest_window_until, created_at, updated_at, resolved_at, revision
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17,
			$18, $19, $20, $21,
			$22, $23, $24, $25, $26, $27
		)`,
		r.ID, r.ContractID, r.PayerID, r.PayeeID, r.GrossCents, r.CommissionRate, r.Currency,
		string(r.State), nullString(r.OpenDisputeID), nullString(r.PendingOp), r.PendingAmountCents,
		r.CommissionCents, r.NetCents, r.RefundedCents,
		nullString(r.ReleasedBy), nullString(r.RefundReason), nullString(r.RefundedBy),
		nullString(r.GatewayHoldRef), nullString(r.GatewayCaptureRef), nullString(r.GatewayTransferRef), nullString(r.GatewayRefundRef),
		r.AutoReleaseAt, nullTime(r.ContestWindowUntil), r.CreatedAt, r.UpdatedAt, nullTime(r.ResolvedAt), r.Revision,
	)
	return err
}

const recordColumns = `id, contract_id, payer_id, payee_id, gross_cents, commission_rate, currency,
	       state, open_dispute_id, pending_op, pending_amount_cents,
	       commission_cents, net_cents, refunded_cents,
	       released_by, refund_reason, refunded_by,
	       gateway_hold_ref, gateway_capture_ref, gateway_transfer_ref, gateway_refund_ref,
	       auto_release_at, contest_window_until, created_at, updated_at, resolved_at, revision`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM escrows WHERE id = $1`, id)

	r, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Update(ctx context.Context, r *Record) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			state = $1, open_dispute_id = $2, pending_op = $3, pending_amount_cents = $4,
			commission_cents = $5, net_cents = $6, refunded_cents = $7,
			released_by = $8, refund_reason = $9, refunded_by = $10,
			gateway_capture_ref = $11, gateway_transfer_ref = $12, gateway_refund_ref = $13,
			contest_window_until = $14, updated_at = $15, resolved_at = $16,
			revision = revision + 1
		WHERE id = $17 AND revision = $18`,
		string(r.State), nullString(r.OpenDisputeID), nullString(r.PendingOp), r.PendingAmountCents,
		r.CommissionCents, r.NetCents, r.RefundedCents,
		nullString(r.ReleasedBy), nullString(r.RefundReason), nullString(r.RefundedBy),
		nullString(r.GatewayCaptureRef), nullString(r.GatewayTransferRef), nullString(r.GatewayRefundRef),
		nullTime(r.ContestWindowUntil), r.UpdatedAt, nullTime(r.ResolvedAt),
		r.ID, r.Revision,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a revision mismatch from a missing record.
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM escrows WHERE id = $1)`, r.ID).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrConcurrentModification
		}
		return ErrNotFound
	}
	r.Revision++
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, cursor *pagination.Cursor, limit int) ([]*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM escrows
		WHERE (payer_id = $1 OR payee_id = $1)`
	args := []interface{}{partyID}
	if cursor != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(`
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListReleasable(ctx context.Context, before time.Time, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM escrows
		WHERE state = 'held'
		  AND open_dispute_id IS NULL
		  AND pending_op IS NULL
		  AND auto_release_at < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListPendingSettlement(ctx context.Context, limit int) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM escrows
		WHERE pending_op IS NOT NULL
		ORDER BY updated_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*Record, error) {
	r := &Record{}
	var (
		state              string
		openDisputeID      sql.NullString
		pendingOp          sql.NullString
		releasedBy         sql.NullString
		refundReason       sql.NullString
		refundedBy         sql.NullString
		holdRef            sql.NullString
		captureRef         sql.NullString
		transferRef        sql.NullString
		refundRef          sql.NullString
		contestWindowUntil sql.NullTime
		resolvedAt         sql.NullTime
	)

	err := s.Scan(
		&r.ID, &r.ContractID, &r.PayerID, &r.PayeeID, &r.GrossCents, &r.CommissionRate, &r.Currency,
		&state, &openDisputeID, &pendingOp, &r.PendingAmountCents,
		&r.CommissionCents, &r.NetCents, &r.RefundedCents,
		&releasedBy, &refundReason, &refundedBy,
		&holdRef, &captureRef, &transferRef, &refundRef,
		&r.AutoReleaseAt, &contestWindowUntil, &r.CreatedAt, &r.UpdatedAt, &resolvedAt, &r.Revision,
	)
	if err != nil {
		return nil, err
	}

	r.State = State(state)
	r.OpenDisputeID = openDisputeID.String
	r.PendingOp = pendingOp.String
	r.ReleasedBy = releasedBy.String
	r.RefundReason = refundReason.String
	r.RefundedBy = refundedBy.String
	r.GatewayHoldRef = holdRef.String
	r.GatewayCaptureRef = captureRef.String
	r.GatewayTransferRef = transferRef.String
	r.GatewayRefundRef = refundRef.String
	if contestWindowUntil.Valid {
		r.ContestWindowUntil = &contestWindowUntil.Time
	}
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	r.Gross = money.Format(r.GrossCents)

	return r, nil
}

func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var result []*Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
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
