package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// PostgresLog persists history entries in PostgreSQL. The bigserial primary
// key provides the append ordering; rows are insert-only.
type PostgresLog struct {
	db *sql.DB
}

// NewPostgresLog creates a new PostgreSQL-backed history log.
func NewPostgresLog(db *sql.DB) *PostgresLog {
	return &PostgresLog{db: db}
}

func (p *PostgresLog) Append(ctx context.Context, entry *Entry) error {
	if entry.EscrowID == "" {
		return ErrMissingEscrowID
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	metadataJSON := []byte("{}")
	if entry.Metadata != nil {
		metadataJSON, _ = json.Marshal(entry.Metadata)
	}

	return p.db.QueryRowContext(ctx, `
		INSERT INTO history_entries (
			escrow_id, dispute_id, actor_id, actor_role,
			action, description, result_state, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		entry.EscrowID, nullString(entry.DisputeID), entry.ActorID, entry.ActorRole,
		entry.Action, nullString(entry.Description), nullString(entry.ResultState),
		metadataJSON, entry.CreatedAt,
	).Scan(&entry.ID)
}

const entryColumns = `id, escrow_id, dispute_id, actor_id, actor_role,
	       action, description, result_state, metadata, created_at`

func (p *PostgresLog) ListByEscrow(ctx context.Context, escrowID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM history_entries
		WHERE escrow_id = $1
		ORDER BY id ASC
		LIMIT $2`, escrowID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (p *PostgresLog) ListByDispute(ctx context.Context, disputeID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM history_entries
		WHERE dispute_id = $1
		ORDER BY id ASC
		LIMIT $2`, disputeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		var (
			disputeID    sql.NullString
			description  sql.NullString
			resultState  sql.NullString
			metadataJSON []byte
		)
		if err := rows.Scan(
			&e.ID, &e.EscrowID, &disputeID, &e.ActorID, &e.ActorRole,
			&e.Action, &description, &resultState, &metadataJSON, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.DisputeID = disputeID.String
		e.Description = description.String
		e.ResultState = resultState.String
		if len(metadataJSON) > 0 {
			_ = json.Unmarshal(metadataJSON, &e.Metadata)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Log = (*PostgresLog)(nil)
