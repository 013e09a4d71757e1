package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// LedgerRow is the persisted shape of a billing ledger entry. Optional
// fields are nullable so every row carries the same set of columns. The
// store exposes insert and read operations only; append-only is part of
// the API contract, not a convention.
type LedgerRow struct {
	ID            string
	WorkspaceID   string
	EventType     string
	StripeEventID sql.NullString
	StatusBefore  sql.NullString
	StatusAfter   sql.NullString
	PlanBefore    sql.NullString
	PlanAfter     sql.NullString
	Source        string
	Note          sql.NullString
	RecordedAt    time.Time
}

func (s *Store) InsertLedgerRow(ctx context.Context, row LedgerRow) (string, error) {
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO billing_ledger
		(id, workspace_id, event_type, stripe_event_id, status_before, status_after, plan_before, plan_after, source, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		row.ID, row.WorkspaceID, row.EventType, row.StripeEventID,
		row.StatusBefore, row.StatusAfter, row.PlanBefore, row.PlanAfter,
		row.Source, row.Note)
	if err != nil {
		return "", err
	}
	return row.ID, nil
}

func (s *Store) ListLedgerRows(ctx context.Context, workspaceID string, limit int) ([]LedgerRow, error) {
	return s.queryLedger(ctx, `SELECT `+ledgerColumns+` FROM billing_ledger
		WHERE workspace_id = $1 ORDER BY recorded_at DESC LIMIT $2`, workspaceID, limit)
}

func (s *Store) ListLedgerRowsBySource(ctx context.Context, workspaceID, source string, limit int) ([]LedgerRow, error) {
	return s.queryLedger(ctx, `SELECT `+ledgerColumns+` FROM billing_ledger
		WHERE workspace_id = $1 AND source = $3 ORDER BY recorded_at DESC LIMIT $2`, workspaceID, limit, source)
}

func (s *Store) ListLedgerRowsByType(ctx context.Context, workspaceID, eventType string, limit int) ([]LedgerRow, error) {
	return s.queryLedger(ctx, `SELECT `+ledgerColumns+` FROM billing_ledger
		WHERE workspace_id = $1 AND event_type = $3 ORDER BY recorded_at DESC LIMIT $2`, workspaceID, limit, eventType)
}

const ledgerColumns = `id, workspace_id, event_type, stripe_event_id,
	status_before, status_after, plan_before, plan_after, source, note, recorded_at`

func (s *Store) queryLedger(ctx context.Context, query string, args ...any) ([]LedgerRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LedgerRow
	for rows.Next() {
		var r LedgerRow
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.EventType, &r.StripeEventID,
			&r.StatusBefore, &r.StatusAfter, &r.PlanBefore, &r.PlanAfter,
			&r.Source, &r.Note, &r.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
