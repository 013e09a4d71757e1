package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"courtside/internal/catalog"
)

type Workspace struct {
	ID             string
	Name           string
	OwnerEmail     string
	Plan           catalog.Plan
	Status         catalog.Status
	Billing        WorkspaceBilling
	PlayersCount   int
	GamesThisMonth int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type WorkspaceBilling struct {
	StripeCustomerID     string
	StripeSubscriptionID string
	StripePriceID        string
	CurrentPeriodStart   sql.NullTime
	CurrentPeriodEnd     sql.NullTime
	CancelAtPeriodEnd    bool
	LastSyncedAt         sql.NullTime
}

const workspaceColumns = `id, name, owner_email, plan, status,
	stripe_customer_id, stripe_subscription_id, stripe_price_id,
	current_period_start, current_period_end, cancel_at_period_end, last_synced_at,
	players_count, games_this_month, created_at, updated_at`

func (s *Store) CreateWorkspace(ctx context.Context, name, ownerEmail string, plan catalog.Plan, status catalog.Status) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO workspaces (id, name, owner_email, plan, status) VALUES ($1,$2,$3,$4,$5)`,
		id, name, ownerEmail, string(plan), string(status))
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`, workspaceID)
	return scanWorkspace(row)
}

func (s *Store) GetWorkspaceByStripeCustomerID(ctx context.Context, customerID string) (Workspace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE stripe_customer_id = $1`, customerID)
	return scanWorkspace(row)
}

// UpdateWorkspacePlanStatus commits the reconciler's decision. This is the
// only write path for plan/status; everything else treats those columns as
// read-only.
func (s *Store) UpdateWorkspacePlanStatus(ctx context.Context, workspaceID string, plan catalog.Plan, status catalog.Status) error {
	_, err := s.db.ExecContext(ctx, `UPDATE workspaces SET plan = $2, status = $3, last_synced_at = now(), updated_at = now() WHERE id = $1`,
		workspaceID, string(plan), string(status))
	return err
}

// ListWorkspacesWithSubscriptions returns every workspace holding a live
// provider subscription, for the drift auditor.
func (s *Store) ListWorkspacesWithSubscriptions(ctx context.Context) ([]Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces
		WHERE stripe_subscription_id IS NOT NULL AND status <> 'deleted' ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workspaces []Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

type BillingUpdate struct {
	StripeCustomerID     string
	StripeSubscriptionID string
	StripePriceID        string
	CurrentPeriodStart   sql.NullTime
	CurrentPeriodEnd     sql.NullTime
	CancelAtPeriodEnd    sql.NullBool
	// AllowPeriodEndRegress lets an explicit cancellation write a period end
	// earlier than the stored one. Every other path is forward-only.
	AllowPeriodEndRegress bool
}

func (s *Store) UpdateWorkspaceBilling(ctx context.Context, workspaceID string, upd BillingUpdate) error {
	query := `UPDATE workspaces SET updated_at = now(), last_synced_at = now()`
	args := []any{workspaceID}

	set := func(format string, value any) {
		args = append(args, value)
		query += ", " + fmt.Sprintf(format, len(args))
	}

	if upd.StripeCustomerID != "" {
		set("stripe_customer_id = $%d", upd.StripeCustomerID)
	}
	if upd.StripeSubscriptionID != "" {
		set("stripe_subscription_id = $%d", upd.StripeSubscriptionID)
	}
	if upd.StripePriceID != "" {
		set("stripe_price_id = $%d", upd.StripePriceID)
	}
	if upd.CurrentPeriodStart.Valid {
		set("current_period_start = $%d", upd.CurrentPeriodStart.Time)
	}
	if upd.CurrentPeriodEnd.Valid {
		if upd.AllowPeriodEndRegress {
			set("current_period_end = $%d", upd.CurrentPeriodEnd.Time)
		} else {
			set("current_period_end = GREATEST(coalesce(current_period_end, 'epoch'::timestamptz), $%d)", upd.CurrentPeriodEnd.Time)
		}
	}
	if upd.CancelAtPeriodEnd.Valid {
		set("cancel_at_period_end = $%d", upd.CancelAtPeriodEnd.Bool)
	}

	query += ` WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func scanWorkspace(row interface{ Scan(dest ...any) error }) (Workspace, error) {
	var w Workspace
	var plan, status string
	var customerID, subscriptionID, priceID sql.NullString
	if err := row.Scan(&w.ID, &w.Name, &w.OwnerEmail, &plan, &status,
		&customerID, &subscriptionID, &priceID,
		&w.Billing.CurrentPeriodStart, &w.Billing.CurrentPeriodEnd, &w.Billing.CancelAtPeriodEnd, &w.Billing.LastSyncedAt,
		&w.PlayersCount, &w.GamesThisMonth, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return w, err
	}
	w.Plan = catalog.Plan(plan)
	w.Status = catalog.Status(status)
	w.Billing.StripeCustomerID = customerID.String
	w.Billing.StripeSubscriptionID = subscriptionID.String
	w.Billing.StripePriceID = priceID.String
	return w, nil
}
