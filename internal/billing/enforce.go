package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"

	"courtside/internal/catalog"
	"courtside/internal/ledger"
	"courtside/internal/store"
)

var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrNoBillingAccount  = errors.New("workspace has no billing account")
)

// EnforceInput carries one observed provider state for a workspace.
// StripePriceID may be empty when the event carries no price (payment
// events); the current plan is kept in that case.
type EnforceInput struct {
	StripePriceID string
	StripeStatus  string
	Source        ledger.Source
	StripeEventID *string
	Note          *string
}

type EnforceResult struct {
	PlanBefore   catalog.Plan
	PlanAfter    catalog.Plan
	StatusBefore catalog.Status
	StatusAfter  catalog.Status
	Changed      bool
}

// EnforceWorkspacePlan is the single write path for workspace plan and
// status. It maps the provider state through the catalog, persists the
// delta, appends a ledger row (also for no-ops, so syncs are auditable),
// and fires notifications. Notification failures are logged, never
// propagated: a missed email must not roll back a billing transition.
func (s *Service) EnforceWorkspacePlan(ctx context.Context, workspaceID string, input EnforceInput) (EnforceResult, error) {
	var res EnforceResult
	if workspaceID == "" {
		return res, fmt.Errorf("workspace id must be non-empty")
	}
	if !ledger.ValidSource(input.Source) {
		return res, fmt.Errorf("invalid enforcement source %q", input.Source)
	}

	ws, err := s.Store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return res, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
		}
		return res, fmt.Errorf("load workspace %s: %w", workspaceID, err)
	}

	res.PlanBefore = ws.Plan
	res.StatusBefore = ws.Status

	res.StatusAfter = catalog.MapSubscriptionStatus(input.StripeStatus, ws.Status)

	res.PlanAfter = ws.Plan
	if input.StripePriceID != "" {
		plan, err := s.Catalog.PlanForPriceID(input.StripePriceID)
		if err != nil {
			s.Observer.RecordSkip(workspaceID, "unknown_price_id")
			return res, fmt.Errorf("enforce workspace %s: %w", workspaceID, err)
		}
		res.PlanAfter = plan
	}
	// A canceled subscription always lands on the free tier, whatever price
	// the event carried.
	if res.StatusAfter == catalog.StatusCanceled {
		res.PlanAfter = catalog.PlanFree
	}

	res.Changed = res.PlanAfter != res.PlanBefore || res.StatusAfter != res.StatusBefore
	if res.Changed {
		if err := s.Store.UpdateWorkspacePlanStatus(ctx, workspaceID, res.PlanAfter, res.StatusAfter); err != nil {
			return res, fmt.Errorf("persist plan/status for workspace %s: %w", workspaceID, err)
		}
		s.Observer.RecordApply(workspaceID, string(res.PlanBefore), string(res.PlanAfter),
			string(res.StatusBefore), string(res.StatusAfter), string(input.Source))
	} else {
		s.Observer.RecordNoop(workspaceID, string(ws.Plan), string(ws.Status), string(input.Source))
	}

	if _, err := s.Ledger.RecordBillingEvent(ctx, workspaceID, ledger.Entry{
		Type:          enforcementEventType(res),
		StripeEventID: input.StripeEventID,
		StatusBefore:  strPtr(string(res.StatusBefore)),
		StatusAfter:   strPtr(string(res.StatusAfter)),
		PlanBefore:    strPtr(string(res.PlanBefore)),
		PlanAfter:     strPtr(string(res.PlanAfter)),
		Source:        input.Source,
		Note:          input.Note,
	}); err != nil {
		return res, fmt.Errorf("record ledger row for workspace %s: %w", workspaceID, err)
	}

	s.notifyTransition(ctx, ws, res)
	return res, nil
}

func enforcementEventType(res EnforceResult) ledger.EventType {
	switch {
	case res.PlanAfter != res.PlanBefore:
		before := catalog.MonthlyPriceUSD(res.PlanBefore)
		after := catalog.MonthlyPriceUSD(res.PlanAfter)
		if after > before {
			return ledger.PlanUpgraded
		}
		if after < before {
			return ledger.PlanDowngraded
		}
		return ledger.PlanChanged
	case res.StatusAfter != res.StatusBefore:
		return ledger.StatusChanged
	default:
		// No-op sync: the provider state matched what we already had.
		return ledger.SubscriptionUpdated
	}
}

func (s *Service) notifyTransition(ctx context.Context, ws store.Workspace, res EnforceResult) {
	if !res.Changed || res.StatusAfter == res.StatusBefore {
		return
	}
	switch res.StatusAfter {
	case catalog.StatusCanceled:
		if err := s.Notifier.SubscriptionCanceled(ctx, ws.OwnerEmail, ws.Name, catalog.DisplayName(res.PlanBefore)); err != nil {
			log.Printf("billing notify failed workspace_id=%s kind=subscription_canceled err=%v", ws.ID, err)
		}
	case catalog.StatusPastDue:
		if err := s.Notifier.PaymentFailed(ctx, ws.OwnerEmail, ws.Name); err != nil {
			log.Printf("billing notify failed workspace_id=%s kind=payment_failed err=%v", ws.ID, err)
		}
	}
}

func strPtr(s string) *string { return &s }
