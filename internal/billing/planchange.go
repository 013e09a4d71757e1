package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"courtside/internal/catalog"
	"courtside/internal/store"
)

var ErrNotEligible = errors.New("workspace is not eligible for a plan change")

type AvailablePlan struct {
	Plan            catalog.Plan   `json:"plan"`
	Name            string         `json:"name"`
	MonthlyPriceUSD int            `json:"monthly_price_usd"`
	PriceID         string         `json:"price_id,omitempty"`
	Limits          catalog.Limits `json:"limits"`
	Current         bool           `json:"current"`
	ChangeType      string         `json:"change_type"`
}

// AvailablePlans annotates every catalog tier relative to the workspace's
// current plan. Exactly one entry is current; the rest are classified by
// monthly price. The free tier has no price id and is reached through
// cancellation, not checkout.
func (s *Service) AvailablePlans(ws store.Workspace) []AvailablePlan {
	currentPrice := catalog.MonthlyPriceUSD(ws.Plan)

	tiers := append([]catalog.Plan{catalog.PlanFree}, catalog.PaidPlans...)
	plans := make([]AvailablePlan, 0, len(tiers))
	for _, plan := range tiers {
		entry := AvailablePlan{
			Plan:            plan,
			Name:            catalog.DisplayName(plan),
			MonthlyPriceUSD: catalog.MonthlyPriceUSD(plan),
			Limits:          catalog.LimitsForPlan(plan),
		}
		if priceID, err := s.Catalog.PriceIDForPlan(plan); err == nil {
			entry.PriceID = priceID
		}
		switch {
		case plan == ws.Plan:
			entry.Current = true
			entry.ChangeType = "current"
		case entry.MonthlyPriceUSD > currentPrice:
			entry.ChangeType = "upgrade"
		default:
			entry.ChangeType = "downgrade"
		}
		plans = append(plans, entry)
	}
	return plans
}

type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// ValidatePlanChangeEligibility decides whether the workspace may change
// plans. Only active and past_due workspaces have a live subscription to
// modify; past_due stays eligible so an upgrade can settle the debt.
func ValidatePlanChangeEligibility(ws store.Workspace) Eligibility {
	switch ws.Status {
	case catalog.StatusActive, catalog.StatusPastDue:
		return Eligibility{Eligible: true}
	case catalog.StatusTrial:
		return Eligibility{Reason: "workspace is on a trial with no subscription to modify"}
	case catalog.StatusCanceled:
		return Eligibility{Reason: "subscription is canceled; a new subscription must be started instead"}
	case catalog.StatusSuspended:
		return Eligibility{Reason: "workspace is suspended"}
	case catalog.StatusDeleted:
		return Eligibility{Reason: "workspace is deleted"}
	default:
		return Eligibility{Reason: fmt.Sprintf("unrecognized workspace status %q", ws.Status)}
	}
}

type ProrationPreview struct {
	TargetPlan      catalog.Plan `json:"target_plan"`
	AmountDueCents  int64        `json:"amount_due_cents"`
	Currency        string       `json:"currency"`
	ImmediateCharge bool         `json:"immediate_charge"`
	PeriodEnd       time.Time    `json:"period_end"`
}

// GetProrationPreview previews the cost of switching to targetPriceID
// without committing anything. The preview is advisory: the authoritative
// amount is whatever the provider settles after checkout.
func (s *Service) GetProrationPreview(ctx context.Context, workspaceID, targetPriceID string) (ProrationPreview, error) {
	var preview ProrationPreview

	ws, err := s.loadWorkspace(ctx, workspaceID)
	if err != nil {
		return preview, err
	}
	if elig := ValidatePlanChangeEligibility(ws); !elig.Eligible {
		return preview, fmt.Errorf("%w: %s", ErrNotEligible, elig.Reason)
	}

	targetPlan, err := s.Catalog.PlanForPriceID(targetPriceID)
	if err != nil {
		return preview, err
	}
	if targetPlan == ws.Plan {
		return preview, fmt.Errorf("workspace %s is already on plan %s", workspaceID, targetPlan)
	}
	if ws.Billing.StripeCustomerID == "" || ws.Billing.StripeSubscriptionID == "" {
		return preview, fmt.Errorf("%w: %s", ErrNoBillingAccount, workspaceID)
	}

	sub, err := s.Provider.GetSubscription(ctx, ws.Billing.StripeSubscriptionID)
	if err != nil {
		return preview, fmt.Errorf("failed to calculate proration: %w", err)
	}
	if sub.Items == nil || len(sub.Items.Data) == 0 {
		return preview, fmt.Errorf("failed to calculate proration: subscription %s has no items", sub.ID)
	}

	inv, err := s.Provider.UpcomingInvoice(ctx, ws.Billing.StripeCustomerID, sub.ID, sub.Items.Data[0].ID, targetPriceID)
	if err != nil {
		return preview, fmt.Errorf("failed to calculate proration: %w", err)
	}

	preview.TargetPlan = targetPlan
	preview.AmountDueCents = inv.AmountDue
	preview.Currency = strings.ToUpper(string(inv.Currency))
	preview.ImmediateCharge = inv.AmountDue > 0
	preview.PeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	return preview, nil
}

// StartPlanChange creates a checkout session for the target plan and
// returns its URL. The session is stamped with the workspace id so the
// completion webhook can attribute it.
func (s *Service) StartPlanChange(ctx context.Context, workspaceID, targetPriceID string) (string, error) {
	ws, err := s.loadWorkspace(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	if elig := ValidatePlanChangeEligibility(ws); !elig.Eligible {
		return "", fmt.Errorf("%w: %s", ErrNotEligible, elig.Reason)
	}
	if _, err := s.Catalog.PlanForPriceID(targetPriceID); err != nil {
		return "", err
	}
	if ws.Billing.StripeCustomerID == "" {
		return "", fmt.Errorf("%w: %s", ErrNoBillingAccount, workspaceID)
	}

	sess, err := s.Provider.CreateCheckoutSession(ctx, CheckoutParams{
		CustomerID:  ws.Billing.StripeCustomerID,
		PriceID:     targetPriceID,
		SuccessURL:  s.AppBaseURL + "/settings/billing?success=true",
		CancelURL:   s.AppBaseURL + "/settings/billing?canceled=true",
		WorkspaceID: ws.ID,
		Action:      "plan_change",
	})
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	return sess.URL, nil
}

// BillingPortalURL opens a provider-hosted portal session for payment
// method and invoice management.
func (s *Service) BillingPortalURL(ctx context.Context, workspaceID string) (string, error) {
	ws, err := s.loadWorkspace(ctx, workspaceID)
	if err != nil {
		return "", err
	}
	if ws.Billing.StripeCustomerID == "" {
		return "", fmt.Errorf("%w: %s", ErrNoBillingAccount, workspaceID)
	}
	sess, err := s.Provider.CreatePortalSession(ctx, ws.Billing.StripeCustomerID, s.AppBaseURL+"/settings/billing")
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	return sess.URL, nil
}

type Invoice struct {
	ID               string    `json:"id"`
	Number           string    `json:"number"`
	Status           string    `json:"status"`
	AmountDueCents   int64     `json:"amount_due_cents"`
	AmountPaidCents  int64     `json:"amount_paid_cents"`
	Currency         string    `json:"currency"`
	Created          time.Time `json:"created"`
	HostedInvoiceURL string    `json:"hosted_invoice_url,omitempty"`
}

func (s *Service) RecentInvoices(ctx context.Context, workspaceID string, limit int) ([]Invoice, error) {
	ws, err := s.loadWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	// No customer yet means no invoices yet, not an error.
	if ws.Billing.StripeCustomerID == "" {
		return []Invoice{}, nil
	}
	if limit <= 0 {
		limit = 12
	}
	raw, err := s.Provider.ListInvoices(ctx, ws.Billing.StripeCustomerID, limit)
	if err != nil {
		return nil, err
	}
	invoices := make([]Invoice, 0, len(raw))
	for _, inv := range raw {
		invoices = append(invoices, Invoice{
			ID:               inv.ID,
			Number:           inv.Number,
			Status:           string(inv.Status),
			AmountDueCents:   inv.AmountDue,
			AmountPaidCents:  inv.AmountPaid,
			Currency:         strings.ToUpper(string(inv.Currency)),
			Created:          time.Unix(inv.Created, 0).UTC(),
			HostedInvoiceURL: inv.HostedInvoiceURL,
		})
	}
	return invoices, nil
}

func (s *Service) loadWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error) {
	ws, err := s.Store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Workspace{}, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
		}
		return store.Workspace{}, fmt.Errorf("load workspace %s: %w", workspaceID, err)
	}
	return ws, nil
}
