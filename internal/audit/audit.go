// Package audit sweeps workspaces with live subscriptions and compares
// the stored plan/status against what the provider reports. Webhooks can
// be missed or misordered; the auditor is the safety net that finds and
// repairs the resulting drift.
package audit

import (
	"context"
	"log"

	"github.com/stripe/stripe-go/v76"

	"courtside/internal/billing"
	"courtside/internal/catalog"
	"courtside/internal/config"
	"courtside/internal/ledger"
	"courtside/internal/store"
)

type WorkspaceLister interface {
	ListWorkspacesWithSubscriptions(ctx context.Context) ([]store.Workspace, error)
}

type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
}

type Enforcer interface {
	EnforceWorkspacePlan(ctx context.Context, workspaceID string, input billing.EnforceInput) (billing.EnforceResult, error)
}

type Service struct {
	Store    WorkspaceLister
	Provider SubscriptionFetcher
	Enforcer Enforcer
	Ledger   billing.LedgerWriter
	Catalog  *catalog.Catalog

	// Repair applies the provider state when drift is found. With Repair
	// off the auditor only records drift_detected rows.
	Repair bool
}

func NewService(cfg config.Config, st WorkspaceLister, provider SubscriptionFetcher, enforcer Enforcer, led billing.LedgerWriter) *Service {
	return &Service{
		Store:    st,
		Provider: provider,
		Enforcer: enforcer,
		Ledger:   led,
		Catalog:  catalog.New(cfg),
		Repair:   true,
	}
}

type Report struct {
	WorkspacesChecked int
	DriftsDetected    int
	DriftsRepaired    int
	Skipped           int
}

func (s *Service) Run(ctx context.Context) (Report, error) {
	var report Report
	if s == nil || s.Store == nil {
		return report, nil
	}

	workspaces, err := s.Store.ListWorkspacesWithSubscriptions(ctx)
	if err != nil {
		return report, err
	}

	for _, ws := range workspaces {
		report.WorkspacesChecked++
		if err := s.auditWorkspace(ctx, ws, &report); err != nil {
			// One broken workspace must not abort the sweep.
			report.Skipped++
			log.Printf("audit skip workspace_id=%s err=%v", ws.ID, err)
		}
	}
	return report, nil
}

func (s *Service) auditWorkspace(ctx context.Context, ws store.Workspace, report *Report) error {
	sub, err := s.Provider.GetSubscription(ctx, ws.Billing.StripeSubscriptionID)
	if err != nil {
		return err
	}

	expectedStatus := catalog.MapSubscriptionStatus(string(sub.Status), ws.Status)
	expectedPlan := ws.Plan
	if priceID := subscriptionPriceID(sub); priceID != "" {
		plan, err := s.Catalog.PlanForPriceID(priceID)
		if err != nil {
			return err
		}
		expectedPlan = plan
	}
	if expectedStatus == catalog.StatusCanceled {
		expectedPlan = catalog.PlanFree
	}

	if expectedPlan == ws.Plan && expectedStatus == ws.Status {
		return nil
	}

	report.DriftsDetected++
	note := "stored state disagrees with provider subscription " + sub.ID
	if _, err := s.Ledger.RecordBillingEvent(ctx, ws.ID, ledger.Entry{
		Type:         ledger.DriftDetected,
		Source:       ledger.SourceAuditor,
		StatusBefore: strPtr(string(ws.Status)),
		StatusAfter:  strPtr(string(expectedStatus)),
		PlanBefore:   strPtr(string(ws.Plan)),
		PlanAfter:    strPtr(string(expectedPlan)),
		Note:         &note,
	}); err != nil {
		return err
	}
	if !s.Repair {
		return nil
	}

	if _, err := s.Enforcer.EnforceWorkspacePlan(ctx, ws.ID, billing.EnforceInput{
		StripePriceID: subscriptionPriceID(sub),
		StripeStatus:  string(sub.Status),
		Source:        ledger.SourceAuditor,
	}); err != nil {
		return err
	}
	report.DriftsRepaired++

	resolved := "repaired from provider subscription " + sub.ID
	_, err = s.Ledger.RecordBillingEvent(ctx, ws.ID, ledger.Entry{
		Type:   ledger.DriftResolved,
		Source: ledger.SourceAuditor,
		Note:   &resolved,
	})
	return err
}

func subscriptionPriceID(sub *stripe.Subscription) string {
	if sub == nil || sub.Items == nil || len(sub.Items.Data) == 0 {
		return ""
	}
	item := sub.Items.Data[0]
	if item == nil || item.Price == nil {
		return ""
	}
	return item.Price.ID
}

func strPtr(s string) *string { return &s }
