// Package billing owns the subscription lifecycle: webhook ingestion,
// plan/status reconciliation, event replay, and plan changes. All state
// transitions funnel through EnforceWorkspacePlan so the webhook and
// replay paths cannot disagree.
package billing

import (
	"context"
	"time"

	"courtside/internal/catalog"
	"courtside/internal/config"
	"courtside/internal/ledger"
	"courtside/internal/notify"
	"courtside/internal/observability"
	"courtside/internal/store"
)

// WorkspaceStore is the slice of the store the billing service uses.
// *store.Store satisfies it.
type WorkspaceStore interface {
	GetWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error)
	GetWorkspaceByStripeCustomerID(ctx context.Context, customerID string) (store.Workspace, error)
	UpdateWorkspacePlanStatus(ctx context.Context, workspaceID string, plan catalog.Plan, status catalog.Status) error
	UpdateWorkspaceBilling(ctx context.Context, workspaceID string, upd store.BillingUpdate) error
	InsertWebhookEventIfAbsent(ctx context.Context, provider, externalEventID, eventType, payloadHash string) (bool, string, error)
	UpdateWebhookEventStatus(ctx context.Context, provider, externalEventID, status, lastError string) error
}

type LedgerWriter interface {
	RecordBillingEvent(ctx context.Context, workspaceID string, entry ledger.Entry) (string, error)
}

type Service struct {
	Store    WorkspaceStore
	Ledger   LedgerWriter
	Provider Provider
	Catalog  *catalog.Catalog
	Notifier notify.Notifier
	Observer *observability.BillingObserver

	WebhookSecret string
	AppBaseURL    string
	EventWindow   int

	Now func() time.Time
}

func NewService(cfg config.Config, st WorkspaceStore, led LedgerWriter, provider Provider, notifier notify.Notifier, observer *observability.BillingObserver) *Service {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Service{
		Store:         st,
		Ledger:        led,
		Provider:      provider,
		Catalog:       catalog.New(cfg),
		Notifier:      notifier,
		Observer:      observer,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		AppBaseURL:    cfg.App.BaseURL,
		EventWindow:   cfg.Replay.EventWindow,
		Now:           func() time.Time { return time.Now().UTC() },
	}
}
