package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v76"

	"courtside/internal/catalog"
	"courtside/internal/config"
	"courtside/internal/ledger"
	"courtside/internal/observability"
	"courtside/internal/store"
)

const (
	testWebhookSecret = "whsec_test"
	priceStarter      = "price_starter_test"
	pricePlus         = "price_plus_test"
	pricePro          = "price_pro_test"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.App.BaseURL = "https://app.example.com"
	cfg.Stripe.WebhookSecret = testWebhookSecret
	cfg.Stripe.PriceIDStarter = priceStarter
	cfg.Stripe.PriceIDPlus = pricePlus
	cfg.Stripe.PriceIDPro = pricePro
	return cfg
}

type planUpdate struct {
	workspaceID string
	plan        catalog.Plan
	status      catalog.Status
}

type fakeStore struct {
	workspaces     map[string]*store.Workspace
	planUpdates    []planUpdate
	billingUpdates []store.BillingUpdate
	webhookStatus  map[string]string
}

func newFakeStore(workspaces ...*store.Workspace) *fakeStore {
	st := &fakeStore{
		workspaces:    make(map[string]*store.Workspace),
		webhookStatus: make(map[string]string),
	}
	for _, ws := range workspaces {
		st.workspaces[ws.ID] = ws
	}
	return st
}

func (f *fakeStore) GetWorkspace(_ context.Context, workspaceID string) (store.Workspace, error) {
	ws, ok := f.workspaces[workspaceID]
	if !ok {
		return store.Workspace{}, sql.ErrNoRows
	}
	return *ws, nil
}

func (f *fakeStore) GetWorkspaceByStripeCustomerID(_ context.Context, customerID string) (store.Workspace, error) {
	for _, ws := range f.workspaces {
		if ws.Billing.StripeCustomerID == customerID {
			return *ws, nil
		}
	}
	return store.Workspace{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateWorkspacePlanStatus(_ context.Context, workspaceID string, plan catalog.Plan, status catalog.Status) error {
	ws, ok := f.workspaces[workspaceID]
	if !ok {
		return sql.ErrNoRows
	}
	ws.Plan = plan
	ws.Status = status
	f.planUpdates = append(f.planUpdates, planUpdate{workspaceID: workspaceID, plan: plan, status: status})
	return nil
}

func (f *fakeStore) UpdateWorkspaceBilling(_ context.Context, workspaceID string, upd store.BillingUpdate) error {
	ws, ok := f.workspaces[workspaceID]
	if !ok {
		return sql.ErrNoRows
	}
	if upd.StripeCustomerID != "" {
		ws.Billing.StripeCustomerID = upd.StripeCustomerID
	}
	if upd.StripeSubscriptionID != "" {
		ws.Billing.StripeSubscriptionID = upd.StripeSubscriptionID
	}
	if upd.StripePriceID != "" {
		ws.Billing.StripePriceID = upd.StripePriceID
	}
	if upd.CurrentPeriodEnd.Valid {
		if upd.AllowPeriodEndRegress || !ws.Billing.CurrentPeriodEnd.Valid || upd.CurrentPeriodEnd.Time.After(ws.Billing.CurrentPeriodEnd.Time) {
			ws.Billing.CurrentPeriodEnd = upd.CurrentPeriodEnd
		}
	}
	if upd.CurrentPeriodStart.Valid {
		ws.Billing.CurrentPeriodStart = upd.CurrentPeriodStart
	}
	if upd.CancelAtPeriodEnd.Valid {
		ws.Billing.CancelAtPeriodEnd = upd.CancelAtPeriodEnd.Bool
	}
	f.billingUpdates = append(f.billingUpdates, upd)
	return nil
}

func (f *fakeStore) InsertWebhookEventIfAbsent(_ context.Context, _, externalEventID, _, _ string) (bool, string, error) {
	if status, ok := f.webhookStatus[externalEventID]; ok {
		return false, status, nil
	}
	f.webhookStatus[externalEventID] = "received"
	return true, "", nil
}

func (f *fakeStore) UpdateWebhookEventStatus(_ context.Context, _, externalEventID, status, _ string) error {
	f.webhookStatus[externalEventID] = status
	return nil
}

type fakeProvider struct {
	subs         map[string]*stripe.Subscription
	upcoming     *stripe.Invoice
	upcomingErr  error
	checkout     *stripe.CheckoutSession
	checkoutErr  error
	lastCheckout CheckoutParams
	portal       *stripe.BillingPortalSession
	invoices     []*stripe.Invoice
	events       []*stripe.Event
	eventsErr    error
}

func (f *fakeProvider) GetSubscription(_ context.Context, subscriptionID string) (*stripe.Subscription, error) {
	sub, ok := f.subs[subscriptionID]
	if !ok {
		return nil, fmt.Errorf("no such subscription: %s", subscriptionID)
	}
	return sub, nil
}

func (f *fakeProvider) UpcomingInvoice(_ context.Context, _, _, _, _ string) (*stripe.Invoice, error) {
	return f.upcoming, f.upcomingErr
}

func (f *fakeProvider) CreateCheckoutSession(_ context.Context, p CheckoutParams) (*stripe.CheckoutSession, error) {
	f.lastCheckout = p
	return f.checkout, f.checkoutErr
}

func (f *fakeProvider) CreatePortalSession(_ context.Context, _, _ string) (*stripe.BillingPortalSession, error) {
	return f.portal, nil
}

func (f *fakeProvider) ListInvoices(_ context.Context, _ string, _ int) ([]*stripe.Invoice, error) {
	return f.invoices, nil
}

func (f *fakeProvider) ListEvents(_ context.Context, _ []string, _ int) ([]*stripe.Event, error) {
	return f.events, f.eventsErr
}

type ledgerSink struct {
	entries     []ledger.Entry
	byWorkspace []string
}

func (l *ledgerSink) RecordBillingEvent(_ context.Context, workspaceID string, entry ledger.Entry) (string, error) {
	l.entries = append(l.entries, entry)
	l.byWorkspace = append(l.byWorkspace, workspaceID)
	return fmt.Sprintf("row-%d", len(l.entries)), nil
}

type fakeNotifier struct {
	paymentFailed        int
	subscriptionCanceled int
}

func (n *fakeNotifier) PaymentFailed(context.Context, string, string) error {
	n.paymentFailed++
	return nil
}

func (n *fakeNotifier) SubscriptionCanceled(context.Context, string, string, string) error {
	n.subscriptionCanceled++
	return nil
}

func newTestService(st *fakeStore, provider *fakeProvider) (*Service, *ledgerSink, *fakeNotifier) {
	sink := &ledgerSink{}
	notifier := &fakeNotifier{}
	svc := NewService(testConfig(), st, sink, provider, nil, observability.NewBillingObserver(nil))
	svc.Notifier = notifier
	return svc, sink, notifier
}

func testWorkspace(id string, plan catalog.Plan, status catalog.Status) *store.Workspace {
	return &store.Workspace{
		ID:         id,
		Name:       "Test Club",
		OwnerEmail: "owner@example.com",
		Plan:       plan,
		Status:     status,
	}
}

func testSubscription(id, customerID, priceID, status string, periodEnd time.Time) *stripe.Subscription {
	return &stripe.Subscription{
		ID:                 id,
		Customer:           &stripe.Customer{ID: customerID},
		Status:             stripe.SubscriptionStatus(status),
		CurrentPeriodStart: periodEnd.Add(-30 * 24 * time.Hour).Unix(),
		CurrentPeriodEnd:   periodEnd.Unix(),
		Items: &stripe.SubscriptionItemList{
			Data: []*stripe.SubscriptionItem{{
				ID:    "si_" + id,
				Price: &stripe.Price{ID: priceID},
			}},
		},
	}
}

// eventPayload builds the raw JSON body of a provider event, the same
// shape ConstructEvent parses off the wire.
func eventPayload(t *testing.T, id, eventType string, created int64, object map[string]any) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          id,
		"object":      "event",
		"api_version": "2023-10-16",
		"type":        eventType,
		"created":     created,
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		t.Fatalf("marshal event payload: %v", err)
	}
	return payload
}

// providerEvent builds the already-parsed form the events API returns.
func providerEvent(t *testing.T, id, eventType string, created int64, object map[string]any) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(object)
	if err != nil {
		t.Fatalf("marshal event object: %v", err)
	}
	return &stripe.Event{
		ID:      id,
		Type:    stripe.EventType(eventType),
		Created: created,
		Data:    &stripe.EventData{Raw: raw, Object: object},
	}
}

func signPayload(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func subscriptionObject(id, customerID, priceID, status string, periodEnd time.Time) map[string]any {
	return map[string]any{
		"id":                   id,
		"object":               "subscription",
		"customer":             customerID,
		"status":               status,
		"cancel_at_period_end": false,
		"current_period_start": periodEnd.Add(-30 * 24 * time.Hour).Unix(),
		"current_period_end":   periodEnd.Unix(),
		"items": map[string]any{
			"object": "list",
			"data": []any{map[string]any{
				"id":    "si_" + id,
				"price": map[string]any{"id": priceID},
			}},
		},
	}
}
