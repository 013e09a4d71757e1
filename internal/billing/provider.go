package billing

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// Provider is the billing-provider surface the service depends on. The
// production implementation wraps the Stripe client; tests substitute a
// scripted fake.
type Provider interface {
	GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error)
	UpcomingInvoice(ctx context.Context, customerID, subscriptionID, subscriptionItemID, priceID string) (*stripe.Invoice, error)
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (*stripe.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (*stripe.BillingPortalSession, error)
	ListInvoices(ctx context.Context, customerID string, limit int) ([]*stripe.Invoice, error)
	ListEvents(ctx context.Context, types []string, limit int) ([]*stripe.Event, error)
}

type CheckoutParams struct {
	CustomerID  string
	PriceID     string
	SuccessURL  string
	CancelURL   string
	WorkspaceID string
	Action      string
}

type StripeProvider struct {
	api *client.API
}

func NewStripeProvider(secretKey string) *StripeProvider {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeProvider{api: api}
}

func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	params := &stripe.SubscriptionParams{Params: stripe.Params{Context: ctx}}
	sub, err := p.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", subscriptionID, err)
	}
	return sub, nil
}

// UpcomingInvoice previews the invoice that would result from switching the
// given subscription item to priceID, with prorations applied immediately.
func (p *StripeProvider) UpcomingInvoice(ctx context.Context, customerID, subscriptionID, subscriptionItemID, priceID string) (*stripe.Invoice, error) {
	params := &stripe.InvoiceUpcomingParams{
		Params:       stripe.Params{Context: ctx},
		Customer:     stripe.String(customerID),
		Subscription: stripe.String(subscriptionID),
		SubscriptionItems: []*stripe.SubscriptionItemsParams{{
			ID:    stripe.String(subscriptionItemID),
			Price: stripe.String(priceID),
		}},
		SubscriptionProrationBehavior: stripe.String("always_invoice"),
	}
	inv, err := p.api.Invoices.Upcoming(params)
	if err != nil {
		return nil, fmt.Errorf("preview upcoming invoice: %w", err)
	}
	return inv, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, cp CheckoutParams) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Params:     stripe.Params{Context: ctx},
		Mode:       stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:   stripe.String(cp.CustomerID),
		SuccessURL: stripe.String(cp.SuccessURL),
		CancelURL:  stripe.String(cp.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(cp.PriceID),
			Quantity: stripe.Int64(1),
		}},
		ClientReferenceID: stripe.String(cp.WorkspaceID),
	}
	params.AddMetadata("workspace_id", cp.WorkspaceID)
	if cp.Action != "" {
		params.AddMetadata("action", cp.Action)
	}
	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return sess, nil
}

func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (*stripe.BillingPortalSession, error) {
	params := &stripe.BillingPortalSessionParams{
		Params:    stripe.Params{Context: ctx},
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	sess, err := p.api.BillingPortalSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("create portal session: %w", err)
	}
	return sess, nil
}

func (p *StripeProvider) ListInvoices(ctx context.Context, customerID string, limit int) ([]*stripe.Invoice, error) {
	params := &stripe.InvoiceListParams{
		ListParams: stripe.ListParams{Context: ctx, Limit: stripe.Int64(int64(limit))},
		Customer:   stripe.String(customerID),
	}
	var invoices []*stripe.Invoice
	iter := p.api.Invoices.List(params)
	for iter.Next() {
		invoices = append(invoices, iter.Invoice())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	return invoices, nil
}

// ListEvents fetches the most recent provider events of the given types,
// bounded by limit. Stripe returns them newest first.
func (p *StripeProvider) ListEvents(ctx context.Context, types []string, limit int) ([]*stripe.Event, error) {
	params := &stripe.EventListParams{
		ListParams: stripe.ListParams{Context: ctx, Limit: stripe.Int64(int64(limit))},
	}
	for _, t := range types {
		params.Types = append(params.Types, stripe.String(t))
	}
	var events []*stripe.Event
	iter := p.api.Events.List(params)
	for iter.Next() {
		events = append(events, iter.Event())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}
