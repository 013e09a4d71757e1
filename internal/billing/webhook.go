package billing

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"courtside/internal/ledger"
	"courtside/internal/store"
)

const providerName = "stripe"

var (
	// ErrSignature marks a webhook whose signature did not verify. The HTTP
	// layer maps it to 400 so the provider does not retry forged payloads.
	ErrSignature = errors.New("webhook signature verification failed")

	errUnsupportedEvent = errors.New("unsupported event type")
)

// relevantEventTypes is the set of provider events the lifecycle consumes.
// The replay engine requests exactly these from the events API.
var relevantEventTypes = []string{
	"checkout.session.completed",
	"customer.subscription.created",
	"customer.subscription.updated",
	"customer.subscription.deleted",
	"invoice.payment_failed",
	"invoice.payment_succeeded",
}

// ProcessWebhook verifies, dedupes, and applies one inbound provider
// event. Events already marked processed are acked without reprocessing;
// handler failures leave the event retryable and surface to the caller
// for a 5xx response.
func (s *Service) ProcessWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	// The account's pinned API version can differ from the library's; that
	// is not a forgery, so it must not be answered 400 and dropped.
	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, s.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignature, err)
	}

	sum := sha256.Sum256(payload)
	inserted, prevStatus, err := s.Store.InsertWebhookEventIfAbsent(ctx, providerName, event.ID, string(event.Type), hex.EncodeToString(sum[:]))
	if err != nil {
		return fmt.Errorf("record webhook event %s: %w", event.ID, err)
	}
	if !inserted && prevStatus == "processed" {
		log.Printf("webhook duplicate event_id=%s type=%s", event.ID, event.Type)
		return nil
	}

	if err := s.applyEvent(ctx, &event, ledger.SourceWebhook); err != nil {
		switch {
		case errors.Is(err, errUnsupportedEvent):
			log.Printf("webhook ignored event_id=%s type=%s", event.ID, event.Type)
			_ = s.Store.UpdateWebhookEventStatus(ctx, providerName, event.ID, "ignored", "")
			return nil
		case errors.Is(err, ErrWorkspaceNotFound):
			// Customer is not ours (or the workspace is gone). Warn and ack:
			// retrying will never make it resolvable.
			log.Printf("webhook lookup miss event_id=%s type=%s err=%v", event.ID, event.Type, err)
			_ = s.Store.UpdateWebhookEventStatus(ctx, providerName, event.ID, "ignored", err.Error())
			return nil
		default:
			_ = s.Store.UpdateWebhookEventStatus(ctx, providerName, event.ID, "failed", err.Error())
			return fmt.Errorf("process webhook event %s: %w", event.ID, err)
		}
	}

	if err := s.Store.UpdateWebhookEventStatus(ctx, providerName, event.ID, "processed", ""); err != nil {
		return fmt.Errorf("mark webhook event %s processed: %w", event.ID, err)
	}
	return nil
}

// applyEvent dispatches one provider event to its handler. The webhook and
// replay paths share this dispatch so they can never diverge in behavior.
func (s *Service) applyEvent(ctx context.Context, event *stripe.Event, source ledger.Source) error {
	switch event.Type {
	case "checkout.session.completed":
		return s.handleCheckoutCompleted(ctx, event, source)
	case "customer.subscription.created", "customer.subscription.updated":
		return s.handleSubscriptionUpdated(ctx, event, source)
	case "customer.subscription.deleted":
		return s.handleSubscriptionDeleted(ctx, event, source)
	case "invoice.payment_failed":
		return s.handlePaymentFailed(ctx, event, source)
	case "invoice.payment_succeeded":
		return s.handlePaymentSucceeded(ctx, event, source)
	default:
		return fmt.Errorf("%w: %s", errUnsupportedEvent, event.Type)
	}
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event *stripe.Event, source ledger.Source) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("decode checkout session: %w", err)
	}
	workspaceID := sess.Metadata["workspace_id"]
	if workspaceID == "" {
		workspaceID = sess.ClientReferenceID
	}
	if workspaceID == "" {
		return fmt.Errorf("%w: checkout session %s carries no workspace reference", ErrWorkspaceNotFound, sess.ID)
	}
	if sess.Subscription == nil {
		// One-time payment, nothing to reconcile.
		log.Printf("webhook checkout without subscription event_id=%s session=%s", event.ID, sess.ID)
		return nil
	}

	sub, err := s.Provider.GetSubscription(ctx, sess.Subscription.ID)
	if err != nil {
		return err
	}

	if _, err := s.EnforceWorkspacePlan(ctx, workspaceID, EnforceInput{
		StripePriceID: subscriptionPriceID(sub),
		StripeStatus:  string(sub.Status),
		Source:        source,
		StripeEventID: strPtr(event.ID),
	}); err != nil {
		return err
	}

	upd := store.BillingUpdate{
		StripeSubscriptionID: sub.ID,
		StripePriceID:        subscriptionPriceID(sub),
		CurrentPeriodStart:   nullTimeFromUnix(sub.CurrentPeriodStart),
		CurrentPeriodEnd:     nullTimeFromUnix(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:    sql.NullBool{Bool: sub.CancelAtPeriodEnd, Valid: true},
	}
	if sess.Customer != nil {
		upd.StripeCustomerID = sess.Customer.ID
	} else if sub.Customer != nil {
		upd.StripeCustomerID = sub.Customer.ID
	}
	if err := s.Store.UpdateWorkspaceBilling(ctx, workspaceID, upd); err != nil {
		return fmt.Errorf("persist billing identifiers for workspace %s: %w", workspaceID, err)
	}
	return nil
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, event *stripe.Event, source ledger.Source) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	ws, err := s.workspaceForCustomer(ctx, &sub)
	if err != nil {
		return err
	}

	if _, err := s.EnforceWorkspacePlan(ctx, ws.ID, EnforceInput{
		StripePriceID: subscriptionPriceID(&sub),
		StripeStatus:  string(sub.Status),
		Source:        source,
		StripeEventID: strPtr(event.ID),
	}); err != nil {
		return err
	}

	return s.Store.UpdateWorkspaceBilling(ctx, ws.ID, store.BillingUpdate{
		StripeSubscriptionID: sub.ID,
		StripePriceID:        subscriptionPriceID(&sub),
		CurrentPeriodStart:   nullTimeFromUnix(sub.CurrentPeriodStart),
		CurrentPeriodEnd:     nullTimeFromUnix(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:    sql.NullBool{Bool: sub.CancelAtPeriodEnd, Valid: true},
	})
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event *stripe.Event, source ledger.Source) error {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return fmt.Errorf("decode subscription: %w", err)
	}
	ws, err := s.workspaceForCustomer(ctx, &sub)
	if err != nil {
		return err
	}

	if _, err := s.EnforceWorkspacePlan(ctx, ws.ID, EnforceInput{
		StripeStatus:  "canceled",
		Source:        source,
		StripeEventID: strPtr(event.ID),
	}); err != nil {
		return err
	}

	// The deletion event states when access actually ends, which may be
	// earlier than the optimistic period end we stored. This is the one
	// place a regress is legitimate.
	return s.Store.UpdateWorkspaceBilling(ctx, ws.ID, store.BillingUpdate{
		CurrentPeriodEnd:      nullTimeFromUnix(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:     sql.NullBool{Bool: false, Valid: true},
		AllowPeriodEndRegress: true,
	})
}

func (s *Service) handlePaymentFailed(ctx context.Context, event *stripe.Event, source ledger.Source) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}
	if inv.Subscription == nil {
		// One-off invoice, not part of the subscription lifecycle.
		log.Printf("webhook invoice without subscription event_id=%s invoice=%s", event.ID, inv.ID)
		return nil
	}
	ws, err := s.workspaceForInvoice(ctx, &inv)
	if err != nil {
		return err
	}

	_, err = s.EnforceWorkspacePlan(ctx, ws.ID, EnforceInput{
		StripeStatus:  "past_due",
		Source:        source,
		StripeEventID: strPtr(event.ID),
	})
	return err
}

func (s *Service) handlePaymentSucceeded(ctx context.Context, event *stripe.Event, source ledger.Source) error {
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return fmt.Errorf("decode invoice: %w", err)
	}
	if inv.Subscription == nil {
		log.Printf("webhook invoice without subscription event_id=%s invoice=%s", event.ID, inv.ID)
		return nil
	}
	ws, err := s.workspaceForInvoice(ctx, &inv)
	if err != nil {
		return err
	}

	// Re-read the subscription rather than trusting the invoice: it carries
	// the authoritative status, price, and renewed period bounds.
	sub, err := s.Provider.GetSubscription(ctx, inv.Subscription.ID)
	if err != nil {
		return err
	}

	if _, err := s.EnforceWorkspacePlan(ctx, ws.ID, EnforceInput{
		StripePriceID: subscriptionPriceID(sub),
		StripeStatus:  string(sub.Status),
		Source:        source,
		StripeEventID: strPtr(event.ID),
	}); err != nil {
		return err
	}

	return s.Store.UpdateWorkspaceBilling(ctx, ws.ID, store.BillingUpdate{
		CurrentPeriodStart: nullTimeFromUnix(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   nullTimeFromUnix(sub.CurrentPeriodEnd),
	})
}

func (s *Service) workspaceForCustomer(ctx context.Context, sub *stripe.Subscription) (store.Workspace, error) {
	if sub.Customer == nil || sub.Customer.ID == "" {
		return store.Workspace{}, fmt.Errorf("%w: subscription %s has no customer", ErrWorkspaceNotFound, sub.ID)
	}
	ws, err := s.Store.GetWorkspaceByStripeCustomerID(ctx, sub.Customer.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Workspace{}, fmt.Errorf("%w: no workspace for customer %s", ErrWorkspaceNotFound, sub.Customer.ID)
		}
		return store.Workspace{}, fmt.Errorf("lookup workspace for customer %s: %w", sub.Customer.ID, err)
	}
	return ws, nil
}

func (s *Service) workspaceForInvoice(ctx context.Context, inv *stripe.Invoice) (store.Workspace, error) {
	if inv.Customer == nil || inv.Customer.ID == "" {
		return store.Workspace{}, fmt.Errorf("%w: invoice %s has no customer", ErrWorkspaceNotFound, inv.ID)
	}
	ws, err := s.Store.GetWorkspaceByStripeCustomerID(ctx, inv.Customer.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Workspace{}, fmt.Errorf("%w: no workspace for customer %s", ErrWorkspaceNotFound, inv.Customer.ID)
		}
		return store.Workspace{}, fmt.Errorf("lookup workspace for customer %s: %w", inv.Customer.ID, err)
	}
	return ws, nil
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

func nullTimeFromUnix(ts int64) sql.NullTime {
	if ts <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: time.Unix(ts, 0).UTC(), Valid: true}
}
