package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"

	"courtside/internal/catalog"
	"courtside/internal/ledger"
)

type ReplayedEvent struct {
	EventID string    `json:"event_id"`
	Type    string    `json:"type"`
	Created time.Time `json:"created"`
}

type SkippedEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Reason  string `json:"reason"`
}

// ReplayTotals summarizes the outcome counts so report consumers do not
// have to count the per-event lists.
type ReplayTotals struct {
	Reprocessed int `json:"reprocessed"`
	Skipped     int `json:"skipped"`
}

type ReplayReport struct {
	WorkspaceID      string          `json:"workspace_id"`
	EventsScanned    int             `json:"events_scanned"`
	EventsMatched    int             `json:"events_matched"`
	Totals           ReplayTotals    `json:"totals"`
	Reprocessed      []ReplayedEvent `json:"reprocessed"`
	Skipped          []SkippedEvent  `json:"skipped"`
	LastStripeStatus *string         `json:"last_stripe_status"`
	FinalPlan        catalog.Plan    `json:"final_plan"`
	FinalStatus      catalog.Status  `json:"final_status"`
	StartedAt        time.Time       `json:"started_at"`
	FinishedAt       time.Time       `json:"finished_at"`
}

const defaultEventWindow = 100

// ReplayWorkspaceEvents re-derives a workspace's billing state from the
// provider's recent event history. Events run through the same handlers
// as live webhooks, oldest first, but bypass webhook dedup: replay exists
// to reapply events the live path mishandled. A failing event is recorded
// in the report and never aborts the rest of the batch.
func (s *Service) ReplayWorkspaceEvents(ctx context.Context, workspaceID string) (ReplayReport, error) {
	report := ReplayReport{
		WorkspaceID: workspaceID,
		StartedAt:   s.Now(),
	}

	ws, err := s.Store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return report, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, workspaceID)
		}
		return report, fmt.Errorf("load workspace %s: %w", workspaceID, err)
	}
	customerID := ws.Billing.StripeCustomerID
	if customerID == "" {
		return report, fmt.Errorf("%w: %s", ErrNoBillingAccount, workspaceID)
	}

	window := s.EventWindow
	if window <= 0 {
		window = defaultEventWindow
	}
	events, err := s.Provider.ListEvents(ctx, relevantEventTypes, window)
	if err != nil {
		return report, fmt.Errorf("fetch provider events: %w", err)
	}
	report.EventsScanned = len(events)

	var matched []*stripe.Event
	for _, ev := range events {
		if eventMatchesWorkspace(ev, customerID, workspaceID) {
			matched = append(matched, ev)
		}
	}
	report.EventsMatched = len(matched)

	// Oldest first, so replay converges on the same final state the live
	// path would have reached.
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Created < matched[j].Created })

	for _, ev := range matched {
		if status := subscriptionStatusFromEvent(ev); status != "" {
			report.LastStripeStatus = strPtr(status)
		}
		if err := s.applyEvent(ctx, ev, ledger.SourceReplay); err != nil {
			reason := err.Error()
			if errors.Is(err, errUnsupportedEvent) {
				reason = "unsupported event type"
			}
			report.Skipped = append(report.Skipped, SkippedEvent{EventID: ev.ID, Type: string(ev.Type), Reason: reason})
			log.Printf("replay skip workspace_id=%s event_id=%s type=%s reason=%s", workspaceID, ev.ID, ev.Type, reason)
			continue
		}
		report.Reprocessed = append(report.Reprocessed, ReplayedEvent{
			EventID: ev.ID,
			Type:    string(ev.Type),
			Created: time.Unix(ev.Created, 0).UTC(),
		})
	}

	report.Totals = ReplayTotals{Reprocessed: len(report.Reprocessed), Skipped: len(report.Skipped)}

	final, err := s.Store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return report, fmt.Errorf("reload workspace %s after replay: %w", workspaceID, err)
	}
	report.FinalPlan = final.Plan
	report.FinalStatus = final.Status
	report.FinishedAt = s.Now()

	log.Printf("replay done workspace_id=%s scanned=%d matched=%d reprocessed=%d skipped=%d final_plan=%s final_status=%s",
		workspaceID, report.EventsScanned, report.EventsMatched, len(report.Reprocessed), len(report.Skipped),
		report.FinalPlan, report.FinalStatus)
	return report, nil
}

// eventMatchesWorkspace decides from the event payload alone whether an
// event belongs to the workspace, either through the customer id or, for
// checkout sessions, the workspace reference stamped at session creation.
func eventMatchesWorkspace(ev *stripe.Event, customerID, workspaceID string) bool {
	if ev == nil || ev.Data == nil {
		return false
	}
	obj := ev.Data.Object
	if cust, ok := obj["customer"].(string); ok && cust == customerID {
		return true
	}
	if ref, ok := obj["client_reference_id"].(string); ok && ref == workspaceID {
		return true
	}
	if meta, ok := obj["metadata"].(map[string]any); ok {
		if id, ok := meta["workspace_id"].(string); ok && id == workspaceID {
			return true
		}
	}
	return false
}

func subscriptionStatusFromEvent(ev *stripe.Event) string {
	if ev == nil || ev.Data == nil || !strings.HasPrefix(string(ev.Type), "customer.subscription.") {
		return ""
	}
	status, _ := ev.Data.Object["status"].(string)
	return status
}
