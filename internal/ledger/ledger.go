// Package ledger records billing state transitions per workspace. The log
// is append-only: entries are written once and the package exposes no
// update or delete operation.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"courtside/internal/store"
)

type EventType string

const (
	SubscriptionCreated  EventType = "subscription_created"
	SubscriptionUpdated  EventType = "subscription_updated"
	SubscriptionDeleted  EventType = "subscription_deleted"
	SubscriptionPaused   EventType = "subscription_paused"
	SubscriptionResumed  EventType = "subscription_resumed"
	PaymentSucceeded     EventType = "payment_succeeded"
	PaymentFailed        EventType = "payment_failed"
	PlanUpgraded         EventType = "plan_upgraded"
	PlanDowngraded       EventType = "plan_downgraded"
	PlanChanged          EventType = "plan_changed"
	StatusChanged        EventType = "status_changed"
	WorkspaceSuspended   EventType = "workspace_suspended"
	WorkspaceReactivated EventType = "workspace_reactivated"
	DriftDetected        EventType = "drift_detected"
	DriftResolved        EventType = "drift_resolved"
	ManualAdjustment     EventType = "manual_adjustment"
	EventReplayed        EventType = "event_replayed"
)

type Source string

const (
	SourceWebhook     Source = "webhook"
	SourceReplay      Source = "replay"
	SourceAuditor     Source = "auditor"
	SourceManual      Source = "manual"
	SourceEnforcement Source = "enforcement"
)

var ErrValidation = errors.New("ledger validation")

var eventTypes = map[EventType]struct{}{
	SubscriptionCreated: {}, SubscriptionUpdated: {}, SubscriptionDeleted: {},
	SubscriptionPaused: {}, SubscriptionResumed: {},
	PaymentSucceeded: {}, PaymentFailed: {},
	PlanUpgraded: {}, PlanDowngraded: {}, PlanChanged: {},
	StatusChanged: {}, WorkspaceSuspended: {}, WorkspaceReactivated: {},
	DriftDetected: {}, DriftResolved: {},
	ManualAdjustment: {}, EventReplayed: {},
}

func ValidEventType(t EventType) bool {
	_, ok := eventTypes[t]
	return ok
}

func ValidSource(s Source) bool {
	switch s {
	case SourceWebhook, SourceReplay, SourceAuditor, SourceManual, SourceEnforcement:
		return true
	default:
		return false
	}
}

// Entry is the caller-supplied portion of a ledger event. Optional fields
// left nil are stored as SQL NULL so every row has a uniform shape.
type Entry struct {
	Type          EventType
	StripeEventID *string
	StatusBefore  *string
	StatusAfter   *string
	PlanBefore    *string
	PlanAfter     *string
	Source        Source
	Note          *string
}

// Event is a recorded ledger row as returned by the read APIs.
type Event struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspace_id"`
	Type          EventType `json:"type"`
	StripeEventID *string   `json:"stripe_event_id"`
	Timestamp     time.Time `json:"timestamp"`
	StatusBefore  *string   `json:"status_before"`
	StatusAfter   *string   `json:"status_after"`
	PlanBefore    *string   `json:"plan_before"`
	PlanAfter     *string   `json:"plan_after"`
	Source        Source    `json:"source"`
	Note          *string   `json:"note"`
}

// Recorder is the slice of the store the ledger needs. *store.Store
// satisfies it; tests substitute an in-memory implementation.
type Recorder interface {
	InsertLedgerRow(ctx context.Context, row store.LedgerRow) (string, error)
	ListLedgerRows(ctx context.Context, workspaceID string, limit int) ([]store.LedgerRow, error)
	ListLedgerRowsBySource(ctx context.Context, workspaceID, source string, limit int) ([]store.LedgerRow, error)
	ListLedgerRowsByType(ctx context.Context, workspaceID, eventType string, limit int) ([]store.LedgerRow, error)
}

const defaultReadLimit = 50

type Service struct {
	Store Recorder
}

func NewService(st Recorder) *Service {
	return &Service{Store: st}
}

// RecordBillingEvent validates and appends one ledger row, returning its
// id. Validation happens before any write: an invalid entry never reaches
// the database.
func (s *Service) RecordBillingEvent(ctx context.Context, workspaceID string, entry Entry) (string, error) {
	if workspaceID == "" {
		return "", fmt.Errorf("%w: workspace id must be non-empty", ErrValidation)
	}
	if entry.Type == "" {
		return "", fmt.Errorf("%w: event type must be non-empty", ErrValidation)
	}
	if !ValidEventType(entry.Type) {
		return "", fmt.Errorf("%w: unknown event type %q", ErrValidation, entry.Type)
	}
	if !ValidSource(entry.Source) {
		return "", fmt.Errorf("%w: source %q must be one of webhook, replay, auditor, manual, enforcement", ErrValidation, entry.Source)
	}

	id, err := s.Store.InsertLedgerRow(ctx, store.LedgerRow{
		WorkspaceID:   workspaceID,
		EventType:     string(entry.Type),
		StripeEventID: nullString(entry.StripeEventID),
		StatusBefore:  nullString(entry.StatusBefore),
		StatusAfter:   nullString(entry.StatusAfter),
		PlanBefore:    nullString(entry.PlanBefore),
		PlanAfter:     nullString(entry.PlanAfter),
		Source:        string(entry.Source),
		Note:          nullString(entry.Note),
	})
	if err != nil {
		return "", fmt.Errorf("failed to record billing event: %w", err)
	}
	log.Printf("ledger recorded workspace_id=%s event_id=%s type=%s source=%s", workspaceID, id, entry.Type, entry.Source)
	return id, nil
}

// GetLedger returns recent events, newest first.
func (s *Service) GetLedger(ctx context.Context, workspaceID string, limit int) ([]Event, error) {
	rows, err := s.Store.ListLedgerRows(ctx, workspaceID, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to get billing ledger: %w", err)
	}
	return toEvents(rows), nil
}

func (s *Service) GetLedgerBySource(ctx context.Context, workspaceID string, source Source, limit int) ([]Event, error) {
	if !ValidSource(source) {
		return nil, fmt.Errorf("%w: unknown source %q", ErrValidation, source)
	}
	rows, err := s.Store.ListLedgerRowsBySource(ctx, workspaceID, string(source), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to get billing ledger by source: %w", err)
	}
	return toEvents(rows), nil
}

func (s *Service) GetLedgerByType(ctx context.Context, workspaceID string, eventType EventType, limit int) ([]Event, error) {
	if !ValidEventType(eventType) {
		return nil, fmt.Errorf("%w: unknown event type %q", ErrValidation, eventType)
	}
	rows, err := s.Store.ListLedgerRowsByType(ctx, workspaceID, string(eventType), normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to get billing ledger by type: %w", err)
	}
	return toEvents(rows), nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultReadLimit
	}
	return limit
}

func toEvents(rows []store.LedgerRow) []Event {
	events := make([]Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, Event{
			ID:            r.ID,
			WorkspaceID:   r.WorkspaceID,
			Type:          EventType(r.EventType),
			StripeEventID: stringPtr(r.StripeEventID),
			Timestamp:     r.RecordedAt,
			StatusBefore:  stringPtr(r.StatusBefore),
			StatusAfter:   stringPtr(r.StatusAfter),
			PlanBefore:    stringPtr(r.PlanBefore),
			PlanAfter:     stringPtr(r.PlanAfter),
			Source:        Source(r.Source),
			Note:          stringPtr(r.Note),
		})
	}
	return events
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
