// Package httpapi exposes the billing lifecycle over HTTP. End-user
// authentication lives upstream in the application server; this API
// trusts workspace ids from that caller and gates the /v1/admin surface
// with its own fail-closed admin check.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"courtside/internal/auth"
	"courtside/internal/billing"
	"courtside/internal/catalog"
	"courtside/internal/config"
	"courtside/internal/ledger"
	"courtside/internal/store"
)

// BillingService is the slice of the billing service the handlers call.
// *billing.Service satisfies it.
type BillingService interface {
	ProcessWebhook(ctx context.Context, payload []byte, signatureHeader string) error
	ReplayWorkspaceEvents(ctx context.Context, workspaceID string) (billing.ReplayReport, error)
	AvailablePlans(ws store.Workspace) []billing.AvailablePlan
	GetProrationPreview(ctx context.Context, workspaceID, targetPriceID string) (billing.ProrationPreview, error)
	StartPlanChange(ctx context.Context, workspaceID, targetPriceID string) (string, error)
	BillingPortalURL(ctx context.Context, workspaceID string) (string, error)
	RecentInvoices(ctx context.Context, workspaceID string, limit int) ([]billing.Invoice, error)
}

type LedgerService interface {
	RecordBillingEvent(ctx context.Context, workspaceID string, entry ledger.Entry) (string, error)
	GetLedger(ctx context.Context, workspaceID string, limit int) ([]ledger.Event, error)
	GetLedgerBySource(ctx context.Context, workspaceID string, source ledger.Source, limit int) ([]ledger.Event, error)
	GetLedgerByType(ctx context.Context, workspaceID string, eventType ledger.EventType, limit int) ([]ledger.Event, error)
}

type WorkspaceReader interface {
	GetWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error)
}

type ReplayLocker interface {
	AcquireReplayLock(ctx context.Context, workspaceID string, ttl time.Duration) (release func(), acquired bool, err error)
}

const replayLockTTL = 5 * time.Minute

type Handler struct {
	Config config.Config
	Auth   *auth.Service

	Billing    BillingService
	Ledger     LedgerService
	Workspaces WorkspaceReader
	Locks      ReplayLocker
}

func NewHandler(cfg config.Config, authSvc *auth.Service, billingSvc BillingService, ledgerSvc LedgerService, workspaces WorkspaceReader, locks ReplayLocker) *Handler {
	return &Handler{
		Config:     cfg,
		Auth:       authSvc,
		Billing:    billingSvc,
		Ledger:     ledgerSvc,
		Workspaces: workspaces,
		Locks:      locks,
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/billing/webhook/stripe", h.handleStripeWebhook)
	mux.HandleFunc("/v1/billing/plans", h.handlePlans)
	mux.HandleFunc("/v1/billing/change-plan", h.handleChangePlan)
	mux.HandleFunc("/v1/billing/portal", h.handleBillingPortal)
	mux.HandleFunc("/v1/billing/invoices", h.handleInvoices)
	mux.HandleFunc("/v1/workspaces/current", h.handleWorkspaceSummary)
	mux.HandleFunc("/v1/admin/billing/ledger", h.handleLedger)
	mux.HandleFunc("/v1/admin/billing/replay", h.handleReplay)
	mux.HandleFunc("/v1/admin/billing/adjustment", h.handleManualAdjustment)
}

func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	payload, err := ioReadAll(r)
	if err != nil {
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	if err := h.Billing.ProcessWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		if errors.Is(err, billing.ErrSignature) {
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}
		// Handler failures return 5xx so the provider redelivers.
		log.Printf("httpapi webhook failed err=%v", err)
		http.Error(w, "webhook processing failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

func (h *Handler) handlePlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ws, ok := h.loadWorkspaceParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plans":       h.Billing.AvailablePlans(ws),
		"eligibility": billing.ValidatePlanChangeEligibility(ws),
	})
}

func (h *Handler) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		WorkspaceID   string `json:"workspace_id"`
		TargetPriceID string `json:"target_price_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.WorkspaceID = strings.TrimSpace(req.WorkspaceID)
	req.TargetPriceID = strings.TrimSpace(req.TargetPriceID)
	if req.WorkspaceID == "" || req.TargetPriceID == "" {
		http.Error(w, "missing workspace_id or target_price_id", http.StatusBadRequest)
		return
	}

	preview, err := h.Billing.GetProrationPreview(r.Context(), req.WorkspaceID, req.TargetPriceID)
	if err != nil {
		httpError(w, err)
		return
	}
	checkoutURL, err := h.Billing.StartPlanChange(r.Context(), req.WorkspaceID, req.TargetPriceID)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"checkout_url": checkoutURL,
		"preview":      preview,
	})
}

func (h *Handler) handleBillingPortal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		WorkspaceID string `json:"workspace_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.WorkspaceID) == "" {
		http.Error(w, "missing workspace_id", http.StatusBadRequest)
		return
	}
	url, err := h.Billing.BillingPortalURL(r.Context(), strings.TrimSpace(req.WorkspaceID))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

func (h *Handler) handleInvoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	workspaceID := strings.TrimSpace(r.URL.Query().Get("workspace_id"))
	if workspaceID == "" {
		http.Error(w, "missing workspace_id", http.StatusBadRequest)
		return
	}
	invoices, err := h.Billing.RecentInvoices(r.Context(), workspaceID, queryLimit(r))
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": invoices})
}

func (h *Handler) handleWorkspaceSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ws, ok := h.loadWorkspaceParam(w, r)
	if !ok {
		return
	}

	summary := map[string]any{
		"workspace_id":         ws.ID,
		"name":                 ws.Name,
		"plan":                 ws.Plan,
		"plan_name":            catalog.DisplayName(ws.Plan),
		"status":               ws.Status,
		"limits":               catalog.LimitsForPlan(ws.Plan),
		"players_count":        ws.PlayersCount,
		"games_this_month":     ws.GamesThisMonth,
		"cancel_at_period_end": ws.Billing.CancelAtPeriodEnd,
	}
	if ws.Billing.CurrentPeriodEnd.Valid {
		summary["current_period_end"] = ws.Billing.CurrentPeriodEnd.Time
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.Auth.RequireAdmin(r); err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	workspaceID := strings.TrimSpace(r.URL.Query().Get("workspace_id"))
	if workspaceID == "" {
		http.Error(w, "missing workspace_id", http.StatusBadRequest)
		return
	}
	limit := queryLimit(r)

	var (
		events []ledger.Event
		err    error
	)
	source := strings.TrimSpace(r.URL.Query().Get("source"))
	eventType := strings.TrimSpace(r.URL.Query().Get("type"))
	switch {
	case source != "":
		events, err = h.Ledger.GetLedgerBySource(r.Context(), workspaceID, ledger.Source(source), limit)
	case eventType != "":
		events, err = h.Ledger.GetLedgerByType(r.Context(), workspaceID, ledger.EventType(eventType), limit)
	default:
		events, err = h.Ledger.GetLedger(r.Context(), workspaceID, limit)
	}
	if err != nil {
		if errors.Is(err, ledger.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) handleReplay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, err := h.Auth.RequireAdmin(r)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var req struct {
		WorkspaceID string `json:"workspace_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	req.WorkspaceID = strings.TrimSpace(req.WorkspaceID)
	if req.WorkspaceID == "" {
		http.Error(w, "missing workspace_id", http.StatusBadRequest)
		return
	}

	release, acquired, err := h.Locks.AcquireReplayLock(r.Context(), req.WorkspaceID, replayLockTTL)
	if err != nil {
		http.Error(w, "lock backend unavailable", http.StatusInternalServerError)
		return
	}
	if !acquired {
		http.Error(w, "replay already running for this workspace", http.StatusConflict)
		return
	}
	defer release()

	log.Printf("httpapi replay requested workspace_id=%s actor=%s", req.WorkspaceID, principal.ActorID)
	report, err := h.Billing.ReplayWorkspaceEvents(r.Context(), req.WorkspaceID)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) handleManualAdjustment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	principal, err := h.Auth.RequireAdmin(r)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	payload, err := ioReadAll(r)
	if err != nil {
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	req, err := parseAdjustment(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	note := req.Note + " (by " + principal.ActorID + ")"
	entry := ledger.Entry{
		Type:         ledger.ManualAdjustment,
		Source:       ledger.SourceManual,
		Note:         &note,
		StatusBefore: req.StatusBefore,
		StatusAfter:  req.StatusAfter,
		PlanBefore:   req.PlanBefore,
		PlanAfter:    req.PlanAfter,
	}
	id, err := h.Ledger.RecordBillingEvent(r.Context(), req.WorkspaceID, entry)
	if err != nil {
		if errors.Is(err, ledger.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event_id": id})
}

func (h *Handler) loadWorkspaceParam(w http.ResponseWriter, r *http.Request) (store.Workspace, bool) {
	workspaceID := strings.TrimSpace(r.URL.Query().Get("workspace_id"))
	if workspaceID == "" {
		http.Error(w, "missing workspace_id", http.StatusBadRequest)
		return store.Workspace{}, false
	}
	ws, err := h.Workspaces.GetWorkspace(r.Context(), workspaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			http.Error(w, "workspace not found", http.StatusNotFound)
			return store.Workspace{}, false
		}
		http.Error(w, "failed to load workspace", http.StatusInternalServerError)
		return store.Workspace{}, false
	}
	return ws, true
}

func httpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrWorkspaceNotFound):
		http.Error(w, "workspace not found", http.StatusNotFound)
	case errors.Is(err, billing.ErrNoBillingAccount):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, billing.ErrNotEligible):
		http.Error(w, err.Error(), http.StatusForbidden)
	default:
		log.Printf("httpapi error err=%v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func queryLimit(r *http.Request) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

func ioReadAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
