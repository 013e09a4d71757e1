package httpapi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"courtside/internal/auth"
	"courtside/internal/billing"
	"courtside/internal/catalog"
	"courtside/internal/config"
	"courtside/internal/ledger"
	"courtside/internal/store"
)

const testSigningKey = "test-signing-key"

type fakeBilling struct {
	webhookErr  error
	report      billing.ReplayReport
	replayErr   error
	preview     billing.ProrationPreview
	previewErr  error
	checkoutURL string
	changeErr   error
}

func (f *fakeBilling) ProcessWebhook(context.Context, []byte, string) error { return f.webhookErr }

func (f *fakeBilling) ReplayWorkspaceEvents(_ context.Context, workspaceID string) (billing.ReplayReport, error) {
	report := f.report
	report.WorkspaceID = workspaceID
	return report, f.replayErr
}

func (f *fakeBilling) AvailablePlans(store.Workspace) []billing.AvailablePlan {
	return []billing.AvailablePlan{{Plan: catalog.PlanStarter, Current: true, ChangeType: "current"}}
}

func (f *fakeBilling) GetProrationPreview(context.Context, string, string) (billing.ProrationPreview, error) {
	return f.preview, f.previewErr
}

func (f *fakeBilling) StartPlanChange(context.Context, string, string) (string, error) {
	return f.checkoutURL, f.changeErr
}

func (f *fakeBilling) BillingPortalURL(context.Context, string) (string, error) {
	return "https://portal.example.com", nil
}

func (f *fakeBilling) RecentInvoices(context.Context, string, int) ([]billing.Invoice, error) {
	return nil, nil
}

type fakeLedger struct {
	entries       []ledger.Entry
	lastWorkspace string
}

func (f *fakeLedger) RecordBillingEvent(_ context.Context, workspaceID string, entry ledger.Entry) (string, error) {
	if workspaceID == "" || !ledger.ValidEventType(entry.Type) || !ledger.ValidSource(entry.Source) {
		return "", fmt.Errorf("%w: bad entry", ledger.ErrValidation)
	}
	f.entries = append(f.entries, entry)
	f.lastWorkspace = workspaceID
	return "row-1", nil
}

func (f *fakeLedger) GetLedger(context.Context, string, int) ([]ledger.Event, error) {
	return []ledger.Event{{ID: "ev-1"}}, nil
}

func (f *fakeLedger) GetLedgerBySource(_ context.Context, _ string, source ledger.Source, _ int) ([]ledger.Event, error) {
	if !ledger.ValidSource(source) {
		return nil, fmt.Errorf("%w: unknown source", ledger.ErrValidation)
	}
	return nil, nil
}

func (f *fakeLedger) GetLedgerByType(_ context.Context, _ string, eventType ledger.EventType, _ int) ([]ledger.Event, error) {
	if !ledger.ValidEventType(eventType) {
		return nil, fmt.Errorf("%w: unknown type", ledger.ErrValidation)
	}
	return nil, nil
}

type fakeWorkspaces struct {
	workspaces map[string]store.Workspace
}

func (f *fakeWorkspaces) GetWorkspace(_ context.Context, id string) (store.Workspace, error) {
	ws, ok := f.workspaces[id]
	if !ok {
		return store.Workspace{}, sql.ErrNoRows
	}
	return ws, nil
}

type fakeLocker struct {
	held bool
	err  error
}

func (f *fakeLocker) AcquireReplayLock(context.Context, string, time.Duration) (func(), bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	if f.held {
		return nil, false, nil
	}
	return func() {}, true, nil
}

func testHandler(b *fakeBilling, l *fakeLedger, locks *fakeLocker) *Handler {
	cfg := config.Default()
	cfg.Admin.TokenSigningKey = testSigningKey
	cfg.Admin.AllowedActors = []string{"ops@example.com"}
	workspaces := &fakeWorkspaces{workspaces: map[string]store.Workspace{
		"ws-1": {ID: "ws-1", Name: "Test Club", Plan: catalog.PlanStarter, Status: catalog.StatusActive},
	}}
	return NewHandler(cfg, auth.NewService(cfg), b, l, workspaces, locks)
}

func adminToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "ops@example.com",
		"role": "admin",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return "Bearer " + signed
}

func doRequest(h *Handler, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestWebhookStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "ok", wantStatus: http.StatusOK},
		{name: "bad signature", err: fmt.Errorf("%w: boom", billing.ErrSignature), wantStatus: http.StatusBadRequest},
		{name: "handler failure retryable", err: errors.New("db down"), wantStatus: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := testHandler(&fakeBilling{webhookErr: tc.err}, &fakeLedger{}, &fakeLocker{})
			req := httptest.NewRequest(http.MethodPost, "/v1/billing/webhook/stripe", strings.NewReader("{}"))
			rec := doRequest(h, req)
			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tc.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestReplayRequiresAdmin(t *testing.T) {
	h := testHandler(&fakeBilling{}, &fakeLedger{}, &fakeLocker{})
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/billing/replay", strings.NewReader(`{"workspace_id":"ws-1"}`))
	if rec := doRequest(h, req); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d", rec.Code)
	}
}

func TestReplayConflictWhenLocked(t *testing.T) {
	h := testHandler(&fakeBilling{}, &fakeLedger{}, &fakeLocker{held: true})
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/billing/replay", strings.NewReader(`{"workspace_id":"ws-1"}`))
	req.Header.Set("Authorization", adminToken(t))
	if rec := doRequest(h, req); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while replay in flight, got %d", rec.Code)
	}
}

func TestReplayReturnsReport(t *testing.T) {
	b := &fakeBilling{report: billing.ReplayReport{FinalPlan: catalog.PlanPro, FinalStatus: catalog.StatusActive}}
	h := testHandler(b, &fakeLedger{}, &fakeLocker{})
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/billing/replay", strings.NewReader(`{"workspace_id":"ws-1"}`))
	req.Header.Set("Authorization", adminToken(t))
	rec := doRequest(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"final_plan":"pro"`) {
		t.Fatalf("expected report in body, got %s", rec.Body.String())
	}
}

func TestReplayWorkspaceNotFound(t *testing.T) {
	b := &fakeBilling{replayErr: fmt.Errorf("%w: ws-1", billing.ErrWorkspaceNotFound)}
	h := testHandler(b, &fakeLedger{}, &fakeLocker{})
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/billing/replay", strings.NewReader(`{"workspace_id":"ws-1"}`))
	req.Header.Set("Authorization", adminToken(t))
	if rec := doRequest(h, req); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestManualAdjustment(t *testing.T) {
	led := &fakeLedger{}
	h := testHandler(&fakeBilling{}, led, &fakeLocker{})

	body := `{"workspace_id":"ws-1","note":"migrated from legacy billing","plan_after":"plus"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/admin/billing/adjustment", strings.NewReader(body))
	req.Header.Set("Authorization", adminToken(t))
	rec := doRequest(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(led.entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(led.entries))
	}
	entry := led.entries[0]
	if entry.Type != ledger.ManualAdjustment || entry.Source != ledger.SourceManual {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if !strings.Contains(*entry.Note, "ops@example.com") {
		t.Fatalf("note must record the acting admin, got %q", *entry.Note)
	}
}

func TestManualAdjustmentSchemaRejectsBadBody(t *testing.T) {
	led := &fakeLedger{}
	h := testHandler(&fakeBilling{}, led, &fakeLocker{})

	bodies := []string{
		`{"workspace_id":"ws-1"}`,
		`{"note":"missing workspace"}`,
		`{"workspace_id":"ws-1","note":"x","plan_after":"platinum"}`,
		`{"workspace_id":"ws-1","note":"x","extra":"nope"}`,
		`not json`,
	}
	for _, body := range bodies {
		req := httptest.NewRequest(http.MethodPost, "/v1/admin/billing/adjustment", strings.NewReader(body))
		req.Header.Set("Authorization", adminToken(t))
		if rec := doRequest(h, req); rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
	if len(led.entries) != 0 {
		t.Fatalf("rejected bodies must not reach the ledger")
	}
}

func TestLedgerEndpointFiltersAndAuth(t *testing.T) {
	h := testHandler(&fakeBilling{}, &fakeLedger{}, &fakeLocker{})

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/billing/ledger?workspace_id=ws-1", nil)
	if rec := doRequest(h, req); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/billing/ledger?workspace_id=ws-1", nil)
	req.Header.Set("Authorization", adminToken(t))
	if rec := doRequest(h, req); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/billing/ledger?workspace_id=ws-1&source=cron", nil)
	req.Header.Set("Authorization", adminToken(t))
	if rec := doRequest(h, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown source, got %d", rec.Code)
	}
}

func TestPlansEndpoint(t *testing.T) {
	h := testHandler(&fakeBilling{}, &fakeLedger{}, &fakeLocker{})

	req := httptest.NewRequest(http.MethodGet, "/v1/billing/plans", nil)
	if rec := doRequest(h, req); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without workspace_id, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/billing/plans?workspace_id=ws-gone", nil)
	if rec := doRequest(h, req); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown workspace, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/billing/plans?workspace_id=ws-1", nil)
	rec := doRequest(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"eligibility"`) {
		t.Fatalf("expected eligibility in response, got %s", rec.Body.String())
	}
}

func TestChangePlanNotEligible(t *testing.T) {
	b := &fakeBilling{previewErr: fmt.Errorf("%w: subscription is canceled", billing.ErrNotEligible)}
	h := testHandler(b, &fakeLedger{}, &fakeLocker{})

	req := httptest.NewRequest(http.MethodPost, "/v1/billing/change-plan",
		strings.NewReader(`{"workspace_id":"ws-1","target_price_id":"price_plus"}`))
	if rec := doRequest(h, req); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for ineligible workspace, got %d", rec.Code)
	}
}

func TestChangePlanReturnsCheckoutAndPreview(t *testing.T) {
	b := &fakeBilling{
		checkoutURL: "https://checkout.example.com/cs_1",
		preview:     billing.ProrationPreview{TargetPlan: catalog.PlanPlus, AmountDueCents: 1000, ImmediateCharge: true},
	}
	h := testHandler(b, &fakeLedger{}, &fakeLocker{})

	req := httptest.NewRequest(http.MethodPost, "/v1/billing/change-plan",
		strings.NewReader(`{"workspace_id":"ws-1","target_price_id":"price_plus"}`))
	rec := doRequest(h, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	for _, want := range []string{`"checkout_url"`, `"immediate_charge":true`} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("expected %s in body, got %s", want, rec.Body.String())
		}
	}
}
