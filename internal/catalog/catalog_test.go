package catalog

import (
	"testing"

	"courtside/internal/config"
)

func testCatalog() *Catalog {
	cfg := config.Default()
	cfg.Stripe.PriceIDStarter = "price_starter"
	cfg.Stripe.PriceIDPlus = "price_plus"
	cfg.Stripe.PriceIDPro = "price_pro"
	return New(cfg)
}

func TestPlanForPriceID(t *testing.T) {
	c := testCatalog()

	tests := []struct {
		priceID string
		want    Plan
		wantErr bool
	}{
		{priceID: "price_starter", want: PlanStarter},
		{priceID: "price_plus", want: PlanPlus},
		{priceID: "price_pro", want: PlanPro},
		{priceID: "price_unknown", wantErr: true},
		{priceID: "", wantErr: true},
	}
	for _, tc := range tests {
		plan, err := c.PlanForPriceID(tc.priceID)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("expected error for price id %q", tc.priceID)
			}
			continue
		}
		if err != nil {
			t.Fatalf("price id %q: %v", tc.priceID, err)
		}
		if plan != tc.want {
			t.Fatalf("price id %q: expected %s, got %s", tc.priceID, tc.want, plan)
		}
	}
}

func TestPriceIDForPlan(t *testing.T) {
	c := testCatalog()
	if _, err := c.PriceIDForPlan(PlanFree); err == nil {
		t.Fatalf("expected error for free plan")
	}
	priceID, err := c.PriceIDForPlan(PlanPlus)
	if err != nil {
		t.Fatalf("plus plan: %v", err)
	}
	if priceID != "price_plus" {
		t.Fatalf("expected price_plus, got %s", priceID)
	}
}

func TestMapSubscriptionStatus(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		current Status
		want    Status
	}{
		{name: "active", raw: "active", current: StatusTrial, want: StatusActive},
		{name: "trialing", raw: "trialing", current: StatusActive, want: StatusTrial},
		{name: "past_due", raw: "past_due", current: StatusActive, want: StatusPastDue},
		{name: "canceled", raw: "canceled", current: StatusActive, want: StatusCanceled},
		{name: "unpaid", raw: "unpaid", current: StatusActive, want: StatusCanceled},
		{name: "unknown keeps current", raw: "incomplete_expired_v2", current: StatusPastDue, want: StatusPastDue},
		{name: "empty keeps current", raw: "", current: StatusSuspended, want: StatusSuspended},
		{name: "case and spacing normalized", raw: "  Active ", current: StatusTrial, want: StatusActive},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := MapSubscriptionStatus(tc.raw, tc.current); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestLimitsAndPrices(t *testing.T) {
	if LimitsForPlan(PlanStarter).MaxPlayers != 5 {
		t.Fatalf("unexpected starter limits")
	}
	if LimitsForPlan("bogus") != LimitsForPlan(PlanFree) {
		t.Fatalf("unknown plan should fall back to free limits")
	}
	if MonthlyPriceUSD(PlanPlus) <= MonthlyPriceUSD(PlanStarter) {
		t.Fatalf("plus must cost more than starter")
	}
	if MonthlyPriceUSD(PlanPro) <= MonthlyPriceUSD(PlanPlus) {
		t.Fatalf("pro must cost more than plus")
	}
}

func TestValidStatus(t *testing.T) {
	for _, status := range []Status{StatusActive, StatusTrial, StatusPastDue, StatusCanceled, StatusSuspended, StatusDeleted} {
		if !ValidStatus(status) {
			t.Fatalf("expected %s to be valid", status)
		}
	}
	if ValidStatus("paused") {
		t.Fatalf("paused is not a workspace status")
	}
}
