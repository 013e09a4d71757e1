// Package catalog is the single source of truth for plan tiers: the
// price-id mapping, the subscription-status mapping, and per-plan limits.
// The webhook, replay, and enforcement paths all consume this package so
// the mappings cannot drift apart.
package catalog

import (
	"fmt"
	"strings"

	"courtside/internal/config"
)

type Plan string

const (
	PlanFree    Plan = "free"
	PlanStarter Plan = "starter"
	PlanPlus    Plan = "plus"
	PlanPro     Plan = "pro"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusTrial     Status = "trial"
	StatusPastDue   Status = "past_due"
	StatusCanceled  Status = "canceled"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

// PaidPlans lists the purchasable tiers in ascending price order.
var PaidPlans = []Plan{PlanStarter, PlanPlus, PlanPro}

type Limits struct {
	MaxPlayers       int `json:"max_players"`
	MaxGamesPerMonth int `json:"max_games_per_month"`
	StorageMB        int `json:"storage_mb"`
}

var planLimits = map[Plan]Limits{
	PlanFree:    {MaxPlayers: 2, MaxGamesPerMonth: 10, StorageMB: 100},
	PlanStarter: {MaxPlayers: 5, MaxGamesPerMonth: 50, StorageMB: 500},
	PlanPlus:    {MaxPlayers: 15, MaxGamesPerMonth: 200, StorageMB: 2048},
	PlanPro:     {MaxPlayers: 9999, MaxGamesPerMonth: 9999, StorageMB: 10240},
}

// Monthly prices in USD, used only for upgrade/downgrade classification and
// display. Settlement amounts always come from the provider.
var planPrices = map[Plan]int{
	PlanFree:    0,
	PlanStarter: 9,
	PlanPlus:    19,
	PlanPro:     39,
}

var planNames = map[Plan]string{
	PlanFree:    "Free Trial",
	PlanStarter: "Starter",
	PlanPlus:    "Plus",
	PlanPro:     "Pro",
}

type Catalog struct {
	priceToPlan map[string]Plan
	planToPrice map[Plan]string
}

func New(cfg config.Config) *Catalog {
	c := &Catalog{
		priceToPlan: make(map[string]Plan),
		planToPrice: make(map[Plan]string),
	}
	c.register(PlanStarter, cfg.Stripe.PriceIDStarter)
	c.register(PlanPlus, cfg.Stripe.PriceIDPlus)
	c.register(PlanPro, cfg.Stripe.PriceIDPro)
	return c
}

func (c *Catalog) register(plan Plan, priceID string) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return
	}
	c.priceToPlan[priceID] = plan
	c.planToPrice[plan] = priceID
}

// PlanForPriceID resolves a provider price id to a plan tier. Unknown price
// ids are a hard error: silently defaulting a plan would corrupt billing.
func (c *Catalog) PlanForPriceID(priceID string) (Plan, error) {
	plan, ok := c.priceToPlan[strings.TrimSpace(priceID)]
	if !ok {
		return "", fmt.Errorf("unknown price id: %s", priceID)
	}
	return plan, nil
}

func (c *Catalog) PriceIDForPlan(plan Plan) (string, error) {
	if plan == PlanFree {
		return "", fmt.Errorf("plan %s has no price id", plan)
	}
	priceID, ok := c.planToPrice[plan]
	if !ok {
		return "", fmt.Errorf("no price id configured for plan: %s", plan)
	}
	return priceID, nil
}

// MapSubscriptionStatus maps a provider subscription status to a workspace
// status. Unrecognized values keep the current status: the mapping never
// invents a status the provider did not report.
func MapSubscriptionStatus(subscriptionStatus string, current Status) Status {
	switch strings.ToLower(strings.TrimSpace(subscriptionStatus)) {
	case "active":
		return StatusActive
	case "trialing":
		return StatusTrial
	case "past_due":
		return StatusPastDue
	case "canceled", "unpaid":
		return StatusCanceled
	default:
		return current
	}
}

func LimitsForPlan(plan Plan) Limits {
	if limits, ok := planLimits[plan]; ok {
		return limits
	}
	return planLimits[PlanFree]
}

func MonthlyPriceUSD(plan Plan) int {
	return planPrices[plan]
}

func DisplayName(plan Plan) string {
	if name, ok := planNames[plan]; ok {
		return name
	}
	return string(plan)
}

func ValidPlan(plan Plan) bool {
	_, ok := planLimits[plan]
	return ok
}

func ValidStatus(status Status) bool {
	switch status {
	case StatusActive, StatusTrial, StatusPastDue, StatusCanceled, StatusSuspended, StatusDeleted:
		return true
	default:
		return false
	}
}
