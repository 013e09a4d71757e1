package main

import (
	"context"
	"flag"
	"log"
	"os"

	"courtside/internal/audit"
	"courtside/internal/billing"
	"courtside/internal/config"
	"courtside/internal/ledger"
	"courtside/internal/observability"
	"courtside/internal/store"
)

func main() {
	detectOnly := flag.Bool("detect-only", false, "record drift without repairing it")
	flag.Parse()

	cfg, err := config.Load(os.Getenv("CS_CONFIG"))
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := store.Migrate(ctx, st.DB()); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	ledgerSvc := ledger.NewService(st)
	provider := billing.NewStripeProvider(cfg.Stripe.SecretKey)
	billingSvc := billing.NewService(cfg, st, ledgerSvc, provider, nil, observability.NewBillingObserver(nil))

	svc := audit.NewService(cfg, st, provider, billingSvc, ledgerSvc)
	svc.Repair = !*detectOnly

	report, err := svc.Run(ctx)
	if err != nil {
		log.Fatalf("audit failed: %v", err)
	}
	log.Printf("audit complete: checked=%d drifts_detected=%d drifts_repaired=%d skipped=%d",
		report.WorkspacesChecked, report.DriftsDetected, report.DriftsRepaired, report.Skipped)
}
