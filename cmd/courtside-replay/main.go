// courtside-replay re-derives one workspace's billing state from the
// provider's recent events, for operators who prefer a shell over the
// admin API. It takes the same per-workspace lock as the API, so the two
// paths cannot replay concurrently.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"courtside/internal/billing"
	"courtside/internal/config"
	"courtside/internal/ledger"
	"courtside/internal/locker"
	"courtside/internal/observability"
	"courtside/internal/store"
)

func main() {
	workspaceID := flag.String("workspace", "", "workspace id to replay")
	flag.Parse()
	if *workspaceID == "" {
		log.Fatalf("usage: courtside-replay -workspace <id>")
	}

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

	locks, err := locker.New(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("redis error: %v", err)
	}
	defer locks.Close()

	release, acquired, err := locks.AcquireReplayLock(ctx, *workspaceID, 5*time.Minute)
	if err != nil {
		log.Fatalf("lock error: %v", err)
	}
	if !acquired {
		log.Fatalf("replay already running for workspace %s", *workspaceID)
	}
	defer release()

	ledgerSvc := ledger.NewService(st)
	provider := billing.NewStripeProvider(cfg.Stripe.SecretKey)
	svc := billing.NewService(cfg, st, ledgerSvc, provider, nil, observability.NewBillingObserver(nil))

	report, err := svc.ReplayWorkspaceEvents(ctx, *workspaceID)
	if err != nil {
		log.Fatalf("replay failed: %v", err)
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("encode report: %v", err)
	}
	os.Stdout.Write(out)
	os.Stdout.Write([]byte("\n"))
}
