package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"courtside/internal/auth"
	"courtside/internal/billing"
	"courtside/internal/config"
	"courtside/internal/httpapi"
	"courtside/internal/ledger"
	"courtside/internal/locker"
	"courtside/internal/notify"
	"courtside/internal/observability"
	"courtside/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("CS_CONFIG"))
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		log.Fatalf("store error: %v", err)
	}
	defer st.Close()

	if err := store.Migrate(ctx, st.DB()); err != nil {
		log.Fatalf("migration error: %v", err)
	}

	locks, err := locker.New(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("redis error: %v", err)
	}
	defer locks.Close()

	var notifier notify.Notifier = notify.NoopNotifier{}
	if cfg.Notify.SMTPHost != "" {
		notifier = notify.NewSMTPNotifier(cfg.Notify.SMTPHost, cfg.Notify.SMTPPort, cfg.Notify.From)
	}

	ledgerSvc := ledger.NewService(st)
	observer := observability.NewBillingObserver(nil)
	provider := billing.NewStripeProvider(cfg.Stripe.SecretKey)
	billingSvc := billing.NewService(cfg, st, ledgerSvc, provider, notifier, observer)
	authSvc := auth.NewService(cfg)
	handler := httpapi.NewHandler(cfg, authSvc, billingSvc, ledgerSvc, st, locks)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := locks.Ping(r.Context()); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	handler.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	log.Printf("courtside-billingd listening on %s", cfg.HTTP.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}
