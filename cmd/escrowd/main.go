package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"escrowflow/access"
	"escrowflow/audit"
	"escrowflow/db"
	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/identity"
	"escrowflow/ledger"
	"escrowflow/notify"
	"escrowflow/reconcile"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Error("bootstrap database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	ledgerClient := ledger.NewHTTPClient(envOr("LEDGER_URL", "http://127.0.0.1:8545"))
	notifier := notify.NewDispatcher(nil, log) // gateway attaches the real sink
	auditor := audit.NewRecorder(audit.NewRepository(pool), log)

	deals := deal.NewRepository(pool)
	grants := access.NewGrantRepository(pool)
	resolver := access.NewResolver(strings.Split(os.Getenv("BOTMASTER_IDS"), ","), grants)

	// The chat gateway mounts these over its transport; the daemon itself
	// only drives reconciliation.
	core := gatewayCore{
		Deals:    deal.NewService(deals, ledgerClient, notifier),
		Disputes: dispute.NewService(deals, dispute.NewEvidenceRepository(pool), resolver, ledgerClient, auditor, notifier, log),
		Admin:    access.NewService(resolver, grants, auditor, notifier),
		Identity: identity.NewVerifier(os.Getenv("IDENTITY_SECRET")),
	}

	reconciler := reconcile.New(deals, ledgerClient, notifier, log, reconcile.Config{
		Interval:      envDuration("RECONCILE_INTERVAL", 30*time.Second),
		ReminderAfter: envDuration("REMINDER_THRESHOLD", 24*time.Hour),
	})

	log.Info("escrowd ready", "core", core.ready())
	reconciler.Run(ctx)
	log.Info("escrowd stopped")
}

// gatewayCore bundles the services the gateway consumes.
type gatewayCore struct {
	Deals    *deal.Service
	Disputes *dispute.Service
	Admin    *access.Service
	Identity *identity.Verifier
}

func (c gatewayCore) ready() bool {
	return c.Deals != nil && c.Disputes != nil && c.Admin != nil && c.Identity != nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", v)
		return fallback
	}
	return d
}
