package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"escrowflow/access"
	"escrowflow/audit"
	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/test/actors"
	"escrowflow/test/chaos"
	"escrowflow/test/infra"
	"escrowflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors per role")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestEscrowConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	pool, cleanup := startDatabase(t, ctx)
	defer cleanup()

	seedData := mustSeed(t, ctx, pool)

	dealRepo := deal.NewRepository(pool)
	evidenceRepo := dispute.NewEvidenceRepository(pool)
	grantRepo := access.NewGrantRepository(pool)
	auditRepo := audit.NewRepository(pool)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// the churn deal flaps between funded and disputed under contention
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Funder(ctx2, dealRepo, seedData.churnCode, stop) })
		g.Go(func() error {
			return actors.Disputer(ctx2, dealRepo, seedData.churnCode, seedData.buyerID, stop)
		})
	}
	g.Go(func() error {
		return actors.Assigner(ctx2, dealRepo, seedData.churnCode, seedData.moderatorID, seedData.botmasterID, stop)
	})
	g.Go(func() error {
		return actors.EvidenceWriter(ctx2, evidenceRepo, seedData.churnCode, seedData.buyerID, dispute.EvidenceRoleBuyer, stop)
	})
	g.Go(func() error {
		return actors.EvidenceWriter(ctx2, evidenceRepo, seedData.churnCode, seedData.sellerID, dispute.EvidenceRoleSeller, stop)
	})
	g.Go(func() error {
		return actors.Resolver(ctx2, dealRepo, seedData.churnCode, seedData.moderatorID, stop)
	})

	// the race deal pits buyer release against the deposit sweep
	g.Go(func() error { return actors.Funder(ctx2, dealRepo, seedData.raceCode, stop) })
	g.Go(func() error { return actors.Releaser(ctx2, dealRepo, seedData.raceCode, stop) })

	// grant churn and audit writes run beside the deal traffic
	for i := 0; i < 3; i++ {
		g.Go(func() error {
			return actors.GrantChurner(ctx2, grantRepo, seedData.moderatorID, seedData.botmasterID, stop)
		})
	}
	g.Go(func() error {
		return actors.AuditWriter(ctx2, auditRepo, seedData.churnCode, seedData.botmasterID, stop)
	})

	go chaos.TerminateIdleBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

// startDatabase picks the cheapest available Postgres: an explicit DSN, a
// Docker container, or a local server. The returned cleanup tears down
// whatever was created.
func startDatabase(t *testing.T, ctx context.Context) (*pgxpool.Pool, func()) {
	t.Helper()

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("ESCROW_TEST_PG_DSN") != "":
		dsn = os.Getenv("ESCROW_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		_ = pgC.Terminate(context.Background())
		t.Fatalf("apply migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
		_ = pgC.Terminate(context.Background())
	}
	return pool, cleanup
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	sellerID    string
	buyerID     string
	moderatorID string
	botmasterID string
	churnCode   string
	raceCode    string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	s := seedIDs{
		sellerID:    fmt.Sprintf("seller-%d", rand.Int63()),
		buyerID:     fmt.Sprintf("buyer-%d", rand.Int63()),
		moderatorID: fmt.Sprintf("mod-%d", rand.Int63()),
		botmasterID: fmt.Sprintf("boss-%d", rand.Int63()),
	}

	repo := deal.NewRepository(pool)
	for i, target := range []*string{&s.churnCode, &s.raceCode} {
		rec, err := repo.Create(ctx, deal.Deal{
			Code:        deal.NewCode(),
			SellerID:    s.sellerID,
			Amount:      decimal.NewFromInt(50),
			Description: "stress deal",
		})
		if err != nil {
			t.Fatalf("seed deal %d: %v", i, err)
		}
		if err := repo.SetBuyer(ctx, rec.Code, s.buyerID); err != nil {
			t.Fatalf("seed buyer %d: %v", i, err)
		}
		if err := repo.SetLedgerRef(ctx, rec.Code, fmt.Sprintf("L-%s", rec.Code), fmt.Sprintf("tx-anchor-%s", rec.Code)); err != nil {
			t.Fatalf("seed ledger ref %d: %v", i, err)
		}
		*target = rec.Code
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"deals", `SELECT code, status, disputed_by, moderator_id, resolved_by, ledger_tx_ref, updated_at FROM deals ORDER BY updated_at DESC LIMIT 50`},
		{"evidence", `SELECT id, deal_code, submitter_id, role, created_at FROM evidence ORDER BY created_at DESC LIMIT 50`},
		{"moderator_grants", `SELECT id, account_id, active, granted_at, revoked_at FROM moderator_grants ORDER BY granted_at DESC LIMIT 50`},
		{"audit_log", `SELECT id, action, deal_code, actor_id, created_at FROM audit_log ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
