package test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"escrowflow/access"
	"escrowflow/audit"
	"escrowflow/deal"
	"escrowflow/dispute"
	"escrowflow/ledger"
	"escrowflow/notify"
	"escrowflow/reconcile"
	"escrowflow/test/oracles"
)

// TestDealLifecycle walks one deal through the full workflow against a real
// database: creation, anchoring, funding via the reconciler, dispute,
// evidence, moderation, and a refund resolution, with the audit trail and
// review rules checked at the end.
func TestDealLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pool, cleanup := startDatabase(t, ctx)
	defer cleanup()

	log := slog.Default()
	dealRepo := deal.NewRepository(pool)
	evidenceRepo := dispute.NewEvidenceRepository(pool)
	grantRepo := access.NewGrantRepository(pool)
	auditRepo := audit.NewRepository(pool)
	recorder := audit.NewRecorder(auditRepo, log)
	notifier := notify.NewDispatcher(nil, log)
	lgr := newMemLedger()

	resolver := access.NewResolver([]string{"boss-1"}, grantRepo)
	dealSvc := deal.NewService(dealRepo, lgr, notifier)
	dspSvc := dispute.NewService(dealRepo, evidenceRepo, resolver, lgr, recorder, notifier, log)
	accSvc := access.NewService(resolver, grantRepo, recorder, notifier)
	rec := reconcile.New(dealRepo, lgr, notifier, log, reconcile.Config{
		Interval:      time.Second,
		ReminderAfter: 24 * time.Hour,
		CallTimeout:   5 * time.Second,
	})

	created, err := dealSvc.Create(ctx, deal.CreateParams{
		SellerID:    "seller-1",
		Amount:      decimal.NewFromInt(50),
		Description: "vintage synth",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	code := created.Code

	if _, err := dealSvc.RegisterBuyer(ctx, code, "buyer-1", "bob"); err != nil {
		t.Fatalf("register buyer: %v", err)
	}
	if _, err := dealSvc.Anchor(ctx, code, "seller-1"); err != nil {
		t.Fatalf("anchor: %v", err)
	}

	// No deposit yet: a reconcile pass must leave the deal alone.
	if err := rec.RunOnce(ctx); err != nil {
		t.Fatalf("reconcile before deposit: %v", err)
	}
	assertStatus(t, ctx, dealRepo, code, deal.StatusPendingDeposit)

	lgr.fund(code)
	if err := rec.RunOnce(ctx); err != nil {
		t.Fatalf("reconcile after deposit: %v", err)
	}
	assertStatus(t, ctx, dealRepo, code, deal.StatusFunded)

	if err := dspSvc.Open(ctx, code, "buyer-1", "no delivery"); err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	assertStatus(t, ctx, dealRepo, code, deal.StatusDisputed)

	if _, err := dspSvc.SubmitEvidence(ctx, code, "buyer-1", "tracking shows no shipment", nil); err != nil {
		t.Fatalf("submit evidence: %v", err)
	}

	if _, err := accSvc.GrantModerator(ctx, "boss-1", "mod-1"); err != nil {
		t.Fatalf("grant moderator: %v", err)
	}
	if err := dspSvc.Assign(ctx, code, "boss-1", "mod-1"); err != nil {
		t.Fatalf("assign moderator: %v", err)
	}

	if err := dspSvc.Resolve(ctx, code, "mod-1", dispute.DecisionRefund); err != nil {
		t.Fatalf("resolve refund: %v", err)
	}
	got := assertStatus(t, ctx, dealRepo, code, deal.StatusRefunded)
	if got.ResolvedBy == nil || *got.ResolvedBy != "mod-1" {
		t.Fatalf("expected resolver mod-1 recorded, got %+v", got.ResolvedBy)
	}
	if got.LedgerTxRef == nil || *got.LedgerTxRef == "" {
		t.Fatal("expected the refund transaction reference recorded")
	}

	// The refund is final: a late release must bounce off the terminal state.
	if err := dealSvc.Release(ctx, code, "buyer-1"); !errors.Is(err, deal.ErrStaleStatus) {
		t.Fatalf("expected stale status on late release, got %v", err)
	}

	trail, err := auditRepo.ListByDeal(ctx, code)
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if !hasAction(trail, audit.ActionAssignModerator) || !hasAction(trail, audit.ActionResolveRefund) {
		t.Fatalf("expected assignment and resolution in the audit trail, got %d entries", len(trail))
	}

	if err := dealSvc.SubmitReview(ctx, code, "buyer-1", 5, "fair outcome"); err != nil {
		t.Fatalf("submit review: %v", err)
	}
	if err := dealSvc.SubmitReview(ctx, code, "buyer-1", 1, "changed my mind"); !errors.Is(err, deal.ErrRatingSet) {
		t.Fatalf("expected write-once rejection on second review, got %v", err)
	}
}

// TestReleaseDisputeRace fires concurrent release and dispute attempts at one
// funded deal. Exactly one transition out of funded may win; every other
// attempt must lose with a stale status.
func TestReleaseDisputeRace(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, cleanup := startDatabase(t, ctx)
	defer cleanup()

	repo := deal.NewRepository(pool)
	rec, err := repo.Create(ctx, deal.Deal{
		Code:        deal.NewCode(),
		SellerID:    "seller-1",
		Amount:      decimal.NewFromInt(50),
		Description: "race deal",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	code := rec.Code
	if err := repo.SetBuyer(ctx, code, "buyer-1"); err != nil {
		t.Fatalf("set buyer: %v", err)
	}
	if err := repo.MarkFunded(ctx, code, time.Now()); err != nil {
		t.Fatalf("mark funded: %v", err)
	}

	var wins atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 8; i++ {
		release := i%2 == 0
		g.Go(func() error {
			var err error
			if release {
				err = repo.UpdateStatus(gctx, code, deal.StatusFunded, deal.StatusCompleted, deal.StatusPatch{})
			} else {
				by, reason, at := "buyer-1", "race dispute", time.Now()
				err = repo.UpdateStatus(gctx, code, deal.StatusFunded, deal.StatusDisputed, deal.StatusPatch{
					DisputedBy:    &by,
					DisputeReason: &reason,
					DisputedAt:    &at,
				})
			}
			if err == nil {
				wins.Add(1)
				return nil
			}
			if errors.Is(err, deal.ErrStaleStatus) {
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("racer errored: %v", err)
	}

	if got := wins.Load(); got != 1 {
		t.Fatalf("expected exactly one winning transition, got %d", got)
	}
	final, err := repo.GetByCode(ctx, code)
	if err != nil {
		t.Fatalf("get final: %v", err)
	}
	if final.Status != deal.StatusCompleted && final.Status != deal.StatusDisputed {
		t.Fatalf("unexpected final status %s", final.Status)
	}

	if name, row, err := oracles.Run(ctx, pool); err != nil || name != "" {
		t.Fatalf("oracle %s failed after race: %s (%v)", name, row, err)
	}
}

func assertStatus(t *testing.T, ctx context.Context, repo *deal.Repository, code string, want deal.Status) deal.Deal {
	t.Helper()
	rec, err := repo.GetByCode(ctx, code)
	if err != nil {
		t.Fatalf("get %s: %v", code, err)
	}
	if rec.Status != want {
		t.Fatalf("deal %s: expected status %s, got %s", code, want, rec.Status)
	}
	return rec
}

func hasAction(entries []audit.Entry, action audit.Action) bool {
	for _, e := range entries {
		if e.Action == action {
			return true
		}
	}
	return false
}

// memLedger is an in-memory stand-in for the external ledger. Deposits are
// injected by the test via fund; resolutions settle immediately.
type memLedger struct {
	mu     sync.Mutex
	byCode map[string]string
	status map[string]ledger.Status
	seq    int
}

func newMemLedger() *memLedger {
	return &memLedger{
		byCode: make(map[string]string),
		status: make(map[string]ledger.Status),
	}
}

func (m *memLedger) fund(dealCode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byCode[dealCode]; ok {
		m.status[id] = ledger.StatusFunded
	}
}

func (m *memLedger) ResolveDealID(_ context.Context, dealCode string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byCode[dealCode]
	return id, ok, nil
}

func (m *memLedger) ReadStatus(_ context.Context, ledgerID string) (ledger.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.status[ledgerID]
	if !ok {
		return ledger.StatusUnknown, ledger.ErrDealNotFound
	}
	return s, nil
}

func (m *memLedger) CreateDeal(_ context.Context, dealCode, _, _ string, _ decimal.Decimal) (ledger.TxHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := fmt.Sprintf("L-%d", m.seq)
	m.byCode[dealCode] = id
	m.status[id] = ledger.StatusAwaitingDeposit
	return memTx{ref: fmt.Sprintf("tx-create-%d", m.seq)}, nil
}

func (m *memLedger) MarkDisputed(_ context.Context, ledgerID string) (ledger.TxHandle, error) {
	return m.settle(ledgerID, ledger.StatusDisputed, "dispute")
}

func (m *memLedger) ResolveRelease(_ context.Context, ledgerID string) (ledger.TxHandle, error) {
	return m.settle(ledgerID, ledger.StatusCompleted, "release")
}

func (m *memLedger) ResolveRefund(_ context.Context, ledgerID string) (ledger.TxHandle, error) {
	return m.settle(ledgerID, ledger.StatusRefunded, "refund")
}

func (m *memLedger) settle(ledgerID string, next ledger.Status, verb string) (ledger.TxHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.status[ledgerID]; !ok {
		return nil, ledger.ErrDealNotFound
	}
	m.seq++
	m.status[ledgerID] = next
	return memTx{ref: fmt.Sprintf("tx-%s-%d", verb, m.seq)}, nil
}

type memTx struct {
	ref string
}

func (m memTx) Ref() string { return m.ref }

func (m memTx) AwaitConfirmation(context.Context, time.Duration) error { return nil }
