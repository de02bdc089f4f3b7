// Package reconcile aligns the local deal projection with ledger truth by
// polling. The ledger is authoritative for fund movements; local state only
// advances once the ledger confirms, and every corrective transition is
// idempotent so re-observing the same fact many times is harmless.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"escrowflow/deal"
	"escrowflow/ledger"
	"escrowflow/notify"
)

// Store is the deal repository surface the reconciler needs.
type Store interface {
	ListAnchored(ctx context.Context, status deal.Status) ([]deal.Deal, error)
	ListReminderDue(ctx context.Context, cutoff time.Time) ([]deal.Deal, error)
	MarkFunded(ctx context.Context, code string, fundedAt time.Time) error
	MarkCompleted(ctx context.Context, code string) error
	MarkReminded(ctx context.Context, code string) error
}

// Config tunes the reconciler.
type Config struct {
	// Interval between cycles. Default 30s.
	Interval time.Duration
	// ReminderAfter is the soft threshold for the funded reminder sweep.
	// Advisory only: nothing auto-refunds, known limitation. Default 24h.
	ReminderAfter time.Duration
	// CallTimeout bounds each ledger lookup. Default ledger.DefaultCallTimeout.
	CallTimeout time.Duration
}

func (c *Config) fill() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ReminderAfter <= 0 {
		c.ReminderAfter = 24 * time.Hour
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = ledger.DefaultCallTimeout
	}
}

// Reconciler runs the polling loop. One instance per deployment; cycles never
// overlap (a tick that lands while the previous cycle still runs is skipped).
type Reconciler struct {
	store    Store
	ledger   ledger.Client
	notifier *notify.Dispatcher
	log      *slog.Logger
	cfg      Config
	now      func() time.Time

	busy     sync.Mutex
	reminded *cooldown
}

func New(store Store, lc ledger.Client, notifier *notify.Dispatcher, log *slog.Logger, cfg Config) *Reconciler {
	cfg.fill()
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		store:    store,
		ledger:   lc,
		notifier: notifier,
		log:      log,
		cfg:      cfg,
		now:      time.Now,
		reminded: newCooldown(cfg.ReminderAfter, 4096),
	}
}

// Run drives cycles until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.log.Error("reconcile cycle failed", "error", err)
			}
		}
	}
}

// RunOnce executes a single cycle. If a previous cycle is still running the
// call returns immediately; serialization is by skip, not by queueing.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	if !r.busy.TryLock() {
		r.log.Debug("reconcile cycle skipped, previous still running")
		return nil
	}
	defer r.busy.Unlock()

	if err := r.sweepDeposits(ctx); err != nil {
		return err
	}
	if err := r.sweepCompletions(ctx); err != nil {
		return err
	}
	return r.sweepReminders(ctx)
}

// sweepDeposits advances anchored pending_deposit deals the ledger reports
// funded. Deals are handled one at a time; a failure on one is logged and the
// rest of the batch continues.
func (r *Reconciler) sweepDeposits(ctx context.Context) error {
	deals, err := r.store.ListAnchored(ctx, deal.StatusPendingDeposit)
	if err != nil {
		return fmt.Errorf("reconcile: list pending deals: %w", err)
	}

	for _, d := range deals {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		status, err := r.readStatus(ctx, d)
		if err != nil {
			r.log.Warn("ledger status lookup failed", "deal", d.Code, "error", err)
			continue
		}
		if status != ledger.StatusFunded && status != ledger.StatusCompleted &&
			status != ledger.StatusDisputed {
			continue
		}

		// The ledger has at least received the deposit. Funded is also the
		// correct local step when the ledger is already further along; the
		// next cycle picks up the remainder.
		if err := r.store.MarkFunded(ctx, d.Code, r.now()); err != nil {
			r.log.Warn("mark funded failed", "deal", d.Code, "error", err)
			continue
		}
		r.log.Info("deal funded", "deal", d.Code)
		r.notifyParties(ctx, d, fmt.Sprintf("Deal %s is funded.", d.Code))
	}
	return nil
}

// sweepCompletions advances anchored funded deals the ledger reports
// completed.
func (r *Reconciler) sweepCompletions(ctx context.Context) error {
	deals, err := r.store.ListAnchored(ctx, deal.StatusFunded)
	if err != nil {
		return fmt.Errorf("reconcile: list funded deals: %w", err)
	}

	for _, d := range deals {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		status, err := r.readStatus(ctx, d)
		if err != nil {
			r.log.Warn("ledger status lookup failed", "deal", d.Code, "error", err)
			continue
		}
		if status != ledger.StatusCompleted {
			continue
		}

		if err := r.store.MarkCompleted(ctx, d.Code); err != nil {
			r.log.Warn("mark completed failed", "deal", d.Code, "error", err)
			continue
		}
		r.log.Info("deal completed", "deal", d.Code)
		r.notifyParties(ctx, d, fmt.Sprintf("Deal %s is complete.", d.Code))
	}
	return nil
}

// sweepReminders nudges parties of deals sitting funded past the soft
// threshold. One reminder per deal, ever; there is no enforced timeout and no
// automatic refund.
func (r *Reconciler) sweepReminders(ctx context.Context) error {
	cutoff := r.now().Add(-r.cfg.ReminderAfter)
	deals, err := r.store.ListReminderDue(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("reconcile: list reminder-due deals: %w", err)
	}

	for _, d := range deals {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.reminded.Hit(d.Code, r.now()) {
			continue
		}
		if err := r.store.MarkReminded(ctx, d.Code); err != nil {
			r.log.Warn("mark reminded failed", "deal", d.Code, "error", err)
			continue
		}
		r.notifyParties(ctx, d, fmt.Sprintf("Deal %s has been funded for a while. Release, or open a dispute if something is wrong.", d.Code))
	}
	return nil
}

func (r *Reconciler) readStatus(ctx context.Context, d deal.Deal) (ledger.Status, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()
	return r.ledger.ReadStatus(callCtx, *d.LedgerDealID)
}

func (r *Reconciler) notifyParties(ctx context.Context, d deal.Deal, message string) {
	r.notifier.Send(ctx, d.SellerID, message)
	if d.BuyerID != nil {
		r.notifier.Send(ctx, *d.BuyerID, message)
	}
}
