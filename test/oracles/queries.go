package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the cross-table invariants the stress run checks continuously.
// Each query selects violating rows; an empty result means the invariant
// holds.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_dispute_context_complete",
			SQL: `SELECT code FROM deals
                  WHERE status = 'disputed'
                    AND (disputed_by IS NULL OR dispute_reason IS NULL OR disputed_at IS NULL)`,
		},
		{
			Name: "O2_resolution_receipt",
			SQL: `SELECT code FROM deals
                  WHERE resolved_by IS NOT NULL
                    AND (status NOT IN ('completed','refunded')
                         OR resolved_at IS NULL
                         OR ledger_tx_ref IS NULL)`,
		},
		{
			Name: "O3_refund_requires_resolver",
			SQL:  `SELECT code FROM deals WHERE status = 'refunded' AND resolved_by IS NULL`,
		},
		{
			Name: "O4_funded_before_terminal",
			SQL: `SELECT code FROM deals
                  WHERE status IN ('disputed','completed','refunded') AND funded_at IS NULL`,
		},
		{
			Name: "O5_buyer_bound_past_pending",
			SQL: `SELECT code FROM deals
                  WHERE status NOT IN ('pending_deposit','cancelled') AND buyer_id IS NULL`,
		},
		{
			Name: "O6_single_active_grant",
			SQL: `SELECT account_id, COUNT(*) FROM moderator_grants
                  WHERE active GROUP BY account_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_moderator_only_on_dispute",
			SQL: `SELECT code FROM deals
                  WHERE moderator_id IS NOT NULL AND disputed_at IS NULL`,
		},
		{
			Name: "O8_amount_positive_frozen",
			SQL:  `SELECT code FROM deals WHERE amount <= 0`,
		},
		{
			Name: "O9_audit_actor_present",
			SQL:  `SELECT id FROM audit_log WHERE actor_id = ''`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
