package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows while the engine is consistent.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_acceptance_exclusive",
			SQL: `SELECT o.id FROM offers o
                  WHERE (o.status IN ('accepted','funded')) <> (o.accepted_by IS NOT NULL)
                     OR (o.status = 'expired' AND o.accepted_at IS NOT NULL)`,
		},
		{
			Name: "O2_contract_matches_offer",
			SQL: `SELECT c.id FROM contracts c
                  JOIN offers o ON o.id = c.offer_id
                  WHERE (o.status IN ('accepted','funded') AND o.accepted_by <> c.carrier_id)
                     OR o.total_value <> c.total_amount
                     OR o.status IN ('open','expired')`,
		},
		{
			Name: "O3_split_conserves_total",
			SQL: `SELECT id FROM contracts
                  WHERE carrier_amount + broker_amount + platform_amount <> total_amount
                     OR carrier_amount < 0 OR broker_amount < 0 OR platform_amount < 0`,
		},
		{
			Name: "O4_executed_preconditions",
			SQL: `SELECT id FROM contracts
                  WHERE status = 'executed'
                    AND (escrow_status <> 'released' OR delivered_at IS NULL OR signed_at IS NULL)`,
		},
		{
			Name: "O5_payouts_within_split",
			SQL: `SELECT c.id FROM contracts c
                  JOIN payouts p ON p.contract_id = c.id
                  GROUP BY c.id, c.carrier_amount, c.broker_amount
                  HAVING SUM(p.amount) > c.carrier_amount + c.broker_amount`,
		},
		{
			Name: "O6_payouts_need_held_escrow",
			SQL: `SELECT p.id FROM payouts p
                  JOIN contracts c ON c.id = p.contract_id
                  WHERE c.escrow_status NOT IN ('held','released')
                     OR c.delivered_at IS NULL`,
		},
		{
			Name: "O7_funded_offer_has_held_escrow",
			SQL: `SELECT o.id FROM offers o
                  LEFT JOIN contracts c ON c.offer_id = o.id
                  WHERE o.status = 'funded'
                    AND (c.id IS NULL OR c.escrow_status NOT IN ('held','released'))`,
		},
		{
			Name: "O8_failed_payment_cancels_deal",
			SQL: `SELECT c.id FROM contracts c
                  JOIN payments p ON p.offer_id = c.offer_id
                  WHERE p.status = 'failed' AND c.status NOT IN ('cancelled','executed')`,
		},
		{
			Name: "O9_events_settled",
			SQL: `SELECT id FROM settlement_events
                  WHERE outcome = 'received' AND received_at < now() - interval '1 minute'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or an empty name if all pass.
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
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
