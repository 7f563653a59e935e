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

// All returns the invariant checks run against the database while the
// actors hammer it. Every query must come back empty.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_active_case_per_job",
			SQL: `SELECT job_id, COUNT(*) FROM disputes
                  WHERE status IN ('pending_response','voting_round_1','voting_round_2','voting_round_3')
                  GROUP BY job_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_at_most_three_rounds",
			SQL: `SELECT dispute_id, COUNT(*) FROM dispute_rounds
                  GROUP BY dispute_id HAVING COUNT(*) > 3`,
		},
		{
			Name: "O3_single_open_ballot",
			SQL: `SELECT dispute_id, COUNT(*) FROM dispute_rounds
                  WHERE status = 'awaiting_vote'
                  GROUP BY dispute_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_voted_rounds_complete",
			SQL: `SELECT id FROM dispute_rounds
                  WHERE status = 'voted' AND (winner_is_poster IS NULL OR voted_at IS NULL)`,
		},
		{
			Name: "O5_reselection_matches_history",
			SQL: `SELECT id FROM dispute_rounds
                  WHERE reselection_count <> cardinality(prior_arbitrator_ids)`,
		},
		{
			Name: "O6_no_arbitrator_reuse",
			SQL: `SELECT id FROM dispute_rounds
                  WHERE arbitrator_id::text = ANY (prior_arbitrator_ids)`,
		},
		{
			Name: "O7_no_duplicate_arbitrator_across_rounds",
			SQL: `SELECT dispute_id, arbitrator_id, COUNT(*) FROM dispute_rounds
                  GROUP BY dispute_id, arbitrator_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_outbox_not_stuck",
			SQL: `SELECT id FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND NOW() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O9_claimed_implies_settled",
			SQL: `SELECT id FROM disputes
                  WHERE (status = 'claimed' AND (NOT settled OR settlement_tx_hash IS NULL))
                     OR (settled AND status <> 'claimed')`,
		},
		{
			Name: "O10_resolved_has_verdict",
			SQL: `SELECT id FROM disputes
                  WHERE status IN ('poster_won','worker_won','claimed') AND poster_wins IS NULL`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or an empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
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
