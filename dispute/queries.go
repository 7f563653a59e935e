package dispute

import (
	"context"
	"fmt"
	"strings"
)

// prefixColumns qualifies each column in a comma-separated list with a
// table alias so two column sets can share one SELECT.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// CasePage is one page of the operator work queue. EligibleArbitrators is
// filled in by the service from the pool, not by the repository, so the
// operator can spot a pool running below quorum next to the backlog.
type CasePage struct {
	Cases               []Case
	Total               int
	EligibleArbitrators int
}

// ListActiveCases pages through cases that still need arbitration,
// oldest first so long-waiting cases surface before fresh ones.
func (r *PGRepository) ListActiveCases(ctx context.Context, limit, offset int) (CasePage, error) {
	countSQL := `SELECT count(*) FROM disputes WHERE status = ANY($1)`
	statuses := ActiveStatuses()
	var total int
	if err := r.pool.QueryRow(ctx, countSQL, statuses).Scan(&total); err != nil {
		return CasePage{}, fmt.Errorf("dispute: count active cases: %w", err)
	}

	listSQL := `
		SELECT ` + caseColumns + `
		FROM disputes
		WHERE status = ANY($1)
		ORDER BY created_at
		LIMIT $2 OFFSET $3
	`
	cases, err := r.listCases(ctx, listSQL, statuses, limit, offset)
	if err != nil {
		return CasePage{}, err
	}
	return CasePage{Cases: cases, Total: total}, nil
}

// Assignment pairs a round awaiting a vote with its case so the arbitrator
// sees both sides' evidence.
type Assignment struct {
	Case  Case
	Round Round
}

// ListAssignments returns the open ballots of one arbitrator, most urgent
// deadline first.
func (r *PGRepository) ListAssignments(ctx context.Context, arbitratorID string) ([]Assignment, error) {
	sql := `
		SELECT ` + prefixColumns("d", caseColumns) + `, ` + prefixColumns("r", roundColumns) + `
		FROM dispute_rounds r
		JOIN disputes d ON d.id = r.dispute_id
		WHERE r.arbitrator_id = $1 AND r.status = $2
		ORDER BY r.vote_deadline
	`
	rows, err := r.pool.Query(ctx, sql, arbitratorID, RoundAwaitingVote)
	if err != nil {
		return nil, fmt.Errorf("dispute: list assignments: %w", err)
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var a Assignment
		var workerDesc, workerRef *string
		err := rows.Scan(
			&a.Case.ID, &a.Case.JobID, &a.Case.PosterID, &a.Case.WorkerID,
			&a.Case.PosterEvidence.Description, &a.Case.PosterEvidence.Ref,
			&workerDesc, &workerRef,
			&a.Case.EvidenceDeadline, &a.Case.Status, &a.Case.CurrentRound,
			&a.Case.RoundWinners[0], &a.Case.RoundWinners[1], &a.Case.RoundWinners[2],
			&a.Case.FinalWinnerWallet, &a.Case.PosterWins, &a.Case.ResolvedBy,
			&a.Case.ResolutionNote, &a.Case.ResolvedAt,
			&a.Case.SettlementClaimedAt, &a.Case.SettlementTxHash, &a.Case.Settled,
			&a.Case.CreatedAt, &a.Case.UpdatedAt,
			&a.Round.ID, &a.Round.DisputeID, &a.Round.RoundNumber,
			&a.Round.ArbitratorID, &a.Round.ArbitratorWallet, &a.Round.PriorArbitratorIDs,
			&a.Round.SelectedAt, &a.Round.VoteDeadline, &a.Round.Status,
			&a.Round.WinnerWallet, &a.Round.WinnerIsPoster, &a.Round.VotedAt,
			&a.Round.ReselectionCount, &a.Round.CreatedAt, &a.Round.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan assignment: %w", err)
		}
		if workerDesc != nil {
			a.Case.WorkerEvidence = &Evidence{Description: *workerDesc, Ref: workerRef}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
