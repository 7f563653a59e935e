package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so reads can run
// inside or outside a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGRepository persists cases and rounds in Postgres.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const caseColumns = `
	id, job_id, poster_id, worker_id,
	poster_description, poster_evidence_ref,
	worker_description, worker_evidence_ref,
	evidence_deadline, status, current_round,
	round1_winner_wallet, round2_winner_wallet, round3_winner_wallet,
	final_winner_wallet, poster_wins, resolved_by, resolution_note, resolved_at,
	settlement_claimed_at, settlement_tx_hash, settled,
	created_at, updated_at
`

const roundColumns = `
	id, dispute_id, round_number,
	arbitrator_id, arbitrator_wallet, prior_arbitrator_ids,
	selected_at, vote_deadline, status,
	winner_wallet, winner_is_poster, voted_at,
	reselection_count, created_at, updated_at
`

func scanCase(row pgx.Row) (Case, error) {
	var c Case
	var workerDesc, workerRef *string
	err := row.Scan(
		&c.ID, &c.JobID, &c.PosterID, &c.WorkerID,
		&c.PosterEvidence.Description, &c.PosterEvidence.Ref,
		&workerDesc, &workerRef,
		&c.EvidenceDeadline, &c.Status, &c.CurrentRound,
		&c.RoundWinners[0], &c.RoundWinners[1], &c.RoundWinners[2],
		&c.FinalWinnerWallet, &c.PosterWins, &c.ResolvedBy, &c.ResolutionNote, &c.ResolvedAt,
		&c.SettlementClaimedAt, &c.SettlementTxHash, &c.Settled,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Case{}, err
	}
	if workerDesc != nil {
		c.WorkerEvidence = &Evidence{Description: *workerDesc, Ref: workerRef}
	}
	return c, nil
}

func scanRound(row pgx.Row) (Round, error) {
	var r Round
	err := row.Scan(
		&r.ID, &r.DisputeID, &r.RoundNumber,
		&r.ArbitratorID, &r.ArbitratorWallet, &r.PriorArbitratorIDs,
		&r.SelectedAt, &r.VoteDeadline, &r.Status,
		&r.WinnerWallet, &r.WinnerIsPoster, &r.VotedAt,
		&r.ReselectionCount, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return Round{}, err
	}
	return r, nil
}

// CreateCase inserts a new case. A second active case on the same job trips
// the partial unique index and maps to ErrActiveCaseExists.
func (r *PGRepository) CreateCase(ctx context.Context, tx pgx.Tx, c Case) (Case, error) {
	sql := `
		INSERT INTO disputes (
			id, job_id, poster_id, worker_id,
			poster_description, poster_evidence_ref,
			evidence_deadline, status, current_round,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING ` + caseColumns
	row := tx.QueryRow(ctx, sql,
		c.ID, c.JobID, c.PosterID, c.WorkerID,
		c.PosterEvidence.Description, c.PosterEvidence.Ref,
		c.EvidenceDeadline, c.Status, c.CurrentRound,
		c.CreatedAt,
	)
	created, err := scanCase(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Case{}, ErrActiveCaseExists
		}
		return Case{}, fmt.Errorf("dispute: create case: %w", err)
	}
	return created, nil
}

func (r *PGRepository) GetCase(ctx context.Context, id string) (Case, error) {
	return r.getCase(ctx, r.pool, id, "")
}

// GetCaseForUpdate locks the case row for the duration of the transaction.
// All writers serialize on this lock so tallies never race.
func (r *PGRepository) GetCaseForUpdate(ctx context.Context, tx pgx.Tx, id string) (Case, error) {
	return r.getCase(ctx, tx, id, " FOR UPDATE")
}

func (r *PGRepository) getCase(ctx context.Context, q querier, id, suffix string) (Case, error) {
	sql := `SELECT ` + caseColumns + ` FROM disputes WHERE id = $1` + suffix
	c, err := scanCase(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Case{}, ErrNotFound
	}
	if err != nil {
		return Case{}, fmt.Errorf("dispute: get case: %w", err)
	}
	return c, nil
}

// GetCaseByJob returns the most recent case filed against a job.
func (r *PGRepository) GetCaseByJob(ctx context.Context, jobID string) (Case, error) {
	sql := `SELECT ` + caseColumns + ` FROM disputes WHERE job_id = $1 ORDER BY created_at DESC LIMIT 1`
	c, err := scanCase(r.pool.QueryRow(ctx, sql, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Case{}, ErrNotFound
	}
	if err != nil {
		return Case{}, fmt.Errorf("dispute: get case by job: %w", err)
	}
	return c, nil
}

// UpdateCase persists the mutable columns of a case snapshot.
func (r *PGRepository) UpdateCase(ctx context.Context, tx pgx.Tx, c Case) error {
	var workerDesc, workerRef *string
	if c.WorkerEvidence != nil {
		workerDesc = &c.WorkerEvidence.Description
		workerRef = c.WorkerEvidence.Ref
	}
	sql := `
		UPDATE disputes SET
			worker_description = $2, worker_evidence_ref = $3,
			status = $4, current_round = $5,
			round1_winner_wallet = $6, round2_winner_wallet = $7, round3_winner_wallet = $8,
			final_winner_wallet = $9, poster_wins = $10, resolved_by = $11,
			resolution_note = $12, resolved_at = $13,
			settlement_claimed_at = $14, settlement_tx_hash = $15, settled = $16,
			updated_at = $17
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, sql,
		c.ID, workerDesc, workerRef,
		c.Status, c.CurrentRound,
		c.RoundWinners[0], c.RoundWinners[1], c.RoundWinners[2],
		c.FinalWinnerWallet, c.PosterWins, c.ResolvedBy,
		c.ResolutionNote, c.ResolvedAt,
		c.SettlementClaimedAt, c.SettlementTxHash, c.Settled,
		c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("dispute: update case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateRound inserts a round. The unique (dispute_id, round_number)
// constraint turns a concurrent duplicate start into ErrRoundExists.
func (r *PGRepository) CreateRound(ctx context.Context, tx pgx.Tx, rd Round) (Round, error) {
	sql := `
		INSERT INTO dispute_rounds (
			id, dispute_id, round_number,
			arbitrator_id, arbitrator_wallet,
			selected_at, vote_deadline, status,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		RETURNING ` + roundColumns
	row := tx.QueryRow(ctx, sql,
		rd.ID, rd.DisputeID, rd.RoundNumber,
		rd.ArbitratorID, rd.ArbitratorWallet,
		rd.SelectedAt, rd.VoteDeadline, rd.Status,
		rd.CreatedAt,
	)
	created, err := scanRound(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Round{}, ErrRoundExists
		}
		return Round{}, fmt.Errorf("dispute: create round: %w", err)
	}
	return created, nil
}

// GetRoundForUpdate locks one round of a case.
func (r *PGRepository) GetRoundForUpdate(ctx context.Context, tx pgx.Tx, caseID string, number int) (Round, error) {
	sql := `SELECT ` + roundColumns + ` FROM dispute_rounds WHERE dispute_id = $1 AND round_number = $2 FOR UPDATE`
	rd, err := scanRound(tx.QueryRow(ctx, sql, caseID, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return Round{}, ErrNotFound
	}
	if err != nil {
		return Round{}, fmt.Errorf("dispute: get round: %w", err)
	}
	return rd, nil
}

// UpdateRound persists the mutable columns of a round snapshot.
func (r *PGRepository) UpdateRound(ctx context.Context, tx pgx.Tx, rd Round) error {
	sql := `
		UPDATE dispute_rounds SET
			arbitrator_id = $2, arbitrator_wallet = $3, prior_arbitrator_ids = $4,
			selected_at = $5, vote_deadline = $6, status = $7,
			winner_wallet = $8, winner_is_poster = $9, voted_at = $10,
			reselection_count = $11, updated_at = $12
		WHERE id = $1
	`
	tag, err := tx.Exec(ctx, sql,
		rd.ID, rd.ArbitratorID, rd.ArbitratorWallet, rd.PriorArbitratorIDs,
		rd.SelectedAt, rd.VoteDeadline, rd.Status,
		rd.WinnerWallet, rd.WinnerIsPoster, rd.VotedAt,
		rd.ReselectionCount, rd.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("dispute: update round: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRounds returns all rounds of a case in order.
func (r *PGRepository) ListRounds(ctx context.Context, tx pgx.Tx, caseID string) ([]Round, error) {
	var q querier = r.pool
	if tx != nil {
		q = tx
	}
	sql := `SELECT ` + roundColumns + ` FROM dispute_rounds WHERE dispute_id = $1 ORDER BY round_number`
	rows, err := q.Query(ctx, sql, caseID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list rounds: %w", err)
	}
	defer rows.Close()
	var out []Round
	for rows.Next() {
		rd, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan round: %w", err)
		}
		out = append(out, rd)
	}
	return out, rows.Err()
}

// UsedArbitratorIDs returns every arbitrator ever assigned to a case,
// including ones already swapped out after a timeout.
func (r *PGRepository) UsedArbitratorIDs(ctx context.Context, tx pgx.Tx, caseID string) ([]string, error) {
	sql := `
		SELECT arbitrator_id::text FROM dispute_rounds WHERE dispute_id = $1
		UNION
		SELECT unnest(prior_arbitrator_ids) FROM dispute_rounds WHERE dispute_id = $1
	`
	rows, err := tx.Query(ctx, sql, caseID)
	if err != nil {
		return nil, fmt.Errorf("dispute: used arbitrators: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("dispute: scan arbitrator id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListExpiredAwaitingRounds finds rounds whose vote window has lapsed.
func (r *PGRepository) ListExpiredAwaitingRounds(ctx context.Context, now time.Time, limit int) ([]Round, error) {
	sql := `
		SELECT ` + roundColumns + `
		FROM dispute_rounds
		WHERE status = $1 AND vote_deadline < $2
		ORDER BY vote_deadline
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, sql, RoundAwaitingVote, now, limit)
	if err != nil {
		return nil, fmt.Errorf("dispute: list expired rounds: %w", err)
	}
	defer rows.Close()
	var out []Round
	for rows.Next() {
		rd, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan round: %w", err)
		}
		out = append(out, rd)
	}
	return out, rows.Err()
}

// ListEvidenceExpired finds cases still waiting on the worker past the
// evidence deadline.
func (r *PGRepository) ListEvidenceExpired(ctx context.Context, now time.Time, limit int) ([]Case, error) {
	sql := `
		SELECT ` + caseColumns + `
		FROM disputes
		WHERE status = $1 AND evidence_deadline < $2
		ORDER BY evidence_deadline
		LIMIT $3
	`
	return r.listCases(ctx, sql, StatusPendingResponse, now, limit)
}

// ListResolvedUnsettled finds decided cases whose payout has not confirmed.
// The reconciliation sweep retries these.
func (r *PGRepository) ListResolvedUnsettled(ctx context.Context, limit int) ([]Case, error) {
	sql := `
		SELECT ` + caseColumns + `
		FROM disputes
		WHERE status IN ($1, $2) AND NOT settled
		ORDER BY resolved_at
		LIMIT $3
	`
	return r.listCases(ctx, sql, StatusPosterWon, StatusWorkerWon, limit)
}

func (r *PGRepository) listCases(ctx context.Context, sql string, args ...any) ([]Case, error) {
	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list cases: %w", err)
	}
	defer rows.Close()
	var out []Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan case: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
