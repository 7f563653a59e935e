package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the requested job does not exist.
	ErrNotFound = errors.New("job: not found")
	// ErrBadStatus signals a status-guarded update found the job elsewhere
	// in its lifecycle.
	ErrBadStatus = errors.New("job: invalid status transition")
)

// Repository provides the arbitration core's access to job records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const jobColumns = `id, title, poster_id, worker_id, budget, currency, poster_wallet, worker_wallet, escrow_ref, status, created_at, updated_at`

// GetByID fetches a job by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	j, err := scanJob(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("job: query by id: %w", err)
	}
	return j, nil
}

// GetForUpdate locks the job row inside the caller's transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1 FOR UPDATE`

	j, err := scanJob(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("job: query for update: %w", err)
	}
	return j, nil
}

// MarkDisputed flips an in-progress job to disputed. Runs inside the case
// filing transaction.
func (r *Repository) MarkDisputed(ctx context.Context, tx pgx.Tx, id string) error {
	return r.transition(ctx, tx, id, StatusInProgress, StatusDisputed)
}

// Reopen returns a disputed job to in-progress after the poster withdraws
// the case.
func (r *Repository) Reopen(ctx context.Context, tx pgx.Tx, id string) error {
	return r.transition(ctx, tx, id, StatusDisputed, StatusInProgress)
}

// MarkResolved flips a disputed job to resolved after finalization.
func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, id string) error {
	return r.transition(ctx, tx, id, StatusDisputed, StatusResolved)
}

func (r *Repository) transition(ctx context.Context, tx pgx.Tx, id string, from, to Status) error {
	const query = `
		UPDATE jobs
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`

	tag, err := tx.Exec(ctx, query, id, from, to)
	if err != nil {
		return fmt.Errorf("job: transition %s -> %s: %w", from, to, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("job: transition check: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrBadStatus
	}
	return nil
}

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID,
		&j.Title,
		&j.PosterID,
		&j.WorkerID,
		&j.Budget,
		&j.Currency,
		&j.PosterWallet,
		&j.WorkerWallet,
		&j.EscrowRef,
		&j.Status,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	return j, err
}
