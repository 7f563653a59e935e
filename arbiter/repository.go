package arbiter

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads arbitrator eligibility from the users table.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListEnabled returns every enabled arbitrator, ordered by id so selection
// indexes are stable for a given rng seed.
func (r *Repository) ListEnabled(ctx context.Context) ([]Arbitrator, error) {
	const query = `
		SELECT id, full_name, wallet_address
		FROM users
		WHERE role = 'arbitrator' AND enabled
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("arbiter: list enabled: %w", err)
	}
	defer rows.Close()

	out := make([]Arbitrator, 0, 8)
	for rows.Next() {
		var a Arbitrator
		if err := rows.Scan(&a.ID, &a.FullName, &a.Wallet); err != nil {
			return nil, fmt.Errorf("arbiter: scan arbitrator: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("arbiter: iterate arbitrators: %w", err)
	}
	return out, nil
}

// CountEnabled returns the number of enabled arbitrators.
func (r *Repository) CountEnabled(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM users WHERE role = 'arbitrator' AND enabled`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("arbiter: count enabled: %w", err)
	}
	return count, nil
}
