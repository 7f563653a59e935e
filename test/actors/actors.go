package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Filer repeatedly tries to open competing cases against the same job. The
// partial unique index on active disputes must reject all but one.
func Filer(ctx context.Context, pool *pgxpool.Pool, jobID, posterID, workerID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := pool.Exec(ctx, `
			INSERT INTO disputes (id, job_id, poster_id, worker_id, poster_description, evidence_deadline, status)
			VALUES (gen_random_uuid(), $1, $2, $3, 'stress filing', NOW() + interval '1 hour', 'pending_response')`,
			jobID, posterID, workerID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				// expected under contention, only one active case may exist
			} else {
				return fmt.Errorf("filer insert: %w", err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(20)) * time.Millisecond)
	}
}

// Voter flips awaiting rounds to voted under row locks, appending the case
// event and outbox row in the same transaction.
func Voter(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var roundID, disputeID string
		err = tx.QueryRow(ctx, `
			SELECT id, dispute_id FROM dispute_rounds
			WHERE status = 'awaiting_vote' AND vote_deadline > NOW()
			LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&roundID, &disputeID)
		if err == nil {
			posterWins := rand.Intn(2) == 0
			_, err = tx.Exec(ctx, `
				UPDATE dispute_rounds
				SET status = 'voted', winner_is_poster = $2, voted_at = NOW(), updated_at = NOW()
				WHERE id = $1`, roundID, posterWins)
			if err == nil {
				_, _ = tx.Exec(ctx, `INSERT INTO case_events (dispute_id, type, description) VALUES ($1, 'ROUND_VOTED', 'stress vote')`, disputeID)
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('dispute.round_voted', jsonb_build_object('dispute_id', $1::text))`, disputeID)
				_ = tx.Commit(ctx)
				time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
				continue
			}
		}
		_ = tx.Rollback(ctx)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// RoundStarter opens the next round for cases whose latest round has voted.
// Concurrent starters collide on the (dispute_id, round_number) unique
// constraint; losing the race is expected.
func RoundStarter(ctx context.Context, pool *pgxpool.Pool, arbitratorIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		arb := arbitratorIDs[rand.Intn(len(arbitratorIDs))]
		_, err := pool.Exec(ctx, `
			INSERT INTO dispute_rounds (id, dispute_id, round_number, arbitrator_id, selected_at, vote_deadline, status)
			SELECT gen_random_uuid(), r.dispute_id, r.round_number + 1, $1::uuid, NOW(), NOW() + interval '1 hour', 'awaiting_vote'
			FROM dispute_rounds r
			WHERE r.status = 'voted' AND r.round_number < 3
			  AND NOT EXISTS (
			      SELECT 1 FROM dispute_rounds n
			      WHERE n.dispute_id = r.dispute_id AND n.round_number = r.round_number + 1)
			  AND $1::text NOT IN (
			      SELECT arbitrator_id::text FROM dispute_rounds u WHERE u.dispute_id = r.dispute_id)
			LIMIT 1`, arb)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				// lost the race to another starter
			} else {
				return fmt.Errorf("round starter: %w", err)
			}
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Reassigner swaps arbitrators out of lapsed rounds the way the sweep does:
// the old arbitrator joins the history array and the replacement is drawn
// from outside everyone previously tried.
func Reassigner(ctx context.Context, pool *pgxpool.Pool, arbitratorIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		arb := arbitratorIDs[rand.Intn(len(arbitratorIDs))]
		_, err := pool.Exec(ctx, `
			UPDATE dispute_rounds r
			SET prior_arbitrator_ids = array_append(prior_arbitrator_ids, arbitrator_id::text),
			    arbitrator_id = $1::uuid,
			    reselection_count = reselection_count + 1,
			    selected_at = NOW(),
			    vote_deadline = NOW() + interval '1 hour',
			    updated_at = NOW()
			WHERE r.id = (
			    SELECT id FROM dispute_rounds
			    WHERE status = 'awaiting_vote' AND vote_deadline < NOW()
			      AND $1 <> arbitrator_id::text
			      AND $1 <> ALL (prior_arbitrator_ids)
			      AND $1 NOT IN (
			          SELECT arbitrator_id::text FROM dispute_rounds s
			          WHERE s.dispute_id = dispute_rounds.dispute_id)
			    LIMIT 1 FOR UPDATE SKIP LOCKED)`, arb)
		if err != nil {
			return fmt.Errorf("reassigner: %w", err)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, with a simulated sprinkle of delivery failures.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status = 'pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_attempt = NOW() WHERE id = $1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = NOW() WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
