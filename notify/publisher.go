package notify

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

const (
	publisherBatchSize = 50
	publisherInterval  = time.Second
	maxPublishAttempts = 5
)

// Publisher drains pending outbox rows and publishes them to a Redis pub/sub
// channel. Delivery is fire-and-forget from the arbitration core's point of
// view: transitions only ever write the outbox row, never touch Redis.
type Publisher struct {
	pool    *pgxpool.Pool
	rdb     *redis.Client
	channel string
}

func NewPublisher(pool *pgxpool.Pool, rdb *redis.Client, channel string) *Publisher {
	return &Publisher{pool: pool, rdb: rdb, channel: channel}
}

// Run drains the outbox until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(publisherInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.DrainOnce(ctx); err != nil {
				log.WithError(err).Warn("outbox drain failed")
			}
		}
	}
}

// DrainOnce publishes one batch of pending messages. SKIP LOCKED keeps
// multiple publisher instances from double-delivering within a batch.
func (p *Publisher) DrainOnce(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, publisherBatchSize)
	if err != nil {
		return err
	}

	type message struct {
		id      string
		topic   string
		payload []byte
	}
	batch := make([]message, 0, publisherBatchSize)
	for rows.Next() {
		var m message
		if err := rows.Scan(&m.id, &m.topic, &m.payload); err != nil {
			rows.Close()
			return err
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, m := range batch {
		if err := p.rdb.Publish(ctx, p.channel+":"+m.topic, m.payload).Err(); err != nil {
			log.WithFields(log.Fields{"outbox_id": m.id, "topic": m.topic}).
				WithError(err).Warn("publish failed")
			if _, err := tx.Exec(ctx, `
				UPDATE outbox
				SET attempts = attempts + 1,
				    status = CASE WHEN attempts + 1 >= $2 THEN 'dead' ELSE 'pending' END,
				    last_attempt = NOW()
				WHERE id = $1
			`, m.id, maxPublishAttempts); err != nil {
				return err
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outbox SET status = 'processed', last_attempt = NOW() WHERE id = $1
		`, m.id); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}
