// Copyright 2025 James Ross

// Package outbox drains the relational store's outbox table into the
// durable job queue. Producers append an OutboxEvent in the same
// transaction that writes the business row it describes (see internal/store);
// this package is the other half of the pattern: a publisher that polls for
// `new` rows in id order and marks each `dispatched` only once its enqueue
// into the matching queue succeeds.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/flyingrobots/cognitive-triangulation/internal/model"
	"github.com/flyingrobots/cognitive-triangulation/internal/obs"
	"github.com/flyingrobots/cognitive-triangulation/internal/queue"
)

// eventQueues maps an outbox event type to the queue kind it should be
// re-published onto. Events absent from this map are dispatched (marked
// processed) without a corresponding enqueue — they are informational only.
var eventQueues = map[string]string{
	model.EventRelationshipsRequested: config.QueueRelationships,
	model.EventCandidateReadyForScore: config.QueueScoring,
	model.EventCandidateAccepted:      config.QueueGraphMerge,
}

type Publisher struct {
	db    *sql.DB
	q     *queue.Queue
	log   *zap.Logger
	cfg   config.Outbox
	stop  chan struct{}
	doneC chan struct{}
}

func NewPublisher(db *sql.DB, q *queue.Queue, log *zap.Logger, cfg config.Outbox) *Publisher {
	return &Publisher{db: db, q: q, log: log, cfg: cfg, stop: make(chan struct{}), doneC: make(chan struct{})}
}

// Run polls on a ticker until the context is cancelled or Stop is called.
// Multiple process instances may run Run concurrently; each poll first
// attempts a Postgres advisory lock so only one instance drains at a time
// (see acquireLeader), matching the single-writer-per-instance requirement
// on the publisher.
func (p *Publisher) Run(ctx context.Context) {
	defer close(p.doneC)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			if err := p.drainOnce(ctx); err != nil {
				p.log.Warn("outbox drain error", obs.Err(err))
			}
		}
	}
}

func (p *Publisher) Stop() {
	close(p.stop)
	<-p.doneC
}

// acquireLeader takes a session-scoped Postgres advisory lock. The lock is
// held by conn's session until releaseLeader unlocks it or the session
// ends, so a crashed instance's lock goes away with its connection.
func (p *Publisher) acquireLeader(ctx context.Context, conn *sql.Conn) (bool, error) {
	var acquired bool
	err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, p.cfg.AdvisoryLockID).Scan(&acquired)
	return acquired, err
}

func (p *Publisher) releaseLeader(ctx context.Context, conn *sql.Conn) {
	_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, p.cfg.AdvisoryLockID)
}

func (p *Publisher) drainOnce(ctx context.Context) error {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Close()

	leader, err := p.acquireLeader(ctx, conn)
	if err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	if !leader {
		return nil
	}
	defer p.releaseLeader(ctx, conn)

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, event_type, aggregate_id, payload, attempts
		FROM outbox
		WHERE status = 'new'
		ORDER BY id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, p.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("select pending: %w", err)
	}

	type pending struct {
		id          int64
		eventType   string
		aggregateID string
		payload     json.RawMessage
		attempts    int
	}
	var batch []pending
	for rows.Next() {
		var row pending
		if err := rows.Scan(&row.id, &row.eventType, &row.aggregateID, &row.payload, &row.attempts); err != nil {
			rows.Close()
			return fmt.Errorf("scan pending: %w", err)
		}
		batch = append(batch, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	dispatched, failed := 0, 0
	for _, row := range batch {
		kind, wantsQueue := eventQueues[row.eventType]
		if wantsQueue {
			job, err := queue.NewJob(kind, wrappedPayload{EventType: row.eventType, AggregateID: row.aggregateID, Payload: row.payload}, "", "")
			if err != nil {
				p.markFailed(ctx, tx, row.id, row.attempts, err)
				failed++
				continue
			}
			if err := p.q.Enqueue(ctx, job, row.aggregateID); err != nil {
				p.markFailed(ctx, tx, row.id, row.attempts, err)
				failed++
				continue
			}
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox SET status = 'dispatched', processed_at = now() WHERE id = $1
		`, row.id); err != nil {
			return fmt.Errorf("mark dispatched: %w", err)
		}
		dispatched++
		obs.OutboxDispatched.Inc()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit drain: %w", err)
	}
	if failed > 0 {
		p.log.Warn("outbox drain partial failure", obs.Int("dispatched", dispatched), obs.Int("failed", failed))
	}
	return nil
}

func (p *Publisher) markFailed(ctx context.Context, tx *sql.Tx, id int64, attempts int, cause error) {
	status := "new"
	if attempts+1 >= p.cfg.MaxAttempts {
		status = "failed"
		obs.OutboxFailed.Inc()
	}
	_, _ = tx.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, last_error = $1, status = $2 WHERE id = $3
	`, cause.Error(), status, id)
}

// wrappedPayload is the envelope every queue job derived from an outbox
// event carries, so downstream workers can tell which aggregate and event
// type produced the job without a second store lookup.
type wrappedPayload struct {
	EventType   string          `json:"event_type"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
}

// PendingCount reports the current backlog, for the Pipeline Monitor.
func PendingCount(ctx context.Context, db *sql.DB) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx, `SELECT count(*) FROM outbox WHERE status = 'new'`).Scan(&n)
	return n, err
}
