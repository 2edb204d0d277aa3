// Copyright 2025 James Ross
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
)

// Job is the durable envelope carried on every named queue. Payload holds
// the stage-specific body (a File, a Batch, a Candidate, ...) as raw JSON so
// the queue package stays agnostic of pipeline types.
type Job struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Attempts     int             `json:"attempts"`
	CreationTime string          `json:"creation_time"`
	TraceID      string          `json:"trace_id"`
	SpanID       string          `json:"span_id"`
}

// NewJob builds a job envelope around an arbitrary payload value.
func NewJob(kind string, payload any, traceID, spanID string) (Job, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Job{
		ID:           uuid.NewString(),
		Kind:         kind,
		Payload:      b,
		CreationTime: time.Now().UTC().Format(time.RFC3339Nano),
		TraceID:      traceID,
		SpanID:       spanID,
	}, nil
}

func (j Job) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalJob(s string) (Job, error) {
	var j Job
	err := json.Unmarshal([]byte(s), &j)
	return j, err
}

// Retriable wraps an error returned from job processing to signal the queue
// should nack-and-retry rather than treat the failure as a hard, final drop.
type Retriable struct {
	Err error
}

func (r *Retriable) Error() string { return r.Err.Error() }
func (r *Retriable) Unwrap() error { return r.Err }

// WrapRetriable marks err as retriable. A nil err returns nil.
func WrapRetriable(err error) error {
	if err == nil {
		return nil
	}
	return &Retriable{Err: err}
}

// IsRetriable reports whether err was produced by WrapRetriable.
func IsRetriable(err error) bool {
	var r *Retriable
	return err != nil && asRetriable(err, &r)
}

func asRetriable(err error, target **Retriable) bool {
	for err != nil {
		if r, ok := err.(*Retriable); ok {
			*target = r
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Stats reports the depth of a named queue's lists.
type Stats struct {
	Ready      int64
	DeadLetter int64
}

// Queue is a Redis-backed durable job queue. One Queue instance serves all
// named queues declared in config, matching the one-connection-many-lists
// layout of the source codebase's worker/reaper pair.
type Queue struct {
	rdb *redis.Client
	cfg *config.Config
}

func New(rdb *redis.Client, cfg *config.Config) *Queue {
	return &Queue{rdb: rdb, cfg: cfg}
}

func (q *Queue) queueConfig(kind string) (config.QueueConfig, error) {
	qc, ok := q.cfg.Queues[kind]
	if !ok {
		return config.QueueConfig{}, fmt.Errorf("unknown queue kind %q", kind)
	}
	return qc, nil
}

// Enqueue pushes a job onto the named queue. dedupKey, when non-empty,
// guards against duplicate enqueues within the queue's dedup window using a
// SETNX-with-TTL key; a suppressed duplicate returns nil.
func (q *Queue) Enqueue(ctx context.Context, job Job, dedupKey string) error {
	qc, err := q.queueConfig(job.Kind)
	if err != nil {
		return err
	}
	if dedupKey != "" {
		key := fmt.Sprintf("ctp:dedup:%s:%s", job.Kind, dedupKey)
		ok, err := q.rdb.SetNX(ctx, key, job.ID, qc.DedupWindow).Result()
		if err != nil {
			return fmt.Errorf("dedup check: %w", err)
		}
		if !ok {
			return nil
		}
	}
	payload, err := job.Marshal()
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, qc.Key, payload).Err()
}

// Reserve blocks up to the queue's reserve timeout waiting for a job,
// atomically moving it into the worker's processing list and stamping a
// heartbeat key so the reaper can detect an abandoned reservation.
func (q *Queue) Reserve(ctx context.Context, kind, workerID string) (*Job, error) {
	qc, err := q.queueConfig(kind)
	if err != nil {
		return nil, err
	}
	processingKey := fmt.Sprintf(qc.ProcessingListPattern, workerID)
	payload, err := q.rdb.BRPopLPush(ctx, qc.Key, processingKey, qc.ReserveTimeout).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	job, err := UnmarshalJob(payload)
	if err != nil {
		// Poison payload: drop it from the processing list and move on.
		q.rdb.LRem(ctx, processingKey, 1, payload)
		return nil, fmt.Errorf("unmarshal reserved job: %w", err)
	}
	hbKey := fmt.Sprintf(qc.HeartbeatKeyPattern, workerID)
	if err := q.rdb.Set(ctx, hbKey, "1", qc.VisibilityTimeout).Err(); err != nil {
		return nil, fmt.Errorf("set heartbeat: %w", err)
	}
	return &job, nil
}

// Heartbeat refreshes the worker's visibility-timeout key. Call this
// periodically from long-running processing loops between reservations.
func (q *Queue) Heartbeat(ctx context.Context, kind, workerID string) error {
	qc, err := q.queueConfig(kind)
	if err != nil {
		return err
	}
	hbKey := fmt.Sprintf(qc.HeartbeatKeyPattern, workerID)
	return q.rdb.Set(ctx, hbKey, "1", qc.VisibilityTimeout).Err()
}

// Ack removes the job from the worker's processing list, marking it done.
func (q *Queue) Ack(ctx context.Context, kind, workerID string, job *Job) error {
	qc, err := q.queueConfig(kind)
	if err != nil {
		return err
	}
	processingKey := fmt.Sprintf(qc.ProcessingListPattern, workerID)
	payload, err := job.Marshal()
	if err != nil {
		return err
	}
	return q.rdb.LRem(ctx, processingKey, 1, payload).Err()
}

// Nack removes the job from the processing list and either requeues it
// after an exponential backoff delay or routes it to the dead-letter list
// once MaxAttempts is exhausted.
func (q *Queue) Nack(ctx context.Context, kind, workerID string, job *Job, cause error) error {
	qc, err := q.queueConfig(kind)
	if err != nil {
		return err
	}
	processingKey := fmt.Sprintf(qc.ProcessingListPattern, workerID)
	orig, err := job.Marshal()
	if err != nil {
		return err
	}
	if err := q.rdb.LRem(ctx, processingKey, 1, orig).Err(); err != nil {
		return fmt.Errorf("remove from processing: %w", err)
	}

	job.Attempts++
	retriable := IsRetriable(cause)
	if retriable && job.Attempts < qc.MaxAttempts {
		delay := nackDelay(qc.Backoff.Base, qc.Backoff.Max, job.Attempts)
		payload, err := job.Marshal()
		if err != nil {
			return err
		}
		if delay <= 0 {
			return q.rdb.LPush(ctx, qc.Key, payload).Err()
		}
		return q.scheduleRequeue(ctx, qc.Key, payload, delay)
	}

	payload, err := job.Marshal()
	if err != nil {
		return err
	}
	return q.rdb.LPush(ctx, qc.DeadLetterKey, payload).Err()
}

// scheduleRequeue parks the payload in a per-job timer key and relies on a
// lazy expiry sweep (invoked from the reaper) to push it back; for the
// common case, a blocking sleep-then-push goroutine is unnecessary overhead,
// so callers with small delays may push immediately via the caller's own
// timer. Here we use Redis's native expiry as the delay primitive: a marker
// key expires after `delay`, and the reaper's scan picks up ready markers.
func (q *Queue) scheduleRequeue(ctx context.Context, queueKey, payload string, delay time.Duration) error {
	markerKey := fmt.Sprintf("ctp:retry:%s:%s", queueKey, uuid.NewString())
	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, markerKey, payload, delay+time.Second)
	pipe.Expire(ctx, markerKey, delay)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return err
	}
	// Retry markers are swept by the reaper via RetryMarkerPattern; for
	// bounded test determinism we also push immediately when delay is
	// effectively zero.
	if delay <= 0 {
		return q.rdb.LPush(ctx, queueKey, payload).Err()
	}
	return nil
}

func nackDelay(base, max time.Duration, attempt int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = base
	eb.MaxInterval = max
	eb.MaxElapsedTime = 0
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = eb.NextBackOff()
	}
	if d > max {
		d = max
	}
	return d
}

// Stats reports queue depth for the named queue.
func (q *Queue) Stats(ctx context.Context, kind string) (Stats, error) {
	qc, err := q.queueConfig(kind)
	if err != nil {
		return Stats{}, err
	}
	ready, err := q.rdb.LLen(ctx, qc.Key).Result()
	if err != nil {
		return Stats{}, err
	}
	dead, err := q.rdb.LLen(ctx, qc.DeadLetterKey).Result()
	if err != nil {
		return Stats{}, err
	}
	return Stats{Ready: ready, DeadLetter: dead}, nil
}

// Peek returns up to n of the next items due for reservation on the named
// queue, without removing them, for the Pipeline Monitor's inspection
// surface.
func (q *Queue) Peek(ctx context.Context, kind string, n int64) ([]string, error) {
	qc, err := q.queueConfig(kind)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 10
	}
	return q.rdb.LRange(ctx, qc.Key, -n, -1).Result()
}

// PurgeDeadLetter drops every job parked in the named queue's dead-letter
// list. Callers are expected to gate this behind an explicit confirmation.
func (q *Queue) PurgeDeadLetter(ctx context.Context, kind string) error {
	qc, err := q.queueConfig(kind)
	if err != nil {
		return err
	}
	return q.rdb.Del(ctx, qc.DeadLetterKey).Err()
}
