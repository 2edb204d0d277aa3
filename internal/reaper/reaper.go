// Copyright 2025 James Ross
package reaper

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/flyingrobots/cognitive-triangulation/internal/obs"
	"github.com/flyingrobots/cognitive-triangulation/internal/queue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Reaper recovers jobs abandoned by workers that died mid-reservation
// (heartbeat key expired) and promotes expired retry markers back onto
// their queue.
type Reaper struct {
	cfg *config.Config
	rdb *redis.Client
	log *zap.Logger
}

func New(cfg *config.Config, rdb *redis.Client, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, rdb: rdb, log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for kind := range r.cfg.Queues {
				r.scanProcessing(ctx, kind)
			}
		}
	}
}

func (r *Reaper) scanProcessing(ctx context.Context, kind string) {
	qc := r.cfg.Queues[kind]
	pattern := processingGlob(qc.ProcessingListPattern)
	var cursor uint64
	for {
		keys, cur, err := r.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			r.log.Warn("reaper scan error", obs.String("queue", kind), obs.Err(err))
			return
		}
		cursor = cur
		for _, plist := range keys {
			workerID := workerIDFromKey(qc.ProcessingListPattern, plist)
			if workerID == "" {
				continue
			}
			hbKey := fmt.Sprintf(qc.HeartbeatKeyPattern, workerID)
			exists, _ := r.rdb.Exists(ctx, hbKey).Result()
			if exists == 1 {
				continue
			}

			for {
				payload, err := r.rdb.RPop(ctx, plist).Result()
				if err == redis.Nil {
					break
				}
				if err != nil {
					r.log.Warn("reaper rpop error", obs.Err(err))
					break
				}
				job, err := queue.UnmarshalJob(payload)
				if err != nil {
					continue
				}
				if err := r.rdb.LPush(ctx, qc.Key, payload).Err(); err != nil {
					r.log.Error("requeue failed", obs.Err(err))
				} else {
					obs.ReaperRecovered.WithLabelValues(kind).Inc()
					r.log.Warn("requeued abandoned job",
						obs.String("id", job.ID), obs.String("queue", kind),
						obs.String("trace_id", job.TraceID), obs.String("span_id", job.SpanID))
				}
			}
		}
		if cursor == 0 {
			break
		}
	}
}

// processingGlob converts a fmt-style "%s" pattern into a Redis SCAN glob.
func processingGlob(pattern string) string {
	return strings.ReplaceAll(pattern, "%s", "*")
}

// workerIDFromKey extracts the worker ID segment that fmt.Sprintf(pattern,
// workerID) would have substituted, by splitting pattern and key on the
// "%s" boundary.
func workerIDFromKey(pattern, key string) string {
	idx := strings.Index(pattern, "%s")
	if idx < 0 || idx >= len(key) {
		return ""
	}
	prefix := pattern[:idx]
	suffix := pattern[idx+2:]
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return ""
	}
	return key[len(prefix) : len(key)-len(suffix)]
}
