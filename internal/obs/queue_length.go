// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"github.com/flyingrobots/cognitive-triangulation/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StartQueueLengthUpdater samples queue and dead-letter lengths for every
// configured queue kind and updates the queue_length gauge.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, rdb *redis.Client, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}
	qset := map[string]string{}
	for kind, qc := range cfg.Queues {
		qset[kind] = qc.Key
		qset[kind+":dead"] = qc.DeadLetterKey
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for label, key := range qset {
					n, err := rdb.LLen(ctx, key).Result()
					if err != nil {
						log.Debug("queue length poll error", String("queue", label), Err(err))
						continue
					}
					QueueLength.WithLabelValues(label).Set(float64(n))
				}
			}
		}
	}()
}
