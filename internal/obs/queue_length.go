// Copyright 2025 James Ross
package obs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/pipeline-orchestrator/internal/config"
)

// QueueLenQuerier is the subset of the Queue Adapter this updater needs.
type QueueLenQuerier interface {
	Len(ctx context.Context, queueName string) (int64, error)
}

// StartQueueLengthUpdater samples every configured stage/submissions/events
// queue on an interval and publishes the result to the QueueLength gauge.
func StartQueueLengthUpdater(ctx context.Context, cfg *config.Config, q QueueLenQuerier, log *zap.Logger) {
	interval := 2 * time.Second
	if cfg.Observability.QueueSampleInterval > 0 {
		interval = cfg.Observability.QueueSampleInterval
	}

	queues := map[string]struct{}{
		cfg.QueueTransport.SubmissionsQueue: {},
		cfg.QueueTransport.EventsQueue:      {},
	}
	for _, name := range cfg.Stages.Queues {
		queues[name] = struct{}{}
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name := range queues {
					n, err := q.Len(ctx, name)
					if err != nil {
						log.Debug("queue length poll error", String("queue", name), Err(err))
						continue
					}
					QueueLength.WithLabelValues(name).Set(float64(n))
				}
			}
		}
	}()
}
