// Copyright 2025 James Ross
// Package reaper runs the orchestrator's two background recovery duties:
// evicting terminal jobs from the Job State Index once they age past
// their retention window, and requeuing stage tasks left behind in the
// processing list of a consumer that died mid-processing. Grounded on
// the original reaper's scanOnce (SCAN processing lists, heartbeat
// liveness check, RPop/LPush requeue), generalized from worker-ID-keyed
// heartbeats to consumer-ID-keyed ones shared with the queue adapter.
package reaper

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/pipeline-orchestrator/internal/config"
	"github.com/flyingrobots/pipeline-orchestrator/internal/jobindex"
	"github.com/flyingrobots/pipeline-orchestrator/internal/obs"
	"github.com/flyingrobots/pipeline-orchestrator/internal/queueadapter"
)

// Reaper is the orchestrator's recovery sweep.
type Reaper struct {
	cfg   *config.Config
	queue *queueadapter.Adapter
	index *jobindex.Index
	log   *zap.Logger
}

// New builds a Reaper.
func New(cfg *config.Config, queue *queueadapter.Adapter, index *jobindex.Index, log *zap.Logger) *Reaper {
	return &Reaper{cfg: cfg, queue: queue, index: index, log: log}
}

// Run sweeps on cfg.Reaper.Interval until ctx is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Reaper.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reaper) sweepOnce(ctx context.Context) {
	r.recoverAbandoned(ctx)

	evicted := r.index.Reap(r.cfg.Reaper.JobTTL)
	if evicted > 0 {
		obs.ReaperEvicted.Add(float64(evicted))
		r.log.Info("reaped terminal jobs", obs.Int("count", evicted))
	}
}

func (r *Reaper) recoverAbandoned(ctx context.Context) {
	lists, err := r.queue.ScanProcessingLists(ctx, r.cfg.Reaper.ProcessingScanGlob)
	if err != nil {
		r.log.Warn("reaper scan error", obs.Err(err))
		return
	}

	for _, plist := range lists {
		consumerID, queueName, ok := splitProcessingList(plist)
		if !ok {
			continue
		}

		alive, err := r.queue.ConsumerAlive(ctx, consumerID)
		if err != nil {
			r.log.Warn("reaper liveness check error", obs.String("consumer", consumerID), obs.Err(err))
			continue
		}
		if alive {
			continue
		}

		n, err := r.queue.RequeueAbandoned(ctx, plist, queueName)
		if err != nil {
			r.log.Error("reaper requeue failed", obs.String("processing_list", plist), obs.Err(err))
			continue
		}
		if n > 0 {
			obs.ReaperRecovered.Add(float64(n))
			r.log.Warn("requeued abandoned stage tasks",
				obs.String("consumer", consumerID),
				obs.String("queue", queueName),
				obs.Int("count", n),
			)
		}
	}
}

// splitProcessingList parses a key shaped like the Queue Adapter's
// ProcessingListPattern ("%s:processing:%s") back into its consumer ID
// and source queue name.
func splitProcessingList(key string) (consumerID, queueName string, ok bool) {
	parts := strings.SplitN(key, ":processing:", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
