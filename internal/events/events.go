// Copyright 2025 James Ross
// Package events is the Events Consumer: it drains the events queue of
// worker-reported stage completions, tolerating the schema drift between
// older "task" and current "task_type" field names, and advances the
// pipeline through a circuit-breaker-guarded call into the controller.
// Grounded on the worker's runOne dequeue loop and the circuit breaker's
// Allow/Record integration.
package events

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/pipeline-orchestrator/internal/breaker"
	"github.com/flyingrobots/pipeline-orchestrator/internal/config"
	"github.com/flyingrobots/pipeline-orchestrator/internal/ierrors"
	"github.com/flyingrobots/pipeline-orchestrator/internal/obs"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
	"github.com/flyingrobots/pipeline-orchestrator/internal/queueadapter"
)

// Advancer is the subset of the Pipeline Controller the consumer drives.
type Advancer interface {
	OnStageComplete(ctx context.Context, jobID string, stage pipeline.Stage) error
	OnStageFailed(ctx context.Context, jobID string, stage pipeline.Stage, reason string) error
}

// Consumer is the Events Consumer.
type Consumer struct {
	cfg  *config.Config
	queue *queueadapter.Adapter
	adv  Advancer
	cb   *breaker.CircuitBreaker
	log  *zap.Logger
}

// New builds a Consumer.
func New(cfg *config.Config, queue *queueadapter.Adapter, adv Advancer, log *zap.Logger) *Consumer {
	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	return &Consumer{cfg: cfg, queue: queue, adv: adv, cb: cb, log: log}
}

// Run drains the events queue as consumerID until ctx is canceled.
func (c *Consumer) Run(ctx context.Context, consumerID string) {
	obs.EventsConsumerActive.Inc()
	defer obs.EventsConsumerActive.Dec()

	for ctx.Err() == nil {
		if !c.cb.Allow() {
			time.Sleep(c.cfg.CircuitBreaker.BreakerPause)
			continue
		}

		msg, ok, err := c.queue.Receive(ctx, c.cfg.QueueTransport.EventsQueue, consumerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("events receive error", obs.Err(err))
			time.Sleep(200 * time.Millisecond)
			continue
		}
		if !ok {
			continue
		}

		success := c.handle(ctx, msg.Body)
		c.cb.Record(success)
		if success {
			if err := c.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
				c.log.Error("event delete failed", obs.Err(err))
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, body string) bool {
	evt, err := pipeline.UnmarshalCompletionEvent(body)
	if err != nil {
		c.log.Error("invalid completion event, dropping", obs.Err(err))
		// A malformed payload can never become valid on retry; treat it
		// as handled so it is deleted rather than redelivered forever.
		return true
	}

	if evt.IsJobDoneAnnouncement() {
		// The controller's own job_completed announcement shares this
		// queue; nothing further to do for it.
		return true
	}

	stage := evt.Stage()
	switch evt.Status {
	case pipeline.CompletionSuccess:
		if err := c.adv.OnStageComplete(ctx, evt.JobID, stage); err != nil {
			if errors.Is(err, ierrors.ErrNotFound) {
				c.log.Warn("completion event for unknown job, dropping", obs.String("job_id", evt.JobID), obs.String("stage", string(stage)))
				return true
			}
			c.log.Error("advance on stage completion failed", obs.String("job_id", evt.JobID), obs.String("stage", string(stage)), obs.Err(err))
			return false
		}
		return true
	case pipeline.CompletionFailure, pipeline.CompletionError:
		if err := c.adv.OnStageFailed(ctx, evt.JobID, stage, evt.Error); err != nil {
			if errors.Is(err, ierrors.ErrNotFound) {
				c.log.Warn("failure event for unknown job, dropping", obs.String("job_id", evt.JobID), obs.String("stage", string(stage)))
				return true
			}
			c.log.Error("mark stage failed error", obs.String("job_id", evt.JobID), obs.Err(err))
			return false
		}
		return true
	case pipeline.CompletionInProgress:
		// Progress pings carry no state transition; acknowledge and move on.
		return true
	default:
		c.log.Warn("unrecognized completion status", obs.String("status", string(evt.Status)))
		return true
	}
}
