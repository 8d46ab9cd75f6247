// Copyright 2025 James Ross
// Package dispatcher is the Stage Dispatcher: given a job and a stage to
// run, it writes the stage's input artifact to the blob store and then
// enqueues a task referencing it. Blob write always precedes enqueue, so
// a consumer that dequeues the task can assume its input already exists.
// Grounded on the producer's per-job enqueue path (span lifecycle,
// structured logging, metrics on success).
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/flyingrobots/pipeline-orchestrator/internal/config"
	"github.com/flyingrobots/pipeline-orchestrator/internal/ierrors"
	"github.com/flyingrobots/pipeline-orchestrator/internal/obs"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
	"github.com/flyingrobots/pipeline-orchestrator/internal/queueadapter"
)

// BlobPutter is the subset of the blob store the dispatcher needs.
type BlobPutter interface {
	Put(ctx context.Context, key string, value interface{}) (string, error)
}

// Dispatcher is the Stage Dispatcher.
type Dispatcher struct {
	cfg    *config.Config
	blob   BlobPutter
	queue  *queueadapter.Adapter
	log    *zap.Logger
}

// New builds a Dispatcher.
func New(cfg *config.Config, blob BlobPutter, queue *queueadapter.Adapter, log *zap.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, blob: blob, queue: queue, log: log}
}

// Dispatch writes input to the blob store under stage's input key and
// enqueues a StageTask referencing it on stage's configured queue.
// Returns ierrors.ErrUnknownStage if stage has no configured queue.
func (d *Dispatcher) Dispatch(ctx context.Context, jobID string, stage pipeline.Stage, input interface{}) error {
	queueName, ok := d.cfg.Stages.Queues[string(stage)]
	if !ok || queueName == "" {
		return fmt.Errorf("%w: %s", ierrors.ErrUnknownStage, stage)
	}

	ctx, span := obs.StartEnqueueSpan(ctx, queueName, string(stage))
	defer span.End()

	key := pipeline.InputKey(jobID, stage)
	if _, err := d.blob.Put(ctx, key, input); err != nil {
		obs.RecordError(ctx, err)
		obs.AddEvent(ctx, "stage_input_write_failed", obs.KeyValue("job.id", jobID), obs.KeyValue("stage", string(stage)))
		return fmt.Errorf("write stage input: %w", err)
	}

	task := pipeline.NewStageTask(jobID, stage, key, "dispatcher")
	body, err := task.Marshal()
	if err != nil {
		obs.RecordError(ctx, err)
		return fmt.Errorf("marshal stage task: %w", err)
	}

	obs.AddSpanAttributes(ctx,
		obs.KeyValue("job.id", jobID),
		obs.KeyValue("stage", string(stage)),
		obs.KeyValue("payload.key", key),
	)

	if err := d.queue.Send(ctx, queueName, body); err != nil {
		obs.RecordError(ctx, err)
		return fmt.Errorf("%w: %v", ierrors.ErrQueueUnavailable, err)
	}

	obs.SetSpanSuccess(ctx)
	obs.AddEvent(ctx, "stage_dispatched", obs.KeyValue("job.id", jobID), obs.KeyValue("stage", string(stage)))
	obs.StagesDispatched.WithLabelValues(string(stage)).Inc()
	d.log.Info("dispatched stage",
		obs.String("job_id", jobID),
		obs.String("stage", string(stage)),
		obs.String("queue", queueName),
	)
	return nil
}

// DispatchWithDeadline is Dispatch run under the stage's configured
// deadline (if any, and positive) as a context timeout bounding the
// blob write and enqueue.
func (d *Dispatcher) DispatchWithDeadline(ctx context.Context, jobID string, stage pipeline.Stage, input interface{}) error {
	if dl, ok := d.cfg.Stages.Deadlines[string(stage)]; ok && dl > 0 {
		deadlineCtx, cancel := context.WithTimeout(ctx, dl)
		defer cancel()
		return d.Dispatch(deadlineCtx, jobID, stage, input)
	}
	return d.Dispatch(ctx, jobID, stage, input)
}
