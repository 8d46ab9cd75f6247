// Copyright 2025 James Ross
// Package controller is the Pipeline Controller: it owns the decision of
// what happens next for a job. Admitting a job starts the first stage;
// a stage completion either advances the job to its next stage or, for
// the final stage, announces the job as done. All reasoning about the
// canonical stage order lives behind pipeline.StageAfter, never
// re-derived here.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/flyingrobots/pipeline-orchestrator/internal/config"
	"github.com/flyingrobots/pipeline-orchestrator/internal/ierrors"
	"github.com/flyingrobots/pipeline-orchestrator/internal/jobindex"
	"github.com/flyingrobots/pipeline-orchestrator/internal/obs"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
	"github.com/flyingrobots/pipeline-orchestrator/internal/queueadapter"
)

// BlobGetter is the subset of the blob store the controller needs to
// read a completed stage's result artifact.
type BlobGetter interface {
	Get(ctx context.Context, key string, out interface{}) error
}

// StageDispatcher is the subset of the Stage Dispatcher the controller
// needs to hand work to the next stage.
type StageDispatcher interface {
	Dispatch(ctx context.Context, jobID string, stage pipeline.Stage, input interface{}) error
}

// EventSender is the subset of the Queue Adapter used to announce a
// completed job on the events queue.
type EventSender interface {
	Send(ctx context.Context, queueName, body string) error
}

// Controller is the Pipeline Controller.
type Controller struct {
	cfg      *config.Config
	index    *jobindex.Index
	blob     BlobGetter
	dispatch StageDispatcher
	events   EventSender
	log      *zap.Logger
}

// New builds a Controller.
func New(cfg *config.Config, index *jobindex.Index, blob BlobGetter, dispatch StageDispatcher, events EventSender, log *zap.Logger) *Controller {
	return &Controller{cfg: cfg, index: index, blob: blob, dispatch: dispatch, events: events, log: log}
}

// Admit registers a new job and dispatches its first canonical stage.
func (c *Controller) Admit(ctx context.Context, jobID string, brief pipeline.Brief) (pipeline.Job, error) {
	if err := brief.Validate(); err != nil {
		return pipeline.Job{}, fmt.Errorf("invalid brief: %w", err)
	}

	job, err := c.index.Create(jobID, brief)
	if err != nil {
		return pipeline.Job{}, err
	}

	first := pipeline.CanonicalOrder[0]
	input := pipeline.NewStageInput(jobID, first, brief, nil)
	if err := c.dispatch.Dispatch(ctx, jobID, first, input); err != nil {
		if _, ferr := c.index.MarkFailed(jobID, err.Error()); ferr != nil {
			c.log.Error("failed to mark job failed after admit dispatch error", obs.String("job_id", jobID), obs.Err(ferr))
		}
		return job, fmt.Errorf("dispatch first stage: %w", err)
	}

	obs.JobsSubmitted.Inc()
	return c.index.Start(jobID)
}

// OnStageComplete records stage's completion for jobID and advances the
// pipeline: dispatches the next canonical stage, or announces the job
// done if stage was the last one. Duplicate completions for a stage
// already recorded are a no-op, tolerating at-least-once redelivery.
func (c *Controller) OnStageComplete(ctx context.Context, jobID string, stage pipeline.Stage) error {
	if !pipeline.IsCanonicalStage(stage) {
		return fmt.Errorf("%w: %s", ierrors.ErrUnknownStage, stage)
	}

	job, changed, err := c.index.MarkStageComplete(jobID, stage)
	if err != nil {
		return err
	}
	if !changed {
		c.log.Debug("stage completion ignored (duplicate, out-of-order, or job already terminal)", obs.String("job_id", jobID), obs.String("stage", string(stage)))
		return nil
	}
	obs.StagesCompleted.WithLabelValues(string(stage), "success").Inc()

	if job.Status == pipeline.StatusCompleted {
		return c.announceDone(ctx, jobID)
	}

	next, ok := pipeline.StageAfter(stage)
	if !ok {
		return fmt.Errorf("%w: no stage follows %s", ierrors.ErrUnknownStage, stage)
	}

	upstream, err := c.readResult(ctx, jobID, stage)
	if err != nil {
		return fmt.Errorf("read upstream result for stage %s: %w", stage, err)
	}

	input := pipeline.NewStageInput(jobID, next, job.Brief, upstream)
	if err := c.dispatch.Dispatch(ctx, jobID, next, input); err != nil {
		return fmt.Errorf("dispatch next stage %s: %w", next, err)
	}
	return nil
}

// OnStageFailed records a permanent stage failure for jobID.
func (c *Controller) OnStageFailed(ctx context.Context, jobID string, stage pipeline.Stage, reason string) error {
	obs.StagesCompleted.WithLabelValues(string(stage), "failed").Inc()
	_, err := c.index.MarkFailed(jobID, reason)
	return err
}

// readResult fetches stage's result artifact, falling back to the
// historical hyphenated key for product_manager when the canonical
// underscore-form key is absent and the config permits it.
func (c *Controller) readResult(ctx context.Context, jobID string, stage pipeline.Stage) (json.RawMessage, error) {
	var raw json.RawMessage
	key := pipeline.ResultKey(jobID, stage)
	err := c.blob.Get(ctx, key, &raw)
	if err == nil {
		return raw, nil
	}
	if !errors.Is(err, ierrors.ErrNotFound) || !c.cfg.Stages.AcceptHyphenatedArtifactKeys {
		return nil, err
	}

	legacyKey, ok := pipeline.LegacyResultKey(jobID, stage)
	if !ok {
		return nil, err
	}
	if legacyErr := c.blob.Get(ctx, legacyKey, &raw); legacyErr != nil {
		return nil, err
	}
	c.log.Warn("read legacy hyphenated result key", obs.String("job_id", jobID), obs.String("stage", string(stage)), obs.String("key", legacyKey))
	return raw, nil
}

func (c *Controller) announceDone(ctx context.Context, jobID string) error {
	evt := pipeline.NewJobDoneEvent(jobID)
	body, err := evt.Marshal()
	if err != nil {
		return err
	}
	if err := c.events.Send(ctx, c.cfg.QueueTransport.EventsQueue, body); err != nil {
		return err
	}
	obs.JobsCompleted.Inc()
	c.log.Info("job completed", obs.String("job_id", jobID))
	return nil
}

// Lookup returns the current record for jobID.
func (c *Controller) Lookup(jobID string) (pipeline.Job, error) {
	return c.index.Lookup(jobID)
}
