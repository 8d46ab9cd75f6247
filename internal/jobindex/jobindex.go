// Copyright 2025 James Ross
// Package jobindex is the Job State Index: the single authoritative,
// in-memory record of every job's lifecycle state. All state-transition
// decisions are made inside one mutex-guarded critical section so that
// concurrent stage completions for the same job can never race past
// each other. Grounded on the worker's single-writer-per-job assumption
// and generalized into an explicit indexed store.
package jobindex

import (
	"sync"
	"time"

	"github.com/flyingrobots/pipeline-orchestrator/internal/ierrors"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
)

// Index is the Job State Index.
type Index struct {
	mu   sync.Mutex
	jobs map[string]pipeline.Job
}

// New returns an empty Index.
func New() *Index {
	return &Index{jobs: make(map[string]pipeline.Job)}
}

// Create admits a new job in the queued state. Returns
// ierrors.ErrDuplicateJob if jobID is already known.
func (idx *Index) Create(jobID string, brief pipeline.Brief) (pipeline.Job, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.jobs[jobID]; exists {
		return pipeline.Job{}, ierrors.ErrDuplicateJob
	}
	job := pipeline.Job{
		ID:        jobID,
		Brief:     brief,
		Status:    pipeline.StatusQueued,
		StartedAt: time.Now().UTC(),
	}
	idx.jobs[jobID] = job
	return job.Clone(), nil
}

// Start transitions jobID from queued to in_progress. A no-op if the job
// is already in_progress or terminal; returns ierrors.ErrNotFound if
// jobID is unknown.
func (idx *Index) Start(jobID string) (pipeline.Job, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	job, ok := idx.jobs[jobID]
	if !ok {
		return pipeline.Job{}, ierrors.ErrNotFound
	}
	if job.Status == pipeline.StatusQueued {
		job.Status = pipeline.StatusInProgress
		idx.jobs[jobID] = job
	}
	return job.Clone(), nil
}

// MarkStageComplete records that stage finished for jobID. Duplicate
// completions for a stage already in CompletedStages are tolerated and
// left unchanged — this is the index's idempotency guarantee against
// at-least-once redelivery of completion events. A job already in a
// terminal status (completed or failed) is left untouched: terminal
// jobs never transition again, regardless of what arrives for them
// afterward. A stage that isn't the next expected one in canonical
// order is rejected as a no-op out-of-order event rather than appended
// — completed_stages must always stay a prefix of the canonical order.
// When stage is the last canonical stage, the job transitions to
// completed. The returned bool is true only when stage was appended.
func (idx *Index) MarkStageComplete(jobID string, stage pipeline.Stage) (pipeline.Job, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	job, ok := idx.jobs[jobID]
	if !ok {
		return pipeline.Job{}, false, ierrors.ErrNotFound
	}

	if job.Status == pipeline.StatusCompleted || job.Status == pipeline.StatusFailed {
		return job.Clone(), false, nil
	}

	for _, s := range job.CompletedStages {
		if s == stage {
			return job.Clone(), false, nil
		}
	}

	if len(job.CompletedStages) >= len(pipeline.CanonicalOrder) || stage != pipeline.CanonicalOrder[len(job.CompletedStages)] {
		return job.Clone(), false, nil
	}

	job.CompletedStages = append(job.CompletedStages, stage)
	job.Status = pipeline.StatusInProgress

	isLast := len(pipeline.CanonicalOrder) > 0 && stage == pipeline.CanonicalOrder[len(pipeline.CanonicalOrder)-1]
	if isLast {
		job.Status = pipeline.StatusCompleted
		now := time.Now().UTC()
		job.CompletedAt = &now
	}

	idx.jobs[jobID] = job
	return job.Clone(), true, nil
}

// MarkFailed transitions jobID to failed with reason, used when a stage
// reports a permanent failure. A job already in a terminal status is
// returned unchanged.
func (idx *Index) MarkFailed(jobID, reason string) (pipeline.Job, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	job, ok := idx.jobs[jobID]
	if !ok {
		return pipeline.Job{}, ierrors.ErrNotFound
	}
	if job.Status == pipeline.StatusCompleted || job.Status == pipeline.StatusFailed {
		return job.Clone(), nil
	}
	job.Status = pipeline.StatusFailed
	job.Error = reason
	now := time.Now().UTC()
	job.CompletedAt = &now
	idx.jobs[jobID] = job
	return job.Clone(), nil
}

// Lookup returns the current record for jobID.
func (idx *Index) Lookup(jobID string) (pipeline.Job, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	job, ok := idx.jobs[jobID]
	if !ok {
		return pipeline.Job{}, ierrors.ErrNotFound
	}
	return job.Clone(), nil
}

// List returns every job currently tracked, in no particular order.
func (idx *Index) List() []pipeline.Job {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	out := make([]pipeline.Job, 0, len(idx.jobs))
	for _, job := range idx.jobs {
		out = append(out, job.Clone())
	}
	return out
}

// Stats summarizes job counts by status.
type Stats struct {
	Total      int
	Queued     int
	InProgress int
	Completed  int
	Failed     int
}

// Stats computes an index-wide status breakdown.
func (idx *Index) Stats() Stats {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var s Stats
	s.Total = len(idx.jobs)
	for _, job := range idx.jobs {
		switch job.Status {
		case pipeline.StatusQueued:
			s.Queued++
		case pipeline.StatusInProgress:
			s.InProgress++
		case pipeline.StatusCompleted:
			s.Completed++
		case pipeline.StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Reap evicts terminal (completed or failed) jobs whose CompletedAt is
// older than olderThan, returning the count evicted.
func (idx *Index) Reap(olderThan time.Duration) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	evicted := 0
	for id, job := range idx.jobs {
		if job.CompletedAt == nil {
			continue
		}
		terminal := job.Status == pipeline.StatusCompleted || job.Status == pipeline.StatusFailed
		if terminal && job.CompletedAt.Before(cutoff) {
			delete(idx.jobs, id)
			evicted++
		}
	}
	return evicted
}
