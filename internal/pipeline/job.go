// Copyright 2025 James Ross
package pipeline

import (
	"encoding/json"
	"time"
)

// Stage identifies one of the five canonical pipeline steps.
type Stage string

const (
	StageResearch        Stage = "research"
	StageProductManager  Stage = "product_manager"
	StageDrawer          Stage = "drawer"
	StageDesigner        Stage = "designer"
	StageCoder           Stage = "coder"
)

// CanonicalOrder is the single source of truth for stage sequencing.
// Every "next stage" / "is this a prefix" computation in the package
// goes through this slice; nothing else re-derives the order.
var CanonicalOrder = []Stage{StageResearch, StageProductManager, StageDrawer, StageDesigner, StageCoder}

// StageAfter returns the stage that follows s, and ok=false if s is the
// last stage or not a canonical stage at all.
func StageAfter(s Stage) (Stage, bool) {
	for i, st := range CanonicalOrder {
		if st == s {
			if i+1 < len(CanonicalOrder) {
				return CanonicalOrder[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// StageBefore returns the stage that precedes s, and ok=false if s is the
// first stage or not a canonical stage at all.
func StageBefore(s Stage) (Stage, bool) {
	for i, st := range CanonicalOrder {
		if st == s {
			if i > 0 {
				return CanonicalOrder[i-1], true
			}
			return "", false
		}
	}
	return "", false
}

// IsCanonicalStage reports whether s is one of the five recognized stages.
func IsCanonicalStage(s Stage) bool {
	for _, st := range CanonicalOrder {
		if st == s {
			return true
		}
	}
	return false
}

// Status is a Job's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Brief is the user-supplied input to a pipeline run.
type Brief struct {
	Product  string `json:"product"`
	Audience string `json:"audience"`
	Tone     string `json:"tone,omitempty"`
}

// Validate checks the required fields of a Brief.
func (b Brief) Validate() error {
	if b.Product == "" {
		return errMissingField("product")
	}
	if b.Audience == "" {
		return errMissingField("audience")
	}
	return nil
}

// Job is the durable record of one end-to-end pipeline run.
type Job struct {
	ID              string   `json:"id"`
	Brief           Brief    `json:"brief"`
	Status          Status   `json:"status"`
	CompletedStages []Stage  `json:"completed_stages"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to callers outside the
// job index's lock (CompletedStages is reallocated).
func (j Job) Clone() Job {
	cp := j
	cp.CompletedStages = append([]Stage(nil), j.CompletedStages...)
	return cp
}

// Marshal serializes the job to its canonical JSON wire form.
func (j Job) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnmarshalJob parses a Job from its JSON wire form.
func UnmarshalJob(s string) (Job, error) {
	var j Job
	err := json.Unmarshal([]byte(s), &j)
	return j, err
}

// StageInput is what a dispatched stage task's blob-stored input artifact
// contains: the original brief for context plus the prior stage's result,
// when this isn't the first stage.
type StageInput struct {
	JobID           string          `json:"job_id"`
	Stage           Stage           `json:"stage"`
	Brief           Brief           `json:"brief"`
	Instruction     string          `json:"instruction"`
	UpstreamResult  json.RawMessage `json:"upstream_result,omitempty"`
}

// NewStageInput builds the input artifact for stage, attaching upstream
// (nil for the first stage in the pipeline).
func NewStageInput(jobID string, stage Stage, brief Brief, upstream json.RawMessage) StageInput {
	return StageInput{
		JobID:          jobID,
		Stage:          stage,
		Brief:          brief,
		Instruction:    promptFor(stage),
		UpstreamResult: upstream,
	}
}

type fieldError string

func (e fieldError) Error() string { return "missing required field: " + string(e) }

func errMissingField(field string) error { return fieldError(field) }
