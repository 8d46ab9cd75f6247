// Copyright 2025 James Ross
package pipeline

import (
	"encoding/json"
	"time"
)

// StageTask is the message the orchestrator enqueues on a stage's queue.
type StageTask struct {
	JobID      string `json:"job_id"`
	TaskType   string `json:"task_type"`
	PayloadKey string `json:"payload_key"`
	Timestamp  string `json:"timestamp"`
	Source     string `json:"source"`
}

// Marshal serializes a StageTask to JSON.
func (t StageTask) Marshal() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// NewStageTask builds a task message for dispatching stage to queue.
func NewStageTask(jobID string, stage Stage, payloadKey, source string) StageTask {
	return StageTask{
		JobID:      jobID,
		TaskType:   string(stage),
		PayloadKey: payloadKey,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Source:     source,
	}
}

// CompletionStatus is the outcome a worker reports on the events queue.
type CompletionStatus string

const (
	CompletionSuccess    CompletionStatus = "success"
	CompletionFailure    CompletionStatus = "failure"
	CompletionError      CompletionStatus = "error"
	CompletionInProgress CompletionStatus = "in_progress"
)

// CompletionEvent is a worker's report of a stage outcome. Older messages
// use "task" for the stage key where current ones use "task_type"; both
// are accepted. result_key is optional and never required to compute the
// next stage's input (that derivation is a deterministic key scheme, not
// sourced from the event payload).
type CompletionEvent struct {
	JobID     string           `json:"job_id"`
	TaskType  string           `json:"task_type,omitempty"`
	Task      string           `json:"task,omitempty"`
	Status    CompletionStatus `json:"status"`
	Result    json.RawMessage  `json:"result,omitempty"`
	Error     string           `json:"error,omitempty"`
	ResultKey string           `json:"result_key,omitempty"`
	Timestamp string           `json:"timestamp,omitempty"`
	EventType string           `json:"event_type,omitempty"`
}

// Stage returns whichever of task_type/task carries the stage name.
func (e CompletionEvent) Stage() Stage {
	if e.TaskType != "" {
		return Stage(e.TaskType)
	}
	return Stage(e.Task)
}

// IsJobDoneAnnouncement reports whether this event is the orchestrator's
// own job_completed announcement rather than a worker completion — the
// two share the events queue, distinguished by the absence of a stage.
func (e CompletionEvent) IsJobDoneAnnouncement() bool {
	return e.EventType != "" && e.TaskType == "" && e.Task == ""
}

// UnmarshalCompletionEvent parses a raw queue message body.
func UnmarshalCompletionEvent(body string) (CompletionEvent, error) {
	var e CompletionEvent
	err := json.Unmarshal([]byte(body), &e)
	return e, err
}

// JobDoneEvent is the announcement the controller sends to the events
// queue when a job reaches the completed terminal state.
type JobDoneEvent struct {
	JobID     string `json:"job_id"`
	EventType string `json:"event_type"`
}

// Marshal serializes a JobDoneEvent to JSON.
func (e JobDoneEvent) Marshal() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// NewJobDoneEvent builds the job_completed announcement for jobID.
func NewJobDoneEvent(jobID string) JobDoneEvent {
	return JobDoneEvent{JobID: jobID, EventType: "job_completed"}
}

// Submission is the async-intake message shape: either an inline brief
// or a reference to one stored in the blob store.
type Submission struct {
	JobID      string `json:"job_id"`
	TaskType   string `json:"task_type,omitempty"`
	PayloadKey string `json:"payload_key,omitempty"`
	Product    string `json:"product,omitempty"`
	Audience   string `json:"audience,omitempty"`
	Tone       string `json:"tone,omitempty"`
}

// IsReference reports whether the brief must be fetched from the blob store.
func (s Submission) IsReference() bool { return s.PayloadKey != "" }

// InlineBrief extracts the brief carried directly in the message.
func (s Submission) InlineBrief() Brief {
	return Brief{Product: s.Product, Audience: s.Audience, Tone: s.Tone}
}

// UnmarshalSubmission parses a raw submissions-queue message body.
func UnmarshalSubmission(body string) (Submission, error) {
	var s Submission
	err := json.Unmarshal([]byte(body), &s)
	return s, err
}
