// Package queue provides the durable task queue and job store used by the
// orchestrator and the workers. Both live in NATS JetStream: tasks in a
// work-queue stream, job records in a KeyValue bucket.
package queue

import (
	"encoding/json"
	"time"

	"github.com/book-expert/events"
)

// Stage names one kind of queued pipeline work.
type Stage string

// Queued stage kinds. Ingest runs synchronously in the orchestrator and is
// never queued.
const (
	StagePreprocess Stage = "preprocess"
	StageTrain      Stage = "train"
	StageSynthesize Stage = "synthesize"
)

// Status is the lifecycle state of a job record.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusStarted  Status = "started"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// PublicInFlight is the coarse status reported to pollers for jobs that are
// either waiting or running.
const PublicInFlight = "queued/started"

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Public returns the status as exposed to callers polling a job.
func (s Status) Public() string {
	if s.Terminal() {
		return string(s)
	}

	return PublicInFlight
}

// Job is the persisted record of one enqueued task.
type Job struct {
	ID         string          `json:"id"`
	Stage      Stage           `json:"stage"`
	Status     Status          `json:"status"`
	Args       json.RawMessage `json:"args,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	Attempts   int             `json:"attempts"`
	Timeout    time.Duration   `json:"timeout"`
	ParentID   string          `json:"parent_id,omitempty"`
	WorkflowID string          `json:"workflow_id"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
}

// DecodeArgs unmarshals the job arguments into target.
func (j Job) DecodeArgs(target any) error {
	return json.Unmarshal(j.Args, target)
}

// Envelope is the message published on the task stream.
type Envelope struct {
	Header events.EventHeader `json:"header"`
	JobID  string             `json:"job_id"`
	Stage  Stage              `json:"stage"`
	Args   json.RawMessage    `json:"args,omitempty"`
}
