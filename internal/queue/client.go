package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const defaultDuplicateWindow = 10 * time.Minute

var (
	// ErrAlreadyTerminal indicates a transition was attempted on a finished or failed job.
	ErrAlreadyTerminal = errors.New("job already in a terminal state")
	// ErrStageEmpty indicates an enqueue without a stage.
	ErrStageEmpty = errors.New("stage cannot be empty")
)

// childNamespace scopes the deterministic ids of chained jobs.
var childNamespace = uuid.MustParse("5b0c7f3e-2f6a-4d7e-9a51-3c4f1d2b8e60")

// Options names the JetStream resources backing the queue.
// DuplicateWindow bounds how long a republished task id is recognised; it
// must outlast the longest attempt of a stage that chains a child.
type Options struct {
	StreamName      string
	SubjectPrefix   string
	JobBucket       string
	DuplicateWindow time.Duration
}

func (o Options) duplicateWindow() time.Duration {
	if o.DuplicateWindow <= 0 {
		return defaultDuplicateWindow
	}

	return o.DuplicateWindow
}

// Client enqueues tasks and reads and updates job records.
type Client struct {
	jetstreamContext nats.JetStreamContext
	jobs             nats.KeyValue
	opts             Options
	log              *logger.Logger
	clock            func() time.Time
}

// New creates the task stream and job bucket if needed and binds to them.
func New(jetstreamContext nats.JetStreamContext, opts Options, log *logger.Logger) (*Client, error) {
	err := ensureStream(jetstreamContext, opts)
	if err != nil {
		return nil, err
	}

	jobs, err := ensureBucket(jetstreamContext, opts.JobBucket)
	if err != nil {
		return nil, err
	}

	return &Client{
		jetstreamContext: jetstreamContext,
		jobs:             jobs,
		opts:             opts,
		log:              log,
		clock:            time.Now,
	}, nil
}

func ensureStream(jetstreamContext nats.JetStreamContext, opts Options) error {
	info, err := jetstreamContext.StreamInfo(opts.StreamName)
	if err == nil {
		return widenDuplicates(jetstreamContext, info, opts)
	}

	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up task stream '%s': %w", opts.StreamName, err)
	}

	_, err = jetstreamContext.AddStream(&nats.StreamConfig{
		Name:        opts.StreamName,
		Description: "Voice pipeline stage tasks.",
		Subjects:    []string{opts.SubjectPrefix + ".>"},
		Retention:   nats.WorkQueuePolicy,
		Storage:     nats.FileStorage,
		Duplicates:  opts.duplicateWindow(),
		Replicas:    1,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create task stream '%s': %w", opts.StreamName, err)
	}

	return nil
}

// widenDuplicates raises the dedupe window of an existing stream created
// with a shorter one.
func widenDuplicates(jetstreamContext nats.JetStreamContext, info *nats.StreamInfo, opts Options) error {
	window := opts.duplicateWindow()
	if info.Config.Duplicates >= window {
		return nil
	}

	config := info.Config
	config.Duplicates = window

	_, err := jetstreamContext.UpdateStream(&config)
	if err != nil {
		return fmt.Errorf("failed to widen dedupe window of '%s': %w", opts.StreamName, err)
	}

	return nil
}

func ensureBucket(jetstreamContext nats.JetStreamContext, bucket string) (nats.KeyValue, error) {
	jobs, err := jetstreamContext.KeyValue(bucket)
	if err == nil {
		return jobs, nil
	}

	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to bind job bucket '%s': %w", bucket, err)
	}

	jobs, err = jetstreamContext.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucket,
		Description: "Voice pipeline job records.",
		History:     1,
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job bucket '%s': %w", bucket, err)
	}

	return jobs, nil
}

// Subject returns the stream subject carrying tasks of the given stage.
func (c *Client) Subject(stage Stage) string {
	return c.opts.SubjectPrefix + "." + string(stage)
}

// Enqueue records a new queued job and publishes its task. The returned id
// is minted here, never by the caller.
func (c *Client) Enqueue(ctx context.Context, stage Stage, args any, timeout time.Duration) (string, error) {
	jobID := uuid.NewString()

	job, err := c.newJob(jobID, stage, args, timeout)
	if err != nil {
		return "", err
	}

	job.WorkflowID = jobID

	_, err = c.create(job)
	if err != nil {
		return "", err
	}

	err = c.publish(ctx, job)
	if err != nil {
		return "", err
	}

	return jobID, nil
}

// EnqueueChild enqueues the follow-up stage of parentID. The child id is a
// function of (parentID, stage), so a redelivered parent can call this again
// without producing a second child job.
func (c *Client) EnqueueChild(
	ctx context.Context,
	parentID string,
	stage Stage,
	args any,
	timeout time.Duration,
) (string, error) {
	parent, err := c.Fetch(ctx, parentID)
	if err != nil {
		return "", fmt.Errorf("failed to load parent job '%s': %w", parentID, err)
	}

	jobID := ChildID(parentID, stage)

	job, err := c.newJob(jobID, stage, args, timeout)
	if err != nil {
		return "", err
	}

	job.ParentID = parentID
	job.WorkflowID = parent.WorkflowID

	created, err := c.create(job)
	if err != nil {
		return "", err
	}

	if !created {
		existing, fetchErr := c.Fetch(ctx, jobID)
		if fetchErr != nil {
			return "", fetchErr
		}

		if existing.Status != StatusQueued {
			c.log.Info("[%s] %s already chained as job %s (%s)", parentID, stage, jobID, existing.Status)

			return jobID, nil
		}

		job = existing
	}

	// Republishing an existing queued child is deduplicated by the broker
	// on the job id.
	err = c.publish(ctx, job)
	if err != nil {
		return "", err
	}

	return jobID, nil
}

// ChildID returns the deterministic id of the stage chained after parentID.
func ChildID(parentID string, stage Stage) string {
	return uuid.NewSHA1(childNamespace, []byte(parentID+"/"+string(stage))).String()
}

// Fetch returns the current job record. Unknown ids yield core.ErrNotFound.
func (c *Client) Fetch(_ context.Context, jobID string) (Job, error) {
	job, _, err := c.get(jobID)

	return job, err
}

// Start moves a job to started and counts the attempt. Terminal jobs are
// left untouched and yield ErrAlreadyTerminal.
func (c *Client) Start(_ context.Context, jobID string) (Job, error) {
	return c.transition(jobID, func(job *Job) error {
		if job.Status.Terminal() {
			return ErrAlreadyTerminal
		}

		now := c.clock().UTC()
		job.Status = StatusStarted
		job.Attempts++
		job.StartedAt = &now

		return nil
	})
}

// Finish records a successful outcome with its stage payload.
func (c *Client) Finish(_ context.Context, jobID string, result any) (Job, error) {
	payload, err := json.Marshal(result)
	if err != nil {
		return Job{}, fmt.Errorf("failed to marshal result of job '%s': %w", jobID, err)
	}

	return c.transition(jobID, func(job *Job) error {
		if job.Status.Terminal() {
			return ErrAlreadyTerminal
		}

		now := c.clock().UTC()
		job.Status = StatusFinished
		job.Result = payload
		job.Error = ""
		job.ErrorKind = ""
		job.EndedAt = &now

		return nil
	})
}

// Fail records a failed outcome with a human-readable detail.
func (c *Client) Fail(_ context.Context, jobID string, cause error) (Job, error) {
	return c.transition(jobID, func(job *Job) error {
		if job.Status.Terminal() {
			return ErrAlreadyTerminal
		}

		now := c.clock().UTC()
		job.Status = StatusFailed
		job.Error = cause.Error()
		job.ErrorKind = core.KindOf(cause)
		job.EndedAt = &now

		return nil
	})
}

func (c *Client) newJob(jobID string, stage Stage, args any, timeout time.Duration) (Job, error) {
	if stage == "" {
		return Job{}, ErrStageEmpty
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return Job{}, fmt.Errorf("failed to marshal %s args: %w", stage, err)
	}

	return Job{
		ID:         jobID,
		Stage:      stage,
		Status:     StatusQueued,
		Args:       payload,
		Timeout:    timeout,
		EnqueuedAt: c.clock().UTC(),
	}, nil
}

// create writes a new record and reports false if the key already existed.
func (c *Client) create(job Job) (bool, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job '%s': %w", job.ID, err)
	}

	_, err = c.jobs.Create(job.ID, data)
	if err == nil {
		return true, nil
	}

	_, _, getErr := c.get(job.ID)
	if getErr == nil {
		return false, nil
	}

	return false, fmt.Errorf("failed to create job record '%s': %w", job.ID, err)
}

func (c *Client) publish(ctx context.Context, job Job) error {
	envelope := Envelope{
		Header: events.EventHeader{
			Timestamp:  c.clock().UTC(),
			WorkflowID: job.WorkflowID,
			EventID:    uuid.NewString(),
		},
		JobID: job.ID,
		Stage: job.Stage,
		Args:  job.Args,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope for job '%s': %w", job.ID, err)
	}

	msg := &nats.Msg{
		Subject: c.Subject(job.Stage),
		Data:    data,
		Header:  nats.Header{},
	}

	_, err = c.jetstreamContext.PublishMsg(msg, nats.MsgId(job.ID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish %s task for job '%s': %w", job.Stage, job.ID, err)
	}

	return nil
}

func (c *Client) get(jobID string) (Job, uint64, error) {
	entry, err := c.jobs.Get(jobID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return Job{}, 0, fmt.Errorf("%w: job '%s'", core.ErrNotFound, jobID)
		}

		return Job{}, 0, fmt.Errorf("failed to read job '%s': %w", jobID, err)
	}

	var job Job

	err = json.Unmarshal(entry.Value(), &job)
	if err != nil {
		return Job{}, 0, fmt.Errorf("failed to decode job '%s': %w", jobID, err)
	}

	return job, entry.Revision(), nil
}

func (c *Client) transition(jobID string, mutate func(job *Job) error) (Job, error) {
	job, revision, err := c.get(jobID)
	if err != nil {
		return Job{}, err
	}

	err = mutate(&job)
	if err != nil {
		return job, err
	}

	data, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("failed to marshal job '%s': %w", jobID, err)
	}

	_, err = c.jobs.Update(jobID, data, revision)
	if err != nil {
		return Job{}, fmt.Errorf("failed to update job '%s' to %s: %w", jobID, job.Status, err)
	}

	return job, nil
}
