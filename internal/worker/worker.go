// Package worker provides the NATS worker that executes queued pipeline
// stages. A worker claims one task at a time and records its outcome on the
// job record.
package worker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/pipeline"
	"github.com/book-expert/voice-clone-service/internal/queue"
)

const (
	defaultHeartbeat = 20 * time.Second
	fetchRetryDelay  = time.Second
)

var (
	// ErrNoHandlers indicates a worker built without any stage handler.
	ErrNoHandlers = errors.New("worker needs at least one stage handler")
	// ErrUnknownStage indicates a task whose stage has no handler.
	ErrUnknownStage = errors.New("no handler for stage")
	// ErrHandlerPanic indicates a stage handler that panicked.
	ErrHandlerPanic = errors.New("stage handler panicked")
)

// JobStore records job lifecycle transitions.
type JobStore interface {
	Start(ctx context.Context, jobID string) (queue.Job, error)
	Finish(ctx context.Context, jobID string, result any) (queue.Job, error)
	Fail(ctx context.Context, jobID string, cause error) (queue.Job, error)
}

// TaskSource hands out claimed tasks.
type TaskSource interface {
	Next(ctx context.Context) (*queue.Delivery, error)
}

// Observer is told the outcome of every executed stage. errorKind is empty
// on success.
type Observer interface {
	StageCompleted(ctx context.Context, stage string, errorKind string, elapsed time.Duration)
}

// Options tunes a worker.
type Options struct {
	// Heartbeat is how often a running task is reported in progress. It must
	// stay below the consumer's ack wait.
	Heartbeat time.Duration
	Observer  Observer
}

// NatsWorker pulls stage tasks from JetStream and executes them.
type NatsWorker struct {
	jobs      JobStore
	source    TaskSource
	handlers  map[queue.Stage]pipeline.Handler
	heartbeat time.Duration
	observer  Observer
	log       *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	jobs JobStore,
	source TaskSource,
	handlers map[queue.Stage]pipeline.Handler,
	opts Options,
	log *logger.Logger,
) (*NatsWorker, error) {
	if len(handlers) == 0 {
		return nil, ErrNoHandlers
	}

	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	return &NatsWorker{
		jobs:      jobs,
		source:    source,
		handlers:  handlers,
		heartbeat: heartbeat,
		observer:  opts.Observer,
		log:       log,
	}, nil
}

// Run processes tasks until ctx is cancelled. Tasks are executed one at a
// time.
func (w *NatsWorker) Run(ctx context.Context) error {
	w.log.Info("Worker started for stages %v", w.stages())

	for {
		delivery, err := w.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("Worker stopping: %v", ctx.Err())

				return nil
			}

			w.log.Error("Failed to claim task: %v", err)

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(fetchRetryDelay):
			}

			continue
		}

		w.process(ctx, delivery)
	}
}

func (w *NatsWorker) process(ctx context.Context, delivery *queue.Delivery) {
	jobID := delivery.Envelope.JobID

	job, err := w.jobs.Start(ctx, jobID)
	if errors.Is(err, queue.ErrAlreadyTerminal) {
		w.log.Info("[%s] Job already %s, acknowledging duplicate task", jobID, job.Status)
		w.settle(jobID, delivery.Ack)

		return
	}

	if err != nil {
		// Left unacknowledged; the broker redelivers after the ack wait.
		w.log.Error("[%s] Failed to start job: %v", jobID, err)

		return
	}

	if delivery.Redelivered() {
		w.log.Warn("[%s] Redelivered %s task, attempt %d", jobID, job.Stage, job.Attempts)
	}

	w.log.Info("[%s] Running %s (timeout %s)", jobID, job.Stage, job.Timeout)

	started := time.Now()
	result, runErr := w.execute(ctx, delivery, job)
	elapsed := time.Since(started)

	if runErr != nil && ctx.Err() != nil && !errors.Is(runErr, core.ErrTimeout) {
		w.log.Warn("[%s] Interrupted by shutdown, leaving task for redelivery: %v", jobID, runErr)

		return
	}

	outcomeCtx := context.WithoutCancel(ctx)

	if runErr != nil {
		w.recordFailure(outcomeCtx, delivery, job, runErr, elapsed)

		return
	}

	_, err = w.jobs.Finish(outcomeCtx, jobID, result)
	if err != nil {
		w.log.Error("[%s] Failed to record success: %v", jobID, err)

		return
	}

	w.observe(outcomeCtx, job.Stage, "", elapsed)
	w.settle(jobID, delivery.Ack)
	w.log.Info("[%s] %s finished in %s", jobID, job.Stage, elapsed.Round(time.Millisecond))
}

// execute runs the stage handler under the job deadline while keeping the
// task claimed.
func (w *NatsWorker) execute(ctx context.Context, delivery *queue.Delivery, job queue.Job) (any, error) {
	handler, ok := w.handlers[job.Stage]
	if !ok {
		return nil, fmt.Errorf("%w: %w '%s'", core.ErrExecution, ErrUnknownStage, job.Stage)
	}

	runCtx := ctx
	cancel := func() {}

	if job.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, job.Timeout)
	}
	defer cancel()

	stopHeartbeat := w.startHeartbeat(runCtx, job.ID, delivery)
	defer stopHeartbeat()

	result, err := safeCall(runCtx, handler, job)
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, fmt.Errorf("%w: %s exceeded %s: %w", core.ErrTimeout, job.Stage, job.Timeout, err)
	}

	return result, err
}

func safeCall(ctx context.Context, handler pipeline.Handler, job queue.Job) (result any, err error) {
	defer func() {
		recovered := recover()
		if recovered != nil {
			result = nil
			err = fmt.Errorf("%w: %w: %v", core.ErrExecution, ErrHandlerPanic, recovered)
		}
	}()

	return handler(ctx, job)
}

func (w *NatsWorker) startHeartbeat(ctx context.Context, jobID string, delivery *queue.Delivery) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)

		ticker := time.NewTicker(w.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := delivery.InProgress()
				if err != nil {
					w.log.Warn("[%s] Failed to extend task claim: %v", jobID, err)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func (w *NatsWorker) recordFailure(
	ctx context.Context,
	delivery *queue.Delivery,
	job queue.Job,
	cause error,
	elapsed time.Duration,
) {
	kind := core.KindOf(cause)
	w.log.Error("[%s] %s failed (%s) after %s: %v", job.ID, job.Stage, kind, elapsed.Round(time.Millisecond), cause)

	_, err := w.jobs.Fail(ctx, job.ID, cause)
	if err != nil && !errors.Is(err, queue.ErrAlreadyTerminal) {
		w.log.Error("[%s] Failed to record failure: %v", job.ID, err)

		return
	}

	w.observe(ctx, job.Stage, kind, elapsed)
	w.settle(job.ID, delivery.Term)
}

func (w *NatsWorker) observe(ctx context.Context, stage queue.Stage, kind string, elapsed time.Duration) {
	if w.observer != nil {
		w.observer.StageCompleted(ctx, string(stage), kind, elapsed)
	}
}

func (w *NatsWorker) settle(jobID string, settle func() error) {
	err := settle()
	if err != nil {
		w.log.Error("[%s] Failed to settle task: %v", jobID, err)
	}
}

func (w *NatsWorker) stages() []queue.Stage {
	return slices.Sorted(maps.Keys(w.handlers))
}
