// Package worker_test tests the NATS stage worker.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/pipeline"
	"github.com/book-expert/voice-clone-service/internal/queue"
	"github.com/book-expert/voice-clone-service/internal/worker"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockStage = errors.New("mock stage error")

var testOptions = queue.Options{
	StreamName:    "WORKER_TASKS",
	SubjectPrefix: "worker.tasks",
	JobBucket:     "WORKER_JOBS",
}

type outcome struct {
	stage string
	kind  string
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []outcome
}

func (o *recordingObserver) StageCompleted(_ context.Context, stage string, errorKind string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.outcomes = append(o.outcomes, outcome{stage: stage, kind: errorKind})
}

func (o *recordingObserver) Outcomes() []outcome {
	o.mu.Lock()
	defer o.mu.Unlock()

	return append([]outcome(nil), o.outcomes...)
}

type harness struct {
	client           *queue.Client
	jetstreamContext nats.JetStreamContext
	consumer         *queue.Consumer
	observer         *recordingObserver
	log              *logger.Logger
}

func setupHarness(t *testing.T, ackWait time.Duration) *harness {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	server := test.RunServer(&opts)

	natsConnection, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)

	t.Cleanup(func() {
		natsConnection.Close()
		server.Shutdown()
	})

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	testLogger, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)

	client, err := queue.New(jetstreamContext, testOptions, testLogger)
	require.NoError(t, err)

	consumer, err := client.Consumer("test-workers", ackWait, 3)
	require.NoError(t, err)

	return &harness{
		client:           client,
		jetstreamContext: jetstreamContext,
		consumer:         consumer,
		observer:         &recordingObserver{},
		log:              testLogger,
	}
}

// run starts a worker over handlers and stops it when the test ends.
func (h *harness) run(t *testing.T, handlers map[queue.Stage]pipeline.Handler, heartbeat time.Duration) {
	t.Helper()

	workerInstance, err := worker.NewNatsWorker(h.client, h.consumer, handlers,
		worker.Options{Heartbeat: heartbeat, Observer: h.observer}, h.log)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)

	go func() {
		errChan <- workerInstance.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errChan, "worker.Run should not error on graceful shutdown")
	})
}

func (h *harness) waitTerminal(t *testing.T, jobID string) queue.Job {
	t.Helper()

	var job queue.Job

	require.Eventually(t, func() bool {
		fetched, err := h.client.Fetch(context.Background(), jobID)
		if err != nil {
			return false
		}

		job = fetched

		return job.Status.Terminal()
	}, 15*time.Second, 20*time.Millisecond)

	return job
}

// pending reports the tasks still held by the stream. It is polled from
// Eventually, so lookup errors count as "not drained" instead of failing.
func (h *harness) pending() uint64 {
	info, err := h.jetstreamContext.StreamInfo(testOptions.StreamName)
	if err != nil {
		return math.MaxUint64
	}

	return info.State.Msgs
}

func TestNewNatsWorker_RequiresHandlers(t *testing.T) {
	t.Parallel()

	testLogger, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)

	_, err = worker.NewNatsWorker(nil, nil, nil, worker.Options{}, testLogger)
	require.ErrorIs(t, err, worker.ErrNoHandlers)
}

func TestWorker_FinishesSuccessfulJob(t *testing.T) {
	t.Parallel()

	h := setupHarness(t, 30*time.Second)

	var seen atomic.Value

	h.run(t, map[queue.Stage]pipeline.Handler{
		queue.StageSynthesize: func(_ context.Context, job queue.Job) (any, error) {
			var args pipeline.SynthesizeArgs

			err := job.DecodeArgs(&args)
			if err != nil {
				return nil, err
			}

			seen.Store(args.Text)

			return pipeline.SynthesizeResult{Filename: pipeline.OutputName("", job.ID)}, nil
		},
	}, 0)

	jobID, err := h.client.Enqueue(context.Background(), queue.StageSynthesize, pipeline.SynthesizeArgs{Text: "Hello"}, time.Minute)
	require.NoError(t, err)

	job := h.waitTerminal(t, jobID)
	assert.Equal(t, queue.StatusFinished, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "Hello", seen.Load())

	var result pipeline.SynthesizeResult
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, "output_"+jobID+".wav", result.Filename)

	require.Eventually(t, func() bool { return h.pending() == 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []outcome{{stage: "synthesize"}}, h.observer.Outcomes())
}

func TestWorker_RecordsFailures(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		stage    queue.Stage
		timeout  time.Duration
		handler  pipeline.Handler
		wantKind string
	}{
		{
			name:  "validation",
			stage: queue.StagePreprocess,
			handler: func(_ context.Context, _ queue.Job) (any, error) {
				return nil, fmt.Errorf("%w: %w", core.ErrValidation, errMockStage)
			},
			wantKind: core.KindValidation,
		},
		{
			name:  "plain error",
			stage: queue.StagePreprocess,
			handler: func(_ context.Context, _ queue.Job) (any, error) {
				return nil, errMockStage
			},
			wantKind: core.KindExecution,
		},
		{
			name:    "deadline",
			stage:   queue.StagePreprocess,
			timeout: 100 * time.Millisecond,
			handler: func(ctx context.Context, _ queue.Job) (any, error) {
				<-ctx.Done()

				return nil, ctx.Err()
			},
			wantKind: core.KindTimeout,
		},
		{
			name:  "panic",
			stage: queue.StagePreprocess,
			handler: func(_ context.Context, _ queue.Job) (any, error) {
				panic("boom")
			},
			wantKind: core.KindExecution,
		},
		{
			name:     "unknown stage",
			stage:    queue.StageTrain,
			wantKind: core.KindExecution,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			h := setupHarness(t, 30*time.Second)

			handler := tc.handler
			if handler == nil {
				handler = func(_ context.Context, _ queue.Job) (any, error) { return nil, nil }
			}

			h.run(t, map[queue.Stage]pipeline.Handler{queue.StagePreprocess: handler}, 0)

			timeout := tc.timeout
			if timeout == 0 {
				timeout = time.Minute
			}

			jobID, err := h.client.Enqueue(context.Background(), tc.stage, pipeline.VoiceArgs{VoiceID: "abcd1234"}, timeout)
			require.NoError(t, err)

			job := h.waitTerminal(t, jobID)
			assert.Equal(t, queue.StatusFailed, job.Status)
			assert.Equal(t, tc.wantKind, job.ErrorKind)
			assert.NotEmpty(t, job.Error)

			// Failed tasks are terminated, never retried.
			require.Eventually(t, func() bool { return h.pending() == 0 }, 5*time.Second, 20*time.Millisecond)
			assert.Equal(t, []outcome{{stage: string(tc.stage), kind: tc.wantKind}}, h.observer.Outcomes())
		})
	}
}

func TestWorker_SkipsTerminalJob(t *testing.T) {
	t.Parallel()

	h := setupHarness(t, 30*time.Second)
	ctx := context.Background()

	jobID, err := h.client.Enqueue(ctx, queue.StageSynthesize, pipeline.SynthesizeArgs{Text: "Hello"}, time.Minute)
	require.NoError(t, err)

	_, err = h.client.Start(ctx, jobID)
	require.NoError(t, err)
	_, err = h.client.Finish(ctx, jobID, pipeline.SynthesizeResult{Filename: "earlier.wav"})
	require.NoError(t, err)

	var calls atomic.Int32

	h.run(t, map[queue.Stage]pipeline.Handler{
		queue.StageSynthesize: func(_ context.Context, _ queue.Job) (any, error) {
			calls.Add(1)

			return nil, nil
		},
	}, 0)

	require.Eventually(t, func() bool { return h.pending() == 0 }, 10*time.Second, 20*time.Millisecond)
	assert.Zero(t, calls.Load())

	job, err := h.client.Fetch(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFinished, job.Status)
	assert.JSONEq(t, `{"filename":"earlier.wav"}`, string(job.Result))
}

func TestWorker_HeartbeatPreventsRedelivery(t *testing.T) {
	t.Parallel()

	h := setupHarness(t, time.Second)

	var calls atomic.Int32

	h.run(t, map[queue.Stage]pipeline.Handler{
		queue.StageTrain: func(ctx context.Context, _ queue.Job) (any, error) {
			calls.Add(1)

			select {
			case <-time.After(2500 * time.Millisecond):
				return pipeline.TrainResult{VoiceID: "abcd1234"}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}, 200*time.Millisecond)

	jobID, err := h.client.Enqueue(context.Background(), queue.StageTrain, pipeline.VoiceArgs{VoiceID: "abcd1234"}, time.Minute)
	require.NoError(t, err)

	job := h.waitTerminal(t, jobID)
	assert.Equal(t, queue.StatusFinished, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, int32(1), calls.Load())
}
