package queue_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/queue"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOptions = queue.Options{
	StreamName:    "TEST_TASKS",
	SubjectPrefix: "test.tasks",
	JobBucket:     "TEST_JOBS",
}

func setupQueue(t *testing.T) (*queue.Client, nats.JetStreamContext) {
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

	testLogger, err := logger.New(t.TempDir(), "queue-test.log")
	require.NoError(t, err)

	client, err := queue.New(jetstreamContext, testOptions, testLogger)
	require.NoError(t, err)

	return client, jetstreamContext
}

func streamMessages(t *testing.T, jetstreamContext nats.JetStreamContext) uint64 {
	t.Helper()

	info, err := jetstreamContext.StreamInfo(testOptions.StreamName)
	require.NoError(t, err)

	return info.State.Msgs
}

func TestNew_DuplicateWindow(t *testing.T) {
	t.Parallel()

	_, jetstreamContext := setupQueue(t)

	duplicates := func() time.Duration {
		info, err := jetstreamContext.StreamInfo(testOptions.StreamName)
		require.NoError(t, err)

		return info.Config.Duplicates
	}

	assert.Equal(t, 10*time.Minute, duplicates())

	testLogger, err := logger.New(t.TempDir(), "queue-test.log")
	require.NoError(t, err)

	widened := testOptions
	widened.DuplicateWindow = 2 * time.Hour

	_, err = queue.New(jetstreamContext, widened, testLogger)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, duplicates())

	narrowed := testOptions
	narrowed.DuplicateWindow = 30 * time.Minute

	_, err = queue.New(jetstreamContext, narrowed, testLogger)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, duplicates(), "an existing window is never shortened")
}

func TestEnqueue_FreshJobIsInFlight(t *testing.T) {
	t.Parallel()

	client, jetstreamContext := setupQueue(t)
	ctx := context.Background()

	jobID, err := client.Enqueue(ctx, queue.StageSynthesize, map[string]string{"text": "hello"}, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := client.Fetch(ctx, jobID)
	require.NoError(t, err)

	assert.Equal(t, queue.StatusQueued, job.Status)
	assert.Equal(t, queue.PublicInFlight, job.Status.Public())
	assert.Equal(t, queue.StageSynthesize, job.Stage)
	assert.Equal(t, time.Minute, job.Timeout)
	assert.Equal(t, jobID, job.WorkflowID)
	assert.JSONEq(t, `{"text":"hello"}`, string(job.Args))
	assert.Equal(t, uint64(1), streamMessages(t, jetstreamContext))
}

func TestEnqueue_IDsAreUnique(t *testing.T) {
	t.Parallel()

	client, _ := setupQueue(t)
	seen := make(map[string]struct{})

	for range 20 {
		jobID, err := client.Enqueue(context.Background(), queue.StageSynthesize, nil, time.Minute)
		require.NoError(t, err)

		_, duplicate := seen[jobID]
		require.False(t, duplicate)

		seen[jobID] = struct{}{}
	}
}

func TestFetch_UnknownJob(t *testing.T) {
	t.Parallel()

	client, _ := setupQueue(t)

	_, err := client.Fetch(context.Background(), "never-issued")
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestEnqueue_RejectsEmptyStage(t *testing.T) {
	t.Parallel()

	client, _ := setupQueue(t)

	_, err := client.Enqueue(context.Background(), "", nil, time.Minute)
	require.ErrorIs(t, err, queue.ErrStageEmpty)
}

func TestEnqueueChild_IsIdempotent(t *testing.T) {
	t.Parallel()

	client, jetstreamContext := setupQueue(t)
	ctx := context.Background()

	parentID, err := client.Enqueue(ctx, queue.StagePreprocess, map[string]string{"voice_id": "abcd1234"}, time.Hour)
	require.NoError(t, err)

	first, err := client.EnqueueChild(ctx, parentID, queue.StageTrain, map[string]string{"voice_id": "abcd1234"}, 24*time.Hour)
	require.NoError(t, err)

	second, err := client.EnqueueChild(ctx, parentID, queue.StageTrain, map[string]string{"voice_id": "abcd1234"}, 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, queue.ChildID(parentID, queue.StageTrain), first)
	assert.Equal(t, uint64(2), streamMessages(t, jetstreamContext), "parent plus exactly one child task")

	child, err := client.Fetch(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, parentID, child.ParentID)
	assert.Equal(t, parentID, child.WorkflowID)
	assert.Equal(t, 24*time.Hour, child.Timeout)
}

func TestEnqueueChild_UnknownParent(t *testing.T) {
	t.Parallel()

	client, _ := setupQueue(t)

	_, err := client.EnqueueChild(context.Background(), "missing", queue.StageTrain, nil, time.Hour)
	require.ErrorIs(t, err, core.ErrNotFound)
}

func TestTransitions(t *testing.T) {
	t.Parallel()

	client, _ := setupQueue(t)
	ctx := context.Background()

	jobID, err := client.Enqueue(ctx, queue.StageSynthesize, nil, time.Minute)
	require.NoError(t, err)

	started, err := client.Start(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusStarted, started.Status)
	assert.Equal(t, queue.PublicInFlight, started.Status.Public())
	assert.Equal(t, 1, started.Attempts)
	require.NotNil(t, started.StartedAt)

	finished, err := client.Finish(ctx, jobID, map[string]string{"filename": "output.wav"})
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFinished, finished.Status)
	require.NotNil(t, finished.EndedAt)

	var result map[string]string

	require.NoError(t, json.Unmarshal(finished.Result, &result))
	assert.Equal(t, "output.wav", result["filename"])

	_, err = client.Start(ctx, jobID)
	require.ErrorIs(t, err, queue.ErrAlreadyTerminal)

	_, err = client.Fail(ctx, jobID, core.ErrExecution)
	require.ErrorIs(t, err, queue.ErrAlreadyTerminal)
}

func TestFail_RecordsKind(t *testing.T) {
	t.Parallel()

	client, _ := setupQueue(t)
	ctx := context.Background()

	jobID, err := client.Enqueue(ctx, queue.StagePreprocess, nil, time.Minute)
	require.NoError(t, err)

	_, err = client.Start(ctx, jobID)
	require.NoError(t, err)

	failed, err := client.Fail(ctx, jobID, fmt.Errorf("no usable audio chunks: %w", core.ErrValidation))
	require.NoError(t, err)

	assert.Equal(t, queue.StatusFailed, failed.Status)
	assert.Equal(t, "failed", failed.Status.Public())
	assert.Equal(t, core.KindValidation, failed.ErrorKind)
	assert.Contains(t, failed.Error, "no usable audio chunks")
}

func TestConsumer_ClaimsTask(t *testing.T) {
	t.Parallel()

	client, _ := setupQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	jobID, err := client.Enqueue(ctx, queue.StagePreprocess, map[string]string{"voice_id": "v1"}, time.Minute)
	require.NoError(t, err)

	consumer, err := client.Consumer("test-workers", 30*time.Second, 3)
	require.NoError(t, err)

	delivery, err := consumer.Next(ctx)
	require.NoError(t, err)

	assert.Equal(t, jobID, delivery.Envelope.JobID)
	assert.Equal(t, jobID, delivery.Job.ID)
	assert.Equal(t, queue.StagePreprocess, delivery.Envelope.Stage)
	assert.Equal(t, jobID, delivery.Envelope.Header.WorkflowID)
	assert.NotEmpty(t, delivery.Envelope.Header.EventID)
	assert.False(t, delivery.Redelivered())
	require.NoError(t, delivery.InProgress())
	require.NoError(t, delivery.Ack())
	require.NoError(t, consumer.Unsubscribe())
}

func TestConsumer_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	client, _ := setupQueue(t)

	consumer, err := client.Consumer("idle-workers", 30*time.Second, 3)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = consumer.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
