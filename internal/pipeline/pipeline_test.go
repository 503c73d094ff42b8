package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/modelcache"
	"github.com/book-expert/voice-clone-service/internal/pipeline"
	"github.com/book-expert/voice-clone-service/internal/profile"
	"github.com/book-expert/voice-clone-service/internal/queue"
	"github.com/book-expert/voice-clone-service/internal/stt"
	"github.com/book-expert/voice-clone-service/internal/synth"
	"github.com/book-expert/voice-clone-service/internal/trainer"
	"github.com/book-expert/voice-clone-service/internal/transcript"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testVoiceID = "abcd1234"
	rawRate     = 44100
)

var errNoSuchArtifact = errors.New("no such artifact")

// memoryStore is an in-process core.ObjectStore.
type memoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func (m *memoryStore) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.blobs[key]
	if !ok {
		return nil, errNoSuchArtifact
	}

	return data, nil
}

func (m *memoryStore) Upload(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blobs[key] = data

	return nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blobs, key)

	return nil
}

type enqueueCall struct {
	ParentID string
	Stage    queue.Stage
	Args     any
	Timeout  time.Duration
}

// fakeEnqueuer records chained stages.
type fakeEnqueuer struct {
	mu         sync.Mutex
	calls      []enqueueCall
	ShouldFail bool
}

var errMockEnqueue = errors.New("mock enqueue failure")

func (f *fakeEnqueuer) EnqueueChild(
	_ context.Context,
	parentID string,
	stage queue.Stage,
	args any,
	timeout time.Duration,
) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ShouldFail {
		return "", errMockEnqueue
	}

	f.calls = append(f.calls, enqueueCall{ParentID: parentID, Stage: stage, Args: args, Timeout: timeout})

	return queue.ChildID(parentID, stage), nil
}

func (f *fakeEnqueuer) Calls() []enqueueCall {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]enqueueCall(nil), f.calls...)
}

type fixture struct {
	stages      *pipeline.Stages
	store       *profile.Store
	registry    *profile.Registry
	layout      profile.Layout
	recognizer  *stt.MockRecognizer
	trainer     *trainer.MockTrainer
	synthesizer *synth.MockSynthesizer
	cache       *modelcache.Cache
	artifacts   *memoryStore
	enqueuer    *fakeEnqueuer
}

type fixtureOption func(deps *pipeline.Deps)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "pipeline-test.log")
	require.NoError(t, err)

	store, err := profile.OpenStore(context.Background(), filepath.Join(t.TempDir(), "profiles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	layout := profile.Layout{DataDir: t.TempDir()}
	registry := profile.NewRegistry(layout, store, testLogger)

	f := &fixture{
		store:       store,
		registry:    registry,
		layout:      layout,
		recognizer:  &stt.MockRecognizer{Default: "hello there, this is 42 words"},
		trainer:     &trainer.MockTrainer{},
		synthesizer: &synth.MockSynthesizer{},
		artifacts:   &memoryStore{blobs: make(map[string][]byte)},
		enqueuer:    &fakeEnqueuer{},
	}
	f.cache = modelcache.New(f.synthesizer, testLogger, nil)

	deps := pipeline.Deps{
		Registry:   registry,
		Recognizer: f.recognizer,
		Trainer:    f.trainer,
		Cache:      f.cache,
		Artifacts:  f.artifacts,
		Enqueuer:   f.enqueuer,
		Log:        testLogger,
		Clock: func() time.Time {
			return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
		},
	}

	for _, opt := range opts {
		opt(&deps)
	}

	f.stages = pipeline.New(deps, testSettings())

	return f
}

func testSettings() pipeline.Settings {
	return pipeline.Settings{
		SampleRate:    audio.DEFAULT_SAMPLE_RATE,
		Segment:       audio.NewDefaultSegmentOptions(),
		MinChunkMS:    1000,
		MinTextChars:  3,
		TrainTimeout:  time.Hour,
		BaseModel:     core.ModelSpec{Checkpoint: "/models/base/model.pth", ConfigPath: "/models/base/config.json"},
		Epochs:        20,
		BatchSize:     16,
		EvalBatchSize: 8,
		EvalFraction:  0.2,
		EmbeddingDim:  512,
	}
}

// upload writes raw samples for testVoiceID and records the profile.
func (f *fixture) upload(t *testing.T, files map[string]audio.Clip) {
	t.Helper()

	rawDir := f.layout.RawDir(testVoiceID)
	require.NoError(t, os.MkdirAll(rawDir, 0o750))

	for name, clip := range files {
		require.NoError(t, audio.WriteFile(filepath.Join(rawDir, name), clip))
	}

	require.NoError(t, f.registry.Create(context.Background(), testVoiceID))
}

func (f *fixture) stage(t *testing.T) profile.Stage {
	t.Helper()

	record, ok, err := f.store.Get(context.Background(), testVoiceID)
	require.NoError(t, err)
	require.True(t, ok)

	return record.Stage
}

func voiceJob(t *testing.T, id string, stage queue.Stage, args any) queue.Job {
	t.Helper()

	raw, err := json.Marshal(args)
	require.NoError(t, err)

	return queue.Job{ID: id, Stage: stage, Status: queue.StatusStarted, Args: raw, Timeout: time.Hour}
}

// speech is four voiced stretches separated by 800 ms pauses; the last one
// is too short to keep.
func speech(t *testing.T) audio.Clip {
	t.Helper()

	clip, err := audio.Concat(rawRate,
		audio.Tone(rawRate, 220, 1500, 0.5),
		audio.Silence(rawRate, 800),
		audio.Tone(rawRate, 260, 1500, 0.5),
		audio.Silence(rawRate, 800),
		audio.Tone(rawRate, 300, 1500, 0.5),
		audio.Silence(rawRate, 800),
		audio.Tone(rawRate, 340, 300, 0.5),
	)
	require.NoError(t, err)

	return clip
}

func TestPreprocess_OneManifestRecordPerRetainedChunk(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.recognizer.Transcripts = map[string]string{"wav_1": " ok "}
	f.upload(t, map[string]audio.Clip{"sample.wav": speech(t)})
	require.NoError(t, os.WriteFile(filepath.Join(f.layout.RawDir(testVoiceID), "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(f.layout.RawDir(testVoiceID), "broken.wav"), []byte("nope"), 0o600))

	result, err := f.stages.Preprocess(context.Background(), voiceJob(t, "job-pre", queue.StagePreprocess, pipeline.VoiceArgs{VoiceID: testVoiceID}))
	require.NoError(t, err)

	preprocessed, ok := result.(pipeline.PreprocessResult)
	require.True(t, ok)
	assert.Equal(t, testVoiceID, preprocessed.VoiceID)
	assert.Equal(t, 2, preprocessed.Chunks)
	assert.Equal(t, queue.ChildID("job-pre", queue.StageTrain), preprocessed.TrainJobID)

	records, err := transcript.Read(f.layout.ManifestPath(testVoiceID))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "wav_0", records[0].Name)
	assert.Equal(t, "wav_2", records[1].Name)

	for _, record := range records {
		assert.NotEmpty(t, record.Text)
		assert.Equal(t, "hello there, this is forty two words", record.Normalized)
		assert.FileExists(t, filepath.Join(f.layout.WavsDir(testVoiceID), record.Name+".wav"))
	}

	assert.NoFileExists(t, filepath.Join(f.layout.WavsDir(testVoiceID), "wav_1.wav"))
	assert.NoFileExists(t, filepath.Join(f.layout.WavsDir(testVoiceID), "wav_3.wav"))
	assert.Equal(t, []string{"wav_0.wav", "wav_1.wav", "wav_2.wav"}, f.recognizer.Calls())

	calls := f.enqueuer.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, queue.StageTrain, calls[0].Stage)
	assert.Equal(t, "job-pre", calls[0].ParentID)
	assert.Equal(t, pipeline.VoiceArgs{VoiceID: testVoiceID}, calls[0].Args)
	assert.Equal(t, time.Hour, calls[0].Timeout)

	assert.Equal(t, profile.StagePreprocessed, f.stage(t))
}

func TestPreprocess_DropsTranscriptsEmptyAfterCleaning(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.recognizer.Transcripts = map[string]string{"wav_0": " hi|there ", "wav_1": "| |"}
	f.upload(t, map[string]audio.Clip{"sample.wav": speech(t)})

	result, err := f.stages.Preprocess(context.Background(), voiceJob(t, "job-pre", queue.StagePreprocess, pipeline.VoiceArgs{VoiceID: testVoiceID}))
	require.NoError(t, err)

	preprocessed, ok := result.(pipeline.PreprocessResult)
	require.True(t, ok)
	assert.Equal(t, 2, preprocessed.Chunks)

	records, err := transcript.Read(f.layout.ManifestPath(testVoiceID))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "wav_0", records[0].Name)
	assert.Equal(t, "hi there", records[0].Text)
	assert.Equal(t, "wav_2", records[1].Name)
	assert.NoFileExists(t, filepath.Join(f.layout.WavsDir(testVoiceID), "wav_1.wav"))
}

func TestPreprocess_RerunReplacesDataset(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.upload(t, map[string]audio.Clip{"sample.wav": speech(t)})

	stale := filepath.Join(f.layout.WavsDir(testVoiceID), "wav_99.wav")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o750))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o600))

	job := voiceJob(t, "job-pre", queue.StagePreprocess, pipeline.VoiceArgs{VoiceID: testVoiceID})

	_, err := f.stages.Preprocess(context.Background(), job)
	require.NoError(t, err)
	assert.NoFileExists(t, stale)

	_, err = f.stages.Preprocess(context.Background(), job)
	require.NoError(t, err)

	records, err := transcript.Read(f.layout.ManifestPath(testVoiceID))
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestPreprocess_AllSilenceFailsWithoutTrain(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.upload(t, map[string]audio.Clip{"quiet.wav": audio.Silence(rawRate, 5000)})

	_, err := f.stages.Preprocess(context.Background(), voiceJob(t, "job-pre", queue.StagePreprocess, pipeline.VoiceArgs{VoiceID: testVoiceID}))
	require.ErrorIs(t, err, core.ErrValidation)
	require.ErrorIs(t, err, pipeline.ErrNoUsableChunks)

	assert.Empty(t, f.enqueuer.Calls())
	assert.Equal(t, profile.StageFailed, f.stage(t))
	assert.NoFileExists(t, f.layout.ManifestPath(testVoiceID))
}

func TestPreprocess_NoDecodableFiles(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.upload(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(f.layout.RawDir(testVoiceID), "broken.wav"), []byte("nope"), 0o600))

	_, err := f.stages.Preprocess(context.Background(), voiceJob(t, "job-pre", queue.StagePreprocess, pipeline.VoiceArgs{VoiceID: testVoiceID}))
	require.ErrorIs(t, err, core.ErrValidation)
	require.ErrorIs(t, err, pipeline.ErrNoDecodableAudio)
	assert.Equal(t, profile.StageFailed, f.stage(t))
}

func TestPreprocess_Errors(t *testing.T) {
	t.Parallel()

	t.Run("missing raw samples", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		_, err := f.stages.Preprocess(context.Background(), voiceJob(t, "job-pre", queue.StagePreprocess, pipeline.VoiceArgs{VoiceID: "ffff0000"}))
		require.ErrorIs(t, err, core.ErrNotFound)
	})

	t.Run("empty voice id", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)

		_, err := f.stages.Preprocess(context.Background(), voiceJob(t, "job-pre", queue.StagePreprocess, pipeline.VoiceArgs{}))
		require.ErrorIs(t, err, core.ErrValidation)
		require.ErrorIs(t, err, pipeline.ErrVoiceIDEmpty)
	})

	t.Run("transcription failure", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.recognizer.ShouldFail = true
		f.upload(t, map[string]audio.Clip{"sample.wav": speech(t)})

		_, err := f.stages.Preprocess(context.Background(), voiceJob(t, "job-pre", queue.StagePreprocess, pipeline.VoiceArgs{VoiceID: testVoiceID}))
		require.ErrorIs(t, err, stt.ErrMockTranscribe)
		assert.Equal(t, core.KindExecution, core.KindOf(err))
		assert.Empty(t, f.enqueuer.Calls())
	})

	t.Run("enqueue failure", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		f.enqueuer.ShouldFail = true
		f.upload(t, map[string]audio.Clip{"sample.wav": speech(t)})

		_, err := f.stages.Preprocess(context.Background(), voiceJob(t, "job-pre", queue.StagePreprocess, pipeline.VoiceArgs{VoiceID: testVoiceID}))
		require.ErrorIs(t, err, errMockEnqueue)
		assert.Equal(t, profile.StageFailed, f.stage(t))
	})
}

func preprocessed(t *testing.T, f *fixture) {
	t.Helper()

	f.upload(t, map[string]audio.Clip{"sample.wav": speech(t)})

	_, err := f.stages.Preprocess(context.Background(), voiceJob(t, "job-pre", queue.StagePreprocess, pipeline.VoiceArgs{VoiceID: testVoiceID}))
	require.NoError(t, err)
}

func TestTrain_ProducesCheckpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	preprocessed(t, f)

	result, err := f.stages.Train(context.Background(), voiceJob(t, "job-train", queue.StageTrain, pipeline.VoiceArgs{VoiceID: testVoiceID}))
	require.NoError(t, err)

	trained, ok := result.(pipeline.TrainResult)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(f.layout.ModelsDir(testVoiceID), "run-20260314T092653Z"), trained.RunDir)
	assert.Equal(t, filepath.Join(trained.RunDir, "best_model_20.pth"), trained.Checkpoint)

	requests := f.trainer.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "/models/base/model.pth", requests[0].BaseCheckpoint)
	assert.Equal(t, f.layout.ProcessedDir(testVoiceID), requests[0].DatasetDir)
	assert.Equal(t, 16, requests[0].BatchSize)
	assert.Equal(t, 8, requests[0].EvalBatchSize)

	trainSet, err := transcript.Read(filepath.Join(trained.RunDir, pipeline.TrainListFile))
	require.NoError(t, err)
	evalSet, err := transcript.Read(filepath.Join(trained.RunDir, pipeline.EvalListFile))
	require.NoError(t, err)
	assert.Len(t, trainSet, 2)
	assert.Len(t, evalSet, 1)

	data, err := os.ReadFile(filepath.Join(trained.RunDir, pipeline.EmbeddingFile))
	require.NoError(t, err)

	var embedding pipeline.SpeakerEmbedding
	require.NoError(t, json.Unmarshal(data, &embedding))
	assert.Equal(t, "wav_0", embedding.Source)
	assert.Len(t, embedding.Vector, 512)

	assert.Equal(t, profile.StageTrained, f.stage(t))

	summary, err := f.registry.Lookup(context.Background(), testVoiceID)
	require.NoError(t, err)
	assert.Equal(t, profile.StatusTrained, summary.Status)
}

func TestTrain_MissingCheckpointIsExecutionFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.trainer.SkipCheckpoint = true
	preprocessed(t, f)

	_, err := f.stages.Train(context.Background(), voiceJob(t, "job-train", queue.StageTrain, pipeline.VoiceArgs{VoiceID: testVoiceID}))
	require.ErrorIs(t, err, core.ErrExecution)
	require.ErrorIs(t, err, trainer.ErrNoCheckpoint)
	assert.Equal(t, profile.StageFailed, f.stage(t))

	summary, err := f.registry.Lookup(context.Background(), testVoiceID)
	require.NoError(t, err)
	assert.Equal(t, profile.StatusFailed, summary.Status)
}

func TestTrain_TrainerFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.trainer.ShouldFail = true
	preprocessed(t, f)

	_, err := f.stages.Train(context.Background(), voiceJob(t, "job-train", queue.StageTrain, pipeline.VoiceArgs{VoiceID: testVoiceID}))
	require.ErrorIs(t, err, trainer.ErrMockTrain)
	assert.Equal(t, profile.StageFailed, f.stage(t))
}

func TestTrain_WithoutManifest(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.upload(t, nil)

	_, err := f.stages.Train(context.Background(), voiceJob(t, "job-train", queue.StageTrain, pipeline.VoiceArgs{VoiceID: testVoiceID}))
	require.ErrorIs(t, err, core.ErrValidation)
	assert.Empty(t, f.trainer.Requests())
}

func manifestRecords(names ...string) []transcript.Record {
	records := make([]transcript.Record, 0, len(names))

	for _, name := range names {
		records = append(records, transcript.Record{Name: name, Text: "text", Normalized: "text"})
	}

	return records
}

func TestSplitDataset(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		records   []transcript.Record
		wantTrain int
		wantEval  int
	}{
		{name: "single record", records: manifestRecords("wav_0"), wantTrain: 1, wantEval: 0},
		{name: "two records", records: manifestRecords("wav_0", "wav_1"), wantTrain: 1, wantEval: 1},
		{name: "five records", records: manifestRecords("wav_0", "wav_1", "wav_2", "wav_3", "wav_4"), wantTrain: 4, wantEval: 1},
		{name: "six records rounds up", records: manifestRecords("a", "b", "c", "d", "e", "f"), wantTrain: 4, wantEval: 2},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			trainSet, evalSet := pipeline.SplitDataset(testVoiceID, tc.records, 0.2)
			assert.Len(t, trainSet, tc.wantTrain)
			assert.Len(t, evalSet, tc.wantEval)
			assert.ElementsMatch(t, tc.records, append(append([]transcript.Record(nil), trainSet...), evalSet...))
		})
	}
}

func TestSplitDataset_IsDeterministic(t *testing.T) {
	t.Parallel()

	records := manifestRecords("wav_0", "wav_1", "wav_2", "wav_3", "wav_4", "wav_5", "wav_6", "wav_7")
	reversed := manifestRecords("wav_7", "wav_6", "wav_5", "wav_4", "wav_3", "wav_2", "wav_1", "wav_0")

	trainA, evalA := pipeline.SplitDataset(testVoiceID, records, 0.2)
	trainB, evalB := pipeline.SplitDataset(testVoiceID, reversed, 0.2)

	assert.Equal(t, trainA, trainB)
	assert.Equal(t, evalA, evalB)
}

func TestEnergyDescriptor(t *testing.T) {
	t.Parallel()

	vector := pipeline.EnergyDescriptor(audio.Tone(audio.DEFAULT_SAMPLE_RATE, 220, 1000, 0.5).Samples, 512)
	require.Len(t, vector, 512)

	var norm float64
	for _, value := range vector {
		norm += value * value
	}

	assert.InDelta(t, 1.0, norm, 1e-9)
	assert.Equal(t, make([]float64, 8), pipeline.EnergyDescriptor(nil, 8))
}

func TestSynthesize_BaseModel(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	result, err := f.stages.Synthesize(context.Background(), voiceJob(t, "job-tts", queue.StageSynthesize, pipeline.SynthesizeArgs{Text: "Hello world"}))
	require.NoError(t, err)
	assert.Equal(t, pipeline.SynthesizeResult{Filename: "output_job-tts.wav"}, result)

	data, err := f.artifacts.Download(context.Background(), "output_job-tts.wav")
	require.NoError(t, err)
	assert.Equal(t, "RIFF", string(data[:4]))
}

func TestSynthesize_TrainedVoice(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	preprocessed(t, f)

	_, err := f.stages.Train(context.Background(), voiceJob(t, "job-train", queue.StageTrain, pipeline.VoiceArgs{VoiceID: testVoiceID}))
	require.NoError(t, err)

	for _, jobID := range []string{"job-a", "job-b"} {
		result, synthErr := f.stages.Synthesize(context.Background(), voiceJob(t, jobID, queue.StageSynthesize, pipeline.SynthesizeArgs{VoiceID: testVoiceID, Text: "Preview text"}))
		require.NoError(t, synthErr)
		assert.Equal(t, pipeline.SynthesizeResult{Filename: "preview_" + testVoiceID + "_" + jobID + ".wav", VoiceID: testVoiceID}, result)
	}

	assert.Equal(t, 1, f.synthesizer.Loads())
	assert.Equal(t, 1, f.cache.Len())
}

func TestSynthesize_Errors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		args    pipeline.SynthesizeArgs
		mutate  func(f *fixture)
		wantErr error
	}{
		{name: "empty text", args: pipeline.SynthesizeArgs{Text: "  "}, wantErr: pipeline.ErrTextEmpty},
		{name: "untrained voice", args: pipeline.SynthesizeArgs{VoiceID: "ffff0000", Text: "hi"}, wantErr: profile.ErrNoCheckpoint},
		{
			name:    "load failure",
			args:    pipeline.SynthesizeArgs{Text: "hi"},
			mutate:  func(f *fixture) { f.synthesizer.LoadShouldFail = true },
			wantErr: core.ErrResourceLoad,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			if tc.mutate != nil {
				tc.mutate(f)
			}

			_, err := f.stages.Synthesize(context.Background(), voiceJob(t, "job-tts", queue.StageSynthesize, tc.args))
			require.ErrorIs(t, err, tc.wantErr)
			assert.Empty(t, f.artifacts.blobs)
		})
	}
}

func TestHandlers_CoverEveryQueuedStage(t *testing.T) {
	t.Parallel()

	handlers := newFixture(t).stages.Handlers()
	assert.Len(t, handlers, 3)

	for _, stage := range []queue.Stage{queue.StagePreprocess, queue.StageTrain, queue.StageSynthesize} {
		assert.Contains(t, handlers, stage)
	}
}

func TestIsPreviewOf(t *testing.T) {
	t.Parallel()

	name := pipeline.OutputName("v1", "0b0c6f0e-2f7a-4c3e-9d1b-6a7f2c1e9a11")

	assert.True(t, strings.HasPrefix(name, pipeline.PreviewPrefix("v1")))
	assert.True(t, pipeline.IsPreviewOf(name, "v1"))
	assert.False(t, pipeline.IsPreviewOf(pipeline.OutputName("v1_b", "job"), "v1"))
	assert.True(t, pipeline.IsPreviewOf(pipeline.OutputName("v1_b", "job"), "v1_b"))
	assert.False(t, pipeline.IsPreviewOf(pipeline.OutputName("", "job"), "v1"))
	assert.False(t, pipeline.IsPreviewOf("preview_v1_.wav", "v1"))
}
