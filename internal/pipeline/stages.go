// Package pipeline implements the queued stages of the voice pipeline:
// Preprocess turns raw uploads into a transcribed dataset and chains Train,
// Train fine-tunes a voice model on that dataset, Synthesize renders text
// with the base model or a trained voice.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/config"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/modelcache"
	"github.com/book-expert/voice-clone-service/internal/profile"
	"github.com/book-expert/voice-clone-service/internal/queue"
	"github.com/book-expert/voice-clone-service/internal/transcript"
)

// ErrVoiceIDEmpty indicates stage arguments without a voice.
var ErrVoiceIDEmpty = errors.New("voice_id cannot be empty")

// Handler runs one stage for a claimed job and returns its result payload.
type Handler func(ctx context.Context, job queue.Job) (any, error)

// Enqueuer chains a follow-up stage onto a running job.
type Enqueuer interface {
	EnqueueChild(ctx context.Context, parentID string, stage queue.Stage, args any, timeout time.Duration) (string, error)
}

// VoiceArgs are the arguments of Preprocess and Train.
type VoiceArgs struct {
	VoiceID string `json:"voice_id"`
}

// SynthesizeArgs are the arguments of Synthesize. An empty VoiceID selects
// the base model.
type SynthesizeArgs struct {
	VoiceID string `json:"voice_id,omitempty"`
	Text    string `json:"text"`
}

// PreprocessResult is the payload of a finished Preprocess job.
type PreprocessResult struct {
	VoiceID    string `json:"voice_id"`
	Chunks     int    `json:"chunks"`
	TrainJobID string `json:"train_job_id"`
}

// TrainResult is the payload of a finished Train job.
type TrainResult struct {
	VoiceID    string `json:"voice_id"`
	RunDir     string `json:"run_dir"`
	Checkpoint string `json:"checkpoint"`
}

// SynthesizeResult is the payload of a finished Synthesize job.
type SynthesizeResult struct {
	Filename string `json:"filename"`
	VoiceID  string `json:"voice_id,omitempty"`
}

// Settings holds the tunables of the stages.
type Settings struct {
	SampleRate    int
	Segment       audio.SegmentOptions
	MinChunkMS    int
	MinTextChars  int
	TrainTimeout  time.Duration
	BaseModel     core.ModelSpec
	Epochs        int
	BatchSize     int
	EvalBatchSize int
	EvalFraction  float64
	EmbeddingDim  int
}

// SettingsFromConfig maps the service configuration onto stage settings.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		SampleRate: cfg.Audio.SampleRate,
		Segment: audio.SegmentOptions{
			MinSilenceMS:    cfg.Audio.MinSilenceMS,
			SilenceThreshDB: cfg.Audio.SilenceThreshDB,
			KeepSilenceMS:   cfg.Audio.KeepSilenceMS,
		},
		MinChunkMS:   cfg.Audio.MinChunkMS,
		MinTextChars: cfg.Audio.MinTextChars,
		TrainTimeout: cfg.Timeouts.TrainTimeout(),
		BaseModel: core.ModelSpec{
			Checkpoint: cfg.Train.BaseCheckpoint,
			ConfigPath: cfg.Train.BaseConfig,
		},
		Epochs:        cfg.Train.Epochs,
		BatchSize:     cfg.Train.BatchSize,
		EvalBatchSize: cfg.Train.EvalBatchSize,
		EvalFraction:  cfg.Train.EvalFraction,
		EmbeddingDim:  cfg.Train.EmbeddingDim,
	}
}

// Deps are the collaborators the stages drive.
type Deps struct {
	Registry   *profile.Registry
	Recognizer core.Recognizer
	Trainer    core.Trainer
	Cache      *modelcache.Cache
	Artifacts  core.ObjectStore
	Enqueuer   Enqueuer
	Normalizer *transcript.Normalizer
	Log        *logger.Logger
	Clock      func() time.Time
}

// Stages holds the stage handlers of one worker process.
type Stages struct {
	deps     Deps
	settings Settings
	layout   profile.Layout
}

// New wires the stages. A nil Normalizer or Clock gets the default.
func New(deps Deps, settings Settings) *Stages {
	if deps.Normalizer == nil {
		deps.Normalizer = transcript.NewNormalizer()
	}

	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	return &Stages{deps: deps, settings: settings, layout: deps.Registry.Layout()}
}

// Handlers maps each queued stage to its handler.
func (s *Stages) Handlers() map[queue.Stage]Handler {
	return map[queue.Stage]Handler{
		queue.StagePreprocess: s.Preprocess,
		queue.StageTrain:      s.Train,
		queue.StageSynthesize: s.Synthesize,
	}
}

func decodeVoiceArgs(job queue.Job) (VoiceArgs, error) {
	var args VoiceArgs

	err := job.DecodeArgs(&args)
	if err != nil {
		return VoiceArgs{}, fmt.Errorf("%w: malformed %s args: %w", core.ErrValidation, job.Stage, err)
	}

	if args.VoiceID == "" {
		return VoiceArgs{}, fmt.Errorf("%w: %w", core.ErrValidation, ErrVoiceIDEmpty)
	}

	return args, nil
}

// markStage records progress without letting a bookkeeping failure fail
// the stage.
func (s *Stages) markStage(ctx context.Context, voiceID string, stage profile.Stage, detail string) {
	err := s.deps.Registry.MarkStage(context.WithoutCancel(ctx), voiceID, stage, detail)
	if err != nil {
		s.deps.Log.Warn("[%s] Failed to record stage %s: %v", voiceID, stage, err)
	}
}

// failVoice records the failure on the profile and returns err unchanged.
func (s *Stages) failVoice(ctx context.Context, voiceID string, err error) error {
	s.markStage(ctx, voiceID, profile.StageFailed, err.Error())

	return err
}
