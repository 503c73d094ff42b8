// Package orchestrator is the caller-facing surface of the voice pipeline.
// Every operation returns as soon as the work is recorded; stage work runs
// on the workers.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/fsutil"
	"github.com/book-expert/voice-clone-service/internal/pipeline"
	"github.com/book-expert/voice-clone-service/internal/profile"
	"github.com/book-expert/voice-clone-service/internal/queue"
	"github.com/google/uuid"
)

const (
	voiceIDLength    = 8
	maxVoiceIDTries  = 5
	rawFilePerm      = 0o600
	rawFileOpenFlags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
)

var (
	// ErrNoAudioFiles indicates an upload without a single WAV file.
	ErrNoAudioFiles = errors.New("no WAV files in upload")
	// ErrInvalidVoiceID indicates a voice identifier that cannot name a profile.
	ErrInvalidVoiceID = errors.New("invalid voice_id")
	// ErrInvalidFilename indicates an artifact name that is not a plain file name.
	ErrInvalidFilename = errors.New("invalid artifact filename")
	// ErrVoiceIDExhausted indicates repeated collisions while minting a voice id.
	ErrVoiceIDExhausted = errors.New("could not mint an unused voice_id")
)

var voiceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Queue is the part of the task queue the orchestrator uses.
type Queue interface {
	Enqueue(ctx context.Context, stage queue.Stage, args any, timeout time.Duration) (string, error)
	Fetch(ctx context.Context, jobID string) (queue.Job, error)
}

// ArtifactStore holds the synthesized audio files.
type ArtifactStore interface {
	core.ObjectStore
	List(ctx context.Context, prefix string) ([]string, error)
}

// Options holds the stage deadlines of the jobs the orchestrator enqueues.
type Options struct {
	PreprocessTimeout time.Duration
	SynthesizeTimeout time.Duration
}

// Upload is one file of an upload request. The caller owns Content.
type Upload struct {
	Filename string
	Content  io.Reader
}

// UploadResult is returned by UploadSamples.
type UploadResult struct {
	VoiceID   string `json:"voice_id"`
	JobID     string `json:"job_id"`
	FileCount int    `json:"file_count"`
}

// JobView is a job as reported to pollers.
type JobView struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Service implements the orchestrator operations.
type Service struct {
	queue     Queue
	registry  *profile.Registry
	artifacts ArtifactStore
	opts      Options
	log       *logger.Logger
	mintID    func() string
}

// New creates the orchestrator service.
func New(q Queue, registry *profile.Registry, artifacts ArtifactStore, opts Options, log *logger.Logger) *Service {
	return &Service{
		queue:     q,
		registry:  registry,
		artifacts: artifacts,
		opts:      opts,
		log:       log,
		mintID: func() string {
			return uuid.NewString()[:voiceIDLength]
		},
	}
}

// SubmitSynthesis enqueues a base model rendering of text.
func (s *Service) SubmitSynthesis(ctx context.Context, text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: %w", core.ErrValidation, pipeline.ErrTextEmpty)
	}

	jobID, err := s.queue.Enqueue(ctx, queue.StageSynthesize, pipeline.SynthesizeArgs{Text: text}, s.opts.SynthesizeTimeout)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue synthesis: %w", err)
	}

	s.log.Info("[%s] Base synthesis queued (%d chars)", jobID, len(text))

	return jobID, nil
}

// PollJob reports the state of a job. Unknown ids yield core.ErrNotFound.
func (s *Service) PollJob(ctx context.Context, jobID string) (JobView, error) {
	job, err := s.queue.Fetch(ctx, jobID)
	if err != nil {
		return JobView{}, err
	}

	view := JobView{Status: job.Status.Public()}

	switch job.Status {
	case queue.StatusFinished:
		view.Result = job.Result
	case queue.StatusFailed:
		view.Error = job.Error
	}

	return view, nil
}

// UploadSamples stores the audio files of a new voice and queues its
// Preprocess job. Only WAV files are kept; anything else is skipped.
func (s *Service) UploadSamples(ctx context.Context, uploads []Upload) (UploadResult, error) {
	voiceID, err := s.newVoiceID(ctx)
	if err != nil {
		return UploadResult{}, err
	}

	rawDir := s.registry.Layout().RawDir(voiceID)

	err = fsutil.EnsureDir(rawDir)
	if err != nil {
		return UploadResult{}, err
	}

	accepted, err := s.storeUploads(voiceID, rawDir, uploads)
	if err == nil && accepted == 0 {
		err = fmt.Errorf("%w: %w", core.ErrValidation, ErrNoAudioFiles)
	}

	if err != nil {
		s.discardUpload(voiceID, rawDir)

		return UploadResult{}, err
	}

	err = s.registry.Create(ctx, voiceID)
	if err != nil {
		s.discardUpload(voiceID, rawDir)

		return UploadResult{}, err
	}

	// Recorded before the enqueue so a fast worker can only move it forward.
	err = s.registry.MarkStage(ctx, voiceID, profile.StagePreprocessing, "queued")
	if err != nil {
		_, deleteErr := s.registry.Delete(context.WithoutCancel(ctx), voiceID)
		if deleteErr != nil {
			s.log.Warn("[%s] Failed to drop unqueued profile: %v", voiceID, deleteErr)
		}

		s.discardUpload(voiceID, rawDir)

		return UploadResult{}, err
	}

	jobID, err := s.queue.Enqueue(ctx, queue.StagePreprocess, pipeline.VoiceArgs{VoiceID: voiceID}, s.opts.PreprocessTimeout)
	if err != nil {
		markErr := s.registry.MarkStage(context.WithoutCancel(ctx), voiceID, profile.StageFailed, err.Error())
		if markErr != nil {
			s.log.Warn("[%s] Failed to record enqueue failure: %v", voiceID, markErr)
		}

		return UploadResult{}, fmt.Errorf("failed to enqueue preprocessing: %w", err)
	}

	s.log.Info("[%s] Accepted %d of %d files, preprocess job %s", voiceID, accepted, len(uploads), jobID)

	return UploadResult{VoiceID: voiceID, JobID: jobID, FileCount: accepted}, nil
}

// RequestPreview queues a rendering of text in a trained voice. Unknown
// voices yield core.ErrNotFound and untrained ones core.ErrValidation before
// anything is queued.
func (s *Service) RequestPreview(ctx context.Context, voiceID, text string) (string, error) {
	err := validateVoiceID(voiceID)
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: %w", core.ErrValidation, pipeline.ErrTextEmpty)
	}

	summary, err := s.registry.Lookup(ctx, voiceID)
	if err != nil {
		return "", err
	}

	if summary.Status != profile.StatusTrained {
		return "", fmt.Errorf("%w: %w: voice '%s' is %s", core.ErrValidation, profile.ErrNoCheckpoint, voiceID, summary.Status)
	}

	jobID, err := s.queue.Enqueue(ctx, queue.StageSynthesize,
		pipeline.SynthesizeArgs{VoiceID: voiceID, Text: text}, s.opts.SynthesizeTimeout)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue preview: %w", err)
	}

	s.log.Info("[%s] Preview of %s queued with %s", jobID, voiceID, filepath.Base(summary.Checkpoint.RunDir))

	return jobID, nil
}

// ListProfiles returns every known voice in id order.
func (s *Service) ListProfiles(ctx context.Context) ([]profile.Summary, error) {
	return s.registry.List(ctx)
}

// DeleteProfile removes all data of a voice and reports whether any existed.
// Preview artifacts of the voice are purged afterwards, also when no profile
// data was left; a purge failure is logged and does not fail the deletion.
func (s *Service) DeleteProfile(ctx context.Context, voiceID string) (bool, error) {
	err := validateVoiceID(voiceID)
	if err != nil {
		return false, err
	}

	existed, err := s.registry.Delete(ctx, voiceID)
	if err != nil {
		return existed, err
	}

	purged, err := s.purgePreviews(ctx, voiceID)
	if err != nil {
		s.log.Warn("[%s] Failed to purge preview artifacts: %v", voiceID, err)
	}

	if purged > 0 {
		s.log.Info("[%s] Purged %d preview artifacts", voiceID, purged)
	}

	return existed, nil
}

func (s *Service) purgePreviews(ctx context.Context, voiceID string) (int, error) {
	names, err := s.artifacts.List(ctx, pipeline.PreviewPrefix(voiceID))
	if err != nil {
		return 0, err
	}

	purged := 0

	for _, name := range names {
		if !pipeline.IsPreviewOf(name, voiceID) {
			continue
		}

		err = s.artifacts.Delete(ctx, name)
		if err != nil {
			return purged, err
		}

		purged++
	}

	return purged, nil
}

// Artifact returns a synthesized audio file by the name a finished job
// reported.
func (s *Service) Artifact(ctx context.Context, filename string) ([]byte, error) {
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return nil, fmt.Errorf("%w: %w '%s'", core.ErrValidation, ErrInvalidFilename, filename)
	}

	return s.artifacts.Download(ctx, filename)
}

func (s *Service) newVoiceID(ctx context.Context) (string, error) {
	for range maxVoiceIDTries {
		voiceID := s.mintID()

		_, err := s.registry.Lookup(ctx, voiceID)
		if errors.Is(err, core.ErrNotFound) && !fsutil.DirExists(s.registry.Layout().RawDir(voiceID)) {
			return voiceID, nil
		}

		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return "", err
		}

		s.log.Warn("Voice id %s already in use, minting another", voiceID)
	}

	return "", ErrVoiceIDExhausted
}

// discardUpload removes the raw files of an upload that never got a job.
func (s *Service) discardUpload(voiceID, rawDir string) {
	_, err := fsutil.RemoveDir(rawDir)
	if err != nil {
		s.log.Warn("[%s] Failed to clean up rejected upload: %v", voiceID, err)
	}
}

func (s *Service) storeUploads(voiceID, rawDir string, uploads []Upload) (int, error) {
	accepted := 0

	for i, upload := range uploads {
		name := fsutil.SanitizeFilename(filepath.Base(upload.Filename))
		if name == "" || !fsutil.IsWAVFile(name) {
			s.log.Warn("[%s] Skipping upload '%s': not a WAV file", voiceID, upload.Filename)

			continue
		}

		path := filepath.Join(rawDir, name)
		if _, statErr := os.Stat(path); statErr == nil {
			path = filepath.Join(rawDir, fmt.Sprintf("%03d_%s", i, name))
		}

		err := writeRaw(path, upload.Content)
		if err != nil {
			return accepted, err
		}

		accepted++
	}

	return accepted, nil
}

func writeRaw(path string, content io.Reader) error {
	file, err := os.OpenFile(path, rawFileOpenFlags, rawFilePerm)
	if err != nil {
		return fmt.Errorf("failed to create raw sample '%s': %w", path, err)
	}

	_, err = io.Copy(file, content)
	closeErr := file.Close()

	if err != nil {
		return fmt.Errorf("failed to store raw sample '%s': %w", path, err)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close raw sample '%s': %w", path, closeErr)
	}

	return nil
}

func validateVoiceID(voiceID string) error {
	if !voiceIDPattern.MatchString(voiceID) {
		return fmt.Errorf("%w: %w '%s'", core.ErrValidation, ErrInvalidVoiceID, voiceID)
	}

	return nil
}
