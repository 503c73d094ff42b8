package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/fsutil"
	"github.com/book-expert/voice-clone-service/internal/modelcache"
	"github.com/book-expert/voice-clone-service/internal/profile"
	"github.com/book-expert/voice-clone-service/internal/queue"
)

// ErrTextEmpty indicates a synthesis request without text.
var ErrTextEmpty = errors.New("text cannot be empty")

// Artifact names written by Synthesize.
const (
	baseOutputFormat    = "output_%s.wav"
	previewOutputFormat = "preview_%s_%s.wav"
	previewPrefixFormat = "preview_%s_"
	wavExtension        = ".wav"
)

// OutputName returns the artifact name of a synthesis job. An empty voiceID
// names a base model rendering.
func OutputName(voiceID, jobID string) string {
	if voiceID == "" {
		return fmt.Sprintf(baseOutputFormat, jobID)
	}

	return fmt.Sprintf(previewOutputFormat, voiceID, jobID)
}

// PreviewPrefix returns the common prefix of the preview artifacts of a voice.
// Names with the prefix may still belong to a voice whose id extends it; use
// IsPreviewOf to decide.
func PreviewPrefix(voiceID string) string {
	return fmt.Sprintf(previewPrefixFormat, voiceID)
}

// IsPreviewOf reports whether name is a preview artifact of voiceID. Job ids
// never contain an underscore, so the remainder after the prefix must not.
func IsPreviewOf(name, voiceID string) bool {
	jobPart, ok := strings.CutPrefix(name, PreviewPrefix(voiceID))
	if !ok {
		return false
	}

	jobPart, ok = strings.CutSuffix(jobPart, wavExtension)

	return ok && jobPart != "" && !strings.Contains(jobPart, "_")
}

// Synthesize renders text with the base model or the latest trained
// checkpoint of a voice and stores the WAV as an artifact.
func (s *Stages) Synthesize(ctx context.Context, job queue.Job) (any, error) {
	var args SynthesizeArgs

	err := job.DecodeArgs(&args)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed %s args: %w", core.ErrValidation, job.Stage, err)
	}

	if strings.TrimSpace(args.Text) == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, ErrTextEmpty)
	}

	key := modelcache.BaseKey()

	if args.VoiceID != "" {
		checkpoint, checkpointErr := s.deps.Registry.LatestCheckpoint(args.VoiceID)
		if checkpointErr != nil {
			if errors.Is(checkpointErr, profile.ErrNoCheckpoint) {
				return nil, fmt.Errorf("%w: %w", core.ErrValidation, checkpointErr)
			}

			return nil, checkpointErr
		}

		key = modelcache.VoiceKey(args.VoiceID, checkpoint.Path, checkpoint.ConfigPath)
	}

	s.deps.Log.Info("[%s] Synthesize started with %s (%d chars)", job.ID, key, len(args.Text))

	voice, err := s.deps.Cache.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	wav, err := voice.Synthesize(ctx, args.Text)
	if err != nil {
		return nil, fmt.Errorf("failed to synthesize speech: %w", err)
	}

	filename := OutputName(args.VoiceID, job.ID)

	err = s.deps.Artifacts.Upload(ctx, filename, wav)
	if err != nil {
		return nil, fmt.Errorf("failed to store artifact %s: %w", filename, err)
	}

	s.deps.Log.Info("[%s] Synthesize finished: %s (%s)", job.ID, filename, fsutil.FormatFileSize(int64(len(wav))))

	return SynthesizeResult{Filename: filename, VoiceID: args.VoiceID}, nil
}
