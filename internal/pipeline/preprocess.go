package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"unicode/utf8"

	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/fsutil"
	"github.com/book-expert/voice-clone-service/internal/profile"
	"github.com/book-expert/voice-clone-service/internal/queue"
	"github.com/book-expert/voice-clone-service/internal/transcript"
)

const chunkNameFormat = "wav_%d"

var (
	// ErrNoDecodableAudio indicates that none of the raw uploads could be read.
	ErrNoDecodableAudio = errors.New("no decodable audio samples")
	// ErrNoUsableChunks indicates that segmentation and filtering left nothing.
	ErrNoUsableChunks = errors.New("no usable audio chunks")
)

// Preprocess builds the training dataset of a voice and chains its Train job.
// Running it again for the same voice rebuilds the dataset from scratch.
func (s *Stages) Preprocess(ctx context.Context, job queue.Job) (any, error) {
	args, err := decodeVoiceArgs(job)
	if err != nil {
		return nil, err
	}

	voiceID := args.VoiceID
	started := s.deps.Clock()

	s.deps.Log.Info("[%s] Preprocess started (job %s)", voiceID, job.ID)
	s.markStage(ctx, voiceID, profile.StagePreprocessing, "")

	records, err := s.buildDataset(ctx, voiceID)
	if err != nil {
		return nil, s.failVoice(ctx, voiceID, err)
	}

	s.markStage(ctx, voiceID, profile.StagePreprocessed, fmt.Sprintf("%d chunks", len(records)))

	trainJobID, err := s.deps.Enqueuer.EnqueueChild(ctx, job.ID, queue.StageTrain, VoiceArgs{VoiceID: voiceID}, s.settings.TrainTimeout)
	if err != nil {
		return nil, s.failVoice(ctx, voiceID, fmt.Errorf("failed to enqueue train stage: %w", err))
	}

	s.deps.Log.Info("[%s] Preprocess finished in %s: %d chunks, train job %s",
		voiceID, fsutil.FormatDuration(s.deps.Clock().Sub(started).Seconds()), len(records), trainJobID)

	return PreprocessResult{VoiceID: voiceID, Chunks: len(records), TrainJobID: trainJobID}, nil
}

func (s *Stages) buildDataset(ctx context.Context, voiceID string) ([]transcript.Record, error) {
	clip, err := s.loadRaw(voiceID)
	if err != nil {
		return nil, err
	}

	segments, err := audio.Split(clip, s.settings.Segment)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, err)
	}

	wavsDir := s.layout.WavsDir(voiceID)
	manifestPath := s.layout.ManifestPath(voiceID)

	err = fsutil.ResetDir(wavsDir)
	if err != nil {
		return nil, err
	}

	err = os.Remove(manifestPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale manifest: %w", err)
	}

	var records []transcript.Record

	for _, segment := range segments {
		err = ctx.Err()
		if err != nil {
			return nil, err
		}

		if segment.DurationMS(clip.SampleRate) < s.settings.MinChunkMS {
			continue
		}

		record, keep, chunkErr := s.transcribeChunk(ctx, wavsDir, clip, segment)
		if chunkErr != nil {
			return nil, chunkErr
		}

		if keep {
			records = append(records, record)
		}
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %w from %d segments", core.ErrValidation, ErrNoUsableChunks, len(segments))
	}

	err = transcript.Write(manifestPath, records)
	if err != nil {
		return nil, err
	}

	return records, nil
}

// loadRaw decodes every raw upload in name order and joins them at the
// dataset sample rate. Files that cannot be decoded are skipped.
func (s *Stages) loadRaw(voiceID string) (audio.Clip, error) {
	rawDir := s.layout.RawDir(voiceID)

	entries, err := os.ReadDir(rawDir)
	if errors.Is(err, os.ErrNotExist) {
		return audio.Clip{}, fmt.Errorf("%w: raw samples of voice '%s'", core.ErrNotFound, voiceID)
	}

	if err != nil {
		return audio.Clip{}, fmt.Errorf("failed to list raw samples: %w", err)
	}

	names := make([]string, 0, len(entries))

	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}

	slices.Sort(names)

	var clips []audio.Clip

	for _, name := range names {
		if !fsutil.IsWAVFile(name) {
			s.deps.Log.Warn("[%s] Skipping %s: only WAV uploads can be decoded", voiceID, name)

			continue
		}

		clip, decodeErr := audio.DecodeFile(filepath.Join(rawDir, name))
		if decodeErr != nil {
			s.deps.Log.Warn("[%s] Skipping %s: %v", voiceID, name, decodeErr)

			continue
		}

		clips = append(clips, clip)
	}

	if len(clips) == 0 {
		return audio.Clip{}, fmt.Errorf("%w: %w among %d files", core.ErrValidation, ErrNoDecodableAudio, len(names))
	}

	joined, err := audio.Concat(s.settings.SampleRate, clips...)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("%w: %w", core.ErrValidation, err)
	}

	return joined, nil
}

// transcribeChunk writes one segment and transcribes it. keep is false when
// the transcript is too short; the chunk file is removed then.
func (s *Stages) transcribeChunk(
	ctx context.Context,
	wavsDir string,
	clip audio.Clip,
	segment audio.Segment,
) (transcript.Record, bool, error) {
	name := fmt.Sprintf(chunkNameFormat, segment.Index)
	path := filepath.Join(wavsDir, name+".wav")

	err := audio.WriteFile(path, clip.Slice(segment))
	if err != nil {
		return transcript.Record{}, false, err
	}

	text, err := s.deps.Recognizer.Transcribe(ctx, path)
	if err != nil {
		return transcript.Record{}, false, fmt.Errorf("failed to transcribe %s: %w", name, err)
	}

	text = transcript.Clean(text)
	if utf8.RuneCountInString(text) < s.settings.MinTextChars {
		removeErr := os.Remove(path)
		if removeErr != nil {
			s.deps.Log.Warn("Failed to remove dropped chunk %s: %v", path, removeErr)
		}

		return transcript.Record{}, false, nil
	}

	return transcript.Record{Name: name, Text: text, Normalized: s.deps.Normalizer.Normalize(text)}, true, nil
}
