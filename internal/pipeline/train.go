package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/book-expert/voice-clone-service/internal/audio"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/fsutil"
	"github.com/book-expert/voice-clone-service/internal/profile"
	"github.com/book-expert/voice-clone-service/internal/queue"
	"github.com/book-expert/voice-clone-service/internal/trainer"
	"github.com/book-expert/voice-clone-service/internal/transcript"
)

// Files written into every run directory before training starts.
const (
	TrainListFile = "train.csv"
	EvalListFile  = "eval.csv"
	EmbeddingFile = "speaker_embedding.json"
)

// ErrEmptyManifest indicates a voice whose manifest lists no chunks.
var ErrEmptyManifest = errors.New("manifest has no records")

// SpeakerEmbedding is the conditioning vector stored next to a run.
type SpeakerEmbedding struct {
	VoiceID string    `json:"voice_id"`
	Source  string    `json:"source"`
	Vector  []float64 `json:"vector"`
}

// Train fine-tunes the base model on the dataset Preprocess produced.
func (s *Stages) Train(ctx context.Context, job queue.Job) (any, error) {
	args, err := decodeVoiceArgs(job)
	if err != nil {
		return nil, err
	}

	voiceID := args.VoiceID
	started := s.deps.Clock()

	records, err := s.readManifest(voiceID)
	if err != nil {
		return nil, s.failVoice(ctx, voiceID, err)
	}

	s.deps.Log.Info("[%s] Train started (job %s) on %d chunks", voiceID, job.ID, len(records))
	s.markStage(ctx, voiceID, profile.StageTraining, "")

	runDir := s.layout.RunDir(voiceID, started)

	result, err := s.runTraining(ctx, voiceID, runDir, records)
	if err != nil {
		return nil, s.failVoice(ctx, voiceID, err)
	}

	s.markStage(ctx, voiceID, profile.StageTrained, filepath.Base(runDir))
	s.deps.Log.Info("[%s] Train finished in %s: %s",
		voiceID, fsutil.FormatDuration(s.deps.Clock().Sub(started).Seconds()), result.Checkpoint)

	return TrainResult{VoiceID: voiceID, RunDir: runDir, Checkpoint: result.Checkpoint}, nil
}

func (s *Stages) readManifest(voiceID string) ([]transcript.Record, error) {
	records, err := transcript.Read(s.layout.ManifestPath(voiceID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: voice '%s' has no manifest", core.ErrValidation, voiceID)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, err)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %w for voice '%s'", core.ErrValidation, ErrEmptyManifest, voiceID)
	}

	return records, nil
}

func (s *Stages) runTraining(
	ctx context.Context,
	voiceID string,
	runDir string,
	records []transcript.Record,
) (core.TrainResult, error) {
	err := fsutil.EnsureDir(runDir)
	if err != nil {
		return core.TrainResult{}, err
	}

	trainSet, evalSet := SplitDataset(voiceID, records, s.settings.EvalFraction)
	trainList := filepath.Join(runDir, TrainListFile)
	evalList := filepath.Join(runDir, EvalListFile)

	err = transcript.Write(trainList, trainSet)
	if err != nil {
		return core.TrainResult{}, err
	}

	err = transcript.Write(evalList, evalSet)
	if err != nil {
		return core.TrainResult{}, err
	}

	err = s.writeEmbedding(voiceID, runDir, records[0])
	if err != nil {
		return core.TrainResult{}, err
	}

	_, err = s.deps.Trainer.Train(ctx, core.TrainRequest{
		VoiceID:        voiceID,
		DatasetDir:     s.layout.ProcessedDir(voiceID),
		TrainList:      trainList,
		EvalList:       evalList,
		BaseCheckpoint: s.settings.BaseModel.Checkpoint,
		BaseConfig:     s.settings.BaseModel.ConfigPath,
		OutputDir:      runDir,
		Epochs:         s.settings.Epochs,
		BatchSize:      s.settings.BatchSize,
		EvalBatchSize:  s.settings.EvalBatchSize,
	})
	if err != nil {
		return core.TrainResult{}, fmt.Errorf("training run failed: %w", err)
	}

	// The run directory is the source of truth, whatever the trainer reported.
	result, err := trainer.FindCheckpoint(runDir)
	if err != nil {
		return core.TrainResult{}, fmt.Errorf("%w: %w", core.ErrExecution, err)
	}

	return result, nil
}

// SplitDataset deterministically divides records into train and eval sets.
// Records are ordered by name and shuffled with a generator seeded from the
// voice id, so the same dataset always splits the same way. A single record
// goes to train only; otherwise eval gets ceil(n*fraction) records, at least
// one, and train keeps at least one.
func SplitDataset(voiceID string, records []transcript.Record, fraction float64) ([]transcript.Record, []transcript.Record) {
	ordered := slices.Clone(records)
	slices.SortFunc(ordered, func(a, b transcript.Record) int {
		return strings.Compare(a.Name, b.Name)
	})

	count := len(ordered)
	if count < 2 {
		return ordered, nil
	}

	hash := fnv.New64a()
	_, _ = hash.Write([]byte(voiceID))
	seed := hash.Sum64()

	generator := rand.New(rand.NewPCG(seed, seed))
	generator.Shuffle(count, func(i, j int) {
		ordered[i], ordered[j] = ordered[j], ordered[i]
	})

	evalCount := int(math.Ceil(float64(count) * fraction))
	evalCount = min(max(evalCount, 1), count-1)

	return ordered[evalCount:], ordered[:evalCount]
}

func (s *Stages) writeEmbedding(voiceID, runDir string, first transcript.Record) error {
	source := filepath.Join(s.layout.WavsDir(voiceID), first.Name+".wav")

	clip, err := audio.DecodeFile(source)
	if err != nil {
		return fmt.Errorf("%w: reference chunk: %w", core.ErrValidation, err)
	}

	data, err := json.MarshalIndent(SpeakerEmbedding{
		VoiceID: voiceID,
		Source:  first.Name,
		Vector:  EnergyDescriptor(clip.Samples, s.settings.EmbeddingDim),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal speaker embedding: %w", err)
	}

	err = os.WriteFile(filepath.Join(runDir, EmbeddingFile), data, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write speaker embedding: %w", err)
	}

	return nil
}

// EnergyDescriptor splits samples into dim equal frames and returns the
// L2-normalized RMS energy of each. Frames past the end of short input stay
// zero.
func EnergyDescriptor(samples []float64, dim int) []float64 {
	vector := make([]float64, max(dim, 0))
	if dim <= 0 || len(samples) == 0 {
		return vector
	}

	frameLen := max(len(samples)/dim, 1)

	var norm float64

	for i := range vector {
		start := i * frameLen
		if start >= len(samples) {
			break
		}

		end := min(start+frameLen, len(samples))

		var sum float64
		for _, sample := range samples[start:end] {
			sum += sample * sample
		}

		vector[i] = math.Sqrt(sum / float64(end-start))
		norm += vector[i] * vector[i]
	}

	norm = math.Sqrt(norm)
	if norm == 0 {
		return vector
	}

	for i := range vector {
		vector[i] /= norm
	}

	return vector
}
