// Package profile tracks voice profiles: the per-voice directory layout,
// the recorded lifecycle stage of each voice and the status derived from
// both.
//
// The filesystem decides whether a voice is trained. The SQLite record
// supplies the in-flight stage, failures and pending deletions; voices
// without a record are reported from the filesystem alone.
package profile

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/fsutil"
	"github.com/book-expert/voice-clone-service/internal/trainer"
)

// Status is the derived readiness of a voice.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusTrained    Status = "trained"
	StatusFailed     Status = "failed"
)

// ErrNoCheckpoint indicates a voice without a finished training run.
var ErrNoCheckpoint = errors.New("voice has no trained checkpoint")

// Checkpoint is a finished training run of a voice.
type Checkpoint struct {
	RunDir     string    `json:"run_dir"`
	Path       string    `json:"path"`
	ConfigPath string    `json:"config_path"`
	FinishedAt time.Time `json:"finished_at"`
}

// Summary describes one voice as listed to callers.
type Summary struct {
	VoiceID    string      `json:"voice_id"`
	Status     Status      `json:"status"`
	Stage      Stage       `json:"stage,omitempty"`
	Detail     string      `json:"detail,omitempty"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
	UpdatedAt  *time.Time  `json:"updated_at,omitempty"`
}

// Registry answers profile queries and performs deletions.
type Registry struct {
	layout Layout
	store  *Store
	log    *logger.Logger
}

// NewRegistry creates a registry over layout and store.
func NewRegistry(layout Layout, store *Store, log *logger.Logger) *Registry {
	return &Registry{layout: layout, store: store, log: log}
}

// Layout returns the directory layout of the registry.
func (r *Registry) Layout() Layout {
	return r.layout
}

// Create records a freshly uploaded voice.
func (r *Registry) Create(ctx context.Context, voiceID string) error {
	return r.store.Create(ctx, voiceID)
}

// MarkStage records that voiceID reached stage. An in-flight deletion or a
// missing record is logged and otherwise ignored.
func (r *Registry) MarkStage(ctx context.Context, voiceID string, stage Stage, detail string) error {
	updated, err := r.store.Advance(ctx, voiceID, stage, detail)
	if err != nil {
		return err
	}

	if !updated {
		r.log.Warn("[%s] No live profile record to move to %s", voiceID, stage)
	}

	return nil
}

// Profiles yields the summary of every known voice in id order. Each call
// re-reads the data directory and the records, so the sequence can be
// ranged over repeatedly.
func (r *Registry) Profiles(ctx context.Context) iter.Seq2[Summary, error] {
	return func(yield func(Summary, error) bool) {
		records, err := r.store.All(ctx)
		if err != nil {
			yield(Summary{}, err)

			return
		}

		voiceIDs, err := r.voiceIDs(records)
		if err != nil {
			yield(Summary{}, err)

			return
		}

		for _, voiceID := range voiceIDs {
			err = ctx.Err()
			if err != nil {
				yield(Summary{}, err)

				return
			}

			record, hasRecord := records[voiceID]
			if hasRecord && record.Stage == StageDeleting {
				continue
			}

			summary, summaryErr := r.summarize(voiceID, record, hasRecord)
			if !yield(summary, summaryErr) {
				return
			}
		}
	}
}

// List collects Profiles into a slice.
func (r *Registry) List(ctx context.Context) ([]Summary, error) {
	summaries := make([]Summary, 0)

	for summary, err := range r.Profiles(ctx) {
		if err != nil {
			return nil, err
		}

		summaries = append(summaries, summary)
	}

	return summaries, nil
}

// Lookup returns the summary of voiceID, or core.ErrNotFound when neither a
// directory nor a live record exists for it.
func (r *Registry) Lookup(ctx context.Context, voiceID string) (Summary, error) {
	record, hasRecord, err := r.store.Get(ctx, voiceID)
	if err != nil {
		return Summary{}, err
	}

	if hasRecord && record.Stage == StageDeleting {
		return Summary{}, fmt.Errorf("%w: voice '%s' is being deleted", core.ErrNotFound, voiceID)
	}

	if !hasRecord && !r.hasDirs(voiceID) {
		return Summary{}, fmt.Errorf("%w: voice '%s'", core.ErrNotFound, voiceID)
	}

	return r.summarize(voiceID, record, hasRecord)
}

// LatestCheckpoint returns the most recently finished training run of
// voiceID: the run whose checkpoint was written last, ties broken by run
// directory name.
func (r *Registry) LatestCheckpoint(voiceID string) (Checkpoint, error) {
	entries, err := os.ReadDir(r.layout.ModelsDir(voiceID))
	if errors.Is(err, os.ErrNotExist) {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrNoCheckpoint, voiceID)
	}

	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to read model runs of '%s': %w", voiceID, err)
	}

	var candidates []Checkpoint

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		runDir := filepath.Join(r.layout.ModelsDir(voiceID), entry.Name())

		result, findErr := trainer.FindCheckpoint(runDir)
		if findErr != nil {
			continue
		}

		info, statErr := os.Stat(result.Checkpoint)
		if statErr != nil {
			continue
		}

		candidates = append(candidates, Checkpoint{
			RunDir:     runDir,
			Path:       result.Checkpoint,
			ConfigPath: result.ConfigPath,
			FinishedAt: info.ModTime().UTC(),
		})
	}

	if len(candidates) == 0 {
		return Checkpoint{}, fmt.Errorf("%w: %s", ErrNoCheckpoint, voiceID)
	}

	latest := slices.MaxFunc(candidates, func(a, b Checkpoint) int {
		return cmp.Or(a.FinishedAt.Compare(b.FinishedAt), cmp.Compare(a.RunDir, b.RunDir))
	})

	return latest, nil
}

// Delete removes every directory of voiceID and its record, and reports
// whether anything existed. The record is marked deleting first, so a crash
// part way through leaves a marker the Sweeper completes later.
func (r *Registry) Delete(ctx context.Context, voiceID string) (bool, error) {
	_, hasRecord, err := r.store.Get(ctx, voiceID)
	if err != nil {
		return false, err
	}

	if !hasRecord && !r.hasDirs(voiceID) {
		return false, nil
	}

	err = r.store.MarkDeleting(ctx, voiceID)
	if err != nil {
		return false, err
	}

	err = r.finishDelete(ctx, voiceID)
	if err != nil {
		return true, err
	}

	return true, nil
}

func (r *Registry) finishDelete(ctx context.Context, voiceID string) error {
	for _, dir := range r.layout.VoiceDirs(voiceID) {
		existed, err := fsutil.RemoveDir(dir)
		if err != nil {
			return err
		}

		if !existed {
			r.log.Info("[%s] Nothing to remove at %s", voiceID, dir)
		}
	}

	err := r.store.Remove(ctx, voiceID)
	if err != nil {
		return err
	}

	r.log.Info("[%s] Profile deleted", voiceID)

	return nil
}

func (r *Registry) summarize(voiceID string, record Record, hasRecord bool) (Summary, error) {
	summary := Summary{VoiceID: voiceID, Status: StatusProcessing}

	if hasRecord {
		summary.Stage = record.Stage
		summary.Detail = record.Detail

		if !record.UpdatedAt.IsZero() {
			updated := record.UpdatedAt
			summary.UpdatedAt = &updated
		}
	}

	checkpoint, err := r.LatestCheckpoint(voiceID)

	switch {
	case err == nil:
		summary.Status = StatusTrained
		summary.Checkpoint = &checkpoint
	case !errors.Is(err, ErrNoCheckpoint):
		return Summary{}, err
	case hasRecord && record.Stage == StageFailed:
		summary.Status = StatusFailed
	}

	return summary, nil
}

// voiceIDs is the sorted union of processed directories and live records.
func (r *Registry) voiceIDs(records map[string]Record) ([]string, error) {
	seen := make(map[string]struct{}, len(records))

	entries, err := os.ReadDir(r.layout.ProcessedRoot())
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read processed voices: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			seen[entry.Name()] = struct{}{}
		}
	}

	for voiceID := range records {
		seen[voiceID] = struct{}{}
	}

	voiceIDs := make([]string, 0, len(seen))
	for voiceID := range seen {
		voiceIDs = append(voiceIDs, voiceID)
	}

	slices.Sort(voiceIDs)

	return voiceIDs, nil
}

func (r *Registry) hasDirs(voiceID string) bool {
	for _, dir := range r.layout.VoiceDirs(voiceID) {
		if fsutil.DirExists(dir) {
			return true
		}
	}

	return false
}
