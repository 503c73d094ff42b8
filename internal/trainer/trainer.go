// Package trainer runs fine-tuning of the base model on a prepared voice
// dataset.
package trainer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/book-expert/voice-clone-service/internal/core"
)

const (
	// CheckpointPattern matches the weights a finished run leaves behind.
	CheckpointPattern = "best_model*.pth"
	// ConfigFile is the model config a finished run leaves behind.
	ConfigFile = "config.json"
)

// ErrNoCheckpoint indicates a run directory without finished weights.
var ErrNoCheckpoint = errors.New("no finished checkpoint")

// FindCheckpoint returns the finished checkpoint inside runDir. When several
// best_model files exist the lexically last one is used.
func FindCheckpoint(runDir string) (core.TrainResult, error) {
	matches, err := filepath.Glob(filepath.Join(runDir, CheckpointPattern))
	if err != nil {
		return core.TrainResult{}, fmt.Errorf("failed to scan '%s': %w", runDir, err)
	}

	if len(matches) == 0 {
		return core.TrainResult{}, fmt.Errorf("%w in %s", ErrNoCheckpoint, runDir)
	}

	sort.Strings(matches)

	configPath := filepath.Join(runDir, ConfigFile)

	_, err = os.Stat(configPath)
	if err != nil {
		return core.TrainResult{}, fmt.Errorf("%w in %s: missing %s", ErrNoCheckpoint, runDir, ConfigFile)
	}

	return core.TrainResult{Checkpoint: matches[len(matches)-1], ConfigPath: configPath}, nil
}
