package trainer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/book-expert/voice-clone-service/internal/core"
)

// ErrMockTrain is returned by a MockTrainer told to fail.
var ErrMockTrain = errors.New("mock training failure")

// MockTrainer writes a placeholder checkpoint and config into the run
// directory. With SkipCheckpoint it exits successfully without writing
// weights, like a trainer killed before saving.
type MockTrainer struct {
	ShouldFail     bool
	SkipCheckpoint bool

	mu       sync.Mutex
	requests []core.TrainRequest
}

// Train records req and writes the run outputs.
func (m *MockTrainer) Train(ctx context.Context, req core.TrainRequest) (core.TrainResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	err := ctx.Err()
	if err != nil {
		return core.TrainResult{}, err
	}

	if m.ShouldFail {
		return core.TrainResult{}, ErrMockTrain
	}

	err = os.MkdirAll(req.OutputDir, 0o750)
	if err != nil {
		return core.TrainResult{}, fmt.Errorf("failed to create run dir: %w", err)
	}

	configPath := filepath.Join(req.OutputDir, ConfigFile)

	err = os.WriteFile(configPath, []byte(`{"model":"mock"}`), 0o600)
	if err != nil {
		return core.TrainResult{}, fmt.Errorf("failed to write config: %w", err)
	}

	if m.SkipCheckpoint {
		return core.TrainResult{}, nil
	}

	checkpoint := filepath.Join(req.OutputDir, fmt.Sprintf("best_model_%d.pth", req.Epochs))

	err = os.WriteFile(checkpoint, []byte("mock weights"), 0o600)
	if err != nil {
		return core.TrainResult{}, fmt.Errorf("failed to write checkpoint: %w", err)
	}

	return core.TrainResult{Checkpoint: checkpoint, ConfigPath: configPath}, nil
}

// Requests returns every request seen so far.
func (m *MockTrainer) Requests() []core.TrainRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]core.TrainRequest(nil), m.requests...)
}
