// Package core defines the core business logic and interfaces for the voice clone service.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// Recognizer turns a mono WAV file into its transcript.
type Recognizer interface {
	Transcribe(ctx context.Context, wavPath string) (string, error)
}

// ModelSpec identifies the weights a synthesis resource is built from.
// An empty Checkpoint selects the shared base model.
type ModelSpec struct {
	VoiceID    string
	Checkpoint string
	ConfigPath string
}

// Voice is a loaded synthesis resource. Implementations hold whatever the
// backend needs (a process handle, a remote model id) and must be safe to
// reuse across tasks in one worker.
type Voice interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Synthesizer loads synthesis resources. Load is the slow, memory-heavy step
// the model cache guards.
type Synthesizer interface {
	Load(ctx context.Context, spec ModelSpec) (Voice, error)
}

// TrainRequest holds the inputs for a single fine-tuning run.
type TrainRequest struct {
	VoiceID        string
	DatasetDir     string
	TrainList      string
	EvalList       string
	BaseCheckpoint string
	BaseConfig     string
	OutputDir      string
	Epochs         int
	BatchSize      int
	EvalBatchSize  int
}

// TrainResult points at the checkpoint a fine-tuning run produced.
type TrainResult struct {
	Checkpoint string
	ConfigPath string
}

// Trainer runs the fine-tuning procedure.
type Trainer interface {
	Train(ctx context.Context, req TrainRequest) (TrainResult, error)
}
