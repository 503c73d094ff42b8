package trainer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/command"
	"github.com/book-expert/voice-clone-service/internal/core"
)

// ExecTrainer runs an external fine-tuning command. The command receives
// the request as flags and may print {"checkpoint": ..., "config_path": ...}
// on its last stdout line; otherwise the run directory is scanned.
type ExecTrainer struct {
	cmd command.Command
	log *logger.Logger
}

type execResult struct {
	Checkpoint string `json:"checkpoint"`
	ConfigPath string `json:"config_path"`
}

// NewExecTrainer parses the configured command line.
func NewExecTrainer(commandLine string, log *logger.Logger) (*ExecTrainer, error) {
	cmd, err := command.Parse(commandLine)
	if err != nil {
		return nil, fmt.Errorf("failed to configure training command: %w", err)
	}

	return &ExecTrainer{cmd: cmd, log: log}, nil
}

// Train runs the command to completion.
func (t *ExecTrainer) Train(ctx context.Context, req core.TrainRequest) (core.TrainResult, error) {
	t.log.Info("[%s] Running %s into %s", req.VoiceID, t.cmd.Name(), req.OutputDir)

	out, err := t.cmd.Run(ctx, nil,
		"--dataset", req.DatasetDir,
		"--train-list", req.TrainList,
		"--eval-list", req.EvalList,
		"--base-checkpoint", req.BaseCheckpoint,
		"--base-config", req.BaseConfig,
		"--output", req.OutputDir,
		"--epochs", strconv.Itoa(req.Epochs),
		"--batch-size", strconv.Itoa(req.BatchSize),
		"--eval-batch-size", strconv.Itoa(req.EvalBatchSize),
	)
	if err != nil {
		return core.TrainResult{}, err
	}

	result, ok := parseResult(out)
	if ok {
		return result, nil
	}

	result, err = FindCheckpoint(req.OutputDir)
	if err != nil {
		return core.TrainResult{}, fmt.Errorf("%w: %w", core.ErrExecution, err)
	}

	return result, nil
}

func parseResult(out []byte) (core.TrainResult, bool) {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	last := lines[len(lines)-1]

	var result execResult

	err := json.Unmarshal(last, &result)
	if err != nil || result.Checkpoint == "" {
		return core.TrainResult{}, false
	}

	return core.TrainResult{Checkpoint: result.Checkpoint, ConfigPath: result.ConfigPath}, true
}
