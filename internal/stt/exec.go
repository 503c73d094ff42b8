package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/book-expert/voice-clone-service/internal/command"
	"github.com/book-expert/voice-clone-service/internal/core"
)

// ExecRecognizer runs an external transcription command. The command gets
// --audio <path>, plus --model and --language when set, and must print
// {"text": "..."} on stdout.
type ExecRecognizer struct {
	cmd      command.Command
	model    string
	language string
}

type execResult struct {
	Text string `json:"text"`
}

// NewExecRecognizer parses the configured command line.
func NewExecRecognizer(commandLine, model, language string) (*ExecRecognizer, error) {
	cmd, err := command.Parse(commandLine)
	if err != nil {
		return nil, fmt.Errorf("failed to configure stt command: %w", err)
	}

	return &ExecRecognizer{cmd: cmd, model: model, language: language}, nil
}

// Transcribe runs the command for wavPath.
func (r *ExecRecognizer) Transcribe(ctx context.Context, wavPath string) (string, error) {
	args := []string{"--audio", wavPath}

	if r.model != "" {
		args = append(args, "--model", r.model)
	}

	if r.language != "" {
		args = append(args, "--language", r.language)
	}

	out, err := r.cmd.Run(ctx, nil, args...)
	if err != nil {
		return "", err
	}

	var resp execResult

	err = json.Unmarshal(out, &resp)
	if err != nil {
		return "", fmt.Errorf("%w: failed to decode stt response: %w", core.ErrExecution, err)
	}

	return strings.TrimSpace(resp.Text), nil
}
