package synth

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/command"
	"github.com/book-expert/voice-clone-service/internal/core"
)

// ErrModelFileMissing indicates a checkpoint or config path that does not exist.
var ErrModelFileMissing = errors.New("model file missing")

// ExecSynthesizer runs an external command once per utterance. The command
// gets --checkpoint, --config, --text and --output <wav path> and must write
// a WAV file to the output path.
type ExecSynthesizer struct {
	cmd  command.Command
	base core.ModelSpec
	log  *logger.Logger
}

// NewExecSynthesizer parses the configured command line.
func NewExecSynthesizer(commandLine string, base core.ModelSpec, log *logger.Logger) (*ExecSynthesizer, error) {
	cmd, err := command.Parse(commandLine)
	if err != nil {
		return nil, fmt.Errorf("failed to configure synthesis command: %w", err)
	}

	return &ExecSynthesizer{cmd: cmd, base: base, log: log}, nil
}

// Load checks that the model files exist. The command reads them itself on
// every call.
func (s *ExecSynthesizer) Load(_ context.Context, spec core.ModelSpec) (core.Voice, error) {
	if spec.VoiceID == "" {
		spec = s.base
	}

	for _, path := range []string{spec.Checkpoint, spec.ConfigPath} {
		if path == "" {
			continue
		}

		_, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrModelFileMissing, path, err)
		}
	}

	return &execVoice{synth: s, spec: spec}, nil
}

type execVoice struct {
	synth *ExecSynthesizer
	spec  core.ModelSpec
}

func (v *execVoice) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, ErrTextEmpty)
	}

	tempFile, err := os.CreateTemp("", "voice-synth-*.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for synthesis output: %w", err)
	}

	_ = tempFile.Close()

	defer func() {
		removeErr := os.Remove(tempFile.Name())
		if removeErr != nil {
			v.synth.log.Warn("Failed to remove temp file '%s': %v", tempFile.Name(), removeErr)
		}
	}()

	_, err = v.synth.cmd.Run(ctx, nil,
		"--checkpoint", v.spec.Checkpoint,
		"--config", v.spec.ConfigPath,
		"--text", text,
		"--output", tempFile.Name(),
	)
	if err != nil {
		return nil, err
	}

	audioData, err := os.ReadFile(tempFile.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data from temp file: %w", err)
	}

	if len(audioData) == 0 {
		return nil, fmt.Errorf("%w: %w", core.ErrExecution, ErrEmptyAudio)
	}

	return audioData, nil
}
