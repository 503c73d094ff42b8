// Package command runs the external tools behind the exec collaborators.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/mattn/go-shellwords"
)

const maxStderrInError = 2048

// ErrEmptyCommand indicates a configured command line parsed to nothing.
var ErrEmptyCommand = errors.New("command is empty")

// Command is a parsed command line to which per-call flags are appended.
type Command struct {
	name string
	args []string
}

// Parse splits a shell-style command line.
func Parse(line string) (Command, error) {
	parser := shellwords.NewParser()

	words, err := parser.Parse(line)
	if err != nil {
		return Command{}, fmt.Errorf("failed to parse command '%s': %w", line, err)
	}

	if len(words) == 0 {
		return Command{}, ErrEmptyCommand
	}

	return Command{name: words[0], args: words[1:]}, nil
}

// Name returns the executable.
func (c Command) Name() string {
	return c.name
}

// Run executes the command with extra appended to its arguments and stdin
// fed from input, and returns stdout. A non-zero exit wraps
// core.ErrExecution with the tail of stderr; a cancelled or expired ctx is
// returned as the ctx error.
func (c Command) Run(ctx context.Context, input []byte, extra ...string) ([]byte, error) {
	args := append(append([]string{}, c.args...), extra...)

	// #nosec G204 -- the command line comes from service configuration
	cmd := exec.CommandContext(ctx, c.name, args...)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}

	err := cmd.Run()
	if err != nil {
		ctxErr := ctx.Err()
		if ctxErr != nil {
			return nil, fmt.Errorf("%s interrupted: %w", c.name, ctxErr)
		}

		return nil, fmt.Errorf("%w: %s failed: %w: %s", core.ErrExecution, c.name, err, tail(stderr.String()))
	}

	return stdout.Bytes(), nil
}

func tail(output string) string {
	output = strings.TrimSpace(output)
	if len(output) <= maxStderrInError {
		return output
	}

	return output[len(output)-maxStderrInError:]
}
