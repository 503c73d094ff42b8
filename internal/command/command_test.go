package command_test

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/voice-clone-service/internal/command"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) {
	t.Helper()

	_, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
}

func TestParse(t *testing.T) {
	t.Parallel()

	cmd, err := command.Parse(`python3 -m "voice tools" --fast`)
	require.NoError(t, err)
	assert.Equal(t, "python3", cmd.Name())

	_, err = command.Parse("   ")
	require.ErrorIs(t, err, command.ErrEmptyCommand)

	_, err = command.Parse(`echo "unterminated`)
	require.Error(t, err)
}

func TestRun_AppendsArgumentsAndFeedsStdin(t *testing.T) {
	t.Parallel()
	requireShell(t)

	cmd, err := command.Parse(`sh -c 'cat; echo " $1"' sh`)
	require.NoError(t, err)

	out, err := cmd.Run(context.Background(), []byte("hello"), "world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", strings.TrimSpace(string(out)))
}

func TestRun_FailureIsExecutionError(t *testing.T) {
	t.Parallel()
	requireShell(t)

	cmd, err := command.Parse(`sh -c 'echo boom >&2; exit 3'`)
	require.NoError(t, err)

	_, err = cmd.Run(context.Background(), nil)
	require.ErrorIs(t, err, core.ErrExecution)
	assert.Contains(t, err.Error(), "boom")
}

func TestRun_DeadlineIsReportedAsTimeout(t *testing.T) {
	t.Parallel()
	requireShell(t)

	cmd, err := command.Parse(`sh -c 'sleep 5'`)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = cmd.Run(ctx, nil)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, core.KindTimeout, core.KindOf(err))
}
