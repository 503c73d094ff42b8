package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/command"
	"github.com/book-expert/voice-clone-service/internal/config"
	"github.com/book-expert/voice-clone-service/internal/stt"
	"github.com/book-expert/voice-clone-service/internal/synth"
	"github.com/book-expert/voice-clone-service/internal/trainer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "voice-service-test.log")
	require.NoError(t, err)

	return testLogger
}

func TestParseRole(t *testing.T) {
	t.Parallel()

	for _, mode := range []string{RoleAPI, RoleWorker, RoleAll} {
		role, err := ParseRole(mode)
		require.NoError(t, err)
		assert.Equal(t, mode, role)
	}

	_, err := ParseRole("scheduler")
	require.ErrorIs(t, err, ErrUnknownRole)
}

func TestNewRecognizer(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)

	recognizer, err := NewRecognizer(config.STTConfig{Mode: config.ModeMock}, log)
	require.NoError(t, err)
	assert.IsType(t, &stt.MockRecognizer{}, recognizer)

	recognizer, err = NewRecognizer(config.STTConfig{Mode: config.ModeExec, Command: "whisper-cli --threads 4"}, log)
	require.NoError(t, err)
	assert.IsType(t, &stt.ExecRecognizer{}, recognizer)

	recognizer, err = NewRecognizer(config.STTConfig{Mode: config.ModeWhisper, APIURL: "http://127.0.0.1:9000/v1/audio/transcriptions"}, log)
	require.NoError(t, err)
	assert.IsType(t, &stt.WhisperClient{}, recognizer)

	_, err = NewRecognizer(config.STTConfig{Mode: config.ModeExec}, log)
	require.ErrorIs(t, err, command.ErrEmptyCommand)

	_, err = NewRecognizer(config.STTConfig{Mode: "carrier-pigeon"}, log)
	require.ErrorIs(t, err, ErrUnknownBackend)
}

func TestNewSynthesizer(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)

	synthesizer, err := NewSynthesizer(config.TTSServiceConfig{Mode: config.ModeMock, SampleRate: 22050}, log)
	require.NoError(t, err)
	assert.IsType(t, &synth.MockSynthesizer{}, synthesizer)

	synthesizer, err = NewSynthesizer(config.TTSServiceConfig{Mode: config.ModeHTTP, ServiceURL: "http://tts:8020", TimeoutSeconds: 5}, log)
	require.NoError(t, err)
	assert.IsType(t, &synth.HTTPClient{}, synthesizer)

	synthesizer, err = NewSynthesizer(config.TTSServiceConfig{Mode: config.ModeExec, Command: "tts-cli --device cpu"}, log)
	require.NoError(t, err)
	assert.IsType(t, &synth.ExecSynthesizer{}, synthesizer)

	_, err = NewSynthesizer(config.TTSServiceConfig{Mode: config.ModeWhisper}, log)
	require.ErrorIs(t, err, ErrUnknownBackend)
}

func TestNewTrainer(t *testing.T) {
	t.Parallel()

	log := newTestLogger(t)

	modelTrainer, err := NewTrainer(config.TrainConfig{Mode: config.ModeMock}, log)
	require.NoError(t, err)
	assert.IsType(t, &trainer.MockTrainer{}, modelTrainer)

	modelTrainer, err = NewTrainer(config.TrainConfig{Mode: config.ModeExec, Command: "python train.py"}, log)
	require.NoError(t, err)
	assert.IsType(t, &trainer.ExecTrainer{}, modelTrainer)

	_, err = NewTrainer(config.TrainConfig{Mode: config.ModeHTTP}, log)
	require.ErrorIs(t, err, ErrUnknownBackend)
}

func TestResolveBaseModels(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	checkpoint := filepath.Join(dir, "base_model.pth")
	require.NoError(t, os.WriteFile(checkpoint, []byte("weights"), 0o600))

	cfg := config.Defaults()
	cfg.Train.BaseCheckpoint = checkpoint
	cfg.TTS.BaseConfig = filepath.Join(dir, "missing-config.json")

	ResolveBaseModels(&cfg, newTestLogger(t))

	assert.Equal(t, checkpoint, cfg.Train.BaseCheckpoint)
	assert.Equal(t, filepath.Join(dir, "missing-config.json"), cfg.TTS.BaseConfig)
	assert.Empty(t, cfg.TTS.BaseCheckpoint)
}

func freeAddr(t *testing.T) string {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	return addr
}

func TestServe_AllRolesOnEmbeddedBroker(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()

	cfg := config.Defaults()
	cfg.NATS.Embedded = true
	cfg.NATS.EmbeddedPort = -1
	cfg.NATS.StoreDir = filepath.Join(dataDir, "nats")
	cfg.Paths.DataDir = dataDir
	cfg.Paths.ProfileDB = filepath.Join(dataDir, "db", "profiles.db")
	cfg.HTTP.Bind = freeAddr(t)
	cfg.STT.Mode = config.ModeMock
	cfg.TTS.Mode = config.ModeMock
	cfg.Train.Mode = config.ModeMock

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)

	go func() {
		done <- serve(ctx, &cfg, RoleAll, newTestLogger(t))
	}()

	healthURL := "http://" + cfg.HTTP.Bind + "/health"

	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		return resp.StatusCode == http.StatusOK
	}, 10*time.Second, 50*time.Millisecond)

	resp, err := http.Get("http://" + cfg.HTTP.Bind + "/metrics")
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}
