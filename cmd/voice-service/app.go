package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/config"
	"github.com/book-expert/voice-clone-service/internal/core"
	"github.com/book-expert/voice-clone-service/internal/fsutil"
	"github.com/book-expert/voice-clone-service/internal/httpapi"
	"github.com/book-expert/voice-clone-service/internal/modelcache"
	"github.com/book-expert/voice-clone-service/internal/objectstore"
	"github.com/book-expert/voice-clone-service/internal/orchestrator"
	"github.com/book-expert/voice-clone-service/internal/pipeline"
	"github.com/book-expert/voice-clone-service/internal/profile"
	"github.com/book-expert/voice-clone-service/internal/queue"
	"github.com/book-expert/voice-clone-service/internal/stt"
	"github.com/book-expert/voice-clone-service/internal/synth"
	"github.com/book-expert/voice-clone-service/internal/telemetry"
	"github.com/book-expert/voice-clone-service/internal/trainer"
	"github.com/book-expert/voice-clone-service/internal/worker"
)

// Process roles.
const (
	RoleAPI    = "api"
	RoleWorker = "worker"
	RoleAll    = "all"
)

const (
	flagMode     = "mode"
	flagModeDesc = "Process role: api, worker or all"

	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second

	mockTranscript = "this is a mock transcript"
)

var (
	// ErrUnknownRole indicates a -mode value other than api, worker or all.
	ErrUnknownRole = errors.New("unknown process role")
	// ErrUnknownBackend indicates a backend mode the section does not support.
	ErrUnknownBackend = errors.New("unknown backend mode")
)

// ParseRole validates the -mode flag.
func ParseRole(mode string) (string, error) {
	if !slices.Contains([]string{RoleAPI, RoleWorker, RoleAll}, mode) {
		return "", fmt.Errorf("%w: '%s'", ErrUnknownRole, mode)
	}

	return mode, nil
}

type application struct {
	cfg       *config.Config
	log       *logger.Logger
	tasks     *queue.Client
	artifacts *objectstore.NatsObjectStore
	registry  *profile.Registry
	telemetry *telemetry.Telemetry
}

// run starts the parts of the role and returns once all of them stopped.
func (a *application) run(ctx context.Context, role string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		errs = make(chan error, 2)
	)

	start := func(part func(context.Context) error) {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := part(ctx)
			if err != nil {
				errs <- err

				cancel()
			}
		}()
	}

	if role == RoleWorker || role == RoleAll {
		stageWorker, unsubscribe, err := a.newWorker()
		if err != nil {
			return err
		}
		defer unsubscribe()

		start(stageWorker.Run)
	}

	if role == RoleAPI || role == RoleAll {
		start(a.serveHTTP)
	}

	wg.Wait()
	close(errs)

	var failures []error

	for err := range errs {
		failures = append(failures, err)
	}

	return errors.Join(failures...)
}

func (a *application) newWorker() (*worker.NatsWorker, func(), error) {
	ResolveBaseModels(a.cfg, a.log)

	recognizer, err := NewRecognizer(a.cfg.STT, a.log)
	if err != nil {
		return nil, nil, err
	}

	synthesizer, err := NewSynthesizer(a.cfg.TTS, a.log)
	if err != nil {
		return nil, nil, err
	}

	modelTrainer, err := NewTrainer(a.cfg.Train, a.log)
	if err != nil {
		return nil, nil, err
	}

	stages := pipeline.New(pipeline.Deps{
		Registry:   a.registry,
		Recognizer: recognizer,
		Trainer:    modelTrainer,
		Cache:      modelcache.New(synthesizer, a.log, a.telemetry.Recorder),
		Artifacts:  a.artifacts,
		Enqueuer:   a.tasks,
		Log:        a.log,
	}, pipeline.SettingsFromConfig(a.cfg))

	consumer, err := a.tasks.Consumer(a.cfg.NATS.WorkerConsumerName, a.cfg.Worker.AckWait(), a.cfg.Worker.MaxDeliver)
	if err != nil {
		return nil, nil, err
	}

	unsubscribe := func() {
		unsubErr := consumer.Unsubscribe()
		if unsubErr != nil {
			a.log.Warn("Failed to unsubscribe worker consumer: %v", unsubErr)
		}
	}

	stageWorker, err := worker.NewNatsWorker(a.tasks, consumer, stages.Handlers(), worker.Options{
		Heartbeat: a.cfg.Worker.Heartbeat(),
		Observer:  a.telemetry.Recorder,
	}, a.log)
	if err != nil {
		unsubscribe()

		return nil, nil, err
	}

	return stageWorker, unsubscribe, nil
}

func (a *application) serveHTTP(ctx context.Context) error {
	service := orchestrator.New(a.tasks, a.registry, a.artifacts, orchestrator.Options{
		PreprocessTimeout: a.cfg.Timeouts.PreprocessTimeout(),
		SynthesizeTimeout: a.cfg.Timeouts.SynthesizeTimeout(),
	}, a.log)

	server := &http.Server{
		Addr:              a.cfg.HTTP.Bind,
		Handler:           httpapi.NewRouter(service, httpapi.RouterOptions{
			Metrics:      a.telemetry.Handler,
			AllowOrigins: a.cfg.HTTP.AllowOrigins,
		}, a.log),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)

	go func() {
		a.log.Info("HTTP API listening on %s", a.cfg.HTTP.Bind)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("HTTP server stopped: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := server.Shutdown(shutdownCtx)
	if err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}

	a.log.Info("HTTP API stopped")

	return nil
}

// ResolveBaseModels replaces each configured base model file with its
// resolved absolute path. Names that cannot be found are kept as given for
// the backend to resolve.
func ResolveBaseModels(cfg *config.Config, log *logger.Logger) {
	for _, path := range []*string{
		&cfg.Train.BaseCheckpoint,
		&cfg.Train.BaseConfig,
		&cfg.TTS.BaseCheckpoint,
		&cfg.TTS.BaseConfig,
	} {
		if *path == "" {
			continue
		}

		resolved, err := fsutil.ResolveModelPath(*path)
		if err != nil {
			log.Warn("Base model file %s not resolved locally: %v", *path, err)

			continue
		}

		*path = resolved
	}
}

// NewRecognizer builds the speech recognition backend named by cfg.Mode.
func NewRecognizer(cfg config.STTConfig, log *logger.Logger) (core.Recognizer, error) {
	switch cfg.Mode {
	case config.ModeExec:
		return stt.NewExecRecognizer(cfg.Command, cfg.Model, cfg.Language)
	case config.ModeWhisper:
		return stt.NewWhisperClientFromEnv(cfg.APIURL, cfg.Model, cfg.Language, log)
	case config.ModeMock:
		return &stt.MockRecognizer{Default: mockTranscript}, nil
	default:
		return nil, fmt.Errorf("%w: stt mode '%s'", ErrUnknownBackend, cfg.Mode)
	}
}

// NewSynthesizer builds the synthesis backend named by cfg.Mode.
func NewSynthesizer(cfg config.TTSServiceConfig, log *logger.Logger) (core.Synthesizer, error) {
	base := core.ModelSpec{Checkpoint: cfg.BaseCheckpoint, ConfigPath: cfg.BaseConfig}

	switch cfg.Mode {
	case config.ModeExec:
		return synth.NewExecSynthesizer(cfg.Command, base, log)
	case config.ModeHTTP:
		return synth.NewHTTPClient(cfg.ServiceURL, time.Duration(cfg.TimeoutSeconds)*time.Second, base), nil
	case config.ModeMock:
		return &synth.MockSynthesizer{SampleRate: cfg.SampleRate}, nil
	default:
		return nil, fmt.Errorf("%w: tts mode '%s'", ErrUnknownBackend, cfg.Mode)
	}
}

// NewTrainer builds the fine-tuning backend named by cfg.Mode.
func NewTrainer(cfg config.TrainConfig, log *logger.Logger) (core.Trainer, error) {
	switch cfg.Mode {
	case config.ModeExec:
		return trainer.NewExecTrainer(cfg.Command, log)
	case config.ModeMock:
		return &trainer.MockTrainer{}, nil
	default:
		return nil, fmt.Errorf("%w: train mode '%s'", ErrUnknownBackend, cfg.Mode)
	}
}
