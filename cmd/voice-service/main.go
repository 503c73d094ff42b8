// main package for the voice-clone-service
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/config"
	"github.com/book-expert/voice-clone-service/internal/fsutil"
	"github.com/book-expert/voice-clone-service/internal/natsserver"
	"github.com/book-expert/voice-clone-service/internal/objectstore"
	"github.com/book-expert/voice-clone-service/internal/profile"
	"github.com/book-expert/voice-clone-service/internal/queue"
	"github.com/book-expert/voice-clone-service/internal/telemetry"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
)

const (
	serviceName = "voice-clone-service"
	envFile     = ".env"
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	mode := flag.String(flagMode, RoleAll, flagModeDesc)
	flag.Parse()

	role, err := ParseRole(*mode)
	if err != nil {
		return err
	}

	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir(), "voice-service-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Pick up secrets such as OPENAI_API_KEY before the configuration
	err = godotenv.Load(envFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		bootstrapLog.Warn("Failed to load %s: %v", envFile, err)
	}

	// 3. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 4. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, "voice-service-"+role+".log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, role, finalLog)
}

// serve connects the shared infrastructure and runs the requested role
// until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, role string, log *logger.Logger) error {
	embedded, err := natsserver.Start(cfg.NATS, log)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()

	url := cfg.NATS.URL
	if embedded != nil {
		url = embedded.ClientURL()
	}

	natsConnection, err := nats.Connect(url,
		nats.Name(serviceName+"-"+role),
		nats.Timeout(cfg.NATS.ConnectTimeout()),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	defer natsConnection.Close()

	jetStream, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to get JetStream context: %w", err)
	}

	tasks, err := queue.New(jetStream, queue.Options{
		StreamName:      cfg.NATS.TaskStreamName,
		SubjectPrefix:   cfg.NATS.TaskSubjectPrefix,
		JobBucket:       cfg.NATS.JobBucket,
		DuplicateWindow: cfg.DuplicateWindow(),
	}, log)
	if err != nil {
		return err
	}

	artifacts, err := objectstore.New(jetStream, cfg.NATS.ArtifactBucket)
	if err != nil {
		return err
	}

	registry, closeRegistry, err := openRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRegistry()

	sweeper, err := profile.NewSweeper(ctx, registry, cfg.Maintenance.SweepSchedule, log)
	if err != nil {
		return err
	}

	sweeper.Start()
	defer sweeper.Stop()

	tel, err := telemetry.Setup(ctx, serviceName, role)
	if err != nil {
		return err
	}

	defer func() {
		shutdownErr := tel.Shutdown(context.Background())
		if shutdownErr != nil {
			log.Warn("Telemetry shutdown: %v", shutdownErr)
		}
	}()

	app := &application{
		cfg:       cfg,
		log:       log,
		tasks:     tasks,
		artifacts: artifacts,
		registry:  registry,
		telemetry: tel,
	}

	log.System("Voice-Clone-Service initialized as %s. NATS %s, data %s", role, url, cfg.Paths.DataDir)

	return app.run(ctx, role)
}

func openRegistry(ctx context.Context, cfg *config.Config, log *logger.Logger) (*profile.Registry, func(), error) {
	err := fsutil.EnsureDir(filepath.Dir(cfg.Paths.ProfileDB))
	if err != nil {
		return nil, nil, err
	}

	store, err := profile.OpenStore(ctx, cfg.Paths.ProfileDB)
	if err != nil {
		return nil, nil, err
	}

	closeStore := func() {
		closeErr := store.Close()
		if closeErr != nil {
			log.Warn("Failed to close profile store: %v", closeErr)
		}
	}

	return profile.NewRegistry(profile.Layout{DataDir: cfg.Paths.DataDir}, store, log), closeStore, nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
