// Package natsserver runs an in-process JetStream server for single-binary
// deployments.
package natsserver

import (
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-clone-service/internal/config"
	"github.com/nats-io/nats-server/v2/server"
)

const (
	embeddedHost = "127.0.0.1"
	readyTimeout = 5 * time.Second
)

// ErrNotReady indicates the embedded server did not accept connections in time.
var ErrNotReady = errors.New("embedded NATS server not ready")

// EmbeddedServer wraps a NATS server instance.
type EmbeddedServer struct {
	ns  *server.Server
	log *logger.Logger
}

// Start creates and starts an embedded NATS server with JetStream enabled.
// It returns nil when the configuration does not ask for one.
func Start(cfg config.NATSConfig, log *logger.Logger) (*EmbeddedServer, error) {
	if !cfg.Embedded {
		return nil, nil
	}

	opts := &server.Options{
		Host:      embeddedHost,
		Port:      cfg.EmbeddedPort,
		JetStream: true,
		StoreDir:  cfg.StoreDir,
		NoSigs:    true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()

		return nil, fmt.Errorf("%w within %s", ErrNotReady, readyTimeout)
	}

	log.Info("Embedded NATS server listening on %s (store %s)", ns.ClientURL(), cfg.StoreDir)

	return &EmbeddedServer{ns: ns, log: log}, nil
}

// ClientURL returns the URL clients connect to.
func (e *EmbeddedServer) ClientURL() string {
	return e.ns.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}

	e.log.Info("Shutting down embedded NATS server")
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
