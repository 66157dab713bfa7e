// Package server runs a single-organization sync server backed by the
// in-memory testbed. It is meant for local demos: nothing survives a
// restart.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/gophsync/internal/client/connection"
	"github.com/dmitrijs2005/gophsync/internal/client/connection/testbed"
	"github.com/dmitrijs2005/gophsync/internal/clock"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/server/config"
)

type App struct {
	config *config.Config
	logger logging.Logger
	closer io.Closer
	org    *testbed.Server
}

func NewApp(c *config.Config) (*App, error) {
	h, closer, err := logging.NewHandler(logging.Options{Level: c.LogLevel, Format: c.LogFormat, File: c.LogFile})
	if err != nil {
		return nil, fmt.Errorf("logger init error: %w", err)
	}
	logger := logging.NewSlogLogger(slog.New(h))

	keys, err := c.DeviceKeys()
	if err != nil {
		_ = closer.Close()
		return nil, fmt.Errorf("devices: %w", err)
	}

	org := testbed.NewServer(clock.Real())
	org.ShareRealms(c.ShareRealms)
	for id, vk := range keys {
		org.AddDevice(id, vk)
	}

	return &App{config: c, logger: logger, closer: closer, org: org}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run listens on the configured address and serves until ctx is done or a
// termination signal is received.
func (app *App) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", app.config.EndpointAddrGRPC)
	if err != nil {
		return err
	}

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()
	app.initSignalHandler(cancelFunc)

	return app.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done.
func (app *App) Serve(ctx context.Context, lis net.Listener) error {
	defer func() { _ = app.closer.Close() }()

	app.logger.Info(ctx, "Starting app...", "devices", len(app.config.Devices), "share_realms", app.config.ShareRealms)
	srv := connection.NewServer(app.org.Backend(), app.org.DeviceKey, app.logger)
	return srv.Serve(ctx, lis)
}
